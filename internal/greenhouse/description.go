package greenhouse

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const minNotesLength = 100

var requirementTerms = []string{"experience", "years", "certification", "skill"}

// JobDescription builds the text the scorer compares candidates against.
// Long free-form notes win. Otherwise the description is assembled from the
// job metadata, custom fields and requirement-like application questions of sample.
func JobDescription(job *Job, sample *Application) string {
	if len(job.Notes) > minNotesLength {
		return job.Notes
	}

	parts := []string{fmt.Sprintf("Position: %s\n", job.Name)}

	if len(job.Departments) > 0 {
		parts = append(parts, "Department: "+job.Departments[0].Name)
	}
	if len(job.Offices) > 0 {
		parts = append(parts, "Location: "+job.Offices[0].Name)
	}

	if len(job.KeyedCustomFields) > 0 {
		keys := make([]string, 0, len(job.KeyedCustomFields))
		for k := range job.KeyedCustomFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		details := []string{}
		for _, k := range keys {
			if line := customField(k, job.KeyedCustomFields[k]); line != "" {
				details = append(details, line)
			}
		}
		if len(details) > 0 {
			parts = append(parts, "\nJob Details:")
			parts = append(parts, details...)
		}
	}

	if sample != nil {
		var requirements []string
		for _, a := range sample.Answers {
			q := strings.ToLower(a.Question)
			for _, term := range requirementTerms {
				if strings.Contains(q, term) {
					requirements = append(requirements, "- "+a.Question)
					break
				}
			}
		}
		if len(requirements) > 0 {
			parts = append(parts, "\nRequirements (from application):")
			parts = append(parts, requirements...)
		}
	}

	return strings.Join(parts, "\n")
}

func customField(key string, value any) string {
	if isEmpty(value) {
		return ""
	}

	name := cases.Title(language.English).String(strings.ReplaceAll(key, "_", " "))

	if m, ok := value.(map[string]any); ok {
		if v, ok := m["value"]; ok {
			if isEmpty(v) {
				return ""
			}
			unit, _ := m["unit"].(string)
			return strings.TrimSpace(fmt.Sprintf("- %s: $%v %s", name, v, unit))
		}
	}

	return fmt.Sprintf("- %s: %v", name, value)
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}
