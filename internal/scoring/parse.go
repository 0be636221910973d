package scoring

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

var responseSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("score.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("add score schema: %v", err))
	}
	schema, err := compiler.Compile("score.json")
	if err != nil {
		panic(fmt.Sprintf("compile score schema: %v", err))
	}
	return schema
}

var errNoScore = errors.New("response has no numeric score")

// parseResponse runs the strict schema pass first. When the reply is valid JSON
// but off-schema, a lenient pass coerces numeric strings and scalar lists.
// A score outside the valid range fails both passes.
func parseResponse(raw string) (*Result, error) {
	cleaned := extractJSON(raw)

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a json object, got %T", data)
	}

	if err := responseSchema.Validate(data); err == nil {
		var res Result
		if err := json.Unmarshal([]byte(cleaned), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return &res, nil
	}

	return lenientResult(obj)
}

func lenientResult(obj map[string]any) (*Result, error) {
	score := coerceFloat(obj["score"])
	if math.IsNaN(score) {
		return nil, errNoScore
	}
	if score < MinScore || score > MaxScore {
		return nil, fmt.Errorf("score %v outside [%d, %d]", score, MinScore, MaxScore)
	}

	return &Result{
		Score:               score,
		Summary:             coerceString(obj["summary"]),
		KeyStrengths:        coerceList(obj["key_strengths"]),
		Concerns:            coerceList(obj["concerns"]),
		HireRecommendation:  coerceString(obj["hire_recommendation"]),
		NotableAchievements: coerceList(obj["notable_achievements"]),
		CultureFit:          coerceString(obj["culture_fit"]),
		DataQuality:         coerceString(obj["data_quality"]),
	}, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	raw = strings.TrimSpace(raw)

	// Some models wrap the object in prose.
	if !strings.HasPrefix(raw, "{") {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start != -1 && end > start {
			raw = raw[start : end+1]
		}
	}
	return raw
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		trimmed = strings.TrimSuffix(trimmed, "/100")
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "%"))
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		return strings.Join(coerceList(val), "; ")
	default:
		if v == nil {
			return ""
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func coerceList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, line := range strings.FieldsFunc(val, func(r rune) bool { return r == '\n' || r == ';' }) {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
			if line != "" {
				out = append(out, line)
			}
		}
		return out
	default:
		if s := coerceString(val); s != "" {
			return []string{s}
		}
		return nil
	}
}
