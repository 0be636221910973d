package analysis

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/checkpoint"
	"github.com/spigell/hirescope/internal/extract"
	"github.com/spigell/hirescope/internal/greenhouse"
	"github.com/spigell/hirescope/internal/logger"
	"github.com/spigell/hirescope/internal/scoring"
)

type attachmentText struct {
	kind     string
	filename string
	text     string
}

// process runs one record through extraction and scoring. Errors are scoped to the record.
func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, job Job, t task) result {
	app := t.app
	log = log.With(zap.String(logger.FieldRecordID, app.ID))
	res := result{app: app, stage: stageExtracting}

	name, email := o.candidate(ctx, log, app)
	res.name = name
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	log.Debug("processing record", zap.String("stage", stageExtracting), zap.Int("attachments", len(app.Attachments)))
	docs, notes := o.extractAttachments(ctx, log, app)
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}
	res.extractionFailures = len(notes)

	res.stage = stageScoring
	log.Debug("processing record", zap.String("stage", stageScoring))
	scored, err := o.scorer.Score(ctx, scoring.Request{
		RecordID:       app.ID,
		JobTitle:       job.Name,
		JobDescription: job.Description,
		Profile:        buildProfile(app, name, email, docs, o.opts.OtherAttachmentLimit),
		CompanyContext: o.opts.CompanyContext,
		DataQuality:    strings.Join(notes, "\n"),
	})
	if err != nil {
		res.err = err
		return res
	}

	res.stage = stageCheckpointing
	res.entry = checkpoint.Entry{
		Record: checkpoint.Record{
			ID:          app.ID,
			CandidateID: app.CandidateID,
			Name:        name,
			Status:      app.Status,
			Stage:       app.StageName(),
			AppliedAt:   app.AppliedAt,
			Seq:         t.seq,
		},
		Result: *scored,
	}
	return res
}

// candidate resolves the name and email. A failed lookup only degrades the profile.
func (o *Orchestrator) candidate(ctx context.Context, log *zap.Logger, app *greenhouse.Application) (string, string) {
	name, email := "Candidate "+app.ID, "N/A"
	if app.CandidateID == "" {
		return name, email
	}

	c, err := o.source.Candidate(ctx, app.CandidateID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("getting candidate details", zap.String("candidate_id", app.CandidateID), zap.Error(err))
		}
		return name, email
	}
	if n := c.Name(); n != "" {
		name = n
	}
	return name, c.Email()
}

// extractAttachments returns the usable attachment texts and one note per attachment that
// could not be read.
func (o *Orchestrator) extractAttachments(ctx context.Context, log *zap.Logger, app *greenhouse.Application) ([]attachmentText, []string) {
	var (
		docs  []attachmentText
		notes []string
	)

	for _, att := range app.Attachments {
		if ctx.Err() != nil {
			return docs, notes
		}

		data, err := o.source.Download(ctx, att)
		if err != nil {
			if ctx.Err() != nil {
				return docs, notes
			}
			log.Warn("failed to download attachment", zap.String("filename", att.Filename), zap.Error(err))
			notes = append(notes, fmt.Sprintf("%s (%s): download failed", att.Filename, att.Kind()))
			continue
		}

		doc := o.extractor.Extract(ctx, extract.Input{
			RecordID: app.ID,
			Filename: att.Filename,
			Bytes:    data,
		})
		if !doc.OK() {
			log.Warn("attachment text not extracted",
				zap.String("filename", att.Filename),
				zap.String("status", string(doc.Status)),
				zap.String("detail", doc.Detail),
			)
			note := fmt.Sprintf("%s (%s): %s", att.Filename, att.Kind(), doc.Status)
			if doc.Detail != "" {
				note += ", " + doc.Detail
			}
			notes = append(notes, note)
			continue
		}

		docs = append(docs, attachmentText{kind: att.Kind(), filename: att.Filename, text: doc.Text})
	}

	return docs, notes
}

func buildProfile(app *greenhouse.Application, name, email string, docs []attachmentText, otherLimit int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CANDIDATE: %s\n", name)
	fmt.Fprintf(&b, "EMAIL: %s\n", email)
	fmt.Fprintf(&b, "APPLIED: %s\n", date(app.AppliedAt))

	b.WriteString("\nAPPLICATION RESPONSES:\n")
	answered := 0
	for _, a := range app.Answers {
		if strings.TrimSpace(a.Answer) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", a.Question, a.Answer)
		answered++
	}
	if answered == 0 {
		b.WriteString("No responses provided\n")
	}

	var resume, cover []string
	var others []attachmentText
	for _, d := range docs {
		switch d.kind {
		case "resume":
			resume = append(resume, d.text)
		case "cover_letter":
			cover = append(cover, d.text)
		default:
			others = append(others, d)
		}
	}

	b.WriteString("\nRESUME:\n")
	if len(resume) == 0 {
		b.WriteString("[No resume available]\n")
	} else {
		b.WriteString(strings.Join(resume, "\n\n") + "\n")
	}

	b.WriteString("\nCOVER LETTER:\n")
	if len(cover) == 0 {
		b.WriteString("[No cover letter]\n")
	} else {
		b.WriteString(strings.Join(cover, "\n\n") + "\n")
	}

	for _, d := range others {
		fmt.Fprintf(&b, "\nOTHER ATTACHMENT (%s):\n%s\n", d.filename, head(d.text, otherLimit))
	}

	return b.String()
}

func date(s string) string {
	if s == "" {
		return "N/A"
	}
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// head returns at most n runes of s.
func head(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
