package extract

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Status string

const (
	StatusOK             Status = "ok"
	StatusUnsupported    Status = "unsupported-format"
	StatusNonExtractable Status = "non-extractable-content"
	StatusCorrupt        Status = "corrupt"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatXLSX    Format = "xlsx"
	FormatText    Format = "text"
)

// Input is a single downloaded attachment.
type Input struct {
	RecordID    string
	Filename    string
	ContentType string
	Bytes       []byte
}

// Document is the outcome of an extraction. Text is set only when Status is ok.
type Document struct {
	RecordID string `json:"record_id"`
	Filename string `json:"filename"`
	Format   Format `json:"format"`
	Text     string `json:"text,omitempty"`
	Status   Status `json:"status"`
	Pages    int    `json:"pages,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (d Document) OK() bool { return d.Status == StatusOK }

// Func turns raw bytes into text. It fills Text, Status, Pages and Detail.
type Func func(ctx context.Context, data []byte) Document

// Extractor dispatches attachments to the registered format handlers.
type Extractor struct {
	logger *zap.Logger

	mu         sync.RWMutex
	handlers   map[Format]Func
	extensions map[string]Format
	mimes      map[string]Format
}

func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Extractor{
		logger:     logger,
		handlers:   make(map[Format]Func),
		extensions: make(map[string]Format),
		mimes:      make(map[string]Format),
	}

	e.Register(FormatPDF, extractPDF, []string{"pdf"}, "application/pdf")
	e.Register(FormatDOCX, extractDOCX, []string{"docx"},
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	e.Register(FormatXLSX, extractXLSX, []string{"xlsx"},
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	e.Register(FormatText, extractText, []string{"txt", "text", "md"}, "text/plain", "text/markdown")

	return e
}

// Register adds or replaces a format handler. Extensions are given without the dot.
func (e *Extractor) Register(format Format, fn Func, extensions []string, mimeTypes ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[format] = fn
	for _, ext := range extensions {
		e.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = format
	}
	for _, m := range mimeTypes {
		e.mimes[strings.ToLower(m)] = format
	}
}

// Formats lists the registered formats.
func (e *Extractor) Formats() []Format {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Format, 0, len(e.handlers))
	for f := range e.handlers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Extract never fails: every outcome is expressed as a Document status.
func (e *Extractor) Extract(ctx context.Context, in Input) Document {
	format, declared := e.detect(in)

	doc := Document{RecordID: in.RecordID, Filename: in.Filename, Format: format}

	e.mu.RLock()
	fn, ok := e.handlers[format]
	e.mu.RUnlock()

	if !ok {
		doc.Status = StatusUnsupported
		if declared != "" {
			doc.Detail = fmt.Sprintf("format %q is not supported", declared)
		} else {
			doc.Detail = "unrecognised content"
		}
		e.logger.Debug("unsupported attachment",
			zap.String("record_id", in.RecordID),
			zap.String("filename", in.Filename),
			zap.String("detail", doc.Detail),
		)
		return doc
	}

	res := fn(ctx, in.Bytes)
	doc.Text = res.Text
	doc.Status = res.Status
	doc.Pages = res.Pages
	doc.Detail = res.Detail
	if doc.Status != StatusOK {
		doc.Text = ""
	}

	e.logger.Debug("attachment extracted",
		zap.String("record_id", in.RecordID),
		zap.String("filename", in.Filename),
		zap.String("format", string(format)),
		zap.String("status", string(doc.Status)),
		zap.Int("chars", len(doc.Text)),
	)

	return doc
}

// detect resolves the format from the extension, then the content type, then magic bytes.
// The second value is the declared format name for reporting unsupported files.
func (e *Extractor) detect(in Input) (Format, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(in.Filename)), ".")
	if ext != "" {
		if f, ok := e.extensions[ext]; ok {
			return f, ext
		}
		return FormatUnknown, ext
	}

	if in.ContentType != "" {
		mt, _, err := mime.ParseMediaType(in.ContentType)
		if err == nil {
			if f, ok := e.mimes[strings.ToLower(mt)]; ok {
				return f, mt
			}
		}
	}

	return sniff(in.Bytes), ""
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

func sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return FormatPDF
	case bytes.HasPrefix(data, zipMagic):
		switch {
		case bytes.Contains(data, []byte("word/document.xml")):
			return FormatDOCX
		case bytes.Contains(data, []byte("xl/workbook.xml")):
			return FormatXLSX
		}
	}
	return FormatUnknown
}

func corrupt(format string, args ...any) Document {
	return Document{Status: StatusCorrupt, Detail: fmt.Sprintf(format, args...)}
}

func nonExtractable(pages int, format string, args ...any) Document {
	return Document{Status: StatusNonExtractable, Pages: pages, Detail: fmt.Sprintf(format, args...)}
}

func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
