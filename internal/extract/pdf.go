package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

func extractPDF(ctx context.Context, data []byte) (doc Document) {
	if len(data) == 0 {
		return corrupt("empty pdf")
	}

	defer func() {
		if r := recover(); r != nil {
			doc = corrupt("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return corrupt("open pdf: %v", err)
	}

	pages := reader.NumPage()
	if pages == 0 {
		return corrupt("pdf has no pages")
	}

	var (
		b      strings.Builder
		images int
	)
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return corrupt("extraction interrupted: %v", err)
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		images += countImages(page)

		text, err := page.GetPlainText(nil)
		if err != nil {
			return corrupt("page %d: %v", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	text := normalizeText(b.String())
	if text == "" {
		if images > 0 {
			return nonExtractable(pages, "image-based pdf: %d pages, %d images, no text layer", pages, images)
		}
		return nonExtractable(pages, "pdf has no text layer")
	}

	return Document{Status: StatusOK, Text: text, Pages: pages, Detail: fmt.Sprintf("%d pages", pages)}
}

func countImages(page pdf.Page) int {
	xobjects := page.Resources().Key("XObject")
	if xobjects.IsNull() {
		return 0
	}

	n := 0
	for _, name := range xobjects.Keys() {
		if xobjects.Key(name).Key("Subtype").Name() == "Image" {
			n++
		}
	}
	return n
}
