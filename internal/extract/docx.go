package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

func extractDOCX(_ context.Context, data []byte) Document {
	if len(data) == 0 {
		return corrupt("empty docx")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return corrupt("open docx: %v", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return corrupt("docx has no %s", docxBody)
	}

	rc, err := body.Open()
	if err != nil {
		return corrupt("open %s: %v", docxBody, err)
	}
	defer rc.Close()

	text, err := docxText(rc)
	if err != nil {
		return corrupt("parse %s: %v", docxBody, err)
	}

	text = normalizeText(text)
	if text == "" {
		return nonExtractable(0, "docx contains no text")
	}

	return Document{Status: StatusOK, Text: text}
}

// docxText walks WordprocessingML: paragraphs become lines and table cells
// of a row are joined with " | ".
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		b      strings.Builder
		row    []string
		cell   strings.Builder
		inText bool
		depth  int
	)

	current := func() *strings.Builder {
		if depth > 0 {
			return &cell
		}
		return &b
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current().WriteString("\t")
			case "br", "cr":
				current().WriteString("\n")
			case "tc":
				depth++
				cell.Reset()
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if depth > 0 {
					cell.WriteString(" ")
				} else {
					b.WriteString("\n")
				}
			case "tc":
				depth--
				row = append(row, strings.TrimSpace(cell.String()))
				cell.Reset()
			case "tr":
				b.WriteString(strings.Join(row, " | "))
				b.WriteString("\n")
				row = row[:0]
			}
		case xml.CharData:
			if inText {
				current().Write(t)
			}
		}
	}

	return b.String(), nil
}
