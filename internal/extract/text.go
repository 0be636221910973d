package extract

import (
	"bytes"
	"context"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// extractText accepts UTF-8 and falls back to Windows-1252 for legacy exports.
func extractText(_ context.Context, data []byte) Document {
	data = bytes.TrimPrefix(data, utf8BOM)

	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return corrupt("decode text: %v", err)
		}
		text = string(decoded)
	}

	text = normalizeText(text)
	if text == "" {
		return nonExtractable(0, "empty text file")
	}

	return Document{Status: StatusOK, Text: text}
}
