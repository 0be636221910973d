package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"
)

func extractXLSX(_ context.Context, data []byte) Document {
	if len(data) == 0 {
		return corrupt("empty xlsx")
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return corrupt("open xlsx: %v", err)
	}
	defer f.Close()

	var b strings.Builder
	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return corrupt("read sheet %q: %v", sheet, err)
		}

		for _, row := range rows {
			cells := make([]string, 0, len(row))
			for _, c := range row {
				if c = strings.TrimSpace(c); c != "" {
					cells = append(cells, c)
				}
			}
			if len(cells) == 0 {
				continue
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteString("\n")
		}
	}

	text := normalizeText(b.String())
	if text == "" {
		return nonExtractable(len(sheets), "spreadsheet has no values")
	}

	return Document{Status: StatusOK, Text: text, Pages: len(sheets)}
}
