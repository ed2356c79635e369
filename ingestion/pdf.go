package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfTitleMaxLen guards against using a whole paragraph as the title when the
// first page has no short heading line.
const pdfTitleMaxLen = 200

type pdfParser struct{}

// Parse emits one block per page so every chunk keeps its page number.
func (pdfParser) Parse(ctx context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	doc := &ParsedDocument{}
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract text from page %d: %w", i, err)
		}
		text = normalizePlainText(text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		if doc.Title == "" {
			if line := firstNonEmptyLine(text); len(line) <= pdfTitleMaxLen {
				doc.Title = line
			}
		}
		doc.Blocks = append(doc.Blocks, Block{Page: i, Text: text})
	}

	return doc, nil
}

func normalizePlainText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
