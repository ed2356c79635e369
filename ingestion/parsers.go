package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// rowsPerBlock groups tabular rows so a spreadsheet does not explode into one
// chunk per row.
const rowsPerBlock = 10

type markdownParser struct{}

// Parse splits on blank lines; ATX headings ("# Title") set the section and the
// first one becomes the title.
func (markdownParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	text := strings.ReplaceAll(string(payload.Data), "\r\n", "\n")
	doc := &ParsedDocument{}
	section := ""
	var para []string
	inFence := false

	flush := func() {
		if len(para) > 0 {
			doc.Blocks = append(doc.Blocks, Block{Section: section, Text: strings.Join(para, "\n")})
			para = para[:0]
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			para = append(para, line)
			continue
		}
		if inFence {
			para = append(para, line)
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			flush()
			if heading != "" {
				if doc.Title == "" {
					doc.Title = heading
				}
				section = heading
			}
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		para = append(para, trimmed)
	}
	flush()

	return doc, nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	text := normalizePlainText(string(payload.Data))
	doc := &ParsedDocument{}
	for _, para := range strings.Split(text, "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			doc.Blocks = append(doc.Blocks, Block{Text: para})
		}
	}
	return doc, nil
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	reader := csv.NewReader(bytes.NewReader(payload.Data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return &ParsedDocument{}, nil
	}

	return &ParsedDocument{Blocks: tableBlocks("", records[0], records[1:])}, nil
}

type xlsxParser struct{}

// Parse emits every sheet as its own section, rows rendered as "Header: value".
func (xlsxParser) Parse(ctx context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	book, err := excelize.OpenReader(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer book.Close()

	doc := &ParsedDocument{}
	if props, err := book.GetDocProps(); err == nil && props != nil {
		doc.Title = strings.TrimSpace(props.Title)
	}

	for _, sheet := range book.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		rows = dropEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}
		doc.Blocks = append(doc.Blocks, tableBlocks(sheet, rows[0], rows[1:])...)
	}
	return doc, nil
}

type notImplementedParser struct {
	ext string
}

func (p notImplementedParser) Parse(context.Context, DocumentPayload) (*ParsedDocument, error) {
	return nil, fmt.Errorf("%w: .%s", ErrNotImplemented, p.ext)
}

func tableBlocks(section string, headers []string, rows [][]string) []Block {
	if len(rows) == 0 {
		if line := firstNonEmpty(headers); line != "" {
			return []Block{{Section: section, Text: strings.Join(headers, " | ")}}
		}
		return nil
	}

	blocks := make([]Block, 0, len(rows)/rowsPerBlock+1)
	for start := 0; start < len(rows); start += rowsPerBlock {
		end := start + rowsPerBlock
		if end > len(rows) {
			end = len(rows)
		}
		parts := make([]string, 0, end-start)
		for idx := start; idx < end; idx++ {
			parts = append(parts, formatCSVRow(headers, rows[idx], idx))
		}
		blocks = append(blocks, Block{Section: section, Text: strings.Join(parts, "\n")})
	}
	return blocks
}

func dropEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		if firstNonEmpty(row) != "" {
			out = append(out, row)
		}
	}
	return out
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	builder.WriteString(fmt.Sprintf("Row %d:", idx+1))

	limit := len(headers)
	if len(row) < limit {
		limit = len(row)
	}

	for i := 0; i < limit; i++ {
		value := strings.TrimSpace(row[i])
		if value == "" {
			continue
		}
		header := strings.TrimSpace(headers[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString(" ")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(value)
		builder.WriteString(";")
	}

	for i := len(headers); i < len(row); i++ {
		if value := strings.TrimSpace(row[i]); value != "" {
			builder.WriteString(fmt.Sprintf(" Extra %d: %s;", i+1, value))
		}
	}

	return strings.TrimSuffix(builder.String(), ";")
}
