package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

type docxParser struct{}

func (docxParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	reader, err := zip.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open docx archive: %w", err)
	}

	body, err := readZipEntry(reader, "word/document.xml")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("docx has no word/document.xml")
	}

	doc, err := parseDocumentXML(body)
	if err != nil {
		return nil, err
	}

	if core, err := readZipEntry(reader, "docProps/core.xml"); err == nil && core != nil {
		if title := parseCoreTitle(core); title != "" {
			doc.Title = title
		}
	}
	return doc, nil
}

func readZipEntry(reader *zip.Reader, name string) ([]byte, error) {
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, nil
}

// docxState tracks the WordprocessingML stream. Tables may nest; only the
// outermost table becomes a block.
type docxState struct {
	doc        *ParsedDocument
	section    string
	para       strings.Builder
	style      string
	inText     bool
	tableDepth int
	tables     int
	rows       [][]string
	row        []string
	cell       strings.Builder
}

// parseDocumentXML walks word/document.xml in document order. Paragraphs with
// a Heading or Title style update the current section; tables are emitted as
// "Table N" blocks.
func parseDocumentXML(data []byte) (*ParsedDocument, error) {
	st := &docxState{doc: &ParsedDocument{}}
	dec := xml.NewDecoder(bytes.NewReader(data))

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			st.start(t)
		case xml.EndElement:
			st.end(t.Name.Local)
		case xml.CharData:
			if st.inText {
				st.para.Write(t)
			}
		}
	}
	return st.doc, nil
}

func (st *docxState) start(el xml.StartElement) {
	switch el.Name.Local {
	case "tbl":
		st.tableDepth++
		if st.tableDepth == 1 {
			st.rows = nil
		}
	case "tr":
		if st.tableDepth == 1 {
			st.row = nil
		}
	case "tc":
		if st.tableDepth == 1 {
			st.cell.Reset()
		}
	case "p":
		st.para.Reset()
		st.style = ""
	case "pStyle":
		for _, a := range el.Attr {
			if a.Name.Local == "val" {
				st.style = a.Value
			}
		}
	case "t":
		st.inText = true
	case "tab":
		st.para.WriteByte('\t')
	case "br", "cr":
		st.para.WriteByte('\n')
	}
}

func (st *docxState) end(name string) {
	switch name {
	case "t":
		st.inText = false
	case "p":
		text := strings.TrimSpace(st.para.String())
		st.para.Reset()
		if st.tableDepth > 0 {
			if text != "" {
				if st.cell.Len() > 0 {
					st.cell.WriteByte(' ')
				}
				st.cell.WriteString(text)
			}
			return
		}
		st.paragraph(text)
	case "tc":
		if st.tableDepth == 1 {
			st.row = append(st.row, strings.TrimSpace(st.cell.String()))
		}
	case "tr":
		if st.tableDepth == 1 && len(st.row) > 0 {
			st.rows = append(st.rows, st.row)
		}
	case "tbl":
		st.tableDepth--
		if st.tableDepth == 0 {
			st.table()
		}
	}
}

func (st *docxState) paragraph(text string) {
	if text == "" {
		return
	}
	style := strings.ToLower(st.style)
	switch {
	case style == "title":
		if st.doc.Title == "" {
			st.doc.Title = text
		}
		st.section = text
	case strings.HasPrefix(style, "heading"):
		st.section = text
	default:
		st.doc.Blocks = append(st.doc.Blocks, Block{Section: st.section, Text: text})
	}
}

func (st *docxState) table() {
	if len(st.rows) == 0 {
		return
	}
	st.tables++
	var b strings.Builder
	fmt.Fprintf(&b, "Table %d:", st.tables)
	for _, row := range st.rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, " | "))
	}
	st.doc.Blocks = append(st.doc.Blocks, Block{Section: st.section, Text: b.String()})
	st.rows = nil
}

type coreProperties struct {
	Title string `xml:"title"`
}

func parseCoreTitle(data []byte) string {
	var props coreProperties
	if err := xml.Unmarshal(data, &props); err != nil {
		return ""
	}
	return strings.TrimSpace(props.Title)
}
