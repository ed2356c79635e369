package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type htmlParser struct{}

// skippedElements never contribute text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Button:   true,
	atom.Select:   true,
}

// blockElements close the current block when entered and when left.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Section: true, atom.Article: true, atom.Main: true, atom.Aside: true,
	atom.Blockquote: true, atom.Pre: true, atom.Dd: true, atom.Dt: true, atom.Dl: true,
	atom.Figure: true, atom.Figcaption: true, atom.Table: true, atom.Thead: true,
	atom.Tbody: true, atom.Tfoot: true, atom.Caption: true, atom.Address: true,
	atom.Details: true, atom.Summary: true, atom.Hr: true, atom.Body: true,
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

func (htmlParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	root, err := html.Parse(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	w := &htmlWalker{}
	w.walk(root)
	w.flush()

	title := cleanText(w.title)
	if title == "" {
		title = titleFromFilename(payload.Path)
	}

	return &ParsedDocument{Title: title, Blocks: w.blocks}, nil
}

type htmlWalker struct {
	title   string
	section string
	buf     strings.Builder
	blocks  []Block
}

func (w *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.buf.WriteString(strings.ReplaceAll(n.Data, "\n", " "))
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] || hasAttr(n, "hidden") || attr(n, "aria-hidden") == "true" {
			return
		}
		if n.DataAtom == atom.Title {
			if w.title == "" {
				w.title = nodeText(n)
			}
			return
		}
		if _, ok := headingLevels[n.DataAtom]; ok {
			w.flush()
			if heading := cleanText(nodeText(n)); heading != "" && !isBoilerplate(heading) {
				w.section = heading
			}
			return
		}
		switch n.DataAtom {
		case atom.Br:
			w.buf.WriteByte('\n')
			return
		case atom.Tr:
			w.flush()
			w.tableRow(n)
			return
		}
		if blockElements[n.DataAtom] {
			w.flush()
			w.children(n)
			w.flush()
			return
		}
	}
	w.children(n)
}

func (w *htmlWalker) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

// tableRow emits one block per row with cells separated by " | ".
func (w *htmlWalker) tableRow(tr *html.Node) {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || (c.DataAtom != atom.Td && c.DataAtom != atom.Th) {
			continue
		}
		if text := strings.Join(strings.Fields(nodeText(c)), " "); text != "" {
			cells = append(cells, text)
		}
	}
	w.emit(strings.Join(cells, " | "))
}

func (w *htmlWalker) flush() {
	text := w.buf.String()
	w.buf.Reset()
	w.emit(text)
}

func (w *htmlWalker) emit(text string) {
	text = cleanText(text)
	if text == "" || isBoilerplate(text) {
		return
	}
	w.blocks = append(w.blocks, Block{Section: w.section, Text: text})
}

// nodeText concatenates the visible text below n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.ElementNode && skippedElements[node.DataAtom] {
			return
		}
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
