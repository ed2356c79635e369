// Package ingestion turns sorted source files into chunks and stores their
// embeddings in a vector collection.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fabfab/docqa/content"
)

// DocumentFormat enumerates the formats the registry knows about.
type DocumentFormat string

const (
	FormatUnknown  DocumentFormat = ""
	FormatHTML     DocumentFormat = "html"
	FormatPDF      DocumentFormat = "pdf"
	FormatDOCX     DocumentFormat = "docx"
	FormatXLSX     DocumentFormat = "xlsx"
	FormatCSV      DocumentFormat = "csv"
	FormatMarkdown DocumentFormat = "md"
	FormatText     DocumentFormat = "txt"
)

// NormalizeExtension lower-cases an extension, strips the dot and folds aliases.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	switch ext {
	case "htm", "xhtml":
		return "html"
	case "markdown":
		return "md"
	}
	return ext
}

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	switch ext := NormalizeExtension(filepath.Ext(path)); ext {
	case "html", "pdf", "docx", "xlsx", "csv", "md", "txt":
		return DocumentFormat(ext)
	default:
		return FormatUnknown
	}
}

// Registry maps file extensions to parsers.
type Registry struct {
	parsers       map[string]DocumentParser
	maxBlockChars int
}

// NewRegistry returns a registry with every built-in parser.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]DocumentParser), maxBlockChars: defaultMaxBlockChars}
	r.Register(string(FormatHTML), htmlParser{})
	r.Register(string(FormatPDF), pdfParser{})
	r.Register(string(FormatDOCX), docxParser{})
	r.Register(string(FormatXLSX), xlsxParser{})
	r.Register(string(FormatCSV), csvParser{})
	r.Register(string(FormatMarkdown), markdownParser{})
	r.Register(string(FormatText), textParser{})
	for _, ext := range []string{"doc", "msg", "pptx", "ppt", "rtf"} {
		r.Register(ext, notImplementedParser{ext: ext})
	}
	return r
}

// Register installs or replaces the parser for ext.
func (r *Registry) Register(ext string, parser DocumentParser) {
	r.parsers[NormalizeExtension(ext)] = parser
}

// SetMaxBlockChars bounds the size of a single chunk's text.
func (r *Registry) SetMaxBlockChars(n int) {
	if n > 0 {
		r.maxBlockChars = n
	}
}

// Lookup returns the parser for ext or an *UnsupportedFormatError.
func (r *Registry) Lookup(ext string) (DocumentParser, error) {
	ext = NormalizeExtension(ext)
	parser, ok := r.parsers[ext]
	if !ok {
		return nil, &UnsupportedFormatError{Extensions: []string{ext}}
	}
	return parser, nil
}

// Supports reports whether ext has a parser, implemented or not.
func (r *Registry) Supports(ext string) bool {
	_, ok := r.parsers[NormalizeExtension(ext)]
	return ok
}

// CheckExtensions fails with every extension in exts that has no parser.
func (r *Registry) CheckExtensions(exts []string) error {
	var missing []string
	for _, ext := range exts {
		if !r.Supports(ext) {
			missing = append(missing, NormalizeExtension(ext))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &UnsupportedFormatError{Extensions: missing}
}

// ParseFile reads and parses a file. locator is the source URL for crawled
// pages; when empty the absolute file path is used.
func (r *Registry) ParseFile(ctx context.Context, path, locator string) (chunks []content.Chunk, err error) {
	ext := NormalizeExtension(filepath.Ext(path))
	parser, err := r.Lookup(ext)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("read file: %w", err)}
	}

	payload := DocumentPayload{Path: path, Data: data, Extension: ext}
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		payload.SourceURL = locator
	} else if locator != "" {
		payload.FilePath = locator
	} else if abs, absErr := filepath.Abs(path); absErr == nil {
		payload.FilePath = abs
	} else {
		payload.FilePath = path
	}

	defer func() {
		if rec := recover(); rec != nil {
			chunks = nil
			err = &ParseError{Path: path, Err: fmt.Errorf("parser panic: %v", rec)}
		}
	}()

	parsed, err := parser.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrNotImplemented) {
			return nil, err
		}
		return nil, &ParseError{Path: path, Err: err}
	}

	return BuildChunks(payload, parsed, r.maxBlockChars), nil
}
