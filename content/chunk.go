// Package content defines the chunk record that flows from the parsers into
// the vector store.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// chunkNamespace scopes the name-based UUIDs so they never collide with ids
// minted by other tools using the same inputs.
var chunkNamespace = uuid.MustParse("5f0e8c2a-6d7b-4f43-9c61-2b1d3a9e7c40")

// Chunk is one retrievable segment of a source document.
type Chunk struct {
	ID            string `json:"chunk_id"`
	DocumentTitle string `json:"document_title"`
	DocumentName  string `json:"document_name"`
	Section       string `json:"section"`
	PageNumber    int    `json:"page_number,omitempty"`
	Ordinal       int    `json:"ordinal"`
	Text          string `json:"text_content"`
	SourceURL     string `json:"source_url,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	FileExt       string `json:"file_ext"`
}

// NewChunkID derives the stable identifier for a chunk. Re-parsing the same
// document yields the same ids.
func NewChunkID(documentName, section string, ordinal int) string {
	name := documentName + "\x1f" + section + "\x1f" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

var (
	ErrEmptyText      = errors.New("chunk text is empty")
	ErrMissingID      = errors.New("chunk id is empty")
	ErrSourceLocator  = errors.New("chunk must carry exactly one of source_url or file_path")
	ErrNegativeNumber = errors.New("chunk ordinal and page must not be negative")
)

// Validate checks the invariants every persisted chunk must satisfy.
func (c Chunk) Validate() error {
	switch {
	case c.ID == "":
		return ErrMissingID
	case c.Text == "":
		return ErrEmptyText
	case (c.SourceURL == "") == (c.FilePath == ""):
		return ErrSourceLocator
	case c.Ordinal < 0 || c.PageNumber < 0:
		return ErrNegativeNumber
	}
	return nil
}

// Locator returns the source URL for crawled pages and the file path otherwise.
func (c Chunk) Locator() string {
	if c.SourceURL != "" {
		return c.SourceURL
	}
	return c.FilePath
}

// Metadata flattens the chunk into the string map stored next to its vector.
func (c Chunk) Metadata() map[string]string {
	md := map[string]string{
		"chunk_id":       c.ID,
		"document_title": c.DocumentTitle,
		"document_name":  c.DocumentName,
		"section":        c.Section,
		"ordinal":        strconv.Itoa(c.Ordinal),
		"file_ext":       c.FileExt,
	}
	if c.PageNumber > 0 {
		md["page_number"] = strconv.Itoa(c.PageNumber)
	}
	if c.SourceURL != "" {
		md["source_url"] = c.SourceURL
	}
	if c.FilePath != "" {
		md["file_path"] = c.FilePath
	}
	return md
}

// WriteFile stores the chunks produced for one input document.
func WriteFile(path string, chunks []Chunk) error {
	if chunks == nil {
		chunks = []Chunk{}
	}
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write chunk file: %w", err)
	}
	return nil
}

// ReadFile loads a chunk list written by WriteFile.
func ReadFile(path string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chunk file: %w", err)
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("decode chunk file %s: %w", path, err)
	}
	return chunks, nil
}
