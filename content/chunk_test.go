package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkIDIsDeterministic(t *testing.T) {
	a := NewChunkID("rules.html", "Pets", 0)
	b := NewChunkID("rules.html", "Pets", 0)
	assert.Equal(t, a, b)

	_, err := uuid.Parse(a)
	require.NoError(t, err)

	assert.NotEqual(t, a, NewChunkID("rules.html", "Pets", 1))
	assert.NotEqual(t, a, NewChunkID("rules.html", "Parking", 0))
	assert.NotEqual(t, a, NewChunkID("other.html", "Pets", 0))
}

func TestNewChunkIDSeparatesFields(t *testing.T) {
	// Without a separator "ab"+"c" and "a"+"bc" would hash the same input.
	assert.NotEqual(t, NewChunkID("ab", "c", 0), NewChunkID("a", "bc", 0))
}

func TestValidate(t *testing.T) {
	valid := Chunk{ID: "id", Text: "text", FilePath: "/tmp/a.txt"}

	tests := []struct {
		name   string
		mutate func(c *Chunk)
		want   error
	}{
		{"valid", func(*Chunk) {}, nil},
		{"missing id", func(c *Chunk) { c.ID = "" }, ErrMissingID},
		{"empty text", func(c *Chunk) { c.Text = "" }, ErrEmptyText},
		{"no locator", func(c *Chunk) { c.FilePath = "" }, ErrSourceLocator},
		{"two locators", func(c *Chunk) { c.SourceURL = "https://example.com" }, ErrSourceLocator},
		{"negative ordinal", func(c *Chunk) { c.Ordinal = -1 }, ErrNegativeNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMetadata(t *testing.T) {
	c := Chunk{
		ID:            "id-1",
		DocumentTitle: "House Rules",
		DocumentName:  "rules.pdf",
		Section:       "Pets",
		PageNumber:    3,
		Ordinal:       7,
		Text:          "Cats are allowed.",
		SourceURL:     "https://example.com/rules.pdf",
		FileExt:       "pdf",
	}
	md := c.Metadata()
	assert.Equal(t, "id-1", md["chunk_id"])
	assert.Equal(t, "House Rules", md["document_title"])
	assert.Equal(t, "Pets", md["section"])
	assert.Equal(t, "3", md["page_number"])
	assert.Equal(t, "7", md["ordinal"])
	assert.Equal(t, "https://example.com/rules.pdf", md["source_url"])
	assert.NotContains(t, md, "file_path")
	assert.Equal(t, c.SourceURL, c.Locator())

	c.PageNumber = 0
	assert.NotContains(t, c.Metadata(), "page_number")
}

func TestWriteAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	chunks := []Chunk{
		{ID: NewChunkID("doc.md", "Intro", 0), DocumentName: "doc.md", Section: "Intro", Text: "Hello", FilePath: "/src/doc.md", FileExt: "md"},
		{ID: NewChunkID("doc.md", "Intro", 1), DocumentName: "doc.md", Section: "Intro", Ordinal: 1, Text: "World", FilePath: "/src/doc.md", FileExt: "md"},
	}
	require.NoError(t, WriteFile(path, chunks))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text_content": "Hello"`)
	assert.NotContains(t, string(raw), "page_number")
}

func TestWriteFileNilWritesEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, WriteFile(path, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}
