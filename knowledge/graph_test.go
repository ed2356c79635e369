package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/content"
)

func TestDocumentsFromChunks(t *testing.T) {
	chunks := []content.Chunk{
		{ID: "r2", DocumentName: "rules.html", DocumentTitle: "House Rules", Section: "Parking", Ordinal: 2, Text: "One spot.", SourceURL: "https://hoa.example.com/rules"},
		{ID: "g0", DocumentName: "guide.pdf", DocumentTitle: "Owner Guide", Ordinal: 0, PageNumber: 1, Text: "Welcome.", FilePath: "/docs/owners/guide.pdf"},
		{ID: "r0", DocumentName: "rules.html", DocumentTitle: "House Rules", Section: "Pets", Ordinal: 0, Text: "Cats ok.", SourceURL: "https://hoa.example.com/rules"},
		{ID: "r1", DocumentName: "rules.html", DocumentTitle: "House Rules", Section: "Pets", Ordinal: 1, Text: "Dogs leashed.", SourceURL: "https://hoa.example.com/rules"},
	}

	docs := DocumentsFromChunks("hoa", chunks)
	require.Len(t, docs, 2)

	guide, rules := docs[0], docs[1]
	assert.Equal(t, "guide.pdf", guide.Name)
	assert.Equal(t, "/docs/owners", guide.Source)
	assert.Equal(t, "/docs/owners/guide.pdf", guide.Locator)
	assert.Empty(t, guide.Sections)
	require.Len(t, guide.Chunks, 1)
	assert.Empty(t, guide.Chunks[0].SectionID)
	assert.Equal(t, 1, guide.Chunks[0].Page)

	assert.Equal(t, "hoa.example.com", rules.Source)
	assert.Equal(t, "House Rules", rules.Title)
	assert.Equal(t, "hoa", rules.Collection)

	// Sections keep first-appearance order; chunks follow ordinals.
	require.Len(t, rules.Sections, 2)
	assert.Equal(t, "Parking", rules.Sections[0].Title)
	assert.Equal(t, 0, rules.Sections[0].Order)
	assert.Equal(t, "Pets", rules.Sections[1].Title)
	assert.Equal(t, 1, rules.Sections[1].Order)

	var ids []string
	for _, c := range rules.Chunks {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"r0", "r1", "r2"}, ids)
	assert.Equal(t, rules.Sections[1].ID, rules.Chunks[0].SectionID)
	assert.Equal(t, rules.Chunks[0].SectionID, rules.Chunks[1].SectionID)
	assert.Equal(t, rules.Sections[0].ID, rules.Chunks[2].SectionID)
}

func TestDocumentIDsAreStable(t *testing.T) {
	chunk := content.Chunk{ID: "a", DocumentName: "rules.html", Section: "Pets", Text: "x", FilePath: "/rules.html"}

	first := DocumentsFromChunks("hoa", []content.Chunk{chunk})
	second := DocumentsFromChunks("hoa", []content.Chunk{chunk})
	other := DocumentsFromChunks("archive", []content.Chunk{chunk})

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Sections[0].ID, second[0].Sections[0].ID)
	assert.NotEqual(t, first[0].ID, other[0].ID, "collections do not share document nodes")
}

func TestDocumentsFromNoChunks(t *testing.T) {
	assert.Empty(t, DocumentsFromChunks("hoa", nil))
}

func TestSyncRequiresDriver(t *testing.T) {
	assert.Error(t, SyncDocument(context.Background(), nil, Document{ID: "x"}))
	assert.Error(t, Purge(context.Background(), nil, "hoa"))
}
