package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/content"
	"github.com/fabfab/docqa/extract"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/lock"
	"github.com/fabfab/docqa/vectorstore"
)

type recordingEmbedder struct {
	chunks     []content.Chunk
	collection string
	err        error
	pruned     [][]string
}

func (e *recordingEmbedder) Prune(_ context.Context, _ string, keep []string) (int, error) {
	e.pruned = append(e.pruned, keep)
	return 0, nil
}

func (e *recordingEmbedder) EmbedChunks(_ context.Context, chunks []content.Chunk, collection string) (ingestion.EmbedSummary, error) {
	e.chunks = append(e.chunks, chunks...)
	e.collection = collection
	summary := ingestion.EmbedSummary{Collection: collection, EmbeddingModel: "stub/model", Count: len(chunks)}
	if e.err != nil {
		summary.Count = 0
		for _, c := range chunks {
			summary.Failed = append(summary.Failed, c.ID)
		}
		return summary, &ingestion.EmbeddingError{Collection: collection, Failed: summary.Failed, Err: e.err}
	}
	return summary, nil
}

// lengthEmbedder maps text to a small vector; enough for storage tests.
type lengthEmbedder struct{}

func (lengthEmbedder) Model() string { return "stub/length" }

func (lengthEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.OutputRoot = t.TempDir()
	cfg.Collection = "hoa"
	cfg.Workers = 2
	return cfg
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestAllFromLocalDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sort.AllowedExtensions = []string{"html", "md", "pdf", "pptx"}
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"rules.html":   "<title>House Rules</title><h2>Pets</h2><p>Cats are allowed.</p>",
		"guide/faq.md": "# FAQ\n\nTrash goes out on Tuesday.",
		"broken.pdf":   "not a pdf",
		"deck.pptx":    "not a deck",
	})

	embedder := &recordingEmbedder{}
	runner := NewRunner(cfg, Deps{Embedder: embedder, Locker: lock.Nop{}})

	summary, err := runner.Run(context.Background(), StageAll, Options{Input: src})
	require.NoError(t, err)
	require.Len(t, summary.Stages, 3)
	assert.Equal(t, []Stage{StageSort, StageParse, StageEmbed}, []Stage{summary.Stages[0].Stage, summary.Stages[1].Stage, summary.Stages[2].Stage})
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)

	parseDir := StepDir(cfg.OutputRoot, config.Development, StageParse)
	assert.FileExists(t, filepath.Join(parseDir, "html_rules.html.json"))
	assert.FileExists(t, filepath.Join(parseDir, "md_guide_faq.md.json"))

	var pdfErr, pptxErr map[string]string
	readJSON(t, filepath.Join(parseDir, "pdf_broken.pdf.error.json"), &pdfErr)
	readJSON(t, filepath.Join(parseDir, "pptx_deck.pptx.error.json"), &pptxErr)
	assert.Equal(t, "parse_error", pdfErr["kind"])
	assert.Equal(t, "not_implemented", pptxErr["kind"])

	require.Len(t, embedder.chunks, 2)
	assert.Equal(t, "hoa", embedder.collection)
	for _, c := range embedder.chunks {
		assert.NoError(t, c.Validate())
		assert.True(t, filepath.IsAbs(c.FilePath))
	}

	var report embedReport
	readJSON(t, filepath.Join(StepDir(cfg.OutputRoot, config.Development, StageEmbed), reportName), &report)
	assert.Equal(t, "hoa", report.Collection)
	assert.Equal(t, 2, report.Summary.Count)
	assert.Empty(t, report.Error)
}

func TestProductionWritesUnderProd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment = config.Production
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"notes.txt": "hello"})

	res, err := NewRunner(cfg, Deps{}).Sort(context.Background(), Options{Input: src})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.OutputRoot, "prod", "sorted_by_type"), res.OutputDir)
	assert.NoDirExists(t, filepath.Join(cfg.OutputRoot, "dev"))
}

func TestSortRejectsExtensionsWithoutParser(t *testing.T) {
	cfg := testConfig(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"photo.png": "png"})

	_, err := NewRunner(cfg, Deps{}).Run(context.Background(), StageSort, Options{Input: src, AllowedExtensions: []string{"pdf", "png"}})
	var unsupported *ingestion.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, []string{"png"}, unsupported.Extensions)
	assert.NoDirExists(t, StepDir(cfg.OutputRoot, config.Development, StageSort))
}

func TestParseReportsUnsupportedAfterAllFiles(t *testing.T) {
	cfg := testConfig(t)
	sorted := t.TempDir()
	writeFiles(t, sorted, map[string]string{
		"png/a.png": "png",
		"exe/b.exe": "exe",
		"txt/c.txt": "Quiet hours start at 10pm.",
	})

	res, err := NewRunner(cfg, Deps{}).Parse(context.Background(), Options{Input: sorted})
	var unsupported *ingestion.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, []string{"exe", "png"}, unsupported.Extensions)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	for _, f := range res.Failures {
		assert.Equal(t, "unsupported_format", f.Kind)
	}

	chunks, err := content.ReadFile(filepath.Join(res.OutputDir, "txt_c.txt.json"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Quiet hours start at 10pm.", chunks[0].Text)
}

func TestParseUsesManifestLocators(t *testing.T) {
	cfg := testConfig(t)
	sorted := t.TempDir()
	writeFiles(t, sorted, map[string]string{"html/example.com_index.html": "<p>Welcome home.</p>"})
	require.NoError(t, extract.WriteManifest(sorted, extract.Manifest{"html/example.com_index.html": "https://example.com/"}))

	res, err := NewRunner(cfg, Deps{}).Parse(context.Background(), Options{Input: sorted})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)

	chunks, err := content.ReadFile(res.Files[0])
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "https://example.com/", chunks[0].SourceURL)
	assert.Empty(t, chunks[0].FilePath)
}

func TestParseLimit(t *testing.T) {
	cfg := testConfig(t)
	sorted := t.TempDir()
	writeFiles(t, sorted, map[string]string{"txt/a.txt": "a", "txt/b.txt": "b", "txt/c.txt": "c"})

	res, err := NewRunner(cfg, Deps{}).Parse(context.Background(), Options{Input: sorted, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.NoFileExists(t, filepath.Join(res.OutputDir, "txt_c.txt.json"))
}

func TestEmbedSkipsErrorFilesAndWritesReport(t *testing.T) {
	cfg := testConfig(t)
	parsed := t.TempDir()
	good := []content.Chunk{{ID: "id-1", DocumentName: "a.txt", Text: "a", FilePath: "/a.txt", FileExt: "txt"}}
	require.NoError(t, content.WriteFile(filepath.Join(parsed, "txt_a.txt.json"), good))
	writeFiles(t, parsed, map[string]string{"pdf_b.pdf.error.json": `{"error":"boom","kind":"parse_error"}`})

	embedder := &recordingEmbedder{err: errors.New("provider down")}
	res, err := NewRunner(cfg, Deps{Embedder: embedder, Locker: lock.Nop{}}).Embed(context.Background(), Options{Input: parsed, Collection: "other"})

	var embedErr *ingestion.EmbeddingError
	require.ErrorAs(t, err, &embedErr)
	assert.Equal(t, []string{"id-1"}, embedErr.Failed)
	assert.Equal(t, []string{"txt_a.txt.json"}, res.Files)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "other", embedder.collection)

	var report embedReport
	readJSON(t, filepath.Join(res.OutputDir, reportName), &report)
	assert.Contains(t, report.Error, "provider down")
	assert.Equal(t, []string{"id-1"}, report.Summary.Failed)
}

func TestEmbedRefusesWhenCollectionLocked(t *testing.T) {
	cfg := testConfig(t)
	parsed := t.TempDir()
	require.NoError(t, content.WriteFile(filepath.Join(parsed, "a.json"), nil))

	locker := lock.NewFileLocker(t.TempDir())
	release, err := locker.Acquire(context.Background(), "hoa")
	require.NoError(t, err)
	defer release()

	embedder := &recordingEmbedder{}
	_, err = NewRunner(cfg, Deps{Embedder: embedder, Locker: locker}).Embed(context.Background(), Options{Input: parsed})
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Empty(t, embedder.collection, "nothing is written without the lock")
}

func TestEmbedWithoutEmbedder(t *testing.T) {
	_, err := NewRunner(testConfig(t), Deps{}).Run(context.Background(), StageEmbed, Options{})
	assert.ErrorContains(t, err, "embedder not configured")
}

func TestCrawlNeedsURL(t *testing.T) {
	_, err := NewRunner(testConfig(t), Deps{}).Run(context.Background(), StageCrawl, Options{Input: "./docs"})
	assert.ErrorContains(t, err, "needs an http(s) url")
}

func TestParseStage(t *testing.T) {
	for _, s := range []string{"crawl", "SORT", " parse ", "embed", "all"} {
		_, err := ParseStage(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseStage("index")
	assert.Error(t, err)
}

func TestStepDir(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "prod", "json_chunks"), StepDir("out", config.Production, StageParse))
	assert.Equal(t, filepath.Join("out", "dev", "local_input_source"), StepDir("out", config.Development, StageCrawl))
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://hoa.example.com"))
	assert.True(t, IsURL(" http://localhost:8080/docs "))
	assert.False(t, IsURL("./docs"))
	assert.False(t, IsURL("ftp://example.com"))
	assert.False(t, IsURL("https://"))
}

func TestAllPrunesChunksOfRemovedDocuments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sort.AllowedExtensions = []string{"md"}
	store := vectorstore.NewMemoryStore()
	runner := NewRunner(cfg, Deps{
		Embedder: ingestion.NewService(store, lengthEmbedder{}, nil, nil, 0),
		Locker:   lock.Nop{},
	})
	ctx := context.Background()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"a.md": "# Rules\n\nCats are allowed.\n\nDogs must be leashed.\n\nNo birds.",
		"b.md": "# Parking\n\nOne spot per unit.",
	})
	_, err := runner.Run(ctx, StageAll, Options{Input: src})
	require.NoError(t, err)
	count, err := store.Count(ctx, "hoa")
	require.NoError(t, err)
	require.Equal(t, 4, count)

	require.NoError(t, os.Remove(filepath.Join(src, "b.md")))
	writeFiles(t, src, map[string]string{"a.md": "# Rules\n\nCats are allowed."})

	summary, err := runner.Run(ctx, StageAll, Options{Input: src})
	require.NoError(t, err)
	count, err = store.Count(ctx, "hoa")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	embedStage := summary.Stages[len(summary.Stages)-1]
	assert.Equal(t, StageEmbed, embedStage.Stage)
	assert.Equal(t, 3, embedStage.Pruned)

	var report embedReport
	readJSON(t, filepath.Join(embedStage.OutputDir, reportName), &report)
	assert.Equal(t, 3, report.Pruned)
}

func TestLimitedRunsNeverPrune(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sort.AllowedExtensions = []string{"md"}
	store := vectorstore.NewMemoryStore()
	runner := NewRunner(cfg, Deps{
		Embedder: ingestion.NewService(store, lengthEmbedder{}, nil, nil, 0),
		Locker:   lock.Nop{},
	})
	ctx := context.Background()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"a.md": "# A\n\nFirst document.",
		"b.md": "# B\n\nSecond document.",
		"c.md": "# C\n\nThird document.",
	})
	_, err := runner.Run(ctx, StageAll, Options{Input: src})
	require.NoError(t, err)

	summary, err := runner.Run(ctx, StageAll, Options{Input: src, Limit: 1})
	require.NoError(t, err)
	assert.Zero(t, summary.Stages[len(summary.Stages)-1].Pruned)

	parseDir := StepDir(cfg.OutputRoot, config.Development, StageParse)
	assert.FileExists(t, filepath.Join(parseDir, partialMarker))

	// Embedding the truncated parse output on its own must not prune either.
	res, err := runner.Embed(ctx, Options{Input: parseDir})
	require.NoError(t, err)
	assert.Zero(t, res.Pruned)

	count, err := store.Count(ctx, "hoa")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFailedEmbedDoesNotPrune(t *testing.T) {
	cfg := testConfig(t)
	parsed := t.TempDir()
	good := []content.Chunk{{ID: "id-1", DocumentName: "a.txt", Text: "a", FilePath: "/a.txt", FileExt: "txt"}}
	require.NoError(t, content.WriteFile(filepath.Join(parsed, "txt_a.txt.json"), good))

	embedder := &recordingEmbedder{err: errors.New("provider down")}
	_, err := NewRunner(cfg, Deps{Embedder: embedder, Locker: lock.Nop{}}).Embed(context.Background(), Options{Input: parsed})
	require.Error(t, err)
	assert.Empty(t, embedder.pruned)

	embedder.err = nil
	_, err = NewRunner(cfg, Deps{Embedder: embedder, Locker: lock.Nop{}}).Embed(context.Background(), Options{Input: parsed})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id-1"}}, embedder.pruned)
}
