package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/docqa/content"
	"github.com/fabfab/docqa/extract"
	"github.com/fabfab/docqa/ingestion"
)

const (
	reportName      = "report.json"
	errorFileSuffix = ".error.json"
	// partialMarker in a parse directory means the parse was cut short by a
	// limit, so its chunk files are not the whole document set.
	partialMarker = ".partial"
)

func (r *Runner) Crawl(ctx context.Context, opts Options) (StageResult, error) {
	out := r.dir(StageCrawl)
	res := StageResult{Stage: StageCrawl, OutputDir: out}
	if !IsURL(opts.Input) {
		return res, fmt.Errorf("crawl needs an http(s) url, got %q", opts.Input)
	}

	cfg := extract.WebConfig{
		AllowedDomains:    r.cfg.Crawl.AllowedDomains,
		MaxPages:          r.cfg.Crawl.MaxPages,
		MaxInFlight:       r.cfg.Crawl.MaxInFlight,
		RequestsPerSecond: r.cfg.Crawl.RequestsPerSecond,
		Timeout:           r.cfg.Crawl.Timeout,
		UserAgent:         r.cfg.Crawl.UserAgent,
	}
	if len(opts.AllowedDomains) > 0 {
		cfg.AllowedDomains = opts.AllowedDomains
	}
	if opts.MaxPages > 0 {
		cfg.MaxPages = opts.MaxPages
	}

	extracted, err := extract.NewWebExtractor(cfg, r.logger).Extract(ctx, opts.Input, out)
	if err != nil {
		return res, err
	}
	fillExtraction(&res, extracted)
	return res, nil
}

// Sort lays a crawl directory or any local tree out by extension. Allowed
// extensions without a parser are rejected before any file is copied.
func (r *Runner) Sort(ctx context.Context, opts Options) (StageResult, error) {
	out := r.dir(StageSort)
	res := StageResult{Stage: StageSort, OutputDir: out}

	input := opts.Input
	if input == "" {
		input = r.dir(StageCrawl)
	}
	exts := r.cfg.Sort.AllowedExtensions
	if len(opts.AllowedExtensions) > 0 {
		exts = opts.AllowedExtensions
	}
	if err := r.registry.CheckExtensions(exts); err != nil {
		return res, err
	}
	excludes := r.cfg.Sort.Exclude
	if len(opts.Exclude) > 0 {
		excludes = opts.Exclude
	}

	extractor, err := extract.NewLocalExtractor(extract.LocalConfig{AllowedExtensions: exts, Exclude: excludes}, r.logger)
	if err != nil {
		return res, err
	}
	extracted, err := extractor.Extract(ctx, input, out)
	if err != nil {
		return res, err
	}
	fillExtraction(&res, extracted)
	return res, nil
}

func fillExtraction(res *StageResult, extracted extract.Result) {
	res.Files = extracted.Files
	res.Succeeded = len(extracted.Files)
	res.Failed = len(extracted.Failures)
	for _, f := range extracted.Failures {
		res.Failures = append(res.Failures, Failure{Source: f.Source, Kind: "extraction_error", Error: f.Error})
	}
}

type parseOutcome struct {
	output      string
	failure     *Failure
	unsupported string
}

// Parse turns every sorted file into <name>.json, or <name>.error.json when
// it fails. Documents are parsed in parallel; the chunks of one document are
// always produced by a single parser call. Unsupported extensions are
// reported as an *ingestion.UnsupportedFormatError once all files are done.
func (r *Runner) Parse(ctx context.Context, opts Options) (StageResult, error) {
	out := r.dir(StageParse)
	res := StageResult{Stage: StageParse, OutputDir: out}

	input := opts.Input
	if input == "" {
		input = r.dir(StageSort)
	}
	locators, err := extract.ReadManifest(input)
	if err != nil {
		return res, err
	}
	files, err := listFiles(input, func(rel string) bool { return rel != extract.ManifestName })
	if err != nil {
		return res, err
	}
	partial := opts.Limit > 0 && len(files) > opts.Limit
	if partial {
		files = files[:opts.Limit]
	}
	if err := resetDir(out); err != nil {
		return res, err
	}
	if partial {
		if err := os.WriteFile(filepath.Join(out, partialMarker), nil, 0o644); err != nil {
			return res, fmt.Errorf("mark partial parse: %w", err)
		}
	}

	log := r.logger.WithFields(logrus.Fields{"stage": StageParse, "input": input})
	outcomes := make([]parseOutcome, len(files))
	var mu sync.Mutex
	chunkTotal := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.cfg.Workers))
	for i, rel := range files {
		i, rel := i, rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(input, filepath.FromSlash(rel))
			name := strings.ReplaceAll(rel, "/", "_")

			chunks, err := r.registry.ParseFile(gctx, path, locators[rel])
			if err != nil {
				failure := classify(rel, err)
				outcomes[i].failure = &failure
				var unsupported *ingestion.UnsupportedFormatError
				if errors.As(err, &unsupported) {
					outcomes[i].unsupported = strings.Join(unsupported.Extensions, ",")
				}
				log.WithError(err).WithFields(logrus.Fields{"file": rel, "kind": failure.Kind}).Warn("document not parsed")
				return writeJSON(filepath.Join(out, name+errorFileSuffix), map[string]string{
					"error": failure.Error,
					"kind":  failure.Kind,
				})
			}

			if len(chunks) == 0 {
				log.WithField("file", rel).Warn("document produced no chunks")
			}
			target := filepath.Join(out, name+".json")
			if err := content.WriteFile(target, chunks); err != nil {
				return err
			}
			outcomes[i].output = target
			mu.Lock()
			chunkTotal += len(chunks)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	unsupportedSet := map[string]bool{}
	for _, o := range outcomes {
		switch {
		case o.failure != nil:
			res.Failed++
			res.Failures = append(res.Failures, *o.failure)
			if o.unsupported != "" {
				unsupportedSet[o.unsupported] = true
			}
		default:
			res.Succeeded++
			res.Files = append(res.Files, o.output)
		}
	}
	log.WithFields(logrus.Fields{"documents": res.Succeeded, "failed": res.Failed, "chunks": chunkTotal}).Info("parse complete")

	if len(unsupportedSet) > 0 {
		exts := make([]string, 0, len(unsupportedSet))
		for ext := range unsupportedSet {
			exts = append(exts, ext)
		}
		sort.Strings(exts)
		return res, &ingestion.UnsupportedFormatError{Extensions: exts}
	}
	return res, nil
}

func classify(rel string, err error) Failure {
	kind := "parse_error"
	var unsupported *ingestion.UnsupportedFormatError
	switch {
	case errors.As(err, &unsupported):
		kind = "unsupported_format"
	case errors.Is(err, ingestion.ErrNotImplemented):
		kind = "not_implemented"
	}
	return Failure{Source: rel, Kind: kind, Error: err.Error()}
}

type embedReport struct {
	Collection string                 `json:"collection"`
	Files      []string               `json:"files"`
	Summary    ingestion.EmbedSummary `json:"summary"`
	Pruned     int                    `json:"pruned"`
	Error      string                 `json:"error,omitempty"`
}

// Embed loads the chunk files in path order and embeds them under the
// collection's writer lock. After a successful complete run, records that no
// chunk file produced are pruned before the lock is released. Failed or
// limited runs never prune. report.json is written whether or not the run
// succeeds.
func (r *Runner) Embed(ctx context.Context, opts Options) (StageResult, error) {
	out := r.dir(StageEmbed)
	res := StageResult{Stage: StageEmbed, OutputDir: out}
	if r.embedder == nil {
		return res, fmt.Errorf("embedder not configured")
	}

	input := opts.Input
	if input == "" {
		input = r.dir(StageParse)
	}
	collection := r.collection(opts)

	files, err := listFiles(input, func(rel string) bool {
		return strings.HasSuffix(rel, ".json") && !strings.HasSuffix(rel, errorFileSuffix)
	})
	if err != nil {
		return res, err
	}
	complete := opts.Limit <= 0
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
	}
	if _, err := os.Stat(filepath.Join(input, partialMarker)); err == nil {
		complete = false
	}

	var chunks []content.Chunk
	for _, rel := range files {
		loaded, err := content.ReadFile(filepath.Join(input, filepath.FromSlash(rel)))
		if err != nil {
			return res, err
		}
		chunks = append(chunks, loaded...)
	}

	release, err := r.locker.Acquire(ctx, collection)
	if err != nil {
		return res, fmt.Errorf("lock collection %s: %w", collection, err)
	}
	defer release()

	summary, embedErr := r.embedder.EmbedChunks(ctx, chunks, collection)
	res.Embed = &summary
	res.Files = files

	if embedErr == nil && complete {
		keep := make([]string, len(chunks))
		for i, c := range chunks {
			keep[i] = c.ID
		}
		res.Pruned, embedErr = r.embedder.Prune(ctx, collection, keep)
	}

	report := embedReport{Collection: collection, Files: files, Summary: summary, Pruned: res.Pruned}
	if embedErr != nil {
		report.Error = embedErr.Error()
	}
	if err := writeJSON(filepath.Join(out, reportName), report); err != nil {
		return res, errors.Join(embedErr, fmt.Errorf("write embed report: %w", err))
	}
	if embedErr != nil {
		res.Failed = len(files)
		return res, embedErr
	}
	res.Succeeded = len(files)
	return res, nil
}

// listFiles returns slash-separated paths of regular files under dir, sorted.
func listFiles(dir string, keep func(rel string) bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
