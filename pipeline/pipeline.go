// Package pipeline drives the ingestion stages. Every stage reads the
// previous stage's directory and writes its own, so any stage can be re-run
// on its own.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/content"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/lock"
	"github.com/fabfab/docqa/logging"
)

type Stage string

const (
	StageCrawl Stage = "crawl"
	StageSort  Stage = "sort"
	StageParse Stage = "parse"
	StageEmbed Stage = "embed"
	StageAll   Stage = "all"
)

var stageDirs = map[Stage]string{
	StageCrawl: "local_input_source",
	StageSort:  "sorted_by_type",
	StageParse: "json_chunks",
	StageEmbed: "embed_reports",
}

func ParseStage(s string) (Stage, error) {
	stage := Stage(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := stageDirs[stage]; ok || stage == StageAll {
		return stage, nil
	}
	return "", fmt.Errorf("unknown stage %q (want crawl, sort, parse, embed or all)", s)
}

// StepDir is the output directory of a stage for an environment.
func StepDir(root string, env config.Environment, stage Stage) string {
	return filepath.Join(root, env.DirName(), stageDirs[stage])
}

// ChunkEmbedder is the embed-stage dependency; ingestion.Service implements it.
type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, chunks []content.Chunk, collection string) (ingestion.EmbedSummary, error)
	Prune(ctx context.Context, collection string, keep []string) (int, error)
}

type Options struct {
	Input             string
	Collection        string
	AllowedDomains    []string
	AllowedExtensions []string
	Exclude           []string
	// Limit caps the number of documents handled by parse and embed. A limited
	// run never prunes the collection.
	Limit    int
	MaxPages int
}

type Failure struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

type StageResult struct {
	Stage     Stage                   `json:"stage"`
	OutputDir string                  `json:"output_dir"`
	Files     []string                `json:"files"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Failures  []Failure               `json:"failures,omitempty"`
	Embed     *ingestion.EmbedSummary `json:"embed,omitempty"`
	// Pruned counts records removed because no current document produced them.
	Pruned    int                     `json:"pruned,omitempty"`
}

// RunSummary aggregates an "all" run. Document counts come from the parse
// stage plus extraction failures.
type RunSummary struct {
	Stages    []StageResult `json:"stages"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

type Deps struct {
	Registry *ingestion.Registry
	Embedder ChunkEmbedder
	Locker   lock.Locker
	Logger   logrus.FieldLogger
}

type Runner struct {
	cfg      config.Config
	registry *ingestion.Registry
	embedder ChunkEmbedder
	locker   lock.Locker
	logger   logrus.FieldLogger
}

func NewRunner(cfg config.Config, deps Deps) *Runner {
	r := &Runner{
		cfg:      cfg,
		registry: deps.Registry,
		embedder: deps.Embedder,
		locker:   deps.Locker,
		logger:   logging.OrDefault(deps.Logger),
	}
	if r.registry == nil {
		r.registry = ingestion.NewRegistry()
	}
	if r.locker == nil {
		r.locker = lock.NewFileLocker(filepath.Join(cfg.EnvironmentRoot(), "locks"))
	}
	return r
}

func (r *Runner) dir(stage Stage) string {
	return StepDir(r.cfg.OutputRoot, r.cfg.Environment, stage)
}

func (r *Runner) collection(opts Options) string {
	if opts.Collection != "" {
		return opts.Collection
	}
	return r.cfg.Collection
}

// Run dispatches one stage by name.
func (r *Runner) Run(ctx context.Context, stage Stage, opts Options) (RunSummary, error) {
	var (
		res StageResult
		err error
	)
	switch stage {
	case StageAll:
		return r.All(ctx, opts)
	case StageCrawl:
		res, err = r.Crawl(ctx, opts)
	case StageSort:
		res, err = r.Sort(ctx, opts)
	case StageParse:
		res, err = r.Parse(ctx, opts)
	case StageEmbed:
		res, err = r.Embed(ctx, opts)
	default:
		return RunSummary{}, fmt.Errorf("unknown stage %q", stage)
	}
	return RunSummary{Stages: []StageResult{res}, Succeeded: res.Succeeded, Failed: res.Failed}, err
}

// All crawls when the input is a URL, otherwise sorts the input directory,
// then parses and embeds.
func (r *Runner) All(ctx context.Context, opts Options) (RunSummary, error) {
	var summary RunSummary
	sortOpts := opts

	if IsURL(opts.Input) {
		crawled, err := r.Crawl(ctx, opts)
		summary.Stages = append(summary.Stages, crawled)
		if err != nil {
			return summary, err
		}
		summary.Failed += crawled.Failed
		sortOpts.Input = crawled.OutputDir
	}

	sorted, err := r.Sort(ctx, sortOpts)
	summary.Stages = append(summary.Stages, sorted)
	if err != nil {
		return summary, err
	}
	summary.Failed += sorted.Failed

	parsed, err := r.Parse(ctx, Options{Input: sorted.OutputDir, Limit: opts.Limit})
	summary.Stages = append(summary.Stages, parsed)
	summary.Succeeded += parsed.Succeeded
	summary.Failed += parsed.Failed
	if err != nil {
		return summary, err
	}

	embedded, err := r.Embed(ctx, Options{Input: parsed.OutputDir, Collection: opts.Collection, Limit: opts.Limit})
	summary.Stages = append(summary.Stages, embedded)
	if err != nil {
		return summary, err
	}

	r.logger.WithFields(logrus.Fields{
		"stage":     StageAll,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("pipeline complete")
	return summary, nil
}

func IsURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}
