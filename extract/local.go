package extract

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/logging"
)

type LocalConfig struct {
	// AllowedExtensions lists the extensions copied into the output tree;
	// empty means every extension.
	AllowedExtensions []string
	// Exclude holds glob patterns matched against slash-separated paths
	// relative to the root.
	Exclude []string
}

// LocalExtractor sorts a directory tree into <out>/<ext>/ buckets.
type LocalExtractor struct {
	allowed  map[string]bool
	excludes []glob.Glob
	logger   logrus.FieldLogger
}

func NewLocalExtractor(cfg LocalConfig, logger logrus.FieldLogger) (*LocalExtractor, error) {
	e := &LocalExtractor{allowed: map[string]bool{}, logger: logging.OrDefault(logger)}
	for _, ext := range cfg.AllowedExtensions {
		if ext = normalizeExt(ext); ext != "" {
			e.allowed[ext] = true
		}
	}
	for _, pattern := range cfg.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pattern, err)
		}
		e.excludes = append(e.excludes, g)
	}
	return e, nil
}

// Extract copies every allowed file under root into outDir, which is emptied
// first. When root carries a crawl manifest the original URLs are kept as
// source locators; otherwise the absolute file path is used.
func (e *LocalExtractor) Extract(ctx context.Context, root, outDir string) (Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Result{}, fmt.Errorf("resolve input dir: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return Result{}, fmt.Errorf("stat input dir: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("input %s is not a directory", root)
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve output dir: %w", err)
	}
	if absOut == absRoot {
		return Result{}, fmt.Errorf("output dir must differ from input dir")
	}

	sources, err := ReadManifest(absRoot)
	if err != nil {
		return Result{}, err
	}
	if err := prepareOutput(absOut); err != nil {
		return Result{}, err
	}

	log := e.logger.WithFields(logrus.Fields{"stage": "sort", "input": absRoot})
	manifest := Manifest{}
	var failures []Failure
	skipped := 0

	walkErr := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			log.WithError(err).WithField("file", p).Warn("walk error")
			failures = append(failures, failureOf(&ExtractionError{Source: p, Err: err}))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p == absOut || (rel != "." && e.excluded(rel+"/")) {
				return fs.SkipDir
			}
			return nil
		}
		if rel == ManifestName || e.excluded(rel) || !d.Type().IsRegular() {
			skipped++
			return nil
		}

		ext, detected := e.detectExt(p)
		if ext == "" || (len(e.allowed) > 0 && !e.allowed[ext]) {
			log.WithFields(logrus.Fields{"file": rel, "ext": ext}).Debug("extension not allowed, skipping")
			skipped++
			return nil
		}

		name := flattenName(rel)
		if detected {
			name += "." + ext
		}
		key := ext + "/" + name
		if _, taken := manifest[key]; taken {
			name = withHash(name, rel)
			key = ext + "/" + name
		}

		if err := copyFile(p, filepath.Join(absOut, ext, name)); err != nil {
			log.WithError(err).WithField("file", rel).Warn("copy failed")
			failures = append(failures, failureOf(&ExtractionError{Source: p, Err: err}))
			return nil
		}

		locator := sources[rel]
		if locator == "" {
			locator = p
		}
		manifest[key] = locator
		return nil
	})
	if walkErr != nil {
		return Result{}, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	if err := WriteManifest(absOut, manifest); err != nil {
		return Result{}, err
	}
	log.WithFields(logrus.Fields{"copied": len(manifest), "skipped": skipped, "failed": len(failures)}).Info("sort complete")
	return Result{Files: sortedFiles(manifest, absOut), Failures: failures}, nil
}

func (e *LocalExtractor) excluded(rel string) bool {
	for _, g := range e.excludes {
		if g.Match(rel) || g.Match("/"+rel) || g.Match(filepath.Base(strings.TrimSuffix(rel, "/"))) {
			return true
		}
	}
	return false
}

// detectExt returns the normalized extension and whether it came from
// content sniffing rather than the file name.
func (e *LocalExtractor) detectExt(p string) (string, bool) {
	if ext := normalizeExt(filepath.Ext(p)); ext != "" {
		return ext, false
	}
	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return "", false
	}
	return normalizeExt(mt.Extension()), true
}

func flattenName(rel string) string {
	return strings.ReplaceAll(rel, "/", "_")
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
