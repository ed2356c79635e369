// Package extract acquires raw source material, either by crawling a site or
// by walking a local tree, and lays it out on disk for the parse stage.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestName is written into every extraction output directory. It maps
// each produced file (relative to the directory) to its source locator.
const ManifestName = "manifest.json"

// Result lists the files an extractor produced, sorted, plus the sources it
// skipped after a failure.
type Result struct {
	Files    []string  `json:"files"`
	Failures []Failure `json:"failures,omitempty"`
}

type Failure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// ExtractionError reports a failure to fetch or copy one source. The crawl
// and the walk both skip past it.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func failureOf(err error) Failure {
	var extErr *ExtractionError
	if errors.As(err, &extErr) {
		return Failure{Source: extErr.Source, Error: extErr.Err.Error()}
	}
	return Failure{Error: err.Error()}
}

type Manifest map[string]string

func WriteManifest(dir string, m Manifest) error {
	if m == nil {
		m = Manifest{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest returns an empty manifest when dir has none.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", dir, err)
	}
	return m, nil
}

// prepareOutput empties dir so a re-run never mixes results from two runs.
func prepareOutput(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	switch ext {
	case "htm", "xhtml", "shtml":
		return "html"
	case "markdown":
		return "md"
	case "jpeg":
		return "jpg"
	}
	return ext
}

func sortedFiles(m Manifest, dir string) []string {
	files := make([]string, 0, len(m))
	for rel := range m {
		files = append(files, filepath.Join(dir, filepath.FromSlash(rel)))
	}
	sort.Strings(files)
	return files
}
