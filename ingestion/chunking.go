package ingestion

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fabfab/docqa/content"
)

const defaultMaxBlockChars = 2000

// DocumentPayload is one source file handed to a parser.
type DocumentPayload struct {
	Path      string
	Data      []byte
	Extension string
	SourceURL string
	FilePath  string
}

// Block is a contiguous run of text under a single heading.
type Block struct {
	Section string
	Page    int
	Text    string
}

type ParsedDocument struct {
	Title  string
	Blocks []Block
}

type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) (*ParsedDocument, error)
}

// BuildChunks assigns ordinals and ids to the parsed blocks. Ordinals count
// emitted chunks within the document, so empty blocks never consume one.
func BuildChunks(payload DocumentPayload, parsed *ParsedDocument, maxChars int) []content.Chunk {
	if parsed == nil {
		return nil
	}
	if maxChars <= 0 {
		maxChars = defaultMaxBlockChars
	}

	name := filepath.Base(payload.Path)
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		title = titleFromFilename(payload.Path)
	}

	chunks := make([]content.Chunk, 0, len(parsed.Blocks))
	for _, block := range parsed.Blocks {
		section := cleanText(block.Section)
		for _, piece := range splitLong(cleanText(block.Text), maxChars) {
			ordinal := len(chunks)
			chunks = append(chunks, content.Chunk{
				ID:            content.NewChunkID(name, section, ordinal),
				DocumentTitle: title,
				DocumentName:  name,
				Section:       section,
				PageNumber:    block.Page,
				Ordinal:       ordinal,
				Text:          piece,
				SourceURL:     payload.SourceURL,
				FilePath:      payload.FilePath,
				FileExt:       payload.Extension,
			})
		}
	}
	return chunks
}

// splitLong breaks text at whitespace so no piece exceeds limit runes. A
// single word longer than limit is kept whole.
func splitLong(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		pieces  []string
		current strings.Builder
		size    int
	)
	for _, word := range strings.Fields(text) {
		n := utf8.RuneCountInString(word)
		if size > 0 && size+1+n > limit {
			pieces = append(pieces, current.String())
			current.Reset()
			size = 0
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(word)
		size += n
	}
	if size > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

var (
	invisibleChars = regexp.MustCompile("[\u200e\u200f\u202a-\u202e\ufeff]")
	spaceRun       = regexp.MustCompile(`[ \t\f\v]+`)
	blankLines     = regexp.MustCompile(`\n\s*\n+`)
	textReplacer   = strings.NewReplacer(
		"\u200b", " ",
		"\u00a0", " ",
		"\u201c", `"`, "\u201d", `"`,
		"\u2018", "'", "\u2019", "'",
		"\u2013", "-", "\u2014", "-",
		"\u2026", "...",
		"\r\n", "\n", "\r", "\n",
	)
)

// cleanText normalises invisible characters, typographic punctuation and
// whitespace. Single newlines survive so tables and lists stay readable.
func cleanText(text string) string {
	text = textReplacer.Replace(text)
	text = invisibleChars.ReplaceAllString(text, "")
	text = spaceRun.ReplaceAllString(text, " ")
	text = blankLines.ReplaceAllString(text, "\n")
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var boilerplatePhrases = []string{
	"search this site",
	"embedded files",
	"google sites report abuse",
	"report abuse",
	"contact webmaster",
	"skip to main content",
	"skip to navigation",
	"navigation",
	"footer",
	"header",
	"menu",
	"sidebar",
}

var copyrightLine = regexp.MustCompile(`(?i)^(copyright|\x{00a9})\s*\d{4}\b`)

// isBoilerplate flags short site-chrome blocks. Long blocks that merely
// mention one of the phrases are kept.
func isBoilerplate(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return true
	}
	if len(lower) > 80 {
		return false
	}
	if copyrightLine.MatchString(lower) {
		return true
	}
	for _, phrase := range boilerplatePhrases {
		if lower == phrase || (strings.Contains(phrase, " ") && strings.HasPrefix(lower, phrase)) {
			return true
		}
	}
	return false
}

// titleFromFilename strips the extension and turns separators into spaces.
func titleFromFilename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	return strings.Join(strings.Fields(base), " ")
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
