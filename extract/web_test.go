package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type site struct {
	server *httptest.Server
	hits   map[string]*int32
}

func (s *site) hit(path string) int32 {
	if n, ok := s.hits[path]; ok {
		return atomic.LoadInt32(n)
	}
	return 0
}

// newSite serves pages keyed by path. A value starting with "redirect:"
// answers with a 302 to the rest of the value.
func newSite(t *testing.T, pages map[string]string) *site {
	t.Helper()
	s := &site{hits: map[string]*int32{}}
	for p := range pages {
		s.hits[p] = new(int32)
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(s.hits[r.URL.Path], 1)
		if target, isRedirect := strings.CutPrefix(body, "redirect:"); isRedirect {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".pdf") {
			w.Header().Set("Content-Type", "application/pdf")
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func manifestURLs(t *testing.T, dir string) []string {
	t.Helper()
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	var urls []string
	for _, u := range m {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func TestCrawlStaysOnAllowedDomains(t *testing.T) {
	offsite := newSite(t, map[string]string{"/secret": "<p>never fetched</p>"})
	home := newSite(t, map[string]string{
		"/": fmt.Sprintf(`<html><body>
			<a href="/about">About</a>
			<a href="/about/">About again</a>
			<a href="/about#team">Team</a>
			<a href="docs/rules.pdf">Rules</a>
			<a href="%s/secret">Elsewhere</a>
			<a href="mailto:board@example.com">Mail</a>
			<a href="#top">Top</a>
		</body></html>`, offsite.server.URL),
		"/about":          `<a href="/">Home</a><a href="/missing">Broken</a><a href="/old">Old</a>`,
		"/docs/rules.pdf": "%PDF-1.4 fake",
		"/old":            "redirect:" + offsite.server.URL + "/secret",
	})

	out := filepath.Join(t.TempDir(), "raw")
	extractor := NewWebExtractor(WebConfig{AllowedDomains: []string{hostOf(t, home.server.URL)}}, nil)

	result, err := extractor.Extract(context.Background(), home.server.URL, out)
	require.NoError(t, err)

	assert.Equal(t, []string{
		home.server.URL + "/",
		home.server.URL + "/about",
		home.server.URL + "/docs/rules.pdf",
	}, manifestURLs(t, out))
	assert.Len(t, result.Files, 3)
	for _, f := range result.Files {
		assert.FileExists(t, f)
	}

	assert.Equal(t, int32(1), home.hit("/"), "the seed is fetched once despite the cycle")
	assert.Equal(t, int32(1), home.hit("/about"), "trailing slash and fragment variants are one page")
	assert.Zero(t, offsite.hit("/secret"), "off-domain pages are never requested")

	// The 404 and the refused redirect are recorded, not fatal.
	require.Len(t, result.Failures, 2)
	var sources []string
	for _, f := range result.Failures {
		sources = append(sources, f.Source)
	}
	assert.ElementsMatch(t, []string{home.server.URL + "/missing", home.server.URL + "/old"}, sources)
}

func TestCrawlStoresBodiesVerbatim(t *testing.T) {
	page := "<html><head><title>Home</title></head><body>Hello</body></html>"
	s := newSite(t, map[string]string{"/": page, "/guide.pdf": "%PDF-1.4 guide"})

	out := t.TempDir()
	result, err := NewWebExtractor(WebConfig{}, nil).Extract(context.Background(), s.server.URL, out)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	data, err := os.ReadFile(result.Files[0])
	require.NoError(t, err)
	assert.Equal(t, page, string(data))
	assert.True(t, strings.HasSuffix(result.Files[0], "_index.html"))
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	pages := map[string]string{"/": ""}
	var links strings.Builder
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("/p%d", i)
		pages[p] = "<p>page</p>"
		fmt.Fprintf(&links, `<a href="%s">%d</a>`, p, i)
	}
	pages["/"] = links.String()
	s := newSite(t, pages)

	out := t.TempDir()
	result, err := NewWebExtractor(WebConfig{MaxPages: 3, MaxInFlight: 2}, nil).Extract(context.Background(), s.server.URL, out)
	require.NoError(t, err)
	assert.Len(t, result.Files, 3)
	assert.Len(t, manifestURLs(t, out), 3)
}

func TestCrawlRejectsBadSeeds(t *testing.T) {
	extractor := NewWebExtractor(WebConfig{AllowedDomains: []string{"example.org"}}, nil)

	_, err := extractor.Extract(context.Background(), "ftp://example.org/", t.TempDir())
	assert.ErrorContains(t, err, "invalid seed url")

	_, err = extractor.Extract(context.Background(), "https://example.com/", t.TempDir())
	assert.ErrorContains(t, err, "not in the allowed domains")
}

func TestCrawlCancelled(t *testing.T) {
	s := newSite(t, map[string]string{"/": "<p>hi</p>"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWebExtractor(WebConfig{}, nil).Extract(ctx, s.server.URL, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"HTTP://Example.COM:80/a/b/#frag":   "http://example.com/a/b",
		"https://example.com":               "https://example.com/",
		"https://example.com:443/":          "https://example.com/",
		"https://example.com:8443/x?q=1":    "https://example.com:8443/x?q=1",
		"https://user:pw@example.com/rules": "https://example.com/rules",
	}
	for in, want := range tests {
		u, err := url.Parse(in)
		require.NoError(t, err)
		assert.Equal(t, want, NormalizeURL(u), in)
	}
}

func TestHostAllowed(t *testing.T) {
	allow := normalizeAllowList([]string{" Example.com ", "https://intranet.local/", "127.0.0.1:8080"})
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/", true},
		{"https://docs.example.com/a", true},
		{"https://example.com:8443/", true},
		{"https://badexample.com/", false},
		{"http://intranet.local/wiki", true},
		{"http://127.0.0.1:8080/", true},
		{"http://127.0.0.1:9090/", false},
		{"http://127.0.0.1/", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		require.NoError(t, err)
		assert.Equal(t, tt.want, HostAllowed(allow, u), tt.url)
	}
}

func TestFileName(t *testing.T) {
	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}
	assert.Equal(t, "example.com_docs_rules.pdf", fileName(parse("https://example.com/docs/rules.pdf"), "pdf"))
	assert.Equal(t, "example.com_index.html", fileName(parse("https://example.com/"), "html"))
	assert.Equal(t, "example.com_about.html", fileName(parse("https://example.com/about/"), "html"))

	withQuery := fileName(parse("https://example.com/page?id=1"), "html")
	assert.True(t, strings.HasPrefix(withQuery, "example.com_page_"))
	assert.True(t, strings.HasSuffix(withQuery, ".html"))
	assert.NotEqual(t, withQuery, fileName(parse("https://example.com/page?id=2"), "html"))
}
