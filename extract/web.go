package extract

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fabfab/docqa/logging"
)

const (
	defaultMaxBodyBytes = 20 << 20
	defaultMaxInFlight  = 4
	maxRedirects        = 10
)

type WebConfig struct {
	AllowedDomains    []string
	MaxPages          int
	MaxInFlight       int
	RequestsPerSecond float64
	Timeout           time.Duration
	UserAgent         string
	MaxBodyBytes      int64
}

// WebExtractor crawls a site breadth-first and stores each fetched page
// verbatim. Only hosts on the allow-list are ever requested.
type WebExtractor struct {
	cfg    WebConfig
	client *http.Client
	logger logrus.FieldLogger
}

func NewWebExtractor(cfg WebConfig, logger logrus.FieldLogger) *WebExtractor {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.OrDefault(logger),
	}
}

type fetched struct {
	finalURL *url.URL
	body     []byte
	ext      string
	isHTML   bool
}

type crawl struct {
	allow    []string
	client   *http.Client
	limiter  *rate.Limiter
	outDir   string
	mu       sync.Mutex
	manifest Manifest
	names    map[string]string
	visited  map[string]bool
	saved    int
	failures []Failure
}

// Extract crawls from seed and writes pages into outDir, which is emptied
// first. Per-page failures are logged and recorded in Result.Failures; only
// setup errors and cancellation are returned.
func (e *WebExtractor) Extract(ctx context.Context, seed, outDir string) (Result, error) {
	seedURL, err := url.Parse(strings.TrimSpace(seed))
	if err != nil || (seedURL.Scheme != "http" && seedURL.Scheme != "https") || seedURL.Host == "" {
		return Result{}, fmt.Errorf("invalid seed url %q", seed)
	}

	allow := normalizeAllowList(e.cfg.AllowedDomains)
	if len(allow) == 0 {
		allow = []string{strings.ToLower(seedURL.Hostname())}
	}
	if !HostAllowed(allow, seedURL) {
		return Result{}, fmt.Errorf("seed host %s is not in the allowed domains %v", seedURL.Host, allow)
	}
	if err := prepareOutput(outDir); err != nil {
		return Result{}, err
	}

	c := &crawl{
		allow:    allow,
		outDir:   outDir,
		manifest: Manifest{},
		names:    map[string]string{},
		visited:  map[string]bool{},
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	if e.cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(e.cfg.RequestsPerSecond), 1)
	}
	client := *e.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if !HostAllowed(allow, req.URL) {
			return fmt.Errorf("redirect to disallowed host %s", req.URL.Host)
		}
		return nil
	}
	c.client = &client

	log := e.logger.WithFields(logrus.Fields{"stage": "crawl", "seed": seedURL.String()})
	start := NormalizeURL(seedURL)
	c.visited[start] = true
	frontier := []string{start}
	depth := 0

	for len(frontier) > 0 && !c.full(e.cfg.MaxPages) {
		links := make([][]string, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxInFlight)
		for i, pageURL := range frontier {
			i, pageURL := i, pageURL
			g.Go(func() error {
				if c.full(e.cfg.MaxPages) {
					return nil
				}
				found, err := e.visit(gctx, c, pageURL)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.WithError(err).WithField("url", pageURL).Warn("page skipped")
					c.fail(err)
					return nil
				}
				links[i] = found
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}

		var next []string
		for _, found := range links {
			for _, link := range found {
				if c.visited[link] || c.names[link] != "" {
					continue
				}
				c.visited[link] = true
				next = append(next, link)
			}
		}
		depth++
		log.WithFields(logrus.Fields{"depth": depth, "saved": c.saved, "queued": len(next)}).Debug("crawl level done")
		frontier = next
	}

	if err := WriteManifest(outDir, c.manifest); err != nil {
		return Result{}, err
	}
	log.WithFields(logrus.Fields{"saved": c.saved, "failed": len(c.failures)}).Info("crawl complete")
	return Result{Files: sortedFiles(c.manifest, outDir), Failures: c.failures}, nil
}

func (c *crawl) full(maxPages int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maxPages > 0 && c.saved >= maxPages
}

func (c *crawl) fail(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, failureOf(err))
	c.mu.Unlock()
}

// visit fetches one page, stores it and returns the normalized in-scope
// links found on it.
func (e *WebExtractor) visit(ctx context.Context, c *crawl, pageURL string) ([]string, error) {
	page, err := e.fetch(ctx, c, pageURL)
	if err != nil {
		return nil, &ExtractionError{Source: pageURL, Err: err}
	}
	if err := c.save(page, e.cfg.MaxPages); err != nil {
		return nil, &ExtractionError{Source: pageURL, Err: err}
	}
	if !page.isHTML {
		return nil, nil
	}

	var out []string
	for _, link := range extractLinks(page.finalURL, page.body) {
		if HostAllowed(c.allow, link) {
			out = append(out, NormalizeURL(link))
		}
	}
	return out, nil
}

func (e *WebExtractor) fetch(ctx context.Context, c *crawl, pageURL string) (*fetched, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > e.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", e.cfg.MaxBodyBytes)
	}

	page := &fetched{finalURL: resp.Request.URL, body: body}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page.ext, page.isHTML = "html", true
	case normalizeExt(path.Ext(page.finalURL.Path)) != "":
		page.ext = normalizeExt(path.Ext(page.finalURL.Path))
	default:
		page.ext = normalizeExt(mimetype.Detect(body).Extension())
	}
	if page.ext == "html" {
		page.isHTML = true
	}
	if page.ext == "" {
		page.ext = "bin"
	}
	return page, nil
}

func (c *crawl) save(page *fetched, maxPages int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := NormalizeURL(page.finalURL)
	if c.names[key] != "" {
		// Another queued URL redirected to the same page.
		return nil
	}
	if maxPages > 0 && c.saved >= maxPages {
		return nil
	}

	name := fileName(page.finalURL, page.ext)
	if _, taken := c.manifest[name]; taken {
		name = withHash(name, page.finalURL.String())
	}
	if err := os.WriteFile(filepath.Join(c.outDir, name), page.body, 0o644); err != nil {
		return fmt.Errorf("write page: %w", err)
	}
	c.names[key] = name
	c.manifest[name] = page.finalURL.String()
	c.saved++
	return nil
}

func extractLinks(base *url.URL, body []byte) []*url.URL {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []*url.URL
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "#") {
					continue
				}
				ref, err := url.Parse(href)
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				if abs.Scheme == "http" || abs.Scheme == "https" {
					links = append(links, abs)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}

// NormalizeURL is the visited-set key: lower-case scheme and host, default
// port and fragment removed, empty path as "/", trailing slash trimmed.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Hostname())
	port := n.Port()
	if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		port = ""
	}
	n.Host = host
	if port != "" {
		n.Host = net.JoinHostPort(host, port)
	}
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
	}
	if len(n.Path) > 1 {
		n.Path = strings.TrimRight(n.Path, "/")
	}
	n.RawPath = ""
	return n.String()
}

// HostAllowed reports whether u's host equals an entry, is a subdomain of
// one, or matches an entry that carries an explicit port.
func HostAllowed(allow []string, u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	hostPort := host
	if p := u.Port(); p != "" {
		hostPort = net.JoinHostPort(host, p)
	}
	for _, entry := range allow {
		if _, _, err := net.SplitHostPort(entry); err == nil {
			if hostPort == entry {
				return true
			}
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func normalizeAllowList(domains []string) []string {
	var out []string
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(strings.TrimPrefix(d, "https://"), "http://")
		d = strings.TrimSuffix(d, "/")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileName flattens host and path into one name; query strings get a short
// hash so distinct pages never share a file.
func fileName(u *url.URL, ext string) string {
	p := strings.TrimSuffix(u.Path, "/")
	if strings.EqualFold(normalizeExt(path.Ext(p)), ext) {
		p = strings.TrimSuffix(p, path.Ext(p))
	}
	name := u.Host + p
	if p == "" {
		name += "_index"
	}
	name = unsafeName.ReplaceAllString(strings.ReplaceAll(name, "/", "_"), "_")
	name = strings.Trim(name, "_")
	if u.RawQuery != "" {
		return withHash(name+"."+ext, u.String())
	}
	return name + "." + ext
}

func withHash(name, seed string) string {
	sum := sha1.Sum([]byte(seed))
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + hex.EncodeToString(sum[:4]) + ext
}
