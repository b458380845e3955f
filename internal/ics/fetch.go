package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "calhub/internal/log"
	"calhub/internal/store"
)

var (
	// ErrInvalidURL is returned by NormalizeURL for anything that is not an
	// absolute http(s) or webcal(s) URL.
	ErrInvalidURL = errors.New("invalid calendar url")
	// ErrTooLarge is returned when a document exceeds the configured size.
	ErrTooLarge = errors.New("calendar document too large")
)

// StatusError carries the upstream status of a failed fetch verbatim.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %s", e.Status)
}

// NormalizeURL percent-decodes an encoded URL and rewrites webcal schemes
// to https.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(s, "://") && strings.Contains(s, "%") {
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return "", ErrInvalidURL
		}
		s = strings.TrimSpace(decoded)
	}

	lower := strings.ToLower(s)
	for _, scheme := range []string{"webcal://", "webcals://"} {
		if strings.HasPrefix(lower, scheme) {
			s = "https://" + s[len(scheme):]
			break
		}
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

// FetchResult contains the outcome of fetching a single document.
type FetchResult struct {
	URL       string
	Body      []byte
	FromCache bool // true if the cached body was reused after a 304
}

// cacheEntry holds HTTP cache metadata and the last body for one URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	Body         string    `json:"body"`
}

// FetcherOptions configures a Fetcher. Zero values pick defaults.
type FetcherOptions struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
	// Client overrides the HTTP client (tests); Timeout is then ignored.
	Client *http.Client
}

// Fetcher retrieves iCalendar documents with conditional GET. Validators and
// bodies live in the key/value store so they survive restarts.
type Fetcher struct {
	client    *http.Client
	cache     store.KV
	userAgent string
	maxBytes  int64
}

// NewFetcher creates a Fetcher. cache may be nil to disable HTTP caching.
func NewFetcher(cache store.KV, opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "calhub/1.0"
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Fetcher{client: client, cache: cache, userAgent: ua, maxBytes: maxBytes}
}

// Fetch downloads the document at rawURL, which must already be normalized.
// Non-2xx responses return a *StatusError; there is no fallback to a cached
// body in that case.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	if rawURL == "" {
		return FetchResult{}, ErrInvalidURL
	}

	key := cacheKey(rawURL)
	meta, hasCache := f.loadCache(ctx, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if hasCache {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redactURL(rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if !hasCache {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "url", redactURL(rawURL))
		return FetchResult{URL: rawURL, Body: []byte(meta.Body), FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return FetchResult{}, err
		}
		if int64(len(body)) > f.maxBytes {
			return FetchResult{}, ErrTooLarge
		}

		etag := resp.Header.Get("ETag")
		lastMod := resp.Header.Get("Last-Modified")
		if etag != "" || lastMod != "" {
			f.saveCache(ctx, key, cacheEntry{
				URL:          rawURL,
				ETag:         etag,
				LastModified: lastMod,
				UpdatedAt:    time.Now().UTC(),
				Body:         string(body),
			})
		}

		appLog.Info("ics fetch success", "url", redactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{URL: rawURL, Body: body}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchResult{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func cacheKey(u string) string {
	sum := sha256.Sum256([]byte(u))
	return "fetchcache:" + hex.EncodeToString(sum[:8])
}

func (f *Fetcher) loadCache(ctx context.Context, key string) (cacheEntry, bool) {
	var meta cacheEntry
	if f.cache == nil {
		return meta, false
	}
	raw, err := f.cache.Get(ctx, key)
	if err != nil {
		return meta, false
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return cacheEntry{}, false
	}
	return meta, true
}

func (f *Fetcher) saveCache(ctx context.Context, key string, meta cacheEntry) {
	if f.cache == nil {
		return
	}
	data, err := json.Marshal(&meta)
	if err == nil {
		err = f.cache.Set(ctx, key, string(data))
	}
	if err != nil {
		// Log but still return the freshly fetched body.
		appLog.Error("ics cache save failed", err, "url", redactURL(meta.URL))
	}
}

// redactURL hides the path and query of a feed URL for logging; private
// feed URLs usually embed a secret token.
//
//	https://example.com/path/to/private.ics?token=abcd -> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}

// RedactURL is redactURL for other packages' log lines.
func RedactURL(u string) string { return redactURL(u) }
