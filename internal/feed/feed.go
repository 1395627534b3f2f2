package feed

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
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "calfeed/internal/log"
)

// MaxBodyBytes caps a single feed body.
const MaxBodyBytes = 32 << 20

var (
	ErrEmptyURL     = errors.New("feed: source url is empty")
	ErrBodyTooLarge = errors.New("feed: body exceeds size limit")
)

// Source is one calendar subscription: an http(s) URL, a file:// URL or a
// plain local path.
type Source struct {
	ID   string
	Name string
	URL  string
}

// Fetched is the raw body of a source plus an opaque freshness token. Equal
// tokens mean equal bodies.
type Fetched struct {
	Source    Source
	Body      []byte
	Token     string
	FromCache bool // true if the body came from the disk cache
}

// cacheEntry holds HTTP cache metadata for a single URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Token        string    `json:"token"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches feeds with conditional requests (ETag / Last-Modified)
// and a disk-backed body cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir. A nil client gets a
// 15 second timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/feed-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch returns the current body of src. HTTP failures fall back to the
// cached body when there is one.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Fetched, error) {
	if src.URL == "" {
		return Fetched{}, ErrEmptyURL
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return Fetched{}, fmt.Errorf("feed: parse url for %s: %w", src.ID, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, src)
	case "file":
		return f.fetchFile(ctx, src, u.Path)
	case "":
		return f.fetchFile(ctx, src, src.URL)
	default:
		return Fetched{}, fmt.Errorf("feed: unsupported scheme %q for %s", u.Scheme, src.ID)
	}
}

func (f *Fetcher) fetchFile(ctx context.Context, src Source, path string) (Fetched, error) {
	if err := ctx.Err(); err != nil {
		return Fetched{}, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return Fetched{}, fmt.Errorf("feed: open %s: %w", src.ID, err)
	}
	defer fh.Close()

	body, err := readLimited(fh)
	if err != nil {
		return Fetched{}, fmt.Errorf("feed: read %s: %w", src.ID, err)
	}
	appLog.Debug("feed file read", "id", src.ID, "bytes", len(body))
	return Fetched{Source: src, Body: body, Token: bodyToken(body)}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src Source) (Fetched, error) {
	cachePath := f.cachePathForURL(src.URL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return Fetched{}, fmt.Errorf("feed: cache dir: %w", err)
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)
	cached := func() Fetched {
		token := meta.Token
		if token == "" {
			token = bodyToken(cachedBody)
		}
		return Fetched{Source: src, Body: cachedBody, Token: token, FromCache: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Fetched{}, fmt.Errorf("feed: build request for %s: %w", src.ID, err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("feed fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && len(cachedBody) > 0 {
			appLog.Error("feed fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return cached(), nil
		}
		return Fetched{}, fmt.Errorf("feed: fetch %s: %w", src.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := readLimited(resp.Body)
		if err != nil {
			return Fetched{}, fmt.Errorf("feed: read %s: %w", src.ID, err)
		}

		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Token:        bodyToken(body),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("feed cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}

		appLog.Info("feed fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))
		return Fetched{Source: src, Body: body, Token: newMeta.Token}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Fetched{}, fmt.Errorf("feed: %s: 304 Not Modified without a cached body", src.ID)
		}
		appLog.Info("feed not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return cached(), nil

	default:
		statusErr := fmt.Errorf("feed: %s: unexpected status %s", src.ID, resp.Status)
		if len(cachedBody) > 0 {
			appLog.Error("feed fetch non-OK, using cached body", statusErr, "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode)
			return cached(), nil
		}
		return Fetched{}, statusErr
	}
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func bodyToken(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// First 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only, so private feed tokens in paths or
// queries stay out of logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
