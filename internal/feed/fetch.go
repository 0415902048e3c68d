// Package feed pulls foreign iCalendar feeds and maps the UIDs found in
// them onto internal UIDs.
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
	"os"
	"path/filepath"
	"strings"
	"time"

	"calcodec/internal/config"
	appLog "calcodec/internal/log"
)

const maxBodyBytes = 16 << 20

// Result is the body of one feed, fresh or from the disk cache.
type Result struct {
	Feed      config.Feed
	Body      []byte
	FromCache bool
}

// cacheMeta is stored next to the cached body as meta.json.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests. A failed request
// falls back to the last cached body when there is one.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/feed-cache"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// FetchAll fetches every feed. Feeds that produced no body are logged and
// reported in the returned errors.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []config.Feed) ([]Result, []error) {
	results := make([]Result, 0, len(feeds))
	var errs []error
	for _, fd := range feeds {
		res, err := f.Fetch(ctx, fd)
		if err != nil {
			appLog.Error("feed fetch failed", err, "feed", fd.ID, "url", redactURL(fd.URL))
			errs = append(errs, fmt.Errorf("feed %s: %w", fd.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

func (f *Fetcher) Fetch(ctx context.Context, fd config.Feed) (Result, error) {
	if fd.URL == "" {
		return Result{}, errors.New("feed url is empty")
	}
	dir := f.cacheDirFor(fd.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Result{}, err
	}
	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	fallback := func(cause error) (Result, error) {
		if len(cached) == 0 {
			return Result{}, cause
		}
		appLog.Warn("feed using cached body", "feed", fd.ID, "url", redactURL(fd.URL), "cause", cause.Error())
		return Result{Feed: fd, Body: cached, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fd.URL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "text/calendar")
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fallback(err)
		}
		next := cacheMeta{
			URL:          fd.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := saveCache(dir, next, body); err != nil {
			appLog.Error("feed cache save failed", err, "feed", fd.ID)
		}
		appLog.Debug("feed fetched", "feed", fd.ID, "url", redactURL(fd.URL), "bytes", len(body))
		return Result{Feed: fd, Body: body}, nil
	case http.StatusNotModified:
		if len(cached) == 0 {
			return Result{}, errors.New("304 Not Modified without a cached body")
		}
		appLog.Debug("feed not modified", "feed", fd.ID, "url", redactURL(fd.URL))
		return Result{Feed: fd, Body: cached, FromCache: true}, nil
	default:
		return fallback(errors.New(resp.Status))
	}
}

func (f *Fetcher) cacheDirFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func saveCache(dir string, meta cacheMeta, body []byte) error {
	// Body first so meta never describes a body that is not on disk.
	if err := config.WriteFileAtomic(dir, filepath.Join(dir, "body.ics"), body); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(dir, filepath.Join(dir, "meta.json"), data)
}

// redactURL keeps only scheme and host; feed URLs often embed secrets.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "feed://...(redacted)"
	}
	host := u[i+3:]
	if j := strings.IndexByte(host, '/'); j >= 0 {
		host = host[:j]
	}
	if j := strings.IndexByte(host, '?'); j >= 0 {
		host = host[:j]
	}
	return u[:i+3] + host + "/...(redacted)"
}
