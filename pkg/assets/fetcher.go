package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/renderq/renderq/pkg/logging"
)

// Fetcher materializes remote assets into a local content cache.
// Filenames are derived from the URL hash, so a URL downloaded once is
// reused by every later job that references it.
type Fetcher struct {
	cacheDir string
	client   *http.Client
	log      *logging.Logger
}

// NewFetcher creates a fetcher rooted at cacheDir, creating the
// directory if needed.
func NewFetcher(cacheDir string, log *logging.Logger) (*Fetcher, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cacheDir, err)
	}
	return &Fetcher{
		cacheDir: cacheDir,
		client: &http.Client{
			Timeout: 10 * time.Minute,
		},
		log: log,
	}, nil
}

// CachePath returns the local path an asset URL maps to. The name is
// the hex SHA-256 of the URL plus the URL's extension, so distinct
// URLs never collide and repeat fetches are cheap lookups.
func (f *Fetcher) CachePath(assetURL string) string {
	sum := sha256.Sum256([]byte(assetURL))
	name := hex.EncodeToString(sum[:16])

	ext := ""
	if u, err := url.Parse(assetURL); err == nil {
		ext = path.Ext(u.Path)
	}
	return filepath.Join(f.cacheDir, name+ext)
}

// Resolve downloads every URL not already cached and returns the
// URL-to-local-path mapping. Any failure aborts the whole batch: a
// render with half its assets is not worth starting.
func (f *Fetcher) Resolve(ctx context.Context, urls []string) (map[string]string, error) {
	resolved := make(map[string]string, len(urls))
	for _, assetURL := range urls {
		local, err := f.fetch(ctx, assetURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", assetURL, err)
		}
		resolved[assetURL] = local
	}
	return resolved, nil
}

func (f *Fetcher) fetch(ctx context.Context, assetURL string) (string, error) {
	local := f.CachePath(assetURL)

	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		f.log.Debug("Asset cache hit", map[string]interface{}{
			"url":  assetURL,
			"path": local,
		})
		return local, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Download to a temp file, then rename. A crash mid-download must
	// never leave a truncated file at the cache path.
	tmp, err := os.CreateTemp(f.cacheDir, ".download-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpName, local); err != nil {
		return "", err
	}

	f.log.Info("Asset downloaded", map[string]interface{}{
		"url":   assetURL,
		"path":  local,
		"bytes": written,
	})
	return local, nil
}
