package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// Download fetches a remote asset into the cache. The body is streamed
// to a temporary path and only renamed into place once the byte count
// matches the advertised size; when the server does not advertise a
// size, stream end signals completion. Idempotent on contentID.
func (c *Cache) Download(ctx context.Context, client *http.Client, url, contentID, kind string) (*Asset, error) {
	if existing, err := c.Lookup(contentID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrDownloadFailed, resp.StatusCode)
	}

	path := c.blobPath(contentID)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: short body, got %d of %d bytes", ErrDownloadFailed, written, resp.ContentLength)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return c.index(&Asset{
		ContentID: contentID,
		Path:      path,
		Size:      written,
		Kind:      kind,
	})
}
