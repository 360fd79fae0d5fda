// Package media implements the content-addressed local cache for
// downloaded and captured media blobs. Blobs live on disk named by
// content id; the index mapping content ids to paths and access times
// is kept in a bbolt database separate from the chat store.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/metrics"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketAssets = []byte("assets")

// ErrDownloadFailed wraps asset fetch failures. The owning message stays
// visible with a placeholder; callers may retry manually.
var ErrDownloadFailed = errors.New("media download failed")

// Media kinds.
const (
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
)

// Asset is a cached media blob.
type Asset struct {
	ContentID  string `json:"contentId"`
	Path       string `json:"path"`
	ThumbPath  string `json:"thumbPath,omitempty"`
	Size       int64  `json:"size"`
	Kind       string `json:"kind"`
	LastAccess int64  `json:"lastAccess"` // unix ms
	CreatedAt  int64  `json:"createdAt"`  // unix ms
}

// Cache is the bounded media cache. Total size is accounted
// incrementally; once it exceeds maxBytes, assets are evicted in
// ascending last-access order, skipping assets pinned by open chat views.
type Cache struct {
	dir      string
	maxBytes int64
	db       *bolt.DB
	logger   *zap.Logger

	mu         sync.Mutex
	totalBytes int64
	pins       map[string]int
}

// Open opens or creates a media cache rooted at dir, with its index at
// indexPath and a total size ceiling of maxBytes.
func Open(dir, indexPath string, maxBytes int64, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	db, err := bolt.Open(indexPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open media index: %w", err)
	}

	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		db:       db,
		logger:   logger,
		pins:     make(map[string]int),
	}

	// Rebuild the size account from the index.
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketAssets)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var a Asset
			if err := json.Unmarshal(v, &a); err != nil {
				return nil // skip unreadable entries
			}
			c.totalBytes += a.Size
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init media index: %w", err)
	}
	metrics.MediaBytes.Set(float64(c.totalBytes))
	return c, nil
}

// Close closes the index database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ContentID derives the stable content identifier for a media asset from
// its originating message identity. Stable across sessions and
// independent of the remote URL.
func ContentID(chatID, clientMsgID string) string {
	sum := sha256.Sum256([]byte(chatID + "\x00" + clientMsgID))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the asset for a content id, or nil when absent. A hit
// refreshes the asset's last-access time.
func (c *Cache) Lookup(contentID string) (*Asset, error) {
	var asset *Asset
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		v := b.Get([]byte(contentID))
		if v == nil {
			return nil
		}
		var a Asset
		if err := json.Unmarshal(v, &a); err != nil {
			return fmt.Errorf("decode asset %s: %w", contentID, err)
		}
		a.LastAccess = time.Now().UnixMilli()
		data, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(contentID), data); err != nil {
			return err
		}
		asset = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// Store writes bytes into the cache under contentID. Idempotent:
// re-storing an existing content id returns the existing asset without
// duplicating bytes on disk. The blob is written to a temporary path and
// atomically renamed into place.
func (c *Cache) Store(contentID string, data []byte, kind string) (*Asset, error) {
	if existing, err := c.Lookup(contentID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	path := c.blobPath(contentID)
	if err := writeAtomic(path, data); err != nil {
		return nil, fmt.Errorf("store %s: %w", contentID, err)
	}
	return c.index(&Asset{
		ContentID: contentID,
		Path:      path,
		Size:      int64(len(data)),
		Kind:      kind,
	})
}

// Evict removes an asset and its thumbnail from disk and index.
func (c *Cache) Evict(contentID string) error {
	var removed *Asset
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		v := b.Get([]byte(contentID))
		if v == nil {
			return nil
		}
		var a Asset
		if err := json.Unmarshal(v, &a); err == nil {
			removed = &a
		}
		return b.Delete([]byte(contentID))
	})
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}
	_ = os.Remove(removed.Path)
	if removed.ThumbPath != "" {
		_ = os.Remove(removed.ThumbPath)
	}
	c.mu.Lock()
	c.totalBytes -= removed.Size
	metrics.MediaBytes.Set(float64(c.totalBytes))
	c.mu.Unlock()
	return nil
}

// Pin marks an asset as referenced by a currently open chat view,
// protecting it from size-ceiling eviction.
func (c *Cache) Pin(contentID string) {
	if contentID == "" {
		return
	}
	c.mu.Lock()
	c.pins[contentID]++
	c.mu.Unlock()
}

// Unpin releases a pin taken by Pin.
func (c *Cache) Unpin(contentID string) {
	if contentID == "" {
		return
	}
	c.mu.Lock()
	if c.pins[contentID] > 1 {
		c.pins[contentID]--
	} else {
		delete(c.pins, contentID)
	}
	c.mu.Unlock()
}

// TotalBytes returns the current accounted cache size.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// index records a fully written asset and enforces the size ceiling.
// Concurrent stores of the same content id race to the bolt update; the
// first writer wins and the rest adopt its record, so the size is
// accounted exactly once.
func (c *Cache) index(a *Asset) (*Asset, error) {
	now := time.Now().UnixMilli()
	a.LastAccess = now
	a.CreatedAt = now

	var existing *Asset
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssets)
		if v := b.Get([]byte(a.ContentID)); v != nil {
			var prev Asset
			if err := json.Unmarshal(v, &prev); err == nil {
				existing = &prev
				return nil
			}
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ContentID), data)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	c.mu.Lock()
	c.totalBytes += a.Size
	over := c.totalBytes > c.maxBytes
	metrics.MediaBytes.Set(float64(c.totalBytes))
	c.mu.Unlock()

	if over {
		c.evictLRU()
	}
	return a, nil
}

// evictLRU removes unpinned assets in ascending last-access order until
// the cache is under its ceiling.
func (c *Cache) evictLRU() {
	var candidates []Asset
	_ = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(_, v []byte) error {
			var a Asset
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			candidates = append(candidates, a)
			return nil
		})
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccess < candidates[j].LastAccess
	})

	for _, a := range candidates {
		c.mu.Lock()
		under := c.totalBytes <= c.maxBytes
		pinned := c.pins[a.ContentID] > 0
		c.mu.Unlock()
		if under {
			return
		}
		if pinned {
			continue
		}
		if err := c.Evict(a.ContentID); err != nil {
			c.logger.Warn("media eviction failed",
				zap.String("content_id", a.ContentID), zap.Error(err))
		} else {
			c.logger.Info("media evicted",
				zap.String("content_id", a.ContentID), zap.Int64("size", a.Size))
		}
	}
}

func (c *Cache) blobPath(contentID string) string {
	return filepath.Join(c.dir, contentID)
}

// writeAtomic writes data to a temporary file and renames it into place,
// so a crash mid-write never leaves a partial blob at the final path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
