package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DiskCache stores successful response bodies keyed by a content hash of the
// request. Entries older than maxAge read as absent.
type DiskCache struct {
	mu     sync.Mutex
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

type cacheEntry struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Content   []byte    `json:"content"`
}

func NewDiskCache(dir string, maxAge time.Duration) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create cache dir %s", dir)
	}
	return &DiskCache{dir: dir, maxAge: maxAge, now: time.Now}, nil
}

func (c *DiskCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *DiskCache) Put(key, url string, content []byte) error {
	data, err := json.Marshal(cacheEntry{Timestamp: c.now().UTC(), URL: url, Content: content})
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write cache entry")
	}
	return errors.Wrap(os.Rename(tmp, c.path(key)), "commit cache entry")
}

// Get returns the cached body and when it was stored.
func (c *DiskCache) Get(key string) ([]byte, time.Time, bool) {
	c.mu.Lock()
	data, err := os.ReadFile(c.path(key))
	c.mu.Unlock()
	if err != nil {
		return nil, time.Time{}, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, time.Time{}, false
	}
	if c.maxAge > 0 && c.now().Sub(entry.Timestamp) > c.maxAge {
		return nil, time.Time{}, false
	}
	return entry.Content, entry.Timestamp, true
}
