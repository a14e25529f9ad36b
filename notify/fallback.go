package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stock_scanner/logging"
)

// Archiver copies fallback files off the host. storage.S3Archiver
// implements it.
type Archiver interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// FileFallback persists messages the channel could not take as JSON files,
// one per message, for later replay.
type FileFallback struct {
	dir      string
	archiver Archiver
	now      func() time.Time
}

func NewFileFallback(dir string, archiver Archiver) *FileFallback {
	return &FileFallback{dir: dir, archiver: archiver, now: time.Now}
}

type fallbackRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Exchange   string    `json:"exchange,omitempty"`
	ListingIDs []int64   `json:"listing_ids,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Write stores msg and returns the file path. Archive upload failures are
// logged, not returned.
func (f *FileFallback) Write(ctx context.Context, msg Message, cause error) (string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create fallback dir")
	}

	now := f.now().UTC()
	rec := fallbackRecord{
		Timestamp:  now,
		Title:      msg.Title,
		Message:    msg.Text(),
		Exchange:   msg.Exchange,
		ListingIDs: msg.ListingIDs,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode fallback record")
	}

	name := fmt.Sprintf("notification_%s_%s.json", now.Format("20060102T150405"), uuid.NewString()[:8])
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write fallback file")
	}
	logging.Get().Warnw("notification saved to fallback file", "path", path)

	if f.archiver != nil {
		if err := f.archiver.Upload(ctx, name, bytes.NewReader(data), "application/json"); err != nil {
			logging.Get().Warnw("fallback archive upload failed", "file", name, "error", err)
		}
	}
	return path, nil
}
