// Package cache keeps downloaded image content on local scratch storage so
// repeated runs, and multiple slaves within one run, reuse a single
// transfer from the master.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/osmirror/glancesync/internal/glance"
	"github.com/osmirror/glancesync/internal/safety"
)

// DefaultScratchDir is used when neither the config file nor the command
// line names a scratch directory.
const DefaultScratchDir = "/var/tmp/glancesync"

const copyBufferSize = 1 << 20 // 1 MiB streaming chunks

// progressLogInterval throttles per-transfer progress logging. Image
// downloads run for minutes; one line every interval keeps them visible
// without flooding the log.
const progressLogInterval = 15 * time.Second

// progressReader counts bytes as they stream through and logs progress at
// a coarse interval.
type progressReader struct {
	r       io.Reader
	logger  *slog.Logger
	image   string
	total   int64
	read    int64
	lastLog time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if now := time.Now(); now.Sub(p.lastLog) >= progressLogInterval {
		p.lastLog = now
		p.logger.Info("transfer progress", "image", p.image, "bytes", p.read, "total", p.total)
	}
	return n, err
}

// TransferError marks a failed content transfer. The partially written
// file is retained so the next run sees a size mismatch and retries.
type TransferError struct {
	Store string
	ID    string
	Path  string
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of image %s from store %s to %s failed: %v", e.ID, e.Store, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Cache maps image identifiers to files under one scratch directory. A
// cached file is valid only while its byte length equals the size the
// master reported at selection time. Concurrent EnsureLocal calls for the
// same identifier collapse into a single download.
//
// The scratch directory is shared process-wide state with no cross-process
// locking: running two syncs against the same directory at once is unsafe.
type Cache struct {
	dir    string
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a cache over the given scratch directory. The directory is
// created on first use.
func New(dir string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{dir: dir, logger: logger}
}

// Dir returns the scratch directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the scratch path for an image identifier without touching
// the filesystem.
func (c *Cache) Path(id string) string {
	return filepath.Join(c.dir, id)
}

// EnsureLocal returns a local path holding the image's content, reusing a
// previous download when its size still matches the record, and streaming
// a fresh copy from the store otherwise. On a transfer failure the partial
// file is left in place as evidence for the next run, and an error is
// returned.
func (c *Cache) EnsureLocal(ctx context.Context, store glance.Store, img glance.Image) (string, error) {
	path, err, _ := c.group.Do(img.ID, func() (interface{}, error) {
		return c.ensureLocal(ctx, store, img)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (c *Cache) ensureLocal(ctx context.Context, store glance.Store, img glance.Image) (string, error) {
	// The identifier came from a remote listing; confine it to the scratch
	// directory before using it as a file name.
	path, err := safety.SafeJoinUnder(c.dir, img.ID)
	if err != nil {
		return "", fmt.Errorf("image id %q from store %s: %w", img.ID, store.Name(), err)
	}

	if fi, err := os.Stat(path); err == nil {
		if fi.Size() == img.Size {
			c.logger.Debug("cache hit", "image", img.Name, "id", img.ID, "size", fi.Size())
			return path, nil
		}
		c.logger.Info("removing stale cache file",
			"image", img.Name, "id", img.ID, "cached_size", fi.Size(), "want_size", img.Size)
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("removing stale cache file %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("creating scratch dir %s: %w", c.dir, err)
	}

	rc, err := store.DownloadImage(ctx, img.ID)
	if err != nil {
		return "", &TransferError{Store: store.Name(), ID: img.ID, Path: path, Err: err}
	}
	defer rc.Close()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("creating cache file %s: %w", path, err)
	}

	c.logger.Info("downloading image", "store", store.Name(), "image", img.Name, "id", img.ID, "size", img.Size)

	src := &progressReader{
		r: rc, logger: c.logger, image: img.Name, total: img.Size, lastLog: time.Now(),
	}
	written, copyErr := io.CopyBuffer(file, src, make([]byte, copyBufferSize))
	closeErr := file.Close()

	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && written != img.Size {
		// A stream can end cleanly short of the reported size; treat it
		// the same as an I/O failure so truncated content never gets
		// uploaded as a valid image.
		copyErr = fmt.Errorf("short transfer: got %d bytes, want %d", written, img.Size)
	}
	if copyErr != nil {
		// Keep the partial file: the next run's size check will force a
		// fresh transfer.
		c.logger.Error("image transfer failed, keeping partial file",
			"store", store.Name(), "image", img.Name, "id", img.ID,
			"written", written, "error", copyErr)
		return "", &TransferError{Store: store.Name(), ID: img.ID, Path: path, Err: copyErr}
	}

	return path, nil
}

// Clean removes every regular file directly under dir. It does not
// recurse. Individual unlink failures are logged and skipped so one bad
// file does not strand the rest.
func Clean(dir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading scratch dir %s: %w", dir, err)
	}

	logger.Info("cleaning scratch dir", "dir", dir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		logger.Debug("removing cache file", "path", path)
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove cache file", "path", path, "error", err)
		}
	}
	return nil
}
