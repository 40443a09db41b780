package guardian

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config ...
type Config struct {
	MediaRoot     string
	MaxBytes      int64
	MaxFileAge    time.Duration
	SweepInterval time.Duration
}

// Guardian keeps the captured-media tree within a capacity budget and a file
// age limit. It runs on its own schedule, independent of the task queue, and
// does not check whether a file is still referenced by a pending task.
type Guardian struct {
	config Config
}

// New ...
func New(config Config) *Guardian {
	return &Guardian{config: config}
}

// Run sweeps the media root at the configured interval until the context is
// cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("storage guardian stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := g.sweep(); err != nil {
				log.WithError(err).Error("storage sweep failed")
			}
		}
	}
}

// sweep ...
func (g *Guardian) sweep() error {
	if err := g.CleanupOldFiles(g.config.MaxFileAge); err != nil {
		return fmt.Errorf("failed to clean up old files: %w", err)
	}
	if err := g.EnforceCapacity(g.config.MaxBytes); err != nil {
		return fmt.Errorf("failed to enforce capacity: %w", err)
	}
	return nil
}

type mediaFile struct {
	modTime time.Time
	path    string
	size    int64
}

// EnforceCapacity deletes files oldest-first until total usage is at or under
// maxBytes, then prunes empty directories. A single file larger than the
// budget is itself deleted, which is the minimal possible violation.
func (g *Guardian) EnforceCapacity(maxBytes int64) error {
	files, total, err := g.listFiles()
	if err != nil {
		return err
	}
	if total <= maxBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.WithField("path", f.path).WithError(err).Error("failed to evict media file")
			continue
		}
		total -= f.size
		log.WithFields(log.Fields{
			"path":  f.path,
			"bytes": f.size,
		}).Info("evicted media file over capacity budget")
	}

	return g.pruneEmptyDirs()
}

// CleanupOldFiles deletes any file with a modification time older than maxAge
// regardless of capacity pressure, then prunes empty directories.
func (g *Guardian) CleanupOldFiles(maxAge time.Duration) error {
	files, _, err := g.listFiles()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		if !f.modTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.WithField("path", f.path).WithError(err).Error("failed to delete expired media file")
			continue
		}
		log.WithFields(log.Fields{
			"path": f.path,
			"age":  time.Since(f.modTime).String(),
		}).Info("deleted expired media file")
	}

	return g.pruneEmptyDirs()
}

// listFiles ...
func (g *Guardian) listFiles() ([]mediaFile, int64, error) {
	var files []mediaFile
	var total int64

	err := filepath.WalkDir(g.config.MediaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// files can disappear mid-walk; skip rather than abort the sweep
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		files = append(files, mediaFile{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to walk media root: %w", err)
	}

	return files, total, nil
}

// pruneEmptyDirs removes directories left empty by eviction, deepest first.
// The media root itself is never removed.
func (g *Guardian) pruneEmptyDirs() error {
	var dirs []string
	err := filepath.WalkDir(g.config.MediaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && path != g.config.MediaRoot {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk media root: %w", err)
	}

	sort.Slice(dirs, func(i, j int) bool {
		return len(dirs[i]) > len(dirs[j])
	})

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			log.WithField("path", dir).WithError(err).Error("failed to remove empty directory")
		}
	}
	return nil
}
