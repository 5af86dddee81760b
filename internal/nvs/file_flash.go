package nvs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	fileExt = ".nvs"

	// Events for a key within this window of our own write are ignored.
	selfWriteWindow = 2 * time.Second
)

// FileFlash is a Flash that keeps one file per key in a directory. Writes go
// to a temp file that is renamed into place, so a put is atomic per key.
type FileFlash struct {
	mu         sync.Mutex
	dir        string
	selfWrites map[string]time.Time
}

// NewFileFlash creates the directory if needed and returns a FileFlash on it.
func NewFileFlash(dir string) (*FileFlash, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("nvs: create %s: %w", dir, err)
	}
	return &FileFlash{
		dir:        dir,
		selfWrites: make(map[string]time.Time),
	}, nil
}

// Dir returns the directory backing this flash.
func (f *FileFlash) Dir() string { return f.dir }

func (f *FileFlash) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

func (f *FileFlash) Contains(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := os.Stat(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileFlash) Len(key string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fi, err := os.Stat(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !fi.Mode().IsRegular() {
		return 0, false, nil
	}
	return int(fi.Size()), true, nil
}

func (f *FileFlash) GetRaw(key string, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return copy(buf, data), nil
}

func (f *FileFlash) PutRaw(key string, val []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Write to temp file, then rename (atomic on Linux)
	path := f.path(key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, val, 0644); err != nil {
		return false, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false, err
	}
	f.selfWrites[key] = time.Now()
	return true, nil
}

func (f *FileFlash) Remove(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	f.selfWrites[key] = time.Now()
	return true, nil
}

// Watch calls onChange with the key of every entry changed by another
// process (for example a provisioning tool writing into the directory).
// It blocks until ctx is cancelled.
func (f *FileFlash) Watch(ctx context.Context, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("nvs: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("nvs: watch %s: %w", f.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			key, ok := f.keyFor(event.Name)
			if !ok || f.ownWrite(key) {
				continue
			}
			slog.Info("nvs: external change", "key", key, "op", event.Op.String())
			onChange(key)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("nvs: watcher error", "err", err)
		}
	}
}

func (f *FileFlash) keyFor(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	return strings.TrimSuffix(base, fileExt), true
}

func (f *FileFlash) ownWrite(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.selfWrites[key]
	return ok && time.Since(at) < selfWriteWindow
}

// Ensure FileFlash implements Flash
var _ Flash = (*FileFlash)(nil)
