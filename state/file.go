package state

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	fileExt    = ".json"
	tempPrefix = ".tmp-"

	// DefaultWatchDebounce collapses bursts of events for one key.
	DefaultWatchDebounce = 50 * time.Millisecond
)

// FileStore keeps one file per key in a directory shared by every process
// using the same store. Writes go through a temp file and a rename, so a
// reader never sees a partially written value.
type FileStore struct {
	dir      string
	debounce time.Duration
	logger   *logrus.Entry
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithWatchDebounce sets the per-key debounce used by Watch.
func WithWatchDebounce(d time.Duration) FileStoreOption {
	return func(f *FileStore) { f.debounce = d }
}

// WithStoreLogger sets the logger used for watch diagnostics.
func WithStoreLogger(logger *logrus.Entry) FileStoreOption {
	return func(f *FileStore) { f.logger = logger }
}

// NewFileStore opens (and creates if needed) a store rooted at dir.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		metrics.StorageErrors.WithLabelValues("open").Inc()
		return nil, errors.StorageFailed("open", dir, err)
	}
	f := &FileStore{
		dir:      dir,
		debounce: DefaultWatchDebounce,
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validKey("get", key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, errors.StorageFailed("get", key, err)
	}

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		metrics.StorageErrors.WithLabelValues("get").Inc()
		return nil, false, errors.StorageFailed("get", key, err)
	}
	return data, true, nil
}

// Set implements Store.
func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey("set", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.StorageFailed("set", key, err)
	}

	tmp, err := os.CreateTemp(f.dir, tempPrefix+key+"-*")
	if err != nil {
		metrics.StorageErrors.WithLabelValues("set").Inc()
		return errors.StorageFailed("set", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.StorageErrors.WithLabelValues("set").Inc()
		return errors.StorageFailed("set", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.StorageErrors.WithLabelValues("set").Inc()
		return errors.StorageFailed("set", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		metrics.StorageErrors.WithLabelValues("set").Inc()
		return errors.StorageFailed("set", key, err)
	}
	return nil
}

// Remove implements Store.
func (f *FileStore) Remove(ctx context.Context, key string) error {
	if err := validKey("remove", key); err != nil {
		return err
	}
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		metrics.StorageErrors.WithLabelValues("remove").Inc()
		return errors.StorageFailed("remove", key, err)
	}
	return nil
}

// Keys returns the present keys in sorted order.
func (f *FileStore) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("list").Inc()
		return nil, errors.StorageFailed("list", "*", err)
	}

	var keys []string
	for _, entry := range entries {
		if key, ok := keyFromName(entry.Name()); ok && !entry.IsDir() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func keyFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	return strings.TrimSuffix(name, fileExt), true
}

// Watch calls fn with the key of every value changed or removed in the store
// by any process, including this one. Bursts of events for one key are
// collapsed into a single call. Watching stops when ctx is cancelled.
func (f *FileStore) Watch(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.StorageFailed("watch", "*", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return errors.StorageFailed("watch", "*", err)
	}

	go f.watchLoop(ctx, watcher, fn)
	return nil
}

func (f *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fn func(string)) {
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	defer func() {
		watcher.Close()
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			key, ok := keyFromName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if t, exists := timers[key]; exists {
				t.Stop()
			}
			timers[key] = time.AfterFunc(f.debounce, func() {
				mu.Lock()
				delete(timers, key)
				mu.Unlock()
				if ctx.Err() == nil {
					fn(key)
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.WithError(err).Warn("Store watcher error")
		case <-ctx.Done():
			return
		}
	}
}
