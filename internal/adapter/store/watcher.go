package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/logger"
)

const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the snapshot when something outside the process rewrites
// it and hands the result to apply, normally the pool's Replace. Events are
// debounced because editors and atomic renames emit several per change.
type Watcher struct {
	store    *FileStore
	apply    func(proxies []*domain.Proxy)
	debounce time.Duration
	logger   *logger.StyledLogger

	fsw      *fsnotify.Watcher
	lastSum  [sha256.Size]byte
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewWatcher(st *FileStore, debounce time.Duration, apply func([]*domain.Proxy), log *logger.StyledLogger) (*Watcher, error) {
	if st == nil {
		return nil, domain.NewConfigValidationError("store.watch", nil, "requires a file store")
	}
	if apply == nil {
		return nil, domain.NewConfigValidationError("store.watch", nil, "requires an apply callback")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    st,
		apply:    apply,
		debounce: debounce,
		logger:   log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself because an atomic write replaces the inode and a direct file
// watch would go stale after the first rename.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start snapshot watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return fmt.Errorf("watch snapshot directory: %w", err)
	}
	w.fsw = fsw

	// The content present at startup was already loaded by the caller;
	// remembering its digest stops the first event from replaying it.
	if raw, err := os.ReadFile(w.store.Path()); err == nil {
		w.lastSum = sha256.Sum256(raw)
	}

	go w.run()
	if w.logger != nil {
		w.logger.Info("Watching proxy snapshot for changes", "path", w.store.Path())
	}
	return nil
}

func (w *Watcher) run() {
	defer close(w.done)
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Snapshot watch error", "error", err)
			}
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(w.store.Path()) {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.store.Path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && w.logger != nil {
			w.logger.Warn("Proxy snapshot changed but could not be read", "error", err)
		}
		return
	}
	sum := sha256.Sum256(raw)
	if sum == w.lastSum {
		return
	}
	proxies, err := w.store.decode(raw)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("Proxy snapshot changed but could not be decoded", "error", err)
		}
		return
	}
	w.lastSum = sum
	w.apply(proxies)
	if w.logger != nil {
		w.logger.InfoWithCount("Proxy snapshot reloaded", len(proxies), "path", w.store.Path())
	}
}

// Close stops the watcher and waits for the loop to exit. Safe to call more
// than once and before Start.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			err = w.fsw.Close()
			<-w.done
		}
	})
	return err
}
