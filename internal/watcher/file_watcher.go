package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tripwire/watchtower/internal/event"
	"github.com/tripwire/watchtower/internal/pattern"
)

// FileWatcher recursively watches a directory tree with fsnotify and emits
// add, change, unlink, addDir and unlinkDir changes. The tree that exists at
// Start is watched silently; only later mutations produce events.
//
// Directories created after Start are watched as soon as their create event
// is seen, and everything already inside them is reported as added.
type FileWatcher struct {
	root     string
	logger   *slog.Logger
	debounce time.Duration
	ignore   *pattern.Matcher
	names    *pattern.Matcher
	exclude  []string

	fsw    *fsnotify.Watcher
	events chan event.Change
	done   chan struct{}
	ready  chan struct{}
	flush  chan string
	wg     sync.WaitGroup

	// Owned by the run goroutine.
	dirs    map[string]struct{}
	files   map[string]struct{}
	pending map[string]*time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewFileWatcher creates a watcher for the tree rooted at root. The root is
// not touched until Start.
func NewFileWatcher(root string, logger *slog.Logger, opts Options) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	root = filepath.Clean(root)
	return &FileWatcher{
		root:     root,
		logger:   logger,
		debounce: opts.Debounce,
		ignore:   opts.ignoreMatcher(),
		names:    opts.nameMatcher(),
		exclude:  opts.excludedPaths(root),
		fsw:      fsw,
		events:   make(chan event.Change, opts.BufferSize),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		flush:    make(chan string),
		dirs:     make(map[string]struct{}),
		files:    make(map[string]struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Root returns the watched directory.
func (fw *FileWatcher) Root() string { return fw.root }

// Start checks that the root is a directory and begins watching in a
// background goroutine. Ready is closed once the initial tree is registered.
func (fw *FileWatcher) Start(_ context.Context) error {
	info, err := os.Stat(fw.root)
	if err != nil {
		return fmt.Errorf("watcher: stat %q: %w", fw.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: %q is not a directory", fw.root)
	}

	started := false
	fw.startOnce.Do(func() {
		started = true
		fw.wg.Add(1)
		go fw.run()
	})
	if !started {
		return errors.New("watcher: already started")
	}
	return nil
}

// Stop ends watching and blocks until the background goroutine exits. The
// Events channel is closed after Stop returns. Stop is idempotent.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.done)
		fw.wg.Wait()
		if err := fw.fsw.Close(); err != nil {
			fw.logger.Warn("watcher: close fsnotify watcher", slog.Any("error", err))
		}
		close(fw.events)
	})
}

// Events returns the channel on which changes are delivered.
func (fw *FileWatcher) Events() <-chan event.Change {
	return fw.events
}

// Ready returns a channel that is closed once the initial tree has been
// registered. Mutations made after Ready are reported.
func (fw *FileWatcher) Ready() <-chan struct{} {
	return fw.ready
}

func (fw *FileWatcher) run() {
	defer fw.wg.Done()
	defer func() {
		for _, t := range fw.pending {
			t.Stop()
		}
	}()

	fw.addTree(fw.root, false)
	close(fw.ready)
	fw.logger.Info("watcher: watching",
		slog.String("root", fw.root),
		slog.Int("directories", len(fw.dirs)),
	)

	for {
		select {
		case <-fw.done:
			return
		case ev, ok := <-fw.fsw.Events:
			if !ok {
				return
			}
			fw.handle(ev)
		case err, ok := <-fw.fsw.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		case path := <-fw.flush:
			if _, ok := fw.pending[path]; ok {
				delete(fw.pending, path)
				fw.emit(event.KindChange, path)
			}
		}
	}
}

// handle translates one fsnotify event.
func (fw *FileWatcher) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if fw.ignored(path) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		fw.created(path)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		fw.removed(path)
	case ev.Has(fsnotify.Write):
		if _, isDir := fw.dirs[path]; isDir {
			return
		}
		fw.changed(path)
	}
}

func (fw *FileWatcher) created(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		// Already gone again.
		return
	}
	if info.IsDir() {
		if _, known := fw.dirs[path]; known {
			return
		}
		fw.addTree(path, true)
		return
	}
	if _, known := fw.files[path]; known {
		return
	}
	fw.files[path] = struct{}{}
	fw.emit(event.KindAdd, path)
}

func (fw *FileWatcher) removed(path string) {
	if t, ok := fw.pending[path]; ok {
		t.Stop()
		delete(fw.pending, path)
	}

	if _, isDir := fw.dirs[path]; isDir {
		fw.forgetTree(path)
		fw.emit(event.KindUnlinkDir, path)
		return
	}
	if _, isFile := fw.files[path]; isFile {
		delete(fw.files, path)
		fw.emit(event.KindUnlink, path)
	}
}

func (fw *FileWatcher) changed(path string) {
	if _, known := fw.files[path]; !known {
		// Write without a prior create: the file predates a missed event.
		fw.files[path] = struct{}{}
	}
	if fw.debounce <= 0 {
		fw.emit(event.KindChange, path)
		return
	}
	if t, ok := fw.pending[path]; ok {
		t.Reset(fw.debounce)
		return
	}
	fw.pending[path] = time.AfterFunc(fw.debounce, func() {
		select {
		case fw.flush <- path:
		case <-fw.done:
		}
	})
}

// addTree watches dir and every directory below it. When emit is set each
// directory and file found is reported as added, dir included.
func (fw *FileWatcher) addTree(dir string, emit bool) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			fw.logger.Debug("watcher: walk", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if path != fw.root && fw.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			// Watch before the walk reads the directory so nothing created
			// in between is lost.
			if err := fw.fsw.Add(path); err != nil {
				fw.logger.Warn("watcher: add watch",
					slog.String("path", path),
					slog.Any("error", err),
				)
			}
			fw.dirs[path] = struct{}{}
			if emit {
				fw.emit(event.KindAddDir, path)
			}
			return nil
		}

		if _, known := fw.files[path]; known {
			return nil
		}
		fw.files[path] = struct{}{}
		if emit {
			fw.emit(event.KindAdd, path)
		}
		return nil
	})
	if err != nil {
		fw.logger.Warn("watcher: walk tree", slog.String("path", dir), slog.Any("error", err))
	}
}

// forgetTree drops dir and everything below it from the known sets.
func (fw *FileWatcher) forgetTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for p := range fw.dirs {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(fw.dirs, p)
			// The kernel drops watches on deleted directories; this is for
			// directories that were renamed away.
			_ = fw.fsw.Remove(p)
		}
	}
	for p := range fw.files {
		if strings.HasPrefix(p, prefix) {
			delete(fw.files, p)
		}
	}
}

func (fw *FileWatcher) ignored(path string) bool {
	if fw.ignore != nil && fw.ignore.Matches(path) {
		return true
	}
	for _, ex := range fw.exclude {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	if fw.names == nil {
		return false
	}
	rel, err := filepath.Rel(fw.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		if fw.names.Matches(elem) {
			return true
		}
	}
	return false
}

// emit delivers a change, blocking only until the consumer takes it or the
// watcher stops.
func (fw *FileWatcher) emit(kind event.Kind, path string) {
	select {
	case fw.events <- event.Change{Kind: kind, Path: path}:
		fw.logger.Debug("watcher: change",
			slog.String("event", string(kind)),
			slog.String("path", path),
		)
	case <-fw.done:
	}
}
