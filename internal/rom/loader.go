// Package rom flashes a host directory of scripts into a computer's /rom
// folder and, optionally, keeps it in sync while the files change.
package rom

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"consolevm/internal/vfs"
	"consolevm/pkg/logger"
)

// Mount is the folder scripts are flashed into.
const Mount = "/rom"

const debounceDelay = 100 * time.Millisecond

// Target is the computer being flashed. Every filesystem change happens
// inside CallMain, on the host thread.
type Target interface {
	Root() *vfs.Folder
	Store() vfs.BlobStore
	Owner() string
	CallMain(ctx context.Context, fn func() error) error
}

// Loader mirrors the *.js files of a host directory into /rom.
type Loader struct {
	target Target
	dir    string
	log    zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
	flashed map[string]bool

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// NewLoader creates a loader for dir.
func NewLoader(target Target, dir string) *Loader {
	return &Loader{
		target:   target,
		dir:      dir,
		log:      logger.Component("rom").With().Str("dir", dir).Logger(),
		flashed:  make(map[string]bool),
		debounce: make(map[string]*time.Timer),
	}
}

// Load flashes every script of the directory. A missing directory flashes
// nothing. Scripts that fail are logged and skipped.
func (l *Loader) Load(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		l.log.Debug().Msg("rom directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("rom: read %s: %w", l.dir, err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !isScript(e.Name()) {
			continue
		}
		if err := l.flash(ctx, filepath.Join(l.dir, e.Name())); err != nil {
			l.log.Warn().Err(err).Str("file", e.Name()).Msg("failed to flash script")
			continue
		}
		n++
	}
	l.log.Info().Int("count", n).Msg("flashed rom")
	return nil
}

func isScript(name string) bool {
	return strings.HasSuffix(name, ".js") && vfs.ValidName(name)
}

// flash copies one host file into /rom, replacing the content of an entry
// flashed earlier.
func (l *Loader) flash(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	err = l.target.CallMain(ctx, func() error {
		owner := l.target.Owner()
		dir, err := l.target.Root().Mkdir(Mount, owner)
		if err != nil {
			return err
		}
		if b, ok := dir.Get(name); ok {
			if f, ok := b.(*vfs.StoredFile); ok {
				return f.WriteAll(ctx, data)
			}
			return &vfs.PathError{Path: Mount + "/" + name, Err: vfs.ErrNotFile}
		}
		f := vfs.NewStoredFile(owner, l.target.Store())
		if err := f.WriteAll(ctx, data); err != nil {
			return err
		}
		return dir.Put(name, f)
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.flashed[name] = true
	l.mu.Unlock()
	return nil
}

// unflash removes a script that disappeared from the host directory.
func (l *Loader) unflash(ctx context.Context, path string) error {
	name := filepath.Base(path)
	l.mu.Lock()
	known := l.flashed[name]
	delete(l.flashed, name)
	l.mu.Unlock()
	if !known {
		return nil
	}
	return l.target.CallMain(ctx, func() error {
		b, ok := l.target.Root().Get(strings.TrimPrefix(Mount, "/"))
		if !ok {
			return nil
		}
		dir, ok := b.(*vfs.Folder)
		if !ok {
			return nil
		}
		err := dir.Remove(ctx, name, false)
		if errors.Is(err, vfs.ErrNotFound) {
			return nil
		}
		return err
	})
}

// Files returns the names currently flashed, sorted.
func (l *Loader) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.flashed))
	for name := range l.flashed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Watch starts following changes to the directory.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("rom: loader is closed")
	}
	if l.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rom: create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("rom: watch %s: %w", l.dir, err)
	}
	l.watcher = watcher
	go l.watchLoop(watcher)

	l.log.Info().Msg("watching rom directory")
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !isScript(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				l.debouncedFlash(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				l.cancelFlash(event.Name)
				if err := l.unflash(context.Background(), event.Name); err != nil {
					l.log.Warn().Err(err).Str("path", event.Name).Msg("failed to remove script")
				} else {
					l.log.Info().Str("path", event.Name).Msg("removed script")
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// debouncedFlash re-flashes path once writes to it have settled.
func (l *Loader) debouncedFlash(path string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	if timer, ok := l.debounce[path]; ok {
		timer.Stop()
	}
	l.debounce[path] = time.AfterFunc(debounceDelay, func() {
		l.debounceMu.Lock()
		delete(l.debounce, path)
		l.debounceMu.Unlock()

		if err := l.flash(context.Background(), path); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("failed to reflash script")
			return
		}
		l.log.Info().Str("path", path).Msg("reflashed script")
	})
}

func (l *Loader) cancelFlash(path string) {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()
	if timer, ok := l.debounce[path]; ok {
		timer.Stop()
		delete(l.debounce, path)
	}
}

// Close stops watching. Flashed scripts stay in /rom.
func (l *Loader) Close() error {
	l.mu.Lock()
	l.closed = true
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	l.debounceMu.Lock()
	for path, timer := range l.debounce {
		timer.Stop()
		delete(l.debounce, path)
	}
	l.debounceMu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}
