package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Store holds the daemon's live config snapshot and reloads it when the
// file changes. Get hands out copies, so callers can freeze a snapshot at
// attach time and keep it for the session's lifetime.
type Store struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	cfg Config

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads path once. A missing file is fine: defaults apply until
// the file shows up and triggers a reload.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	cfg, err := Load(path, log)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, log: log, cfg: cfg, done: make(chan struct{})}, nil
}

// Get returns the current snapshot.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch starts the hot-reload loop. The containing directory is watched
// rather than the file itself because editors typically replace the file,
// which drops an inode-level watch.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				s.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("config watcher error")
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *Store) reload() {
	cfg, err := Load(s.path, s.log)
	if err != nil {
		// A half-written or broken file must not take down the running
		// snapshot; keep serving the previous one.
		s.log.Warn().Err(err).Str("path", s.path).Msg("config reload failed, keeping previous")
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info().Str("path", s.path).Msg("config reloaded; applies to new attaches")
}

// Close stops the watcher.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}
