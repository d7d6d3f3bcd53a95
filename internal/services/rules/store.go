package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/helpers"
)

// Store holds the current rules snapshot and swaps it when the rules file changes
type Store struct {
	path     string
	interval time.Duration
	log      zerolog.Logger

	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	modTime   time.Time
	listeners []func(*Snapshot)
}

// NewStore creates a store for the rules file at path
func NewStore(path string, interval time.Duration, logger zerolog.Logger) *Store {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Store{
		path:     path,
		interval: interval,
		log:      logger,
	}
}

// Load reads the rules file; a failure here is a startup error
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mod, _, err := helpers.FileChanged(s.path, time.Time{})
	if err != nil {
		return err
	}
	snap, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.modTime = mod
	s.current.Store(snap)

	s.log.Info().
		Str("path", s.path).
		Int("cameras", len(snap.Cameras)).
		Int("rules", len(snap.Rules)).
		Msg("Rules loaded")
	return nil
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Replace publishes a snapshot and notifies listeners
func (s *Store) Replace(snap *Snapshot) {
	s.current.Store(snap)

	s.mu.Lock()
	listeners := append([]func(*Snapshot){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// OnChange registers a callback invoked after every successful reload
func (s *Store) OnChange(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ReloadIfChanged reparses the file when its mtime moved. A bad file keeps the previous snapshot.
func (s *Store) ReloadIfChanged() (bool, error) {
	s.mu.Lock()
	mod, changed, err := helpers.FileChanged(s.path, s.modTime)
	if err != nil || !changed {
		s.mu.Unlock()
		return false, err
	}
	snap, err := LoadFile(s.path)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.modTime = mod
	s.mu.Unlock()

	s.Replace(snap)
	s.log.Info().
		Int("cameras", len(snap.Cameras)).
		Int("rules", len(snap.Rules)).
		Msg("Rules reloaded")
	return true, nil
}

// Serve watches the rules file until ctx is cancelled
func (s *Store) Serve(ctx context.Context) error {
	helpers.WatchFile(ctx, s.path, s.interval, s.log, func() {
		if _, err := s.ReloadIfChanged(); err != nil {
			s.log.Error().Err(err).Str("path", s.path).Msg("Rules reload failed, keeping previous rules")
		}
	})
	return ctx.Err()
}

func (s *Store) String() string { return "rules-watcher" }
