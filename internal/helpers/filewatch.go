package helpers

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileChanged compares the file's modification time with last and returns the new one.
// A missing file reports no change.
func FileChanged(path string, last time.Time) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return last, false, nil
		}
		return last, false, err
	}
	mod := info.ModTime()
	return mod, !mod.Equal(last), nil
}

// WatchFile calls reload whenever path may have changed until ctx is done.
// fsnotify events on the parent directory trigger an early check; a ticker polls
// every interval so a failed or missing watcher never stops reloads. reload must be
// cheap when nothing changed since both paths call it.
func WatchFile(ctx context.Context, path string, interval time.Duration, logger zerolog.Logger, reload func()) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("fsnotify unavailable, polling only")
	} else {
		defer watcher.Close()
		// Watch the directory so editors that replace the file are still seen
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory, polling only")
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn().Err(err).Str("path", path).Msg("File watcher error")
		}
	}
}
