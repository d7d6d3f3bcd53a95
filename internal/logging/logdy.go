package logging

import (
	"bytes"
	"fmt"
	"io"

	"github.com/logdyhq/logdy-core/logdy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"godown-edge-go/internal/config"
)

// logdySink tees log lines into the embedded viewer. Per-frame debug noise stays out of
// the viewer unless the node itself runs at debug level.
type logdySink struct {
	ui  logdy.Logdy
	floor zerolog.Level
}

func (s *logdySink) Write(p []byte) (int, error) {
	s.ui.LogString(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func (s *logdySink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < s.floor {
		return len(p), nil
	}
	return s.Write(p)
}

// StartLogdy serves the log viewer for on-site debugging of the godown node. The returned
// writer is meant for Setup's extra output.
func StartLogdy(cfg *config.Config) (io.Writer, error) {
	if cfg.LogdyPort <= 0 || cfg.LogdyPort > 65535 {
		return nil, fmt.Errorf("logdy: invalid port %d", cfg.LogdyPort)
	}

	floor := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl < floor {
		floor = lvl
	}

	ui := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: fmt.Sprint(cfg.LogdyPort),
	}, nil)

	log.Info().
		Str("godown_id", cfg.GodownID).
		Str("url", fmt.Sprintf("http://%s:%d", cfg.LogdyHost, cfg.LogdyPort)).
		Msg("Log viewer available")
	return &logdySink{ui: ui, floor: floor}, nil
}
