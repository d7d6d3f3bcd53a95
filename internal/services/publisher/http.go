package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/models"
)

// ErrFallbackRejected is returned for a non-2xx fallback response
var ErrFallbackRejected = errors.New("http fallback rejected event")

// HTTPFallback posts events to the backend when the broker is unavailable. It is only
// used for explicitly enabled event types and sits behind a circuit breaker so a dead
// backend does not add its timeout to every publish.
type HTTPFallback struct {
	client  *http.Client
	url     string
	token   string
	all     bool
	allowed map[models.EventType]bool
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

func NewHTTPFallback(cfg *config.Config, logger zerolog.Logger) *HTTPFallback {
	h := &HTTPFallback{
		client:  &http.Client{Timeout: cfg.HTTPFallbackTimeout},
		url:     strings.TrimRight(cfg.HTTPFallbackURL, "/") + "/" + strings.TrimLeft(cfg.HTTPFallbackPath, "/"),
		token:   cfg.HTTPFallbackToken,
		allowed: make(map[models.EventType]bool),
		log:     logger,
	}
	for _, t := range cfg.HTTPFallbackEventTypes {
		if t == "*" {
			h.all = true
			continue
		}
		h.allowed[models.EventType(strings.ToUpper(t))] = true
	}

	h.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "http-fallback",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state transition")
		},
	})
	return h
}

// Allows reports whether the event type may use the fallback
func (h *HTTPFallback) Allows(eventType models.EventType) bool {
	return h.all || h.allowed[eventType]
}

// Post delivers one serialized event with bearer auth
func (h *HTTPFallback) Post(ctx context.Context, payload []byte) error {
	_, err := h.cb.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("%w: status %d", ErrFallbackRejected, resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}
