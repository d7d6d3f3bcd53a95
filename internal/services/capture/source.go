package capture

import (
	"context"
	"errors"

	"godown-edge-go/internal/models"
)

var (
	// ErrSourceClosed is returned by Read after the source has been closed
	ErrSourceClosed = errors.New("video source closed")
	// ErrEmptyFrame is returned when a source delivers a frame without data
	ErrEmptyFrame = errors.New("empty frame")
)

// Source is an opened video stream. Read blocks until the next frame is decoded.
type Source interface {
	Read(ctx context.Context) (*models.Frame, error)
	Close() error
}

// Opener opens a source for a camera URL
type Opener func(ctx context.Context, cameraID, url string) (Source, error)
