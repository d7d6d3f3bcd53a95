package gocvsource

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/capture"
)

// ffmpegOptions favour low latency over smoothness for RTSP cameras
var ffmpegOptions = []string{
	"rtsp_transport;tcp",
	"stimeout;5000000",
	"rw_timeout;5000000",
	"max_delay;500000",
	"fflags;nobuffer",
	"flags;low_delay",
	"analyzeduration;500000",
	"probesize;2000000",
}

var configureOnce sync.Once

// configureFFmpeg sets the capture options the OpenCV FFmpeg backend reads from the environment
func configureFFmpeg(logger zerolog.Logger) {
	configureOnce.Do(func() {
		if os.Getenv("OPENCV_FFMPEG_CAPTURE_OPTIONS") != "" {
			return
		}
		opts := strings.Join(ffmpegOptions, "|")
		_ = os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", opts)
		logger.Info().Str("ffmpeg_options", opts).Msg("FFmpeg options configured for OpenCV")
	})
}

// Source reads frames from an RTSP stream or a file through OpenCV
type Source struct {
	cameraID string
	quality  int
	cap      *gocv.VideoCapture
	img      gocv.Mat

	mu     sync.Mutex
	closed bool
}

// Opener returns a capture.Opener producing gocv sources that encode frames at quality
func Opener(quality int, logger zerolog.Logger) capture.Opener {
	return func(ctx context.Context, cameraID, url string) (capture.Source, error) {
		configureFFmpeg(logger)
		return Open(ctx, cameraID, url, quality)
	}
}

// Open opens url with the FFmpeg backend and keeps the decoder buffer minimal
func Open(_ context.Context, cameraID, url string, quality int) (*Source, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(url, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for camera %s: %w", cameraID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture is not opened for camera %s", cameraID)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &Source{
		cameraID: cameraID,
		quality:  quality,
		cap:      vc,
		img:      gocv.NewMat(),
	}, nil
}

// Read decodes the next frame, encodes it as JPEG and measures it for tamper checks.
// OpenCV reads cannot be interrupted; ctx is only checked before the read.
func (s *Source) Read(ctx context.Context) (*models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, capture.ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ok := s.cap.Read(&s.img); !ok {
		return nil, fmt.Errorf("failed to read frame from camera %s", s.cameraID)
	}
	if s.img.Empty() {
		return nil, capture.ErrEmptyFrame
	}

	jpeg, err := encodeJPEG(s.img, s.quality)
	if err != nil {
		return nil, err
	}
	brightness, sharpness := frameStats(s.img)

	return &models.Frame{
		CameraID:   s.cameraID,
		Timestamp:  time.Now(),
		Width:      s.img.Cols(),
		Height:     s.img.Rows(),
		JPEG:       jpeg,
		Measured:   true,
		Brightness: brightness,
		Sharpness:  sharpness,
	}, nil
}

// Close releases the decoder. It is idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.img.Close()
	return s.cap.Close()
}
