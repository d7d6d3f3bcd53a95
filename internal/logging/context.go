package logging

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Keys the API middleware stores on the gin context
const (
	CtxRequestID = "request_id"
	CtxStartTime = "start_time"
	ctxLogger    = "logger"
)

// BindRequest puts a request-scoped logger on the request context. On camera routes
// the camera id is attached too.
func BindRequest(c *gin.Context, base zerolog.Logger, requestID string) {
	lc := base.With().Str("request_id", requestID)
	if cameraID := c.Param("id"); cameraID != "" {
		lc = lc.Str("camera_id", cameraID)
	}
	logger := lc.Logger()

	c.Set(CtxRequestID, requestID)
	c.Set(ctxLogger, &logger)
	c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
}

// Request returns the logger bound to the request, or the global logger outside the API
func Request(c *gin.Context) *zerolog.Logger {
	if c == nil {
		return &log.Logger
	}
	if v, ok := c.Get(ctxLogger); ok {
		if l, ok := v.(*zerolog.Logger); ok {
			return l
		}
	}
	return &log.Logger
}
