package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"godown-edge-go/internal/logging"
	"godown-edge-go/internal/services/camera"
)

// CameraDirectory is the camera manager surface the API uses
type CameraDirectory interface {
	Cameras() []camera.Info
	Camera(cameraID string) (camera.Info, error)
	SwapSource(cameraID, source string) error
}

type CameraHandler struct {
	cameras CameraDirectory
}

func NewCameraHandler(cameras CameraDirectory) *CameraHandler {
	return &CameraHandler{cameras: cameras}
}

// SourceRequest selects the live or recorded test source
type SourceRequest struct {
	Source string `json:"source" binding:"required,oneof=live test"`
}

type CameraListResponse struct {
	Cameras []camera.Info `json:"cameras"`
	Count   int           `json:"count"`
}

// ListCameras lists all cameras
// @Summary List all cameras
// @Description Every camera unit with its capture mode, state and attached source
// @Tags cameras
// @Produce json
// @Success 200 {object} CameraListResponse
// @Router /cameras [get]
func (h *CameraHandler) ListCameras(c *gin.Context) {
	cameras := h.cameras.Cameras()
	c.JSON(http.StatusOK, CameraListResponse{
		Cameras: cameras,
		Count:   len(cameras),
	})
}

// GetCamera gets camera details
// @Summary Get camera details
// @Description Get details of a specific camera
// @Tags cameras
// @Produce json
// @Param id path string true "Camera ID"
// @Success 200 {object} camera.Info
// @Failure 404 {object} ErrorResponse
// @Router /cameras/{id} [get]
func (h *CameraHandler) GetCamera(c *gin.Context) {
	cameraID := c.Param("id")

	info, err := h.cameras.Camera(cameraID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Camera not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// SwapSource switches a camera between its live and test feeds. Offline events are
// suppressed while the test feed is attached.
// @Summary Swap camera source
// @Description Attach the live feed or the recorded test feed of a camera
// @Tags cameras
// @Accept json
// @Produce json
// @Param id path string true "Camera ID"
// @Param request body SourceRequest true "Source to attach"
// @Success 200 {object} camera.Info
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /cameras/{id}/source [post]
func (h *CameraHandler) SwapSource(c *gin.Context) {
	cameraID := c.Param("id")

	var req SourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.Request(c).Warn().Err(err).Msg("Invalid source request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	err := h.cameras.SwapSource(cameraID, req.Source)
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Camera not found"})
		return
	case errors.Is(err, camera.ErrNoTestSource), errors.Is(err, camera.ErrUnknownSource):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		logging.Request(c).Error().Err(err).Msg("Failed to swap camera source")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	logging.Request(c).Info().Str("source", req.Source).Msg("Camera source swapped")
	info, err := h.cameras.Camera(cameraID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"message": "Source swapped"})
		return
	}
	c.JSON(http.StatusOK, info)
}
