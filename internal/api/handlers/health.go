package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"godown-edge-go/internal/models"
)

// StatusSource produces the consolidated node health
type StatusSource interface {
	Snapshot() models.HealthSnapshot
}

type HealthHandler struct {
	WorkerID string
	GodownID string
	Version  string
	status   StatusSource
}

func NewHealthHandler(workerID, godownID, version string, status StatusSource) *HealthHandler {
	return &HealthHandler{WorkerID: workerID, GodownID: godownID, Version: version, status: status}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	WorkerID  string `json:"worker_id"`
	GodownID  string `json:"godown_id"`
	Connected bool   `json:"connected"`
}

type WorkerInfoResponse struct {
	WorkerID     string   `json:"worker_id"`
	GodownID     string   `json:"godown_id"`
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// HealthCheck reports "degraded" while the live broker is down. The worker still
// accepts and queues events in that state so the status code stays 200.
// @Summary Health check
// @Description Liveness of the edge worker and its live broker connection
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	snap := h.status.Snapshot()
	status := "healthy"
	if !snap.Connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		WorkerID:  h.WorkerID,
		GodownID:  h.GodownID,
		Connected: snap.Connected,
	})
}

// Status returns the same snapshot the health file holds
// @Summary Node status
// @Description Per-camera frame age, online state, tamper state and outbox counts
// @Tags health
// @Produce json
// @Success 200 {object} models.HealthSnapshot
// @Router /status [get]
func (h *HealthHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Snapshot())
}

// @Summary Worker information
// @Description Worker identity, version and capabilities
// @Tags health
// @Produce json
// @Success 200 {object} WorkerInfoResponse
// @Router / [get]
func (h *HealthHandler) WorkerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, WorkerInfoResponse{
		WorkerID: h.WorkerID,
		GodownID: h.GodownID,
		Status:   "running",
		Version:  h.Version,
		Capabilities: []string{
			"zone_rules",
			"dispatch_reconciliation",
			"store_and_forward",
			"camera_watchdog",
		},
	})
}
