package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.WorkerInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)
	s.router.GET("/status", s.healthHandler.Status)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	cameras := s.router.Group("/cameras")
	{
		cameras.GET("", s.cameraHandler.ListCameras)
		cameras.GET("/:id", s.cameraHandler.GetCamera)
		cameras.POST("/:id/source", s.cameraHandler.SwapSource)
	}
}
