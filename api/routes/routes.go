package routes

import (
	"github.com/irfnriza/flowin-swm-server/api/handlers"
	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(r *gin.Engine, svc service.Service, collector *metrics.Collector, log *logrus.Logger) {
	statusHandler := handlers.NewStatusHandler(collector)
	r.GET("/", statusHandler.Home)
	r.GET("/health", statusHandler.Health)
	r.GET("/metrics", statusHandler.Metrics)

	deviceHandler := handlers.NewDeviceHandler(svc, log)
	r.GET("/verify", deviceHandler.VerifyDevice)
	r.POST("/verify", deviceHandler.VerifyDevice)
	devices := r.Group("/devices")
	{
		devices.GET("", deviceHandler.ListDevices)
		devices.POST("", deviceHandler.RegisterDevice)
		devices.DELETE("/:id", deviceHandler.RemoveDevice)
	}

	telemetryHandler := handlers.NewTelemetryHandler(svc, log)
	r.POST("/data", telemetryHandler.ReceiveData)
	r.DELETE("/data", telemetryHandler.ClearData)
	r.GET("/latest", telemetryHandler.Latest)
	r.GET("/records", telemetryHandler.Records)
	r.GET("/stats", telemetryHandler.Stats)
}
