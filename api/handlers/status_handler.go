package handlers

import (
	"net/http"
	"runtime"

	"github.com/irfnriza/flowin-swm-server/internal/metrics"

	"github.com/gin-gonic/gin"
)

// ServiceName is reported by the banner and health endpoints
const ServiceName = "Smart Water Meter API"

// APIVersion is the version of the HTTP surface
const APIVersion = "1.0"

// StatusHandler serves the banner, health and metrics endpoints
type StatusHandler struct {
	collector *metrics.Collector
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(collector *metrics.Collector) *StatusHandler {
	return &StatusHandler{collector: collector}
}

// Home returns the service banner with the list of endpoints
func (h *StatusHandler) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": ServiceName,
		"version": APIVersion,
		"endpoints": gin.H{
			"verify":  "GET|POST /verify?device_id=<id>",
			"data":    "POST /data (body: {device_id, data: [...]}), DELETE /data",
			"devices": "GET|POST /devices, DELETE /devices/<id>",
			"latest":  "GET /latest?device_id=<id>",
			"records": "GET /records?device_id=<id>&limit=<n>",
			"stats":   "GET /stats?device_id=<id>",
		},
	})
}

// Health reports whether the server error rate is acceptable
func (h *StatusHandler) Health(c *gin.Context) {
	health := h.collector.GetHealthStatus()
	health["service"] = ServiceName

	statusCode := http.StatusOK
	if !h.collector.Healthy() {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// Metrics returns the collected metrics with runtime information
func (h *StatusHandler) Metrics(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	h.collector.SetGauge(metrics.GaugeSystemMemory, float64(memStats.Alloc))

	data := h.collector.GetMetrics()
	data["runtime"] = gin.H{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc_bytes":       memStats.Alloc,
			"total_alloc_bytes": memStats.TotalAlloc,
			"sys_bytes":         memStats.Sys,
			"heap_objects":      memStats.HeapObjects,
			"gc_cycles":         memStats.NumGC,
		},
	}
	c.JSON(http.StatusOK, data)
}
