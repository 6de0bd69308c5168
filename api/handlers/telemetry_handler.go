package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/irfnriza/flowin-swm-server/internal/metrics"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MaxBodyBytes caps an ingestion request body
const MaxBodyBytes = 10 << 20

// TelemetryHandler handles ingestion and query requests
type TelemetryHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewTelemetryHandler creates a new TelemetryHandler instance
func NewTelemetryHandler(svc service.Service, log *logrus.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		service: svc,
		log:     log,
	}
}

// ReceiveData ingests one batch
func (h *TelemetryHandler) ReceiveData(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, h.log, service.NewValidationError("request body unreadable or too large"))
		return
	}

	batch, err := service.ParseBatch(body, c.Query("device_id"))
	if err != nil {
		h.log.WithError(err).WithField("client_ip", c.ClientIP()).Debug("Rejected telemetry body")
		respondError(c, h.log, err)
		return
	}
	batch.Source = metrics.SourceHTTP

	result, err := h.service.IngestBatch(c.Request.Context(), batch)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   fmt.Sprintf("Received %d data points", result.Count),
		"device_id": result.DeviceID,
		"batch_id":  result.BatchID,
		"count":     result.Count,
	})
}

// Latest returns the last stored record, optionally for one device
func (h *TelemetryHandler) Latest(c *gin.Context) {
	rec, err := h.service.LatestRecord(c.Request.Context(), c.Query("device_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Records returns the newest records in insertion order
func (h *TelemetryHandler) Records(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, h.log, service.NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	deviceID := c.Query("device_id")
	records, err := h.service.RecentRecords(c.Request.Context(), deviceID, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"count":     len(records),
		"records":   records,
	})
}

// Stats returns store totals for the dashboard
func (h *TelemetryHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Query("device_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ClearData empties the telemetry store
func (h *TelemetryHandler) ClearData(c *gin.Context) {
	if err := h.service.ClearRecords(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "All data cleared",
	})
}
