package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/irfnriza/flowin-swm-server/internal/models"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeviceHandler handles device registry requests
type DeviceHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewDeviceHandler creates a new DeviceHandler instance
func NewDeviceHandler(svc service.Service, log *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: svc,
		log:     log,
	}
}

// VerifyDevice reports whether a device id is registered. The query string
// is checked first; a POST body {"device_id": "..."} is read only when the
// query has none.
func (h *DeviceHandler) VerifyDevice(c *gin.Context) {
	deviceID := c.Query("device_id")

	if deviceID == "" && c.Request.Method == http.MethodPost {
		var body struct {
			DeviceID string `json:"device_id"`
		}
		if raw, err := c.GetRawData(); err == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err == nil && body.DeviceID != "" {
				deviceID = body.DeviceID
			}
		}
	}

	device, err := h.service.LookupDevice(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "verified",
		"device_id":   device.ID,
		"device_info": device,
	})
}

// ListDevices returns the registry keyed by device id
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.service.ListDevices(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	registry := make(map[string]*models.Device, len(devices))
	for _, d := range devices {
		registry[d.ID] = d
	}
	c.JSON(http.StatusOK, registry)
}

// RegisterDevice creates or replaces a registry entry
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req service.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.WithError(err).Warn("Invalid device format")
		respondError(c, h.log, service.NewValidationError("invalid device format"))
		return
	}

	device, err := h.service.RegisterDevice(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "registered",
		"device_id":   device.ID,
		"device_info": device,
	})
}

// RemoveDevice deletes a registry entry
func (h *DeviceHandler) RemoveDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.RemoveDevice(c.Request.Context(), id); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "removed",
		"device_id": id,
	})
}
