package handlers

import (
	"net/http"

	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// StatusCode maps a service error kind to an HTTP status
func StatusCode(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as an ErrorResponse. Storage failures are logged
// with their cause, which is never sent to the client.
func respondError(c *gin.Context, log *logrus.Logger, err error) {
	kind := service.KindOf(err)
	status := StatusCode(kind)

	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	}
	_ = c.Error(err)

	c.JSON(status, ErrorResponse{
		Status:  "error",
		Message: service.MessageOf(err),
		Code:    string(kind),
	})
}
