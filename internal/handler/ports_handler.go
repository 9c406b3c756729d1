// internal/handler/ports_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"grbl-bridge/internal/utils"
)

// PortsHandler lists serial devices visible to the host, so an operator can
// find the right device path without leaving the browser.
type PortsHandler struct {
	logger *utils.ServiceLogger
}

// NewPortsHandler creates a new ports handler
func NewPortsHandler(logger *zap.Logger) *PortsHandler {
	return &PortsHandler{
		logger: utils.NewServiceLogger(logger, "ports-handler"),
	}
}

// ListPorts returns the serial port names available on this host
func (h *PortsHandler) ListPorts(c *gin.Context) {
	ports, err := serial.GetPortsList()
	if err != nil {
		h.logger.Error("Failed to enumerate serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to enumerate serial ports", err)
		return
	}

	if ports == nil {
		ports = []string{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial ports listed", gin.H{
		"ports": ports,
	})
}
