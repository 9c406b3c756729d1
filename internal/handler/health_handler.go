// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"grbl-bridge/internal/config"
	"grbl-bridge/internal/flow"
	"grbl-bridge/internal/gateway"
	"grbl-bridge/internal/link"
	"grbl-bridge/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	link      *link.Manager
	window    *flow.Window
	gateway   *gateway.Gateway
	config    *config.Config
	logger    *utils.ServiceLogger
	startTime time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(lm *link.Manager, window *flow.Window, gw *gateway.Gateway, cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		link:      lm,
		window:    window,
		gateway:   gw,
		config:    cfg,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startTime: time.Now(),
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// HealthCheck reports the serial link, flow window and session state. A
// down link is degraded rather than unhealthy: the watchdog keeps retrying
// and the service itself is fine.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	linkState := h.link.State()
	linkCheck := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"state": linkState.String(),
			"port":  h.config.Serial.Port,
		},
	}
	if linkState != link.StateOpen {
		health.Status = "degraded"
		linkCheck.Status = "degraded"
		linkCheck.Message = "Serial port not connected"
	}
	stats := h.link.Stats()
	linkCheck.Data["bytes_read"] = stats.BytesRead
	linkCheck.Data["bytes_written"] = stats.BytesWritten
	linkCheck.Data["error_count"] = stats.ErrorCount
	linkCheck.Data["open_count"] = stats.OpenCount
	health.Checks["serial_link"] = linkCheck

	health.Checks["flow_window"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"pending_bytes": h.window.PendingBytes(),
			"in_flight":     h.window.InFlight(),
			"capacity":      h.window.Capacity(),
		},
	}

	sessionCheck := CheckResult{
		Status: "healthy",
		Data:   map[string]interface{}{"active": false},
	}
	if session := h.gateway.ActiveSession(); session != nil {
		sessionCheck.Data["active"] = true
		sessionCheck.Data["session_id"] = session.ID
		sessionCheck.Data["remote_addr"] = session.RemoteAddr
		sessionCheck.Data["connected_at"] = session.ConnectedAt
	}
	health.Checks["session"] = sessionCheck

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck reports whether the service accepts traffic. The bridge is
// ready even without a device: commands sent meanwhile get the structured
// not-connected error.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck reports whether the service is alive
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}
