// internal/routes/routes.go
package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"grbl-bridge/internal/config"
	"grbl-bridge/internal/flow"
	"grbl-bridge/internal/gateway"
	"grbl-bridge/internal/handler"
	"grbl-bridge/internal/link"
	"grbl-bridge/internal/middleware"
	"grbl-bridge/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config  *config.Config
	logger  *zap.Logger
	link    *link.Manager
	window  *flow.Window
	gateway *gateway.Gateway
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	lm *link.Manager,
	window *flow.Window,
	gw *gateway.Gateway,
) *Router {
	return &Router{
		config:  config,
		logger:  logger,
		link:    lm,
		window:  window,
		gateway: gw,
	}
}

// SetupRouter creates and configures the Gin router. ctx is the application
// root context handed to the bridge handler so blocked admissions abort on
// shutdown.
func (r *Router) SetupRouter(ctx context.Context) *gin.Engine {
	// Set Gin mode
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(ctx, router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(ctx context.Context, router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.link, r.window, r.gateway, r.config, r.logger)
	portsHandler := handler.NewPortsHandler(r.logger)
	bridgeHandler := handler.NewBridgeHandler(ctx, r.gateway, r.logger)

	// Health check routes
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/ports", portsHandler.ListPorts)
	}

	// The bridge endpoint; one client at a time.
	router.GET("/", bridgeHandler.HandleBridge)
	router.GET("/ws", bridgeHandler.HandleBridge)

	r.logger.Info("All routes configured successfully")
}
