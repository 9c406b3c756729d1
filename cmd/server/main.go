// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"grbl-bridge/internal/bridge"
	"grbl-bridge/internal/config"
	"grbl-bridge/internal/flow"
	"grbl-bridge/internal/framer"
	"grbl-bridge/internal/gateway"
	"grbl-bridge/internal/link"
	"grbl-bridge/internal/routes"
	"grbl-bridge/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	link         *link.Manager
	window       *flow.Window
	gateway      *gateway.Gateway
	orchestrator *bridge.Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Positional arguments override the config file
	if err := applyArgs(cfg, os.Args[1:]); err != nil {
		usage()
		return nil, err
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version)

	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	app.initializeBridge()

	if err := app.initializeServer(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeBridge wires the link, flow window, gateway and orchestrator
func (app *Application) initializeBridge() {
	app.link = link.NewManager(&link.Config{
		Port:        app.config.Serial.Port,
		BaudRate:    app.config.Serial.BaudRate,
		ReadTimeout: app.config.Serial.ReadTimeout,
	}, app.logger)

	app.window = flow.NewWindow(
		app.config.WindowCapacity(),
		app.config.Flow.MaxInflight,
		app.logger,
	)

	app.gateway = gateway.NewGateway(
		app.window,
		app.link,
		app.config.WebSocket.PingInterval,
		app.logger,
	)

	app.orchestrator = bridge.NewOrchestrator(
		app.link,
		app.window,
		framer.New(),
		app.gateway,
		&bridge.Config{
			RetryInterval: app.config.Serial.RetryInterval,
			IdlePoll:      app.config.Serial.IdlePoll,
		},
		app.logger,
	)

	app.logger.Info("Bridge initialized",
		zap.String("serial_port", app.config.Serial.Port),
		zap.Int("baud_rate", app.config.Serial.BaudRate),
		zap.Int("window_capacity", app.config.WindowCapacity()),
		zap.Int("max_inflight", app.config.Flow.MaxInflight),
	)
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.link,
		app.window,
		app.gateway,
	)

	router := routerManager.SetupRouter(app.ctx)

	app.server = &http.Server{
		Addr:        app.config.GetServerAddr(),
		Handler:     router,
		IdleTimeout: app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)

	return nil
}

// Start runs the server and bridge loops until a shutdown signal arrives
func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	go app.orchestrator.Run(app.ctx)

	app.logger.Info("Bridge ready",
		zap.String("url", fmt.Sprintf("ws://%s:%s", utils.LocalIP(), app.config.Server.Port)),
	)

	app.waitForShutdown()
	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown closes the client session and the device connection before
// stopping the HTTP server
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop("shutdown signal received")

	// Stop the bridge loops and unblock any admission wait
	app.cancel()

	app.gateway.Shutdown()
	app.link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// applyArgs maps the two positional arguments onto the configuration:
// a device identifier and a WebSocket port. With no arguments the config
// file must name the serial port.
func applyArgs(cfg *config.Config, args []string) error {
	switch len(args) {
	case 0:
		if cfg.Serial.Port == "" {
			return fmt.Errorf("no serial port configured")
		}
		return nil
	case 2:
		cfg.Serial.Port = normalizeDevicePath(args[0])

		port, err := strconv.Atoi(args[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid WebSocket port %q", args[1])
		}
		cfg.Server.Port = args[1]
		return nil
	default:
		return fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
}

// normalizeDevicePath resolves a user-supplied device identifier to a
// platform device path: a bare number becomes COMn on Windows, and a bare
// name gets the /dev/tty prefix elsewhere.
func normalizeDevicePath(arg string) string {
	if runtime.GOOS == "windows" {
		if _, err := strconv.Atoi(arg); err == nil {
			return "COM" + arg
		}
		return arg
	}

	if strings.HasPrefix(arg, "/dev/") || strings.HasPrefix(arg, "COM") {
		return arg
	}
	return "/dev/tty" + arg
}

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  Windows:   grbl-bridge <COM port number> <WebSocket port>")
	fmt.Println("  Example:   grbl-bridge 3 8765 (for COM3)")
	fmt.Println("  Linux/Mac: grbl-bridge <serial device path> <WebSocket port>")
	fmt.Println("  Example:   grbl-bridge /dev/ttyUSB0 8765")
}
