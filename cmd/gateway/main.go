// cmd/gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	_ "device-gateway/docs"
	"device-gateway/internal/config"
	"device-gateway/internal/database"
	"device-gateway/internal/handler"
	"device-gateway/internal/repository"
	"device-gateway/internal/routes"
	"device-gateway/internal/service"
	"device-gateway/internal/transport"
	"device-gateway/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB

	messageRepo repository.MessageRepository
	link        transport.Transport
	eventBus    *handler.EventBus
	gateway     *service.GatewayService
	websocket   *handler.WebSocketHandler

	cancel context.CancelFunc
}

// @title Device Gateway API
// @version 1.0.0
// @description Gateway between HTTP/WebSocket clients and one framed binary device link

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8084
// @BasePath /
func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file")
	listPorts := pflag.Bool("list-ports", false, "print available serial ports and USB devices, then exit")
	migrateOnly := pflag.Bool("migrate", false, "apply database migrations and exit")
	pflag.Parse()

	if *listPorts {
		if err := printPorts(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if *migrateOnly {
		code := 0
		if err := app.migrate(); err != nil {
			utils.LogError(app.logger, "Migration failed", err)
			code = 1
		}
		app.shutdown()
		os.Exit(code)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, cfg.App.Name)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeGateway(); err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	app.initializeServer()

	return app, nil
}

// initializeStorage picks the Postgres message log or the in-memory one
func (app *Application) initializeStorage() error {
	if !app.config.Database.Enabled {
		app.messageRepo = repository.NewMemoryRepository(0)
		app.logger.Info("Database disabled, keeping message log in memory")
		return nil
	}

	db, err := database.NewConnection(app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	if app.config.Database.AutoMigrate {
		if err := app.migrate(); err != nil {
			return err
		}
	}

	app.messageRepo = repository.NewMessageRepository(db, app.logger)
	app.logger.Info("Database initialized successfully")
	return nil
}

func (app *Application) migrate() error {
	if app.database == nil {
		return errors.New("database is disabled")
	}
	migrator := database.NewMigrator(app.database, app.logger)
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	return nil
}

// initializeGateway builds the device link, the gateway service and the event fan-out
func (app *Application) initializeGateway() error {
	link, err := transport.New(app.config.Transport, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	app.link = link

	app.eventBus = handler.NewEventBus(app.logger)

	gateway, err := service.NewGatewayService(link, app.messageRepo, app.eventBus, app.config, app.logger)
	if err != nil {
		return err
	}
	app.gateway = gateway

	app.websocket = handler.NewWebSocketHandler(gateway, app.eventBus, app.config.Server.AllowedOrigins, app.logger)

	app.logger.Info("Gateway initialized",
		zap.String("transport", string(link.Kind())),
		zap.String("endpoint", link.Endpoint()),
		zap.String("registration_policy", app.config.Session.RegistrationPolicy),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.gateway,
		app.websocket,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
}

// Start runs the gateway and the HTTP server until a shutdown signal arrives
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	go app.eventBus.Start(ctx)
	go app.websocket.Run(ctx)
	app.gateway.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(app.config.Server.TLS.CertFile, app.config.Server.TLS.KeyFile)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		app.logger.Error("HTTP server failed", zap.Error(runErr))
	}

	app.shutdown()
	return runErr
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, app.config.App.Name)
	serviceLogger.LogServiceStop("shutdown requested")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
		cancel()
	}

	if app.gateway != nil {
		app.gateway.Stop()
	}
	if app.cancel != nil {
		app.cancel()
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Fprintf(os.Stderr, "Logger close error: %v\n", err)
	}
}

func printPorts() error {
	ports, err := transport.ListSerialPorts()
	if err != nil {
		return err
	}
	out := map[string]any{"serial": ports}

	// libusb may be missing; serial ports are still useful on their own
	if devices, err := transport.ListUSBDevices(); err != nil {
		fmt.Fprintf(os.Stderr, "USB enumeration unavailable: %v\n", err)
	} else {
		out["usb"] = devices
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
