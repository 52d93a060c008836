package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"peermatch/internal/api"
	"peermatch/internal/auth"
	"peermatch/internal/config"
	"peermatch/internal/database"
	"peermatch/internal/gateway"
	"peermatch/internal/matcher"
	"peermatch/internal/pool"
	"peermatch/internal/requestlog"
	"peermatch/internal/supervisor"
	"peermatch/internal/websocket"
	"peermatch/internal/workspace"
	pkgdatabase "peermatch/pkg/database"
	"peermatch/pkg/interfaces"
)

// WebSocketPath is where clients open their event channel
const WebSocketPath = "/ws"

// Application coordinates all system components
// Component initialization follows strict dependency order:
// RequestLog → Pool → Matcher → Allocator → Gateway → Supervisor → Verifier → WebSocket → API → HTTP
type Application struct {
	config     *config.Config
	requestLog interfaces.RequestLog
	matcher    *matcher.Matcher
	gateway    *gateway.Gateway
	supervisor *supervisor.Supervisor
	verifier   *auth.Verifier
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication builds every component but starts nothing
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Request log (foundation layer)
	requestLog, err := openRequestLog(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request log: %w", err)
	}

	app, err := assemble(cfg, requestLog)
	if err != nil {
		_ = requestLog.Close()
		return nil, err
	}
	return app, nil
}

func openRequestLog(cfg *config.Config) (interfaces.RequestLog, error) {
	switch cfg.RequestLog.Backend {
	case config.BackendDynamoDB:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return requestlog.NewFromConfig(ctx, cfg.RequestLog.Table, cfg.RequestLog.Region, cfg.RequestLog.Endpoint)
	default:
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Database.Path
		dbConfig.MaxConnections = cfg.Database.MaxConnections
		dbConfig.WriteTimeout = cfg.Database.WriteTimeout
		dbConfig.MigrationsPath = cfg.Database.MigrationsPath
		return database.NewManager(dbConfig)
	}
}

func assemble(cfg *config.Config, requestLog interfaces.RequestLog) (*Application, error) {
	// STEP 2: Waiting pool and matcher
	m, err := matcher.NewMatcher(pool.NewPool(cfg.Matching.LockTimeout), requestLog, matcher.Config{
		MatchTimeout:    cfg.Matching.MatchTimeout,
		LogWriteTimeout: cfg.Matching.LogWriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize matcher: %w", err)
	}

	// STEP 3: Workspace handoff
	var allocator interfaces.WorkspaceAllocator
	if cfg.Workspace.URL != "" {
		allocator, err = workspace.NewHTTPAllocator(cfg.Workspace.URL, cfg.Workspace.APIKey, cfg.Workspace.HandoffTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize workspace allocator: %w", err)
		}
	} else {
		log.Warn("No workspace URL configured, generating local room tokens")
		allocator = workspace.NewLocalAllocator(cfg.Workspace.TokenPrefix)
	}

	// STEP 4: Session gateway
	gw, err := gateway.NewGateway(m, allocator, gateway.Config{
		HandoffTimeout: cfg.Workspace.HandoffTimeout,
		StartLimit:     cfg.Matching.StartLimit,
		StartWindow:    cfg.Matching.StartWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// STEP 5: Timeout supervisor reports expiries through the gateway
	sup, err := supervisor.NewSupervisor(m, gw, cfg.Matching.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize supervisor: %w", err)
	}

	// STEP 6: Identity verification and websocket transport
	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verifier: %w", err)
	}
	wsHandler, err := websocket.NewHandler(verifier, gw, websocket.Config{
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize websocket handler: %w", err)
	}

	// STEP 7: HTTP API with the websocket endpoint on the same router
	apiServer := api.NewServer(requestLog, verifier, gw, m.Pool(), m, cfg.HTTP.AllowedOrigins)
	apiServer.MountWebSocket(WebSocketPath, http.HandlerFunc(wsHandler.HandleWebSocket))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		requestLog: requestLog,
		matcher:    m,
		gateway:    gw,
		supervisor: sup,
		verifier:   verifier,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start binds the listener, starts the supervisor and serves in the background
// FUNCTIONAL DISCOVERY: binding synchronously surfaces port conflicts to the caller
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	if err := app.supervisor.Start(ctx); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	log.WithFields(log.Fields{
		"addr":        listener.Addr().String(),
		"request_log": app.config.RequestLog.Backend,
	}).Info("peermatch started")
	return nil
}

// Stop shuts down in reverse dependency order:
// HTTP → Supervisor → Connections → RequestLog
func (app *Application) Stop(ctx context.Context) error {
	log.Info("Shutting down peermatch")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}

	// STEP 2: No more expiries once the sweeper is gone
	if err := app.supervisor.Stop(); err != nil && !errors.Is(err, supervisor.ErrSupervisorNotRunning) {
		log.WithError(err).Warn("Supervisor shutdown error")
	}

	// STEP 3: Close live sockets; each read pump cancels its pending request
	app.gateway.Registry().CloseAll()
	if err := app.wsHandler.Wait(ctx); err != nil {
		log.WithError(err).Warn("Timed out waiting for connections to drain")
	}

	// STEP 4: Close the request log last so cancellations are recorded
	if err := app.requestLog.Close(); err != nil {
		log.WithError(err).Warn("Request log shutdown error")
		return err
	}

	log.Info("peermatch shutdown complete")
	return nil
}

// GetAddr returns the bound address once started, the configured one before
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Verifier exposes the token verifier; also used to mint tokens in tests
func (app *Application) Verifier() *auth.Verifier {
	return app.verifier
}

// Matcher exposes the matcher for inspection
func (app *Application) Matcher() *matcher.Matcher {
	return app.matcher
}
