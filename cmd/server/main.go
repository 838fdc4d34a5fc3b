// Claude Relay - browser front-end for AI coding CLI sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/claude-relay/internal/api"
	"github.com/ashureev/claude-relay/internal/config"
	"github.com/ashureev/claude-relay/internal/gateway"
	"github.com/ashureev/claude-relay/internal/identity"
	"github.com/ashureev/claude-relay/internal/logging"
	"github.com/ashureev/claude-relay/internal/middleware"
	"github.com/ashureev/claude-relay/internal/store"
	"github.com/ashureev/claude-relay/internal/supervisor"
	"github.com/ashureev/claude-relay/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const (
	recorderQueueSize    = 1024
	recorderDrainTimeout = 5 * time.Second
	retentionInterval    = time.Hour
)

func main() {
	// LOG_LEVEL and LOG_FORMAT may come from .env, so load it first.
	envErr := godotenv.Load()
	logger := logging.Setup()
	if envErr != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"container", config.IsContainer(),
		"workspace_root", cfg.WorkspaceRoot,
		"auth_mode", cfg.Auth.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	recorder := store.NewRecorder(repo, recorderQueueSize, logger.With("component", "recorder"))
	store.StartRetentionWorker(ctx, repo, retentionInterval, cfg.ActivityRetention)

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(supervisor.Options{
		CLIPath:           cfg.CLI.Path,
		MaxSessions:       cfg.MaxSessions,
		CompletionTimeout: cfg.CompletionTimeout,
		KillGrace:         cfg.KillGrace,
		Defaults:          launchDefaults(cfg),
		Recorder:          recorder,
		History:           repo,
		Logger:            logger.With("component", "supervisor"),
	})

	hub := gateway.NewHub()
	wsHandler := gateway.NewHandler(sup, verifier, hub, gateway.Options{
		AllowedOrigins: cfg.Origins(),
		IsDev:          cfg.IsDevelopment(),
		RateLimit:      cfg.RateLimitRequests,
		RateWindow:     cfg.RateLimitWindow,
	})
	go wsHandler.Run(ctx)
	gateway.StartSweeper(ctx, hub, cfg.SweepInterval, cfg.StaleConnectionTimeout)

	apiHandler := api.NewHandler(repo, sup, cfg.WorkspaceRoot, api.ClientConfig{
		AuthMode:          cfg.Auth.Mode,
		DefaultModel:      cfg.CLI.Model,
		PermissionMode:    cfg.CLI.PermissionMode,
		MaxSessions:       cfg.MaxSessions,
		CompletionTimeout: int64(cfg.CompletionTimeout.Seconds()),
	})

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.Origins()))

	// Public routes.
	r.Get("/health", apiHandler.Health)

	// WebSocket endpoint; it verifies the token itself.
	r.Get("/ws", wsHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(verifier))
		apiHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // WebSocket streams are long-lived
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	wsHandler.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("Supervisor shutdown incomplete", "error", err)
	}

	if err := recorder.Close(recorderDrainTimeout); err != nil {
		slog.Error("Recorder did not drain", "error", err)
	}

	if err := repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// newVerifier selects the token verifier for AUTH_MODE.
func newVerifier(ctx context.Context, cfg *config.Config) (identity.Verifier, error) {
	if cfg.Auth.Mode == config.AuthModeDev {
		slog.Warn("AUTH_MODE=dev: every token is trusted as a user id")
		return identity.DevVerifier{}, nil
	}
	if cfg.Auth.JWKSURL != "" {
		slog.Info("Verifying tokens against JWKS", "url", cfg.Auth.JWKSURL)
		return identity.NewJWKSVerifier(ctx, cfg.Auth.JWKSURL, cfg.Auth.Audience, cfg.Auth.Issuer)
	}
	return identity.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.Issuer)
}

func launchDefaults(cfg *config.Config) supervisor.LaunchConfig {
	return supervisor.LaunchConfig{
		WorkingDir:      cfg.WorkspaceRoot,
		Model:           cfg.CLI.Model,
		AllowedTools:    cfg.CLI.AllowedTools,
		DisallowedTools: cfg.CLI.DisallowedTools,
		PermissionMode:  cfg.CLI.PermissionMode,
		Auth: supervisor.AuthConfig{
			Type:      supervisor.AuthType(cfg.CLI.AuthType),
			APIKey:    cfg.CLI.APIKey,
			Region:    cfg.CLI.AWSRegion,
			ProjectID: cfg.CLI.VertexProjectID,
		},
	}
}
