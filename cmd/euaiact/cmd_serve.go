package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/euaiact-search/internal/agent"
	"github.com/ashureev/euaiact-search/internal/api"
	"github.com/ashureev/euaiact-search/internal/config"
	"github.com/ashureev/euaiact-search/internal/identity"
	"github.com/ashureev/euaiact-search/internal/kibana"
	"github.com/ashureev/euaiact-search/internal/middleware"
	"github.com/ashureev/euaiact-search/internal/search"
	"github.com/ashureev/euaiact-search/internal/vision"
	"github.com/ashureev/euaiact-search/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay for the agent, search and vision upstreams",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := setupJSONLogging(os.Stdout, cfg.LogLevel)

	features := api.Features{
		VisionEnabled: cfg.Vision.VisionEnabled(),
		SearchEnabled: cfg.Elastic.SearchEnabled(),
		AgentEnabled:  cfg.Elastic.AgentEnabled(),
	}
	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"agent_enabled", features.AgentEnabled,
		"search_enabled", features.SearchEnabled,
		"vision_enabled", features.VisionEnabled,
	)

	// An unresolved Kibana URL leaves the client unconfigured; the relay then
	// answers 503 instead of refusing to start.
	kibanaURL, err := cfg.Elastic.KibanaBaseURL()
	if err != nil {
		slog.Warn("Agent relay disabled", "error", err)
	}
	kb := kibana.NewClient(kibana.Config{
		BaseURL:     kibanaURL,
		APIKey:      cfg.Elastic.APIKey,
		AgentID:     cfg.Agent.ID,
		ConnectorID: cfg.Agent.ConnectorID,
		Timeout:     cfg.UpstreamTimeout,
	})

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	agentHandler := agent.NewHandler(
		agent.NewService(kb, cfg.FollowUps.MaxResponseChars, logger),
		conversationLogger,
		cfg,
	)
	defer agentHandler.Close()

	searchClient := search.NewClient(search.Config{
		URL:        cfg.Elastic.URL,
		APIKey:     cfg.Elastic.APIKey,
		Index:      cfg.Elastic.Index,
		RerankerID: cfg.Elastic.RerankerID,
	})
	searchHandler := search.NewHandler(searchClient, features.VisionEnabled)

	visionHandler := vision.NewHandler(vision.NewClient(vision.Config{
		URL:           cfg.Vision.URL,
		APIKey:        cfg.Vision.APIKey,
		Model:         cfg.Vision.Model,
		Timeout:       cfg.UpstreamTimeout,
		MaxRetries:    cfg.Vision.MaxRetries,
		RetryDelay:    cfg.Vision.RetryDelay,
		RetryMaxDelay: cfg.Vision.RetryMaxDelay,
	}, logger), cfg.Vision.MaxImageBytes)

	// The vision upstream has no free health probe; warmup costs a token.
	checks := map[string]api.Check{}
	if features.SearchEnabled {
		checks["elasticsearch"] = searchClient.Ping
	}
	if features.AgentEnabled {
		checks["kibana"] = kb.Ping
	}
	statusHandler := api.NewStatusHandler(features, checks, 5*time.Second)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware())

	statusHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)
	searchHandler.RegisterRoutes(r)
	visionHandler.RegisterRoutes(r)

	r.Handle("/*", web.SPAHandler())

	// Agent streams can run for minutes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// allowedOrigins restricts CORS to the frontend in production.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
