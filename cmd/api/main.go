package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knowbook/canvas-server/internal/config"
	"github.com/knowbook/canvas-server/internal/handlers"
	"github.com/knowbook/canvas-server/internal/services"
	"github.com/knowbook/canvas-server/pkg/authgate"
	"github.com/knowbook/canvas-server/pkg/database"
	"github.com/knowbook/canvas-server/pkg/knowbook"
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting Knowbook Canvas connect service")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional database: enables the direct metadata store and the audit log.
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		log.Info().Msg("Running database migrations...")
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		pool = db.Pool
	}

	// External service clients
	authClient := authgate.NewClient(cfg.AuthURL, cfg.AuthServiceKey)
	kbClient := knowbook.NewClient(cfg.KnowbookAPIURL, cfg.KnowbookAdminKey, knowbook.Options{
		RedisURL:      cfg.RedisURL,
		RateLimit:     cfg.OutboundRateLimit,
		HealthTimeout: cfg.HealthTimeout,
	})

	// Credential metadata lives in the auth service; write it directly when
	// colocated with its database, otherwise through the admin API.
	var metaStore services.MetadataStore = authClient
	if pool != nil {
		metaStore = services.NewPostgresMetadataStore(pool)
		log.Info().Msg("Using direct Postgres metadata store")
	}

	creds := services.NewCredentialStore(metaStore, cfg.StalenessWindow)
	notifier := services.NewNotifier(cfg.OpsWebhookURL)
	audit := services.NewAuditLog(pool)
	tracker := services.NewStatusTracker(creds, kbClient)
	orchestrator := services.NewSignupOrchestrator(authClient, kbClient, creds, notifier, cfg.SiteURL)

	// Auth session events keep the status tracker in sync with sign-ins.
	if cfg.AuthEventsURL != "" {
		stream := authgate.NewEventStream(cfg.AuthEventsURL, cfg.AuthServiceKey)
		go stream.Start(ctx, func(event authgate.Event) {
			tracker.HandleAuthEvent(ctx, event)
		})
	}

	// Initialize handlers
	connectHandler := handlers.NewConnectHandler(kbClient, creds, tracker, notifier, audit)
	signupHandler := handlers.NewSignupHandler(orchestrator)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", cfg.SiteURL)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Public routes
	r.Post("/auth/signup", signupHandler.Post)

	if cfg.OAuthClientID != "" {
		oauthHandler := handlers.NewOAuthHandler(cfg.AuthURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.SelfURL, cfg.SiteURL)
		r.Get("/auth/oauth/login", oauthHandler.Login)
		r.Get("/auth/oauth/callback", oauthHandler.Callback)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(handlers.AuthMiddleware(cfg.AuthJWTSecret))

		r.Post("/api/knowbook/connect", connectHandler.Post)
		r.Get("/api/knowbook/connect", connectHandler.Get)
		r.Get("/api/knowbook/status", connectHandler.Status)
		r.Post("/api/knowbook/validate", connectHandler.Validate)
		r.Get("/api/knowbook/attempts", connectHandler.Attempts)
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}
