package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/symptomlog/api/internal/config"
	"github.com/symptomlog/api/internal/domain/consult"
	"github.com/symptomlog/api/internal/domain/patient"
	"github.com/symptomlog/api/internal/platform/auth"
	"github.com/symptomlog/api/internal/platform/db"
	"github.com/symptomlog/api/internal/platform/journal"
	"github.com/symptomlog/api/internal/platform/llm"
	"github.com/symptomlog/api/internal/platform/middleware"
	"github.com/symptomlog/api/internal/platform/phi"
	"github.com/symptomlog/api/internal/platform/websocket"
	"github.com/symptomlog/api/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "symptomlog-server",
		Short: "Symptom chat and doctor report API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := db.NewMigratorFS(pool, migrations.Files)
	if dir != "" {
		m = db.NewMigrator(pool, dir)
	}
	return fn(ctx, m)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// newVerifier falls back to DevVerifier only in development without a
// Google client id. Validate rejects that combination elsewhere.
func newVerifier(cfg *config.Config, logger zerolog.Logger) auth.TokenVerifier {
	if cfg.GoogleClientID == "" && cfg.IsDev() {
		logger.Warn().Msg("GOOGLE_CLIENT_ID not set: accepting email addresses as login tokens")
		return auth.DevVerifier{}
	}
	return auth.NewGoogleVerifier(cfg.GoogleClientID, cfg.GoogleJWKSURL, &http.Client{Timeout: 10 * time.Second})
}

type serverDeps struct {
	patients *patient.Service
	verifier auth.TokenVerifier
	sessions consult.SessionStore
	records  consult.RecordStore
	hub      *websocket.Hub
	pinger   db.Pinger
}

func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"version":  version,
			"sessions": deps.sessions.Len(),
			"clients":  deps.hub.ClientCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.pinger))

	websocket.NewHandler(deps.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	api := e.Group("/api")
	api.Use(middleware.BodyLimit(cfg.BodyLimit))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.Audit(logger))

	patient.NewHandler(deps.patients, deps.verifier, logger).RegisterRoutes(api)
	consult.NewHandler(deps.sessions, deps.records, logger).RegisterRoutes(api)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	cipher, err := phi.FromHexKey(cfg.EncryptionKey, logger)
	if err != nil {
		return err
	}
	patientSvc := patient.NewService(patient.NewPatientRepo(pool), patient.NewSymptomRepo(pool, cipher))

	store, err := journal.Open(cfg.SessionDir, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if ids, err := store.IDs(); err == nil && len(ids) > 0 {
		logger.Info().Int("sessions", len(ids)).Msg("journaled sessions will resume on next request")
	}

	hub := websocket.NewHub(logger)
	generator := llm.NewOpenAIClient(llm.Config{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
	}, logger)

	sessions := consult.NewMemoryStore(&consult.Builder{
		Records:   patientSvc,
		Generator: generator,
		EndToken:  cfg.EndToken,
		Journal:   store,
		Events:    hub,
		Logger:    logger.With().Str("component", "consult").Logger(),

		ReplayTurns: cfg.SessionReplayTurns,
	}, cfg.SessionIdleTTL)

	e := newServer(cfg, logger, serverDeps{
		patients: patientSvc,
		verifier: newVerifier(cfg, logger),
		sessions: sessions,
		records:  patientSvc,
		hub:      hub,
		pinger:   pool,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
