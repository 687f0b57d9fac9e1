package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quantdesk/trade-api/internal/auth"
	"github.com/quantdesk/trade-api/internal/config"
	"github.com/quantdesk/trade-api/internal/database"
	"github.com/quantdesk/trade-api/internal/dispatch"
	"github.com/quantdesk/trade-api/internal/guard"
	"github.com/quantdesk/trade-api/internal/lease"
	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/reconcile"
	"github.com/quantdesk/trade-api/internal/runs"
	"github.com/quantdesk/trade-api/internal/runtime"
	"github.com/quantdesk/trade-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging configures zerolog from config: pretty console output in
// development, optional rotated file output in any environment.
func setupLogging(cfg config.LogConfig) {
	var writers []io.Writer

	if os.Getenv("ENV") != "production" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, os.Stdout)
	}

	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	}

	zlog.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the trade execution API server with graceful
// shutdown support: database, services, background workers, and routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)

	db, err := database.NewDatabase(cfg.Server.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	// The simulated runtime stands in for broker connectivity; it accepts
	// intents and feeds execution events back asynchronously.
	sim := runtime.NewSimulator(1_000_000)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	middleware.Setup(cfg.Auth.JWTSecret)

	ledger := orders.NewLedger(db)
	dispatcher := dispatch.NewDispatcher(sim, ledger, cfg.Runtime.CallTimeout)
	guardService := guard.NewService(db, sim, cfg.Guard, cfg.Runtime.CallTimeout)
	guardHandlers := guard.NewGinHandlers(guardService)
	leaseManager := lease.NewManager(db)

	coordinator := runs.NewCoordinator(db, ledger, dispatcher, guardService, leaseManager,
		cfg.Risk, cfg.Runtime.LeaseTTL)
	views := runs.NewViews(coordinator.DB(), ledger.DB())
	runHandlers := runs.NewGinHandlers(coordinator, views, ledger, dispatcher)

	reconciler := reconcile.NewReconciler(ledger)
	reconciler.RunTouched = func(runID uint) {
		if err := coordinator.RecomputeStatus(runID); err != nil {
			zlog.Error().Err(err).Uint("run_id", runID).Msg("run status recompute failed")
		}
	}
	eventHandlers := reconcile.NewGinHandlers(reconciler)

	// Background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go reconciler.Pump(workerCtx, sim.Events())

	guardProcessor := guard.NewProcessor(guardService, cfg.Guard.EvaluateInterval,
		runs.DefaultProject, []string{runs.ModePaper, runs.ModeLive})
	go guardProcessor.Start(workerCtx)

	if cfg.Runtime.EventsWSURL != "" {
		stream := reconcile.NewStreamSource(cfg.Runtime.EventsWSURL, reconciler)
		go stream.Run(workerCtx)
	}

	router.Use(middleware.RateLimit())

	setupRoutes(router, authHandlers, runHandlers, eventHandlers, guardHandlers)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token issuance
// - Run/order routes: protected by JWT authentication
// - Internal routes: execution-event ingestion, run execution, guard ops
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	runHandlers *runs.GinHandlers,
	eventHandlers *reconcile.GinHandlers,
	guardHandlers *guard.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Trade run routes
		runGroup := v1.Group("/runs")
		runGroup.Use(middleware.JWTAuth())
		{
			runGroup.POST("", runHandlers.CreateRunHandler())
			runGroup.GET("/:run_id", runHandlers.GetRunHandler())
			runGroup.GET("/:run_id/positions", runHandlers.PositionsHandler())
			runGroup.GET("/:run_id/receipts", runHandlers.ReceiptsHandler())
		}

		// Ad-hoc order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth())
		{
			orderGroup.POST("", runHandlers.CreateAdHocOrderHandler())
			orderGroup.POST("/:client_order_id/cancel", runHandlers.CancelOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/runs/:run_id/execute", runHandlers.ExecuteRunHandler())
			internal.POST("/events", eventHandlers.IngestEventHandler())
			internal.POST("/guard/evaluate", guardHandlers.EvaluateHandler())
			internal.POST("/guard/reset", guardHandlers.ResetHandler())
		}
	}
}
