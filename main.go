// vidcompose/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vidcompose/api"
	"vidcompose/compose"
	"vidcompose/config"
	"vidcompose/postgres"
	"vidcompose/task"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg)

	// 2. Pick the task record store
	store, closeStore, err := setupStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize task store: %v", err)
	}
	defer closeStore()

	// 3. Initialize the composer (creates the work directory)
	composer, err := compose.NewFFmpeg(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize composer: %v", err)
	}

	// 4. Wire the task engine
	tracker := task.NewTracker(store, logger)
	manager, err := task.NewManager(cfg, tracker, composer, logger)
	if err != nil {
		log.Fatalf("Failed to initialize task manager: %v", err)
	}
	service := task.NewService(tracker, manager, logger)

	// 5. Set up router and server
	router := api.SetupRouter(service, manager, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 6. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	// Workers see the cancelled root context and record their final state
	// before we exit.
	manager.Wait()

	logger.Info("server exiting")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func setupStore(cfg *config.Config, logger *slog.Logger) (task.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, using in-memory task store")
		return task.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}

	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}

	logger.Info("using postgres task store")
	return postgres.NewStore(db), func() { db.Close() }, nil
}
