// Command devserver runs the chat API on a local HTTP port, optionally
// serving a static sample site, with the turn audit log in SQLite.
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

	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"govchat-api/handler"
	"govchat-api/internal/app"
	"govchat-api/internal/config"
	"govchat-api/internal/integrations/paramstore"
	"govchat-api/internal/observability"
	"govchat-api/internal/repository"
	"govchat-api/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel)

	awsCfg, err := config.LoadAWS(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	store, err := repository.NewSQLite(cfg.DevSQLitePath)
	if err != nil {
		slog.Error("failed to open turn store", "path", cfg.DevSQLitePath, "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	chatService, err := app.NewChatService(cfg, ssmClient, usecase.NewLocalLocker(), store)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	e := newServer(h, store, cfg.DevStaticDir)

	go func() {
		slog.Info("dev server listening", "addr", cfg.DevAddr, "static_dir", cfg.DevStaticDir)
		if err := e.Start(cfg.DevAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("dev server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down dev server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down dev server gracefully", "err", err)
	}
}

func newServer(h lambdaHandler, store *repository.SQLiteStore, staticDir string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	bridge := lambdaBridge(h)
	e.Any("/api/*", bridge, middleware.BodyLimit(maxBodySize))
	if store != nil {
		e.GET("/dev/turns/:thread_id", recentTurns(store))
	}
	if staticDir != "" {
		e.Static("/", staticDir)
	} else {
		e.GET("/", bridge)
	}
	return e
}
