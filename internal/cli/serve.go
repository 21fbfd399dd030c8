package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/routes/merge"
	"github.com/Ramsey-B/clover/pkg/startup"
)

var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the merge HTTP API",
	Long: `Starts the HTTP API after connecting to postgres, applying migrations and,
when enabled, connecting to redis and kafka. Runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newServer(a *app, checker *health.Checker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(middleware.Context())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Logger(a.logger))

	checker.RegisterRoutes(e)
	merge.NewHandler(a.engine(), a.audits()).Register(e.Group("/api/v1/merges"))

	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = a.cfg.MaxHeaderBytes
	return e
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	a.addMigrations()

	checker := health.NewChecker(version)
	var e *echo.Echo
	serverErr := make(chan error, 1)

	a.startup.AddDependency(startup.Func{
		Name:  "http",
		Needs: []string{"migrations", "redis", "kafka"},
		StartFunc: func(context.Context) error {
			checker.AddCheck("database", health.PingerFunc(a.db.PingContext))
			if a.redis != nil {
				checker.AddCheck("redis", a.redis)
			}

			e = newServer(a, checker)
			go func() {
				addr := fmt.Sprintf(":%d", a.cfg.Port)
				a.logger.WithField("addr", addr).Info("HTTP server listening")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			checker.SetReady(false)
			return e.Shutdown(ctx)
		},
	})

	if err := a.startup.Start(ctx); err != nil {
		_ = a.startup.Stop(context.Background())
		return err
	}
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err = <-serverErr:
		a.logger.WithError(err).Error("HTTP server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := a.startup.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}
