package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinicroster/patient-dedup/internal/domain/dedup"
	"github.com/clinicroster/patient-dedup/internal/platform/auth"
	"github.com/clinicroster/patient-dedup/internal/platform/db"
	"github.com/clinicroster/patient-dedup/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the duplicates API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Health checks stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))

	apiV1 := e.Group("/api/v1")
	if a.cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	dedup.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func runServer(ctx context.Context) error {
	a, err := loadApp(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger.Info().Msg("connected to database")

	e := newServer(a)
	addr := ":" + a.cfg.Port

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		a.logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
