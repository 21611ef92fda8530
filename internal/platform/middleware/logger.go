package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicroster/patient-dedup/internal/platform/auth"
)

// Logger writes one structured line per request. Health probes are logged
// at debug level so they do not drown out merge traffic.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let echo resolve the final status before we log it.
				c.Error(err)
			}

			evt := logger.Info()
			switch {
			case err != nil || c.Response().Status >= 500:
				evt = logger.Error().Err(err)
			case strings.HasPrefix(req.URL.Path, "/health"):
				evt = logger.Debug()
			}

			evt.
				Str("request_id", requestID(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Str("user", auth.UserIDFromContext(req.Context())).
				Msg("request")

			return nil
		}
	}
}
