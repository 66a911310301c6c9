package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type TimeoutConfig struct {
	Timeout time.Duration
	// Skipper exempts long-lived routes such as the WebSocket endpoint.
	Skipper echomw.Skipper
}

// SkipUpgrades exempts WebSocket upgrade requests.
func SkipUpgrades(c echo.Context) bool {
	return c.IsWebSocket()
}

// RequestTimeout bounds each request context and answers 504 when the handler
// has not returned by the deadline. A zero Timeout disables it.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	msg := fmt.Sprintf("request exceeded %s", cfg.Timeout)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Timeout <= 0 || (cfg.Skipper != nil && cfg.Skipper(c)) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return echo.NewHTTPError(http.StatusGatewayTimeout, msg)
				}
				return ctx.Err()
			}
		}
	}
}
