package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

type SecurityHeadersConfig struct {
	// HSTSMaxAge in seconds. Zero leaves Strict-Transport-Security unset,
	// which is what plain-HTTP development servers want.
	HSTSMaxAge int
}

func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{HSTSMaxAge: 31536000}
}

// SecurityHeaders sets response headers for a JSON API whose workflow and
// notification payloads name patients.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	hsts := ""
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
