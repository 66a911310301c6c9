package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DefaultPublicPaths are scraped by load balancers and Prometheus and carry
// no patient data.
var DefaultPublicPaths = []string{"/health", "/health/db", "/metrics"}

// NewSkipper returns a Skipper for JWTConfig that lets the listed paths
// through unauthenticated. A path ending in "/*" matches everything below it.
func NewSkipper(paths ...string) middleware.Skipper {
	exact := make(map[string]bool, len(paths))
	var prefixes []string
	for _, p := range paths {
		if strings.HasSuffix(p, "/*") {
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		exact[p] = true
	}
	return func(c echo.Context) bool {
		// Unrouted requests have no route path yet.
		path := c.Path()
		if path == "" {
			path = c.Request().URL.Path
		}
		if exact[path] {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}
}

// AuthSkipper skips authentication for DefaultPublicPaths.
var AuthSkipper = NewSkipper(DefaultPublicPaths...)
