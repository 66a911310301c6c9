package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// PingFunc checks that a storage backend is reachable.
type PingFunc func(ctx context.Context) error

// HealthHandler reports the PostgreSQL backend with pool statistics.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return backendHealth("postgres", pool.Ping, func() interface{} { return GetPoolStats(pool) })
}

// PingHandler reports a non-PostgreSQL backend. A nil ping always passes.
func PingHandler(backend string, ping PingFunc) echo.HandlerFunc {
	return backendHealth(backend, ping, nil)
}

func backendHealth(backend string, ping PingFunc, stats func() interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := map[string]interface{}{"backend": backend}
		var err error
		if ping != nil {
			err = ping(ctx)
		}
		if stats != nil {
			resp["pool"] = stats()
		}

		if err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp["status"] = "healthy"
		return c.JSON(http.StatusOK, resp)
	}
}
