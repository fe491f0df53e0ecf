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
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check probes one dependency. Details, when set, is reported alongside the
// result.
type Check struct {
	Name    string
	Ping    func(ctx context.Context) error
	Details func() interface{}
	// Optional checks are reported but do not make the service unhealthy.
	Optional bool
}

// PoolCheck probes the database pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:    "database",
		Ping:    pool.Ping,
		Details: func() interface{} { return GetPoolStats(pool) },
	}
}

type checkResult struct {
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// HealthHandler runs every check with a 5s budget. It answers 503 when a
// required check fails.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		code := http.StatusOK
		overall := "healthy"
		results := make(map[string]checkResult, len(checks))
		for _, chk := range checks {
			res := checkResult{Status: "healthy"}
			if err := chk.Ping(ctx); err != nil {
				res.Status = "unhealthy"
				res.Error = err.Error()
				if chk.Optional {
					if overall == "healthy" {
						overall = "degraded"
					}
				} else {
					code = http.StatusServiceUnavailable
					overall = "unhealthy"
				}
			}
			if chk.Details != nil {
				res.Details = chk.Details()
			}
			results[chk.Name] = res
		}

		return c.JSON(code, map[string]interface{}{
			"status": overall,
			"checks": results,
		})
	}
}
