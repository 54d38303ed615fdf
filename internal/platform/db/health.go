package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// DBHealth is the payload of the database health endpoint.
type DBHealth struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Clinics int    `json:"clinics"`
	Pool    DBPool `json:"pool"`
}

// DBPool summarizes connection pool pressure. InUse approaching Max means
// requests are queueing on clinic connections.
type DBPool struct {
	Total int32 `json:"total"`
	Idle  int32 `json:"idle"`
	InUse int32 `json:"in_use"`
	Max   int32 `json:"max"`
}

func poolSnapshot(pool *pgxpool.Pool) DBPool {
	stat := pool.Stat()
	return DBPool{
		Total: stat.TotalConns(),
		Idle:  stat.IdleConns(),
		InUse: stat.AcquiredConns(),
		Max:   stat.MaxConns(),
	}
}

// countClinicSchemas returns how many clinic schemas exist in the database.
func countClinicSchemas(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name LIKE 'clinic\_%'`).Scan(&n)
	return n, err
}

// HealthHandler reports database reachability, pool pressure, and the number
// of provisioned clinic schemas.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		health := DBHealth{Status: "healthy", Pool: poolSnapshot(pool)}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, health)
		}

		clinics, err := countClinicSchemas(ctx, pool)
		if err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, health)
		}
		health.Clinics = clinics

		return c.JSON(http.StatusOK, health)
	}
}
