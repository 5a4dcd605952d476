package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus represents database health and connection statistics.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"response_time_ns"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
}

// Health checks database connectivity and reports connection-pool
// statistics.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
	}, nil
}
