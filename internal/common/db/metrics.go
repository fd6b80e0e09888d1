package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/observability/metrics"
)

type PoolStatter interface {
	Stat() *pgxpool.Stat
}

func StartPoolMetrics(ctx context.Context, pool PoolStatter, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DBPoolMetricsInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				RecordPoolStats(pool.Stat())
			}
		}
	}()
}

func RecordPoolStats(stats *pgxpool.Stat) {
	if stats == nil {
		return
	}
	metrics.StorePoolConnections.WithLabelValues("acquired").Set(float64(stats.AcquiredConns()))
	metrics.StorePoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	metrics.StorePoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns()))
	metrics.StorePoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}
