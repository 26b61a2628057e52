package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aihub/rag-go/internal/logger"
)

var poolConnectionsGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "rag",
		Subsystem: "db",
		Name:      "pool_connections",
		Help:      "Database connection pool state",
	},
	[]string{"state"},
)

// PoolStatsCollector 周期采集连接池指标
type PoolStatsCollector struct {
	db       *sql.DB
	interval time.Duration
}

// NewPoolStatsCollector 创建连接池指标采集器
func NewPoolStatsCollector(db *sql.DB) *PoolStatsCollector {
	return &PoolStatsCollector{
		db:       db,
		interval: 15 * time.Second,
	}
}

// Start 阻塞采集，直到ctx取消
func (pc *PoolStatsCollector) Start(ctx context.Context) {
	logger.Info("database pool stats collection started")

	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("database pool stats collection stopped")
			return
		case <-ticker.C:
			pc.collect()
		}
	}
}

func (pc *PoolStatsCollector) collect() {
	stats := pc.db.Stats()
	poolConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
	poolConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	poolConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
	poolConnectionsGauge.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
}

// Stats 当前连接池统计
func (pc *PoolStatsCollector) Stats() sql.DBStats {
	return pc.db.Stats()
}
