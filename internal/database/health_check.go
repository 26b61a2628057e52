package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/logger"
)

// HealthChecker 周期性探测数据库连通性，供就绪接口查询
type HealthChecker struct {
	db            *sql.DB
	checkInterval time.Duration
	retryDelay    time.Duration
	maxRetries    int

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	lastError error
}

// HealthCheckResult 健康检查快照
type HealthCheckResult struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{
		db:            db,
		checkInterval: 30 * time.Second,
		retryDelay:    5 * time.Second,
		maxRetries:    3,
	}
}

// SetCheckInterval 设置检查间隔
func (hc *HealthChecker) SetCheckInterval(interval time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkInterval = interval
}

// Start 阻塞运行周期检查，直到ctx取消
func (hc *HealthChecker) Start(ctx context.Context) {
	logger.Info("database health checker started")
	hc.checkWithRetry(ctx)

	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("database health checker stopped")
			return
		case <-ticker.C:
			hc.checkWithRetry(ctx)
		}
	}
}

// Check 执行单次ping
func (hc *HealthChecker) Check(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := hc.db.PingContext(ctx)
	elapsed := time.Since(start)

	hc.mu.Lock()
	hc.lastCheck = time.Now()
	wasHealthy := hc.healthy
	hc.lastError = err
	hc.healthy = err == nil
	hc.mu.Unlock()

	if err != nil {
		logger.Warn("database health check failed",
			zap.Duration("response_time", elapsed), zap.Error(err))
		return err
	}
	if !wasHealthy {
		logger.Info("database connection restored", zap.Duration("response_time", elapsed))
	}
	return nil
}

func (hc *HealthChecker) checkWithRetry(ctx context.Context) {
	if hc.Check(ctx) == nil {
		return
	}
	for i := 0; i < hc.maxRetries; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(hc.retryDelay * time.Duration(i+1)):
			if hc.Check(ctx) == nil {
				return
			}
		}
	}
	logger.Error("database still unreachable after retries", zap.Int("retries", hc.maxRetries))
}

// IsHealthy 当前健康状态
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Result 健康检查快照
func (hc *HealthChecker) Result() HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	result := HealthCheckResult{
		Healthy:   hc.healthy,
		LastCheck: hc.lastCheck,
	}
	if hc.lastError != nil {
		result.LastError = hc.lastError.Error()
	}
	return result
}

// WaitForHealthy 等待数据库可用或超时
func (hc *HealthChecker) WaitForHealthy(ctx context.Context, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return timeoutCtx.Err()
		case <-ticker.C:
			if hc.IsHealthy() {
				return nil
			}
		}
	}
}
