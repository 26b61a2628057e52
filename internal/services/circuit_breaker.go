package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/logger"
)

// CircuitState 熔断器状态
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker 按连续失败次数熔断下游调用。
// 开路冷却结束后进入半开态放行探测请求。
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            CircuitClosed,
	}
}

// Do 执行受保护的调用，开路时直接拒绝
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.allow() {
		return apperrors.NewProviderError(apperrors.ErrCodeOperationFailed,
			"circuit breaker "+cb.name+" is open")
	}

	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	default:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			logger.Info("circuit breaker half-open", zap.String("name", cb.name))
			return true
		}
		return false
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.state = CircuitClosed
				logger.Info("circuit breaker closed", zap.String("name", cb.name))
			}
		}
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		logger.Warn("circuit breaker opened",
			zap.String("name", cb.name),
			zap.Int("failures", cb.failures))
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerChat 带熔断保护的对话模型包装
type BreakerChat struct {
	inner   ChatCompleter
	breaker *CircuitBreaker
}

// NewBreakerChat 用默认阈值包装对话模型
func NewBreakerChat(inner ChatCompleter) *BreakerChat {
	return &BreakerChat{
		inner:   inner,
		breaker: NewCircuitBreaker("chat", 5, 2, 30*time.Second),
	}
}

func (c *BreakerChat) Complete(ctx context.Context, question string, contexts []string) (string, error) {
	var answer string
	err := c.breaker.Do(func() error {
		var callErr error
		answer, callErr = c.inner.Complete(ctx, question, contexts)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (c *BreakerChat) Ready() bool {
	return c.inner.Ready() && c.breaker.State() != CircuitOpen
}
