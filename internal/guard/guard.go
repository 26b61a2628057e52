package guard

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Guard 串行化共享元数据的读-改-写操作。
//
// 每个key（通常是一个租户）对应一个容量为1的信号量，互不相关的租户
// 不会彼此阻塞。同一逻辑调用链上的嵌套受保护调用通过context传递的
// 链令牌识别，不会重复获取信号量造成自死锁；来自其他调用链的并发
// 请求则正常阻塞直到信号量释放。
type Guard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

type chainKey struct{}

// chainToken 记录当前调用链在各key上的重入深度
type chainToken struct {
	mu    sync.Mutex
	depth map[string]int
}

func New() *Guard {
	return &Guard{
		entries: make(map[string]*entry),
	}
}

// TenantKey 租户级互斥key
func TenantKey(tenantID uint) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

// Do 在key对应的信号量保护下执行fn。
// fn收到的context携带链令牌，fn内部再调用Do（任意key）不会自死锁。
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, ok := ctx.Value(chainKey{}).(*chainToken)
	if !ok {
		token = &chainToken{depth: make(map[string]int)}
		ctx = context.WithValue(ctx, chainKey{}, token)
	}

	token.mu.Lock()
	depth := token.depth[key]
	token.depth[key] = depth + 1
	token.mu.Unlock()

	defer func() {
		token.mu.Lock()
		token.depth[key]--
		if token.depth[key] == 0 {
			delete(token.depth, key)
		}
		token.mu.Unlock()
	}()

	// 重入：本调用链已持有该key，不再获取
	if depth > 0 {
		return fn(ctx)
	}

	e := g.retain(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		g.release(key)
		return err
	}
	defer func() {
		e.sem.Release(1)
		g.release(key)
	}()

	return fn(ctx)
}

func (g *Guard) retain(key string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		g.entries[key] = e
	}
	e.refs++
	return e
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
	}
}
