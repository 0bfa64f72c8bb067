package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-engine-go/core"
)

// RateLimiter 控制出站请求速率，避免触发交易所限流。每个适配器独立一个
// 实例，参数按交易所公布的限额配置。Acquire 在拿到许可前阻塞，超时由
// ctx 控制；请求永远不会被静默丢弃。
type RateLimiter interface {
	Acquire(ctx context.Context, weight int) error
}

// TokenBucketLimiter 令牌桶实现，适合按秒平滑的限额。
type TokenBucketLimiter struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Acquire 取 weight 个令牌；不足时休眠等待，ctx 到期返回 ErrTimeout。
// weight 超过桶容量永远凑不齐，直接报配置错误而不是无限等。
func (l *TokenBucketLimiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	need := float64(weight)
	if need > l.burst {
		return fmt.Errorf("weight %d exceeds burst %d: %w", weight, int(l.burst), core.ErrConfiguration)
	}
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens += now.Sub(l.last).Seconds() * l.rate
		l.last = now
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		if l.tokens >= need {
			l.tokens -= need
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((need - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait + time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter wait: %w", core.ErrTimeout)
		case <-timer.C:
		}
	}
}

// FixedWindowLimiter 固定窗口计数，适合“每分钟 N 次”类限额。
type FixedWindowLimiter struct {
	limit       int
	window      time.Duration
	mu          sync.Mutex
	windowStart time.Time
	used        int
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{limit: limit, window: window, windowStart: time.Now()}
}

func (l *FixedWindowLimiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	for {
		l.mu.Lock()
		now := time.Now()
		if now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.used = 0
		}
		if l.used+weight <= l.limit {
			l.used += weight
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.windowStart)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter wait: %w", core.ErrTimeout)
		case <-timer.C:
		}
	}
}

// WeightedLimiter 按端点权重消耗共享预算（binance request-weight 模型）。
// 内部复用令牌桶：预算为每窗口总权重。
type WeightedLimiter struct {
	bucket  *TokenBucketLimiter
	weights map[string]int
	mu      sync.RWMutex
}

// NewWeightedLimiter 每 window 允许 budget 总权重。
func NewWeightedLimiter(budget int, window time.Duration) *WeightedLimiter {
	if budget <= 0 {
		budget = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	rate := float64(budget) / window.Seconds()
	return &WeightedLimiter{
		bucket:  NewTokenBucketLimiter(rate, budget),
		weights: make(map[string]int),
	}
}

// SetEndpointWeight 登记端点权重；未登记的端点按权重 1。
func (l *WeightedLimiter) SetEndpointWeight(endpoint string, weight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.weights[endpoint] = weight
}

// AcquireEndpoint 按端点登记的权重取预算。
func (l *WeightedLimiter) AcquireEndpoint(ctx context.Context, endpoint string) error {
	l.mu.RLock()
	w, ok := l.weights[endpoint]
	l.mu.RUnlock()
	if !ok {
		w = 1
	}
	return l.bucket.Acquire(ctx, w)
}

// Acquire 实现 RateLimiter。
func (l *WeightedLimiter) Acquire(ctx context.Context, weight int) error {
	return l.bucket.Acquire(ctx, weight)
}
