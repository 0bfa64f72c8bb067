package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-engine-go/core"
)

func TestTokenBucketWithinBurst(t *testing.T) {
	l := NewTokenBucketLimiter(10, 5)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("burst acquires should not block, took %v", elapsed)
	}
}

func TestTokenBucketBlocksThenAdmits(t *testing.T) {
	l := NewTokenBucketLimiter(100, 1)
	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("second acquire should wait for refill, took %v", elapsed)
	}
}

func TestTokenBucketCtxDeadline(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 1)
	ctx := context.Background()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// 下一个令牌要 10s；ctx 先到期，请求必须收到超时而不是被丢弃。
	dctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(dctx, 1)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestTokenBucketRejectsWeightOverBurst(t *testing.T) {
	l := NewTokenBucketLimiter(10, 5)
	// 桶容量 5，权重 6 永远凑不齐；必须立即报错而不是阻塞到超时。
	err := l.Acquire(context.Background(), 6)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestFixedWindowLimit(t *testing.T) {
	l := NewFixedWindowLimiter(3, 100*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	start := time.Now()
	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("fourth acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("fourth acquire should wait for next window, took %v", elapsed)
	}
}

func TestWeightedLimiterEndpointWeights(t *testing.T) {
	// 预算 10/秒；account 权重 5，两次就耗光。
	l := NewWeightedLimiter(10, time.Second)
	l.SetEndpointWeight("account", 5)
	ctx := context.Background()

	if err := l.AcquireEndpoint(ctx, "account"); err != nil {
		t.Fatalf("first account: %v", err)
	}
	if err := l.AcquireEndpoint(ctx, "account"); err != nil {
		t.Fatalf("second account: %v", err)
	}
	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.AcquireEndpoint(dctx, "account"); !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("budget exhausted: err = %v, want ErrTimeout", err)
	}
}

func TestWeightedLimiterUnknownEndpointWeighsOne(t *testing.T) {
	l := NewWeightedLimiter(3, time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.AcquireEndpoint(ctx, "ping"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}
