package binance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine-go/core"
	"trading-engine-go/gateway"
)

// wsConn 抽象 websocket 读取，便于测试注入。
type wsConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// wsDialer 默认用 gorilla dialer 连 combined stream。
type wsDialer func(ctx context.Context, endpoint string, streams []string) (wsConn, error)

func gorillaDialer(ctx context.Context, endpoint string, streams []string) (wsConn, error) {
	u := url.URL{
		Scheme: "wss",
		Host:   strings.TrimPrefix(endpoint, "wss://"),
		Path:   "/stream",
	}
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// streamLoop 维持一条 combined stream 连接：断线后按 Supervisor 的退避
// 重连，不回放断线期间的消息；每次重连成功回调 onResume 一次，
// 由调用方把 Discontinuity 标记打到下一条数据上。
func (a *Adapter) streamLoop(ctx context.Context, streams []string, onMsg func([]byte), onResume func()) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := a.dial(ctx, a.wsEndpoint, streams)
		if err != nil {
			a.log.Warn("ws dial failed",
				zap.String("exchange", exchangeName),
				zap.Strings("streams", streams),
				zap.Error(err))
			if !a.sleepBackoff(ctx, err) {
				return
			}
			continue
		}
		if !first && onResume != nil {
			onResume()
		}
		first = false
		a.sup.RecordSuccess()

		readErr := a.readUntilError(ctx, conn, onMsg)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		a.log.Warn("ws stream interrupted",
			zap.String("exchange", exchangeName),
			zap.Strings("streams", streams),
			zap.Error(readErr))
		if !a.sleepBackoff(ctx, readErr) {
			return
		}
	}
}

func (a *Adapter) readUntilError(ctx context.Context, conn wsConn, onMsg func([]byte)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		onMsg(msg)
	}
}

// sleepBackoff 登记一次流失败并等待下一次重连窗口。返回 false 表示重试
// 耗尽或 ctx 已取消，调用方应放弃该流。
func (a *Adapter) sleepBackoff(ctx context.Context, cause error) bool {
	a.sup.RecordFailure(fmt.Errorf("stream: %v: %w", cause, core.ErrExchangeUnavailable))
	if a.sup.State() == gateway.StatePaused && !a.sup.BeginReconnect() {
		return false
	}
	d, ok := a.sup.NextBackoff()
	if !ok {
		a.sup.Pause()
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// keepAliveLoop 定期续期 listen key；断流时用户流 streamLoop 自己会重连。
func (a *Adapter) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.rest.keepAliveListenKey(ctx); err != nil {
				a.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

var _ gateway.Adapter = (*Adapter)(nil)
