package order

import (
	"time"

	"go.uber.org/zap"

	"trading-engine-go/core"
)

// reconcileLateAck 处理“下单超时后才到的回报”。超时时刻结果不确定，
// 底层调用可能已在交易所成立；晚到的确认以交易所为准，被标记超时的
// 订单按回报重新打开并回到正常生命周期。
func (m *Manager) reconcileLateAck(mo *managed, ack core.Order) error {
	mo.mu.Lock()
	o := &mo.order
	prev := o.Status
	mo.timedOut = false
	if ack.ExchangeID != "" {
		o.ExchangeID = ack.ExchangeID
	}
	// 交易所快照整体覆盖本地猜测。
	o.Status = ack.Status
	if ack.FilledQty > 0 {
		o.FilledQty = ack.FilledQty
		o.AvgPrice = ack.AvgPrice
		mo.notional = ack.AvgPrice * ack.FilledQty
	}
	if !ack.UpdatedAt.IsZero() {
		o.UpdatedAt = ack.UpdatedAt
	} else {
		o.UpdatedAt = time.Now().UTC()
	}
	cp := *o
	mo.mu.Unlock()

	m.log.Info("late ack reconciled",
		zap.String("orderId", cp.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(cp.Status)))
	m.notify(cp, nil)
	return nil
}

// Expire 把超时且始终无回报的订单判为 EXPIRED（由引擎的对账定时器
// 调用）。晚到回报仍可经 reconcileLateAck 重开。
func (m *Manager) Expire(id string, olderThan time.Duration) bool {
	m.mu.RLock()
	mo, ok := m.orders[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	mo.mu.Lock()
	o := &mo.order
	if !mo.timedOut || time.Since(o.UpdatedAt) < olderThan {
		mo.mu.Unlock()
		return false
	}
	prev := o.Status
	if err := m.sm.ValidateTransition(prev, core.StatusExpired); err != nil {
		mo.mu.Unlock()
		return false
	}
	o.Status = core.StatusExpired
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	mo.mu.Unlock()

	m.logTransition(cp.ID, prev, core.StatusExpired)
	m.notify(cp, nil)
	return true
}
