package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trading-engine-go/core"
	"trading-engine-go/gateway"
)

// Listener 订单每次状态/成交变化后的回调（事件引擎挂在这里）。
type Listener func(o core.Order, tr *core.Trade)

// managed 单个订单的受管状态；fills 锁保证并发成交回报下
// FilledQty ≤ Quantity 恒成立。
type managed struct {
	mu       sync.Mutex
	order    core.Order
	notional float64 // 累计成交金额，用于重算均价
	timedOut bool    // 下单调用超时，结果未知，等晚到回报对账
}

// Manager 维护订单状态并通过各交易所的 Adapter 下发。
// 命令幂等：同一个引擎 ID 重复提交不会产生第二笔在场订单。
type Manager struct {
	mu        sync.RWMutex
	adapters  map[string]gateway.Adapter
	orders    map[string]*managed
	sm        *StateMachine
	log       *zap.Logger
	listeners []Listener

	// CallTimeout 单次下单/撤单/改单的阻塞上限。
	CallTimeout time.Duration
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		adapters:    make(map[string]gateway.Adapter),
		orders:      make(map[string]*managed),
		sm:          NewStateMachine(),
		log:         log,
		CallTimeout: 10 * time.Second,
	}
}

// RegisterAdapter 登记一个交易所适配器。
func (m *Manager) RegisterAdapter(a gateway.Adapter) {
	m.mu.Lock()
	m.adapters[a.Name()] = a
	m.mu.Unlock()
}

// OnUpdate 注册订单事件监听。
func (m *Manager) OnUpdate(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// NewID 生成引擎订单 ID。symbol 前缀让适配器能从 ID 反推交易对。
func NewID(symbol string) string {
	return strings.ToLower(symbol) + "-" + uuid.NewString()
}

// Place 创建订单并转发给对应适配器。幂等：ID 已存在时直接返回在场
// 订单，不再联系交易所。超时返回 ErrTimeout，订单保留待对账——
// 底层调用可能已经成功，晚到的回报以交易所为准。
func (m *Manager) Place(ctx context.Context, o core.Order) (core.Order, error) {
	if o.Exchange == "" || o.Symbol == "" || o.Quantity <= 0 {
		return core.Order{}, fmt.Errorf("place: missing exchange/symbol or bad quantity: %w", core.ErrInvalidOrderState)
	}
	if o.Type == "" {
		o.Type = core.TypeLimit
	}
	if o.Type == core.TypeLimit && o.Price <= 0 {
		return core.Order{}, fmt.Errorf("place: limit order needs price: %w", core.ErrInvalidOrderState)
	}
	if o.ID == "" {
		o.ID = NewID(o.Symbol)
	}

	m.mu.Lock()
	if existing, ok := m.orders[o.ID]; ok {
		// 网络重试下的重复提交：返回在场订单。
		m.mu.Unlock()
		existing.mu.Lock()
		cp := existing.order
		existing.mu.Unlock()
		m.log.Debug("duplicate place deduplicated", zap.String("orderId", o.ID))
		return cp, nil
	}
	adapter, ok := m.adapters[o.Exchange]
	if !ok {
		m.mu.Unlock()
		return core.Order{}, fmt.Errorf("place: no adapter for %q: %w", o.Exchange, core.ErrConfiguration)
	}
	now := time.Now().UTC()
	o.Status = core.StatusNew
	o.CreatedAt = now
	o.UpdatedAt = now
	mo := &managed{order: o}
	m.orders[o.ID] = mo
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.CallTimeout)
	defer cancel()
	ack, err := adapter.CreateOrder(callCtx, o)
	if err != nil {
		return m.placeFailed(mo, err)
	}

	m.logTransition(o.ID, core.StatusNew, ack.Status)
	if err := m.applyAck(mo, ack); err != nil {
		return core.Order{}, err
	}
	mo.mu.Lock()
	cp := mo.order
	mo.mu.Unlock()
	return cp, nil
}

func (m *Manager) placeFailed(mo *managed, err error) (core.Order, error) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if errors.Is(err, core.ErrTimeout) {
		// 结果不确定：保留订单等待晚到回报。
		mo.timedOut = true
		m.log.Warn("place timed out, awaiting reconcile", zap.String("orderId", mo.order.ID))
		return mo.order, fmt.Errorf("place %s: %w", mo.order.ID, err)
	}
	mo.order.Status = core.StatusRejected
	mo.order.UpdatedAt = time.Now().UTC()
	m.notify(mo.order, nil)
	return core.Order{}, fmt.Errorf("place %s: %w", mo.order.ID, err)
}

// Cancel 撤单。仅 NEW/PARTIALLY_FILLED 可撤；终态直接返回
// ErrInvalidOrderState，不联系适配器。撤单与成交存在竞态，
// 调用方必须接受“已成交”结局。
func (m *Manager) Cancel(ctx context.Context, id string) (core.Order, error) {
	mo, adapter, err := m.lookupActive(id)
	if err != nil {
		return core.Order{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.CallTimeout)
	defer cancel()
	ack, err := adapter.CancelOrder(callCtx, id)
	if err != nil {
		return core.Order{}, fmt.Errorf("cancel %s: %w", id, err)
	}
	if err := m.applyAck(mo, ack); err != nil {
		return core.Order{}, err
	}
	mo.mu.Lock()
	cp := mo.order
	mo.mu.Unlock()
	return cp, nil
}

// Modify 改单，约束与 Cancel 相同。
func (m *Manager) Modify(ctx context.Context, id string, patch gateway.OrderPatch) (core.Order, error) {
	mo, adapter, err := m.lookupActive(id)
	if err != nil {
		return core.Order{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.CallTimeout)
	defer cancel()
	ack, err := adapter.ModifyOrder(callCtx, id, patch)
	if err != nil {
		return core.Order{}, fmt.Errorf("modify %s: %w", id, err)
	}
	if err := m.applyAck(mo, ack); err != nil {
		return core.Order{}, err
	}
	mo.mu.Lock()
	cp := mo.order
	mo.mu.Unlock()
	return cp, nil
}

func (m *Manager) lookupActive(id string) (*managed, gateway.Adapter, error) {
	m.mu.RLock()
	mo, ok := m.orders[id]
	if !ok {
		m.mu.RUnlock()
		return nil, nil, fmt.Errorf("order %s: %w", id, core.ErrUnknownOrder)
	}
	adapter := m.adapters[mo.order.Exchange]
	m.mu.RUnlock()

	mo.mu.Lock()
	active := mo.order.Status.Active()
	st := mo.order.Status
	mo.mu.Unlock()
	if !active {
		return nil, nil, fmt.Errorf("order %s is %s: %w", id, st, core.ErrInvalidOrderState)
	}
	if adapter == nil {
		return nil, nil, fmt.Errorf("order %s: no adapter: %w", id, core.ErrConfiguration)
	}
	return mo, adapter, nil
}

// Get 返回订单快照。
func (m *Manager) Get(id string) (core.Order, bool) {
	m.mu.RLock()
	mo, ok := m.orders[id]
	m.mu.RUnlock()
	if !ok {
		return core.Order{}, false
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.order, true
}

// Open 返回所有活跃订单快照。
func (m *Manager) Open() []core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Order, 0)
	for _, mo := range m.orders {
		mo.mu.Lock()
		if mo.order.Status.Active() {
			out = append(out, mo.order)
		}
		mo.mu.Unlock()
	}
	return out
}

// ApplyTrade 应用一笔成交：在 per-order 锁下重算 FilledQty/AvgPrice，
// 超量成交截断并告警，保证 FilledQty ≤ Quantity 不变式。
func (m *Manager) ApplyTrade(tr core.Trade) error {
	m.mu.RLock()
	mo, ok := m.orders[tr.OrderID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("trade for order %s: %w", tr.OrderID, core.ErrUnknownOrder)
	}

	mo.mu.Lock()
	o := &mo.order
	prev := o.Status
	if prev.Terminal() && prev != core.StatusFilled {
		mo.mu.Unlock()
		return fmt.Errorf("trade on %s order %s: %w", prev, tr.OrderID, core.ErrInvalidOrderState)
	}
	qty := tr.Quantity
	if o.FilledQty+qty > o.Quantity {
		m.log.Warn("overfill clamped",
			zap.String("orderId", o.ID),
			zap.Float64("reported", o.FilledQty+qty),
			zap.Float64("requested", o.Quantity))
		qty = o.Quantity - o.FilledQty
	}
	if qty <= 0 {
		mo.mu.Unlock()
		return nil
	}
	mo.notional += qty * tr.Price
	o.FilledQty += qty
	o.AvgPrice = mo.notional / o.FilledQty
	o.Fee += tr.Fee
	o.UpdatedAt = tr.Ts
	next := core.StatusPartial
	if o.FilledQty >= o.Quantity {
		next = core.StatusFilled
	}
	if err := m.sm.ValidateTransition(prev, next); err == nil {
		o.Status = next
	}
	cp := *o
	mo.mu.Unlock()

	if prev != cp.Status {
		m.logTransition(cp.ID, prev, cp.Status)
	}
	m.notify(cp, &tr)
	return nil
}

// ApplyUpdate 应用适配器转发的交易所订单快照。非法转换拒绝并记日志；
// 对超时待对账的订单，晚到确认以交易所为准（见 reconciler）。
func (m *Manager) ApplyUpdate(update core.Order) error {
	m.mu.RLock()
	mo, ok := m.orders[update.ID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("update for order %s: %w", update.ID, core.ErrUnknownOrder)
	}
	return m.applyAck(mo, update)
}

func (m *Manager) applyAck(mo *managed, ack core.Order) error {
	mo.mu.Lock()
	o := &mo.order
	prev := o.Status
	if mo.timedOut {
		mo.mu.Unlock()
		return m.reconcileLateAck(mo, ack)
	}
	if err := m.sm.ValidateTransition(prev, ack.Status); err != nil {
		mo.mu.Unlock()
		m.log.Warn("rejected order transition",
			zap.String("orderId", o.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(ack.Status)))
		return err
	}
	if ack.ExchangeID != "" {
		o.ExchangeID = ack.ExchangeID
	}
	// 成交进度以 ApplyTrade 累计为准；交易所快照只推进状态，
	// 避免回报乱序把 FilledQty 倒回去。
	if ack.FilledQty > o.FilledQty {
		o.FilledQty = ack.FilledQty
		if ack.AvgPrice > 0 {
			o.AvgPrice = ack.AvgPrice
			mo.notional = ack.AvgPrice * ack.FilledQty
		}
	}
	o.Status = ack.Status
	if !ack.UpdatedAt.IsZero() {
		o.UpdatedAt = ack.UpdatedAt
	} else {
		o.UpdatedAt = time.Now().UTC()
	}
	cp := *o
	mo.mu.Unlock()

	if prev != cp.Status {
		m.logTransition(cp.ID, prev, cp.Status)
	}
	m.notify(cp, nil)
	return nil
}

func (m *Manager) logTransition(id string, from, to core.Status) {
	if from == to {
		return
	}
	m.log.Info("order transition",
		zap.String("orderId", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (m *Manager) notify(o core.Order, tr *core.Trade) {
	m.mu.RLock()
	ls := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range ls {
		fn(o, tr)
	}
}
