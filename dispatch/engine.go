package dispatch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/core"
)

const defaultQueueDepth = 1024

// partition 一个 (exchange, symbol) 的 FIFO 队列 + 单 worker。
type partition struct {
	key   string
	queue chan Event
}

// Engine 事件分发引擎。同一分区内事件按产生顺序投递；不同分区可以
// 并行交错。handler panic 被隔离成 error 事件，分发继续——策略的
// bug 永远不能停掉事件循环。
type Engine struct {
	log        *zap.Logger
	queueDepth int

	mu         sync.RWMutex
	partitions map[string]*partition
	wg         sync.WaitGroup
	stopped    bool

	hmu         sync.RWMutex
	initFns     []func()
	deinitFns   []func()
	tickFns     []Handler
	barFns      map[core.Timeframe][]Handler
	orderFns    []Handler
	positionFns []Handler
	accountFns  []Handler
	errorFns    []Handler
	connFns     []Handler
	customFns   map[string][]Handler
}

func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:        log,
		queueDepth: defaultQueueDepth,
		partitions: make(map[string]*partition),
		barFns:     make(map[core.Timeframe][]Handler),
		customFns:  make(map[string][]Handler),
	}
}

// ---- registration（显式注册表，启动期填充）----

func (e *Engine) OnInit(fn func())   { e.hmu.Lock(); e.initFns = append(e.initFns, fn); e.hmu.Unlock() }
func (e *Engine) OnDeinit(fn func()) { e.hmu.Lock(); e.deinitFns = append(e.deinitFns, fn); e.hmu.Unlock() }

func (e *Engine) OnTick(fn Handler) { e.hmu.Lock(); e.tickFns = append(e.tickFns, fn); e.hmu.Unlock() }

// OnBar 注册某个周期的 bar 回调；tf 为空串表示所有周期。
func (e *Engine) OnBar(tf core.Timeframe, fn Handler) {
	e.hmu.Lock()
	e.barFns[tf] = append(e.barFns[tf], fn)
	e.hmu.Unlock()
}

func (e *Engine) OnOrder(fn Handler)    { e.hmu.Lock(); e.orderFns = append(e.orderFns, fn); e.hmu.Unlock() }
func (e *Engine) OnPosition(fn Handler) { e.hmu.Lock(); e.positionFns = append(e.positionFns, fn); e.hmu.Unlock() }
func (e *Engine) OnAccount(fn Handler)  { e.hmu.Lock(); e.accountFns = append(e.accountFns, fn); e.hmu.Unlock() }
func (e *Engine) OnError(fn Handler)    { e.hmu.Lock(); e.errorFns = append(e.errorFns, fn); e.hmu.Unlock() }
func (e *Engine) OnConnectivity(fn Handler) {
	e.hmu.Lock()
	e.connFns = append(e.connFns, fn)
	e.hmu.Unlock()
}

// Subscribe 注册自定义事件（按 tag）。
func (e *Engine) Subscribe(tag string, fn Handler) {
	e.hmu.Lock()
	e.customFns[tag] = append(e.customFns[tag], fn)
	e.hmu.Unlock()
}

// ---- lifecycle ----

// Start 触发所有 on_init 回调。
func (e *Engine) Start() {
	e.hmu.RLock()
	fns := append([]func(){}, e.initFns...)
	e.hmu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Stop 停止接收新事件，排空各分区后触发 on_deinit。
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for _, p := range e.partitions {
		close(p.queue)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.hmu.RLock()
	fns := append([]func(){}, e.deinitFns...)
	e.hmu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// ---- publishing ----

// Publish 把事件放入其分区队列。队列满时阻塞（背压），绝不丢事件、
// 绝不乱序。
func (e *Engine) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	p := e.partition(ev.Exchange, ev.Symbol)
	if p == nil {
		return // engine stopped
	}
	p.queue <- ev
}

// PublishCustom 发布自定义事件。
func (e *Engine) PublishCustom(tag string, payload interface{}) {
	e.Publish(Event{Type: EventCustom, Tag: tag, Payload: payload})
}

func (e *Engine) partition(exchange, symbol string) *partition {
	key := exchange + "|" + symbol
	e.mu.RLock()
	p, ok := e.partitions[key]
	stopped := e.stopped
	e.mu.RUnlock()
	if ok {
		return p
	}
	if stopped {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	if p, ok = e.partitions[key]; ok {
		return p
	}
	p = &partition{key: key, queue: make(chan Event, e.queueDepth)}
	e.partitions[key] = p
	e.wg.Add(1)
	go e.worker(p)
	return p
}

// QueueDepth 返回某分区当前积压（metrics 用）。
func (e *Engine) QueueDepth(exchange, symbol string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.partitions[exchange+"|"+symbol]; ok {
		return len(p.queue)
	}
	return 0
}

func (e *Engine) worker(p *partition) {
	defer e.wg.Done()
	for ev := range p.queue {
		e.deliver(ev)
	}
}

func (e *Engine) deliver(ev Event) {
	for _, fn := range e.handlersFor(ev) {
		e.invoke(fn, ev)
	}
}

func (e *Engine) handlersFor(ev Event) []Handler {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	switch ev.Type {
	case EventTick:
		return append([]Handler(nil), e.tickFns...)
	case EventBar:
		tf := core.Timeframe("")
		if ev.Bar != nil {
			tf = ev.Bar.Timeframe
		}
		out := append([]Handler(nil), e.barFns[tf]...)
		if tf != "" {
			out = append(out, e.barFns[core.Timeframe("")]...)
		}
		return out
	case EventOrder:
		return append([]Handler(nil), e.orderFns...)
	case EventPosition:
		return append([]Handler(nil), e.positionFns...)
	case EventAccount:
		return append([]Handler(nil), e.accountFns...)
	case EventError:
		return append([]Handler(nil), e.errorFns...)
	case EventConnectivity:
		return append([]Handler(nil), e.connFns...)
	case EventCustom:
		return append([]Handler(nil), e.customFns[ev.Tag]...)
	}
	return nil
}

// invoke 执行单个 handler，panic 转为 error 事件投给错误回调。
func (e *Engine) invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic on %s event: %v", ev.Type, r)
			e.log.Error("handler panic isolated",
				zap.String("eventType", string(ev.Type)),
				zap.String("exchange", ev.Exchange),
				zap.String("symbol", ev.Symbol),
				zap.Any("panic", r))
			if ev.Type == EventError {
				return // 错误回调自己 panic 不再递归
			}
			e.deliverError(Event{
				Type:     EventError,
				Exchange: ev.Exchange,
				Symbol:   ev.Symbol,
				Ts:       time.Now().UTC(),
				Err:      err,
			})
		}
	}()
	fn(ev)
}

// deliverError 同分区内联投递，保持该分区事件相对顺序。
func (e *Engine) deliverError(ev Event) {
	e.hmu.RLock()
	fns := append([]Handler(nil), e.errorFns...)
	e.hmu.RUnlock()
	for _, fn := range fns {
		e.invoke(fn, ev)
	}
}
