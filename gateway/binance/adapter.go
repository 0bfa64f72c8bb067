package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/core"
	"trading-engine-go/gateway"
)

const exchangeName = "binance"

// Config 适配器构造参数。凭证由外部（env/secret manager）注入。
type Config struct {
	APIKey       string
	APISecret    string
	RESTEndpoint string
	WSEndpoint   string
	MarketType   core.MarketType
	MarginMode   core.MarginMode
	PositionMode core.PositionMode

	// WeightBudget 每分钟请求权重预算；0 用 binance 默认 2400。
	WeightBudget int
	Supervisor   gateway.SupervisorConfig

	// HTTPClient 可注入（测试用 httptest）；nil 用带超时的默认 client。
	HTTPClient *http.Client
}

// Adapter implements gateway.Adapter for Binance USDⓈ-M futures.
// It owns the physical connections, the per-adapter rate budget and the
// resilience state; nothing here is shared with other adapters.
type Adapter struct {
	cfg        Config
	rest       *restClient
	limiter    *gateway.WeightedLimiter
	sup        *gateway.Supervisor
	log        *zap.Logger
	dial       wsDialer
	wsEndpoint string

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New validates the configuration and builds an unconnected adapter.
// Binance USDⓈ-M is linear-only: requesting inverse contracts is a fatal
// configuration error, not something to degrade around.
func New(cfg Config, log *zap.Logger) (*Adapter, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("binance: missing credentials: %w", core.ErrConfiguration)
	}
	if cfg.MarketType == core.MarketInverse {
		return nil, fmt.Errorf("binance usd-m adapter cannot trade inverse contracts: %w", core.ErrConfiguration)
	}
	if cfg.MarketType == "" {
		cfg.MarketType = core.MarketLinear
	}
	if cfg.PositionMode == "" {
		cfg.PositionMode = core.PositionOneWay
	}
	if cfg.WSEndpoint == "" {
		cfg.WSEndpoint = DefaultWSEndpoint
	}
	if cfg.WeightBudget <= 0 {
		cfg.WeightBudget = 2400
	}
	if log == nil {
		log = zap.NewNop()
	}

	limiter := gateway.NewWeightedLimiter(cfg.WeightBudget, time.Minute)
	// 端点权重来自 binance 接口文档。
	limiter.SetEndpointWeight("order", 1)
	limiter.SetEndpointWeight("account", 5)
	limiter.SetEndpointWeight("listenKey", 1)

	a := &Adapter{
		cfg:        cfg,
		rest:       newRESTClient(cfg.RESTEndpoint, cfg.APIKey, cfg.APISecret, cfg.HTTPClient),
		limiter:    limiter,
		sup:        gateway.NewSupervisor(exchangeName, cfg.Supervisor, log),
		log:        log,
		dial:       gorillaDialer,
		wsEndpoint: cfg.WSEndpoint,
	}
	return a, nil
}

func (a *Adapter) Name() string          { return exchangeName }
func (a *Adapter) MinAPIVersion() string { return apiVersion }

// Supervisor exposes the resilience state machine for connectivity events.
func (a *Adapter) Supervisor() *gateway.Supervisor { return a.sup }

// Connect 验证 API 版本与凭证。版本化路径 404 说明交易所已下线该版本，
// 属配置错误；鉴权失败同样致命。都不走运行期重试。
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.rest.ping(ctx); err != nil {
		return fmt.Errorf("binance connect (api %s): %w", apiVersion, err)
	}
	if _, err := a.rest.account(ctx); err != nil {
		return fmt.Errorf("binance credential check: %w", err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.sup.RecordSuccess()
	a.log.Info("adapter connected",
		zap.String("exchange", exchangeName),
		zap.String("marketType", string(a.cfg.MarketType)),
		zap.String("positionMode", string(a.cfg.PositionMode)))
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()
	a.log.Info("adapter disconnected", zap.String("exchange", exchangeName))
	return nil
}

func (a *Adapter) FetchPortfolio(ctx context.Context) (core.Portfolio, error) {
	if err := a.sup.Guard(); err != nil {
		return core.Portfolio{}, err
	}
	if err := a.limiter.AcquireEndpoint(ctx, "account"); err != nil {
		return core.Portfolio{}, err
	}
	wa, err := a.rest.account(ctx)
	if err != nil {
		a.sup.RecordFailure(err)
		return core.Portfolio{}, err
	}
	a.sup.RecordSuccess()
	return mapPortfolio(wa), nil
}

// CreateOrder 下单。引擎 ID 作为 newClientOrderId 带给交易所，
// 回报由此对回引擎内的订单。
func (a *Adapter) CreateOrder(ctx context.Context, o core.Order) (core.Order, error) {
	if err := a.sup.Guard(); err != nil {
		return core.Order{}, err
	}
	if o.Type != core.TypeMarket && o.Type != core.TypeLimit {
		return core.Order{}, fmt.Errorf("binance: order type %q: %w", o.Type, core.ErrUnsupportedOperation)
	}
	params := map[string]string{
		"symbol":           strings.ToUpper(o.Symbol),
		"side":             string(o.Side),
		"type":             string(o.Type),
		"quantity":         strconv.FormatFloat(o.Quantity, 'f', -1, 64),
		"newClientOrderId": o.ID,
	}
	if o.Type == core.TypeLimit {
		params["price"] = strconv.FormatFloat(o.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	}
	a.applyPositionParams(params, o)

	if err := a.limiter.AcquireEndpoint(ctx, "order"); err != nil {
		return core.Order{}, err
	}
	wo, err := a.rest.placeOrder(ctx, params)
	if err != nil {
		a.sup.RecordFailure(err)
		return core.Order{}, err
	}
	a.sup.RecordSuccess()
	return mapOrder(wo), nil
}

// applyPositionParams 把“平仓”翻译成 binance 原生语义：单向模式用
// reduceOnly，对冲模式用 positionSide 选腿（reduceOnly 与 positionSide
// 互斥，交易所由腿推断方向）。
func (a *Adapter) applyPositionParams(params map[string]string, o core.Order) {
	if a.cfg.PositionMode == core.PositionHedge {
		// 平多发 SELL/LONG，平空发 BUY/SHORT；开仓与方向同侧。
		side := "LONG"
		if (o.Side == core.SideSell) != o.ReduceOnly {
			side = "SHORT"
		}
		params["positionSide"] = side
		return
	}
	if o.ReduceOnly {
		params["reduceOnly"] = "true"
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, id string) (core.Order, error) {
	if err := a.sup.Guard(); err != nil {
		return core.Order{}, err
	}
	if err := a.limiter.AcquireEndpoint(ctx, "order"); err != nil {
		return core.Order{}, err
	}
	// binance 撤单需要 symbol；clientOrderId 里编码了 symbol 段时可省，
	// 这里统一通过 openOrder 查询回填。
	wo, err := a.rest.cancelOrder(ctx, a.symbolForOrder(ctx, id), id)
	if err != nil {
		a.sup.RecordFailure(err)
		return core.Order{}, err
	}
	a.sup.RecordSuccess()
	return mapOrder(wo), nil
}

func (a *Adapter) ModifyOrder(ctx context.Context, id string, patch gateway.OrderPatch) (core.Order, error) {
	if err := a.sup.Guard(); err != nil {
		return core.Order{}, err
	}
	if patch.Price == nil && patch.Quantity == nil {
		return core.Order{}, fmt.Errorf("binance: empty order patch: %w", core.ErrInvalidOrderState)
	}
	params := map[string]string{
		"origClientOrderId": id,
		"symbol":            a.symbolForOrder(ctx, id),
	}
	if patch.Price != nil {
		params["price"] = strconv.FormatFloat(*patch.Price, 'f', -1, 64)
	}
	if patch.Quantity != nil {
		params["quantity"] = strconv.FormatFloat(*patch.Quantity, 'f', -1, 64)
	}
	if err := a.limiter.AcquireEndpoint(ctx, "order"); err != nil {
		return core.Order{}, err
	}
	wo, err := a.rest.modifyOrder(ctx, params)
	if err != nil {
		a.sup.RecordFailure(err)
		return core.Order{}, err
	}
	a.sup.RecordSuccess()
	return mapOrder(wo), nil
}

// symbolForOrder 引擎的 clientOrderId 前缀编码 symbol（见 order 包的
// ID 生成）；解析不出来时退回空串让交易所报错。
func (a *Adapter) symbolForOrder(_ context.Context, id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return strings.ToUpper(id[:i])
	}
	return ""
}

// StreamMarketData 订阅 kline combined stream，只发收盘的 bar。
// 断线重连后第一根 bar 带 Discontinuity 标记，缺失的 bar 不回放。
func (a *Adapter) StreamMarketData(ctx context.Context, symbol string, tf core.Timeframe) (<-chan core.MarketData, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("binance: timeframe %q: %w", tf, core.ErrUnsupportedOperation)
	}
	stream := strings.ToLower(symbol) + "@kline_" + string(tf)
	out := make(chan core.MarketData, 64)
	var resumed bool
	var mu sync.Mutex

	go func() {
		defer close(out)
		a.streamLoop(ctx, []string{stream},
			func(raw []byte) {
				var msg combinedMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					return
				}
				var wk wireKline
				if err := json.Unmarshal(msg.Data, &wk); err != nil || wk.EventType != "kline" {
					return
				}
				if !wk.Kline.Closed {
					return
				}
				bar := mapKline(wk)
				mu.Lock()
				if resumed {
					bar.Discontinuity = true
					resumed = false
				}
				mu.Unlock()
				select {
				case out <- bar:
				case <-ctx.Done():
				}
			},
			func() {
				mu.Lock()
				resumed = true
				mu.Unlock()
			})
	}()
	return out, nil
}

func (a *Adapter) StreamTicks(ctx context.Context, symbol string) (<-chan core.Tick, error) {
	stream := strings.ToLower(symbol) + "@aggTrade"
	out := make(chan core.Tick, 256)
	go func() {
		defer close(out)
		a.streamLoop(ctx, []string{stream}, func(raw []byte) {
			var msg combinedMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			var wt wireAggTrade
			if err := json.Unmarshal(msg.Data, &wt); err != nil || wt.EventType != "aggTrade" {
				return
			}
			select {
			case out <- mapAggTrade(wt):
			case <-ctx.Done():
			}
		}, nil)
	}()
	return out, nil
}

// StreamAccountEvents 订阅用户数据流（订单/仓位/余额）。
func (a *Adapter) StreamAccountEvents(ctx context.Context) (<-chan gateway.AccountEvent, error) {
	key, err := a.rest.listenKey(ctx)
	if err != nil {
		a.sup.RecordFailure(err)
		return nil, err
	}
	out := make(chan gateway.AccountEvent, 64)
	go a.keepAliveLoop(ctx)
	go func() {
		defer close(out)
		a.streamLoop(ctx, []string{key}, func(raw []byte) {
			for _, ev := range parseUserMessage(raw) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}, nil)
	}()
	return out, nil
}

// parseUserMessage 解析用户流推送；未知事件类型整条丢弃。
func parseUserMessage(raw []byte) []gateway.AccountEvent {
	data := raw
	var combined combinedMessage
	if err := json.Unmarshal(raw, &combined); err == nil && len(combined.Data) > 0 {
		data = combined.Data
	}
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil
	}
	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		var wu wireOrderUpdate
		if err := json.Unmarshal(data, &wu); err != nil {
			return nil
		}
		o, tr := mapOrderUpdate(wu)
		return []gateway.AccountEvent{{
			Kind:     gateway.AccountEventOrder,
			Exchange: exchangeName,
			Order:    &o,
			Trade:    tr,
		}}
	case "ACCOUNT_UPDATE":
		var wa wireAccountUpdate
		if err := json.Unmarshal(data, &wa); err != nil {
			return nil
		}
		balances, positions := mapAccountUpdate(wa)
		events := make([]gateway.AccountEvent, 0, 1+len(positions))
		if len(balances) > 0 {
			events = append(events, gateway.AccountEvent{
				Kind:     gateway.AccountEventBalance,
				Exchange: exchangeName,
				Balances: balances,
			})
		}
		for i := range positions {
			events = append(events, gateway.AccountEvent{
				Kind:     gateway.AccountEventPosition,
				Exchange: exchangeName,
				Position: &positions[i],
			})
		}
		return events
	}
	return nil
}
