package binance

import (
	"encoding/json"
	"strconv"
	"time"

	"trading-engine-go/core"
)

// 本文件是 wire → canonical 的唯一映射点。未识别的字段在这里被丢弃，
// 不会泄漏到引擎其他部分。

// wireOrder /fapi/v1/order 响应。
type wireOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Price         string `json:"price"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// wireAccount /fapi/v2/account 响应的核心字段。
type wireAccount struct {
	Assets []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
		WalletBalance    string `json:"walletBalance"`
	} `json:"assets"`
	Positions []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		InitialMargin    string `json:"initialMargin"`
		Leverage         string `json:"leverage"`
	} `json:"positions"`
}

func f64(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

var statusMap = map[string]core.Status{
	"NEW":              core.StatusNew,
	"PARTIALLY_FILLED": core.StatusPartial,
	"FILLED":           core.StatusFilled,
	"CANCELED":         core.StatusCanceled,
	"REJECTED":         core.StatusRejected,
	"EXPIRED":          core.StatusExpired,
	// 撤单竞态下 binance 返回的过渡态，对引擎而言仍是活跃单
	"PENDING_CANCEL": core.StatusPartial,
}

func mapStatus(s string) core.Status {
	if st, ok := statusMap[s]; ok {
		return st
	}
	return core.StatusNew
}

// mapOrder wire 订单 → 规范订单。engineID 即我们下单时带的
// clientOrderId，保证回报能对回引擎内的订单。
func mapOrder(wo wireOrder) core.Order {
	return core.Order{
		ID:         wo.ClientOrderID,
		ExchangeID: strconv.FormatInt(wo.OrderID, 10),
		Exchange:   exchangeName,
		Symbol:     wo.Symbol,
		Type:       core.OrderType(wo.Type),
		Side:       core.Side(wo.Side),
		Quantity:   f64(wo.OrigQty),
		Price:      f64(wo.Price),
		Status:     mapStatus(wo.Status),
		FilledQty:  f64(wo.ExecutedQty),
		AvgPrice:   f64(wo.AvgPrice),
		ReduceOnly: wo.ReduceOnly,
		UpdatedAt:  time.UnixMilli(wo.UpdateTime).UTC(),
	}
}

func mapPortfolio(wa wireAccount) core.Portfolio {
	p := core.NewPortfolio()
	for _, a := range wa.Assets {
		total := f64(a.WalletBalance)
		free := f64(a.AvailableBalance)
		if total == 0 {
			continue
		}
		locked := total - free
		if locked < 0 {
			locked = 0
		}
		p.Balances[a.Asset] = core.Balance{Asset: a.Asset, Free: free, Locked: locked}
	}
	for _, wp := range wa.Positions {
		size := f64(wp.PositionAmt)
		if size == 0 {
			continue
		}
		p.Positions = append(p.Positions, core.Position{
			Exchange:      exchangeName,
			Symbol:        wp.Symbol,
			Size:          size,
			EntryPrice:    f64(wp.EntryPrice),
			UnrealizedPnL: f64(wp.UnrealizedProfit),
			MarginUsed:    f64(wp.InitialMargin),
			Leverage:      f64(wp.Leverage),
		})
	}
	p.UpdatedAt = time.Now().UTC()
	return p
}

// ---- websocket payloads ----

// combinedMessage 对应 binance combined stream 包装。
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wireKline kline 推送。
type wireKline struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		Interval string `json:"i"`
		StartTs  int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// wireAggTrade aggTrade 推送。
type wireAggTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTs   int64  `json:"T"`
}

// wireOrderUpdate ORDER_TRADE_UPDATE 用户流推送。
type wireOrderUpdate struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		LastFillQty   string `json:"l"`
		LastFillPrice string `json:"L"`
		Fee           string `json:"n"`
		TradeID       int64  `json:"t"`
		TradeTs       int64  `json:"T"`
		ReduceOnly    bool   `json:"R"`
	} `json:"o"`
}

// wireAccountUpdate ACCOUNT_UPDATE 用户流推送。
type wireAccountUpdate struct {
	EventType string `json:"e"`
	Data      struct {
		Balances []struct {
			Asset   string `json:"a"`
			Balance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol     string `json:"s"`
			Amount     string `json:"pa"`
			EntryPrice string `json:"ep"`
			UnPnL      string `json:"up"`
		} `json:"P"`
	} `json:"a"`
}

func mapKline(wk wireKline) core.MarketData {
	return core.MarketData{
		Exchange:  exchangeName,
		Symbol:    wk.Symbol,
		Timeframe: core.Timeframe(wk.Kline.Interval),
		Ts:        time.UnixMilli(wk.Kline.StartTs).UTC(),
		Open:      f64(wk.Kline.Open),
		High:      f64(wk.Kline.High),
		Low:       f64(wk.Kline.Low),
		Close:     f64(wk.Kline.Close),
		Volume:    f64(wk.Kline.Volume),
	}
}

func mapAggTrade(wt wireAggTrade) core.Tick {
	return core.Tick{
		Exchange: exchangeName,
		Symbol:   wt.Symbol,
		Price:    f64(wt.Price),
		Qty:      f64(wt.Qty),
		Ts:       time.UnixMilli(wt.TradeTs).UTC(),
	}
}

// mapOrderUpdate 用户流订单推送 → 规范订单 +（若有成交）规范成交。
func mapOrderUpdate(wu wireOrderUpdate) (core.Order, *core.Trade) {
	o := core.Order{
		ID:         wu.Order.ClientOrderID,
		ExchangeID: strconv.FormatInt(wu.Order.OrderID, 10),
		Exchange:   exchangeName,
		Symbol:     wu.Order.Symbol,
		Type:       core.OrderType(wu.Order.Type),
		Side:       core.Side(wu.Order.Side),
		Quantity:   f64(wu.Order.OrigQty),
		Price:      f64(wu.Order.Price),
		Status:     mapStatus(wu.Order.Status),
		FilledQty:  f64(wu.Order.FilledQty),
		AvgPrice:   f64(wu.Order.AvgPrice),
		ReduceOnly: wu.Order.ReduceOnly,
		UpdatedAt:  time.UnixMilli(wu.Order.TradeTs).UTC(),
	}
	lastQty := f64(wu.Order.LastFillQty)
	if lastQty <= 0 {
		return o, nil
	}
	tr := &core.Trade{
		ID:       strconv.FormatInt(wu.Order.TradeID, 10),
		OrderID:  wu.Order.ClientOrderID,
		Exchange: exchangeName,
		Symbol:   wu.Order.Symbol,
		Side:     core.Side(wu.Order.Side),
		Quantity: lastQty,
		Price:    f64(wu.Order.LastFillPrice),
		Fee:      f64(wu.Order.Fee),
		Ts:       time.UnixMilli(wu.Order.TradeTs).UTC(),
	}
	return o, tr
}

func mapAccountUpdate(wa wireAccountUpdate) ([]core.Balance, []core.Position) {
	balances := make([]core.Balance, 0, len(wa.Data.Balances))
	for _, b := range wa.Data.Balances {
		balances = append(balances, core.Balance{Asset: b.Asset, Free: f64(b.Balance)})
	}
	positions := make([]core.Position, 0, len(wa.Data.Positions))
	for _, p := range wa.Data.Positions {
		positions = append(positions, core.Position{
			Exchange:      exchangeName,
			Symbol:        p.Symbol,
			Size:          f64(p.Amount),
			EntryPrice:    f64(p.EntryPrice),
			UnrealizedPnL: f64(p.UnPnL),
			UpdatedAt:     time.Now().UTC(),
		})
	}
	return balances, positions
}
