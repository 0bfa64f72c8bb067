package gateway

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"trading-engine-go/core"
)

// CSVSource 从 CSV 读历史 K 线，列为
// ts(ms),open,high,low,close,volume，供 BACKTEST 模式回放。
type CSVSource struct {
	Path     string
	Exchange string
}

func (s CSVSource) Bars(ctx context.Context, symbol string, tf core.Timeframe) (<-chan core.MarketData, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", s.Path, err)
	}
	out := make(chan core.MarketData, 256)
	go func() {
		defer close(out)
		defer f.Close()
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		for {
			rec, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil || len(rec) < 6 {
				continue
			}
			ms, err := strconv.ParseInt(rec[0], 10, 64)
			if err != nil {
				continue // 表头或坏行
			}
			bar := core.MarketData{
				Exchange:  s.Exchange,
				Symbol:    symbol,
				Timeframe: tf,
				Ts:        time.UnixMilli(ms).UTC(),
			}
			bar.Open, _ = strconv.ParseFloat(rec[1], 64)
			bar.High, _ = strconv.ParseFloat(rec[2], 64)
			bar.Low, _ = strconv.ParseFloat(rec[3], 64)
			bar.Close, _ = strconv.ParseFloat(rec[4], 64)
			bar.Volume, _ = strconv.ParseFloat(rec[5], 64)
			select {
			case out <- bar:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ReplayAdapter 回放历史行情并用与 PAPER 相同的撮合模型模拟成交。
// Speed>0 时按 bar 间隔除以 Speed 的节奏回放，0 表示最大吞吐。
type ReplayAdapter struct {
	exchange string
	source   HistoricalSource
	sim      *simulator
	speed    float64
}

func NewReplayAdapter(exchange string, source HistoricalSource, model FillModel, speed float64) *ReplayAdapter {
	return &ReplayAdapter{
		exchange: exchange,
		source:   source,
		sim:      newSimulator(model),
		speed:    speed,
	}
}

func (r *ReplayAdapter) Name() string          { return r.exchange }
func (r *ReplayAdapter) MinAPIVersion() string { return "replay" }

func (r *ReplayAdapter) Connect(context.Context) error    { return nil }
func (r *ReplayAdapter) Disconnect(context.Context) error { return nil }

func (r *ReplayAdapter) FetchPortfolio(context.Context) (core.Portfolio, error) {
	return core.NewPortfolio(), nil
}

func (r *ReplayAdapter) CreateOrder(_ context.Context, o core.Order) (core.Order, error) {
	return r.sim.create(r.exchange, o)
}

func (r *ReplayAdapter) CancelOrder(_ context.Context, id string) (core.Order, error) {
	return r.sim.cancel(id)
}

func (r *ReplayAdapter) ModifyOrder(_ context.Context, id string, patch OrderPatch) (core.Order, error) {
	return r.sim.modify(id, patch)
}

// StreamMarketData 回放 bar，并把每根 bar 的收盘价合成为一个 tick 驱动
// 模拟撮合（回测粒度即 bar 粒度）。
func (r *ReplayAdapter) StreamMarketData(ctx context.Context, symbol string, tf core.Timeframe) (<-chan core.MarketData, error) {
	bars, err := r.source.Bars(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}
	interval, err := tf.Duration()
	if err != nil {
		return nil, fmt.Errorf("replay: %v: %w", err, core.ErrUnsupportedOperation)
	}
	out := make(chan core.MarketData, 64)
	go func() {
		defer close(out)
		var delay time.Duration
		if r.speed > 0 {
			delay = time.Duration(float64(interval) / r.speed)
		}
		for bar := range bars {
			r.sim.onTick(core.Tick{
				Exchange: r.exchange,
				Symbol:   symbol,
				Price:    bar.Close,
				Qty:      bar.Volume,
				Ts:       bar.Ts,
			})
			select {
			case out <- bar:
			case <-ctx.Done():
				return
			}
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
	}()
	return out, nil
}

// StreamTicks 回测里 tick 即 bar 收盘价，由 StreamMarketData 合成；
// 这里返回空流避免重复撮合。
func (r *ReplayAdapter) StreamTicks(ctx context.Context, symbol string) (<-chan core.Tick, error) {
	out := make(chan core.Tick)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// StreamAccountEvents 转发模拟回报；ctx 取消后把已产生的回报排空再
// 关流，保证最后几笔成交不丢。
func (r *ReplayAdapter) StreamAccountEvents(ctx context.Context) (<-chan AccountEvent, error) {
	out := make(chan AccountEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case ev := <-r.sim.events:
						out <- ev
					default:
						return
					}
				}
			case ev := <-r.sim.events:
				// 消费端读到流关闭为止，阻塞发送不丢事件。
				out <- ev
			}
		}
	}()
	return out, nil
}
