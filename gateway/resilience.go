package gateway

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/core"
)

// ConnState is the resilience state of one adapter connection.
type ConnState string

const (
	StateConnected    ConnState = "CONNECTED"
	StateDegraded     ConnState = "DEGRADED"
	StatePaused       ConnState = "PAUSED"
	StateReconnecting ConnState = "RECONNECTING"
)

type connTransition struct {
	From ConnState
	To   ConnState
}

// 合法的状态转换表。PAUSED 只能经 RECONNECTING 回到 CONNECTED；
// 致命鉴权错误直接落到 PAUSED 等待人工介入。
var connTransitions = map[connTransition]bool{
	{StateConnected, StateDegraded}:        true,
	{StateConnected, StatePaused}:          true,
	{StateDegraded, StateConnected}:        true,
	{StateDegraded, StateDegraded}:         true,
	{StateDegraded, StatePaused}:           true,
	{StatePaused, StateReconnecting}:       true,
	{StateReconnecting, StateConnected}:    true,
	{StateReconnecting, StateReconnecting}: true,
	{StateReconnecting, StatePaused}:       true,
}

// StateListener 在每次状态变化时回调（用于发布 connectivity 事件）。
type StateListener func(exchange string, from, to ConnState)

// SupervisorConfig tunes the failure threshold and backoff schedule.
type SupervisorConfig struct {
	FailureThreshold int           // 连续瞬时失败多少次进入 PAUSED
	InitialBackoff   time.Duration // 重连初始退避
	MaxBackoff       time.Duration // 退避上限
	MaxRetries       int           // 重连次数上限，超过停留在 PAUSED
	JitterFraction   float64       // 退避抖动比例 [0,1)
}

// DefaultSupervisorConfig 与常见交易所限频/封禁节奏匹配的默认值。
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		FailureThreshold: 3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		MaxRetries:       10,
		JitterFraction:   0.2,
	}
}

// Supervisor 每个适配器一个：跟踪连接健康，执行
// CONNECTED→DEGRADED→PAUSED→RECONNECTING→CONNECTED 状态机。
// 隔离按适配器：一个交易所降级不影响其他交易所。
type Supervisor struct {
	exchange string
	cfg      SupervisorConfig
	log      *zap.Logger

	mu          sync.RWMutex
	state       ConnState
	consecutive int
	retries     int
	listeners   []StateListener
}

func NewSupervisor(exchange string, cfg SupervisorConfig, log *zap.Logger) *Supervisor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		exchange: exchange,
		cfg:      cfg,
		log:      log,
		state:    StateConnected,
	}
}

// OnStateChange 注册状态监听器。
func (s *Supervisor) OnStateChange(fn StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// State 当前状态。
func (s *Supervisor) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Available reports whether outbound order calls may proceed.
// PAUSED/RECONNECTING 期间调用方必须得到 ErrExchangeUnavailable，
// 不做任何网络 I/O。
func (s *Supervisor) Available() bool {
	st := s.State()
	return st == StateConnected || st == StateDegraded
}

// Guard 在出站订单调用前检查可用性。
func (s *Supervisor) Guard() error {
	if !s.Available() {
		return fmt.Errorf("%s is %s: %w", s.exchange, s.State(), core.ErrExchangeUnavailable)
	}
	return nil
}

// RecordSuccess 任意成功调用后复位计数并回到 CONNECTED。
func (s *Supervisor) RecordSuccess() {
	s.mu.Lock()
	s.consecutive = 0
	s.retries = 0
	prev := s.state
	var fired []StateListener
	if prev == StateDegraded || prev == StateReconnecting {
		s.state = StateConnected
		fired = append([]StateListener(nil), s.listeners...)
	}
	s.mu.Unlock()
	for _, fn := range fired {
		fn(s.exchange, prev, StateConnected)
	}
}

// RecordFailure 登记一次失败并推进状态机。瞬时 I/O 或限流错误先进
// DEGRADED，连续超过阈值进 PAUSED；致命配置/鉴权错误直接 PAUSED。
func (s *Supervisor) RecordFailure(err error) {
	fatal := errors.Is(err, core.ErrConfiguration)
	transient := errors.Is(err, core.ErrExchangeUnavailable) ||
		errors.Is(err, core.ErrRateLimitExceeded) ||
		errors.Is(err, core.ErrTimeout)
	if !fatal && !transient {
		// 调用方逻辑错误（InvalidOrderState 等）不影响连接健康。
		return
	}

	s.mu.Lock()
	prev := s.state
	next := prev
	if fatal {
		next = StatePaused
	} else {
		s.consecutive++
		if s.consecutive >= s.cfg.FailureThreshold {
			next = StatePaused
		} else if prev == StateConnected {
			next = StateDegraded
		}
	}
	var fired []StateListener
	if next != prev && connTransitions[connTransition{prev, next}] {
		s.state = next
		fired = append([]StateListener(nil), s.listeners...)
	}
	s.mu.Unlock()

	if next != prev {
		s.log.Warn("resilience state change",
			zap.String("exchange", s.exchange),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Error(err))
	}
	for _, fn := range fired {
		fn(s.exchange, prev, next)
	}
}

// NextBackoff 返回下一次重连前应等待的时间（指数退避+抖动），以及是否
// 还允许重试。调用方负责真正的 sleep 与重连。
func (s *Supervisor) NextBackoff() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxRetries > 0 && s.retries >= s.cfg.MaxRetries {
		return 0, false
	}
	d := s.cfg.InitialBackoff
	for i := 0; i < s.retries; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			d = s.cfg.MaxBackoff
			break
		}
	}
	s.retries++
	if s.cfg.JitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * s.cfg.JitterFraction * float64(d))
		d += jitter
	}
	return d, true
}

// BeginReconnect 进入 RECONNECTING；只允许从 PAUSED 进入。
func (s *Supervisor) BeginReconnect() bool {
	return s.transition(StateReconnecting)
}

// Pause 手动挂起（操作员介入或重试耗尽）。
func (s *Supervisor) Pause() bool {
	return s.transition(StatePaused)
}

func (s *Supervisor) transition(to ConnState) bool {
	s.mu.Lock()
	prev := s.state
	ok := connTransitions[connTransition{prev, to}]
	var fired []StateListener
	if ok {
		s.state = to
		fired = append([]StateListener(nil), s.listeners...)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	for _, fn := range fired {
		fn(s.exchange, prev, to)
	}
	return true
}
