// Package order owns the authoritative lifecycle of every order in the
// engine, independent of which exchange adapter executes it. Adapters only
// propose transitions; the manager validates and applies them.
package order

import (
	"fmt"

	"trading-engine-go/core"
)

// StateTransition 状态转换。
type StateTransition struct {
	From core.Status
	To   core.Status
}

// StateMachine 订单状态机：集中登记所有合法转换，保证状态单调
// （不可能从终态转出，不可能 FILLED→NEW）。
type StateMachine struct {
	transitions map[StateTransition]bool
}

func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[StateTransition]bool)}
	legal := []StateTransition{
		// 从 NEW 可以转到
		{core.StatusNew, core.StatusPartial},
		{core.StatusNew, core.StatusFilled},
		{core.StatusNew, core.StatusCanceled},
		{core.StatusNew, core.StatusRejected},
		{core.StatusNew, core.StatusExpired},

		// 从 PARTIALLY_FILLED 可以转到
		{core.StatusPartial, core.StatusPartial}, // 多次部分成交
		{core.StatusPartial, core.StatusFilled},
		{core.StatusPartial, core.StatusCanceled},
		{core.StatusPartial, core.StatusExpired},

		// 终态不能转换（FILLED, CANCELED, REJECTED, EXPIRED）
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
	return sm
}

// ValidateTransition 验证状态转换是否合法；相同状态允许（幂等）。
func (sm *StateMachine) ValidateTransition(from, to core.Status) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition %s -> %s: %w", from, to, core.ErrInvalidOrderState)
	}
	return nil
}

// CanCancel 判断当前状态下是否可以撤单/改单。
func (sm *StateMachine) CanCancel(status core.Status) bool {
	return status.Active()
}
