package core

import "errors"

// 错误分类。调用方用 errors.Is 判断类别，细节用 %w 包装。
var (
	// ErrConfiguration：启动期致命错误（坏凭证、适配器不支持的市场类型、
	// API 版本不匹配），不重试。
	ErrConfiguration = errors.New("configuration error")

	// ErrExchangeUnavailable：适配器处于 PAUSED/RECONNECTING，或瞬时 I/O
	// 失败。驱动韧性状态机，自动退避重试。
	ErrExchangeUnavailable = errors.New("exchange unavailable")

	// ErrRateLimitExceeded：交易所返回限流。可恢复，计入退避，不致命。
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidOrderState：对终态订单撤单/改单等调用方逻辑错误，
	// 立即返回，永不重试。
	ErrInvalidOrderState = errors.New("invalid order state")

	// ErrUnsupportedOperation：交易所无法表达该请求（如不支持反向合约）。
	// 单次调用致命，快速失败而不是静默降级。
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTimeout：调用超时，结果不确定；底层调用可能仍会完成，
	// 由订单管理器在晚到回报时对账。
	ErrTimeout = errors.New("timeout")

	// ErrUnknownOrder：订单管理器不认识该 ID。
	ErrUnknownOrder = errors.New("unknown order")
)
