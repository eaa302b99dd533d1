package model

import "errors"

// 业务结果错误值
// 预期中的业务失败用类型化错误表达，调用方按值判断，不依赖panic
var (
	// ErrSoldOut 库存已耗尽
	ErrSoldOut = errors.New("seckill product sold out")

	// ErrRepeatOrder 用户在同一场次已下过单
	ErrRepeatOrder = errors.New("repeat order for the same seckill slot")

	// ErrInsufficientIntegral 可用积分不足，Try阶段整体回滚
	ErrInsufficientIntegral = errors.New("insufficient integral balance")

	// ErrInvalidStateTransition 非法状态迁移（已退款订单再退款等），
	// 记录不一致日志后安全空操作，不属于致命错误
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrSeckillDisabled 秒杀开关已关闭
	ErrSeckillDisabled = errors.New("seckill is disabled")

	// ErrNotInSaleWindow 不在秒杀场次时间窗口内
	ErrNotInSaleWindow = errors.New("not in seckill sale window")
)
