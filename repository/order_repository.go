package repository

import (
	"errors"
	"log/slog"

	"seckill_mall/global"
	"seckill_mall/model"

	"gorm.io/gorm"
)

// OrderRepository 订单数据访问层
// 负责订单、支付日志、退款日志的数据库操作
// 订单状态迁移全部走条件更新，重复操作自然退化为无效果的空操作
type OrderRepository struct {
	db *gorm.DB // 数据库连接实例
}

// NewOrderRepository 创建订单仓库实例
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		db: global.DBClient, // 使用全局数据库客户端
	}
}

// InsertOrder 在事务中插入订单
// (user_id, seckill_id, time_slot)唯一索引兜底防止重复下单
func (dao *OrderRepository) InsertOrder(tx *gorm.DB, order *model.OrderInfo) error {
	err := tx.Create(order).Error
	if err != nil {
		slog.Error("Failed to insert order",
			"order_no", order.OrderNo,
			"user_id", order.UserId,
			"seckill_id", order.SeckillId,
			"error", err,
		)
	} else {
		slog.Info("Order inserted",
			"order_no", order.OrderNo,
			"user_id", order.UserId,
			"seckill_id", order.SeckillId,
		)
	}
	return err
}

// FindByOrderNo 根据订单号查询订单
func (dao *OrderRepository) FindByOrderNo(orderNo string) (model.OrderInfo, error) {
	var order model.OrderInfo
	err := dao.db.Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		slog.Warn("Order not found in database",
			"order_no", orderNo,
			"error", err,
		)
	}
	return order, err
}

// FindByUserAndOrderNo 根据用户ID和订单号查询订单，归属校验在SQL层完成
func (dao *OrderRepository) FindByUserAndOrderNo(userId int64, orderNo string) (model.OrderInfo, error) {
	var order model.OrderInfo
	err := dao.db.Where("user_id = ? AND order_no = ?", userId, orderNo).First(&order).Error
	return order, err
}

// FindByUserAndSeckill 按(user_id, seckill_id, time_slot)查询订单
// 该三元组有唯一索引，消息重投递时用于识别订单已在前一次投递中创建
func (dao *OrderRepository) FindByUserAndSeckill(userId, seckillId int64, timeSlot int32) (model.OrderInfo, bool, error) {
	var order model.OrderInfo
	err := dao.db.Where("user_id = ? AND seckill_id = ? AND time_slot = ?", userId, seckillId, timeSlot).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return order, false, nil
		}
		return order, false, err
	}
	return order, true, nil
}

// ChangeOrderStatus 条件迁移订单状态，返回受影响行数
// 以当前状态为前置条件，并发重复迁移只有一次生效
func (dao *OrderRepository) ChangeOrderStatus(tx *gorm.DB, orderNo string, from, to int32) (int64, error) {
	result := tx.Model(&model.OrderInfo{}).
		Where("order_no = ? AND status = ?", orderNo, from).
		Update("status", to)

	if result.Error != nil {
		slog.Error("Failed to change order status",
			"order_no", orderNo,
			"from", from,
			"to", to,
			"error", result.Error,
		)
		return 0, result.Error
	}

	slog.Info("Order status transition attempted",
		"order_no", orderNo,
		"from", from,
		"to", to,
		"rows_affected", result.RowsAffected,
	)
	return result.RowsAffected, nil
}

// InsertPayLog 插入支付日志
func (dao *OrderRepository) InsertPayLog(tx *gorm.DB, payLog *model.PayLog) error {
	err := tx.Create(payLog).Error
	if err != nil {
		slog.Error("Failed to insert pay log",
			"trade_no", payLog.TradeNo,
			"out_trade_no", payLog.OutTradeNo,
			"error", err,
		)
	}
	return err
}

// InsertRefundLog 插入退款日志
// out_trade_no唯一索引保证同一订单至多一条退款记录
func (dao *OrderRepository) InsertRefundLog(tx *gorm.DB, refundLog *model.RefundLog) error {
	err := tx.Create(refundLog).Error
	if err != nil {
		slog.Error("Failed to insert refund log",
			"out_trade_no", refundLog.OutTradeNo,
			"error", err,
		)
	}
	return err
}

// FindRefundLogByOutTradeNo 根据商户订单号查询退款日志
// 退款日志的存在性是事务消息回查判定本地事务已提交的依据
func (dao *OrderRepository) FindRefundLogByOutTradeNo(outTradeNo string) (model.RefundLog, bool, error) {
	var refundLog model.RefundLog
	err := dao.db.Where("out_trade_no = ?", outTradeNo).First(&refundLog).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return refundLog, false, nil
		}
		return refundLog, false, err
	}
	return refundLog, true, nil
}

// WithTransaction 执行数据库事务
// 传入的事务函数会在事务中执行
func (dao *OrderRepository) WithTransaction(fn func(tx *gorm.DB) error) error {
	return dao.db.Transaction(fn)
}
