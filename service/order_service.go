package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"seckill_mall/handler"
	"seckill_mall/model"
	"seckill_mall/repository"
	"seckill_mall/util"

	"gorm.io/gorm"
)

// 订单创建结果缓存键前缀与保留时长
const (
	orderResultKeyPrefix = "seckill:result"
	orderResultTTL       = 10 * time.Minute
)

// 订单创建结果码
const (
	OrderResultCodeSuccess int32 = 0 // 创建成功
	OrderResultCodeFailed  int32 = 1 // 创建失败
)

// orderStore 订单saga依赖的订单存储操作
type orderStore interface {
	InsertOrder(tx *gorm.DB, order *model.OrderInfo) error
	FindByUserAndOrderNo(userId int64, orderNo string) (model.OrderInfo, error)
	FindByUserAndSeckill(userId, seckillId int64, timeSlot int32) (model.OrderInfo, bool, error)
	ChangeOrderStatus(tx *gorm.DB, orderNo string, from, to int32) (int64, error)
	WithTransaction(fn func(tx *gorm.DB) error) error
}

// productDecrStore 订单saga依赖的商品库存操作
type productDecrStore interface {
	FindById(seckillId int64) (model.SeckillProduct, error)
	DecrStockIfPositive(tx *gorm.DB, seckillId int64) (int64, error)
}

// sagaMessenger 订单saga依赖的消息发送操作
type sagaMessenger interface {
	SendPayTimeoutMessage(ctx context.Context, msg *model.OrderMessage) error
	SendOrderResult(ctx context.Context, result *model.OrderResult) error
}

// stockCompensator 订单saga与退款路径依赖的库存补偿操作
type stockCompensator interface {
	RestoreStock(ctx context.Context, timeSlot int32, seckillId, userId int64, delta int64) error
	RestoreStockOnce(ctx context.Context, guardKey string, timeSlot int32, seckillId, userId int64, delta int64) error
	RollbackReservation(ctx context.Context, timeSlot int32, seckillId, userId int64)
}

// resultCache 订单创建结果缓存操作
type resultCache interface {
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// OrderService 订单saga协调器
// 消费创建订单消息执行本地事务，成功后投递延迟超时检查消息，
// 任何失败走补偿路径并广播结果
type OrderService struct {
	orderRepo   orderStore       // 订单存储
	productRepo productDecrStore // 商品库存
	messenger   sagaMessenger    // 消息发送
	compensator stockCompensator // 库存补偿
	cache       resultCache      // 结果缓存
}

// NewOrderService 创建订单服务实例
func NewOrderService(stockHandler *handler.StockHandler) *OrderService {
	return &OrderService{
		orderRepo:   repository.NewOrderRepository(),
		productRepo: repository.NewSeckillProductRepository(),
		messenger:   repository.NewKafkaRepository(),
		compensator: stockHandler,
		cache:       repository.NewCounterRepository(),
	}
}

// HandleOrderMessage 处理创建订单消息
// 数据库条件扣减与订单插入在一个本地事务中执行；事务失败时数据库侧
// 原子回滚，补偿只需回滚计数器侧预占并广播失败结果
func (s *OrderService) HandleOrderMessage(ctx context.Context, msg model.OrderMessage) error {
	product, err := s.productRepo.FindById(msg.SeckillId)
	if err != nil {
		s.compensateCreateFailure(ctx, msg, fmt.Sprintf("seckill product not found: %v", err))
		return err
	}

	orderNo := util.NextIdString()
	order := &model.OrderInfo{
		OrderNo:   orderNo,
		UserId:    msg.UserId,
		SeckillId: msg.SeckillId,
		TimeSlot:  msg.TimeSlot,
		Status:    model.OrderStatusUnpaid,
		// 商品快照在创建时固化，此后不再回读商品数据
		ProductName:  product.ProductName,
		ProductImg:   product.ProductImg,
		ProductPrice: product.ProductPrice,
		SeckillPrice: product.SeckillPrice,
		Integral:     product.Integral,
	}

	err = s.orderRepo.WithTransaction(func(tx *gorm.DB) error {
		// 条件扣减：数据库是事实来源，0行受影响即判定售罄
		rows, err := s.productRepo.DecrStockIfPositive(tx, msg.SeckillId)
		if err != nil {
			return err
		}
		if rows == 0 {
			return model.ErrSoldOut
		}
		return s.orderRepo.InsertOrder(tx, order)
	})
	if err != nil {
		// 消息至少一次投递：重投递的消息会命中(user_id, seckill_id, time_slot)
		// 唯一索引。插入失败时先查该三元组，订单已存在说明是重投递，
		// 重新广播成功结果而不是补偿，避免多退计数器并覆盖已有的成功结果
		existing, found, lookupErr := s.orderRepo.FindByUserAndSeckill(msg.UserId, msg.SeckillId, msg.TimeSlot)
		if lookupErr != nil {
			slog.Error("Failed to check existing order after create failure",
				"seckill_id", msg.SeckillId,
				"user_id", msg.UserId,
				"error", lookupErr,
			)
		}
		if found {
			slog.Info("Order message redelivered, order already created",
				"order_no", existing.OrderNo,
				"user_id", msg.UserId,
				"seckill_id", msg.SeckillId,
			)
			s.republishCreated(ctx, msg, existing.OrderNo)
			return nil
		}

		slog.Warn("Order creation transaction failed, compensating",
			"seckill_id", msg.SeckillId,
			"user_id", msg.UserId,
			"error", err,
		)
		s.compensateCreateFailure(ctx, msg, err.Error())
		return err
	}

	// 投递延迟超时检查消息，一次性延迟消息可跨进程重启生效
	timeoutMsg := msg
	timeoutMsg.OrderNo = orderNo
	if err := s.messenger.SendPayTimeoutMessage(ctx, &timeoutMsg); err != nil {
		// 订单已创建成功，超时消息发送失败只记录，不回滚订单
		slog.Error("Failed to schedule pay timeout check",
			"order_no", orderNo,
			"error", err,
		)
	}

	s.publishResult(ctx, &model.OrderResult{
		Token:   msg.Token,
		OrderNo: orderNo,
		Code:    OrderResultCodeSuccess,
		Msg:     "order created",
	})

	slog.Info("Order created by saga",
		"order_no", orderNo,
		"user_id", msg.UserId,
		"seckill_id", msg.SeckillId,
	)
	return nil
}

// HandlePayTimeout 处理支付超时检查消息
// 条件迁移UNPAID到CANCELLED保证幂等：重复投递的超时消息只有一次生效，
// 已支付或已终态的订单是空操作
func (s *OrderService) HandlePayTimeout(ctx context.Context, msg model.OrderMessage) error {
	var cancelled bool
	err := s.orderRepo.WithTransaction(func(tx *gorm.DB) error {
		rows, err := s.orderRepo.ChangeOrderStatus(tx, msg.OrderNo, model.OrderStatusUnpaid, model.OrderStatusCancelled)
		if err != nil {
			return err
		}
		cancelled = rows == 1
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel unpaid order failed: %v", err)
	}

	if !cancelled {
		// 已支付或已被其他超时消息取消
		slog.Info("Pay timeout check no-op, order not unpaid",
			"order_no", msg.OrderNo,
		)
		return nil
	}

	// 取消生效后回补库存并清理标记
	if err := s.compensator.RestoreStock(ctx, msg.TimeSlot, msg.SeckillId, msg.UserId, 1); err != nil {
		slog.Error("Failed to restore stock after timeout cancel",
			"order_no", msg.OrderNo,
			"error", err,
		)
		return err
	}

	slog.Info("Unpaid order cancelled by timeout",
		"order_no", msg.OrderNo,
		"seckill_id", msg.SeckillId,
		"user_id", msg.UserId,
	)
	return nil
}

// HandleOrderResult 消费订单创建结果并写入结果缓存，供前端按令牌轮询
func (s *OrderService) HandleOrderResult(ctx context.Context, result model.OrderResult) {
	jsonData, err := json.Marshal(&result)
	if err != nil {
		slog.Error("Failed to marshal order result", "token", result.Token, "error", err)
		return
	}
	key := fmt.Sprintf("%s:%s", orderResultKeyPrefix, result.Token)
	if err := s.cache.SetString(ctx, key, string(jsonData), orderResultTTL); err != nil {
		slog.Error("Failed to cache order result", "token", result.Token, "error", err)
	}
}

// GetOrderResult 按关联令牌查询订单创建结果，未出结果时pending为true
func (s *OrderService) GetOrderResult(ctx context.Context, token string) (model.OrderResult, bool, error) {
	key := fmt.Sprintf("%s:%s", orderResultKeyPrefix, token)
	value, found, err := s.cache.Get(ctx, key)
	if err != nil {
		return model.OrderResult{}, false, err
	}
	if !found {
		return model.OrderResult{}, true, nil
	}

	var result model.OrderResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		return model.OrderResult{}, false, fmt.Errorf("unmarshal order result failed: %v", err)
	}
	return result, false, nil
}

// GetOrderDetail 查询订单详情，归属校验在查询条件中完成
func (s *OrderService) GetOrderDetail(userId int64, orderNo string) (model.OrderInfo, error) {
	order, err := s.orderRepo.FindByUserAndOrderNo(userId, orderNo)
	if err != nil {
		return model.OrderInfo{}, fmt.Errorf("order %s not found for user %d: %v", orderNo, userId, err)
	}
	return order, nil
}

// republishCreated 重投递恢复：订单已在前一次投递中创建，
// 重新投递超时检查消息并广播成功结果，两者下游均幂等
func (s *OrderService) republishCreated(ctx context.Context, msg model.OrderMessage, orderNo string) {
	timeoutMsg := msg
	timeoutMsg.OrderNo = orderNo
	if err := s.messenger.SendPayTimeoutMessage(ctx, &timeoutMsg); err != nil {
		slog.Error("Failed to reschedule pay timeout check",
			"order_no", orderNo,
			"error", err,
		)
	}
	s.publishResult(ctx, &model.OrderResult{
		Token:   msg.Token,
		OrderNo: orderNo,
		Code:    OrderResultCodeSuccess,
		Msg:     "order created",
	})
}

// compensateCreateFailure 创建失败补偿：回滚计数器侧预占并广播失败结果
func (s *OrderService) compensateCreateFailure(ctx context.Context, msg model.OrderMessage, reason string) {
	s.compensator.RollbackReservation(ctx, msg.TimeSlot, msg.SeckillId, msg.UserId)
	s.publishResult(ctx, &model.OrderResult{
		Token: msg.Token,
		Code:  OrderResultCodeFailed,
		Msg:   reason,
	})
}

// publishResult 广播订单创建结果，失败只记录日志
func (s *OrderService) publishResult(ctx context.Context, result *model.OrderResult) {
	if err := s.messenger.SendOrderResult(ctx, result); err != nil {
		slog.Error("Failed to publish order result",
			"token", result.Token,
			"error", err,
		)
	}
}
