package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seckill_mall/handler"
	"seckill_mall/model"
	"seckill_mall/repository"
	"seckill_mall/util"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 退款原因文案
const refundReasonDefault = "seckill order refund"

// PayGateway 外部在线支付网关协作方
// 网关协议细节在服务外部实现，这里只消费预支付与退款两个操作
type PayGateway interface {
	Prepay(ctx context.Context, orderNo string, amount float64, subject string) (string, error)
	Refund(ctx context.Context, outTradeNo string, amount float64, reason string) (bool, error)
}

// payStore 支付编排依赖的订单与支付日志存储操作
type payStore interface {
	FindByOrderNo(orderNo string) (model.OrderInfo, error)
	ChangeOrderStatus(tx *gorm.DB, orderNo string, from, to int32) (int64, error)
	InsertPayLog(tx *gorm.DB, payLog *model.PayLog) error
	InsertRefundLog(tx *gorm.DB, refundLog *model.RefundLog) error
	FindRefundLogByOutTradeNo(outTradeNo string) (model.RefundLog, bool, error)
	WithTransaction(fn func(tx *gorm.DB) error) error
}

// tccParticipant 积分TCC参与者的三个入口
type tccParticipant interface {
	TryPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) (string, error)
	ConfirmPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) error
	CancelPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) error
}

// txMessenger 事务消息发送操作
type txMessenger interface {
	SendInTransaction(ctx context.Context, msg *model.RefundMessage, localTx func(ctx context.Context) error) (repository.TxOutcome, error)
}

// PaymentService 支付编排器
// 在线支付走外部网关协作方，积分支付由本服务充当TCC协调器，
// 显式构造事务上下文依次驱动Try/Confirm/Cancel；
// 积分退款不同步调用，交由事务消息桥与积分侧协调
type PaymentService struct {
	orderRepo   payStore          // 订单与支付日志存储
	gateway     PayGateway        // 在线支付网关
	tcc         tccParticipant    // 积分TCC参与者
	txProducer  txMessenger       // 事务消息生产者
	compensator stockCompensator  // 库存补偿
}

// NewPaymentService 创建支付服务实例
func NewPaymentService(gateway PayGateway, integralService *IntegralService, stockHandler *handler.StockHandler) *PaymentService {
	return &PaymentService{
		orderRepo:   repository.NewOrderRepository(),
		gateway:     gateway,
		tcc:         integralService,
		txProducer:  repository.NewTxKafkaProducer(),
		compensator: stockHandler,
	}
}

// OnlinePay 发起在线支付，返回网关跳转载荷
func (s *PaymentService) OnlinePay(ctx context.Context, userId int64, orderNo string) (string, error) {
	order, err := s.orderRepo.FindByOrderNo(orderNo)
	if err != nil {
		return "", err
	}
	if order.UserId != userId {
		return "", fmt.Errorf("order %s does not belong to user %d", orderNo, userId)
	}
	if order.Status != model.OrderStatusUnpaid {
		return "", model.ErrInvalidStateTransition
	}

	return s.gateway.Prepay(ctx, orderNo, order.SeckillPrice, order.ProductName)
}

// HandlePayCallback 处理网关支付成功回调
// 金额校验后条件迁移UNPAID到PAID：重复回调0行受影响，安全空操作
func (s *PaymentService) HandlePayCallback(ctx context.Context, orderNo, tradeNo, totalAmount string) error {
	order, err := s.orderRepo.FindByOrderNo(orderNo)
	if err != nil {
		return err
	}

	expected := fmt.Sprintf("%.2f", order.SeckillPrice)
	if totalAmount != expected {
		return fmt.Errorf("callback amount mismatch for order %s: got %s, want %s", orderNo, totalAmount, expected)
	}

	return s.orderRepo.WithTransaction(func(tx *gorm.DB) error {
		rows, err := s.orderRepo.ChangeOrderStatus(tx, orderNo, model.OrderStatusUnpaid, model.OrderStatusPaid)
		if err != nil {
			return err
		}
		if rows == 0 {
			// 重复回调或订单已终态
			slog.Info("Duplicate pay callback ignored",
				"order_no", orderNo,
				"trade_no", tradeNo,
			)
			return nil
		}

		return s.orderRepo.InsertPayLog(tx, &model.PayLog{
			TradeNo:     tradeNo,
			OutTradeNo:  orderNo,
			PayType:     model.PayTypeOnline,
			TotalAmount: totalAmount,
			NotifyTime:  time.Now().Format(time.DateTime),
		})
	})
}

// IntegralPay 积分支付，本服务充当TCC协调器
// Try冻结成功后执行订单侧本地事务，失败则Cancel释放冻结，成功则Confirm真实扣减
func (s *PaymentService) IntegralPay(ctx context.Context, userId int64, orderNo string) (string, error) {
	order, err := s.orderRepo.FindByOrderNo(orderNo)
	if err != nil {
		return "", err
	}
	if order.UserId != userId {
		return "", fmt.Errorf("order %s does not belong to user %d", orderNo, userId)
	}
	if order.Status != model.OrderStatusUnpaid {
		return "", model.ErrInvalidStateTransition
	}
	if order.Integral <= 0 {
		return "", fmt.Errorf("order %s has no integral price", orderNo)
	}

	// 显式构造事务上下文并依次传入三个阶段
	txCtx := model.TransactionContext{
		Xid:      uuid.NewString(),
		BranchId: util.NextId(),
	}
	vo := model.OperateIntegralVo{
		UserId:     userId,
		Value:      order.Integral,
		Info:       "seckill integral pay: " + order.ProductName,
		OutTradeNo: orderNo,
	}

	tradeNo, err := s.tcc.TryPayment(ctx, txCtx, vo)
	if err != nil {
		// Try失败触发分支回滚，Cancel内部能正确处理冻结未发生的情况
		if cancelErr := s.tcc.CancelPayment(ctx, txCtx, vo); cancelErr != nil {
			slog.Error("Cancel after failed try also failed",
				"xid", txCtx.Xid,
				"order_no", orderNo,
				"error", cancelErr,
			)
		}
		return "", err
	}

	// 订单侧本地事务：状态迁移加支付日志
	err = s.orderRepo.WithTransaction(func(tx *gorm.DB) error {
		rows, err := s.orderRepo.ChangeOrderStatus(tx, orderNo, model.OrderStatusUnpaid, model.OrderStatusPaid)
		if err != nil {
			return err
		}
		if rows == 0 {
			return model.ErrInvalidStateTransition
		}
		return s.orderRepo.InsertPayLog(tx, &model.PayLog{
			TradeNo:     tradeNo,
			OutTradeNo:  orderNo,
			PayType:     model.PayTypeIntegral,
			TotalAmount: fmt.Sprintf("%d", order.Integral),
			NotifyTime:  time.Now().Format(time.DateTime),
		})
	})
	if err != nil {
		// 本地事务失败，释放冻结的积分
		if cancelErr := s.tcc.CancelPayment(ctx, txCtx, vo); cancelErr != nil {
			slog.Error("Cancel after failed local transaction failed",
				"xid", txCtx.Xid,
				"order_no", orderNo,
				"error", cancelErr,
			)
		}
		return "", err
	}

	if err := s.tcc.ConfirmPayment(ctx, txCtx, vo); err != nil {
		// 订单已支付成功，Confirm失败属于需要重试的不一致，向上暴露
		slog.Error("Confirm failed after local commit",
			"xid", txCtx.Xid,
			"order_no", orderNo,
			"error", err,
		)
		return "", err
	}

	slog.Info("Integral payment completed",
		"order_no", orderNo,
		"user_id", userId,
		"trade_no", tradeNo,
		"integral", order.Integral,
	)
	return tradeNo, nil
}

// Refund 退款分发
// 在线支付同步调用网关退款；积分退款走事务消息桥，
// 积分入账在另一个服务中执行，必须协调而不能直接调用
func (s *PaymentService) Refund(ctx context.Context, orderNo string) error {
	order, err := s.orderRepo.FindByOrderNo(orderNo)
	if err != nil {
		return err
	}
	if order.Status != model.OrderStatusPaid {
		if order.Status == model.OrderStatusRefunded {
			// 已退款订单的重试：状态迁移可能已提交而回补在提交后失败。
			// 守护键保证回补至多生效一次，重试在这里补救丢失的回补
			if restoreErr := s.compensator.RestoreStockOnce(ctx,
				repository.RestoredFlagKey(order.OrderNo),
				order.TimeSlot, order.SeckillId, order.UserId, 1,
			); restoreErr != nil {
				slog.Error("Failed to recover stock restore on refund retry",
					"order_no", orderNo,
					"error", restoreErr,
				)
			}
		}
		// 未支付或已退款订单的退款请求：记录不一致，安全拒绝
		slog.Warn("Refund rejected: order not in paid status",
			"order_no", orderNo,
			"status", order.Status,
		)
		return model.ErrInvalidStateTransition
	}

	switch order.PayType {
	case model.PayTypeOnline:
		ok, err := s.gateway.Refund(ctx, orderNo, order.SeckillPrice, refundReasonDefault)
		if err != nil {
			return fmt.Errorf("gateway refund failed: %v", err)
		}
		if !ok {
			return fmt.Errorf("gateway refund rejected for order %s", orderNo)
		}
		return s.applyRefundLocal(ctx, order, model.PayTypeOnline)

	case model.PayTypeIntegral:
		refundMsg := &model.RefundMessage{
			OutTradeNo:   orderNo,
			RefundAmount: order.Integral,
			RefundReason: refundReasonDefault,
		}
		outcome, err := s.txProducer.SendInTransaction(ctx, refundMsg, func(txCtx context.Context) error {
			return s.applyRefundLocal(txCtx, order, model.PayTypeIntegral)
		})
		if err != nil {
			return err
		}
		slog.Info("Integral refund handed to transactional messaging",
			"order_no", orderNo,
			"outcome", outcome,
		)
		return nil

	default:
		return fmt.Errorf("unknown pay type %d for order %s", order.PayType, orderNo)
	}
}

// applyRefundLocal 订单侧退款补偿
// 条件迁移PAID到REFUNDED加退款日志在一个事务中；迁移0行说明退款已发生，
// 拒绝重复执行，库存也只在迁移生效时回补一次
func (s *PaymentService) applyRefundLocal(ctx context.Context, order model.OrderInfo, refundType int32) error {
	var amount string
	if refundType == model.PayTypeIntegral {
		amount = fmt.Sprintf("%d", order.Integral)
	} else {
		amount = fmt.Sprintf("%.2f", order.SeckillPrice)
	}

	err := s.orderRepo.WithTransaction(func(tx *gorm.DB) error {
		rows, err := s.orderRepo.ChangeOrderStatus(tx, order.OrderNo, model.OrderStatusPaid, model.OrderStatusRefunded)
		if err != nil {
			return err
		}
		if rows == 0 {
			return model.ErrInvalidStateTransition
		}
		return s.orderRepo.InsertRefundLog(tx, &model.RefundLog{
			OutTradeNo:   order.OrderNo,
			RefundAmount: amount,
			RefundReason: refundReasonDefault,
			RefundType:   refundType,
			RefundTime:   time.Now(),
		})
	})
	if err != nil {
		return err
	}

	// 状态迁移提交后回补库存。回补不在事务内，失败不会随迁移回滚，
	// 守护键让重试的退款请求能补救丢失的回补且不会重复入账
	if err := s.compensator.RestoreStockOnce(ctx,
		repository.RestoredFlagKey(order.OrderNo),
		order.TimeSlot, order.SeckillId, order.UserId, 1,
	); err != nil {
		slog.Error("Failed to restore stock after refund",
			"order_no", order.OrderNo,
			"error", err,
		)
		return err
	}
	return nil
}

// CheckRefundTxStatus 事务消息状态回查
// 以退款日志的存在性独立判定真相：存在即本地事务已提交；
// 缺失保持未知而不猜测回滚，本地事务可能仍在别处执行
func (s *PaymentService) CheckRefundTxStatus(ctx context.Context, outTradeNo string) (repository.TxOutcome, error) {
	_, found, err := s.orderRepo.FindRefundLogByOutTradeNo(outTradeNo)
	if err != nil {
		return repository.TxUnknown, err
	}
	if found {
		return repository.TxCommit, nil
	}
	return repository.TxUnknown, nil
}
