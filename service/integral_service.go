package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seckill_mall/model"
	"seckill_mall/repository"
	"seckill_mall/util"

	"gorm.io/gorm"
)

// integralStore 积分TCC参与者依赖的存储操作
type integralStore interface {
	GetAccount(userId int64) (model.UsableIntegral, error)
	FreezeIntegral(tx *gorm.DB, userId, amount int64) (int64, error)
	CommitFreezed(tx *gorm.DB, userId, amount int64) (int64, error)
	UnfreezeIntegral(tx *gorm.DB, userId, amount int64) (int64, error)
	IncrIntegral(tx *gorm.DB, userId, amount int64) error
	FindAccountTransaction(txId string, actionId int64) (model.AccountTransaction, bool, error)
	InsertAccountTransaction(tx *gorm.DB, record *model.AccountTransaction) error
	ChangeTransactionState(tx *gorm.DB, txId string, actionId int64, from, to int32) (int64, error)
	InsertAccountLog(tx *gorm.DB, logEntry *model.AccountLog) error
	FindDecrLogByOutTradeNo(outTradeNo string) (model.AccountLog, bool, error)
	FindIncrLogByOutTradeNo(outTradeNo string) (model.AccountLog, bool, error)
	WithTransaction(fn func(tx *gorm.DB) error) error
}

// IntegralService 积分TCC参与者
// Try/Confirm/Cancel三阶段各自可被事务协调器独立调用，且各自幂等：
// 重复投递与乱序投递的每条路径都收敛到明确的空操作或正确效果
type IntegralService struct {
	integralRepo integralStore // 积分存储
}

// NewIntegralService 创建积分服务实例
func NewIntegralService() *IntegralService {
	return &IntegralService{
		integralRepo: repository.NewIntegralRepository(),
	}
}

// TryPayment 一阶段：冻结积分
// 先插入TRY记录再动余额（防悬挂：Cancel先到时能通过记录检测到空回滚），
// 可用积分不足时整个本地事务回滚，TRY记录一并消失
func (s *IntegralService) TryPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) (string, error) {
	record, found, err := s.integralRepo.FindAccountTransaction(txCtx.Xid, txCtx.BranchId)
	if err != nil {
		return "", fmt.Errorf("lookup transaction record failed: %v", err)
	}
	if found {
		if record.State == model.TxStateCancel {
			// 空回滚标记已存在，说明Cancel先于Try到达，本分支已被放弃
			slog.Warn("Try rejected: branch already null-cancelled",
				"xid", txCtx.Xid,
				"branch_id", txCtx.BranchId,
			)
			return "", model.ErrInvalidStateTransition
		}
		// 重复Try，返回已有流水号
		slog.Info("Duplicate try, returning existing trade no",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return record.TradeNo, nil
	}

	tradeNo := util.NextIdString()
	err = s.integralRepo.WithTransaction(func(tx *gorm.DB) error {
		// 记录先行，再冻结余额
		if err := s.integralRepo.InsertAccountTransaction(tx, &model.AccountTransaction{
			TxId:        txCtx.Xid,
			ActionId:    txCtx.BranchId,
			UserId:      vo.UserId,
			TradeNo:     tradeNo,
			Type:        model.AccountLogTypeDecr,
			State:       model.TxStateTry,
			Amount:      vo.Value,
			GmtCreated:  time.Now(),
			GmtModified: time.Now(),
		}); err != nil {
			return err
		}

		rows, err := s.integralRepo.FreezeIntegral(tx, vo.UserId, vo.Value)
		if err != nil {
			return err
		}
		if rows == 0 {
			return model.ErrInsufficientIntegral
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.Info("Integral frozen in try phase",
		"xid", txCtx.Xid,
		"branch_id", txCtx.BranchId,
		"user_id", vo.UserId,
		"amount", vo.Value,
		"trade_no", tradeNo,
	)
	return tradeNo, nil
}

// ConfirmPayment 二阶段提交：扣减冻结积分并追加扣减流水
// 记录缺失、重复Confirm、Cancel后Confirm均为安全空操作
func (s *IntegralService) ConfirmPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) error {
	record, found, err := s.integralRepo.FindAccountTransaction(txCtx.Xid, txCtx.BranchId)
	if err != nil {
		return fmt.Errorf("lookup transaction record failed: %v", err)
	}
	if !found {
		// Try从未执行，流程异常但不致命
		slog.Warn("Confirm no-op: transaction record not found",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return nil
	}

	switch record.State {
	case model.TxStateCommit:
		// 重复Confirm
		slog.Info("Duplicate confirm ignored",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return nil
	case model.TxStateCancel:
		// Cancel之后的Confirm是流程错误，记录不一致后空操作
		slog.Error("Confirm after cancel detected, no-op",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return nil
	}

	return s.integralRepo.WithTransaction(func(tx *gorm.DB) error {
		// 条件迁移TRY到COMMIT，并发重复Confirm只有一次生效
		rows, err := s.integralRepo.ChangeTransactionState(tx, txCtx.Xid, txCtx.BranchId, model.TxStateTry, model.TxStateCommit)
		if err != nil {
			return err
		}
		if rows == 0 {
			slog.Info("Concurrent confirm already applied",
				"xid", txCtx.Xid,
				"branch_id", txCtx.BranchId,
			)
			return nil
		}

		rows, err = s.integralRepo.CommitFreezed(tx, record.UserId, record.Amount)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("frozen amount missing for user %d, amount %d", record.UserId, record.Amount)
		}

		return s.integralRepo.InsertAccountLog(tx, &model.AccountLog{
			TradeNo:    record.TradeNo,
			OutTradeNo: vo.OutTradeNo,
			UserId:     record.UserId,
			Amount:     record.Amount,
			Type:       model.AccountLogTypeDecr,
			Info:       vo.Info,
			GmtTime:    time.Now(),
		})
	})
}

// CancelPayment 二阶段回滚：解冻积分
// 记录缺失时插入空回滚标记（处理Cancel先于Try到达的乱序），
// 重复Cancel、Confirm后Cancel均为安全空操作
func (s *IntegralService) CancelPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) error {
	record, found, err := s.integralRepo.FindAccountTransaction(txCtx.Xid, txCtx.BranchId)
	if err != nil {
		return fmt.Errorf("lookup transaction record failed: %v", err)
	}
	if !found {
		// 空回滚：直接落一条CANCEL记录，使迟到的Try能够检测并放弃。
		// 并发Try恰好抢先插入时唯一索引裁决冲突，接受并记录该竞态
		err := s.integralRepo.WithTransaction(func(tx *gorm.DB) error {
			return s.integralRepo.InsertAccountTransaction(tx, &model.AccountTransaction{
				TxId:        txCtx.Xid,
				ActionId:    txCtx.BranchId,
				UserId:      vo.UserId,
				Type:        model.AccountLogTypeDecr,
				State:       model.TxStateCancel,
				Amount:      vo.Value,
				GmtCreated:  time.Now(),
				GmtModified: time.Now(),
			})
		})
		if err != nil {
			slog.Warn("Null cancel marker insert conflicted with concurrent try",
				"xid", txCtx.Xid,
				"branch_id", txCtx.BranchId,
				"error", err,
			)
			return nil
		}
		slog.Info("Null cancel recorded",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return nil
	}

	switch record.State {
	case model.TxStateCancel:
		// 重复Cancel
		slog.Info("Duplicate cancel ignored",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return nil
	case model.TxStateCommit:
		// Confirm之后的Cancel是流程错误，记录不一致后空操作
		slog.Error("Cancel after confirm detected, no-op",
			"xid", txCtx.Xid,
			"branch_id", txCtx.BranchId,
		)
		return nil
	}

	return s.integralRepo.WithTransaction(func(tx *gorm.DB) error {
		rows, err := s.integralRepo.ChangeTransactionState(tx, txCtx.Xid, txCtx.BranchId, model.TxStateTry, model.TxStateCancel)
		if err != nil {
			return err
		}
		if rows == 0 {
			slog.Info("Concurrent cancel already applied",
				"xid", txCtx.Xid,
				"branch_id", txCtx.BranchId,
			)
			return nil
		}

		rows, err = s.integralRepo.UnfreezeIntegral(tx, record.UserId, record.Amount)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("frozen amount missing for user %d, amount %d", record.UserId, record.Amount)
		}
		return nil
	})
}

// DeRefund 积分退款入账，事务消息消费端调用
// 消息可能重复投递：已有同订单号退回流水即空操作；
// 必须先找到同订单号的扣减流水才允许入账
func (s *IntegralService) DeRefund(ctx context.Context, msg model.RefundMessage) error {
	_, refunded, err := s.integralRepo.FindIncrLogByOutTradeNo(msg.OutTradeNo)
	if err != nil {
		return fmt.Errorf("refund idempotency check failed: %v", err)
	}
	if refunded {
		slog.Info("Refund already applied, skipping",
			"out_trade_no", msg.OutTradeNo,
		)
		return nil
	}

	decrLog, found, err := s.integralRepo.FindDecrLogByOutTradeNo(msg.OutTradeNo)
	if err != nil {
		return fmt.Errorf("lookup debit log failed: %v", err)
	}
	if !found {
		// 没有扣减流水的退款请求不予入账
		slog.Warn("Refund rejected: no matching debit log",
			"out_trade_no", msg.OutTradeNo,
		)
		return nil
	}

	tradeNo := util.NextIdString()
	err = s.integralRepo.WithTransaction(func(tx *gorm.DB) error {
		if err := s.integralRepo.IncrIntegral(tx, decrLog.UserId, msg.RefundAmount); err != nil {
			return err
		}
		return s.integralRepo.InsertAccountLog(tx, &model.AccountLog{
			TradeNo:    tradeNo,
			OutTradeNo: msg.OutTradeNo,
			UserId:     decrLog.UserId,
			Amount:     msg.RefundAmount,
			Type:       model.AccountLogTypeIncr,
			Info:       msg.RefundReason,
			GmtTime:    time.Now(),
		})
	})
	if err != nil {
		return err
	}

	slog.Info("Integral refund credited",
		"out_trade_no", msg.OutTradeNo,
		"user_id", decrLog.UserId,
		"amount", msg.RefundAmount,
	)
	return nil
}

// GetAccount 查询用户积分账户
func (s *IntegralService) GetAccount(userId int64) (model.UsableIntegral, error) {
	return s.integralRepo.GetAccount(userId)
}
