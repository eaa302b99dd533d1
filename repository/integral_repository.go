package repository

import (
	"errors"
	"log/slog"

	"seckill_mall/global"
	"seckill_mall/model"

	"gorm.io/gorm"
)

// IntegralRepository 积分账户数据访问层
// 负责积分账户的冻结、扣减、退回以及TCC事务记录和账户流水的操作
// 余额相关更新全部带余额充足前置条件，受影响行数为0表示前置条件不满足
type IntegralRepository struct {
	db *gorm.DB // 数据库连接实例
}

// NewIntegralRepository 创建积分仓库实例
func NewIntegralRepository() *IntegralRepository {
	return &IntegralRepository{
		db: global.DBClient, // 使用全局数据库客户端
	}
}

// GetAccount 查询用户积分账户
func (dao *IntegralRepository) GetAccount(userId int64) (model.UsableIntegral, error) {
	var account model.UsableIntegral
	err := dao.db.Where("user_id = ?", userId).First(&account).Error
	if err != nil {
		slog.Warn("Integral account not found",
			"user_id", userId,
			"error", err,
		)
	}
	return account, err
}

// FreezeIntegral 冻结积分（可用减、冻结加），余额不足时不执行
// 返回受影响行数，0表示可用积分不足
func (dao *IntegralRepository) FreezeIntegral(tx *gorm.DB, userId, amount int64) (int64, error) {
	result := tx.Model(&model.UsableIntegral{}).
		Where("user_id = ? AND amount >= ?", userId, amount).
		Updates(map[string]any{
			"amount":         gorm.Expr("amount - ?", amount),
			"freezed_amount": gorm.Expr("freezed_amount + ?", amount),
		})
	if result.Error != nil {
		slog.Error("Failed to freeze integral",
			"user_id", userId,
			"amount", amount,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// CommitFreezed 扣减冻结积分（真实扣款），冻结余额不足时不执行
func (dao *IntegralRepository) CommitFreezed(tx *gorm.DB, userId, amount int64) (int64, error) {
	result := tx.Model(&model.UsableIntegral{}).
		Where("user_id = ? AND freezed_amount >= ?", userId, amount).
		Update("freezed_amount", gorm.Expr("freezed_amount - ?", amount))
	if result.Error != nil {
		slog.Error("Failed to commit freezed integral",
			"user_id", userId,
			"amount", amount,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// UnfreezeIntegral 解冻积分（冻结减、可用加），用于Cancel阶段释放资源
func (dao *IntegralRepository) UnfreezeIntegral(tx *gorm.DB, userId, amount int64) (int64, error) {
	result := tx.Model(&model.UsableIntegral{}).
		Where("user_id = ? AND freezed_amount >= ?", userId, amount).
		Updates(map[string]any{
			"amount":         gorm.Expr("amount + ?", amount),
			"freezed_amount": gorm.Expr("freezed_amount - ?", amount),
		})
	if result.Error != nil {
		slog.Error("Failed to unfreeze integral",
			"user_id", userId,
			"amount", amount,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// IncrIntegral 直接增加可用积分，退款入账路径使用
func (dao *IntegralRepository) IncrIntegral(tx *gorm.DB, userId, amount int64) error {
	result := tx.Model(&model.UsableIntegral{}).
		Where("user_id = ?", userId).
		Update("amount", gorm.Expr("amount + ?", amount))
	if result.Error != nil {
		slog.Error("Failed to credit integral",
			"user_id", userId,
			"amount", amount,
			"error", result.Error,
		)
	}
	return result.Error
}

// FindAccountTransaction 根据(tx_id, action_id)查询TCC事务记录
func (dao *IntegralRepository) FindAccountTransaction(txId string, actionId int64) (model.AccountTransaction, bool, error) {
	var record model.AccountTransaction
	err := dao.db.Where("tx_id = ? AND action_id = ?", txId, actionId).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record, false, nil
		}
		return record, false, err
	}
	return record, true, nil
}

// InsertAccountTransaction 插入TCC事务记录
// (tx_id, action_id)唯一索引保证同一分支只有一条记录，并发插入由索引冲突裁决
func (dao *IntegralRepository) InsertAccountTransaction(tx *gorm.DB, record *model.AccountTransaction) error {
	err := tx.Create(record).Error
	if err != nil {
		slog.Error("Failed to insert account transaction",
			"tx_id", record.TxId,
			"action_id", record.ActionId,
			"state", record.State,
			"error", err,
		)
	}
	return err
}

// ChangeTransactionState 条件迁移TCC事务记录状态，返回受影响行数
// 状态只允许TRY到COMMIT或TRY到CANCEL迁移一次，重复迁移返回0行
func (dao *IntegralRepository) ChangeTransactionState(tx *gorm.DB, txId string, actionId int64, from, to int32) (int64, error) {
	result := tx.Model(&model.AccountTransaction{}).
		Where("tx_id = ? AND action_id = ? AND state = ?", txId, actionId, from).
		Updates(map[string]any{
			"state":        to,
			"gmt_modified": gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		slog.Error("Failed to change transaction state",
			"tx_id", txId,
			"action_id", actionId,
			"from", from,
			"to", to,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// InsertAccountLog 追加账户流水，流水只追加不修改
func (dao *IntegralRepository) InsertAccountLog(tx *gorm.DB, logEntry *model.AccountLog) error {
	err := tx.Create(logEntry).Error
	if err != nil {
		slog.Error("Failed to insert account log",
			"trade_no", logEntry.TradeNo,
			"out_trade_no", logEntry.OutTradeNo,
			"type", logEntry.Type,
			"error", err,
		)
	}
	return err
}

// FindDecrLogByOutTradeNo 根据商户订单号查询扣减流水
// 退款前必须存在同一订单号的扣减流水，否则拒绝入账
func (dao *IntegralRepository) FindDecrLogByOutTradeNo(outTradeNo string) (model.AccountLog, bool, error) {
	var logEntry model.AccountLog
	err := dao.db.
		Where("out_trade_no = ? AND type = ?", outTradeNo, model.AccountLogTypeDecr).
		First(&logEntry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logEntry, false, nil
		}
		return logEntry, false, err
	}
	return logEntry, true, nil
}

// FindIncrLogByOutTradeNo 根据商户订单号查询退回流水，用于退款入账的幂等检查
func (dao *IntegralRepository) FindIncrLogByOutTradeNo(outTradeNo string) (model.AccountLog, bool, error) {
	var logEntry model.AccountLog
	err := dao.db.
		Where("out_trade_no = ? AND type = ?", outTradeNo, model.AccountLogTypeIncr).
		First(&logEntry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logEntry, false, nil
		}
		return logEntry, false, err
	}
	return logEntry, true, nil
}

// WithTransaction 执行数据库事务
// 传入的事务函数会在事务中执行
func (dao *IntegralRepository) WithTransaction(fn func(tx *gorm.DB) error) error {
	return dao.db.Transaction(fn)
}
