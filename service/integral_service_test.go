package service

import (
	"context"
	"fmt"
	"testing"

	"seckill_mall/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeIntegralStore 内存版积分存储
// 按真实的条件更新语义实现，WithTransaction在回调出错时恢复快照，
// 与数据库事务回滚对齐
type fakeIntegralStore struct {
	accounts map[int64]*model.UsableIntegral
	records  map[string]*model.AccountTransaction
	logs     []model.AccountLog
}

func newFakeIntegralStore() *fakeIntegralStore {
	return &fakeIntegralStore{
		accounts: make(map[int64]*model.UsableIntegral),
		records:  make(map[string]*model.AccountTransaction),
	}
}

func recordKey(txId string, actionId int64) string {
	return fmt.Sprintf("%s:%d", txId, actionId)
}

func (f *fakeIntegralStore) snapshot() *fakeIntegralStore {
	clone := newFakeIntegralStore()
	for id, acct := range f.accounts {
		copied := *acct
		clone.accounts[id] = &copied
	}
	for key, rec := range f.records {
		copied := *rec
		clone.records[key] = &copied
	}
	clone.logs = append([]model.AccountLog(nil), f.logs...)
	return clone
}

func (f *fakeIntegralStore) restore(snap *fakeIntegralStore) {
	f.accounts = snap.accounts
	f.records = snap.records
	f.logs = snap.logs
}

func (f *fakeIntegralStore) GetAccount(userId int64) (model.UsableIntegral, error) {
	if acct, ok := f.accounts[userId]; ok {
		return *acct, nil
	}
	return model.UsableIntegral{}, gorm.ErrRecordNotFound
}

func (f *fakeIntegralStore) FreezeIntegral(tx *gorm.DB, userId, amount int64) (int64, error) {
	acct, ok := f.accounts[userId]
	if !ok || acct.Amount < amount {
		return 0, nil
	}
	acct.Amount -= amount
	acct.FreezedAmount += amount
	return 1, nil
}

func (f *fakeIntegralStore) CommitFreezed(tx *gorm.DB, userId, amount int64) (int64, error) {
	acct, ok := f.accounts[userId]
	if !ok || acct.FreezedAmount < amount {
		return 0, nil
	}
	acct.FreezedAmount -= amount
	return 1, nil
}

func (f *fakeIntegralStore) UnfreezeIntegral(tx *gorm.DB, userId, amount int64) (int64, error) {
	acct, ok := f.accounts[userId]
	if !ok || acct.FreezedAmount < amount {
		return 0, nil
	}
	acct.FreezedAmount -= amount
	acct.Amount += amount
	return 1, nil
}

func (f *fakeIntegralStore) IncrIntegral(tx *gorm.DB, userId, amount int64) error {
	acct, ok := f.accounts[userId]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	acct.Amount += amount
	return nil
}

func (f *fakeIntegralStore) FindAccountTransaction(txId string, actionId int64) (model.AccountTransaction, bool, error) {
	if rec, ok := f.records[recordKey(txId, actionId)]; ok {
		return *rec, true, nil
	}
	return model.AccountTransaction{}, false, nil
}

func (f *fakeIntegralStore) InsertAccountTransaction(tx *gorm.DB, record *model.AccountTransaction) error {
	key := recordKey(record.TxId, record.ActionId)
	if _, ok := f.records[key]; ok {
		// 唯一索引冲突
		return gorm.ErrDuplicatedKey
	}
	copied := *record
	f.records[key] = &copied
	return nil
}

func (f *fakeIntegralStore) ChangeTransactionState(tx *gorm.DB, txId string, actionId int64, from, to int32) (int64, error) {
	rec, ok := f.records[recordKey(txId, actionId)]
	if !ok || rec.State != from {
		return 0, nil
	}
	rec.State = to
	return 1, nil
}

func (f *fakeIntegralStore) InsertAccountLog(tx *gorm.DB, logEntry *model.AccountLog) error {
	f.logs = append(f.logs, *logEntry)
	return nil
}

func (f *fakeIntegralStore) FindDecrLogByOutTradeNo(outTradeNo string) (model.AccountLog, bool, error) {
	for _, entry := range f.logs {
		if entry.OutTradeNo == outTradeNo && entry.Type == model.AccountLogTypeDecr {
			return entry, true, nil
		}
	}
	return model.AccountLog{}, false, nil
}

func (f *fakeIntegralStore) FindIncrLogByOutTradeNo(outTradeNo string) (model.AccountLog, bool, error) {
	for _, entry := range f.logs {
		if entry.OutTradeNo == outTradeNo && entry.Type == model.AccountLogTypeIncr {
			return entry, true, nil
		}
	}
	return model.AccountLog{}, false, nil
}

func (f *fakeIntegralStore) WithTransaction(fn func(tx *gorm.DB) error) error {
	snap := f.snapshot()
	if err := fn(nil); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func newTestIntegralService(balance int64) (*IntegralService, *fakeIntegralStore) {
	store := newFakeIntegralStore()
	store.accounts[42] = &model.UsableIntegral{UserId: 42, Amount: balance}
	return &IntegralService{integralRepo: store}, store
}

func testTxCtx() model.TransactionContext {
	return model.TransactionContext{Xid: "xid-1", BranchId: 1001}
}

func testVo(value int64) model.OperateIntegralVo {
	return model.OperateIntegralVo{
		UserId:     42,
		Value:      value,
		Info:       "seckill integral pay",
		OutTradeNo: "order-1",
	}
}

func TestTryFreezesIntegral(t *testing.T) {
	svc, store := newTestIntegralService(500)

	tradeNo, err := svc.TryPayment(context.Background(), testTxCtx(), testVo(100))
	require.NoError(t, err)
	assert.NotEmpty(t, tradeNo)

	acct := store.accounts[42]
	assert.Equal(t, int64(400), acct.Amount)
	assert.Equal(t, int64(100), acct.FreezedAmount)

	rec := store.records[recordKey("xid-1", 1001)]
	require.NotNil(t, rec)
	assert.Equal(t, model.TxStateTry, rec.State)
}

func TestTryInsufficientRollsBackRecord(t *testing.T) {
	svc, store := newTestIntegralService(500)

	_, err := svc.TryPayment(context.Background(), testTxCtx(), testVo(600))
	assert.ErrorIs(t, err, model.ErrInsufficientIntegral)

	acct := store.accounts[42]
	assert.Equal(t, int64(500), acct.Amount)
	assert.Equal(t, int64(0), acct.FreezedAmount)
	assert.Empty(t, store.records, "try record must roll back with the transaction")
}

func TestDuplicateTryReturnsExistingTradeNo(t *testing.T) {
	svc, _ := newTestIntegralService(500)

	first, err := svc.TryPayment(context.Background(), testTxCtx(), testVo(100))
	require.NoError(t, err)
	second, err := svc.TryPayment(context.Background(), testTxCtx(), testVo(100))
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeated try must not freeze twice")
}

func TestConfirmCommitsFreezedOnce(t *testing.T) {
	svc, store := newTestIntegralService(500)
	txCtx := testTxCtx()
	vo := testVo(100)

	_, err := svc.TryPayment(context.Background(), txCtx, vo)
	require.NoError(t, err)

	require.NoError(t, svc.ConfirmPayment(context.Background(), txCtx, vo))
	acct := store.accounts[42]
	assert.Equal(t, int64(400), acct.Amount)
	assert.Equal(t, int64(0), acct.FreezedAmount)
	assert.Len(t, store.logs, 1)
	assert.Equal(t, model.AccountLogTypeDecr, store.logs[0].Type)

	// 重复Confirm是空操作
	require.NoError(t, svc.ConfirmPayment(context.Background(), txCtx, vo))
	assert.Equal(t, int64(400), store.accounts[42].Amount)
	assert.Len(t, store.logs, 1, "duplicate confirm must not append another log")
}

func TestCancelUnfreezesOnce(t *testing.T) {
	svc, store := newTestIntegralService(500)
	txCtx := testTxCtx()
	vo := testVo(100)

	_, err := svc.TryPayment(context.Background(), txCtx, vo)
	require.NoError(t, err)

	require.NoError(t, svc.CancelPayment(context.Background(), txCtx, vo))
	acct := store.accounts[42]
	assert.Equal(t, int64(500), acct.Amount)
	assert.Equal(t, int64(0), acct.FreezedAmount)

	// 重复Cancel是空操作
	require.NoError(t, svc.CancelPayment(context.Background(), txCtx, vo))
	assert.Equal(t, int64(500), store.accounts[42].Amount)
}

func TestNullCancelBlocksLateTry(t *testing.T) {
	svc, store := newTestIntegralService(500)
	txCtx := testTxCtx()
	vo := testVo(100)

	// Cancel先于Try到达：落空回滚标记
	require.NoError(t, svc.CancelPayment(context.Background(), txCtx, vo))
	rec := store.records[recordKey("xid-1", 1001)]
	require.NotNil(t, rec)
	assert.Equal(t, model.TxStateCancel, rec.State)

	// 迟到的Try必须检测到标记并放弃
	_, err := svc.TryPayment(context.Background(), txCtx, vo)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	acct := store.accounts[42]
	assert.Equal(t, int64(500), acct.Amount, "late try must not freeze anything")
	assert.Equal(t, int64(0), acct.FreezedAmount)
}

func TestConfirmAfterCancelIsNoop(t *testing.T) {
	svc, store := newTestIntegralService(500)
	txCtx := testTxCtx()
	vo := testVo(100)

	_, err := svc.TryPayment(context.Background(), txCtx, vo)
	require.NoError(t, err)
	require.NoError(t, svc.CancelPayment(context.Background(), txCtx, vo))

	require.NoError(t, svc.ConfirmPayment(context.Background(), txCtx, vo))
	acct := store.accounts[42]
	assert.Equal(t, int64(500), acct.Amount)
	assert.Empty(t, store.logs, "confirm after cancel must not debit")
}

func TestDeRefundCreditsOnce(t *testing.T) {
	svc, store := newTestIntegralService(500)

	// 完整走一次Try加Confirm，形成一笔扣减流水
	txCtx := testTxCtx()
	vo := testVo(200)
	_, err := svc.TryPayment(context.Background(), txCtx, vo)
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmPayment(context.Background(), txCtx, vo))
	require.Equal(t, int64(300), store.accounts[42].Amount)

	msg := model.RefundMessage{OutTradeNo: "order-1", RefundAmount: 200, RefundReason: "seckill order refund"}
	require.NoError(t, svc.DeRefund(context.Background(), msg))
	assert.Equal(t, int64(500), store.accounts[42].Amount)
	assert.Len(t, store.logs, 2)

	// 消息重复投递：已有退回流水即空操作
	require.NoError(t, svc.DeRefund(context.Background(), msg))
	assert.Equal(t, int64(500), store.accounts[42].Amount)
	assert.Len(t, store.logs, 2, "duplicate refund message must not credit again")
}

func TestDeRefundWithoutDebitIsRejected(t *testing.T) {
	svc, store := newTestIntegralService(500)

	msg := model.RefundMessage{OutTradeNo: "no-such-order", RefundAmount: 200}
	require.NoError(t, svc.DeRefund(context.Background(), msg))
	assert.Equal(t, int64(500), store.accounts[42].Amount, "refund without a debit log must not credit")
	assert.Empty(t, store.logs)
}
