package service

import (
	"context"
	"errors"
	"testing"

	"seckill_mall/model"
	"seckill_mall/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockGateway 模拟在线支付网关
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Prepay(ctx context.Context, orderNo string, amount float64, subject string) (string, error) {
	args := m.Called(ctx, orderNo, amount, subject)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, outTradeNo string, amount float64, reason string) (bool, error) {
	args := m.Called(ctx, outTradeNo, amount, reason)
	return args.Bool(0), args.Error(1)
}

// mockTcc 模拟积分TCC参与者
type mockTcc struct {
	mock.Mock
}

func (m *mockTcc) TryPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) (string, error) {
	args := m.Called(ctx, txCtx, vo)
	return args.String(0), args.Error(1)
}

func (m *mockTcc) ConfirmPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) error {
	args := m.Called(ctx, txCtx, vo)
	return args.Error(0)
}

func (m *mockTcc) CancelPayment(ctx context.Context, txCtx model.TransactionContext, vo model.OperateIntegralVo) error {
	args := m.Called(ctx, txCtx, vo)
	return args.Error(0)
}

// mockTxProducer 模拟事务消息生产者，半消息发送后同步执行本地事务
type mockTxProducer struct {
	mock.Mock
}

func (m *mockTxProducer) SendInTransaction(ctx context.Context, msg *model.RefundMessage, localTx func(ctx context.Context) error) (repository.TxOutcome, error) {
	args := m.Called(ctx, msg, localTx)
	if args.Error(1) != nil {
		return repository.TxRollback, args.Error(1)
	}
	if err := localTx(ctx); err != nil {
		return repository.TxRollback, err
	}
	return repository.TxUnknown, nil
}

func unpaidOrder(orderNo string) model.OrderInfo {
	return model.OrderInfo{
		OrderNo:      orderNo,
		UserId:       42,
		SeckillId:    1,
		TimeSlot:     10,
		Status:       model.OrderStatusUnpaid,
		ProductName:  "Mechanical Keyboard",
		SeckillPrice: 50,
		Integral:     100,
	}
}

func newTestPaymentService() (*PaymentService, *mockOrderRepo, *mockGateway, *mockTcc, *mockTxProducer, *mockCompensator) {
	orderRepo := &mockOrderRepo{}
	gateway := &mockGateway{}
	tcc := &mockTcc{}
	txProducer := &mockTxProducer{}
	compensator := &mockCompensator{}
	svc := &PaymentService{
		orderRepo:   orderRepo,
		gateway:     gateway,
		tcc:         tcc,
		txProducer:  txProducer,
		compensator: compensator,
	}
	return svc, orderRepo, gateway, tcc, txProducer, compensator
}

func TestOnlinePayReturnsGatewayPayload(t *testing.T) {
	svc, orderRepo, gateway, _, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30001").Return(unpaidOrder("30001"), nil)
	gateway.On("Prepay", mock.Anything, "30001", 50.0, "Mechanical Keyboard").Return("cashier-redirect", nil)

	payload, err := svc.OnlinePay(context.Background(), 42, "30001")
	require.NoError(t, err)
	assert.Equal(t, "cashier-redirect", payload)
}

func TestOnlinePayRejectsNonUnpaidOrder(t *testing.T) {
	svc, orderRepo, _, _, _, _ := newTestPaymentService()
	order := unpaidOrder("30002")
	order.Status = model.OrderStatusPaid
	orderRepo.On("FindByOrderNo", "30002").Return(order, nil)

	_, err := svc.OnlinePay(context.Background(), 42, "30002")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestHandlePayCallbackMarksPaid(t *testing.T) {
	svc, orderRepo, _, _, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30003").Return(unpaidOrder("30003"), nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30003", model.OrderStatusUnpaid, model.OrderStatusPaid).Return(int64(1), nil)
	orderRepo.On("InsertPayLog", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, svc.HandlePayCallback(context.Background(), "30003", "gw-trade-1", "50.00"))
	orderRepo.AssertExpectations(t)
}

func TestHandlePayCallbackDuplicateIsNoop(t *testing.T) {
	svc, orderRepo, _, _, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30004").Return(unpaidOrder("30004"), nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	// 0行受影响：回调重复投递
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30004", model.OrderStatusUnpaid, model.OrderStatusPaid).Return(int64(0), nil)

	require.NoError(t, svc.HandlePayCallback(context.Background(), "30004", "gw-trade-2", "50.00"))
	orderRepo.AssertNotCalled(t, "InsertPayLog", mock.Anything, mock.Anything)
}

func TestHandlePayCallbackAmountMismatch(t *testing.T) {
	svc, orderRepo, _, _, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30005").Return(unpaidOrder("30005"), nil)

	err := svc.HandlePayCallback(context.Background(), "30005", "gw-trade-3", "0.01")
	assert.Error(t, err)
	orderRepo.AssertNotCalled(t, "WithTransaction", mock.Anything)
}

func TestIntegralPayDrivesTccToConfirm(t *testing.T) {
	svc, orderRepo, _, tcc, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30006").Return(unpaidOrder("30006"), nil)
	tcc.On("TryPayment", mock.Anything, mock.Anything, mock.Anything).Return("trade-1", nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30006", model.OrderStatusUnpaid, model.OrderStatusPaid).Return(int64(1), nil)
	orderRepo.On("InsertPayLog", mock.Anything, mock.Anything).Return(nil)
	tcc.On("ConfirmPayment", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	tradeNo, err := svc.IntegralPay(context.Background(), 42, "30006")
	require.NoError(t, err)
	assert.Equal(t, "trade-1", tradeNo)

	tcc.AssertExpectations(t)
	tcc.AssertNotCalled(t, "CancelPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestIntegralPayTryFailureCancelsBranch(t *testing.T) {
	svc, orderRepo, _, tcc, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30007").Return(unpaidOrder("30007"), nil)
	tcc.On("TryPayment", mock.Anything, mock.Anything, mock.Anything).Return("", model.ErrInsufficientIntegral)
	tcc.On("CancelPayment", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := svc.IntegralPay(context.Background(), 42, "30007")
	assert.ErrorIs(t, err, model.ErrInsufficientIntegral)

	tcc.AssertExpectations(t)
	tcc.AssertNotCalled(t, "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestIntegralPayLocalTxFailureCancelsBranch(t *testing.T) {
	svc, orderRepo, _, tcc, _, _ := newTestPaymentService()
	orderRepo.On("FindByOrderNo", "30008").Return(unpaidOrder("30008"), nil)
	tcc.On("TryPayment", mock.Anything, mock.Anything, mock.Anything).Return("trade-2", nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(errors.New("db down"))
	tcc.On("CancelPayment", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := svc.IntegralPay(context.Background(), 42, "30008")
	assert.Error(t, err)

	tcc.AssertExpectations(t)
	tcc.AssertNotCalled(t, "ConfirmPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundOnlineOrder(t *testing.T) {
	svc, orderRepo, gateway, _, _, compensator := newTestPaymentService()
	order := unpaidOrder("30009")
	order.Status = model.OrderStatusPaid
	order.PayType = model.PayTypeOnline
	orderRepo.On("FindByOrderNo", "30009").Return(order, nil)
	gateway.On("Refund", mock.Anything, "30009", 50.0, mock.Anything).Return(true, nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30009", model.OrderStatusPaid, model.OrderStatusRefunded).Return(int64(1), nil)
	orderRepo.On("InsertRefundLog", mock.Anything, mock.Anything).Return(nil)
	compensator.On("RestoreStockOnce", mock.Anything, repository.RestoredFlagKey("30009"), int32(10), int64(1), int64(42), int64(1)).Return(nil)

	require.NoError(t, svc.Refund(context.Background(), "30009"))
	gateway.AssertExpectations(t)
	compensator.AssertExpectations(t)
}

func TestRefundRejectsNonPaidOrder(t *testing.T) {
	svc, orderRepo, _, _, _, compensator := newTestPaymentService()
	order := unpaidOrder("30010")
	order.Status = model.OrderStatusRefunded
	orderRepo.On("FindByOrderNo", "30010").Return(order, nil)
	// 已退款订单的重试会尝试守护回补，守护键保证不会重复入账
	compensator.On("RestoreStockOnce", mock.Anything, repository.RestoredFlagKey("30010"), int32(10), int64(1), int64(42), int64(1)).Return(nil)

	err := svc.Refund(context.Background(), "30010")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	compensator.AssertExpectations(t)
	compensator.AssertNotCalled(t, "RestoreStock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundRetryRecoversLostRestore(t *testing.T) {
	svc, orderRepo, gateway, _, _, compensator := newTestPaymentService()
	order := unpaidOrder("30015")
	order.Status = model.OrderStatusPaid
	order.PayType = model.PayTypeOnline
	guardKey := repository.RestoredFlagKey("30015")

	orderRepo.On("FindByOrderNo", "30015").Return(order, nil).Once()
	gateway.On("Refund", mock.Anything, "30015", 50.0, mock.Anything).Return(true, nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30015", model.OrderStatusPaid, model.OrderStatusRefunded).Return(int64(1), nil)
	orderRepo.On("InsertRefundLog", mock.Anything, mock.Anything).Return(nil)
	// 状态迁移已提交，提交后的回补失败
	compensator.On("RestoreStockOnce", mock.Anything, guardKey, int32(10), int64(1), int64(42), int64(1)).Return(errors.New("redis down")).Once()

	err := svc.Refund(context.Background(), "30015")
	require.Error(t, err, "first attempt reports the failed restore")

	// 重试：订单已是退款终态，丢失的回补在这条路径上补救
	refunded := order
	refunded.Status = model.OrderStatusRefunded
	orderRepo.On("FindByOrderNo", "30015").Return(refunded, nil)
	compensator.On("RestoreStockOnce", mock.Anything, guardKey, int32(10), int64(1), int64(42), int64(1)).Return(nil).Once()

	err = svc.Refund(context.Background(), "30015")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	compensator.AssertExpectations(t)
}

func TestRefundIntegralGoesThroughTransactionalMessage(t *testing.T) {
	svc, orderRepo, _, _, txProducer, compensator := newTestPaymentService()
	order := unpaidOrder("30011")
	order.Status = model.OrderStatusPaid
	order.PayType = model.PayTypeIntegral
	orderRepo.On("FindByOrderNo", "30011").Return(order, nil)

	var sentMsg *model.RefundMessage
	txProducer.On("SendInTransaction", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sentMsg = args.Get(1).(*model.RefundMessage)
	}).Return(repository.TxUnknown, nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30011", model.OrderStatusPaid, model.OrderStatusRefunded).Return(int64(1), nil)
	orderRepo.On("InsertRefundLog", mock.Anything, mock.Anything).Return(nil)
	compensator.On("RestoreStockOnce", mock.Anything, repository.RestoredFlagKey("30011"), int32(10), int64(1), int64(42), int64(1)).Return(nil)

	require.NoError(t, svc.Refund(context.Background(), "30011"))

	require.NotNil(t, sentMsg)
	assert.Equal(t, "30011", sentMsg.OutTradeNo)
	assert.Equal(t, int64(100), sentMsg.RefundAmount, "integral refund amount comes from the order snapshot")
	compensator.AssertExpectations(t)
}

func TestRefundLocalTxRejectsDoubleRefund(t *testing.T) {
	svc, orderRepo, gateway, _, _, compensator := newTestPaymentService()
	order := unpaidOrder("30012")
	order.Status = model.OrderStatusPaid
	order.PayType = model.PayTypeOnline
	orderRepo.On("FindByOrderNo", "30012").Return(order, nil)
	gateway.On("Refund", mock.Anything, "30012", 50.0, mock.Anything).Return(true, nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	// 0行受影响：并发退款已抢先迁移状态
	orderRepo.On("ChangeOrderStatus", mock.Anything, "30012", model.OrderStatusPaid, model.OrderStatusRefunded).Return(int64(0), nil)

	err := svc.Refund(context.Background(), "30012")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	compensator.AssertNotCalled(t, "RestoreStockOnce", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	orderRepo.AssertNotCalled(t, "InsertRefundLog", mock.Anything, mock.Anything)
}

func TestCheckRefundTxStatus(t *testing.T) {
	svc, orderRepo, _, _, _, _ := newTestPaymentService()
	orderRepo.On("FindRefundLogByOutTradeNo", "30013").Return(model.RefundLog{OutTradeNo: "30013"}, true, nil)
	orderRepo.On("FindRefundLogByOutTradeNo", "30014").Return(model.RefundLog{}, false, nil)

	outcome, err := svc.CheckRefundTxStatus(context.Background(), "30013")
	require.NoError(t, err)
	assert.Equal(t, repository.TxCommit, outcome, "existing refund log proves the local transaction committed")

	outcome, err = svc.CheckRefundTxStatus(context.Background(), "30014")
	require.NoError(t, err)
	assert.Equal(t, repository.TxUnknown, outcome, "missing log stays unknown, never guessed as rollback")
}
