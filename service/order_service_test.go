package service

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"seckill_mall/model"
	"seckill_mall/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	if err := util.InitIdGenerator(1); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// mockOrderRepo 模拟订单存储，同时覆盖saga与支付编排需要的操作
type mockOrderRepo struct {
	mock.Mock
}

func (m *mockOrderRepo) InsertOrder(tx *gorm.DB, order *model.OrderInfo) error {
	args := m.Called(tx, order)
	return args.Error(0)
}

func (m *mockOrderRepo) FindByOrderNo(orderNo string) (model.OrderInfo, error) {
	args := m.Called(orderNo)
	return args.Get(0).(model.OrderInfo), args.Error(1)
}

func (m *mockOrderRepo) FindByUserAndOrderNo(userId int64, orderNo string) (model.OrderInfo, error) {
	args := m.Called(userId, orderNo)
	return args.Get(0).(model.OrderInfo), args.Error(1)
}

func (m *mockOrderRepo) FindByUserAndSeckill(userId, seckillId int64, timeSlot int32) (model.OrderInfo, bool, error) {
	args := m.Called(userId, seckillId, timeSlot)
	return args.Get(0).(model.OrderInfo), args.Bool(1), args.Error(2)
}

func (m *mockOrderRepo) ChangeOrderStatus(tx *gorm.DB, orderNo string, from, to int32) (int64, error) {
	args := m.Called(tx, orderNo, from, to)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOrderRepo) InsertPayLog(tx *gorm.DB, payLog *model.PayLog) error {
	args := m.Called(tx, payLog)
	return args.Error(0)
}

func (m *mockOrderRepo) InsertRefundLog(tx *gorm.DB, refundLog *model.RefundLog) error {
	args := m.Called(tx, refundLog)
	return args.Error(0)
}

func (m *mockOrderRepo) FindRefundLogByOutTradeNo(outTradeNo string) (model.RefundLog, bool, error) {
	args := m.Called(outTradeNo)
	return args.Get(0).(model.RefundLog), args.Bool(1), args.Error(2)
}

func (m *mockOrderRepo) WithTransaction(fn func(tx *gorm.DB) error) error {
	args := m.Called(fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(nil)
}

// mockProductDecr 模拟商品库存条件扣减
type mockProductDecr struct {
	mock.Mock
}

func (m *mockProductDecr) FindById(seckillId int64) (model.SeckillProduct, error) {
	args := m.Called(seckillId)
	return args.Get(0).(model.SeckillProduct), args.Error(1)
}

func (m *mockProductDecr) DecrStockIfPositive(tx *gorm.DB, seckillId int64) (int64, error) {
	args := m.Called(tx, seckillId)
	return args.Get(0).(int64), args.Error(1)
}

// mockMessenger 模拟saga消息发送
type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) SendPayTimeoutMessage(ctx context.Context, msg *model.OrderMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockMessenger) SendOrderResult(ctx context.Context, result *model.OrderResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

// mockCompensator 模拟库存补偿
type mockCompensator struct {
	mock.Mock
}

func (m *mockCompensator) RestoreStock(ctx context.Context, timeSlot int32, seckillId, userId int64, delta int64) error {
	args := m.Called(ctx, timeSlot, seckillId, userId, delta)
	return args.Error(0)
}

func (m *mockCompensator) RestoreStockOnce(ctx context.Context, guardKey string, timeSlot int32, seckillId, userId int64, delta int64) error {
	args := m.Called(ctx, guardKey, timeSlot, seckillId, userId, delta)
	return args.Error(0)
}

func (m *mockCompensator) RollbackReservation(ctx context.Context, timeSlot int32, seckillId, userId int64) {
	m.Called(ctx, timeSlot, seckillId, userId)
}

// memoryResultCache 内存版结果缓存
type memoryResultCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemoryResultCache() *memoryResultCache {
	return &memoryResultCache{entries: make(map[string]string)}
}

func (c *memoryResultCache) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memoryResultCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	return value, ok, nil
}

func testOrderMessage() model.OrderMessage {
	return model.OrderMessage{
		TimeSlot:  10,
		SeckillId: 1,
		Token:     "req-token",
		UserId:    42,
	}
}

func newTestOrderService() (*OrderService, *mockOrderRepo, *mockProductDecr, *mockMessenger, *mockCompensator) {
	orderRepo := &mockOrderRepo{}
	productRepo := &mockProductDecr{}
	messenger := &mockMessenger{}
	compensator := &mockCompensator{}
	svc := &OrderService{
		orderRepo:   orderRepo,
		productRepo: productRepo,
		messenger:   messenger,
		compensator: compensator,
		cache:       newMemoryResultCache(),
	}
	return svc, orderRepo, productRepo, messenger, compensator
}

func TestHandleOrderMessageCreatesOrder(t *testing.T) {
	svc, orderRepo, productRepo, messenger, compensator := newTestOrderService()
	msg := testOrderMessage()

	productRepo.On("FindById", int64(1)).Return(model.SeckillProduct{
		Id:           1,
		ProductName:  "Mechanical Keyboard",
		SeckillPrice: 50,
		Integral:     100,
	}, nil)
	productRepo.On("DecrStockIfPositive", mock.Anything, int64(1)).Return(int64(1), nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)

	var createdOrder *model.OrderInfo
	orderRepo.On("InsertOrder", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		createdOrder = args.Get(1).(*model.OrderInfo)
	}).Return(nil)

	var timeoutMsg *model.OrderMessage
	messenger.On("SendPayTimeoutMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		timeoutMsg = args.Get(1).(*model.OrderMessage)
	}).Return(nil)

	var result *model.OrderResult
	messenger.On("SendOrderResult", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		result = args.Get(1).(*model.OrderResult)
	}).Return(nil)

	require.NoError(t, svc.HandleOrderMessage(context.Background(), msg))

	require.NotNil(t, createdOrder)
	assert.NotEmpty(t, createdOrder.OrderNo)
	assert.Equal(t, model.OrderStatusUnpaid, createdOrder.Status)
	assert.Equal(t, "Mechanical Keyboard", createdOrder.ProductName, "product snapshot frozen at creation")

	require.NotNil(t, timeoutMsg)
	assert.Equal(t, createdOrder.OrderNo, timeoutMsg.OrderNo, "timeout message carries the new order no")

	require.NotNil(t, result)
	assert.Equal(t, OrderResultCodeSuccess, result.Code)
	assert.Equal(t, "req-token", result.Token)

	compensator.AssertNotCalled(t, "RollbackReservation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleOrderMessageSoldOutCompensates(t *testing.T) {
	svc, orderRepo, productRepo, messenger, compensator := newTestOrderService()
	msg := testOrderMessage()

	productRepo.On("FindById", int64(1)).Return(model.SeckillProduct{Id: 1}, nil)
	// 条件扣减0行受影响：数据库侧判定售罄
	productRepo.On("DecrStockIfPositive", mock.Anything, int64(1)).Return(int64(0), nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	// 三元组查无订单：真实失败而非重投递
	orderRepo.On("FindByUserAndSeckill", int64(42), int64(1), int32(10)).Return(model.OrderInfo{}, false, nil)
	compensator.On("RollbackReservation", mock.Anything, int32(10), int64(1), int64(42)).Return()

	var result *model.OrderResult
	messenger.On("SendOrderResult", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		result = args.Get(1).(*model.OrderResult)
	}).Return(nil)

	err := svc.HandleOrderMessage(context.Background(), msg)
	assert.ErrorIs(t, err, model.ErrSoldOut)

	compensator.AssertExpectations(t)
	orderRepo.AssertNotCalled(t, "InsertOrder", mock.Anything, mock.Anything)
	messenger.AssertNotCalled(t, "SendPayTimeoutMessage", mock.Anything, mock.Anything)

	require.NotNil(t, result)
	assert.Equal(t, OrderResultCodeFailed, result.Code)
	assert.Empty(t, result.OrderNo)
}

func TestHandleOrderMessageRedeliveryRepublishesSuccess(t *testing.T) {
	svc, orderRepo, productRepo, messenger, compensator := newTestOrderService()
	msg := testOrderMessage()

	productRepo.On("FindById", int64(1)).Return(model.SeckillProduct{
		Id:          1,
		ProductName: "Mechanical Keyboard",
	}, nil)
	productRepo.On("DecrStockIfPositive", mock.Anything, int64(1)).Return(int64(1), nil)
	orderRepo.On("WithTransaction", mock.Anything).Return(nil)

	var createdOrder model.OrderInfo
	orderRepo.On("InsertOrder", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		createdOrder = *args.Get(1).(*model.OrderInfo)
	}).Return(nil).Once()
	// 重投递的消息命中(user_id, seckill_id, time_slot)唯一索引
	orderRepo.On("InsertOrder", mock.Anything, mock.Anything).Return(gorm.ErrDuplicatedKey)

	messenger.On("SendPayTimeoutMessage", mock.Anything, mock.Anything).Return(nil)
	var results []*model.OrderResult
	messenger.On("SendOrderResult", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		results = append(results, args.Get(1).(*model.OrderResult))
	}).Return(nil)

	require.NoError(t, svc.HandleOrderMessage(context.Background(), msg))
	require.NotEmpty(t, createdOrder.OrderNo)

	// 第二次投递：三元组查到已创建的订单
	orderRepo.On("FindByUserAndSeckill", int64(42), int64(1), int32(10)).Return(createdOrder, true, nil)
	require.NoError(t, svc.HandleOrderMessage(context.Background(), msg),
		"redelivery must be treated as already created")

	compensator.AssertNotCalled(t, "RollbackReservation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, results, 2)
	assert.Equal(t, OrderResultCodeSuccess, results[1].Code, "redelivery republishes success, not failure")
	assert.Equal(t, createdOrder.OrderNo, results[1].OrderNo)
}

func TestHandlePayTimeoutCancelsUnpaidOrder(t *testing.T) {
	svc, orderRepo, _, _, compensator := newTestOrderService()
	msg := testOrderMessage()
	msg.OrderNo = "20001"

	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	orderRepo.On("ChangeOrderStatus", mock.Anything, "20001", model.OrderStatusUnpaid, model.OrderStatusCancelled).Return(int64(1), nil)
	compensator.On("RestoreStock", mock.Anything, int32(10), int64(1), int64(42), int64(1)).Return(nil)

	require.NoError(t, svc.HandlePayTimeout(context.Background(), msg))
	compensator.AssertExpectations(t)
}

func TestHandlePayTimeoutPaidOrderIsNoop(t *testing.T) {
	svc, orderRepo, _, _, compensator := newTestOrderService()
	msg := testOrderMessage()
	msg.OrderNo = "20002"

	orderRepo.On("WithTransaction", mock.Anything).Return(nil)
	// 0行受影响：订单已支付或已被取消
	orderRepo.On("ChangeOrderStatus", mock.Anything, "20002", model.OrderStatusUnpaid, model.OrderStatusCancelled).Return(int64(0), nil)

	require.NoError(t, svc.HandlePayTimeout(context.Background(), msg))
	compensator.AssertNotCalled(t, "RestoreStock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOrderResultRoundTrip(t *testing.T) {
	svc, _, _, _, _ := newTestOrderService()

	// 结果尚未产生时pending为真
	_, pending, err := svc.GetOrderResult(context.Background(), "req-token")
	require.NoError(t, err)
	assert.True(t, pending)

	svc.HandleOrderResult(context.Background(), model.OrderResult{
		Token:   "req-token",
		OrderNo: "20003",
		Code:    OrderResultCodeSuccess,
		Msg:     "order created",
	})

	result, pending, err := svc.GetOrderResult(context.Background(), "req-token")
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, "20003", result.OrderNo)
	assert.Equal(t, OrderResultCodeSuccess, result.Code)
}

func TestGetOrderDetailChecksOwnership(t *testing.T) {
	svc, orderRepo, _, _, _ := newTestOrderService()
	orderRepo.On("FindByUserAndOrderNo", int64(42), "20004").Return(model.OrderInfo{OrderNo: "20004", UserId: 42}, nil)
	orderRepo.On("FindByUserAndOrderNo", int64(7), "20004").Return(model.OrderInfo{}, gorm.ErrRecordNotFound)

	order, err := svc.GetOrderDetail(42, "20004")
	require.NoError(t, err)
	assert.Equal(t, "20004", order.OrderNo)

	_, err = svc.GetOrderDetail(7, "20004")
	assert.Error(t, err, "another user must not read the order")
}
