package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"seckill_mall/lock"
	"seckill_mall/model"
	"seckill_mall/repository"

	"gorm.io/gorm"
)

// 每个秒杀场次的持续时长
const saleWindowDuration = 2 * time.Hour

// 退款回补守护键的保留时长，覆盖退款重试窗口
const restoreGuardTTL = 24 * time.Hour

// counterStore 库存预占依赖的原子计数器操作
type counterStore interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	SetCounter(ctx context.Context, key string, value int64) error
	SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// productStore 库存预占依赖的商品存储操作
type productStore interface {
	FindById(seckillId int64) (model.SeckillProduct, error)
	DecrStock(tx *gorm.DB, seckillId int64) error
	IncrStock(tx *gorm.DB, seckillId int64, delta int64) error
	GetStockCount(seckillId int64) (int64, error)
	WithTransaction(fn func(tx *gorm.DB) error) error
}

// messageSender 库存预占依赖的消息发送操作
type messageSender interface {
	SendOrderMessage(ctx context.Context, msg *model.OrderMessage) error
	SendCacheInvalidate(ctx context.Context, seckillId int64) error
}

// switchStore 秒杀相关动态配置开关
type switchStore interface {
	GetSeckillEnabled(ctx context.Context) (bool, error)
	GetStockPreloadEnabled(ctx context.Context) (bool, error)
}

// distributedLock 锁保护的扣减路径依赖的互斥原语
type distributedLock interface {
	Acquire(ctx context.Context, key string) (string, error)
	Release(ctx context.Context, key, token string) error
}

// StockHandler 库存预占处理器
// 快速路径：本地售罄缓存短路 + 计数器原子预扣减；
// 数据库条件扣减作为事实来源由订单侧在本地事务中执行
type StockHandler struct {
	cache       *LocalStockCache // 进程内售罄缓存
	counterRepo counterStore     // 计数器存储
	productRepo productStore     // 商品存储
	sender      messageSender    // 消息发送
	configRepo  switchStore      // 动态配置
	stockLock   distributedLock  // 分布式锁
}

// NewStockHandler 创建库存预占处理器实例
func NewStockHandler(stockLock *lock.RedisLock) *StockHandler {
	return &StockHandler{
		cache:       NewLocalStockCache(),
		counterRepo: repository.NewCounterRepository(),
		productRepo: repository.NewSeckillProductRepository(),
		sender:      repository.NewKafkaRepository(),
		configRepo:  repository.NewETCDRepository(),
		stockLock:   stockLock,
	}
}

// Cache 返回本地售罄缓存，供失效广播消费者接线
func (h *StockHandler) Cache() *LocalStockCache {
	return h.cache
}

// Reserve 预占一件库存并投递创建订单消息
// 返回nil表示请求已受理（订单异步创建），业务拒绝通过错误值表达
func (h *StockHandler) Reserve(ctx context.Context, timeSlot int32, seckillId, userId int64, token string) error {
	// 第一步：本地售罄缓存短路，不触碰共享存储
	if h.cache.IsSoldOut(seckillId) {
		return model.ErrSoldOut
	}

	// 第二步：秒杀开关检查
	enabled, err := h.configRepo.GetSeckillEnabled(ctx)
	if err != nil {
		return fmt.Errorf("check seckill switch failed: %v", err)
	}
	if !enabled {
		return model.ErrSeckillDisabled
	}

	// 第三步：场次时间窗口检查
	product, err := h.productRepo.FindById(seckillId)
	if err != nil {
		return fmt.Errorf("find seckill product failed: %v", err)
	}
	if !withinSaleWindow(product, time.Now()) {
		return model.ErrNotInSaleWindow
	}

	// 第四步：重复下单检测，首个把计数从0推到1的请求获胜
	dupKey := repository.DuplicateFlagKey(timeSlot, seckillId)
	userField := strconv.FormatInt(userId, 10)
	count, err := h.counterRepo.HIncrBy(ctx, dupKey, userField, 1)
	if err != nil {
		return fmt.Errorf("duplicate order check failed: %v", err)
	}
	if count > 1 {
		slog.Info("Repeat order rejected",
			"user_id", userId,
			"seckill_id", seckillId,
			"time_slot", timeSlot,
		)
		return model.ErrRepeatOrder
	}

	// 第五步：计数器原子预扣减
	// 结果为负立即回补，负值偏移是瞬时的且该键只有本组件消费
	stockKey := repository.StockKey(timeSlot, seckillId)
	remaining, err := h.counterRepo.IncrBy(ctx, stockKey, -1)
	if err != nil {
		h.clearDuplicateFlag(ctx, dupKey, userField)
		return fmt.Errorf("pre-decrement stock failed: %v", err)
	}
	if remaining < 0 {
		if _, err := h.counterRepo.IncrBy(ctx, stockKey, 1); err != nil {
			slog.Error("Failed to revert negative stock decrement",
				"seckill_id", seckillId,
				"error", err,
			)
		}
		h.cache.MarkSoldOut(seckillId)
		h.clearDuplicateFlag(ctx, dupKey, userField)
		return model.ErrSoldOut
	}

	// 第六步：投递创建订单消息，订单由saga协调器异步创建
	orderMsg := &model.OrderMessage{
		TimeSlot:  timeSlot,
		SeckillId: seckillId,
		Token:     token,
		UserId:    userId,
	}
	if err := h.sender.SendOrderMessage(ctx, orderMsg); err != nil {
		// 消息发送失败回滚预占：回补计数器、清除重复标记
		if _, revertErr := h.counterRepo.IncrBy(ctx, stockKey, 1); revertErr != nil {
			slog.Error("Failed to revert stock after send failure",
				"seckill_id", seckillId,
				"error", revertErr,
			)
		}
		h.clearDuplicateFlag(ctx, dupKey, userField)
		return fmt.Errorf("send order message failed: %v", err)
	}

	slog.Info("Stock reserved and order message enqueued",
		"user_id", userId,
		"seckill_id", seckillId,
		"time_slot", timeSlot,
		"remaining", remaining,
	)
	return nil
}

// RestoreStock 回补库存，所有补偿路径共用
// 同时回补数据库库存和计数器库存，清除重复下单标记，
// 并广播缓存失效消息纠正所有进程的过期售罄标记
func (h *StockHandler) RestoreStock(ctx context.Context, timeSlot int32, seckillId, userId int64, delta int64) error {
	err := h.productRepo.WithTransaction(func(tx *gorm.DB) error {
		return h.productRepo.IncrStock(tx, seckillId, delta)
	})
	if err != nil {
		return fmt.Errorf("restore durable stock failed: %v", err)
	}

	stockKey := repository.StockKey(timeSlot, seckillId)
	if _, err := h.counterRepo.IncrBy(ctx, stockKey, delta); err != nil {
		return fmt.Errorf("restore counter stock failed: %v", err)
	}

	h.clearDuplicateFlag(ctx, repository.DuplicateFlagKey(timeSlot, seckillId), strconv.FormatInt(userId, 10))

	// 本进程先行失效，其余进程依赖广播
	h.cache.Invalidate(seckillId)
	if err := h.sender.SendCacheInvalidate(ctx, seckillId); err != nil {
		slog.Error("Failed to broadcast cache invalidation",
			"seckill_id", seckillId,
			"error", err,
		)
	}

	slog.Info("Stock restored with compensation",
		"seckill_id", seckillId,
		"time_slot", timeSlot,
		"delta", delta,
	)
	return nil
}

// RestoreStockOnce 带守护键的回补，调用方按业务单号保证至多回补一次
// 守护键抢占成功才执行回补；回补失败时释放守护键，让重试能够再次尝试。
// 用于回补发生在本地事务提交之后的场景，失败的回补不会随事务回滚
func (h *StockHandler) RestoreStockOnce(ctx context.Context, guardKey string, timeSlot int32, seckillId, userId int64, delta int64) error {
	acquired, err := h.counterRepo.SetIfAbsentWithExpiry(ctx, guardKey, "1", restoreGuardTTL)
	if err != nil {
		return fmt.Errorf("acquire restore guard failed: %v", err)
	}
	if !acquired {
		slog.Info("Stock already restored, skipping",
			"guard_key", guardKey,
			"seckill_id", seckillId,
		)
		return nil
	}

	if err := h.RestoreStock(ctx, timeSlot, seckillId, userId, delta); err != nil {
		if delErr := h.counterRepo.Del(ctx, guardKey); delErr != nil {
			slog.Error("Failed to release restore guard after failed restore",
				"guard_key", guardKey,
				"error", delErr,
			)
		}
		return err
	}
	return nil
}

// RollbackReservation 回滚一次预占（仅计数器侧）
// 订单创建本地事务失败时使用：数据库侧扣减随事务原子回滚，
// 只需回补计数器、清除重复标记并广播缓存失效
func (h *StockHandler) RollbackReservation(ctx context.Context, timeSlot int32, seckillId, userId int64) {
	stockKey := repository.StockKey(timeSlot, seckillId)
	if _, err := h.counterRepo.IncrBy(ctx, stockKey, 1); err != nil {
		slog.Error("Failed to revert counter stock on rollback",
			"seckill_id", seckillId,
			"error", err,
		)
	}

	h.clearDuplicateFlag(ctx, repository.DuplicateFlagKey(timeSlot, seckillId), strconv.FormatInt(userId, 10))

	h.cache.Invalidate(seckillId)
	if err := h.sender.SendCacheInvalidate(ctx, seckillId); err != nil {
		slog.Error("Failed to broadcast cache invalidation on rollback",
			"seckill_id", seckillId,
			"error", err,
		)
	}

	slog.Info("Reservation rolled back",
		"seckill_id", seckillId,
		"time_slot", timeSlot,
		"user_id", userId,
	)
}

// PreloadStock 将数据库库存预加载到计数器存储
// 开售前的管理操作，受动态配置开关控制，分布式锁保护避免多实例并发预载
func (h *StockHandler) PreloadStock(ctx context.Context, timeSlot int32, seckillId int64) error {
	enabled, err := h.configRepo.GetStockPreloadEnabled(ctx)
	if err != nil {
		return fmt.Errorf("check stock preload switch failed: %v", err)
	}
	if !enabled {
		slog.Warn("Stock preload disabled by config",
			"seckill_id", seckillId,
			"time_slot", timeSlot,
		)
		return fmt.Errorf("stock preload disabled by config")
	}

	lockKey := fmt.Sprintf("%s:preload:%d:%d", repository.LockKeyPrefix, timeSlot, seckillId)
	token, err := h.stockLock.Acquire(ctx, lockKey)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.stockLock.Release(ctx, lockKey, token); err != nil {
			slog.Error("Failed to release preload lock", "key", lockKey, "error", err)
		}
	}()

	stock, err := h.productRepo.GetStockCount(seckillId)
	if err != nil {
		return fmt.Errorf("read durable stock failed: %v", err)
	}

	stockKey := repository.StockKey(timeSlot, seckillId)
	if err := h.counterRepo.SetCounter(ctx, stockKey, stock); err != nil {
		return err
	}

	slog.Info("Stock preloaded into counter store",
		"seckill_id", seckillId,
		"time_slot", timeSlot,
		"stock", stock,
	)
	return nil
}

// DecrStockWithLock 锁保护的数据库扣减路径
// 为缺少条件更新能力的存储保留的备用策略：读取后判断再扣减，
// 读写之间的窗口由分布式锁消除。与条件更新路径二选一，不可同时使用
func (h *StockHandler) DecrStockWithLock(ctx context.Context, seckillId int64) error {
	lockKey := fmt.Sprintf("%s:stock:%d", repository.LockKeyPrefix, seckillId)
	token, err := h.stockLock.Acquire(ctx, lockKey)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.stockLock.Release(ctx, lockKey, token); err != nil {
			slog.Error("Failed to release stock lock", "key", lockKey, "error", err)
		}
	}()

	stock, err := h.productRepo.GetStockCount(seckillId)
	if err != nil {
		return fmt.Errorf("read durable stock failed: %v", err)
	}
	if stock <= 0 {
		h.cache.MarkSoldOut(seckillId)
		return model.ErrSoldOut
	}

	return h.productRepo.WithTransaction(func(tx *gorm.DB) error {
		return h.productRepo.DecrStock(tx, seckillId)
	})
}

// clearDuplicateFlag 清除重复下单标记，失败只记录日志
func (h *StockHandler) clearDuplicateFlag(ctx context.Context, dupKey, userField string) {
	if err := h.counterRepo.HDel(ctx, dupKey, userField); err != nil {
		slog.Error("Failed to clear duplicate order flag",
			"key", dupKey,
			"field", userField,
			"error", err,
		)
	}
}

// withinSaleWindow 判断当前时间是否处于商品的秒杀场次窗口内
func withinSaleWindow(product model.SeckillProduct, now time.Time) bool {
	start := product.StartDate.Add(time.Duration(product.TimeSlot) * time.Hour)
	end := start.Add(saleWindowDuration)
	return !now.Before(start) && now.Before(end)
}
