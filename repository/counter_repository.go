package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"seckill_mall/global"

	"github.com/go-redis/redis/v8"
)

// Redis键名前缀常量
const (
	StockKeyPrefix     = "seckill:stock"      // 库存计数器键前缀
	DuplicateKeyPrefix = "seckill:ordered"    // 重复下单标记hash键前缀
	ProductsKeyPrefix  = "seckill:products"   // 商品列表缓存键前缀
	LockKeyPrefix      = "seckill:lock"       // 分布式锁键前缀
	RestoredKeyPrefix  = "seckill:restored"   // 退款回补守护键前缀
)

// 包级变量，存储所有Lua脚本
// 多步检查加修改必须在服务端原子执行，并发调用方不能观察到中间状态
var (
	// compareAndDeleteScript 值匹配时删除键，否则不做任何操作
	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end`)

	// compareAndExpireScript 值匹配时续期，否则不做任何操作
	compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end`)

	// rateLimitScript 固定窗口限流，窗口首个请求设置过期时间
	rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
    return 0
end
return 1`)
)

// CounterRepository 原子计数器存储层
// 基于Redis集群实现库存计数、重复下单标记、锁记录等原子操作
type CounterRepository struct {
	client *redis.ClusterClient // Redis集群客户端
}

// NewCounterRepository 创建计数器仓库实例
func NewCounterRepository() *CounterRepository {
	return &CounterRepository{
		client: global.RedisClusterClient,
	}
}

// StockKey 构造库存计数器键名，每个场次每个秒杀商品一个计数器
func StockKey(timeSlot int32, seckillId int64) string {
	return fmt.Sprintf("%s:%d:%d", StockKeyPrefix, timeSlot, seckillId)
}

// DuplicateFlagKey 构造重复下单标记hash键名，field为用户ID
func DuplicateFlagKey(timeSlot int32, seckillId int64) string {
	return fmt.Sprintf("%s:%d:%d", DuplicateKeyPrefix, timeSlot, seckillId)
}

// ProductListKey 构造商品列表缓存键名
func ProductListKey(date string, timeSlot int32) string {
	return fmt.Sprintf("%s:%s:%d", ProductsKeyPrefix, date, timeSlot)
}

// RestoredFlagKey 构造退款回补守护键名，每个订单至多回补一次
func RestoredFlagKey(orderNo string) string {
	return fmt.Sprintf("%s:%s", RestoredKeyPrefix, orderNo)
}

// Get 获取键值，键不存在时返回exists=false
func (r *CounterRepository) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get key %s failed: %v", key, err)
	}
	return value, true, nil
}

// GetCounter 获取计数器当前值，键不存在时返回0
func (r *CounterRepository) GetCounter(ctx context.Context, key string) (int64, error) {
	value, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter %s failed: %v", key, err)
	}
	return value, nil
}

// SetCounter 设置计数器值，用于库存预加载
func (r *CounterRepository) SetCounter(ctx context.Context, key string, value int64) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set counter %s failed: %v", key, err)
	}
	slog.Info("Counter set", "key", key, "value", value)
	return nil
}

// IncrBy 原子增减计数器，返回修改后的值
func (r *CounterRepository) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby key %s failed: %v", key, err)
	}
	return value, nil
}

// SetIfAbsentWithExpiry 键不存在时原子写入并设置过期时间
// SET NX PX是单条原子命令，用于锁记录的抢占写入
func (r *CounterRepository) SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx key %s failed: %v", key, err)
	}
	return ok, nil
}

// CompareAndDelete 值匹配时原子删除键，用于锁的安全释放
func (r *CounterRepository) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	result, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Result()
	if err != nil {
		return false, fmt.Errorf("compare and delete key %s failed: %v", key, err)
	}
	return result.(int64) == 1, nil
}

// CompareAndExpire 值匹配时原子续期，用于锁的租约续期
// 值不匹配说明锁已过期或被他人持有，续期必须失败
func (r *CounterRepository) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	result, err := compareAndExpireScript.Run(ctx, r.client, []string{key}, expected, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("compare and expire key %s failed: %v", key, err)
	}
	return result.(int64) == 1, nil
}

// HIncrBy 原子增加hash字段值，返回修改后的值
// 用于重复下单检测：首个将计数从0推到1的请求获胜
func (r *CounterRepository) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	value, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby key %s field %s failed: %v", key, field, err)
	}
	return value, nil
}

// HDel 删除hash字段，用于下单失败后清除重复下单标记
func (r *CounterRepository) HDel(ctx context.Context, key string, fields ...string) error {
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel key %s failed: %v", key, err)
	}
	return nil
}

// UserRateLimit 用户请求频率限制
// 固定窗口计数，窗口内超过limit次返回false
func (r *CounterRepository) UserRateLimit(ctx context.Context, userId int64, limit int64, window time.Duration) (bool, error) {
	key := fmt.Sprintf("seckill:rate_limit:%d", userId)
	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("execute rate limit script failed: %v", err)
	}

	allowed := result.(int64) == 1
	if !allowed {
		slog.Info("User rate limit exceeded",
			"user_id", userId,
			"limit", limit,
			"window", window,
		)
	}
	return allowed, nil
}

// SetString 写入字符串缓存并设置过期时间，用于商品列表缓存
func (r *CounterRepository) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set key %s failed: %v", key, err)
	}
	return nil
}

// Del 删除键
func (r *CounterRepository) Del(ctx context.Context, keys ...string) error {
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del keys failed: %v", err)
	}
	return nil
}
