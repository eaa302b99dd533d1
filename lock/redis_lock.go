package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockBusy 自旋次数耗尽仍未抢到锁
// 瞬时失败，调用方可以从头重试
var ErrLockBusy = errors.New("lock busy: spin limit exceeded")

// 抢锁失败后的固定退避间隔
const spinBackoff = 20 * time.Millisecond

// CounterStore 锁依赖的原子计数器存储操作
type CounterStore interface {
	SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// RedisLock 基于原子计数器存储的分布式互斥锁
// 持有者令牌标识归属，后台看门狗按0.8倍租约周期续期：
// 临界区时长可变（含数据库往返），固定短租约会在操作中途过期，
// 而无限租约会在进程崩溃后永久死锁，续期看门狗两头兼顾
type RedisLock struct {
	store     CounterStore  // 计数器存储
	ttl       time.Duration // 锁租约时长
	spinLimit int           // 自旋次数上限

	mu        sync.Mutex                    // 保护watchdogs
	watchdogs map[string]context.CancelFunc // 活跃的看门狗，按key+token索引
}

// NewRedisLock 创建分布式锁实例
func NewRedisLock(store CounterStore, ttl time.Duration, spinLimit int) *RedisLock {
	return &RedisLock{
		store:     store,
		ttl:       ttl,
		spinLimit: spinLimit,
		watchdogs: make(map[string]context.CancelFunc),
	}
}

// Acquire 抢占指定键的锁，成功返回持有者令牌
// 抢占失败时固定退避后重试，超过自旋上限返回ErrLockBusy
func (l *RedisLock) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()

	for i := 0; i < l.spinLimit; i++ {
		ok, err := l.store.SetIfAbsentWithExpiry(ctx, key, token, l.ttl)
		if err != nil {
			return "", err
		}
		if ok {
			l.startWatchdog(key, token)
			slog.Info("Lock acquired",
				"key", key,
				"token", token,
				"attempts", i+1,
			)
			return token, nil
		}

		// 固定退避后重试
		select {
		case <-time.After(spinBackoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	slog.Warn("Lock acquisition spin limit exceeded",
		"key", key,
		"spin_limit", l.spinLimit,
	)
	return "", ErrLockBusy
}

// Release 释放锁
// 先停止看门狗，再以令牌匹配为前提删除锁记录，持有者以外的调用方无法释放
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	l.stopWatchdog(key, token)

	ok, err := l.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		return err
	}
	if !ok {
		// 锁已过期或已被他人持有
		slog.Warn("Lock release token mismatch",
			"key", key,
			"token", token,
		)
		return nil
	}

	slog.Info("Lock released", "key", key, "token", token)
	return nil
}

// startWatchdog 启动后台续期看门狗
// 每0.8倍租约周期续期一次；令牌不匹配说明锁已过期并可能被他人重新抢占，
// 看门狗立即自行退出，绝不复活一把不再属于自己的锁
func (l *RedisLock) startWatchdog(key, token string) {
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.watchdogs[key+token] = cancel
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(float64(l.ttl) * 0.8))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ok, err := l.store.CompareAndExpire(ctx, key, token, l.ttl)
				if err != nil {
					slog.Warn("Lock renewal failed, will retry",
						"key", key,
						"error", err,
					)
					continue
				}
				if !ok {
					slog.Warn("Lock renewal stopped: token no longer matches",
						"key", key,
						"token", token,
					)
					l.stopWatchdog(key, token)
					return
				}
				slog.Info("Lock lease renewed", "key", key, "token", token)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// stopWatchdog 停止并注销看门狗，重复调用安全
func (l *RedisLock) stopWatchdog(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.watchdogs[key+token]; ok {
		cancel()
		delete(l.watchdogs, key+token)
	}
}
