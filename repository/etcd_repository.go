package repository

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"seckill_mall/global"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ETCDRepository 封装与ETCD交互的仓库操作
// 负责秒杀开关、限流阈值、库存预加载开关等动态配置的读写与监听
type ETCDRepository struct {
	client *clientv3.Client // ETCD客户端实例
}

// NewETCDRepository 创建ETCD仓库实例
func NewETCDRepository() *ETCDRepository {
	return &ETCDRepository{
		client: global.EtcdClient, // 使用全局ETCD客户端
	}
}

// GetSeckillEnabled 获取秒杀开关状态，配置缺失默认开启
func (e *ETCDRepository) GetSeckillEnabled(ctx context.Context) (bool, error) {
	value, err := e.GetConfig(ctx, global.EtcdKeySeckillEnabled)
	if err != nil {
		return false, fmt.Errorf("get seckill enabled failed: %v", err)
	}
	if value == "" {
		return true, nil
	}
	return value == "true", nil
}

// SetSeckillEnabled 设置秒杀开关状态
func (e *ETCDRepository) SetSeckillEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return e.PutConfig(ctx, global.EtcdKeySeckillEnabled, value)
}

// GetRateLimitConfig 获取限流配置，缺失或解析失败返回默认10次/分钟
func (e *ETCDRepository) GetRateLimitConfig(ctx context.Context) (int64, error) {
	value, err := e.GetConfig(ctx, global.EtcdKeyRateLimit)
	if err != nil {
		return 10, fmt.Errorf("get rate limit config failed: %v", err)
	}
	if value == "" {
		return 10, nil
	}

	limit, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 10, nil
	}
	return limit, nil
}

// SetRateLimitConfig 设置限流配置
func (e *ETCDRepository) SetRateLimitConfig(ctx context.Context, limit int64) error {
	return e.PutConfig(ctx, global.EtcdKeyRateLimit, strconv.FormatInt(limit, 10))
}

// GetStockPreloadEnabled 获取库存预加载开关状态，配置缺失默认开启
func (e *ETCDRepository) GetStockPreloadEnabled(ctx context.Context) (bool, error) {
	value, err := e.GetConfig(ctx, global.EtcdKeyStockPreload)
	if err != nil {
		return false, fmt.Errorf("get stock preload config failed: %v", err)
	}
	if value == "" {
		return true, nil
	}
	return value == "true", nil
}

// WatchSeckillConfig 监听秒杀配置变化
func (e *ETCDRepository) WatchSeckillConfig(ctx context.Context, callback func(key, value string)) {
	// 创建监听通道，前缀覆盖所有秒杀配置键
	rch := e.client.Watch(ctx, "/seckill/config/", clientv3.WithPrefix())

	// 启动goroutine处理监听事件
	go func() {
		for wresp := range rch {
			for _, ev := range wresp.Events {
				log.Printf("Etcd config changed: %s %q : %q\n", ev.Type, ev.Kv.Key, ev.Kv.Value)
				if callback != nil {
					callback(string(ev.Kv.Key), string(ev.Kv.Value))
				}
			}
		}
	}()
}

// PutConfig 存储配置
func (e *ETCDRepository) PutConfig(ctx context.Context, key, value string) error {
	// 简单写入配置
	_, err := e.client.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("put etcd config failed: %v", err)
	}
	return nil
}

// GetConfig 获取配置值
func (e *ETCDRepository) GetConfig(ctx context.Context, key string) (string, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get etcd config failed: %v", err)
	}

	// 处理空结果
	if len(resp.Kvs) == 0 {
		return "", nil
	}

	return string(resp.Kvs[0].Value), nil
}
