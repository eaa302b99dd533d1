package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"seckill_mall/model"
	"seckill_mall/repository"
)

// 商品列表缓存保留时长
const productListTTL = 30 * time.Second

// productListStore 商品查询依赖的存储操作
type productListStore interface {
	FindById(seckillId int64) (model.SeckillProduct, error)
	FindTodayListByTime(timeSlot int32) ([]model.SeckillProduct, error)
}

// productCache 商品列表缓存操作
type productCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SeckillProductService 秒杀商品查询服务
// 商品列表走显式的缓存读穿函数：先查缓存，未命中回源数据库并回填
type SeckillProductService struct {
	productRepo productListStore // 商品存储
	cache       productCache     // 列表缓存
}

// NewSeckillProductService 创建商品服务实例
func NewSeckillProductService() *SeckillProductService {
	return &SeckillProductService{
		productRepo: repository.NewSeckillProductRepository(),
		cache:       repository.NewCounterRepository(),
	}
}

// GetTodayProducts 查询当天指定场次的秒杀商品列表（缓存读穿）
func (s *SeckillProductService) GetTodayProducts(ctx context.Context, timeSlot int32) ([]model.SeckillProduct, error) {
	key := repository.ProductListKey(time.Now().Format(time.DateOnly), timeSlot)

	cached, found, err := s.cache.Get(ctx, key)
	if err != nil {
		// 缓存故障降级为直接回源
		slog.Warn("Product list cache read failed, falling back to database",
			"time_slot", timeSlot,
			"error", err,
		)
	} else if found {
		var products []model.SeckillProduct
		if err := json.Unmarshal([]byte(cached), &products); err == nil {
			return products, nil
		}
		slog.Warn("Corrupt product list cache entry, refreshing", "key", key)
	}

	products, err := s.productRepo.FindTodayListByTime(timeSlot)
	if err != nil {
		return nil, fmt.Errorf("query today products failed: %v", err)
	}

	if jsonData, err := json.Marshal(products); err == nil {
		if err := s.cache.SetString(ctx, key, string(jsonData), productListTTL); err != nil {
			slog.Warn("Failed to refill product list cache", "key", key, "error", err)
		}
	}

	return products, nil
}

// GetProductDetail 查询秒杀商品详情
func (s *SeckillProductService) GetProductDetail(seckillId int64) (model.SeckillProduct, error) {
	return s.productRepo.FindById(seckillId)
}

// InvalidateProductList 删除指定场次的列表缓存，商品变更后调用
func (s *SeckillProductService) InvalidateProductList(ctx context.Context, timeSlot int32) error {
	key := repository.ProductListKey(time.Now().Format(time.DateOnly), timeSlot)
	return s.cache.Del(ctx, key)
}
