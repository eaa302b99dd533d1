package repository

import (
	"log/slog"
	"time"

	"seckill_mall/global"
	"seckill_mall/model"

	"gorm.io/gorm"
)

// SeckillProductRepository 秒杀商品数据访问层
// 负责秒杀商品的查询和库存的条件扣减、回补
type SeckillProductRepository struct {
	db *gorm.DB // 数据库连接实例
}

// NewSeckillProductRepository 创建秒杀商品仓库实例
func NewSeckillProductRepository() *SeckillProductRepository {
	return &SeckillProductRepository{
		db: global.DBClient, // 使用全局数据库客户端
	}
}

// FindById 根据秒杀商品ID查询商品信息
func (dao *SeckillProductRepository) FindById(seckillId int64) (model.SeckillProduct, error) {
	var product model.SeckillProduct
	err := dao.db.Where("id = ?", seckillId).First(&product).Error
	if err != nil {
		slog.Warn("Seckill product not found in database",
			"seckill_id", seckillId,
			"error", err,
		)
	}
	return product, err
}

// FindTodayListByTime 查询当天指定场次的上架秒杀商品列表
func (dao *SeckillProductRepository) FindTodayListByTime(timeSlot int32) ([]model.SeckillProduct, error) {
	var products []model.SeckillProduct
	today := time.Now().Truncate(24 * time.Hour)
	err := dao.db.
		Where("start_date = ? AND time_slot = ? AND status = ?", today, timeSlot, 1).
		Find(&products).Error
	if err != nil {
		slog.Error("Failed to query today seckill products",
			"time_slot", timeSlot,
			"error", err,
		)
		return nil, err
	}
	return products, nil
}

// DecrStockIfPositive 条件扣减库存（库存为正才扣减），返回受影响行数
// 受影响行数为0说明数据库侧库存已耗尽，以数据库为准判定售罄
func (dao *SeckillProductRepository) DecrStockIfPositive(tx *gorm.DB, seckillId int64) (int64, error) {
	result := tx.Model(&model.SeckillProduct{}).
		Where("id = ? AND stock_count > 0", seckillId).
		Update("stock_count", gorm.Expr("stock_count - 1"))

	if result.Error != nil {
		slog.Error("Failed to decrement stock",
			"seckill_id", seckillId,
			"error", result.Error,
		)
		return 0, result.Error
	}

	slog.Info("Stock decremented conditionally",
		"seckill_id", seckillId,
		"rows_affected", result.RowsAffected,
	)
	return result.RowsAffected, result.Error
}

// DecrStock 无条件扣减库存
// 供分布式锁保护的扣减路径使用，调用方必须先读取库存确认为正
func (dao *SeckillProductRepository) DecrStock(tx *gorm.DB, seckillId int64) error {
	result := tx.Model(&model.SeckillProduct{}).
		Where("id = ?", seckillId).
		Update("stock_count", gorm.Expr("stock_count - 1"))
	if result.Error != nil {
		slog.Error("Failed to decrement stock under lock",
			"seckill_id", seckillId,
			"error", result.Error,
		)
	}
	return result.Error
}

// IncrStock 回补库存，补偿路径使用
func (dao *SeckillProductRepository) IncrStock(tx *gorm.DB, seckillId int64, delta int64) error {
	result := tx.Model(&model.SeckillProduct{}).
		Where("id = ?", seckillId).
		Update("stock_count", gorm.Expr("stock_count + ?", delta))
	if result.Error != nil {
		slog.Error("Failed to restore stock",
			"seckill_id", seckillId,
			"delta", delta,
			"error", result.Error,
		)
	} else {
		slog.Info("Stock restored",
			"seckill_id", seckillId,
			"delta", delta,
			"rows_affected", result.RowsAffected,
		)
	}
	return result.Error
}

// GetStockCount 查询当前数据库库存
func (dao *SeckillProductRepository) GetStockCount(seckillId int64) (int64, error) {
	var stock int64
	err := dao.db.Model(&model.SeckillProduct{}).
		Where("id = ?", seckillId).
		Pluck("stock_count", &stock).Error
	return stock, err
}

// WithTransaction 执行数据库事务
// 传入的事务函数会在事务中执行
func (dao *SeckillProductRepository) WithTransaction(fn func(tx *gorm.DB) error) error {
	return dao.db.Transaction(fn)
}
