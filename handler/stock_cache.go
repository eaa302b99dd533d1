package handler

import (
	"log/slog"
	"sync"
)

// LocalStockCache 进程内售罄快速拒绝缓存
// 任何一次扣减观察到库存耗尽即标记售罄，同进程后续请求不再访问计数器存储。
// 标记只是提示而非事实来源：补偿回补库存后由失效广播纠正，
// 其他进程持有的过期售罄标记也经同一广播清除
type LocalStockCache struct {
	soldOut sync.Map // key: seckillId, value: struct{}
}

// NewLocalStockCache 创建本地售罄缓存实例
func NewLocalStockCache() *LocalStockCache {
	return &LocalStockCache{}
}

// MarkSoldOut 标记秒杀商品售罄
func (c *LocalStockCache) MarkSoldOut(seckillId int64) {
	c.soldOut.Store(seckillId, struct{}{})
	slog.Info("Seckill product marked sold out locally", "seckill_id", seckillId)
}

// IsSoldOut 检查秒杀商品是否已被本进程标记售罄
func (c *LocalStockCache) IsSoldOut(seckillId int64) bool {
	_, ok := c.soldOut.Load(seckillId)
	return ok
}

// Invalidate 清除售罄标记，失效广播消费时调用
func (c *LocalStockCache) Invalidate(seckillId int64) {
	c.soldOut.Delete(seckillId)
	slog.Info("Local sold out flag invalidated", "seckill_id", seckillId)
}
