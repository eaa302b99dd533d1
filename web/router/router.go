package router

import (
	"seckill_mall/web/controller"
	"seckill_mall/web/middleware"

	"github.com/gin-gonic/gin"
)

// InitRouter 初始化并返回Gin路由引擎
func InitRouter(sc *controller.SeckillController) *gin.Engine {
	// 创建默认Gin引擎实例
	r := gin.Default()

	// 创建API路由组，所有接口前缀为/api
	api := r.Group("/api")
	{
		// 商品查询接口
		api.GET("/products", sc.GetProducts)
		api.GET("/products/:id", sc.GetProductDetail)

		// 秒杀下单接口，按用户限流
		api.POST("/seckill", middleware.AuthMiddleware(), middleware.RateLimitMiddleware(), sc.DoSeckill)
		api.GET("/seckill/result", middleware.AuthMiddleware(), sc.GetSeckillResult)

		// 订单接口
		api.GET("/orders/:order_no", middleware.AuthMiddleware(), sc.GetOrderDetail)

		// 支付与退款接口
		api.POST("/pay/online", middleware.AuthMiddleware(), sc.OnlinePay)
		api.POST("/pay/integral", middleware.AuthMiddleware(), sc.IntegralPay)
		api.POST("/pay/callback", sc.PayCallback) // 网关回调，无用户会话
		api.POST("/refund", middleware.AuthMiddleware(), sc.Refund)

		// 积分账户接口
		api.GET("/integral", middleware.AuthMiddleware(), sc.GetIntegralAccount)

		// 管理接口组，需要管理员权限
		admin := api.Group("/admin", middleware.AdminMiddleware())
		{
			admin.POST("/preload/:id", sc.PreloadStock)                    // 库存预加载
			admin.POST("/config/seckill/enable", sc.SetSeckillEnabled)     // 秒杀开关
			admin.POST("/config/rate_limit", sc.SetRateLimit)              // 限流阈值
		}
	}
	return r
}
