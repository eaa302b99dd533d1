package controller

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"seckill_mall/handler"
	"seckill_mall/model"
	"seckill_mall/repository"
	"seckill_mall/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 业务结果码，预期中的业务拒绝不走HTTP错误状态
const (
	codeOK                 = 0
	codeSoldOut            = 1
	codeRepeatOrder        = 2
	codeSeckillDisabled    = 3
	codeNotInSaleWindow    = 4
	codeInsufficientPoints = 5
	codeInvalidTransition  = 6
)

// SeckillController 秒杀接口控制器
type SeckillController struct {
	stockHandler   *handler.StockHandler           // 库存预占处理器
	orderService   *service.OrderService           // 订单服务
	paymentService *service.PaymentService         // 支付服务
	productService *service.SeckillProductService  // 商品服务
	integralService *service.IntegralService       // 积分服务
	etcdRepo       *repository.ETCDRepository      // 动态配置
}

// NewSeckillController 创建控制器实例
func NewSeckillController(
	stockHandler *handler.StockHandler,
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	integralService *service.IntegralService,
) *SeckillController {
	return &SeckillController{
		stockHandler:    stockHandler,
		orderService:    orderService,
		paymentService:  paymentService,
		productService:  service.NewSeckillProductService(),
		integralService: integralService,
		etcdRepo:        repository.NewETCDRepository(),
	}
}

// GetProducts 查询当天指定场次的秒杀商品列表接口
func (sc *SeckillController) GetProducts(c *gin.Context) {
	timeSlot, err := strconv.ParseInt(c.Query("time_slot"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid time_slot parameter",
			"message": "Time slot must be an integer",
		})
		return
	}

	products, err := sc.productService.GetTodayProducts(c.Request.Context(), int32(timeSlot))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to query seckill products",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"products": products},
		"message": "Products queried successfully",
	})
}

// GetProductDetail 查询秒杀商品详情接口
func (sc *SeckillController) GetProductDetail(c *gin.Context) {
	seckillId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Invalid seckill product ID",
		})
		return
	}

	product, err := sc.productService.GetProductDetail(seckillId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to query product detail",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"product": product},
		"message": "Product detail queried successfully",
	})
}

// DoSeckill 秒杀下单接口
// 请求受理后订单异步创建，返回关联令牌供结果轮询
func (sc *SeckillController) DoSeckill(c *gin.Context) {
	userId := c.GetInt64("userId")

	timeSlot, err := strconv.ParseInt(c.Query("time_slot"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid time_slot parameter",
			"message": "Time slot must be an integer",
		})
		return
	}
	seckillId, err := strconv.ParseInt(c.Query("seckill_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid seckill_id parameter",
			"message": "Seckill ID must be an integer",
		})
		return
	}

	token := uuid.NewString()
	err = sc.stockHandler.Reserve(c.Request.Context(), int32(timeSlot), seckillId, userId, token)
	if err != nil {
		sc.writeBusinessError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"token": token},
		"message": "Seckill request accepted",
	})
}

// GetSeckillResult 秒杀结果轮询接口
func (sc *SeckillController) GetSeckillResult(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "missing token parameter",
			"message": "Token is required",
		})
		return
	}

	result, pending, err := sc.orderService.GetOrderResult(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to query seckill result",
		})
		return
	}
	if pending {
		c.JSON(http.StatusOK, gin.H{
			"code":    codeOK,
			"data":    gin.H{"pending": true},
			"message": "Order is still being created",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"pending": false, "result": result},
		"message": "Seckill result queried successfully",
	})
}

// GetOrderDetail 查询订单详情接口
func (sc *SeckillController) GetOrderDetail(c *gin.Context) {
	userId := c.GetInt64("userId")
	orderNo := c.Param("order_no")

	order, err := sc.orderService.GetOrderDetail(userId, orderNo)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Order not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"order": order},
		"message": "Order queried successfully",
	})
}

// OnlinePay 在线支付接口，返回网关跳转载荷
func (sc *SeckillController) OnlinePay(c *gin.Context) {
	userId := c.GetInt64("userId")
	orderNo := c.Query("order_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "missing order_no parameter",
			"message": "Order no is required",
		})
		return
	}

	payload, err := sc.paymentService.OnlinePay(c.Request.Context(), userId, orderNo)
	if err != nil {
		sc.writeBusinessError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"redirect": payload},
		"message": "Prepay created successfully",
	})
}

// PayCallback 在线支付网关回调接口
// 签名验证由接入层完成，这里消费已验签的回调参数
func (sc *SeckillController) PayCallback(c *gin.Context) {
	orderNo := c.PostForm("out_trade_no")
	tradeNo := c.PostForm("trade_no")
	totalAmount := c.PostForm("total_amount")
	if orderNo == "" || tradeNo == "" || totalAmount == "" {
		c.String(http.StatusBadRequest, "fail")
		return
	}

	if err := sc.paymentService.HandlePayCallback(c.Request.Context(), orderNo, tradeNo, totalAmount); err != nil {
		c.String(http.StatusInternalServerError, "fail")
		return
	}

	// 网关约定的确认应答
	c.String(http.StatusOK, "success")
}

// IntegralPay 积分支付接口
func (sc *SeckillController) IntegralPay(c *gin.Context) {
	userId := c.GetInt64("userId")
	orderNo := c.Query("order_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "missing order_no parameter",
			"message": "Order no is required",
		})
		return
	}

	tradeNo, err := sc.paymentService.IntegralPay(c.Request.Context(), userId, orderNo)
	if err != nil {
		sc.writeBusinessError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"trade_no": tradeNo},
		"message": "Integral payment completed",
	})
}

// Refund 退款接口
func (sc *SeckillController) Refund(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "missing order_no parameter",
			"message": "Order no is required",
		})
		return
	}

	if err := sc.paymentService.Refund(c.Request.Context(), orderNo); err != nil {
		sc.writeBusinessError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"message": "Refund accepted",
	})
}

// GetIntegralAccount 查询积分账户接口
func (sc *SeckillController) GetIntegralAccount(c *gin.Context) {
	userId := c.GetInt64("userId")

	account, err := sc.integralService.GetAccount(userId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to query integral account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"data":    gin.H{"account": account},
		"message": "Integral account queried successfully",
	})
}

// PreloadStock 库存预加载接口，开售前管理操作
func (sc *SeckillController) PreloadStock(c *gin.Context) {
	seckillId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Invalid seckill product ID",
		})
		return
	}
	timeSlot, err := strconv.ParseInt(c.Query("time_slot"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid time_slot parameter",
			"message": "Time slot must be an integer",
		})
		return
	}

	if err := sc.stockHandler.PreloadStock(c.Request.Context(), int32(timeSlot), seckillId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to preload stock",
		})
		return
	}

	// 预载后列表缓存中的库存快照已过期，主动失效让下次查询回源
	if err := sc.productService.InvalidateProductList(c.Request.Context(), int32(timeSlot)); err != nil {
		slog.Warn("Failed to invalidate product list cache after preload",
			"time_slot", timeSlot,
			"error", err,
		)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"message": "Stock preloaded successfully",
	})
}

// SetSeckillEnabled 设置秒杀开关状态接口
func (sc *SeckillController) SetSeckillEnabled(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid enabled parameter",
			"message": "Enabled parameter must be true or false",
		})
		return
	}

	if err := sc.etcdRepo.SetSeckillEnabled(c.Request.Context(), enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to set seckill enabled",
		})
		return
	}

	status := "enabled"
	if !enabled {
		status = "disabled"
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"message": "Seckill system " + status,
	})
}

// SetRateLimit 设置限流配置接口
func (sc *SeckillController) SetRateLimit(c *gin.Context) {
	limit, err := strconv.ParseInt(c.Query("limit"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid limit parameter",
			"message": "Limit must be a positive integer",
		})
		return
	}

	if err := sc.etcdRepo.SetRateLimitConfig(c.Request.Context(), limit); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Failed to set rate limit",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    codeOK,
		"message": "Rate limit updated",
	})
}

// writeBusinessError 业务结果错误映射
// 预期中的业务拒绝返回200加结果码，基础设施故障返回500
func (sc *SeckillController) writeBusinessError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrSoldOut):
		c.JSON(http.StatusOK, gin.H{"code": codeSoldOut, "message": "Sold out"})
	case errors.Is(err, model.ErrRepeatOrder):
		c.JSON(http.StatusOK, gin.H{"code": codeRepeatOrder, "message": "Repeat order for this slot"})
	case errors.Is(err, model.ErrSeckillDisabled):
		c.JSON(http.StatusOK, gin.H{"code": codeSeckillDisabled, "message": "Seckill is disabled"})
	case errors.Is(err, model.ErrNotInSaleWindow):
		c.JSON(http.StatusOK, gin.H{"code": codeNotInSaleWindow, "message": "Not in sale window"})
	case errors.Is(err, model.ErrInsufficientIntegral):
		c.JSON(http.StatusOK, gin.H{"code": codeInsufficientPoints, "message": "Insufficient integral balance"})
	case errors.Is(err, model.ErrInvalidStateTransition):
		c.JSON(http.StatusOK, gin.H{"code": codeInvalidTransition, "message": "Invalid order state for this operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   err.Error(),
			"message": "Internal error",
		})
	}
}
