package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"seckill_mall/repository"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 用户身份中间件
// 会话令牌校验由接入层网关完成，本服务信任其注入的X-User-Id请求头
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userIdStr := c.GetHeader("X-User-Id")
		if userIdStr == "" {
			slog.Warn("Missing user identity header",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    -1,
				"error":   "missing X-User-Id header",
				"message": "Authentication required",
			})
			return
		}

		userId, err := strconv.ParseInt(userIdStr, 10, 64)
		if err != nil || userId <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    -1,
				"error":   "invalid X-User-Id header",
				"message": "Authentication required",
			})
			return
		}

		// 用户ID存入上下文供后续处理使用
		c.Set("userId", userId)
		c.Next()
	}
}

// RateLimitMiddleware 用户限流中间件
// 限流阈值来自etcd动态配置，计数在Redis固定窗口内原子累加
func RateLimitMiddleware() gin.HandlerFunc {
	counterRepo := repository.NewCounterRepository()
	etcdRepo := repository.NewETCDRepository()

	return func(c *gin.Context) {
		userId := c.GetInt64("userId")
		if userId == 0 {
			c.Next()
			return
		}

		limit, err := etcdRepo.GetRateLimitConfig(c.Request.Context())
		if err != nil {
			// 配置读取失败时放行，限流是保护手段而非业务规则
			slog.Warn("Failed to read rate limit config, allowing request", "error", err)
			c.Next()
			return
		}

		allowed, err := counterRepo.UserRateLimit(c.Request.Context(), userId, limit, time.Minute)
		if err != nil {
			slog.Warn("Rate limit check failed, allowing request",
				"user_id", userId,
				"error", err,
			)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    -1,
				"error":   "rate limit exceeded",
				"message": "Too many requests, please retry later",
			})
			return
		}

		c.Next()
	}
}

// AdminMiddleware 管理员权限验证中间件
// 简易版管理员验证，通过查询参数检查是否为管理员操作
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 检查请求参数中是否包含admin=1（当前为简易实现，未做数据库校验）
		if c.Query("admin") != "1" {
			slog.Warn("Admin permission required but not provided",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    -1,
				"error":   "admin permission required",
				"message": "Please add admin=1 parameter for admin operations",
			})
			return
		}

		c.Next()
	}
}
