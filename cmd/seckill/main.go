package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seckill_mall/config"
	"seckill_mall/global"
	"seckill_mall/handler"
	"seckill_mall/lock"
	"seckill_mall/model"
	"seckill_mall/repository"
	"seckill_mall/service"
	"seckill_mall/util"
	"seckill_mall/web/controller"
	"seckill_mall/web/router"

	"github.com/google/uuid"
)

// 初始化全局变量
func init() {
	global.DBClient = nil
	global.RedisClusterClient = nil
	global.KafkaWriter = nil
	global.EtcdClient = nil
}

// 程序主入口
func main() {
	// 加载配置文件
	if err := config.InitConfig("conf/conf.yaml"); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	// 初始化订单号生成器
	if err := util.InitIdGenerator(cfg.Server.NodeId); err != nil {
		log.Fatalf("Failed to init id generator: %v", err)
	}

	// 初始化数据库和中间件连接
	global.InitMySQL()
	global.InitRedis()
	global.InitKafka()
	global.InitEtcd()

	// 组装业务组件
	counterRepo := repository.NewCounterRepository()
	kafkaRepo := repository.NewKafkaRepository()
	stockLock := lock.NewRedisLock(counterRepo, cfg.Seckill.LockTTL(), cfg.Seckill.LockSpinLimit)
	stockHandler := handler.NewStockHandler(stockLock)
	orderService := service.NewOrderService(stockHandler)
	integralService := service.NewIntegralService()
	paymentService := service.NewPaymentService(
		repository.NewPayGatewayClient(),
		integralService,
		stockHandler,
	)

	// 启动后台消费者与调度器，上下文取消后统一退出
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	startBackgroundWorkers(bgCtx, cfg, kafkaRepo, stockHandler, orderService, integralService, paymentService)

	// 设置路由
	sc := controller.NewSeckillController(stockHandler, orderService, paymentService, integralService)
	engine := router.InitRouter(sc)

	// 配置HTTP服务器
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	// 启动HTTP服务
	go func() {
		log.Printf("🚀 Seckill mall service started on port: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Seckill mall service failed: %v", err)
		}
	}()

	// 监听终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// 先停止后台消费者，再关闭HTTP服务器
	bgCancel()

	// 设置优雅关闭超时时间
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭HTTP服务器
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	} else {
		log.Println("Server gracefully stopped")
	}

	// 释放所有资源
	cleanupResources()
	log.Println("Server exited")
}

// startBackgroundWorkers 启动所有后台消费者与调度器
func startBackgroundWorkers(
	ctx context.Context,
	cfg *config.Config,
	kafkaRepo *repository.KafkaRepository,
	stockHandler *handler.StockHandler,
	orderService *service.OrderService,
	integralService *service.IntegralService,
	paymentService *service.PaymentService,
) {
	// 创建订单消费者：预占成功的请求在此落库
	go func() {
		if err := kafkaRepo.ConsumeOrderMessages(ctx, func(msg model.OrderMessage) error {
			return orderService.HandleOrderMessage(ctx, msg)
		}); err != nil && ctx.Err() == nil {
			log.Printf("Order create consumer stopped: %v", err)
		}
	}()

	// 支付超时消费者：到期未支付的订单取消并回补库存
	go func() {
		if err := kafkaRepo.ConsumePayTimeoutMessages(ctx, func(msg model.OrderMessage) error {
			return orderService.HandlePayTimeout(ctx, msg)
		}); err != nil && ctx.Err() == nil {
			log.Printf("Pay timeout consumer stopped: %v", err)
		}
	}()

	// 订单结果消费者：写入结果查询缓存
	go func() {
		if err := kafkaRepo.ConsumeOrderResults(ctx, func(result model.OrderResult) {
			orderService.HandleOrderResult(ctx, result)
		}); err != nil && ctx.Err() == nil {
			log.Printf("Order result consumer stopped: %v", err)
		}
	}()

	// 售罄缓存失效广播消费者：每个实例独立消费组
	instanceId := uuid.NewString()
	go func() {
		if err := kafkaRepo.ConsumeCacheInvalidateMessages(ctx, instanceId, func(seckillId int64) {
			stockHandler.Cache().Invalidate(seckillId)
		}); err != nil && ctx.Err() == nil {
			log.Printf("Cache invalidate consumer stopped: %v", err)
		}
	}()

	// 积分退款消费者：消费已提交可见的退款消息执行积分返还
	go func() {
		if err := kafkaRepo.ConsumeRefundMessages(ctx, func(msg model.RefundMessage) error {
			return integralService.DeRefund(ctx, msg)
		}); err != nil && ctx.Err() == nil {
			log.Printf("Refund consumer stopped: %v", err)
		}
	}()

	// 延迟调度器：将到期的延迟消息转投真实主题
	go repository.NewDelayScheduler(cfg.Seckill.PayTimeout()).StartPolling(ctx, time.Second)

	// 动态配置监听：开关与限流阈值变化实时可见于日志
	repository.NewETCDRepository().WatchSeckillConfig(ctx, func(key, value string) {
		log.Printf("Dynamic config applied: %s=%s", key, value)
	})

	// 事务消息状态回查器：裁决退款半消息的最终可见性
	go repository.NewTxStatusChecker(paymentService.CheckRefundTxStatus).StartChecking(ctx, 5*time.Second)
}

// 关闭所有服务连接
func cleanupResources() {
	global.CloseMysql()
	global.CloseRedis()
	global.CloseKafka()
	global.CloseEtcd()
}
