package global

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"seckill_mall/config"
	"seckill_mall/model"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 全局变量定义
var (
	DBClient           *gorm.DB             // MySQL数据库客户端
	RedisClusterClient *redis.ClusterClient // Redis集群客户端
	KafkaWriter        *kafka.Writer        // Kafka生产者（不绑定主题，按消息指定Topic）
	EtcdClient         *clientv3.Client     // Etcd客户端
)

// Etcd相关配置键常量
const (
	EtcdKeySeckillEnabled = "/seckill/config/enabled"       // 秒杀开关配置键
	EtcdKeyRateLimit      = "/seckill/config/rate_limit"    // 限流配置键
	EtcdKeyStockPreload   = "/seckill/config/stock_preload" // 库存预加载配置键
)

// InitMySQL 初始化MySQL数据库连接
func InitMySQL() {
	cfg := config.AppConfig.Database
	// 构建数据库连接字符串
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	var err error
	// 创建数据库连接
	DBClient, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn), // 设置日志级别
	})
	if err != nil {
		slog.Error("failed to connect database",
			"error", err,
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Name,
		)
		os.Exit(1)
	}

	// 获取底层sql.DB对象以设置连接池参数
	sqlDB, err := DBClient.DB()
	if err != nil {
		slog.Error("failed to get sql.DB", "error", err)
		os.Exit(1)
	}

	// 设置连接池参数
	sqlDB.SetMaxOpenConns(100)                // 最大打开连接数
	sqlDB.SetMaxIdleConns(20)                 // 最大空闲连接数
	sqlDB.SetConnMaxLifetime(3 * time.Minute) // 连接最大生命周期

	slog.Info("MySQL connection established successfully",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
	)

	// 初始化数据库表结构和测试数据
	if err := initDatabase(); err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
}

// InitRedis 初始化Redis集群连接
func InitRedis() {
	cfg := config.AppConfig.Redis
	nodes := cfg.GetRedisClusterNodes() // 获取Redis集群节点列表

	// 创建Redis集群客户端
	RedisClusterClient = redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        nodes,        // 集群节点地址
		Password:     cfg.Password, // 访问密码
		PoolSize:     1000,         // 连接池大小
		MinIdleConns: 10,           // 最小空闲连接数
	})

	// 测试连接是否成功
	if _, err := RedisClusterClient.Ping(context.Background()).Result(); err != nil {
		slog.Error("failed to connect redis cluster",
			"error", err,
			"nodes", nodes,
		)
		os.Exit(1)
	}

	slog.Info("Redis cluster connected successfully", "nodes", nodes)
}

// InitKafka 初始化Kafka生产者
// 生产者不绑定固定主题，发送时在消息上指定Topic，供多主题复用；
// 消费者由repository按主题和消费组分别创建
func InitKafka() {
	cfg := config.AppConfig.Kafka
	brokers := cfg.GetKafkaBrokers() // 获取Kafka broker地址列表

	KafkaWriter = &kafka.Writer{
		Addr:         kafka.TCP(brokers...), // broker地址
		Balancer:     &kafka.Hash{},         // 按Key散列，保证同一订单的消息有序
		RequiredAcks: kafka.RequireAll,      // 等待所有副本确认
	}

	slog.Info("Kafka producer initialized",
		"brokers", brokers,
		"group_id", cfg.GroupID,
	)
}

// InitEtcd 初始化Etcd客户端连接
func InitEtcd() {
	cfg := config.AppConfig.Etcd
	endpoints := cfg.GetEtcdEndpoints() // 获取Etcd服务端点

	// 创建Etcd客户端
	client, err := clientv3.New(clientv3.Config{
		Endpoints:            endpoints,                                    // 服务端点
		DialTimeout:          time.Duration(cfg.DialTimeout) * time.Second, // 连接超时时间
		Username:             cfg.Username,                                 // 认证用户名
		Password:             cfg.Password,                                 // 认证密码
		DialKeepAliveTime:    10 * time.Second,
		DialKeepAliveTimeout: 3 * time.Second,
		MaxCallSendMsgSize:   10 * 1024 * 1024,
		MaxCallRecvMsgSize:   10 * 1024 * 1024,
	})
	if err != nil {
		slog.Error("failed to connect etcd",
			"error", err,
			"endpoints", endpoints,
		)
		os.Exit(1)
	}

	// 检查Etcd服务状态
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		slog.Error("failed to get etcd status", "error", err)
		os.Exit(1)
	}

	EtcdClient = client
	slog.Info("Etcd connected successfully", "endpoints", endpoints)

	// 初始化Etcd中的默认配置
	initEtcdConfig()
}

// initEtcdConfig 初始化Etcd中的默认配置
func initEtcdConfig() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 定义默认配置项
	defaultConfigs := map[string]string{
		EtcdKeySeckillEnabled: "true", // 默认开启秒杀
		EtcdKeyRateLimit:      "10",   // 默认限流10次/分钟
		EtcdKeyStockPreload:   "true", // 默认开启库存预加载
	}

	// 遍历并设置默认配置
	for key, value := range defaultConfigs {
		// 检查配置是否已存在
		resp, err := EtcdClient.Get(ctx, key)
		if err != nil {
			slog.Warn("Failed to check etcd key", "key", key, "error", err)
			continue
		}

		// 如果配置不存在，则设置默认值
		if len(resp.Kvs) == 0 {
			_, err := EtcdClient.Put(ctx, key, value)
			if err != nil {
				slog.Warn("Failed to set etcd config", "key", key, "error", err)
			} else {
				slog.Info("Set default etcd config", "key", key, "value", value)
			}
		}
	}
}

// initDatabase 初始化数据库表结构和测试数据
func initDatabase() error {
	// 自动迁移数据库表
	if err := DBClient.AutoMigrate(
		&model.SeckillProduct{},
		&model.OrderInfo{},
		&model.PayLog{},
		&model.RefundLog{},
		&model.AccountTransaction{},
		&model.AccountLog{},
		&model.UsableIntegral{},
	); err != nil {
		return fmt.Errorf("failed to auto migrate tables: %v", err)
	}

	// 插入测试数据
	return insertTestData()
}

// insertTestData 向数据库插入测试数据
func insertTestData() error {
	// 检查是否已有数据
	var existingCount int64
	if err := DBClient.Model(&model.SeckillProduct{}).Count(&existingCount).Error; err != nil {
		return err
	}
	if existingCount > 0 {
		slog.Info("Database already contains data, skipping test data insertion")
		return nil
	}

	// 在事务中同时插入秒杀商品和积分账户数据
	return DBClient.Transaction(func(tx *gorm.DB) error {
		products := generateSeckillProducts()
		if err := tx.CreateInBatches(products, len(products)).Error; err != nil {
			return fmt.Errorf("failed to insert seckill product data: %v", err)
		}

		accounts := generateIntegralAccounts(100)
		if err := tx.CreateInBatches(accounts, len(accounts)).Error; err != nil {
			return fmt.Errorf("failed to insert integral account data: %v", err)
		}

		slog.Info("Test data inserted successfully",
			"products_count", len(products),
			"accounts_count", len(accounts),
		)
		return nil
	})
}

// generateSeckillProducts 生成当天三个场次的秒杀商品测试数据
func generateSeckillProducts() []model.SeckillProduct {
	today := time.Now().Truncate(24 * time.Hour)
	timeSlots := []int32{10, 12, 14} // 每天10点、12点、14点三个场次

	names := []string{"Mechanical Keyboard", "Wireless Mouse", "USB-C Hub", "Monitor Stand", "Laptop Sleeve"}
	var products []model.SeckillProduct
	id := int64(1)
	for _, slot := range timeSlots {
		for i, name := range names {
			originalPrice := float64(100 + i*50)
			products = append(products, model.SeckillProduct{
				Id:           id,
				ProductId:    int64(1000 + i),
				ProductName:  name,
				ProductImg:   fmt.Sprintf("/img/product_%d.jpg", 1000+i),
				ProductPrice: originalPrice,
				SeckillPrice: originalPrice * 0.5,
				Integral:     int64(100 + i*50),
				StockCount:   100,
				TimeSlot:     slot,
				StartDate:    today,
				Status:       1,
			})
			id++
		}
	}
	return products
}

// generateIntegralAccounts 生成用户积分账户测试数据
func generateIntegralAccounts(count int) []model.UsableIntegral {
	accounts := make([]model.UsableIntegral, count)
	for i := range accounts {
		accounts[i] = model.UsableIntegral{
			UserId:        int64(i + 1),
			Amount:        10000, // 初始可用积分
			FreezedAmount: 0,
		}
	}
	return accounts
}

// CloseMysql 关闭MySQL数据库连接
func CloseMysql() {
	if DBClient != nil {
		if sqlDB, err := DBClient.DB(); err == nil {
			sqlDB.Close()
			slog.Info("MySQL connection closed")
		}
	}
}

// CloseRedis 关闭Redis集群连接
func CloseRedis() {
	if RedisClusterClient != nil {
		RedisClusterClient.Close()
		slog.Info("Redis cluster connection closed")
	}
}

// CloseKafka 关闭Kafka生产者
func CloseKafka() {
	if KafkaWriter != nil {
		KafkaWriter.Close()
		slog.Info("Kafka producer closed")
	}
}

// CloseEtcd 关闭Etcd客户端连接
func CloseEtcd() {
	if EtcdClient != nil {
		EtcdClient.Close()
		slog.Info("Etcd connection closed")
	}
}
