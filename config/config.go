package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig 定义服务器相关配置
type ServerConfig struct {
	Port   int   `yaml:"port"`    // 服务监听端口
	NodeId int64 `yaml:"node_id"` // 雪花算法节点ID，多实例部署时必须互不相同
}

// MysqlConfig 定义MySQL数据库连接配置
type MysqlConfig struct {
	Host     string `yaml:"host"`     // 数据库主机地址
	Port     int    `yaml:"port"`     // 数据库端口
	User     string `yaml:"user"`     // 数据库用户名
	Password string `yaml:"password"` // 数据库密码
	Name     string `yaml:"name"`     // 数据库名称
}

// RedisConfig 定义Redis集群配置
type RedisConfig struct {
	ClusterNodes string `yaml:"cluster_nodes"` // Redis集群节点地址，多个节点用逗号分隔
	Password     string `yaml:"password"`      // Redis访问密码
}

// KafkaConfig 定义Kafka消息队列配置
type KafkaConfig struct {
	Brokers string `yaml:"brokers"`  // Kafka broker地址，多个用逗号分隔
	GroupID string `yaml:"group_id"` // 消费者组ID前缀
}

// EtcdConfig 定义Etcd配置
type EtcdConfig struct {
	Host        string `yaml:"host"`         // Etcd服务地址
	DialTimeout int    `yaml:"dial_timeout"` // 连接超时时间（秒）
	Username    string `yaml:"username"`     // 认证用户名
	Password    string `yaml:"password"`     // 认证密码
}

// GatewayConfig 定义外部支付网关配置
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`        // 网关服务地址
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 请求超时时间（秒）
}

// SeckillConfig 定义秒杀业务配置
type SeckillConfig struct {
	PayTimeoutSeconds int `yaml:"pay_timeout_seconds"` // 下单后支付超时时间（秒）
	LockTTLSeconds    int `yaml:"lock_ttl_seconds"`    // 分布式锁租约时长（秒）
	LockSpinLimit     int `yaml:"lock_spin_limit"`     // 分布式锁自旋次数上限
}

// Config 聚合所有配置项
type Config struct {
	Server   ServerConfig  `yaml:"server"`   // 服务器配置
	Database MysqlConfig   `yaml:"database"` // MySQL数据库配置
	Redis    RedisConfig   `yaml:"redis"`    // Redis配置
	Kafka    KafkaConfig   `yaml:"kafka"`    // Kafka配置
	Etcd     EtcdConfig    `yaml:"etcd"`     // Etcd配置
	Gateway  GatewayConfig `yaml:"gateway"`  // 支付网关配置
	Seckill  SeckillConfig `yaml:"seckill"`  // 秒杀业务配置
}

// AppConfig 全局配置实例
var AppConfig *Config

// GetRedisClusterNodes 将Redis集群节点字符串转换为切片
func (rc *RedisConfig) GetRedisClusterNodes() []string {
	return strings.Split(rc.ClusterNodes, ",")
}

// GetKafkaBrokers 将Kafka broker地址字符串转换为切片
func (kc *KafkaConfig) GetKafkaBrokers() []string {
	return strings.Split(kc.Brokers, ",")
}

// GetEtcdEndpoints 获取Etcd服务端点（返回切片形式）
func (ec *EtcdConfig) GetEtcdEndpoints() []string {
	return []string{ec.Host}
}

// PayTimeout 获取支付超时时长
func (sc *SeckillConfig) PayTimeout() time.Duration {
	return time.Duration(sc.PayTimeoutSeconds) * time.Second
}

// LockTTL 获取分布式锁租约时长
func (sc *SeckillConfig) LockTTL() time.Duration {
	return time.Duration(sc.LockTTLSeconds) * time.Second
}

// Validate 验证配置完整性
func (cfg *Config) Validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.NodeId < 0 || cfg.Server.NodeId > 1023 {
		return fmt.Errorf("server node_id must be between 0 and 1023, got %d", cfg.Server.NodeId)
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got %d", cfg.Database.Port)
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	if cfg.Redis.ClusterNodes == "" {
		return fmt.Errorf("redis cluster nodes are required")
	}
	if len(cfg.Redis.GetRedisClusterNodes()) == 0 {
		return fmt.Errorf("no valid redis cluster nodes found")
	}

	if cfg.Kafka.Brokers == "" {
		return fmt.Errorf("kafka brokers are required")
	}
	if len(cfg.Kafka.GetKafkaBrokers()) == 0 {
		return fmt.Errorf("no valid kafka brokers found")
	}
	if cfg.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group_id is required")
	}

	if cfg.Etcd.Host == "" {
		return fmt.Errorf("etcd host is required")
	}
	if cfg.Etcd.DialTimeout <= 0 {
		return fmt.Errorf("etcd dial timeout must be positive")
	}

	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base_url is required")
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("gateway timeout_seconds must be positive")
	}

	if cfg.Seckill.PayTimeoutSeconds <= 0 {
		return fmt.Errorf("seckill pay_timeout_seconds must be positive")
	}
	if cfg.Seckill.LockTTLSeconds <= 0 {
		return fmt.Errorf("seckill lock_ttl_seconds must be positive")
	}
	if cfg.Seckill.LockSpinLimit <= 0 {
		return fmt.Errorf("seckill lock_spin_limit must be positive")
	}

	return nil
}

// InitConfig 从指定路径加载YAML配置文件
func InitConfig(path string) error {
	// 读取配置文件内容
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	// 解析YAML配置
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %v", err)
	}

	// 验证配置完整性
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %v", err)
	}

	// 将解析后的配置赋值给全局变量
	AppConfig = &cfg
	log.Printf("Configuration loaded successfully from: %s", path)
	log.Printf("Server Port: %d, NodeId: %d", cfg.Server.Port, cfg.Server.NodeId)
	log.Printf("Database: %s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	log.Printf("Redis Nodes: %s", cfg.Redis.ClusterNodes)
	log.Printf("Kafka Brokers: %s", cfg.Kafka.Brokers)
	log.Printf("Etcd Host: %s", cfg.Etcd.Host)

	return nil
}
