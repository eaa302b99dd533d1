package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"seckill_mall/config"
	"seckill_mall/global"
	"seckill_mall/model"

	"github.com/segmentio/kafka-go"
)

// Kafka主题常量
const (
	TopicOrderCreate     = "order.create"           // 创建订单消息
	TopicOrderPayTimeout = "order.pay_timeout"      // 支付超时检查消息（经延迟缓冲主题投递）
	TopicOrderResult     = "order.result"           // 订单创建结果消息
	TopicCacheInvalidate = "stock.cache_invalidate" // 本地售罄缓存失效广播
	TopicRefundTx        = "points.refund_tx"       // 积分退款事务消息（真实主题）
	TopicOrderDelay      = "order.delay"            // 延迟缓冲主题，到期后由调度器转投真实主题
)

// 消息头键常量
const (
	HeaderRealTopic = "real-topic" // 延迟消息到期后转投的真实主题
)

// KafkaRepository 封装与Kafka交互的仓库操作
type KafkaRepository struct {
	writer *kafka.Writer // Kafka生产者客户端（不绑定主题）
}

// NewKafkaRepository 创建Kafka仓库实例
func NewKafkaRepository() *KafkaRepository {
	return &KafkaRepository{
		writer: global.KafkaWriter, // 使用全局Kafka生产者
	}
}

// newReader 按主题和消费组后缀创建消费者
// 广播类主题（缓存失效）各实例用独立消费组，其余主题共享消费组
func newReader(topic, groupSuffix string) *kafka.Reader {
	cfg := config.AppConfig.Kafka
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.GetKafkaBrokers(),
		Topic:    topic,
		GroupID:  cfg.GroupID + groupSuffix,
		MinBytes: 10e3, // 最小读取字节数
		MaxBytes: 10e6, // 最大读取字节数
	})
}

// SendOrderMessage 发送创建订单消息
func (k *KafkaRepository) SendOrderMessage(ctx context.Context, msg *model.OrderMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal order message failed: %v", err)
	}

	// 使用关联令牌作为key，保证同一请求的消息路由到同一分区
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicOrderCreate,
		Key:   []byte(msg.Token),
		Value: jsonData,
	})
}

// SendPayTimeoutMessage 发送支付超时检查消息
// 先写入延迟缓冲主题，由延迟调度器在固定延迟到期后转投order.pay_timeout，
// 超时检查是一次性延迟消息而非进程内定时器，进程重启后仍然生效
func (k *KafkaRepository) SendPayTimeoutMessage(ctx context.Context, msg *model.OrderMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal pay timeout message failed: %v", err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicOrderDelay,
		Key:   []byte(msg.OrderNo),
		Value: jsonData,
		Headers: []kafka.Header{
			{
				Key:   HeaderRealTopic,
				Value: []byte(TopicOrderPayTimeout),
			},
		},
	})
}

// SendOrderResult 发送订单创建结果消息
func (k *KafkaRepository) SendOrderResult(ctx context.Context, result *model.OrderResult) error {
	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal order result failed: %v", err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicOrderResult,
		Key:   []byte(result.Token),
		Value: jsonData,
	})
}

// SendCacheInvalidate 广播本地售罄缓存失效消息
// 库存被补偿回补后，持有过期售罄标记的所有进程都必须被纠正
func (k *KafkaRepository) SendCacheInvalidate(ctx context.Context, seckillId int64) error {
	jsonData, err := json.Marshal(&model.CacheInvalidateMessage{SeckillId: seckillId})
	if err != nil {
		return fmt.Errorf("marshal cache invalidate message failed: %v", err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicCacheInvalidate,
		Value: jsonData,
	})
}

// ConsumeOrderMessages 消费创建订单消息
func (k *KafkaRepository) ConsumeOrderMessages(ctx context.Context, handler func(msg model.OrderMessage) error) error {
	reader := newReader(TopicOrderCreate, "-order-create")
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("read order create message failed: %v", err)
		}

		var orderMsg model.OrderMessage
		if err := json.Unmarshal(msg.Value, &orderMsg); err != nil {
			log.Printf("Failed to unmarshal order message: %v, message: %s", err, string(msg.Value))
			continue // 跳过无法解析的消息
		}

		if err := handler(orderMsg); err != nil {
			log.Printf("Handle order create message failed: %v", err)
			// 不返回错误，继续处理下一条消息
		}
	}
}

// ConsumePayTimeoutMessages 消费支付超时检查消息
func (k *KafkaRepository) ConsumePayTimeoutMessages(ctx context.Context, handler func(msg model.OrderMessage) error) error {
	reader := newReader(TopicOrderPayTimeout, "-pay-timeout")
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("read pay timeout message failed: %v", err)
		}

		var orderMsg model.OrderMessage
		if err := json.Unmarshal(msg.Value, &orderMsg); err != nil {
			log.Printf("Failed to unmarshal pay timeout message: %v, message: %s", err, string(msg.Value))
			continue
		}

		if err := handler(orderMsg); err != nil {
			log.Printf("Handle pay timeout message failed: %v", err)
		}
	}
}

// ConsumeCacheInvalidateMessages 消费售罄缓存失效广播
// groupSuffix必须包含实例唯一标识，每个进程独立消费组才能实现广播语义
func (k *KafkaRepository) ConsumeCacheInvalidateMessages(ctx context.Context, instanceId string, handler func(seckillId int64)) error {
	reader := newReader(TopicCacheInvalidate, "-cache-invalidate-"+instanceId)
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("read cache invalidate message failed: %v", err)
		}

		var invalidateMsg model.CacheInvalidateMessage
		if err := json.Unmarshal(msg.Value, &invalidateMsg); err != nil {
			log.Printf("Failed to unmarshal cache invalidate message: %v", err)
			continue
		}

		handler(invalidateMsg.SeckillId)
	}
}

// ConsumeRefundMessages 消费已提交可见的积分退款消息
// 消息可能重复投递，处理函数必须幂等
func (k *KafkaRepository) ConsumeRefundMessages(ctx context.Context, handler func(msg model.RefundMessage) error) error {
	reader := newReader(TopicRefundTx, "-refund")
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("read refund message failed: %v", err)
		}

		var refundMsg model.RefundMessage
		if err := json.Unmarshal(msg.Value, &refundMsg); err != nil {
			log.Printf("Failed to unmarshal refund message: %v, message: %s", err, string(msg.Value))
			continue
		}

		if err := handler(refundMsg); err != nil {
			log.Printf("Handle refund message failed: %v", err)
		}
	}
}

// ConsumeOrderResults 消费订单创建结果消息，供结果查询缓存使用
func (k *KafkaRepository) ConsumeOrderResults(ctx context.Context, handler func(result model.OrderResult)) error {
	reader := newReader(TopicOrderResult, "-order-result")
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("read order result message failed: %v", err)
		}

		var result model.OrderResult
		if err := json.Unmarshal(msg.Value, &result); err != nil {
			log.Printf("Failed to unmarshal order result: %v", err)
			continue
		}

		handler(result)
	}
}
