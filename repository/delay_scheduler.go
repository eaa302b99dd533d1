package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"seckill_mall/config"
	"seckill_mall/global"

	"github.com/segmentio/kafka-go"
)

// DelayScheduler 延迟消息轮询调度器
// 消费延迟缓冲主题，按消息写入时间加固定延迟计算理论投递时间，
// 到期后转投消息头指定的真实主题。分区内消息按写入顺序排列，
// 队头消息未到期则后续消息必然未到期，无需继续检查
type DelayScheduler struct {
	delay  time.Duration // 固定延迟时长
	reader *kafka.Reader // 延迟缓冲主题消费者
	writer *kafka.Writer // 转投生产者
}

// NewDelayScheduler 创建延迟调度器，延迟时长取支付超时配置
func NewDelayScheduler(delay time.Duration) *DelayScheduler {
	cfg := config.AppConfig.Kafka
	return &DelayScheduler{
		delay: delay,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.GetKafkaBrokers(),
			Topic:    TopicOrderDelay,
			GroupID:  cfg.GroupID + "-delay-scheduler",
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		writer: global.KafkaWriter,
	}
}

// StartPolling 启动定时轮询，阻塞直到上下文取消
func (s *DelayScheduler) StartPolling(ctx context.Context, interval time.Duration) {
	slog.Info("Delay scheduler started",
		"topic", TopicOrderDelay,
		"delay", s.delay,
		"interval", interval,
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.reader.Close()

	for {
		select {
		case <-ticker.C:
			s.checkAndPublish(ctx)
		case <-ctx.Done():
			slog.Info("Delay scheduler shutting down")
			return
		}
	}
}

// checkAndPublish 轮询核心逻辑
// 使用FetchMessage手动控制offset提交：未到期或转投失败都不提交，等待下次轮询重试
func (s *DelayScheduler) checkAndPublish(ctx context.Context) {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			// 无消息可读或上下文取消，等待下一次tick
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				slog.Warn("Fetch delay message failed", "error", err)
			}
			return
		}

		// 消息的Time字段记录了其进入主题的时间戳
		deliveryTime := msg.Time.Add(s.delay)
		if time.Now().Before(deliveryTime) {
			// 队头消息未到期，等待下一次tick
			return
		}

		realTopic := getHeaderValue(msg.Headers, HeaderRealTopic)
		if realTopic == "" {
			slog.Error("Delay message missing real-topic header, skipping",
				"offset", msg.Offset,
			)
			// 此类消息也必须提交，否则会被反复消费
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				slog.Error("Failed to commit malformed delay message", "error", err)
				return
			}
			continue
		}

		// 转投真实主题
		if err := s.writer.WriteMessages(ctx, kafka.Message{
			Topic: realTopic,
			Key:   msg.Key,
			Value: msg.Value,
		}); err != nil {
			slog.Error("Failed to publish delay message to real topic",
				"real_topic", realTopic,
				"error", err,
			)
			// 转投失败不提交offset，等待下次轮询重试
			return
		}

		// 转投成功后提交offset
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("Failed to commit delay message after publish", "error", err)
			return
		}

		slog.Info("Delay message published to real topic",
			"real_topic", realTopic,
			"due_at", deliveryTime,
		)
	}
}

// getHeaderValue 从消息头中获取指定键的值
func getHeaderValue(headers []kafka.Header, key string) string {
	for _, header := range headers {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}
