package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"seckill_mall/config"
	"seckill_mall/global"
	"seckill_mall/model"

	"github.com/segmentio/kafka-go"
)

// TopicRefundTxHalf 半消息缓冲主题
// 半消息对业务消费者不可见，回查确认本地事务提交后才转投真实主题
const TopicRefundTxHalf = TopicRefundTx + ".half"

// 本地事务结果
type TxOutcome int

const (
	TxUnknown  TxOutcome = iota // 结果未知，等待回查裁决
	TxCommit                    // 本地事务已提交，消息应当可见
	TxRollback                  // 本地事务已回滚，消息应当丢弃
)

// 回查达到上限仍未决时丢弃消息
const maxStatusCheckCount = 15

// TxKafkaProducer 事务消息生产者
// 将本地退款数据库事务与消息投递耦合：先发半消息，再执行本地事务，
// 消息的最终可见性由状态回查器根据本地事务的持久化结果裁决
type TxKafkaProducer struct {
	writer *kafka.Writer // Kafka生产者客户端
}

// NewTxKafkaProducer 创建事务消息生产者实例
func NewTxKafkaProducer() *TxKafkaProducer {
	return &TxKafkaProducer{
		writer: global.KafkaWriter,
	}
}

// SendInTransaction 发送事务消息
// 半消息写入缓冲主题后执行本地事务；本地事务出错返回TxRollback，
// 成功返回TxUnknown——提交与否由回查器查询退款日志独立判定，
// 本方法不直接投递真实主题，避免与回查路径重复投递
func (p *TxKafkaProducer) SendInTransaction(ctx context.Context, msg *model.RefundMessage, localTx func(ctx context.Context) error) (TxOutcome, error) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return TxRollback, fmt.Errorf("marshal refund message failed: %v", err)
	}

	// 1. 发送半消息到缓冲主题
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicRefundTxHalf,
		Key:   []byte(msg.OutTradeNo),
		Value: jsonData,
	}); err != nil {
		return TxRollback, fmt.Errorf("send half message failed: %v", err)
	}

	slog.Info("Half message sent",
		"out_trade_no", msg.OutTradeNo,
		"refund_amount", msg.RefundAmount,
	)

	// 2. 执行本地事务
	if err := localTx(ctx); err != nil {
		slog.Error("Local transaction failed after half message",
			"out_trade_no", msg.OutTradeNo,
			"error", err,
		)
		return TxRollback, err
	}

	// 3. 本地事务成功，最终可见性交由回查器裁决
	return TxUnknown, nil
}

// TxStatusChecker 事务消息状态回查器
// 轮询半消息缓冲主题，逐条调用状态回查回调：
// 已提交则转投真实主题，已回滚则丢弃，未知则留待下次轮询，
// 超过回查上限仍未知的消息丢弃并告警
type TxStatusChecker struct {
	reader   *kafka.Reader                                         // 半消息主题消费者
	writer   *kafka.Writer                                         // 转投生产者
	check    func(ctx context.Context, outTradeNo string) (TxOutcome, error) // 状态回查回调
	attempts map[string]int                                        // 每条消息的回查次数，按分区/offset记录
}

// NewTxStatusChecker 创建状态回查器实例
func NewTxStatusChecker(check func(ctx context.Context, outTradeNo string) (TxOutcome, error)) *TxStatusChecker {
	cfg := config.AppConfig.Kafka
	return &TxStatusChecker{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.GetKafkaBrokers(),
			Topic:    TopicRefundTxHalf,
			GroupID:  cfg.GroupID + "-tx-checker",
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		writer:   global.KafkaWriter,
		check:    check,
		attempts: make(map[string]int),
	}
}

// StartChecking 启动状态回查轮询，阻塞直到上下文取消
func (c *TxStatusChecker) StartChecking(ctx context.Context, interval time.Duration) {
	slog.Info("Transaction status checker started",
		"half_topic", TopicRefundTxHalf,
		"interval", interval,
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.reader.Close()

	for {
		select {
		case <-ticker.C:
			c.checkPending(ctx)
		case <-ctx.Done():
			slog.Info("Transaction status checker shutting down")
			return
		}
	}
}

// checkPending 回查核心逻辑
// 使用FetchMessage手动控制offset提交：未决消息不提交，等待下次轮询重查
func (c *TxStatusChecker) checkPending(ctx context.Context) {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				slog.Warn("Fetch half message failed", "error", err)
			}
			return
		}

		var refundMsg model.RefundMessage
		if err := json.Unmarshal(msg.Value, &refundMsg); err != nil {
			slog.Error("Failed to unmarshal half message, skipping", "error", err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				slog.Error("Failed to commit malformed half message", "error", err)
				return
			}
			continue
		}

		msgKey := fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
		outcome, err := c.check(ctx, refundMsg.OutTradeNo)
		if err != nil {
			slog.Warn("Status check failed, will retry",
				"out_trade_no", refundMsg.OutTradeNo,
				"error", err,
			)
			return
		}

		switch outcome {
		case TxCommit:
			// 本地事务已提交，转投真实主题使消息对消费者可见
			if err := c.writer.WriteMessages(ctx, kafka.Message{
				Topic: TopicRefundTx,
				Key:   msg.Key,
				Value: msg.Value,
			}); err != nil {
				slog.Error("Failed to publish committed refund message",
					"out_trade_no", refundMsg.OutTradeNo,
					"error", err,
				)
				return
			}
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				slog.Error("Failed to commit offset after publish", "error", err)
				return
			}
			delete(c.attempts, msgKey)
			slog.Info("Refund message committed and published",
				"out_trade_no", refundMsg.OutTradeNo,
			)

		case TxRollback:
			// 本地事务已回滚，丢弃半消息
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				slog.Error("Failed to commit offset for rolled back message", "error", err)
				return
			}
			delete(c.attempts, msgKey)
			slog.Info("Refund half message discarded after rollback",
				"out_trade_no", refundMsg.OutTradeNo,
			)

		default:
			// 未决：本地事务可能仍在执行，回查不猜测回滚
			c.attempts[msgKey]++
			if c.attempts[msgKey] >= maxStatusCheckCount {
				slog.Warn("Refund half message discarded after max status checks",
					"out_trade_no", refundMsg.OutTradeNo,
					"attempts", c.attempts[msgKey],
				)
				if err := c.reader.CommitMessages(ctx, msg); err != nil {
					slog.Error("Failed to commit offset for expired half message", "error", err)
				}
				delete(c.attempts, msgKey)
				return
			}
			// 留待下次轮询重查
			return
		}
	}
}
