package mq

import (
	"context"
	"log"

	"canteenpay/internal/config"

	"github.com/IBM/sarama"
)

// OfflineUploadConsumer 离线记录上传消费者
//
// 终端恢复联网后把离线记录批量投到 Kafka（HTTP 上传之外的第二条
// 接收通道，适合网关侧批量转发）。消费者只做解包和投递，去重和
// 入账语义在下游，消息重复消费是安全的
type OfflineUploadConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler func(ctx context.Context, payload []byte) error
}

func NewOfflineUploadConsumer(cfg *config.KafkaConfig, handler func(ctx context.Context, payload []byte) error) (*OfflineUploadConsumer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, kafkaConfig)
	if err != nil {
		return nil, err
	}

	return &OfflineUploadConsumer{
		group:   group,
		topic:   cfg.Topic.OfflineUpload,
		handler: handler,
	}, nil
}

// Start 拉起消费循环，阻塞直到 ctx 取消
func (c *OfflineUploadConsumer) Start(ctx context.Context) {
	log.Printf("[离线消费者] 启动, topic=%s", c.topic)

	go func() {
		for err := range c.group.Errors() {
			log.Printf("[离线消费者] 消费组错误: %v", err)
		}
	}()

	for {
		// Consume 在再均衡后返回，需要循环重入
		if err := c.group.Consume(ctx, []string{c.topic}, &offlineUploadHandler{handler: c.handler}); err != nil {
			log.Printf("[离线消费者] 消费失败: %v", err)
		}
		if ctx.Err() != nil {
			log.Println("[离线消费者] 收到停止信号，退出")
			return
		}
	}
}

func (c *OfflineUploadConsumer) Close() error {
	return c.group.Close()
}

type offlineUploadHandler struct {
	handler func(ctx context.Context, payload []byte) error
}

func (h *offlineUploadHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *offlineUploadHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *offlineUploadHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handler(session.Context(), msg.Value); err != nil {
			// 处理失败不提交位点，下次重新投递；落库本身按交易号去重
			log.Printf("[离线消费者] 处理消息失败: partition=%d, offset=%d, err=%v", msg.Partition, msg.Offset, err)
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
