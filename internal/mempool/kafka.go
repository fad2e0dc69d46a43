package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bundler/internal/retry"
	"bundler/pkg/models"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DefaultKafkaTopic 默认的用户操作topic
const DefaultKafkaTopic = "bundler_user_operations"

// KafkaGateway 把用户操作写入外部内存池消费的 Kafka topic
type KafkaGateway struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
	now      func() time.Time
}

// NewKafkaGateway 创建 Kafka 网关
func NewKafkaGateway(cfg KafkaConfig, logger *logrus.Logger) (*KafkaGateway, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("Kafka brokers 不能为空")
	}
	logger.Infof("初始化Kafka网关，brokers: %v", cfg.Brokers)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	retrier := retry.NewRetrier(retry.StartupRetryConfig, logger)
	producer, err := retry.Do(context.Background(), retrier, "创建Kafka生产者", func() (sarama.SyncProducer, error) {
		p, err := sarama.NewSyncProducer(cfg.Brokers, config)
		if err != nil {
			return nil, retry.NewRetryableError(err, true)
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return newKafkaGateway(producer, cfg.Topic, logger), nil
}

func newKafkaGateway(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaGateway {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaGateway{
		logger:   logger,
		topic:    topic,
		producer: producer,
		now:      time.Now,
	}
}

// Submit 发送用户操作，以 sender 为消息键保证同一账户的顺序
func (k *KafkaGateway) Submit(ctx context.Context, op *models.ResolvedUserOperation, entryPoint common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record := NewSubmittedOperation(op, entryPoint, k.now())
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化用户操作失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(op.Sender.Hex()),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送用户操作到Kafka失败: %w", err)
	}

	k.logger.WithFields(logrus.Fields{
		"id":        record.ID,
		"topic":     k.topic,
		"partition": partition,
		"offset":    offset,
		"sender":    op.Sender.Hex(),
	}).Debug("用户操作已写入Kafka")

	return nil
}

// Close 关闭Kafka连接
func (k *KafkaGateway) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
