package mempool

import (
	"context"
	"fmt"
	"time"

	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// 网关类型
const (
	TypeKafka = "kafka"
	TypeBolt  = "bolt"
)

// Gateway 执行网关，负责把已校验的用户操作交给外部内存池
type Gateway interface {
	Submit(ctx context.Context, op *models.ResolvedUserOperation, entryPoint common.Address) error
	Close() error
}

// Lister 支持查询最近提交记录的网关
type Lister interface {
	Recent(limit int) ([]SubmittedOperation, error)
}

// SubmittedOperation 网关中传递与保存的记录
type SubmittedOperation struct {
	ID            string                `json:"id"`
	EntryPoint    common.Address        `json:"entryPoint"`
	UserOperation *models.UserOperation `json:"userOperation"`
	ReceivedAt    time.Time             `json:"receivedAt"`
}

// NewSubmittedOperation 构造提交记录
func NewSubmittedOperation(op *models.ResolvedUserOperation, entryPoint common.Address, now time.Time) SubmittedOperation {
	return SubmittedOperation{
		ID:            ulid.Make().String(),
		EntryPoint:    entryPoint,
		UserOperation: op.ToUserOperation(),
		ReceivedAt:    now.UTC(),
	}
}

// Config 网关配置
type Config struct {
	Type  string
	Kafka KafkaConfig
	Bolt  BoltConfig
}

// KafkaConfig Kafka 网关配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// BoltConfig 本地日志网关配置
type BoltConfig struct {
	Path string
}

// NewGateway 根据配置创建网关
func NewGateway(cfg Config, logger *logrus.Logger) (Gateway, error) {
	switch cfg.Type {
	case TypeKafka:
		return NewKafkaGateway(cfg.Kafka, logger)
	case TypeBolt, "":
		return NewBoltGateway(cfg.Bolt.Path, logger)
	default:
		return nil, fmt.Errorf("不支持的内存池类型: %s", cfg.Type)
	}
}
