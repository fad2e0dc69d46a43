package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultBoltPath 默认数据库路径
	DefaultBoltPath = "./data/mempool.db"

	// OperationsBucket 用户操作存储桶，键为 ULID（按时间有序）
	OperationsBucket = "user_operations"
)

// BoltGateway 本地 bbolt 日志网关，用于单机部署与开发环境
type BoltGateway struct {
	db     *bolt.DB
	logger *logrus.Logger
	path   string
	now    func() time.Time
}

// NewBoltGateway 创建本地日志网关
func NewBoltGateway(path string, logger *logrus.Logger) (*BoltGateway, error) {
	if path == "" {
		path = DefaultBoltPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开内存池数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(OperationsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("内存池日志已初始化，数据库路径: %s", path)
	return &BoltGateway{
		db:     db,
		logger: logger,
		path:   path,
		now:    time.Now,
	}, nil
}

// Submit 追加一条用户操作记录
func (g *BoltGateway) Submit(ctx context.Context, op *models.ResolvedUserOperation, entryPoint common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record := NewSubmittedOperation(op, entryPoint, g.now())
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化用户操作失败: %w", err)
	}

	err = g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(OperationsBucket))
		if bucket == nil {
			return fmt.Errorf("用户操作存储桶不存在")
		}
		return bucket.Put([]byte(record.ID), data)
	})
	if err != nil {
		return fmt.Errorf("保存用户操作失败: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"id":     record.ID,
		"sender": op.Sender.Hex(),
	}).Debug("用户操作已写入本地日志")
	return nil
}

// Recent 按提交时间倒序返回最近的记录
func (g *BoltGateway) Recent(limit int) ([]SubmittedOperation, error) {
	records := make([]SubmittedOperation, 0)
	if limit <= 0 {
		return records, nil
	}

	err := g.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(OperationsBucket))
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var record SubmittedOperation
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("解析记录 %s 失败: %w", k, err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count 记录总数
func (g *BoltGateway) Count() (int, error) {
	count := 0
	err := g.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket([]byte(OperationsBucket)); bucket != nil {
			count = bucket.Stats().KeyN
		}
		return nil
	})
	return count, err
}

// Path 数据库路径
func (g *BoltGateway) Path() string {
	return g.path
}

// Close 关闭数据库
func (g *BoltGateway) Close() error {
	if g.db != nil {
		g.logger.Info("关闭内存池日志")
		return g.db.Close()
	}
	return nil
}
