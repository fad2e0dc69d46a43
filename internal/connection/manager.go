package connection

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"bundler/internal/config"
	"bundler/internal/entrypoint"
	"bundler/internal/logging"
	"bundler/internal/retry"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// 默认参数
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

// Client 节点客户端，*ethclient.Client 满足该接口
type Client interface {
	entrypoint.NodeClient
	Close()
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (Client, error)

// NodeStatus 当前节点状态
type NodeStatus struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	ChainID   string    `json:"chain_id"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// NodeManager 按优先级选择节点并做健康检查
type NodeManager struct {
	nodes   []*config.NodeConfig
	logger  *logrus.Logger
	retrier *retry.Retrier
	dial    DialFunc

	mu      sync.RWMutex
	client  Client
	active  *config.NodeConfig
	chainID *big.Int
	status  NodeStatus
}

// NewNodeManager 创建节点管理器，nodes 应已按优先级排序
func NewNodeManager(nodes []*config.NodeConfig, logger *logrus.Logger) *NodeManager {
	return &NodeManager{
		nodes:   nodes,
		logger:  logger,
		retrier: retry.NewRetrier(retry.StartupRetryConfig, logger),
		dial:    dialEthClient,
	}
}

func dialEthClient(ctx context.Context, url string) (Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Connect 依次尝试各节点，返回第一个通过 ChainID 检查的连接
func (m *NodeManager) Connect(ctx context.Context) (Client, error) {
	if len(m.nodes) == 0 {
		return nil, fmt.Errorf("没有配置节点")
	}

	var lastErr error
	for _, node := range m.nodes {
		rpcLogger := logging.NewRPCLogger(m.logger, "eth_chainId", node.URL)

		client, chainID, err := m.connectNode(ctx, node)
		if err != nil {
			rpcLogger.WithError(err).Warnf("节点 %s 不可用", node.Name)
			lastErr = err
			continue
		}

		m.mu.Lock()
		m.client = client
		m.active = node
		m.chainID = chainID
		m.status = NodeStatus{
			Name:      node.Name,
			URL:       node.URL,
			ChainID:   chainID.String(),
			Healthy:   true,
			LastCheck: time.Now(),
		}
		m.mu.Unlock()

		rpcLogger.WithField("chain_id", chainID.String()).Infof("已连接节点 %s", node.Name)
		return client, nil
	}

	return nil, fmt.Errorf("所有节点都不可用: %w", lastErr)
}

// connectNode 拨号并确认节点可用
func (m *NodeManager) connectNode(ctx context.Context, node *config.NodeConfig) (Client, *big.Int, error) {
	var chainID *big.Int
	client, err := retry.Do(ctx, m.retrier, "连接节点 "+node.Name, func() (Client, error) {
		dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()

		client, err := m.dial(dialCtx, node.URL)
		if err != nil {
			return nil, fmt.Errorf("连接节点失败: %w", err)
		}

		id, err := client.ChainID(dialCtx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("测试连接失败: %w", err)
		}
		chainID = id
		return client, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return client, chainID, nil
}

// ChainID 连接时获取的链ID
func (m *NodeManager) ChainID() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.chainID == nil {
		return nil
	}
	return new(big.Int).Set(m.chainID)
}

// CheckHealth 对当前节点做一次健康检查
func (m *NodeManager) CheckHealth(ctx context.Context) NodeStatus {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil {
		return m.Status()
	}

	checkCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()
	id, err := client.ChainID(checkCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.LastCheck = time.Now()
	m.status.Healthy = err == nil
	m.status.LastError = ""
	switch {
	case err != nil:
		m.status.LastError = err.Error()
		m.logger.Warnf("节点 %s 健康检查失败: %v", m.status.Name, err)
	case m.chainID != nil && id.Cmp(m.chainID) != 0:
		m.status.Healthy = false
		m.status.LastError = fmt.Sprintf("链ID变化: %s -> %s", m.chainID, id)
		m.logger.Errorf("节点 %s %s", m.status.Name, m.status.LastError)
	default:
		m.logger.Debugf("节点 %s 健康检查通过", m.status.Name)
	}
	return m.status
}

// StartHealthCheck 后台定期健康检查，ctx 取消后退出
func (m *NodeManager) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}

// Status 当前节点状态
func (m *NodeManager) Status() NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Close 关闭当前连接
func (m *NodeManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
		m.client = nil
		m.logger.Info("节点连接已关闭")
	}
	return nil
}
