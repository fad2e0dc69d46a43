package gas

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// NodeInterfaceAddress Arbitrum NodeInterface 预编译合约地址
var NodeInterfaceAddress = common.HexToAddress("0x00000000000000000000000000000000000000C8")

const nodeInterfaceABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "bool", "name": "contractCreation", "type": "bool"},
			{"internalType": "bytes", "name": "data", "type": "bytes"}
		],
		"name": "gasEstimateComponents",
		"outputs": [
			{"internalType": "uint64", "name": "gasEstimate", "type": "uint64"},
			{"internalType": "uint64", "name": "gasEstimateForL1", "type": "uint64"},
			{"internalType": "uint256", "name": "baseFee", "type": "uint256"},
			{"internalType": "uint256", "name": "l1BaseFeeEstimate", "type": "uint256"}
		],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var nodeInterface abi.ABI

func init() {
	var err error
	nodeInterface, err = abi.JSON(strings.NewReader(nodeInterfaceABI))
	if err != nil {
		panic(fmt.Sprintf("解析NodeInterface ABI失败: %v", err))
	}
}

// GasSplitter 查询一次调用的 L1/L2 gas 拆分
type GasSplitter interface {
	CallGasSplit(ctx context.Context, from, to common.Address, data []byte) (*models.ArbGasSplit, error)
}

// ContractCaller 执行只读合约调用
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NoopSplitter 非 Arbitrum 网络，拆分始终为空
type NoopSplitter struct{}

// CallGasSplit 返回空拆分
func (NoopSplitter) CallGasSplit(ctx context.Context, from, to common.Address, data []byte) (*models.ArbGasSplit, error) {
	return &models.ArbGasSplit{}, nil
}

// ArbitrumSplitter 通过 NodeInterface.gasEstimateComponents 查询拆分
type ArbitrumSplitter struct {
	client ContractCaller
	logger *logrus.Logger
}

// NewArbitrumSplitter 创建 Arbitrum 拆分查询
func NewArbitrumSplitter(client ContractCaller, logger *logrus.Logger) *ArbitrumSplitter {
	return &ArbitrumSplitter{
		client: client,
		logger: logger,
	}
}

// CallGasSplit 查询 from 调用 to 时的 L1/L2 gas
//
// 节点不支持 NodeInterface 时（返回空数据）拆分为空。
func (s *ArbitrumSplitter) CallGasSplit(ctx context.Context, from, to common.Address, data []byte) (*models.ArbGasSplit, error) {
	input, err := nodeInterface.Pack("gasEstimateComponents", to, false, data)
	if err != nil {
		return nil, fmt.Errorf("编码gasEstimateComponents失败: %w", err)
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &NodeInterfaceAddress,
		Data: input,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用gasEstimateComponents失败: %w", err)
	}
	if len(out) == 0 {
		s.logger.Debug("NodeInterface 未返回数据，跳过L1/L2拆分")
		return &models.ArbGasSplit{}, nil
	}

	values, err := nodeInterface.Unpack("gasEstimateComponents", out)
	if err != nil {
		return nil, fmt.Errorf("解码gasEstimateComponents结果失败: %w", err)
	}
	gasEstimate, ok1 := values[0].(uint64)
	gasEstimateForL1, ok2 := values[1].(uint64)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("gasEstimateComponents 返回类型异常: %T, %T", values[0], values[1])
	}

	l1 := new(big.Int).SetUint64(gasEstimateForL1)
	l2 := new(big.Int).Sub(new(big.Int).SetUint64(gasEstimate), l1)
	if l2.Sign() < 0 {
		l2.SetInt64(0)
	}

	s.logger.WithFields(logrus.Fields{
		"to":           to.Hex(),
		"l1_gas_limit": l1.String(),
		"l2_gas_limit": l2.String(),
		"total_gas":    gasEstimate,
	}).Debug("L1/L2 gas 拆分")

	return &models.ArbGasSplit{L1GasLimit: l1, L2GasLimit: l2}, nil
}
