package entrypoint

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NodeClient 节点RPC客户端，*ethclient.Client 满足该接口
type NodeClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ReturnInfo ValidationResult.returnInfo
type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

// StakeInfo 质押信息
type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// SimulationKind 模拟验证结果类别
type SimulationKind int

const (
	// ValidationResultKind 验证通过
	ValidationResultKind SimulationKind = iota
	// FailedOpKind 合约拒绝
	FailedOpKind
	// UnrecognizedKind 无法识别的失败
	UnrecognizedKind
)

// String 类别名称
func (k SimulationKind) String() string {
	switch k {
	case ValidationResultKind:
		return "ValidationResult"
	case FailedOpKind:
		return "FailedOp"
	default:
		return "Unrecognized"
	}
}

// SimulationResult simulateValidation 的解码结果
//
// Kind 为 ValidationResultKind 时 ReturnInfo 有效；FailedOpKind 时 OpIndex 与 Reason 有效；
// UnrecognizedKind 时 Err 为节点返回的原始错误。
type SimulationResult struct {
	Kind SimulationKind

	ReturnInfo    ReturnInfo
	SenderInfo    StakeInfo
	FactoryInfo   StakeInfo
	PaymasterInfo StakeInfo

	OpIndex *big.Int
	Reason  string

	Err error
}

// UserOperationEvent 已解码的 UserOperationEvent 日志
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}
