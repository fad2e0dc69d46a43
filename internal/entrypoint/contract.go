package entrypoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"bundler/internal/decoder"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// EntryPoint EntryPoint 合约访问
type EntryPoint struct {
	address   common.Address
	client    NodeClient
	logger    *logrus.Logger
	fromBlock *big.Int
}

// NewEntryPoint 创建 EntryPoint 访问对象，fromBlock 为事件查询的起始区块
func NewEntryPoint(address common.Address, client NodeClient, logger *logrus.Logger, fromBlock uint64) *EntryPoint {
	return &EntryPoint{
		address:   address,
		client:    client,
		logger:    logger,
		fromBlock: new(big.Int).SetUint64(fromBlock),
	}
}

// Address 合约地址
func (ep *EntryPoint) Address() common.Address {
	return ep.address
}

// SimulateValidation 调用 simulateValidation 并解码其回滚数据
//
// simulateValidation 总是回滚，返回的 error 仅表示本地编码失败。
func (ep *EntryPoint) SimulateValidation(ctx context.Context, op *models.ResolvedUserOperation) (*SimulationResult, error) {
	data, err := parsedABI.Pack("simulateValidation", *op)
	if err != nil {
		return nil, fmt.Errorf("编码simulateValidation失败: %w", err)
	}

	_, callErr := ep.client.CallContract(ctx, ethereum.CallMsg{To: &ep.address, Data: data}, nil)
	if callErr == nil {
		return &SimulationResult{Kind: UnrecognizedKind, Err: errors.New("simulateValidation 调用未回滚")}, nil
	}

	revert, ok := decoder.RevertData(callErr)
	if !ok {
		ep.logger.WithError(callErr).Debug("simulateValidation 错误中没有回滚数据")
		return &SimulationResult{Kind: UnrecognizedKind, Err: callErr}, nil
	}

	result := DecodeSimulationRevert(revert, callErr)
	ep.logger.WithFields(logrus.Fields{
		"sender":   op.Sender.Hex(),
		"kind":     result.Kind.String(),
		"selector": decoder.Selector(revert),
	}).Debug("simulateValidation 完成")
	return result, nil
}

// DecodeSimulationRevert 按4字节错误选择器解码 simulateValidation 的回滚数据
//
// raw 为节点原始错误，无法识别时原样保存在结果中。
func DecodeSimulationRevert(data []byte, raw error) *SimulationResult {
	unrecognized := &SimulationResult{Kind: UnrecognizedKind, Err: raw}
	if len(data) < 4 {
		return unrecognized
	}

	validationResult := parsedABI.Errors["ValidationResult"]
	failedOp := parsedABI.Errors["FailedOp"]

	switch {
	case bytes.Equal(data[:4], validationResult.ID[:4]):
		values, err := validationResult.Inputs.Unpack(data[4:])
		if err != nil || len(values) != 4 {
			return unrecognized
		}
		return &SimulationResult{
			Kind:          ValidationResultKind,
			ReturnInfo:    *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo),
			SenderInfo:    *abi.ConvertType(values[1], new(StakeInfo)).(*StakeInfo),
			FactoryInfo:   *abi.ConvertType(values[2], new(StakeInfo)).(*StakeInfo),
			PaymasterInfo: *abi.ConvertType(values[3], new(StakeInfo)).(*StakeInfo),
		}

	case bytes.Equal(data[:4], failedOp.ID[:4]):
		values, err := failedOp.Inputs.Unpack(data[4:])
		if err != nil || len(values) != 2 {
			return unrecognized
		}
		opIndex, _ := values[0].(*big.Int)
		reason, _ := values[1].(string)
		return &SimulationResult{
			Kind:    FailedOpKind,
			OpIndex: opIndex,
			Reason:  reason,
		}

	default:
		return unrecognized
	}
}

// GetUserOpHash 由合约计算用户操作哈希
func (ep *EntryPoint) GetUserOpHash(ctx context.Context, op *models.ResolvedUserOperation) (common.Hash, error) {
	data, err := parsedABI.Pack("getUserOpHash", *op)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码getUserOpHash失败: %w", err)
	}

	out, err := ep.client.CallContract(ctx, ethereum.CallMsg{To: &ep.address, Data: data}, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("调用getUserOpHash失败: %w", err)
	}

	values, err := parsedABI.Unpack("getUserOpHash", out)
	if err != nil {
		return common.Hash{}, fmt.Errorf("解码getUserOpHash结果失败: %w", err)
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("getUserOpHash 返回类型异常: %T", values[0])
	}
	return common.Hash(hash), nil
}

// FindUserOperationEvent 按哈希查询 UserOperationEvent，未找到返回 nil
func (ep *EntryPoint) FindUserOperationEvent(ctx context.Context, userOpHash common.Hash) (*UserOperationEvent, error) {
	logs, err := ep.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: ep.fromBlock,
		Addresses: []common.Address{ep.address},
		Topics:    [][]common.Hash{{UserOperationEventTopic}, {userOpHash}},
	})
	if err != nil {
		return nil, fmt.Errorf("查询UserOperationEvent失败: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	if len(logs) > 1 {
		ep.logger.WithFields(logrus.Fields{
			"user_op_hash": userOpHash.Hex(),
			"count":        len(logs),
		}).Warn("同一哈希存在多个UserOperationEvent，使用第一个")
	}

	return ParseUserOperationEvent(logs[0])
}

// ParseUserOperationEvent 解码 UserOperationEvent 日志
func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventTopic {
		return nil, fmt.Errorf("不是UserOperationEvent日志: tx=%s index=%d", log.TxHash.Hex(), log.Index)
	}

	values, err := parsedABI.Events["UserOperationEvent"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("解码UserOperationEvent数据失败: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("UserOperationEvent 字段数量异常: %d", len(values))
	}

	nonce, _ := values[0].(*big.Int)
	success, _ := values[1].(bool)
	actualGasCost, _ := values[2].(*big.Int)
	actualGasUsed, _ := values[3].(*big.Int)

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         nonce,
		Success:       success,
		ActualGasCost: actualGasCost,
		ActualGasUsed: actualGasUsed,
		Raw:           log,
	}, nil
}

// ParseHandleOps 解码 handleOps 调用数据中的用户操作
func ParseHandleOps(data []byte) ([]models.ResolvedUserOperation, error) {
	method := parsedABI.Methods["handleOps"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("交易不是handleOps调用: selector=%s", decoder.Selector(data))
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("解码handleOps参数失败: %w", err)
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("handleOps 参数数量异常: %d", len(args))
	}

	ops := *abi.ConvertType(args[0], new([]models.ResolvedUserOperation)).(*[]models.ResolvedUserOperation)
	return ops, nil
}
