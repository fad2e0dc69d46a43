package handler

import (
	"context"
	"fmt"
	"math/big"

	"bundler/internal/entrypoint"
	"bundler/internal/errors"
	"bundler/internal/logfilter"
	"bundler/internal/mempool"
	"bundler/internal/validation"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ClientVersionPrefix web3_clientVersion 的固定前缀
const ClientVersionPrefix = "aa-bundler/0.6.0"

// GasEstimator 用户操作gas估算
type GasEstimator interface {
	Estimate(ctx context.Context, op *models.UserOperation, entryPoint string) (*models.GasEstimate, error)
}

// Config 处理器配置
type Config struct {
	Beneficiary   common.Address
	SignerAddress common.Address
	MinBalance    *big.Int
	Unsafe        bool
}

// UserOpMethodHandler 实现 eth_* 用户操作相关的RPC方法
type UserOpMethodHandler struct {
	config     Config
	node       entrypoint.NodeClient
	entryPoint *entrypoint.EntryPoint
	validator  *validation.Validator
	estimator  GasEstimator
	gateway    mempool.Gateway
	logger     *logrus.Logger
}

// NewUserOpMethodHandler 创建处理器
func NewUserOpMethodHandler(
	config Config,
	node entrypoint.NodeClient,
	entryPoint *entrypoint.EntryPoint,
	validator *validation.Validator,
	estimator GasEstimator,
	gateway mempool.Gateway,
	logger *logrus.Logger,
) *UserOpMethodHandler {
	if config.MinBalance == nil {
		config.MinBalance = new(big.Int)
	}
	return &UserOpMethodHandler{
		config:     config,
		node:       node,
		entryPoint: entryPoint,
		validator:  validator,
		estimator:  estimator,
		gateway:    gateway,
		logger:     logger,
	}
}

// SupportedEntryPoints eth_supportedEntryPoints
func (h *UserOpMethodHandler) SupportedEntryPoints() []string {
	return []string{h.entryPoint.Address().Hex()}
}

// ChainID eth_chainId
func (h *UserOpMethodHandler) ChainID(ctx context.Context) (*hexutil.Big, error) {
	id, err := h.node.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(id), nil
}

// ClientVersion web3_clientVersion
func (h *UserOpMethodHandler) ClientVersion() string {
	if h.config.Unsafe {
		return ClientVersionPrefix + "/unsafe"
	}
	return ClientVersionPrefix
}

// EstimateUserOperationGas eth_estimateUserOperationGas
func (h *UserOpMethodHandler) EstimateUserOperationGas(ctx context.Context, op *models.UserOperation, entryPoint string) (*models.GasEstimate, error) {
	return h.estimator.Estimate(ctx, op, entryPoint)
}

// SendUserOperation eth_sendUserOperation
//
// 网关返回的错误原样返回，不做重试。
func (h *UserOpMethodHandler) SendUserOperation(ctx context.Context, op *models.UserOperation, entryPoint string) (common.Hash, error) {
	if err := h.validator.ValidateUserOp(op, entryPoint, true, true); err != nil {
		return common.Hash{}, err
	}

	resolved, err := op.Resolve()
	if err != nil {
		return common.Hash{}, errors.NewInvalidRequest(err.Error()).WithComponent("handler").WithData(op)
	}

	fields := logrus.Fields{
		"sender":     resolved.Sender.Hex(),
		"nonce":      resolved.Nonce.String(),
		"entryPoint": entryPoint,
		"paymaster":  "",
	}
	if paymaster := resolved.PaymasterAddress(); paymaster != nil {
		fields["paymaster"] = paymaster.Hex()
	}
	h.logger.WithFields(fields).Info("UserOperation")

	if err := h.gateway.Submit(ctx, resolved, h.entryPoint.Address()); err != nil {
		return common.Hash{}, err
	}

	return h.entryPoint.GetUserOpHash(ctx, resolved)
}

// GetUserOperationByHash eth_getUserOperationByHash，未找到时返回 nil
func (h *UserOpMethodHandler) GetUserOperationByHash(ctx context.Context, hash string) (*models.UserOperationByHashResponse, error) {
	userOpHash, err := h.validator.ValidateHash(hash)
	if err != nil {
		return nil, err
	}

	event, err := h.entryPoint.FindUserOperationEvent(ctx, userOpHash)
	if err != nil || event == nil {
		return nil, err
	}

	tx, _, err := h.node.TransactionByHash(ctx, event.Raw.TxHash)
	if err != nil {
		return nil, err
	}
	if to := tx.To(); to == nil || *to != h.entryPoint.Address() {
		return nil, h.internal("unable to parse transaction", event).
			WithContext("to", fmt.Sprintf("%v", tx.To()))
	}

	ops, err := entrypoint.ParseHandleOps(tx.Data())
	if err != nil || len(ops) == 0 {
		e := h.internal("failed to parse transaction", event)
		e.Cause = err
		return nil, e
	}

	op, found := lo.Find(ops, func(op models.ResolvedUserOperation) bool {
		return op.Sender == event.Sender && op.Nonce != nil && op.Nonce.Cmp(event.Nonce) == 0
	})
	if !found {
		return nil, h.internal("unable to find userOp in transaction", event).
			WithContext("ops", len(ops))
	}

	return &models.UserOperationByHashResponse{
		UserOperation:   op.ToUserOperation(),
		EntryPoint:      h.entryPoint.Address(),
		TransactionHash: tx.Hash(),
		BlockHash:       event.Raw.BlockHash,
		BlockNumber:     (*hexutil.Big)(new(big.Int).SetUint64(event.Raw.BlockNumber)),
	}, nil
}

// GetUserOperationReceipt eth_getUserOperationReceipt，未找到时返回 nil
func (h *UserOpMethodHandler) GetUserOperationReceipt(ctx context.Context, hash string) (*models.UserOperationReceipt, error) {
	userOpHash, err := h.validator.ValidateHash(hash)
	if err != nil {
		return nil, err
	}

	event, err := h.entryPoint.FindUserOperationEvent(ctx, userOpHash)
	if err != nil || event == nil {
		return nil, err
	}

	receipt, err := h.node.TransactionReceipt(ctx, event.Raw.TxHash)
	if err != nil {
		return nil, err
	}

	logs, err := logfilter.FilterLogs(event.Raw, derefLogs(receipt.Logs),
		entrypoint.BeforeExecutionTopic, entrypoint.UserOperationEventTopic)
	if err != nil {
		if be, ok := errors.As(err); ok {
			be.WithContext("tx_hash", event.Raw.TxHash.Hex())
		}
		return nil, err
	}

	return &models.UserOperationReceipt{
		UserOpHash:    userOpHash,
		Sender:        event.Sender,
		Nonce:         models.BigToHex(event.Nonce),
		ActualGasCost: models.BigToHex(event.ActualGasCost),
		ActualGasUsed: models.BigToHex(event.ActualGasUsed),
		Success:       event.Success,
		Logs:          logs,
		Receipt:       receipt,
	}, nil
}

// internal 构造带事件上下文的内部一致性错误并记录
func (h *UserOpMethodHandler) internal(message string, event *entrypoint.UserOperationEvent) *errors.BundlerError {
	e := errors.NewInternal(message).
		WithComponent("handler").
		WithContext("user_op_hash", event.UserOpHash.Hex()).
		WithContext("tx_hash", event.Raw.TxHash.Hex()).
		WithContext("sender", event.Sender.Hex()).
		WithContext("nonce", event.Nonce.String())
	h.logger.WithFields(logrus.Fields(e.Context)).Error(message)
	return e
}

func derefLogs(logs []*types.Log) []types.Log {
	return lo.FilterMap(logs, func(l *types.Log, _ int) (types.Log, bool) {
		if l == nil {
			return types.Log{}, false
		}
		return *l, true
	})
}
