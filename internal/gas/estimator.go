package gas

import (
	"context"
	"fmt"
	"math/big"

	"bundler/internal/decoder"
	"bundler/internal/entrypoint"
	"bundler/internal/errors"
	"bundler/internal/validation"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 默认参数
var (
	// DefaultL1GasMultiplier L1 gas 的补偿系数
	DefaultL1GasMultiplier = decimal.RequireFromString("1.4")

	// DefaultVerificationGasLimit 估算时 verificationGasLimit 的上限
	DefaultVerificationGasLimit = big.NewInt(10_000_000)
)

// Simulator 执行 simulateValidation
type Simulator interface {
	SimulateValidation(ctx context.Context, op *models.ResolvedUserOperation) (*entrypoint.SimulationResult, error)
}

// CallGasEstimator 估算一次调用的gas
type CallGasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// EstimatorConfig 估算器参数
type EstimatorConfig struct {
	L1GasMultiplier             decimal.Decimal
	DefaultVerificationGasLimit *big.Int
	Overheads                   Overheads
}

// DefaultEstimatorConfig 默认估算器参数
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		L1GasMultiplier:             DefaultL1GasMultiplier,
		DefaultVerificationGasLimit: DefaultVerificationGasLimit,
		Overheads:                   DefaultOverheads,
	}
}

// Estimator 用户操作gas估算器
type Estimator struct {
	validator *validation.Validator
	simulator Simulator
	node      CallGasEstimator
	splitter  GasSplitter
	config    EstimatorConfig
	logger    *logrus.Logger
}

// NewEstimator 创建gas估算器
func NewEstimator(
	validator *validation.Validator,
	simulator Simulator,
	node CallGasEstimator,
	splitter GasSplitter,
	config EstimatorConfig,
	logger *logrus.Logger,
) *Estimator {
	if splitter == nil {
		splitter = NoopSplitter{}
	}
	return &Estimator{
		validator: validator,
		simulator: simulator,
		node:      node,
		splitter:  splitter,
		config:    config,
		logger:    logger,
	}
}

// Estimate 估算用户操作的 preVerificationGas、verificationGasLimit 与 callGasLimit
//
// 只读操作，不修改调用方的 op。
func (e *Estimator) Estimate(ctx context.Context, op *models.UserOperation, entryPoint string) (*models.GasEstimate, error) {
	filled := e.withDefaults(op)
	if err := e.validator.ValidateUserOp(filled, entryPoint, true, false); err != nil {
		return nil, err
	}

	resolved, err := filled.Resolve()
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error()).WithComponent("gas").WithData(op)
	}

	sim, err := e.simulator.SimulateValidation(ctx, resolved)
	if err != nil {
		return nil, err
	}
	switch sim.Kind {
	case entrypoint.FailedOpKind:
		return nil, errors.NewSimulationFailed(sim.Reason).
			WithComponent("gas").
			WithContext("op_index", sim.OpIndex)
	case entrypoint.UnrecognizedKind:
		return nil, sim.Err
	}

	window := models.NewExecutionWindow(sim.ReturnInfo.ValidAfter, sim.ReturnInfo.ValidUntil)
	entryPointAddr := e.validator.EntryPoint()

	callGasLimit := new(big.Int)
	if len(resolved.CallData) > 0 {
		gasLimit, err := e.node.EstimateGas(ctx, ethereum.CallMsg{
			From: entryPointAddr,
			To:   &resolved.Sender,
			Data: resolved.CallData,
		})
		if err != nil && !decoder.IsRevert(err) {
			return nil, err
		}
		if err != nil {
			return nil, errors.NewCallReverted(decoder.RevertReason(err)).
				WithComponent("gas").
				WithContext("sender", resolved.Sender.Hex())
		}
		callGasLimit.SetUint64(gasLimit)
	}

	split, err := e.splitter.CallGasSplit(ctx, entryPointAddr, resolved.Sender, resolved.CallData)
	if err != nil {
		return nil, fmt.Errorf("查询L1/L2 gas拆分失败: %w", err)
	}

	preVerificationGas, err := CalcPreVerificationGas(resolved, e.config.Overheads)
	if err != nil {
		return nil, err
	}
	if split.L1GasLimit != nil {
		preVerificationGas.Add(preVerificationGas, e.l1Compensation(split.L1GasLimit))
	}
	if split.L2GasLimit != nil {
		callGasLimit.Set(split.L2GasLimit)
	}

	e.logger.WithFields(logrus.Fields{
		"sender":               resolved.Sender.Hex(),
		"preVerificationGas":   preVerificationGas.String(),
		"verificationGasLimit": sim.ReturnInfo.PreOpGas.String(),
		"callGasLimit":         callGasLimit.String(),
		"l1GasLimit":           split.L1GasLimit,
		"l2GasLimit":           split.L2GasLimit,
	}).Debug("gas估算完成")

	return &models.GasEstimate{
		PreVerificationGas:   models.BigToHex(preVerificationGas),
		VerificationGasLimit: models.BigToHex(sim.ReturnInfo.PreOpGas),
		ValidAfter:           models.BigToHex(window.ValidAfter),
		ValidUntil:           models.BigToHex(window.ValidUntil),
		CallGasLimit:         models.BigToHex(callGasLimit),
	}, nil
}

// l1Compensation ceil(l1GasLimit × L1GasMultiplier)
func (e *Estimator) l1Compensation(l1GasLimit *big.Int) *big.Int {
	return decimal.NewFromBigInt(l1GasLimit, 0).Mul(e.config.L1GasMultiplier).Ceil().BigInt()
}

// withDefaults 为未提供的字段填充估算用的默认值，返回副本
func (e *Estimator) withDefaults(op *models.UserOperation) *models.UserOperation {
	if op == nil {
		return nil
	}

	filled := op.Clone()
	if filled.PaymasterAndData == nil {
		filled.PaymasterAndData = models.HexPtr("0x")
	}
	if filled.MaxFeePerGas == nil {
		filled.MaxFeePerGas = models.HexFromBig(nil)
	}
	if filled.MaxPriorityFeePerGas == nil {
		filled.MaxPriorityFeePerGas = models.HexFromBig(nil)
	}
	if filled.PreVerificationGas == nil {
		filled.PreVerificationGas = models.HexFromBig(nil)
	}
	if filled.VerificationGasLimit == nil {
		filled.VerificationGasLimit = models.HexFromBig(e.config.DefaultVerificationGasLimit)
	}
	return filled
}
