package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GasEstimate eth_estimateUserOperationGas 的返回值
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	ValidAfter           *hexutil.Big `json:"validAfter,omitempty"`
	ValidUntil           *hexutil.Big `json:"validUntil,omitempty"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// ExecutionWindow 模拟验证给出的有效时间窗口，nil 表示无边界
type ExecutionWindow struct {
	ValidAfter *big.Int
	ValidUntil *big.Int
}

// NewExecutionWindow 根据合约返回值构造时间窗口，0 视为无边界
func NewExecutionWindow(validAfter, validUntil *big.Int) ExecutionWindow {
	return ExecutionWindow{
		ValidAfter: nonZero(validAfter),
		ValidUntil: nonZero(validUntil),
	}
}

// ArbGasSplit Arbitrum 节点给出的 L1/L2 gas 拆分，nil 表示节点未提供
type ArbGasSplit struct {
	L1GasLimit *big.Int
	L2GasLimit *big.Int
}

func nonZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	return new(big.Int).Set(v)
}

// BigToHex 可空转换
func BigToHex(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}
