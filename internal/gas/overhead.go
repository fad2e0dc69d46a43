package gas

import (
	"bytes"
	"fmt"
	"math/big"

	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

// Overheads preVerificationGas 计算参数
type Overheads struct {
	Fixed         int64 // 每个bundle的固定开销
	PerUserOp     int64 // 每个用户操作的固定开销
	PerUserOpWord int64 // 每32字节的开销
	ZeroByte      int64 // calldata 零字节开销
	NonZeroByte   int64 // calldata 非零字节开销
	BundleSize    int64 // 假定的bundle大小
	SigSize       int64 // 签名缺失时使用的假签名长度
}

// DefaultOverheads 默认开销参数
var DefaultOverheads = Overheads{
	Fixed:         21000,
	PerUserOp:     18300,
	PerUserOpWord: 4,
	ZeroByte:      4,
	NonZeroByte:   16,
	BundleSize:    1,
	SigSize:       65,
}

// packedUserOpArgs 用户操作完整编码（含签名）的参数列表
var packedUserOpArgs abi.Arguments

func init() {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("创建ABI类型失败: %v", err))
		}
		return typ
	}

	for _, t := range []string{
		"address", "uint256", "bytes", "bytes",
		"uint256", "uint256", "uint256", "uint256", "uint256",
		"bytes", "bytes",
	} {
		packedUserOpArgs = append(packedUserOpArgs, abi.Argument{Type: mustType(t)})
	}
}

// CalcPreVerificationGas 计算用户操作的 preVerificationGas（不含L1部分）
//
// 未提供 preVerificationGas 时按 21000 计，未提供签名时使用 SigSize 字节的假签名。
func CalcPreVerificationGas(op *models.ResolvedUserOperation, ov Overheads) (*big.Int, error) {
	if ov.BundleSize <= 0 {
		return nil, fmt.Errorf("无效的bundle大小: %d", ov.BundleSize)
	}

	preVerificationGas := op.PreVerificationGas
	if preVerificationGas == nil {
		preVerificationGas = big.NewInt(21000)
	}
	signature := op.Signature
	if signature == nil {
		signature = bytes.Repeat([]byte{1}, int(ov.SigSize))
	}

	packed, err := packedUserOpArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		orEmpty(op.InitCode),
		orEmpty(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		preVerificationGas,
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		orEmpty(op.PaymasterAndData),
		signature,
	)
	if err != nil {
		return nil, fmt.Errorf("编码用户操作失败: %w", err)
	}

	var callDataCost int64
	for _, b := range packed {
		if b == 0 {
			callDataCost += ov.ZeroByte
		} else {
			callDataCost += ov.NonZeroByte
		}
	}

	words := decimal.NewFromInt(int64(len(packed) + 31)).Div(decimal.NewFromInt(32))
	total := decimal.NewFromInt(callDataCost).
		Add(decimal.NewFromInt(ov.Fixed).Div(decimal.NewFromInt(ov.BundleSize))).
		Add(decimal.NewFromInt(ov.PerUserOp)).
		Add(decimal.NewFromInt(ov.PerUserOpWord).Mul(words))

	return total.Round(0).BigInt(), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
