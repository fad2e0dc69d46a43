package models

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HexValue 调用方提交的十六进制文本，保留原始形式以便严格校验
type HexValue string

// UnmarshalJSON 同时接受字符串与数值，数值保留其字面文本（随后会被十六进制校验拒绝）
func (h *HexValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*h = HexValue(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("期望字符串或数值: %w", err)
	}
	*h = HexValue(n.String())
	return nil
}

// String 返回原始文本
func (h HexValue) String() string {
	return string(h)
}

// HexPtr 构造字段指针
func HexPtr(s string) *HexValue {
	h := HexValue(s)
	return &h
}

// HexFromBig 将数值编码为偶数长度的十六进制
func HexFromBig(v *big.Int) *HexValue {
	if v == nil || v.Sign() == 0 {
		return HexPtr("0x00")
	}
	s := v.Text(16)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return HexPtr("0x" + s)
}

// HexFromBytes 将字节编码为十六进制
func HexFromBytes(b []byte) *HexValue {
	return HexPtr(hexutil.Encode(b))
}

// UserOperation 请求中的用户操作，字段为 nil 表示调用方未提供
type UserOperation struct {
	Sender               *HexValue `json:"sender,omitempty"`
	Nonce                *HexValue `json:"nonce,omitempty"`
	InitCode             *HexValue `json:"initCode,omitempty"`
	CallData             *HexValue `json:"callData,omitempty"`
	CallGasLimit         *HexValue `json:"callGasLimit,omitempty"`
	VerificationGasLimit *HexValue `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   *HexValue `json:"preVerificationGas,omitempty"`
	MaxFeePerGas         *HexValue `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *HexValue `json:"maxPriorityFeePerGas,omitempty"`
	PaymasterAndData     *HexValue `json:"paymasterAndData,omitempty"`
	Signature            *HexValue `json:"signature,omitempty"`
}

// 字段名称（与JSON键一致）
const (
	FieldSender               = "sender"
	FieldNonce                = "nonce"
	FieldInitCode             = "initCode"
	FieldCallData             = "callData"
	FieldCallGasLimit         = "callGasLimit"
	FieldVerificationGasLimit = "verificationGasLimit"
	FieldPreVerificationGas   = "preVerificationGas"
	FieldMaxFeePerGas         = "maxFeePerGas"
	FieldMaxPriorityFeePerGas = "maxPriorityFeePerGas"
	FieldPaymasterAndData     = "paymasterAndData"
	FieldSignature            = "signature"
)

// Field 按名称取字段
func (op *UserOperation) Field(name string) *HexValue {
	switch name {
	case FieldSender:
		return op.Sender
	case FieldNonce:
		return op.Nonce
	case FieldInitCode:
		return op.InitCode
	case FieldCallData:
		return op.CallData
	case FieldCallGasLimit:
		return op.CallGasLimit
	case FieldVerificationGasLimit:
		return op.VerificationGasLimit
	case FieldPreVerificationGas:
		return op.PreVerificationGas
	case FieldMaxFeePerGas:
		return op.MaxFeePerGas
	case FieldMaxPriorityFeePerGas:
		return op.MaxPriorityFeePerGas
	case FieldPaymasterAndData:
		return op.PaymasterAndData
	case FieldSignature:
		return op.Signature
	default:
		return nil
	}
}

// Clone 浅拷贝（字段指针指向不可变的字符串值）
func (op *UserOperation) Clone() *UserOperation {
	c := *op
	return &c
}

// ResolvedUserOperation 解析后的用户操作，字段布局与 EntryPoint ABI 元组一致
type ResolvedUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// Resolve 将已通过校验的用户操作转换为具体值，缺失字段按零值处理
func (op *UserOperation) Resolve() (*ResolvedUserOperation, error) {
	sender, err := decodeBytes(op.Sender)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if len(sender) != common.AddressLength {
		return nil, fmt.Errorf("sender: 地址长度应为%d字节，实际%d字节", common.AddressLength, len(sender))
	}

	r := &ResolvedUserOperation{Sender: common.BytesToAddress(sender)}

	quantities := []struct {
		name string
		in   *HexValue
		out  **big.Int
	}{
		{FieldNonce, op.Nonce, &r.Nonce},
		{FieldCallGasLimit, op.CallGasLimit, &r.CallGasLimit},
		{FieldVerificationGasLimit, op.VerificationGasLimit, &r.VerificationGasLimit},
		{FieldPreVerificationGas, op.PreVerificationGas, &r.PreVerificationGas},
		{FieldMaxFeePerGas, op.MaxFeePerGas, &r.MaxFeePerGas},
		{FieldMaxPriorityFeePerGas, op.MaxPriorityFeePerGas, &r.MaxPriorityFeePerGas},
	}
	for _, q := range quantities {
		v, err := decodeQuantity(q.in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.name, err)
		}
		*q.out = v
	}

	byteFields := []struct {
		name string
		in   *HexValue
		out  *[]byte
	}{
		{FieldInitCode, op.InitCode, &r.InitCode},
		{FieldCallData, op.CallData, &r.CallData},
		{FieldPaymasterAndData, op.PaymasterAndData, &r.PaymasterAndData},
		{FieldSignature, op.Signature, &r.Signature},
	}
	for _, f := range byteFields {
		b, err := decodeBytes(f.in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = b
	}

	return r, nil
}

// PaymasterAddress 从 paymasterAndData 前20字节提取 paymaster 地址
func (r *ResolvedUserOperation) PaymasterAddress() *common.Address {
	if len(r.PaymasterAndData) < common.AddressLength {
		return nil
	}
	addr := common.BytesToAddress(r.PaymasterAndData[:common.AddressLength])
	return &addr
}

// ToUserOperation 转回请求格式（所有字段均为偶数长度十六进制）
func (r *ResolvedUserOperation) ToUserOperation() *UserOperation {
	return &UserOperation{
		Sender:               HexPtr(r.Sender.Hex()),
		Nonce:                HexFromBig(r.Nonce),
		InitCode:             HexFromBytes(r.InitCode),
		CallData:             HexFromBytes(r.CallData),
		CallGasLimit:         HexFromBig(r.CallGasLimit),
		VerificationGasLimit: HexFromBig(r.VerificationGasLimit),
		PreVerificationGas:   HexFromBig(r.PreVerificationGas),
		MaxFeePerGas:         HexFromBig(r.MaxFeePerGas),
		MaxPriorityFeePerGas: HexFromBig(r.MaxPriorityFeePerGas),
		PaymasterAndData:     HexFromBytes(r.PaymasterAndData),
		Signature:            HexFromBytes(r.Signature),
	}
}

func decodeQuantity(h *HexValue) (*big.Int, error) {
	if h == nil {
		return new(big.Int), nil
	}
	s := string(*h)
	if len(s) < 2 || s[:2] != "0x" {
		return nil, fmt.Errorf("缺少0x前缀: %q", s)
	}
	if len(s) == 2 {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, fmt.Errorf("无效的十六进制数值: %q", s)
	}
	return v, nil
}

// decodeBytes 缺失字段返回 nil，"0x" 返回空切片
func decodeBytes(h *HexValue) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	return hexutil.Decode(string(*h))
}
