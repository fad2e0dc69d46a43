package models

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexValue_UnmarshalJSON(t *testing.T) {
	var op UserOperation
	require.NoError(t, json.Unmarshal([]byte(`{"sender":"0x01","nonce":12,"callData":null}`), &op))

	require.NotNil(t, op.Sender)
	assert.Equal(t, "0x01", op.Sender.String())
	require.NotNil(t, op.Nonce)
	assert.Equal(t, "12", op.Nonce.String())
	assert.Nil(t, op.CallData)
	assert.Nil(t, op.Signature)

	var h HexValue
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &h))
}

func TestHexFromBig(t *testing.T) {
	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0x00"},
		{big.NewInt(0), "0x00"},
		{big.NewInt(1), "0x01"},
		{big.NewInt(0xabc), "0x0abc"},
		{big.NewInt(0x1234), "0x1234"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HexFromBig(tt.in).String())
	}
}

func TestUserOperation_Field(t *testing.T) {
	op := &UserOperation{Sender: HexPtr("0x01"), Signature: HexPtr("0x")}
	assert.Equal(t, "0x01", op.Field(FieldSender).String())
	assert.Equal(t, "0x", op.Field(FieldSignature).String())
	assert.Nil(t, op.Field(FieldNonce))
	assert.Nil(t, op.Field("unknown"))

	c := op.Clone()
	c.Nonce = HexPtr("0x02")
	assert.Nil(t, op.Nonce)
}

func TestUserOperation_Resolve(t *testing.T) {
	op := &UserOperation{
		Sender:           HexPtr("0x000000000000000000000000000000000000abcd"),
		Nonce:            HexPtr("0x0a"),
		CallData:         HexPtr("0x"),
		MaxFeePerGas:     HexPtr("0x3b9aca00"),
		PaymasterAndData: HexPtr("0x000000000000000000000000000000000000beefdeadbeef"),
	}

	r, err := op.Resolve()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xabcd"), r.Sender)
	assert.Equal(t, int64(10), r.Nonce.Int64())
	assert.Equal(t, int64(1_000_000_000), r.MaxFeePerGas.Int64())
	assert.Equal(t, 0, r.CallGasLimit.Sign())
	assert.NotNil(t, r.CallData)
	assert.Empty(t, r.CallData)
	assert.Nil(t, r.InitCode)

	paymaster := r.PaymasterAddress()
	require.NotNil(t, paymaster)
	assert.Equal(t, common.HexToAddress("0xbeef"), *paymaster)
}

func TestUserOperation_ResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		op   *UserOperation
	}{
		{"地址过短", &UserOperation{Sender: HexPtr("0x1234")}},
		{"缺少发送方", &UserOperation{}},
		{"数值缺少前缀", &UserOperation{Sender: HexPtr("0x000000000000000000000000000000000000abcd"), Nonce: HexPtr("12")}},
		{"字节非法", &UserOperation{Sender: HexPtr("0x000000000000000000000000000000000000abcd"), CallData: HexPtr("0xzz")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op.Resolve()
			assert.Error(t, err)
		})
	}
}

func TestResolvedUserOperation_PaymasterAddressShort(t *testing.T) {
	r := &ResolvedUserOperation{PaymasterAndData: []byte{0x01, 0x02}}
	assert.Nil(t, r.PaymasterAddress())
}

func TestResolvedUserOperation_RoundTrip(t *testing.T) {
	r := &ResolvedUserOperation{
		Sender:               common.HexToAddress("0xabcd"),
		Nonce:                big.NewInt(5),
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         big.NewInt(21000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(42808),
		MaxFeePerGas:         big.NewInt(2),
		MaxPriorityFeePerGas: big.NewInt(1),
		Signature:            []byte{0x01},
	}

	op := r.ToUserOperation()
	assert.Equal(t, "0x", op.InitCode.String())
	assert.Equal(t, "0xdead", op.CallData.String())
	assert.Equal(t, "0x5208", op.CallGasLimit.String())

	back, err := op.Resolve()
	require.NoError(t, err)
	assert.Equal(t, r.Sender, back.Sender)
	assert.Equal(t, 0, r.PreVerificationGas.Cmp(back.PreVerificationGas))
	assert.Equal(t, r.CallData, back.CallData)
	assert.Equal(t, r.Signature, back.Signature)
}

func TestNewExecutionWindow(t *testing.T) {
	w := NewExecutionWindow(big.NewInt(0), big.NewInt(100))
	assert.Nil(t, w.ValidAfter)
	require.NotNil(t, w.ValidUntil)
	assert.Equal(t, int64(100), w.ValidUntil.Int64())

	w = NewExecutionWindow(nil, nil)
	assert.Nil(t, w.ValidAfter)
	assert.Nil(t, w.ValidUntil)
}

func TestBigToHex(t *testing.T) {
	assert.Nil(t, BigToHex(nil))

	v := big.NewInt(7)
	h := BigToHex(v)
	v.SetInt64(8)
	assert.Equal(t, "0x7", h.String())
}
