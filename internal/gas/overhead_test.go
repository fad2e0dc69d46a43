package gas

import (
	"bytes"
	"math/big"
	"testing"

	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroOp() *models.ResolvedUserOperation {
	return &models.ResolvedUserOperation{
		Sender:               common.HexToAddress("0x1306b01bC3e4AD202612D3843387e94737673F53"),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(0),
		PreVerificationGas:   big.NewInt(0),
		MaxFeePerGas:         big.NewInt(0),
		MaxPriorityFeePerGas: big.NewInt(0),
		PaymasterAndData:     []byte{},
		Signature:            bytes.Repeat([]byte{1}, 65),
	}
}

func TestCalcPreVerificationGas_KnownValue(t *testing.T) {
	pvg, err := CalcPreVerificationGas(zeroOp(), DefaultOverheads)
	require.NoError(t, err)
	assert.Equal(t, int64(42808), pvg.Int64())
}

func TestCalcPreVerificationGas_CallDataWord(t *testing.T) {
	base, err := CalcPreVerificationGas(zeroOp(), DefaultOverheads)
	require.NoError(t, err)

	op := zeroOp()
	op.CallData = bytes.Repeat([]byte{0x11}, 32)
	withData, err := CalcPreVerificationGas(op, DefaultOverheads)
	require.NoError(t, err)

	// 32个非零字节 + 长度字段变化 + 一个字的开销
	assert.Equal(t, int64(32*16+12+4), new(big.Int).Sub(withData, base).Int64())
}

func TestCalcPreVerificationGas_DummySignature(t *testing.T) {
	withSig, err := CalcPreVerificationGas(zeroOp(), DefaultOverheads)
	require.NoError(t, err)

	op := zeroOp()
	op.Signature = nil
	withoutSig, err := CalcPreVerificationGas(op, DefaultOverheads)
	require.NoError(t, err)

	assert.Equal(t, 0, withSig.Cmp(withoutSig))
}

func TestCalcPreVerificationGas_InvalidBundleSize(t *testing.T) {
	ov := DefaultOverheads
	ov.BundleSize = 0
	_, err := CalcPreVerificationGas(zeroOp(), ov)
	assert.Error(t, err)
}

func TestCalcPreVerificationGas_NilFields(t *testing.T) {
	op := &models.ResolvedUserOperation{Sender: common.HexToAddress("0x01")}
	pvg, err := CalcPreVerificationGas(op, DefaultOverheads)
	require.NoError(t, err)
	assert.True(t, pvg.Sign() > 0)
}
