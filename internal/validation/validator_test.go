package validation

import (
	"testing"

	"bundler/internal/errors"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func newTestValidator() *Validator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewValidator(logger, testEntryPoint)
}

// fullUserOp 所有字段齐全的用户操作
func fullUserOp() *models.UserOperation {
	return &models.UserOperation{
		Sender:               models.HexPtr("0x1306b01bC3e4AD202612D3843387e94737673F53"),
		Nonce:                models.HexPtr("0x01"),
		InitCode:             models.HexPtr("0x"),
		CallData:             models.HexPtr("0xb61d27f6"),
		CallGasLimit:         models.HexPtr("0x5208"),
		VerificationGasLimit: models.HexPtr("0x989680"),
		PreVerificationGas:   models.HexPtr("0xc350"),
		MaxFeePerGas:         models.HexPtr("0x3b9aca00"),
		MaxPriorityFeePerGas: models.HexPtr("0x3b9aca00"),
		PaymasterAndData:     models.HexPtr("0x"),
		Signature:            models.HexPtr("0x" + "ab"),
	}
}

func requireInvalidRequest(t *testing.T, err error) *errors.BundlerError {
	t.Helper()
	require.Error(t, err)
	be, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeInvalidParams, be.RPCCode)
	return be
}

func TestValidateUserOp_Valid(t *testing.T) {
	v := newTestValidator()
	op := fullUserOp()

	assert.NoError(t, v.ValidateUserOp(op, testEntryPoint.Hex(), true, true))
}

func TestValidateUserOp_EntryPointCaseInsensitive(t *testing.T) {
	v := newTestValidator()

	assert.NoError(t, v.ValidateUserOp(fullUserOp(), "0x5ff137d4b0fdcd49dca30c7cf57e578a026d2789", true, true))
	assert.NoError(t, v.ValidateUserOp(fullUserOp(), "0X5FF137D4B0FDCD49DCA30C7CF57E578A026D2789", true, true))
}

func TestValidateUserOp_EntryPointMismatch(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateUserOp(fullUserOp(), "0x0000000000000000000000000000000000000001", true, true)
	be := requireInvalidRequest(t, err)
	assert.Contains(t, be.Message, "is not supported")
}

func TestValidateUserOp_NilOp(t *testing.T) {
	v := newTestValidator()

	err := v.ValidateUserOp(nil, testEntryPoint.Hex(), false, false)
	be := requireInvalidRequest(t, err)
	assert.Equal(t, "No UserOperation param", be.Message)
}

func TestValidateUserOp_MissingFields(t *testing.T) {
	tests := []struct {
		name             string
		clear            func(op *models.UserOperation)
		requireSignature bool
		requireGasParams bool
		field            string
	}{
		{"sender", func(op *models.UserOperation) { op.Sender = nil }, false, false, "sender"},
		{"nonce", func(op *models.UserOperation) { op.Nonce = nil }, false, false, "nonce"},
		{"initCode", func(op *models.UserOperation) { op.InitCode = nil }, false, false, "initCode"},
		{"callData", func(op *models.UserOperation) { op.CallData = nil }, false, false, "callData"},
		{"paymasterAndData", func(op *models.UserOperation) { op.PaymasterAndData = nil }, false, false, "paymasterAndData"},
		{"signature", func(op *models.UserOperation) { op.Signature = nil }, true, false, "signature"},
		{"preVerificationGas", func(op *models.UserOperation) { op.PreVerificationGas = nil }, false, true, "preVerificationGas"},
		{"verificationGasLimit", func(op *models.UserOperation) { op.VerificationGasLimit = nil }, false, true, "verificationGasLimit"},
		{"callGasLimit", func(op *models.UserOperation) { op.CallGasLimit = nil }, false, true, "callGasLimit"},
		{"maxFeePerGas", func(op *models.UserOperation) { op.MaxFeePerGas = nil }, false, true, "maxFeePerGas"},
		{"maxPriorityFeePerGas", func(op *models.UserOperation) { op.MaxPriorityFeePerGas = nil }, false, true, "maxPriorityFeePerGas"},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := fullUserOp()
			tt.clear(op)

			err := v.ValidateUserOp(op, testEntryPoint.Hex(), tt.requireSignature, tt.requireGasParams)
			be := requireInvalidRequest(t, err)
			assert.Equal(t, "Missing userOp field: "+tt.field, be.Message)
			assert.Equal(t, tt.field, be.Context["field"])
			assert.Same(t, op, be.Data)
		})
	}
}

func TestValidateUserOp_OptionalGroupsNotRequired(t *testing.T) {
	v := newTestValidator()
	op := fullUserOp()
	op.Signature = nil
	op.PreVerificationGas = nil
	op.CallGasLimit = nil
	op.MaxFeePerGas = nil

	assert.NoError(t, v.ValidateUserOp(op, testEntryPoint.Hex(), false, false))
}

func TestValidateUserOp_HexStrictness(t *testing.T) {
	invalid := []string{
		"",
		"0",
		"0x1",
		"0xabc",
		"1234",
		"0xzz",
		"0x 1",
		"12",
	}

	v := newTestValidator()
	for _, value := range invalid {
		for _, field := range []string{models.FieldNonce, models.FieldCallData, models.FieldMaxFeePerGas, models.FieldSignature} {
			op := fullUserOp()
			setField(op, field, value)

			err := v.ValidateUserOp(op, testEntryPoint.Hex(), true, true)
			be := requireInvalidRequest(t, err)
			assert.Contains(t, be.Message, "Invalid hex value for property "+field, "value=%q", value)
		}
	}
}

func TestValidateUserOp_DoesNotMutate(t *testing.T) {
	v := newTestValidator()
	op := fullUserOp()
	op.Signature = nil
	before := *op

	_ = v.ValidateUserOp(op, testEntryPoint.Hex(), true, true)
	assert.Equal(t, before, *op)
}

func TestValidateHash(t *testing.T) {
	v := newTestValidator()

	hash, err := v.ValidateHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef")
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"), hash)

	for _, bad := range []string{"", "0x", "0x1234", "invalid_hash", "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"} {
		_, err := v.ValidateHash(bad)
		require.Error(t, err, bad)
		be, ok := errors.As(err)
		require.True(t, ok)
		assert.Equal(t, errors.CodeMethodNotFound, be.RPCCode)
	}
}

func TestIsHex(t *testing.T) {
	assert.True(t, IsHex("0x"))
	assert.True(t, IsHex("0x00"))
	assert.True(t, IsHex("0xAbCd"))
	assert.False(t, IsHex("0x0"))
	assert.False(t, IsHex(""))
	assert.False(t, IsHex("0xg0"))
}

func setField(op *models.UserOperation, field, value string) {
	v := models.HexPtr(value)
	switch field {
	case models.FieldNonce:
		op.Nonce = v
	case models.FieldCallData:
		op.CallData = v
	case models.FieldMaxFeePerGas:
		op.MaxFeePerGas = v
	case models.FieldSignature:
		op.Signature = v
	}
}
