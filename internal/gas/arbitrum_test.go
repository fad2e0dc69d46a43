package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	out []byte
	err error
	msg ethereum.CallMsg
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.msg = msg
	return f.out, f.err
}

func newTestSplitter(caller ContractCaller) *ArbitrumSplitter {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewArbitrumSplitter(caller, logger)
}

func TestArbitrumSplitter_CallGasSplit(t *testing.T) {
	out, err := nodeInterface.Methods["gasEstimateComponents"].Outputs.Pack(
		uint64(80000), uint64(30000), big.NewInt(100000000), big.NewInt(20000000000),
	)
	require.NoError(t, err)

	caller := &fakeCaller{out: out}
	sender := common.HexToAddress("0x1306b01bC3e4AD202612D3843387e94737673F53")

	split, err := newTestSplitter(caller).CallGasSplit(context.Background(), testEntryPoint, sender, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), split.L1GasLimit.Int64())
	assert.Equal(t, int64(50000), split.L2GasLimit.Int64())

	assert.Equal(t, testEntryPoint, caller.msg.From)
	assert.Equal(t, NodeInterfaceAddress, *caller.msg.To)
}

func TestArbitrumSplitter_NoNodeInterface(t *testing.T) {
	split, err := newTestSplitter(&fakeCaller{}).CallGasSplit(context.Background(), testEntryPoint, common.Address{}, nil)
	require.NoError(t, err)
	assert.Nil(t, split.L1GasLimit)
	assert.Nil(t, split.L2GasLimit)
}

func TestArbitrumSplitter_CallError(t *testing.T) {
	callErr := errors.New("connection reset")
	_, err := newTestSplitter(&fakeCaller{err: callErr}).CallGasSplit(context.Background(), testEntryPoint, common.Address{}, nil)
	assert.ErrorIs(t, err, callErr)
}

func TestNoopSplitter(t *testing.T) {
	split, err := NoopSplitter{}.CallGasSplit(context.Background(), common.Address{}, common.Address{}, nil)
	require.NoError(t, err)
	assert.Nil(t, split.L1GasLimit)
	assert.Nil(t, split.L2GasLimit)
}
