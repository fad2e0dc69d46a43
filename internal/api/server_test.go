package api

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bundler/internal/connection"
	"bundler/internal/errors"
	"bundler/internal/mempool"
	"bundler/internal/metrics"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testEntryPoint  = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
	testBeneficiary = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	testUserOpHash  = common.HexToHash("0x0a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20212223242526272829")
)

type fakeHandler struct {
	sendErr    error
	byHash     *models.UserOperationByHashResponse
	byHashErr  error
	gotOp      *models.UserOperation
	gotEP      string
	gotHash    string
	benefErr   error
	chainIDErr error
}

func (f *fakeHandler) SupportedEntryPoints() []string { return []string{testEntryPoint} }

func (f *fakeHandler) ChainID(ctx context.Context) (*hexutil.Big, error) {
	if f.chainIDErr != nil {
		return nil, f.chainIDErr
	}
	return (*hexutil.Big)(big.NewInt(42161)), nil
}

func (f *fakeHandler) ClientVersion() string { return "aa-bundler/0.6.0" }

func (f *fakeHandler) EstimateUserOperationGas(ctx context.Context, op *models.UserOperation, entryPoint string) (*models.GasEstimate, error) {
	f.gotOp, f.gotEP = op, entryPoint
	return &models.GasEstimate{PreVerificationGas: (*hexutil.Big)(big.NewInt(42808))}, nil
}

func (f *fakeHandler) SendUserOperation(ctx context.Context, op *models.UserOperation, entryPoint string) (common.Hash, error) {
	f.gotOp, f.gotEP = op, entryPoint
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	return testUserOpHash, nil
}

func (f *fakeHandler) GetUserOperationByHash(ctx context.Context, hash string) (*models.UserOperationByHashResponse, error) {
	f.gotHash = hash
	return f.byHash, f.byHashErr
}

func (f *fakeHandler) GetUserOperationReceipt(ctx context.Context, hash string) (*models.UserOperationReceipt, error) {
	f.gotHash = hash
	return nil, nil
}

func (f *fakeHandler) SelectBeneficiary(ctx context.Context) (common.Address, error) {
	return testBeneficiary, f.benefErr
}

type fakeNodes struct{ healthy bool }

func (f fakeNodes) Status() connection.NodeStatus {
	return connection.NodeStatus{Name: "primary", Healthy: f.healthy}
}

type fakeLister struct{ ops []mempool.SubmittedOperation }

func (f fakeLister) Recent(limit int) ([]mempool.SubmittedOperation, error) {
	if limit < len(f.ops) {
		return f.ops[:limit], nil
	}
	return f.ops, nil
}

type fakeStore struct {
	values map[string]string
}

func (f *fakeStore) ListConfigs() (map[string]string, error) { return f.values, nil }

func (f *fakeStore) GetConfig(key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeStore) UpdateConfig(key, value string) error {
	f.values[key] = value
	return nil
}

func (f *fakeStore) DisableConfig(key string) error {
	delete(f.values, key)
	return nil
}

type testServer struct {
	*Server
	handler  *fakeHandler
	registry *prometheus.Registry
	logger   *logrus.Logger
}

func newTestServer(t *testing.T, configure func(*Options)) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	handler := &fakeHandler{}
	registry := prometheus.NewRegistry()
	opts := Options{
		Handler:  handler,
		Nodes:    fakeNodes{healthy: true},
		Metrics:  metrics.NewBundlerMetrics(registry),
		Gatherer: registry,
		Logger:   logger,
	}
	if configure != nil {
		configure(&opts)
	}
	return &testServer{Server: NewServer(opts), handler: handler, registry: registry, logger: logger}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

type decodedResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func (ts *testServer) call(t *testing.T, body string) decodedResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp decodedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestJSONRPC_ChainID(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.call(t, `{"jsonrpc":"2.0","id":7,"method":"eth_chainId","params":[]}`)

	assert.Nil(t, resp.Error)
	assert.Equal(t, "7", string(resp.ID))
	assert.Equal(t, `"0xa4b1"`, string(resp.Result))
}

func TestJSONRPC_SimpleMethods(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_supportedEntryPoints"}`)
	assert.JSONEq(t, `["`+testEntryPoint+`"]`, string(resp.Result))

	resp = ts.call(t, `{"jsonrpc":"2.0","id":2,"method":"web3_clientVersion","params":[]}`)
	assert.Equal(t, `"aa-bundler/0.6.0"`, string(resp.Result))
}

func TestJSONRPC_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"请求体不是JSON", `{"jsonrpc":`, errors.CodeParseError},
		{"未知方法", `{"jsonrpc":"2.0","id":1,"method":"eth_sendRawTransaction","params":[]}`, errors.CodeMethodNotFound},
		{"缺少方法", `{"jsonrpc":"2.0","id":1}`, codeInvalidRequest},
		{"参数不是数组", `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":{"sender":"0x01"}}`, errors.CodeInvalidParams},
		{"参数数量不足", `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":[{}]}`, errors.CodeInvalidParams},
		{"哈希参数缺失", `{"jsonrpc":"2.0","id":1,"method":"eth_getUserOperationByHash","params":[]}`, errors.CodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			resp := ts.call(t, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestJSONRPC_ParseErrorHasNullID(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.call(t, `not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "null", string(resp.ID))
}

func TestJSONRPC_SendUserOperation(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":[{"sender":"0x000000000000000000000000000000000000abcd","nonce":"0x01"},"`+testEntryPoint+`"]}`)

	require.Nil(t, resp.Error)
	assert.Equal(t, `"`+testUserOpHash.Hex()+`"`, string(resp.Result))
	assert.Equal(t, testEntryPoint, ts.handler.gotEP)
	require.NotNil(t, ts.handler.gotOp.Sender)
	assert.Equal(t, "0x000000000000000000000000000000000000abcd", ts.handler.gotOp.Sender.String())
	assert.Nil(t, ts.handler.gotOp.Signature)

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), `bundler_user_operations_submitted_total{entry_point="`+testEntryPoint+`"} 1`)
	assert.Contains(t, rec.Body.String(), `bundler_rpc_requests_total{code="0",method="eth_sendUserOperation"} 1`)
}

func TestJSONRPC_BundlerErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	op := map[string]string{"sender": "0x01"}
	ts.handler.sendErr = errors.NewInvalidRequest("Missing userOp field: maxFeePerGas").WithData(op)

	resp := ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":[{},"`+testEntryPoint+`"]}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeInvalidParams, resp.Error.Code)
	assert.Equal(t, "Missing userOp field: maxFeePerGas", resp.Error.Message)
	assert.JSONEq(t, `{"sender":"0x01"}`, string(resp.Error.Data))

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), `bundler_user_operations_rejected_total{entry_point="`+testEntryPoint+`"} 1`)
}

func TestJSONRPC_SubmissionMetricsBoundedByEntryPoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.handler.sendErr = errors.NewInvalidRequest("entryPoint not supported")

	for i := 0; i < 50; i++ {
		resp := ts.call(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"eth_sendUserOperation","params":[{},"bogus-%d"]}`, i, i))
		require.NotNil(t, resp.Error)
	}
	ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":[{},"`+strings.ToLower(testEntryPoint)+`"]}`)

	ts.handler.sendErr = nil
	ts.call(t, `{"jsonrpc":"2.0","id":2,"method":"eth_sendUserOperation","params":[{},"`+strings.ToLower(testEntryPoint)+`"]}`)
	ts.call(t, `{"jsonrpc":"2.0","id":3,"method":"eth_sendUserOperation","params":[{},"`+testEntryPoint+`"]}`)

	rejected, err := testutil.GatherAndCount(ts.registry, "bundler_user_operations_rejected_total")
	require.NoError(t, err)
	assert.Equal(t, 2, rejected)
	submitted, err := testutil.GatherAndCount(ts.registry, "bundler_user_operations_submitted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	body := ts.do(t, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, body, `bundler_user_operations_rejected_total{entry_point="unsupported"} 50`)
	assert.Contains(t, body, `bundler_user_operations_rejected_total{entry_point="`+testEntryPoint+`"} 1`)
	assert.Contains(t, body, `bundler_user_operations_submitted_total{entry_point="`+testEntryPoint+`"} 2`)
}

func TestJSONRPC_UnclassifiedError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.handler.chainIDErr = stderrors.New("dial tcp: connection refused")

	resp := ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeUnclassified, resp.Error.Code)
	assert.Equal(t, "dial tcp: connection refused", resp.Error.Message)
}

func TestJSONRPC_NullResult(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_getUserOperationByHash","params":["`+testUserOpHash.Hex()+`"]}`)

	assert.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))
	assert.Equal(t, testUserOpHash.Hex(), ts.handler.gotHash)
}

func TestJSONRPC_NumericHashReachesValidator(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"eth_getUserOperationReceipt","params":[1234]}`)
	assert.Equal(t, "1234", ts.handler.gotHash)
}

func TestJSONRPC_Batch(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/", `[
		{"jsonrpc":"2.0","id":1,"method":"eth_chainId"},
		{"jsonrpc":"2.0","id":2,"method":"nope"}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resps []decodedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resps))
	require.Len(t, resps, 2)
	assert.Equal(t, `"0xa4b1"`, string(resps[0].Result))
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, errors.CodeMethodNotFound, resps[1].Error.Code)
}

func TestJSONRPC_EmptyBatch(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.call(t, `[]`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestJSONRPC_ErrorsAreCounted(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.call(t, `{"jsonrpc":"2.0","id":1,"method":"nope"}`)

	rec := ts.do(t, http.MethodGet, "/api/v1/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total  int            `json:"total"`
		ByType map[string]int `json:"by_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 1, body.ByType["MethodNotFound"])
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "").Code)

	ts = newTestServer(t, func(o *Options) { o.Nodes = fakeNodes{healthy: false} })
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
}

func TestBeneficiaryRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/v1/beneficiary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"beneficiary":"`+strings.ToLower(testBeneficiary.Hex())+`"}`, rec.Body.String())

	ts.handler.benefErr = stderrors.New("node down")
	assert.Equal(t, http.StatusBadGateway, ts.do(t, http.MethodGet, "/api/v1/beneficiary", "").Code)
}

func TestMempoolRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/mempool", "").Code)

	ops := []mempool.SubmittedOperation{
		{ID: "b", EntryPoint: common.HexToAddress(testEntryPoint), ReceivedAt: time.Unix(2, 0)},
		{ID: "a", EntryPoint: common.HexToAddress(testEntryPoint), ReceivedAt: time.Unix(1, 0)},
	}
	ts = newTestServer(t, func(o *Options) { o.Mempool = fakeLister{ops: ops} })
	rec := ts.do(t, http.MethodGet, "/api/v1/mempool?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Operations []mempool.SubmittedOperation `json:"operations"`
		Total      int                          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "b", body.Operations[0].ID)
}

func TestConfigRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/config", "").Code)

	store := &fakeStore{values: map[string]string{"bundler.unsafe": "true"}}
	ts = newTestServer(t, func(o *Options) { o.Overrides = store })

	rec := ts.do(t, http.MethodGet, "/api/v1/config?key=bundler.unsafe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"bundler.unsafe","value":"true"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/config?key=gas.l1_gas_oracle", "").Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/config", `{"key":"nodes","value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/config", `{"key":"gas.l1_gas_multiplier"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/config", `{"key":"gas.l1_gas_multiplier","value":"1.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.5", store.values["gas.l1_gas_multiplier"])

	rec = ts.do(t, http.MethodDelete, "/api/v1/config/bundler.unsafe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, store.values, "bundler.unsafe")
}

func TestLogsRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.logger.WithField("request_id", "r1").Info("first")
	ts.logger.WithField("request_id", "r2").Warn("second")

	rec := ts.do(t, http.MethodGet, "/api/v1/logs?level=warning", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Logs  []LogEntry `json:"logs"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "second", body.Logs[0].Message)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/v1/logs", "").Code)
	assert.Equal(t, 0, ts.LogManager().Len())
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodOptions, "/", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
