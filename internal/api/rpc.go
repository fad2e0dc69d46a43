package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"bundler/internal/errors"
	"bundler/internal/logging"
	"bundler/internal/metrics"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
)

// codeInvalidRequest 请求对象缺少 method
const codeInvalidRequest = -32600

// RPCHandler RPC方法的实现
type RPCHandler interface {
	SupportedEntryPoints() []string
	ChainID(ctx context.Context) (*hexutil.Big, error)
	ClientVersion() string
	EstimateUserOperationGas(ctx context.Context, op *models.UserOperation, entryPoint string) (*models.GasEstimate, error)
	SendUserOperation(ctx context.Context, op *models.UserOperation, entryPoint string) (common.Hash, error)
	GetUserOperationByHash(ctx context.Context, hash string) (*models.UserOperationByHashResponse, error)
	GetUserOperationReceipt(ctx context.Context, hash string) (*models.UserOperationReceipt, error)
	SelectBeneficiary(ctx context.Context) (common.Address, error)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type methodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// methods 方法名到实现的映射
func (s *Server) methods() map[string]methodFunc {
	h := s.handler
	return map[string]methodFunc{
		"eth_chainId": func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return h.ChainID(ctx)
		},
		"eth_supportedEntryPoints": func(context.Context, json.RawMessage) (interface{}, error) {
			return h.SupportedEntryPoints(), nil
		},
		"web3_clientVersion": func(context.Context, json.RawMessage) (interface{}, error) {
			return h.ClientVersion(), nil
		},
		"eth_estimateUserOperationGas": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var op models.UserOperation
			var entryPoint string
			if err := decodeParams(params, 2, &op, &entryPoint); err != nil {
				return nil, err
			}
			return h.EstimateUserOperationGas(ctx, &op, entryPoint)
		},
		"eth_sendUserOperation": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var op models.UserOperation
			var entryPoint string
			if err := decodeParams(params, 2, &op, &entryPoint); err != nil {
				return nil, err
			}
			label := s.entryPointLabel(entryPoint)
			hash, err := h.SendUserOperation(ctx, &op, entryPoint)
			if err != nil {
				s.metrics.IncSubmitFailed(label)
				return nil, err
			}
			s.metrics.IncSubmitted(label)
			return hash, nil
		},
		"eth_getUserOperationByHash": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var hash models.HexValue
			if err := decodeParams(params, 1, &hash); err != nil {
				return nil, err
			}
			return h.GetUserOperationByHash(ctx, hash.String())
		},
		"eth_getUserOperationReceipt": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var hash models.HexValue
			if err := decodeParams(params, 1, &hash); err != nil {
				return nil, err
			}
			return h.GetUserOperationReceipt(ctx, hash.String())
		},
	}
}

// entryPointLabel 指标标签只取受支持的入口点地址，其余归入 metrics.UnsupportedEntryPoint
func (s *Server) entryPointLabel(entryPoint string) string {
	supported, ok := lo.Find(s.handler.SupportedEntryPoints(), func(ep string) bool {
		return strings.EqualFold(ep, entryPoint)
	})
	if !ok {
		return metrics.UnsupportedEntryPoint
	}
	return supported
}

// decodeParams 按位置解码参数数组
func decodeParams(params json.RawMessage, required int, targets ...interface{}) error {
	var items []json.RawMessage
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) {
		if err := json.Unmarshal(params, &items); err != nil {
			return errors.NewInvalidRequest("invalid params: expected array")
		}
	}
	if len(items) < required {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid params: expected %d arguments, got %d", required, len(items)))
	}

	for i, target := range targets {
		if i >= len(items) {
			break
		}
		if err := json.Unmarshal(items[i], target); err != nil {
			return errors.NewInvalidRequest("invalid params: " + err.Error())
		}
	}
	return nil
}

// handleJSONRPC POST / 单个请求或批量请求
func (s *Server) handleJSONRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(200, s.failure(c.Request.Context(), nil, errors.NewParseError(err)))
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		c.JSON(200, s.dispatch(c.Request.Context(), body))
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		c.JSON(200, s.failure(c.Request.Context(), nil, errors.NewParseError(err)))
		return
	}
	if len(batch) == 0 {
		c.JSON(200, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeInvalidRequest, Message: "empty batch"},
		})
		return
	}

	c.JSON(200, lo.Map(batch, func(raw json.RawMessage, _ int) rpcResponse {
		return s.dispatch(c.Request.Context(), raw)
	}))
}

// dispatch 解析并执行单个请求
func (s *Server) dispatch(ctx context.Context, raw []byte) rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.failure(ctx, nil, errors.NewParseError(err))
	}
	if req.Method == "" {
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeInvalidRequest, Message: "missing method"},
		}
	}

	start := time.Now()
	entry := logging.NewRequestLogger(s.logger, req.Method, ulid.Make().String())
	entry.Debug("收到RPC请求")

	method, ok := s.rpcMethods[req.Method]
	label := req.Method
	if !ok {
		label = "unknown"
	}

	var (
		result interface{}
		err    error
	)
	if ok {
		result, err = method(ctx, req.Params)
	} else {
		err = errors.NewMethodNotFound(req.Method)
	}

	var resp rpcResponse
	if err != nil {
		resp = s.failure(ctx, req.ID, err)
		entry.WithField("code", resp.Error.Code).WithError(err).Info("RPC请求失败")
	} else if data, mErr := json.Marshal(result); mErr != nil {
		resp = s.failure(ctx, req.ID, errors.NewInternal("failed to encode result").WithComponent("api"))
		entry.WithError(mErr).Error("RPC结果编码失败")
	} else {
		resp = rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
	}

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	s.metrics.ObserveRequest(label, code, time.Since(start))
	entry.WithField("duration", time.Since(start).String()).Debug("RPC请求完成")
	return resp
}

// failure 将错误转换为 JSON-RPC 错误响应
func (s *Server) failure(ctx context.Context, id json.RawMessage, err error) rpcResponse {
	s.errorHandler.HandleError(ctx, err)
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: toRPCError(err)}
}

// toRPCError 已分类错误使用其错误码，其余错误使用 -32000 并保留原始信息
func toRPCError(err error) *rpcError {
	if be, ok := errors.As(err); ok {
		return &rpcError{Code: be.RPCCode, Message: be.Message, Data: be.Data}
	}
	out := &rpcError{Code: errors.CodeUnclassified, Message: err.Error()}
	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}
