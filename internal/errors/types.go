package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 请求参数相关错误
	ErrorTypeInvalidRequest ErrorType = iota
	ErrorTypeInvalidIdentifier

	// EntryPoint 合约相关错误
	ErrorTypeSimulationFailed
	ErrorTypeCallReverted

	// 传输层错误
	ErrorTypeParse
	ErrorTypeMethodNotFound

	// 系统相关错误
	ErrorTypeInternal
	ErrorTypeConfig
	ErrorTypeGateway
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// JSON-RPC 错误码
const (
	CodeParseError            = -32700
	CodeInvalidParams         = -32602
	CodeMethodNotFound        = -32601
	CodeInternalError         = -32603
	CodeSimulateValidation    = -32500
	CodeUserOperationReverted = -32521
	CodeUnclassified          = -32000
)

// BundlerError 自定义错误类型
type BundlerError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	RPCCode   int                    `json:"rpc_code"`
	Message   string                 `json:"message"`
	Data      interface{}            `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Component string                 `json:"component"`
}

// Error 实现error接口
func (e *BundlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *BundlerError) Unwrap() error {
	return e.Cause
}

// WithContext 添加上下文信息
func (e *BundlerError) WithContext(key string, value interface{}) *BundlerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithData 附加返回给调用方的数据
func (e *BundlerError) WithData(data interface{}) *BundlerError {
	e.Data = data
	return e
}

// WithComponent 标记出错组件
func (e *BundlerError) WithComponent(component string) *BundlerError {
	e.Component = component
	return e
}

// NewBundlerError 创建新的错误
func NewBundlerError(errorType ErrorType, severity ErrorSeverity, code, message string) *BundlerError {
	return &BundlerError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		RPCCode:   rpcCodeFor(errorType),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *BundlerError {
	e := NewBundlerError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// rpcCodeFor 根据错误类型确定 JSON-RPC 错误码
func rpcCodeFor(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeInvalidRequest:
		return CodeInvalidParams
	case ErrorTypeInvalidIdentifier, ErrorTypeMethodNotFound:
		return CodeMethodNotFound
	case ErrorTypeSimulationFailed:
		return CodeSimulateValidation
	case ErrorTypeCallReverted:
		return CodeUserOperationReverted
	case ErrorTypeParse:
		return CodeParseError
	default:
		return CodeInternalError
	}
}

// NewInvalidRequest 参数校验失败 (-32602)
func NewInvalidRequest(message string) *BundlerError {
	return NewBundlerError(ErrorTypeInvalidRequest, SeverityLow, "INVALID_REQUEST", message)
}

// NewInvalidIdentifier 非法的哈希标识 (-32601)
func NewInvalidIdentifier(message string) *BundlerError {
	return NewBundlerError(ErrorTypeInvalidIdentifier, SeverityLow, "INVALID_IDENTIFIER", message)
}

// NewSimulationFailed 模拟验证被合约拒绝 (-32500)
func NewSimulationFailed(reason string) *BundlerError {
	return NewBundlerError(ErrorTypeSimulationFailed, SeverityLow, "SIMULATION_FAILED", reason)
}

// NewCallReverted callData 执行回滚 (-32521)
func NewCallReverted(reason string) *BundlerError {
	return NewBundlerError(ErrorTypeCallReverted, SeverityLow, "CALL_REVERTED", reason)
}

// NewInternal 内部一致性错误
func NewInternal(message string) *BundlerError {
	return NewBundlerError(ErrorTypeInternal, SeverityHigh, "INTERNAL_ERROR", message)
}

// NewMethodNotFound 未知的RPC方法
func NewMethodNotFound(method string) *BundlerError {
	return NewBundlerError(ErrorTypeMethodNotFound, SeverityLow, "METHOD_NOT_FOUND",
		fmt.Sprintf("Method %s is not supported", method))
}

// NewParseError 请求体无法解析
func NewParseError(err error) *BundlerError {
	return WrapError(err, ErrorTypeParse, SeverityLow, "PARSE_ERROR", "Parse error")
}

// As 从错误链中提取 BundlerError
func As(err error) (*BundlerError, bool) {
	var be *BundlerError
	if stderrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeInvalidRequest:    "InvalidRequest",
	ErrorTypeInvalidIdentifier: "InvalidIdentifier",
	ErrorTypeSimulationFailed:  "SimulationFailed",
	ErrorTypeCallReverted:      "CallReverted",
	ErrorTypeParse:             "Parse",
	ErrorTypeMethodNotFound:    "MethodNotFound",
	ErrorTypeInternal:          "Internal",
	ErrorTypeConfig:            "Config",
	ErrorTypeGateway:           "Gateway",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors      int                   `json:"total_errors"`
	ErrorsByType     map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity map[ErrorSeverity]int `json:"errors_by_severity"`
	RecentErrors     []*BundlerError       `json:"recent_errors"`
	LastError        *BundlerError         `json:"last_error"`
	LastErrorTime    time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:     make(map[ErrorType]int),
		ErrorsBySeverity: make(map[ErrorSeverity]int),
		RecentErrors:     make([]*BundlerError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *BundlerError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
