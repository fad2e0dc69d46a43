package decoder

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultRevertReason 无法提取原因时使用
const DefaultRevertReason = "execution reverted"

var (
	// reasonRegex 匹配 provider 错误信息中的 reason="..."
	reasonRegex = regexp.MustCompile(`reason="(.*?)"`)

	revertPrefix = "execution reverted: "
)

// RevertData 从节点返回的错误中提取回滚数据
func RevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}

	switch data := dataErr.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(data)
		if decErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return data, true
	default:
		return nil, false
	}
}

// IsRevert 判断节点错误是否为合约回滚
//
// 上下文取消、超时与传输错误不算回滚。
func IsRevert(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := RevertData(err); ok {
		return true
	}

	msg := err.Error()
	return strings.Contains(strings.ToLower(msg), "revert") || reasonRegex.MatchString(msg)
}

// RevertReason 提取可读的回滚原因
//
// 依次尝试 reason="..."、ABI 编码的 Error(string) 数据、"execution reverted: X" 消息，
// 都没有时返回 "execution reverted"。
func RevertReason(err error) string {
	if err == nil {
		return DefaultRevertReason
	}

	msg := err.Error()
	if m := reasonRegex.FindStringSubmatch(msg); len(m) == 2 && m[1] != "" {
		return m[1]
	}

	if data, ok := RevertData(err); ok {
		if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil && reason != "" {
			return reason
		}
	}

	if idx := strings.Index(msg, revertPrefix); idx >= 0 {
		if reason := strings.TrimSpace(msg[idx+len(revertPrefix):]); reason != "" {
			return reason
		}
	}

	return DefaultRevertReason
}

// Selector 返回数据前4字节的十六进制签名
func Selector(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	return hexutil.Encode(data[:4])
}
