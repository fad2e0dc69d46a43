package logfilter

import (
	"bundler/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FilterLogs 从交易的全部日志中截取属于目标用户操作的日志
//
// 批次中每个用户操作的日志位于上一个 UserOperationEvent（或 BeforeExecution 标记）
// 与该操作自身的 UserOperationEvent 之间，两者都不包含在结果中。
// 找到目标事件后扫描即停止，之后的标记不再影响窗口。
// target 为目标操作的 UserOperationEvent；logs 按出现顺序排列，不会被修改。
func FilterLogs(target types.Log, logs []types.Log, beforeExecutionTopic, userOperationEventTopic common.Hash) ([]types.Log, error) {
	if len(target.Topics) < 2 {
		return nil, errors.NewInternal("目标日志不是UserOperationEvent").WithComponent("logfilter")
	}
	targetHash := target.Topics[1]

	start, end := -1, -1
	found := false
	for i, log := range logs {
		if len(log.Topics) == 0 || found {
			continue
		}

		switch log.Topics[0] {
		case beforeExecutionTopic:
			start, end = i, i
		case userOperationEventTopic:
			if len(log.Topics) > 1 && log.Topics[1] == targetHash {
				end = i
				found = true
			} else {
				start = i
			}
		}
	}

	if !found {
		return nil, errors.NewInternal("no matching UserOperationEvent in logs").
			WithComponent("logfilter").
			WithContext("user_op_hash", targetHash.Hex())
	}

	if end-start-1 <= 0 {
		return []types.Log{}, nil
	}
	out := make([]types.Log, end-start-1)
	copy(out, logs[start+1:end])
	return out, nil
}
