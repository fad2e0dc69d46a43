package entrypoint

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultAddress EntryPoint v0.6 的标准部署地址
const DefaultAddress = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

// entryPointABI EntryPoint v0.6 中本服务用到的部分
const entryPointABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"}
		],
		"name": "FailedOp",
		"type": "error"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
					{"internalType": "uint256", "name": "prefund", "type": "uint256"},
					{"internalType": "bool", "name": "sigFailed", "type": "bool"},
					{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
					{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
					{"internalType": "bytes", "name": "paymasterContext", "type": "bytes"}
				],
				"internalType": "struct IEntryPoint.ReturnInfo",
				"name": "returnInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "senderInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "factoryInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "paymasterInfo",
				"type": "tuple"
			}
		],
		"name": "ValidationResult",
		"type": "error"
	},
	{
		"anonymous": false,
		"inputs": [],
		"name": "BeforeExecution",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "paymaster", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
			{"indexed": false, "internalType": "bool", "name": "success", "type": "bool"},
			{"indexed": false, "internalType": "uint256", "name": "actualGasCost", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "actualGasUsed", "type": "uint256"}
		],
		"name": "UserOperationEvent",
		"type": "event"
	},
	{
		"inputs": [
			{"components": ` + userOperationComponents + `, "internalType": "struct UserOperation", "name": "userOp", "type": "tuple"}
		],
		"name": "getUserOpHash",
		"outputs": [{"internalType": "bytes32", "name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"components": ` + userOperationComponents + `, "internalType": "struct UserOperation[]", "name": "ops", "type": "tuple[]"},
			{"internalType": "address payable", "name": "beneficiary", "type": "address"}
		],
		"name": "handleOps",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"components": ` + userOperationComponents + `, "internalType": "struct UserOperation", "name": "userOp", "type": "tuple"}
		],
		"name": "simulateValidation",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const userOperationComponents = `[
	{"internalType": "address", "name": "sender", "type": "address"},
	{"internalType": "uint256", "name": "nonce", "type": "uint256"},
	{"internalType": "bytes", "name": "initCode", "type": "bytes"},
	{"internalType": "bytes", "name": "callData", "type": "bytes"},
	{"internalType": "uint256", "name": "callGasLimit", "type": "uint256"},
	{"internalType": "uint256", "name": "verificationGasLimit", "type": "uint256"},
	{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
	{"internalType": "uint256", "name": "maxFeePerGas", "type": "uint256"},
	{"internalType": "uint256", "name": "maxPriorityFeePerGas", "type": "uint256"},
	{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
	{"internalType": "bytes", "name": "signature", "type": "bytes"}
]`

var (
	parsedABI abi.ABI

	// BeforeExecutionTopic BeforeExecution 事件 topic，批次内各操作执行前的分隔标记
	BeforeExecutionTopic common.Hash

	// UserOperationEventTopic UserOperationEvent 事件 topic
	UserOperationEventTopic common.Hash
)

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		panic(fmt.Sprintf("解析EntryPoint ABI失败: %v", err))
	}
	BeforeExecutionTopic = parsedABI.Events["BeforeExecution"].ID
	UserOperationEventTopic = parsedABI.Events["UserOperationEvent"].ID
}

// ABI 返回解析后的 EntryPoint ABI（只读）
func ABI() abi.ABI {
	return parsedABI
}
