package validation

import (
	"fmt"
	"regexp"
	"strings"

	"bundler/internal/errors"
	"bundler/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	// hexRegex 0x 加偶数个十六进制字符，"0x" 本身合法
	hexRegex = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)

	hashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// 字段校验顺序决定了报告哪个缺失字段
var (
	baseFields = []string{
		models.FieldSender,
		models.FieldNonce,
		models.FieldInitCode,
		models.FieldCallData,
		models.FieldPaymasterAndData,
	}
	signatureFields = []string{
		models.FieldSignature,
	}
	gasFields = []string{
		models.FieldPreVerificationGas,
		models.FieldVerificationGasLimit,
		models.FieldCallGasLimit,
		models.FieldMaxFeePerGas,
		models.FieldMaxPriorityFeePerGas,
	}
)

// Validator 用户操作参数验证器
type Validator struct {
	logger     *logrus.Logger
	entryPoint common.Address
}

// NewValidator 创建参数验证器
func NewValidator(logger *logrus.Logger, entryPoint common.Address) *Validator {
	return &Validator{
		logger:     logger,
		entryPoint: entryPoint,
	}
}

// EntryPoint 返回配置的 EntryPoint 地址
func (v *Validator) EntryPoint() common.Address {
	return v.entryPoint
}

// ValidateUserOp 校验 EntryPoint 与用户操作字段
//
// 只读校验，不修改 op。失败时返回 InvalidRequest (-32602)。
func (v *Validator) ValidateUserOp(op *models.UserOperation, entryPoint string, requireSignature, requireGasParams bool) error {
	if !strings.EqualFold(entryPoint, v.entryPoint.Hex()) {
		return errors.NewInvalidRequest(fmt.Sprintf(
			"The EntryPoint at \"%s\" is not supported. This bundler uses %s", entryPoint, v.entryPoint.Hex(),
		)).WithComponent("validation")
	}

	if op == nil {
		return errors.NewInvalidRequest("No UserOperation param").WithComponent("validation")
	}

	fields := make([]string, 0, len(baseFields)+len(signatureFields)+len(gasFields))
	fields = append(fields, baseFields...)
	if requireSignature {
		fields = append(fields, signatureFields...)
	}
	if requireGasParams {
		fields = append(fields, gasFields...)
	}

	for _, name := range fields {
		value := op.Field(name)
		if value == nil {
			v.logger.WithField("field", name).Debug("用户操作缺少字段")
			return errors.NewInvalidRequest("Missing userOp field: "+name).
				WithComponent("validation").
				WithContext("field", name).
				WithData(op)
		}
		if !IsHex(value.String()) {
			v.logger.WithFields(logrus.Fields{"field": name, "value": value.String()}).Debug("用户操作字段不是十六进制")
			return errors.NewInvalidRequest(fmt.Sprintf("Invalid hex value for property %s:%s in UserOp", name, value)).
				WithComponent("validation").
				WithContext("field", name).
				WithData(op)
		}
	}

	return nil
}

// ValidateHash 校验用户操作哈希，失败返回 -32601
func (v *Validator) ValidateHash(hash string) (common.Hash, error) {
	if !hashRegex.MatchString(hash) {
		return common.Hash{}, errors.NewInvalidIdentifier("Missing/invalid userOpHash").
			WithComponent("validation").
			WithContext("hash", hash)
	}
	return common.HexToHash(hash), nil
}

// IsHex 判断是否为 0x 前缀的偶数长度十六进制
func IsHex(s string) bool {
	return hexRegex.MatchString(s)
}
