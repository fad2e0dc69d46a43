package handler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// SelectBeneficiary 选择打包收益地址
//
// 签名账户余额不高于 minBalance 时返回签名账户，使其保持可用；否则返回配置的收益地址。
func SelectBeneficiary(signer common.Address, signerBalance *big.Int, configured common.Address, minBalance *big.Int) common.Address {
	if signerBalance == nil || minBalance == nil {
		return configured
	}
	if signerBalance.Cmp(minBalance) <= 0 {
		return signer
	}
	return configured
}

// SelectBeneficiary 查询签名账户余额并选择收益地址
func (h *UserOpMethodHandler) SelectBeneficiary(ctx context.Context) (common.Address, error) {
	balance, err := h.node.BalanceAt(ctx, h.config.SignerAddress, nil)
	if err != nil {
		return common.Address{}, err
	}

	beneficiary := SelectBeneficiary(h.config.SignerAddress, balance, h.config.Beneficiary, h.config.MinBalance)
	if beneficiary != h.config.Beneficiary {
		h.logger.WithFields(logrus.Fields{
			"balance":     balance.String(),
			"min_balance": h.config.MinBalance.String(),
			"beneficiary": beneficiary.Hex(),
			"configured":  h.config.Beneficiary.Hex(),
		}).Warn("签名账户余额过低，收益地址改为签名账户")
	}
	return beneficiary, nil
}
