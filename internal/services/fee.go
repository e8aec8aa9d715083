package services

import "github.com/shopspring/decimal"

// DefaultFeeRate is the platform commission applied to every payout.
var DefaultFeeRate = decimal.RequireFromString("0.10")

// SplitFee divides amount into the platform fee and the creator payout. The fee
// is amount*rate rounded half away from zero; fee+payout always equals amount.
func SplitFee(amount int64, rate decimal.Decimal) (fee, payout int64) {
	fee = decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
	if fee < 0 {
		fee = 0
	}
	if fee > amount {
		fee = amount
	}
	return fee, amount - fee
}
