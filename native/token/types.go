package token

import (
	"math/big"

	"gridsettle/core/types"
)

// Symbol is the ticker of the native settlement token.
const Symbol = "WATT"

// FeeConfig captures the fee policy enforced by the ledger and the trading
// engine. Rates are basis points (1/100 of 1%).
type FeeConfig struct {
	TransferFeeBp uint32        `json:"transferFeeBp"`
	TradingFeeBp  uint32        `json:"tradingFeeBp"`
	FeeCollector  types.Address `json:"feeCollector"`
	MaxFeeBp      uint32        `json:"maxFeeBp"`
}

// ApplyBps computes floor(amount * bps / 10000). A nil or non-positive amount
// yields zero.
func ApplyBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Div(fee, big.NewInt(10_000))
}
