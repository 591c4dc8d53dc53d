package backtester

import "github.com/daoleno/uniswapv3-sdk/constants"

// FeeTierPercent converts an on-chain fee amount (hundredths of a bip, e.g.
// 3000 for the 0.3% tier) into the percentage NewPool expects.
func FeeTierPercent(fee constants.FeeAmount) float64 {
	return float64(fee) / 1e4
}
