package risk

// VolatilityAdjustedSize computes a position size in units from an ATR-based
// risk budget: it risks riskPerTradePct of portfolio value against one ATR of
// adverse movement. It is a sizing helper, not a gate; callers still validate
// the resulting order.
func VolatilityAdjustedSize(portfolioValue, price, atr, riskPerTradePct float64) float64 {
	if portfolioValue <= 0 || price <= 0 || atr <= 0 || riskPerTradePct <= 0 {
		return 0
	}
	riskBudget := portfolioValue * riskPerTradePct
	size := riskBudget / atr
	// Never size beyond what the portfolio could notionally carry outright.
	if max := portfolioValue / price; size > max {
		return max
	}
	return size
}
