package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/quantfold/tradecore/internal/domain"
)

// CircuitBreakerTag marks a rejection that must escalate from "reject this
// order" to "halt the system". Callers detect it via Decision.Breaker or
// IsCircuitBreaker on the reason string.
const CircuitBreakerTag = "CIRCUIT BREAKER"

// Decision is the outcome of a pre-trade validation. Rejections are expected,
// non-exceptional outcomes: they are returned as values, never as errors.
type Decision struct {
	OK      bool
	Reason  string
	Breaker bool
}

// IsCircuitBreaker reports whether a rejection reason is a circuit-breaker
// trip.
func IsCircuitBreaker(reason string) bool {
	return strings.Contains(reason, CircuitBreakerTag)
}

// OrderContext bundles every input to one validation. All fields are
// snapshots taken by the caller; the engine keeps no state of its own beyond
// the loaded limits.
type OrderContext struct {
	Symbol     string
	AssetClass string
	Side       domain.OrderSide
	Quantity   float64 // absolute number of units
	Price      float64
	Quote      domain.Quote
	Portfolio  float64 // portfolio (net liquidation) value
	Positions  []domain.Position
	Account    domain.AccountInfo
	DailyPnL   float64
}

// Engine evaluates the layered limit policy. It is a pure function of its
// inputs plus the limits held by the Holder.
type Engine struct {
	limits   *Holder
	registry domain.AssetRegistry
}

// NewEngine creates an Engine with the given limits and asset registry.
func NewEngine(limits *Holder, registry domain.AssetRegistry) *Engine {
	return &Engine{limits: limits, registry: registry}
}

// ValidateOrder runs the limit checks in order, short-circuiting on the
// first failure. Cheapest and most systemic checks run first:
//
//  1. execution authority
//  2. daily-loss circuit breaker
//  3. liquidity (spread)
//  4. per-symbol exposure
//  5. per-asset-class exposure
//  6. leverage
func (e *Engine) ValidateOrder(octx OrderContext) Decision {
	l := e.limits.Current()

	// 1. Execution authority.
	if _, ok := l.AuthorizedBroker(octx.AssetClass); !ok {
		return reject("no broker authorized for asset class %q", octx.AssetClass)
	}

	// 2. Circuit breaker. A trip is a system-wide halt signal, not a
	// per-order rejection.
	lossLimit := math.Abs(l.Global.MaxDailyLoss)
	if octx.DailyPnL < -lossLimit {
		return Decision{
			OK:      false,
			Breaker: true,
			Reason: fmt.Sprintf("%s: daily PnL %.2f breaches loss limit %.2f",
				CircuitBreakerTag, octx.DailyPnL, lossLimit),
		}
	}

	// 3. Liquidity.
	if octx.Quote.Bid <= 0 || octx.Quote.Ask <= 0 {
		return reject("no liquidity for %s (bid %.4f ask %.4f)",
			octx.Symbol, octx.Quote.Bid, octx.Quote.Ask)
	}
	if spread := octx.Quote.SpreadPct(); spread > l.Global.MaxSpreadPct {
		return reject("spread %.4f exceeds max %.4f for %s",
			spread, l.Global.MaxSpreadPct, octx.Symbol)
	}

	if octx.Portfolio <= 0 {
		return reject("portfolio value %.2f is not positive", octx.Portfolio)
	}

	orderValue := octx.Quantity * octx.Price
	signedValue := orderValue
	if octx.Side == domain.OrderSideSell {
		signedValue = -orderValue
	}

	// 4. Per-symbol exposure: post-trade |market value| of this symbol.
	var existing float64
	for _, p := range octx.Positions {
		if p.Symbol == octx.Symbol {
			existing = p.MarketValue
			break
		}
	}
	postSymbol := math.Abs(existing + signedValue)

	symbolCap := l.Global.MaxSymbolExposurePct
	class, hasClass := l.PerClass[octx.AssetClass]
	if hasClass && class.MaxSymbolExposurePct > 0 && class.MaxSymbolExposurePct < symbolCap {
		symbolCap = class.MaxSymbolExposurePct
	}
	if ratio := postSymbol / octx.Portfolio; ratio > symbolCap {
		return reject("symbol exposure %.2f%% exceeds max %.2f%% for %s",
			ratio*100, symbolCap*100, octx.Symbol)
	}

	// 5. Per-asset-class exposure across all positions sharing the class.
	if hasClass && class.MaxTotalExposurePct > 0 {
		classTotal := postSymbol
		for _, p := range octx.Positions {
			if p.Symbol == octx.Symbol {
				continue
			}
			pc, ok := e.registry.AssetClass(p.Symbol)
			if !ok || pc != octx.AssetClass {
				continue
			}
			classTotal += math.Abs(p.MarketValue)
		}
		if ratio := classTotal / octx.Portfolio; ratio > class.MaxTotalExposurePct {
			return reject("asset class %q exposure %.2f%% exceeds max %.2f%%",
				octx.AssetClass, ratio*100, class.MaxTotalExposurePct*100)
		}
	}

	// 6. Leverage.
	gross := octx.Account.GrossPositionValue + orderValue
	if ratio := gross / octx.Portfolio; ratio > l.Global.MaxLeverage {
		return reject("leverage %.2f exceeds max %.2f", ratio, l.Global.MaxLeverage)
	}

	return Decision{OK: true, Reason: "all risk checks passed"}
}

func reject(format string, args ...any) Decision {
	return Decision{OK: false, Reason: fmt.Sprintf(format, args...)}
}
