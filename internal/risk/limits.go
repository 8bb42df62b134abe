// Package risk implements the layered pre-trade limit policy: a pure order
// validator, the daily-loss circuit breaker, and position sizing helpers.
package risk

import (
	"fmt"
	"math"
	"sync/atomic"
)

// GlobalLimits are the system-wide limits applied to every order.
type GlobalLimits struct {
	// MaxDailyLoss is expressed in account currency, as a positive number.
	MaxDailyLoss float64
	// MaxSpreadPct is the maximum tolerated (ask-bid)/mid.
	MaxSpreadPct float64
	MaxLeverage  float64
	// MaxSymbolExposurePct caps post-trade |market value| of one symbol as a
	// fraction of portfolio value.
	MaxSymbolExposurePct float64
}

// ClassLimits are asset-class specific exposure caps. A zero value means the
// cap is not applied for that class.
type ClassLimits struct {
	MaxTotalExposurePct  float64
	MaxSymbolExposurePct float64
}

// Limits is the full layered limit policy. It is read-mostly: loaded once,
// shared without locking, and replaced wholesale on explicit reload.
type Limits struct {
	Global   GlobalLimits
	PerClass map[string]ClassLimits
	// ExecutionAuthority maps broker name to the asset classes it may trade.
	ExecutionAuthority map[string][]string
}

// AuthorizedBroker returns the first broker authorized to trade the given
// asset class.
func (l *Limits) AuthorizedBroker(assetClass string) (string, bool) {
	for broker, classes := range l.ExecutionAuthority {
		for _, c := range classes {
			if c == assetClass {
				return broker, true
			}
		}
	}
	return "", false
}

// Validate checks the limit policy for internally inconsistent values.
func (l *Limits) Validate() error {
	if l.Global.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk: max_daily_loss must be positive, got %v", l.Global.MaxDailyLoss)
	}
	if l.Global.MaxSpreadPct <= 0 {
		return fmt.Errorf("risk: max_spread_pct must be positive, got %v", l.Global.MaxSpreadPct)
	}
	if l.Global.MaxLeverage <= 0 {
		return fmt.Errorf("risk: max_leverage must be positive, got %v", l.Global.MaxLeverage)
	}
	if l.Global.MaxSymbolExposurePct <= 0 || l.Global.MaxSymbolExposurePct > 1 {
		return fmt.Errorf("risk: max_symbol_exposure_pct must be in (0,1], got %v", l.Global.MaxSymbolExposurePct)
	}
	if len(l.ExecutionAuthority) == 0 {
		return fmt.Errorf("risk: execution_authority map is empty")
	}
	return nil
}

// Holder shares a Limits value across goroutines. Reads are lock-free;
// Reload is a single pointer swap.
type Holder struct {
	v atomic.Pointer[Limits]
}

// NewHolder creates a Holder seeded with the given limits.
func NewHolder(l *Limits) *Holder {
	h := &Holder{}
	h.v.Store(l)
	return h
}

// Current returns the limits in effect.
func (h *Holder) Current() *Limits {
	return h.v.Load()
}

// Reload swaps in a new limit set after validating it.
func (h *Holder) Reload(l *Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	h.v.Store(l)
	return nil
}

// DynamicLossLimit computes the regime-adjusted daily-loss limit used by the
// performance heartbeat: equity * realizedVol * zScore * regimeMultiplier,
// floored at the static configured limit.
func DynamicLossLimit(equity, realizedVol, zScore, regimeMultiplier, staticLimit float64) float64 {
	dyn := equity * realizedVol * zScore * regimeMultiplier
	return math.Max(dyn, staticLimit)
}
