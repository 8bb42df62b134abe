package domain

import "time"

// StrategyStage is the governance rollout stage of a strategy.
type StrategyStage string

const (
	StageShadow StrategyStage = "SHADOW"
	StagePaper  StrategyStage = "PAPER"
	StageCanary StrategyStage = "CANARY"
	StageFull   StrategyStage = "FULL"
)

// ActiveStrategy is the current governance-approved strategy configuration.
// It is owned by the governance subsystem; the core only reads it.
type ActiveStrategy struct {
	Hash      string
	Stage     StrategyStage
	TTLExpiry time.Time
	Config    map[string]any
}

// AuthorizesLive reports whether this strategy authorizes live order
// submission at the given time: stage must be CANARY or FULL and the TTL
// must not have expired.
func (s ActiveStrategy) AuthorizesLive(now time.Time) bool {
	if s.Stage != StageCanary && s.Stage != StageFull {
		return false
	}
	return now.Before(s.TTLExpiry)
}

// StrategyPnL is a per-strategy sub-portfolio P&L snapshot, recomputed by the
// performance heartbeat from realized fills.
type StrategyPnL struct {
	StrategyHash string
	RealizedPnL  float64
	TradeCount   int64
	SnapshotAt   time.Time
}
