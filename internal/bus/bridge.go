package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/quantfold/tradecore/internal/domain"
)

// FinalBarsChannel is the signal-bus channel carrying finalized bars for
// out-of-process consumers.
const FinalBarsChannel = "bars.final"

// barEvent is the JSON shape published on the signal bus.
type barEvent struct {
	Symbol     string  `json:"symbol"`
	StartTS    int64   `json:"start_ts"`
	EndTS      int64   `json:"end_ts"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	Source     string  `json:"source"`
	AssetClass string  `json:"asset_class"`
}

// Bridge forwards finalized bars from the in-process bus to the signal bus
// so dashboards and other processes can consume them live.
type Bridge struct {
	signals domain.SignalBus
	logger  *slog.Logger
}

// NewBridge creates a Bridge publishing on FinalBarsChannel.
func NewBridge(signals domain.SignalBus, logger *slog.Logger) *Bridge {
	return &Bridge{
		signals: signals,
		logger:  logger.With(slog.String("component", "bar_bridge")),
	}
}

// Attach subscribes the bridge to the given bus.
func (br *Bridge) Attach(b *BarBus) {
	b.Subscribe(br.publish)
}

func (br *Bridge) publish(bar domain.Bar) {
	payload, err := json.Marshal(barEvent{
		Symbol:     bar.Symbol,
		StartTS:    bar.StartTS.Unix(),
		EndTS:      bar.EndTS.Unix(),
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		Volume:     bar.Volume,
		Source:     bar.Source,
		AssetClass: bar.AssetClass,
	})
	if err != nil {
		return
	}
	if err := br.signals.Publish(context.Background(), FinalBarsChannel, payload); err != nil {
		br.logger.Warn("publish finalized bar failed",
			slog.String("symbol", bar.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
