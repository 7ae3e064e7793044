package grid

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"crypto-dca-engine/internal/indicator"
)

// ErrExposureLimitExceeded is returned when a plan would breach the maximum
// configured position size. No plan is emitted in that case.
var ErrExposureLimitExceeded = errors.New("planned grid exposure exceeds max position size")

// Direction is the side a grid accumulates on.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Config holds grid construction parameters.
type Config struct {
	// BaseSpacingPercent is the layer spacing before volatility scaling.
	BaseSpacingPercent float64 `json:"grid_base_spacing_pct"`
	MinSpacingPercent  float64 `json:"grid_min_spacing_pct"`
	MaxSpacingPercent  float64 `json:"grid_max_spacing_pct"`
	// VolatilityMultiplier scales spacing with the ATR percent of price.
	VolatilityMultiplier float64 `json:"grid_volatility_multiplier"`
	MaxLayers            int     `json:"grid_max_layers"`
	// BaseOrderSizeUSD is the notional of layer 0. Each deeper layer is
	// multiplied by SizeMultiplier, so quantities follow a non-decreasing
	// curve.
	BaseOrderSizeUSD   float64 `json:"grid_base_order_size_usd"`
	SizeMultiplier     float64 `json:"grid_size_multiplier"`
	MaxPositionSizeUSD float64 `json:"max_position_size_usd"`
}

// DefaultConfig returns conservative grid defaults.
func DefaultConfig() Config {
	return Config{
		BaseSpacingPercent:   1.0,
		MinSpacingPercent:    0.5,
		MaxSpacingPercent:    5.0,
		VolatilityMultiplier: 0.5,
		MaxLayers:            5,
		BaseOrderSizeUSD:     100,
		// 100*(1.3^5-1)/0.3 ~ 904 USD keeps the default 5-layer grid
		// inside the default exposure cap.
		SizeMultiplier:     1.3,
		MaxPositionSizeUSD: 1000,
	}
}

// Validate rejects grid parameters that cannot produce a usable plan.
func (c Config) Validate() error {
	if c.MaxLayers < 1 {
		return errors.New("grid needs at least one layer")
	}
	if c.BaseSpacingPercent <= 0 || c.MinSpacingPercent <= 0 {
		return errors.New("grid spacing must be positive")
	}
	if c.MinSpacingPercent > c.MaxSpacingPercent {
		return fmt.Errorf("grid min spacing %.2f above max %.2f", c.MinSpacingPercent, c.MaxSpacingPercent)
	}
	if c.SizeMultiplier < 1.0 {
		return fmt.Errorf("grid size multiplier must be >= 1.0, got %.2f", c.SizeMultiplier)
	}
	if c.BaseOrderSizeUSD <= 0 || c.BaseOrderSizeUSD > c.MaxPositionSizeUSD {
		return fmt.Errorf("base order size %.2f outside (0, %.2f]", c.BaseOrderSizeUSD, c.MaxPositionSizeUSD)
	}
	return nil
}

// Layer is one planned grid entry.
type Layer struct {
	Index       int     `json:"index"` // 0 = base order
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	NotionalUSD float64 `json:"notional_usd"`
}

// Plan is a full grid proposal for one pair.
type Plan struct {
	Pair           string                    `json:"pair"`
	Direction      Direction                 `json:"direction"`
	AnchorPrice    float64                   `json:"anchor_price"`
	SpacingPercent float64                   `json:"spacing_percent"`
	Condition      indicator.MarketCondition `json:"condition"`
	Layers         []Layer                   `json:"layers"`
	TotalUSD       float64                   `json:"total_usd"`
}

// Derate scales every layer and the plan total by factor, keeping the
// martingale ratios. Quantities are re-derived from the scaled notionals so
// Price*Quantity stays consistent with NotionalUSD.
func (p *Plan) Derate(factor float64) {
	for i := range p.Layers {
		l := &p.Layers[i]
		l.NotionalUSD *= factor
		l.Quantity = l.NotionalUSD / l.Price
	}
	p.TotalUSD *= factor
}

// Planner derives grid plans from indicator snapshots.
type Planner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewPlanner creates a grid planner.
func NewPlanner(cfg Config, logger zerolog.Logger) *Planner {
	return &Planner{
		cfg:    cfg,
		logger: logger.With().Str("component", "GridPlanner").Logger(),
	}
}

// Spacing returns the ATR-scaled layer spacing percent for a snapshot,
// clamped to the configured bounds.
func (p *Planner) Spacing(snap *indicator.Snapshot) float64 {
	spacing := p.cfg.BaseSpacingPercent * (1 + p.cfg.VolatilityMultiplier*snap.ATRPercent)
	if spacing < p.cfg.MinSpacingPercent {
		spacing = p.cfg.MinSpacingPercent
	}
	if spacing > p.cfg.MaxSpacingPercent {
		spacing = p.cfg.MaxSpacingPercent
	}
	return spacing
}

// Plan builds a long-accumulation grid anchored at the snapshot price:
// layer 0 at the anchor, each deeper layer spaced below the previous one.
// It fails with ErrExposureLimitExceeded rather than emit a plan whose
// total notional would breach MaxPositionSizeUSD.
func (p *Planner) Plan(snap *indicator.Snapshot) (*Plan, error) {
	if snap.Price <= 0 {
		return nil, fmt.Errorf("invalid anchor price %.8f for %s", snap.Price, snap.Pair)
	}

	spacing := p.Spacing(snap)
	layers, total, err := p.buildLayers(snap.Price, spacing, 0, p.cfg.MaxLayers, 0)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Pair:           snap.Pair,
		Direction:      DirectionLong,
		AnchorPrice:    snap.Price,
		SpacingPercent: spacing,
		Condition:      snap.Condition,
		Layers:         layers,
		TotalUSD:       total,
	}

	p.logger.Debug().
		Str("pair", snap.Pair).
		Float64("spacing_pct", spacing).
		Int("layers", len(layers)).
		Float64("total_usd", total).
		Msg("grid planned")

	return plan, nil
}

// Recalibrate replans the unfilled tail of an existing grid after a regime
// change. The returned plan holds only the replanned layers; the caller owns
// the filled ones, which are never touched. The pendingCount new layers are
// anchored strictly below the deepest filled layer (or the snapshot price
// when nothing has filled), and the exposure check counts the committed
// notional of the filled layers.
func (p *Planner) Recalibrate(snap *indicator.Snapshot, filled []Layer, pendingCount int) (*Plan, error) {
	anchor := snap.Price
	startIdx := len(filled)
	committed := 0.0
	for _, l := range filled {
		committed += l.NotionalUSD
		if l.Price < anchor {
			anchor = l.Price
		}
	}

	spacing := p.Spacing(snap)
	// The first replanned layer sits one spacing step below the anchor so
	// layer prices stay strictly monotonic across the filled boundary.
	firstOffset := 1
	if len(filled) == 0 {
		firstOffset = 0
	}

	layers, total, err := p.buildLayersAt(anchor, spacing, startIdx, pendingCount, firstOffset, committed)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Pair:           snap.Pair,
		Direction:      DirectionLong,
		AnchorPrice:    anchor,
		SpacingPercent: spacing,
		Condition:      snap.Condition,
		Layers:         layers,
		TotalUSD:       committed + total,
	}

	p.logger.Info().
		Str("pair", snap.Pair).
		Str("condition", string(snap.Condition)).
		Int("kept_layers", len(filled)).
		Int("replanned_layers", len(layers)).
		Float64("spacing_pct", spacing).
		Msg("grid recalibrated")

	return plan, nil
}

// buildLayers generates count layers below anchor starting at layer index
// startIdx, with layer 0-relative spacing offsets beginning at offset0.
func (p *Planner) buildLayers(anchor, spacingPct float64, startIdx, count, offset0 int) ([]Layer, float64, error) {
	return p.buildLayersAt(anchor, spacingPct, startIdx, count, offset0, 0)
}

func (p *Planner) buildLayersAt(anchor, spacingPct float64, startIdx, count, offset0 int, committedUSD float64) ([]Layer, float64, error) {
	if count <= 0 {
		return nil, 0, nil
	}

	spacing := spacingPct / 100
	layers := make([]Layer, 0, count)
	total := 0.0

	for i := 0; i < count; i++ {
		idx := startIdx + i
		notional := p.cfg.BaseOrderSizeUSD * pow(p.cfg.SizeMultiplier, idx)
		price := anchor * (1 - spacing*float64(offset0+i))
		if price <= 0 {
			return nil, 0, fmt.Errorf("layer %d price collapsed below zero (spacing %.2f%%)", idx, spacingPct)
		}

		layers = append(layers, Layer{
			Index:       idx,
			Price:       price,
			Quantity:    notional / price,
			NotionalUSD: notional,
		})
		total += notional
	}

	if committedUSD+total > p.cfg.MaxPositionSizeUSD {
		return nil, 0, fmt.Errorf("%w: %.2f > %.2f USD",
			ErrExposureLimitExceeded, committedUSD+total, p.cfg.MaxPositionSizeUSD)
	}
	return layers, total, nil
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
