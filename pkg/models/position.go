package models

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Position is the per-symbol account state for one user. Quantity sign
// carries the side: positive long, negative short. A flat position is
// removed from the active set instead of being stored with zero quantity.
type Position struct {
	Symbol           string
	Quantity         float64
	EntryPrice       float64
	Leverage         int
	MarginType       string
	LiquidationPrice float64
	UnrealizedPnL    float64
	UpdatedAt        time.Time
}

func (p *Position) Long() bool  { return p.Quantity > 0 }
func (p *Position) Short() bool { return p.Quantity < 0 }

// Side is the order side that built the position.
func (p *Position) Side() OrderSide {
	if p.Short() {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Fill is one trade execution reported by the user data stream.
type Fill struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
	Time     time.Time
}

// InstrumentFilter holds the exchange trading constraints for a symbol.
type InstrumentFilter struct {
	Symbol      string
	StepSize    float64 // smallest tradable quantity increment, > 0
	MinNotional float64 // minimum order value in quote currency, >= 0
}

// stepTolerance absorbs float division noise when snapping to a grid.
const stepTolerance = 1e-9

// StepDecimals is the number of decimal places the step grid uses.
func StepDecimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// FloorToStep rounds qty down to the step grid. The result is quantized
// to the grid's decimal precision: the exchange parses the serialized
// quantity and rejects anything carrying more decimals than the step,
// so raw step multiples with float noise are not usable as-is.
func FloorToStep(qty, step float64) float64 {
	floored := math.Floor(qty/step+stepTolerance) * step
	return roundToDecimals(floored, StepDecimals(step))
}

// CeilToStep rounds qty up to the step grid, quantized like FloorToStep.
func CeilToStep(qty, step float64) float64 {
	raised := math.Ceil(qty/step-stepTolerance) * step
	return roundToDecimals(raised, StepDecimals(step))
}

func roundToDecimals(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}
