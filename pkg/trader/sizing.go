package trader

import (
	"errors"
	"fmt"
	"math"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

// ErrSkipOrder means the sized quantity cannot produce an order the
// exchange would accept; the caller skips the instrument instead of
// submitting something doomed to rejection.
var ErrSkipOrder = errors.New("order below exchange minimums, skipping")

// SizeSpec is the target exposure for one order. Exactly one mode is
// used: when Notional is positive the target is a quote-currency value,
// otherwise Quantity is a fixed base-asset amount.
type SizeSpec struct {
	Notional float64
	Quantity float64
}

// stepEpsilon tolerates float noise in the acceptance comparisons.
const stepEpsilon = 1e-9

// SizeOrder converts a target exposure into an exchange-legal quantity.
// The requested side is always rounded down (never over-commit capital);
// the minimum-notional floor is rounded up to the next step. Results are
// quantized to the step's decimal precision so they serialize exactly.
// Returns ErrSkipOrder when the result would still be rejected.
func SizeOrder(spec SizeSpec, price float64, filter models.InstrumentFilter) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("size %s: invalid price %v", filter.Symbol, price)
	}
	if filter.StepSize <= 0 {
		return 0, fmt.Errorf("size %s: invalid step size %v", filter.Symbol, filter.StepSize)
	}

	raw := spec.Quantity
	if spec.Notional > 0 {
		raw = spec.Notional / price
	}

	qty := models.FloorToStep(raw, filter.StepSize)

	// Smallest quantity whose notional still clears the exchange floor.
	minQty := 0.0
	if filter.MinNotional > 0 {
		minQty = models.CeilToStep(filter.MinNotional/price, filter.StepSize)
	}
	if minQty > qty {
		qty = minQty
	}

	if qty < filter.StepSize-stepEpsilon {
		return 0, ErrSkipOrder
	}
	if qty*price < filter.MinNotional-stepEpsilon {
		return 0, ErrSkipOrder
	}
	return qty, nil
}

// SizeClose sizes the order that flattens an existing position. Only the
// step grid applies: a leftover below the exchange's minimum notional
// must still be closable, so no minimum-notional bump happens here.
func SizeClose(positionQty float64, filter models.InstrumentFilter) (float64, error) {
	if filter.StepSize <= 0 {
		return 0, fmt.Errorf("size close %s: invalid step size %v", filter.Symbol, filter.StepSize)
	}

	qty := models.FloorToStep(math.Abs(positionQty), filter.StepSize)
	if qty < filter.StepSize-stepEpsilon {
		return 0, ErrSkipOrder
	}
	return qty, nil
}
