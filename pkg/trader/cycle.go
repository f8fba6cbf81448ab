package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AEgurcan/signaltrader/pkg/models"
	"github.com/AEgurcan/signaltrader/pkg/signals"
)

// PositionView is the read-only slice of the position book the cycle
// consumes.
type PositionView interface {
	PositionOf(symbol string) (models.Position, bool)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// FilterSource resolves per-symbol exchange constraints.
type FilterSource interface {
	FiltersFor(ctx context.Context, symbol string) (models.InstrumentFilter, error)
}

// OrderExecutor submits one sized intent.
type OrderExecutor interface {
	Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionResult, error)
}

const submitTimeout = 10 * time.Second

// Cycle runs one trading pass for a user: read the latest final signal
// record, then for each tracked instrument decide open, close or hold,
// size the order and execute it. Instruments are handled sequentially
// and independently; one failing never stops the rest of the pass.
type Cycle struct {
	signals   signals.Source
	positions PositionView
	filters   FilterSource
	executor  OrderExecutor
	symbols   []string
	size      SizeSpec
	logger    *logrus.Logger
	now       func() time.Time
}

func NewCycle(src signals.Source, positions PositionView, filters FilterSource, executor OrderExecutor, symbols []string, size SizeSpec, logger *logrus.Logger) *Cycle {
	return &Cycle{
		signals:   src,
		positions: positions,
		filters:   filters,
		executor:  executor,
		symbols:   symbols,
		size:      size,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one pass. A nil return does not mean orders were placed;
// it means the pass completed (possibly deciding to do nothing).
func (c *Cycle) Run(ctx context.Context) error {
	record, err := c.signals.Latest(ctx, c.now())
	if err != nil {
		return fmt.Errorf("read signal: %w", err)
	}
	if record == nil {
		c.logger.Debug("No final signal record available, skipping pass")
		return nil
	}

	log := c.logger.WithField("signal_ts", record.Timestamp)
	log.Info("Processing signal record")

	for _, symbol := range c.symbols {
		// Cancellation is observed here, between instruments; an order
		// already handed to the executor runs to completion.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.processSymbol(ctx, record, symbol); err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("Instrument pass failed")
		}
	}
	return nil
}

func (c *Cycle) processSymbol(ctx context.Context, record *models.SignalRecord, symbol string) error {
	sig := record.SignalFor(symbol)
	if sig == models.SignalNone {
		return nil
	}

	position, hasPosition := c.positions.PositionOf(symbol)

	var intent models.OrderIntent
	switch {
	case !hasPosition && sig == models.SignalLong:
		intent = models.OrderIntent{Symbol: symbol, Side: models.OrderSideBuy, Reason: models.ReasonOpenLong}
	case !hasPosition && sig == models.SignalShort:
		intent = models.OrderIntent{Symbol: symbol, Side: models.OrderSideSell, Reason: models.ReasonOpenShort}
	case hasPosition && sig == models.SignalFlat:
		intent = models.OrderIntent{Symbol: symbol, Side: position.Side().Opposite(), Reason: models.ReasonClose}
	default:
		// Signal agrees with current exposure, nothing to do.
		return nil
	}

	filter, err := c.filters.FiltersFor(ctx, symbol)
	if err != nil {
		return fmt.Errorf("filters: %w", err)
	}

	var qty float64
	if intent.Reason == models.ReasonClose {
		qty, err = SizeClose(position.Quantity, filter)
	} else {
		price, perr := c.positions.MarkPrice(ctx, symbol)
		if perr != nil {
			return fmt.Errorf("mark price: %w", perr)
		}
		qty, err = SizeOrder(c.size, price, filter)
	}
	if errors.Is(err, ErrSkipOrder) {
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"reason": intent.Reason,
		}).Warn("Quantity below exchange minimums, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	intent.Quantity = qty
	intent.StepSize = filter.StepSize

	// The submission outlives task cancellation so a stop never leaves
	// an order half-applied; only its own timeout bounds it.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()

	result, err := c.executor.Submit(submitCtx, intent)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if result.Skipped {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"side":     intent.Side,
		"quantity": intent.Quantity,
		"reason":   intent.Reason,
		"order_id": result.OrderID,
	}).Info("Order executed")
	return nil
}
