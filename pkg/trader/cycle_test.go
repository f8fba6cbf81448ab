package trader

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

type fakeSignals struct {
	record *models.SignalRecord
	err    error
	calls  int
}

func (f *fakeSignals) Latest(ctx context.Context, asOf time.Time) (*models.SignalRecord, error) {
	f.calls++
	return f.record, f.err
}

type fakePositions struct {
	positions map[string]models.Position
	prices    map[string]float64
}

func (f *fakePositions) PositionOf(symbol string) (models.Position, bool) {
	pos, ok := f.positions[symbol]
	return pos, ok
}

func (f *fakePositions) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	price, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

type fakeFilters struct {
	filter models.InstrumentFilter
	err    error
}

func (f *fakeFilters) FiltersFor(ctx context.Context, symbol string) (models.InstrumentFilter, error) {
	filter := f.filter
	filter.Symbol = symbol
	return filter, f.err
}

type fakeExecutor struct {
	submitted []models.OrderIntent
	failFor   map[string]error
}

func (f *fakeExecutor) Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionResult, error) {
	if err, ok := f.failFor[intent.Symbol]; ok {
		return models.ExecutionResult{}, err
	}
	f.submitted = append(f.submitted, intent)
	return models.ExecutionResult{OrderID: int64(len(f.submitted)), Symbol: intent.Symbol, Status: models.OrderStatusFilled}, nil
}

func newTestCycle(src *fakeSignals, pos *fakePositions, filters *fakeFilters, exec *fakeExecutor, symbols []string) *Cycle {
	return NewCycle(src, pos, filters, exec, symbols, SizeSpec{Notional: 100}, quietLogger())
}

func signalRecord(btc, eth, sol int) *models.SignalRecord {
	return &models.SignalRecord{
		Timestamp: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
		BTCUSDT:   btc,
		ETHUSDT:   eth,
		SOLUSDT:   sol,
	}
}

func TestCycleSkipsWhenNoFinalSignal(t *testing.T) {
	exec := &fakeExecutor{}
	cycle := newTestCycle(&fakeSignals{record: nil}, &fakePositions{}, &fakeFilters{}, exec, []string{"BTCUSDT"})

	if err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(exec.submitted) != 0 {
		t.Fatalf("submitted %d orders on a skipped pass", len(exec.submitted))
	}
}

func TestCycleOpensInSignalDirection(t *testing.T) {
	pos := &fakePositions{
		positions: map[string]models.Position{},
		prices:    map[string]float64{"BTCUSDT": 50000, "SOLUSDT": 100},
	}
	filters := &fakeFilters{filter: models.InstrumentFilter{StepSize: 0.001, MinNotional: 5}}
	exec := &fakeExecutor{}
	cycle := newTestCycle(&fakeSignals{record: signalRecord(1, 0, -1)}, pos, filters, exec, []string{"BTCUSDT", "SOLUSDT"})

	if err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(exec.submitted) != 2 {
		t.Fatalf("submitted = %d orders, want 2", len(exec.submitted))
	}
	long := exec.submitted[0]
	if long.Symbol != "BTCUSDT" || long.Side != models.OrderSideBuy || long.Reason != models.ReasonOpenLong {
		t.Fatalf("long intent = %+v", long)
	}
	if math.Abs(long.Quantity-0.002) > 1e-9 { // 100/50000
		t.Fatalf("long quantity = %v, want 0.002", long.Quantity)
	}
	if long.StepSize != 0.001 {
		t.Fatalf("long step size = %v, want the filter's 0.001", long.StepSize)
	}
	short := exec.submitted[1]
	if short.Symbol != "SOLUSDT" || short.Side != models.OrderSideSell || short.Reason != models.ReasonOpenShort {
		t.Fatalf("short intent = %+v", short)
	}
}

func TestCycleClosesOnFlatSignal(t *testing.T) {
	pos := &fakePositions{
		positions: map[string]models.Position{
			"ETHUSDT": {Symbol: "ETHUSDT", Quantity: -7.3},
		},
		prices: map[string]float64{"ETHUSDT": 2000},
	}
	filters := &fakeFilters{filter: models.InstrumentFilter{StepSize: 0.1, MinNotional: 20}}
	exec := &fakeExecutor{}
	cycle := newTestCycle(&fakeSignals{record: signalRecord(0, 0, 0)}, pos, filters, exec, []string{"ETHUSDT"})

	if err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(exec.submitted) != 1 {
		t.Fatalf("submitted = %d orders, want 1", len(exec.submitted))
	}
	intent := exec.submitted[0]
	if intent.Side != models.OrderSideBuy || intent.Reason != models.ReasonClose {
		t.Fatalf("close intent = %+v, want BUY close", intent)
	}
	if math.Abs(intent.Quantity-7.3) > 1e-9 {
		t.Fatalf("close quantity = %v, want 7.3", intent.Quantity)
	}
}

func TestCycleHoldsWhenSignalMatchesPosition(t *testing.T) {
	pos := &fakePositions{
		positions: map[string]models.Position{
			"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.5},
		},
		prices: map[string]float64{"BTCUSDT": 50000},
	}
	exec := &fakeExecutor{}
	cycle := newTestCycle(&fakeSignals{record: signalRecord(1, 0, 0)}, pos, &fakeFilters{filter: models.InstrumentFilter{StepSize: 0.001}}, exec, []string{"BTCUSDT"})

	if err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(exec.submitted) != 0 {
		t.Fatalf("submitted %d orders while holding", len(exec.submitted))
	}
}

func TestCycleIsolatesInstrumentFailures(t *testing.T) {
	pos := &fakePositions{
		positions: map[string]models.Position{},
		prices:    map[string]float64{"BTCUSDT": 50000, "SOLUSDT": 100},
	}
	filters := &fakeFilters{filter: models.InstrumentFilter{StepSize: 0.001, MinNotional: 5}}
	exec := &fakeExecutor{failFor: map[string]error{"BTCUSDT": errors.New("rejected")}}
	cycle := newTestCycle(&fakeSignals{record: signalRecord(1, 0, -1)}, pos, filters, exec, []string{"BTCUSDT", "SOLUSDT"})

	if err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(exec.submitted) != 1 || exec.submitted[0].Symbol != "SOLUSDT" {
		t.Fatalf("SOLUSDT should still trade after BTCUSDT failure, submitted=%+v", exec.submitted)
	}
}

func TestCycleStopsIteratingAfterCancellation(t *testing.T) {
	pos := &fakePositions{positions: map[string]models.Position{}, prices: map[string]float64{}}
	exec := &fakeExecutor{}
	cycle := newTestCycle(&fakeSignals{record: signalRecord(1, 1, 1)}, pos, &fakeFilters{}, exec, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cycle.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(exec.submitted) != 0 {
		t.Fatalf("submitted %d orders after cancellation", len(exec.submitted))
	}
}

func TestCycleIgnoresOutOfRangeSignals(t *testing.T) {
	pos := &fakePositions{positions: map[string]models.Position{}, prices: map[string]float64{"BTCUSDT": 50000}}
	exec := &fakeExecutor{}
	record := signalRecord(5, 0, 0) // corrupt upstream value
	cycle := newTestCycle(&fakeSignals{record: record}, pos, &fakeFilters{filter: models.InstrumentFilter{StepSize: 0.001}}, exec, []string{"BTCUSDT"})

	if err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(exec.submitted) != 0 {
		t.Fatalf("out-of-range signal produced %d orders", len(exec.submitted))
	}
}
