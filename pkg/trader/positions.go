package trader

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AEgurcan/signaltrader/pkg/binance"
	"github.com/AEgurcan/signaltrader/pkg/models"
)

// accountAPI is the slice of the exchange client the position book needs.
type accountAPI interface {
	AccountPositions(ctx context.Context) ([]models.Position, error)
	PositionRisk(ctx context.Context, symbol string) ([]binance.PositionRisk, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

const (
	snapshotInterval  = 30 * time.Second
	keepaliveInterval = 30 * time.Minute
	reconnectDelay    = 5 * time.Second
	maxFillHistory    = 500
)

// PositionBook keeps the authoritative per-symbol position and mark
// price view for one user. Two producers feed it: a periodic account
// snapshot (which replaces the whole position set) and the user data
// stream (whose deltas patch it in arrival order). A public mark-price
// stream feeds the price cache. After any stream loss the book is not
// Live again until the first post-reconnect snapshot lands; readers see
// the pre-disconnect state in between, with LastUpdated exposing the
// staleness.
type PositionBook struct {
	client  accountAPI
	testnet bool
	symbols []string
	logger  *logrus.Logger

	mu          sync.RWMutex
	positions   map[string]models.Position
	prices      map[string]float64
	fills       []models.Fill
	lastUpdated time.Time
	streamUp    bool
	live        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPositionBook(client accountAPI, symbols []string, testnet bool, logger *logrus.Logger) *PositionBook {
	return &PositionBook{
		client:    client,
		testnet:   testnet,
		symbols:   symbols,
		logger:    logger,
		positions: make(map[string]models.Position),
		prices:    make(map[string]float64),
	}
}

// Start fetches the initial snapshot and launches the refresh and stream
// loops. The loops run until Stop or ctx cancellation.
func (pb *PositionBook) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	pb.cancel = cancel

	if err := pb.refresh(runCtx); err != nil {
		cancel()
		return err
	}

	pb.wg.Add(3)
	go pb.refreshLoop(runCtx)
	go pb.userStreamLoop(runCtx)
	go pb.priceStreamLoop(runCtx)
	return nil
}

func (pb *PositionBook) Stop() {
	if pb.cancel != nil {
		pb.cancel()
	}
	pb.wg.Wait()
}

// PositionOf returns the current position for a symbol. The second
// return is false when the user is flat on that symbol.
func (pb *PositionBook) PositionOf(symbol string) (models.Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	pos, ok := pb.positions[symbol]
	return pos, ok
}

// MarkPrice returns the latest streamed mark price, falling back to a
// REST lookup when the stream has not produced one yet.
func (pb *PositionBook) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	pb.mu.RLock()
	price, ok := pb.prices[symbol]
	pb.mu.RUnlock()
	if ok && price > 0 {
		return price, nil
	}
	return pb.client.MarkPrice(ctx, symbol)
}

// Fills returns the recorded trade executions, oldest first.
func (pb *PositionBook) Fills() []models.Fill {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]models.Fill, len(pb.fills))
	copy(out, pb.fills)
	return out
}

// LastUpdated is when position state last changed from either source.
func (pb *PositionBook) LastUpdated() time.Time {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.lastUpdated
}

// Live reports whether the user data stream is connected and a snapshot
// has landed since it came up. Between a disconnect and the first
// post-reconnect snapshot the book serves stale state and says so.
func (pb *PositionBook) Live() bool {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.live
}

func (pb *PositionBook) setStreamUp(up bool) {
	pb.mu.Lock()
	pb.streamUp = up
	if !up {
		pb.live = false
	}
	pb.mu.Unlock()
}

// refresh fetches a full snapshot and replaces the position set. A
// replace, not a merge: positions closed externally (liquidation) drop
// out even if their delta was missed.
func (pb *PositionBook) refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	positions, err := pb.client.AccountPositions(fetchCtx)
	if err != nil {
		return err
	}

	// The account snapshot has no liquidation prices; the risk endpoint
	// fills them in. Failure there keeps the snapshot usable.
	risks, err := pb.client.PositionRisk(fetchCtx, "")
	if err != nil {
		pb.logger.WithError(err).Warn("Position risk fetch failed, liquidation prices not updated")
	} else {
		liq := make(map[string]float64, len(risks))
		for _, r := range risks {
			liq[r.Symbol] = parseFloat(r.LiquidationPrice)
		}
		for i := range positions {
			positions[i].LiquidationPrice = liq[positions[i].Symbol]
		}
	}

	pb.applySnapshot(positions)
	return nil
}

func (pb *PositionBook) applySnapshot(positions []models.Position) {
	fresh := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		fresh[p.Symbol] = p
	}

	pb.mu.Lock()
	pb.positions = fresh
	pb.lastUpdated = time.Now()
	// A snapshot alone does not make the book live: deltas only flow
	// while the user stream is up, so stale-by-30s is the best a
	// snapshot without a stream can promise.
	pb.live = pb.streamUp
	pb.mu.Unlock()
}

func (pb *PositionBook) refreshLoop(ctx context.Context) {
	defer pb.wg.Done()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pb.refresh(ctx); err != nil {
				pb.logger.WithError(err).Warn("Position snapshot refresh failed")
			}
		}
	}
}

// userStreamLoop owns the user data stream session: listen key creation,
// 30 minute keepalive, and reconnect with a fresh key after any failure.
func (pb *PositionBook) userStreamLoop(ctx context.Context) {
	defer pb.wg.Done()

	for {
		if err := pb.runUserStreamSession(ctx); err != nil {
			pb.logger.WithError(err).Warn("User data stream session ended")
		}
		pb.setStreamUp(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (pb *PositionBook) runUserStreamSession(ctx context.Context) error {
	keyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	listenKey, err := pb.client.CreateListenKey(keyCtx)
	cancel()
	if err != nil {
		return err
	}

	stream := binance.NewStreamClient(binance.UserStreamURL(pb.testnet, listenKey), pb.logger)
	stream.RegisterHandler("ACCOUNT_UPDATE", pb.handleAccountUpdate)
	stream.RegisterHandler("ORDER_TRADE_UPDATE", pb.handleOrderTradeUpdate)

	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Close()
	pb.setStreamUp(true)

	// State is stale until this snapshot succeeds; the session keeps
	// going either way and the 30s refresh loop will catch up.
	if err := pb.refresh(ctx); err != nil {
		pb.logger.WithError(err).Warn("Post-connect snapshot failed")
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stream.Done():
			return nil
		case <-keepalive.C:
			kaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := pb.client.KeepAliveListenKey(kaCtx, listenKey)
			cancel()
			if err != nil {
				// A key that missed its renewal will expire server-side;
				// tear the session down and resync with a fresh one.
				return err
			}
		}
	}
}

func (pb *PositionBook) priceStreamLoop(ctx context.Context) {
	defer pb.wg.Done()

	for {
		stream := binance.NewStreamClient(binance.MarkPriceStreamURL(pb.testnet, pb.symbols), pb.logger)
		stream.RegisterHandler("markPriceUpdate", pb.handleMarkPrice)

		if err := stream.Connect(ctx); err != nil {
			pb.logger.WithError(err).Warn("Mark price stream connect failed")
		} else {
			select {
			case <-ctx.Done():
				stream.Close()
				return
			case <-stream.Done():
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// positionDelta is one entry of an ACCOUNT_UPDATE "P" list.
type positionDelta struct {
	Symbol      string `json:"s"`
	PositionAmt string `json:"pa"`
	EntryPrice  string `json:"ep"`
	MarginType  string `json:"mt"`
}

func (pb *PositionBook) handleAccountUpdate(message json.RawMessage) {
	var event struct {
		Account struct {
			Positions []positionDelta `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		pb.logger.WithError(err).Error("Failed to decode account update")
		return
	}

	now := time.Now()
	pb.mu.Lock()
	for _, delta := range event.Account.Positions {
		// A malformed amount must not read as zero: zero means "delete
		// the position". Skip the delta and let the next snapshot win.
		amt, err := strconv.ParseFloat(delta.PositionAmt, 64)
		if err != nil {
			pb.logger.WithFields(logrus.Fields{
				"symbol": delta.Symbol,
				"value":  delta.PositionAmt,
			}).Warn("Skipping malformed position delta")
			continue
		}
		if amt == 0 {
			delete(pb.positions, delta.Symbol)
			continue
		}
		pos := pb.positions[delta.Symbol]
		pos.Symbol = delta.Symbol
		pos.Quantity = amt
		if ep, err := strconv.ParseFloat(delta.EntryPrice, 64); err == nil {
			pos.EntryPrice = ep
		}
		if delta.MarginType != "" {
			pos.MarginType = delta.MarginType
		}
		pos.UpdatedAt = now
		pb.positions[delta.Symbol] = pos
	}
	pb.lastUpdated = now
	pb.mu.Unlock()
}

func (pb *PositionBook) handleOrderTradeUpdate(message json.RawMessage) {
	var event struct {
		Order struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			ExecutionType string `json:"x"`
			LastQty       string `json:"l"`
			LastPrice     string `json:"L"`
			TradeTime     int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		pb.logger.WithError(err).Error("Failed to decode order update")
		return
	}
	if event.Order.ExecutionType != "TRADE" {
		return
	}

	fill := models.Fill{
		Symbol:   event.Order.Symbol,
		Side:     models.OrderSide(event.Order.Side),
		Quantity: parseFloat(event.Order.LastQty),
		Price:    parseFloat(event.Order.LastPrice),
		Time:     time.UnixMilli(event.Order.TradeTime),
	}

	pb.mu.Lock()
	pb.fills = append(pb.fills, fill)
	if len(pb.fills) > maxFillHistory {
		pb.fills = pb.fills[len(pb.fills)-maxFillHistory:]
	}
	pb.mu.Unlock()
}

func (pb *PositionBook) handleMarkPrice(message json.RawMessage) {
	var event struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		pb.logger.WithError(err).Error("Failed to decode mark price update")
		return
	}
	if event.Symbol == "" {
		return
	}

	pb.mu.Lock()
	pb.prices[event.Symbol] = parseFloat(event.Price)
	pb.mu.Unlock()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
