package trader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AEgurcan/signaltrader/pkg/binance"
	"github.com/AEgurcan/signaltrader/pkg/models"
	"github.com/AEgurcan/signaltrader/pkg/signals"
)

// Credentials is a user's exchange API key pair, already resolved to
// plaintext by the external credential-management collaborator.
type Credentials struct {
	APIKey    string
	APISecret string
}

// UserParams configures one user's trading session.
type UserParams struct {
	Credentials Credentials
	// Symbols to trade; defaults to every tracked instrument.
	Symbols []string
	// Size is the per-order target exposure.
	Size SizeSpec
}

// UserStatus is a point-in-time view of one user's session.
type UserStatus struct {
	UserID      int64     `json:"user_id"`
	Running     bool      `json:"running"`
	State       TaskState `json:"state"`
	Live        bool      `json:"live"`
	LastUpdated time.Time `json:"last_updated"`
}

// Service wires the per-user pieces together: an exchange client bound
// to the user's credentials, a position book, a trading cycle and its
// scheduled task. The filter cache and signal store are shared.
type Service struct {
	signals signals.Source
	filters FilterSource
	sched   *Scheduler
	taskCfg TaskConfig
	testnet bool
	logger  *logrus.Logger

	baseCtx context.Context

	mu    sync.Mutex
	books map[int64]*PositionBook
}

func NewService(ctx context.Context, src signals.Source, filters FilterSource, taskCfg TaskConfig, testnet bool, logger *logrus.Logger) *Service {
	return &Service{
		signals: src,
		filters: filters,
		sched:   NewScheduler(logger),
		taskCfg: taskCfg,
		testnet: testnet,
		logger:  logger,
		baseCtx: ctx,
		books:   make(map[int64]*PositionBook),
	}
}

// StartUser begins trading for a user: a position book with its own
// stream and refresh loops, plus the scheduled cycle task.
func (s *Service) StartUser(userID int64, params UserParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.books[userID]; exists {
		return ErrAlreadyRunning
	}

	symbols := params.Symbols
	if len(symbols) == 0 {
		symbols = models.TrackedSymbols()
	}

	client := binance.NewClient(params.Credentials.APIKey, params.Credentials.APISecret, s.testnet)

	syncCtx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	if err := client.SyncTime(syncCtx); err != nil {
		// Local time still works as long as the host clock is sane.
		s.logger.WithError(err).WithField("user_id", userID).Warn("Exchange clock sync failed, using local time")
	}
	cancel()

	book := NewPositionBook(client, symbols, s.testnet, s.logger)
	if err := book.Start(s.baseCtx); err != nil {
		return err
	}

	execution := binance.NewExecution(client, s.logger)
	cycle := NewCycle(s.signals, book, s.filters, execution, symbols, params.Size, s.logger)

	if err := s.sched.Start(s.baseCtx, userID, cycle, s.taskCfg); err != nil {
		book.Stop()
		return err
	}

	s.books[userID] = book
	return nil
}

// StopUser tears down a user's session. Idempotent.
func (s *Service) StopUser(userID int64) {
	s.sched.Stop(userID)

	s.mu.Lock()
	book, ok := s.books[userID]
	delete(s.books, userID)
	s.mu.Unlock()

	if ok {
		book.Stop()
	}
}

// Shutdown stops every session.
func (s *Service) Shutdown() {
	s.sched.StopAll()

	s.mu.Lock()
	books := make([]*PositionBook, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	s.books = make(map[int64]*PositionBook)
	s.mu.Unlock()

	for _, b := range books {
		b.Stop()
	}
}

// Positions returns the user's open positions, or false if the user has
// no active session.
func (s *Service) Positions(userID int64) ([]models.Position, bool) {
	s.mu.Lock()
	book, ok := s.books[userID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	var out []models.Position
	for _, symbol := range models.TrackedSymbols() {
		if pos, open := book.PositionOf(symbol); open {
			out = append(out, pos)
		}
	}
	return out, true
}

// Fills returns the user's recorded executions, or false if the user
// has no active session.
func (s *Service) Fills(userID int64) ([]models.Fill, bool) {
	s.mu.Lock()
	book, ok := s.books[userID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return book.Fills(), true
}

// Status reports the session state for a user.
func (s *Service) Status(userID int64) UserStatus {
	status := UserStatus{
		UserID:  userID,
		Running: s.sched.Running(userID),
		State:   s.sched.State(userID),
	}

	s.mu.Lock()
	book, ok := s.books[userID]
	s.mu.Unlock()
	if ok {
		status.Live = book.Live()
		status.LastUpdated = book.LastUpdated()
	}
	return status
}
