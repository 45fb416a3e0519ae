package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stockexchange/internal/chain"
	"stockexchange/internal/directory"
	"stockexchange/internal/failure"
	"stockexchange/internal/freshness"
	"stockexchange/internal/model"
	"stockexchange/internal/portfolio"
	"stockexchange/internal/session"
	"stockexchange/internal/tokenstore"
	"stockexchange/internal/txn"
	"stockexchange/internal/utils"
	"stockexchange/internal/wallet"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the dependencies and timings of an ExchangeService.
type Config struct {
	Provider wallet.Provider // Injected wallet; nil fails Connect with ProviderUnavailable
	Binder   chain.Binder    // Required
	ChainID  int64           // Defaults to Sepolia

	// Balances and Tokens enable the portfolio. Both or neither.
	Balances portfolio.BalanceReader
	Tokens   tokenstore.Store

	QuietPeriod          time.Duration
	PriceRequestInterval time.Duration
	DelayedRefresh       time.Duration
	DirectoryConcurrency int

	Dispatcher DispatcherConfig
}

// ExchangeService owns the single session and every component that reads
// or writes under it. A session event that reports a new connection
// triggers a directory refresh; a disconnect resets the directory, the
// freshness monitor and the pending operations.
type ExchangeService struct {
	bus       *Dispatcher
	sessions  *session.Manager
	directory *directory.Loader
	freshness *freshness.Monitor
	txn       *txn.Orchestrator
	portfolio *portfolio.Tracker

	logger  zerolog.Logger
	started atomic.Bool
	cancel  context.CancelFunc

	mu  sync.Mutex
	ctx context.Context // background work, cancelled by Stop
	wg  sync.WaitGroup
}

// NewExchangeService builds and wires the components. The service is
// created stopped; events are queued until Start.
func NewExchangeService(cfg Config) (*ExchangeService, error) {
	if (cfg.Balances == nil) != (cfg.Tokens == nil) {
		return nil, errors.New("balance reader and token store must be set together")
	}

	s := &ExchangeService{
		bus:    NewDispatcher(cfg.Dispatcher),
		logger: log.With().Str("component", "service").Logger(),
		ctx:    context.Background(),
	}

	var err error
	s.sessions, err = session.NewManager(session.Config{
		Provider: cfg.Provider,
		Binder:   cfg.Binder,
		ChainID:  cfg.ChainID,
		Notify:   s.onSession,
	})
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	s.directory, err = directory.NewLoader(directory.Config{
		Sessions:    s.sessions,
		Concurrency: cfg.DirectoryConcurrency,
		Notify:      s.bus.Publish,
	})
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}

	s.freshness, err = freshness.NewMonitor(freshness.Config{
		Sessions:    s.sessions,
		QuietPeriod: cfg.QuietPeriod,
		Notify:      s.bus.Publish,
	})
	if err != nil {
		return nil, fmt.Errorf("freshness monitor: %w", err)
	}

	s.txn, err = txn.NewOrchestrator(txn.Config{
		Sessions:             s.sessions,
		Directory:            s.directory,
		Freshness:            s.freshness,
		PriceRequestInterval: cfg.PriceRequestInterval,
		DelayedRefresh:       cfg.DelayedRefresh,
		Notify:               s.bus.Publish,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	if cfg.Balances != nil {
		s.portfolio, err = portfolio.NewTracker(portfolio.Config{Reader: cfg.Balances, Tokens: cfg.Tokens})
		if err != nil {
			return nil, fmt.Errorf("portfolio: %w", err)
		}
	}

	s.sessions.Register(s.directory)
	s.sessions.Register(s.freshness)
	s.sessions.Register(s.txn)
	return s, nil
}

// Start begins dispatching events to subscribers.
func (s *ExchangeService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("exchange service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.bus.StartDispatching(ctx); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cancel = cancel

	s.logger.Info().Msg("exchange service started")
	return nil
}

// Stop disconnects the session, stops the dispatcher and waits for
// background refreshes to return.
func (s *ExchangeService) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	s.sessions.Disconnect()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()

	s.mu.Lock()
	s.ctx = context.Background()
	s.mu.Unlock()

	s.logger.Info().Msg("exchange service stopped")
	return nil
}

func (s *ExchangeService) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// onSession forwards session events and loads the directory for every new
// connection, including reconnects driven by the wallet.
func (s *ExchangeService) onSession(ev model.Event) {
	s.bus.Publish(ev)
	if ev.Session == nil || ev.Session.State != model.Connected {
		return
	}

	ctx := s.background()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.directory.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Uint64("session", ev.Session.ID).Msg("directory load after connect failed")
		}
	}()
}

// Connect opens a session and waits for its directory. A directory that
// fails to load leaves the session connected; the failure is returned
// alongside the session info.
func (s *ExchangeService) Connect(ctx context.Context) (model.SessionInfo, error) {
	sess, err := s.sessions.Connect(ctx)
	if err != nil {
		return s.sessions.Info(), err
	}
	if _, err := s.directory.Refresh(ctx); err != nil {
		return sess.Info(), fmt.Errorf("load directory: %w", err)
	}
	return sess.Info(), nil
}

// Disconnect ends the session. It never fails.
func (s *ExchangeService) Disconnect() {
	s.sessions.Disconnect()
}

// Session returns the current session view.
func (s *ExchangeService) Session() model.SessionInfo {
	return s.sessions.Info()
}

// Refresh reloads the directory now.
func (s *ExchangeService) Refresh(ctx context.Context) (*model.Snapshot, error) {
	return s.directory.Refresh(ctx)
}

// MaxFreshnessBatch bounds the symbols one CheckFreshness call accepts.
const MaxFreshnessBatch = 16

// CheckFreshness checks symbols one after another and returns their states in
// order. It stops at the first failed check.
func (s *ExchangeService) CheckFreshness(ctx context.Context, symbols ...string) ([]model.FreshnessState, error) {
	if err := utils.ValidateSymbols(symbols, MaxFreshnessBatch); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err)
	}

	states := make([]model.FreshnessState, 0, len(symbols))
	for _, symbol := range symbols {
		st, err := s.freshness.Check(ctx, symbol)
		if err != nil {
			return states, fmt.Errorf("check %s: %w", utils.NormalizeSymbol(symbol), err)
		}
		states = append(states, st)
	}
	return states, nil
}

// Balances lists the portfolio of the connected account.
func (s *ExchangeService) Balances(ctx context.Context) ([]model.TokenBalance, error) {
	if s.portfolio == nil {
		return nil, errors.New("portfolio not configured")
	}
	sess := s.sessions.Current()
	if sess == nil {
		return nil, failure.New(failure.NotConnected, "no wallet connected")
	}
	return s.portfolio.Balances(ctx, sess.Account)
}

// Positions values the holdings of the current directory snapshot.
func (s *ExchangeService) Positions() []portfolio.Position {
	return portfolio.Positions(s.directory.Snapshot())
}

// Events subscribes to the given kinds, or to all of them.
func (s *ExchangeService) Events(kinds ...model.EventKind) (*Subscriber, error) {
	return s.bus.Subscribe(kinds...)
}

// Unsubscribe ends a subscription returned by Events.
func (s *ExchangeService) Unsubscribe(sub *Subscriber) error {
	return s.bus.Unsubscribe(sub)
}

// Component accessors, for callers that need more than the service surface.

func (s *ExchangeService) Sessions() *session.Manager { return s.sessions }
func (s *ExchangeService) Directory() *directory.Loader { return s.directory }
func (s *ExchangeService) Freshness() *freshness.Monitor { return s.freshness }
func (s *ExchangeService) Orchestrator() *txn.Orchestrator { return s.txn }
func (s *ExchangeService) Portfolio() *portfolio.Tracker { return s.portfolio }
