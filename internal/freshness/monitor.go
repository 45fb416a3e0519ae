// Package freshness tracks whether a symbol's on-chain price is recent enough
// to trade.
//
// The Monitor debounces symbol input: a check runs only after the input has
// been stable for the quiet period, and a newer input cancels both the pending
// timer and any check already in flight.
package freshness

import (
	"context"
	"errors"
	"sync"
	"time"

	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/session"
	"stockexchange/internal/utils"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultQuietPeriod is how long input must be stable before a check.
const DefaultQuietPeriod = 3 * time.Second

// SessionSource yields the live session.
type SessionSource interface {
	Current() *session.Session
}

// Config configures a Monitor.
type Config struct {
	Sessions    SessionSource // Required
	QuietPeriod time.Duration // Defaults to DefaultQuietPeriod

	// Notify receives a freshness event per state change. It is called with
	// the monitor locked and must not block.
	Notify func(model.Event)
}

// Monitor is the per-symbol freshness state machine.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]model.FreshnessState

	// gen increments on every input, check and reset; a check only applies
	// its result if gen is unchanged.
	gen      uint64
	timer    *time.Timer
	cancel   context.CancelFunc
	checking string

	// input is the last valid symbol passed to Input.
	input string
}

// NewMonitor validates cfg and returns an idle Monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session source is required")
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	return &Monitor{
		cfg:    cfg,
		logger: log.With().Str("component", "freshness").Logger(),
		states: make(map[string]model.FreshnessState),
	}, nil
}

// Input records a symbol typed by the user and schedules its check once
// the quiet period passes without further input. A different symbol returns
// the previous one to unknown. Invalid symbols only cancel what is pending.
func (m *Monitor) Input(symbol string) {
	symbol = utils.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.supersedeLocked()
	if m.input != "" && m.input != symbol {
		if _, ok := m.states[m.input]; ok {
			m.setLocked(m.input, model.FreshnessUnknown)
		}
	}
	m.input = ""
	if utils.ValidateSymbol(symbol) != nil {
		return
	}
	m.input = symbol

	gen := m.gen
	m.timer = time.AfterFunc(m.cfg.QuietPeriod, func() {
		m.run(gen, symbol)
	})
}

// Check runs an immediate check of symbol, superseding pending input.
func (m *Monitor) Check(ctx context.Context, symbol string) (model.FreshnessState, error) {
	symbol = utils.NormalizeSymbol(symbol)
	if err := utils.ValidateSymbol(symbol); err != nil {
		return model.FreshnessState{}, failure.Wrap(failure.InvalidInput, err)
	}

	m.mu.Lock()
	m.supersedeLocked()
	gen := m.gen
	m.mu.Unlock()

	if err := m.check(ctx, gen, symbol); err != nil {
		return m.Status(symbol), failure.Normalize(err)
	}
	return m.Status(symbol), nil
}

func (m *Monitor) run(gen uint64, symbol string) {
	if err := m.check(context.Background(), gen, symbol); err != nil {
		m.logger.Debug().Err(err).Str("symbol", symbol).Msg("freshness check not applied")
	}
}

func (m *Monitor) check(parent context.Context, gen uint64, symbol string) error {
	s := m.cfg.Sessions.Current()
	if s == nil {
		return failure.Wrap(failure.NotConnected, nil)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return context.Canceled
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	m.cancel = cancel
	m.checking = symbol
	m.setLocked(symbol, model.FreshnessChecking)
	m.mu.Unlock()

	fresh, err := s.Contract.IsPriceFresh(ctx, symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return context.Canceled
	}
	m.cancel = nil
	m.checking = ""

	if err != nil {
		fe := failure.Normalize(err)
		m.logger.Warn().Err(fe).Str("symbol", symbol).Msg("freshness check failed")
		m.setLocked(symbol, model.FreshnessUnknown)
		return fe
	}

	status := model.FreshnessStale
	if fresh {
		status = model.FreshnessFresh
	}
	m.setLocked(symbol, status)
	return nil
}

// supersedeLocked stops the pending timer and aborts the in-flight check.
func (m *Monitor) supersedeLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.checking != "" {
		m.setLocked(m.checking, model.FreshnessUnknown)
		m.checking = ""
	}
}

func (m *Monitor) setLocked(symbol string, status model.FreshnessStatus) {
	st := model.FreshnessState{Symbol: symbol, Status: status, CheckedAt: time.Now()}
	if status == model.FreshnessUnknown {
		delete(m.states, symbol)
	} else {
		m.states[symbol] = st
	}
	if m.cfg.Notify != nil {
		m.cfg.Notify(model.Event{Kind: model.EventFreshness, At: st.CheckedAt, Freshness: &st})
	}
}

// Status returns the state of symbol; unknown if never checked.
func (m *Monitor) Status(symbol string) model.FreshnessState {
	symbol = utils.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[symbol]; ok {
		return st
	}
	return model.FreshnessState{Symbol: symbol, Status: model.FreshnessUnknown}
}

// IsFresh reports whether the last completed check found symbol fresh.
func (m *Monitor) IsFresh(symbol string) bool {
	return m.Status(symbol).Status == model.FreshnessFresh
}

// States returns every known state.
func (m *Monitor) States() []model.FreshnessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.FreshnessState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out
}

// Reset cancels pending work and forgets every state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked()
	m.states = make(map[string]model.FreshnessState)
	m.input = ""
}
