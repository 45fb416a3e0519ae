// Package session owns the wallet session of the exchange client.
//
// The Manager is the root dependency of every other component: it performs the
// connect handshake (account prompt, network check, contract binding, role
// derivation), publishes the resulting Session atomically, follows provider
// events and tears everything down on disconnect.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stockexchange/internal/chain"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resetter is a component holding session-scoped state.
type Resetter interface {
	Reset()
}

// Session is one connected wallet session. It is immutable once published.
type Session struct {
	ID          uint64
	Account     common.Address
	ChainID     int64
	Role        model.Role
	Contract    chain.Contract
	ConnectedAt time.Time
}

// IsOwner reports whether the session account owns the contract.
func (s *Session) IsOwner() bool {
	return s != nil && s.Role == model.RoleOwner
}

// Info returns the public view of s.
func (s *Session) Info() model.SessionInfo {
	return model.SessionInfo{
		ID:          s.ID,
		State:       model.Connected,
		Account:     s.Account,
		ChainID:     s.ChainID,
		Role:        s.Role,
		ConnectedAt: s.ConnectedAt,
	}
}

// Config configures a Manager.
type Config struct {
	// Provider is the injected wallet. Nil makes Connect fail with ProviderUnavailable.
	Provider wallet.Provider

	// Binder binds the exchange contract to the session signer. Required.
	Binder chain.Binder

	// ChainID is the only supported chain. Defaults to Sepolia.
	ChainID int64

	// Notify receives session events. Optional.
	Notify func(model.Event)
}

// Manager runs the session lifecycle.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	current atomic.Pointer[Session]
	state   atomic.Int32
	nextID  atomic.Uint64

	resetMu   sync.Mutex
	resetters []Resetter

	attemptMu     sync.Mutex
	attemptCancel context.CancelFunc

	// Provider subscription, guarded by connectMu. subID is zero when
	// not subscribed.
	unsubscribe func()
	subID       uint64
	subSeq      uint64
}

// NewManager validates cfg and returns a disconnected Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Binder == nil {
		return nil, errors.New("contract binder is required")
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = model.SepoliaChainID
	}
	return &Manager{
		cfg:    cfg,
		logger: log.With().Str("component", "session").Logger(),
	}, nil
}

// Register adds a component to reset whenever the session ends or changes.
func (m *Manager) Register(r Resetter) {
	m.resetMu.Lock()
	defer m.resetMu.Unlock()
	m.resetters = append(m.resetters, r)
}

// Current returns the live session, nil when not connected.
func (m *Manager) Current() *Session {
	if m.State() != model.Connected {
		return nil
	}
	return m.current.Load()
}

// State returns the connection state.
func (m *Manager) State() model.ConnectionState {
	return model.ConnectionState(m.state.Load())
}

// Info returns the public session view; a zero view when disconnected.
func (m *Manager) Info() model.SessionInfo {
	if s := m.Current(); s != nil {
		return s.Info()
	}
	return model.SessionInfo{State: m.State()}
}

// Connect runs the full handshake and publishes a new session. It is
// all-or-nothing: on any failure the manager ends disconnected with every
// registered component reset, and the error is normalized.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.attemptMu.Lock()
	m.attemptCancel = cancel
	m.attemptMu.Unlock()
	defer func() {
		m.attemptMu.Lock()
		m.attemptCancel = nil
		m.attemptMu.Unlock()
	}()

	m.setState(model.Connecting)

	s, err := m.handshake(ctx)
	if err != nil {
		fe := failure.Normalize(err)
		m.logger.Warn().Err(fe).Str("kind", fe.Kind.String()).Msg("connect failed")
		m.teardownLocked()
		return nil, fe
	}

	if prev := m.current.Swap(s); prev != nil {
		// A replaced session invalidates account-scoped state.
		m.resetAll()
	}
	m.setState(model.Connected)
	m.subscribeLocked()

	m.logger.Info().
		Uint64("session", s.ID).
		Str("account", s.Account.Hex()).
		Str("role", s.Role.String()).
		Msg("wallet connected")
	return s, nil
}

func (m *Manager) handshake(ctx context.Context) (*Session, error) {
	p := m.cfg.Provider
	if p == nil {
		return nil, failure.New(failure.ProviderUnavailable, "no wallet provider configured")
	}

	accounts, err := p.RequestAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, failure.New(failure.UserRejected, "no account authorized")
	}
	account := accounts[0]

	chainID, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if chainID != m.cfg.ChainID {
		return nil, failure.New(failure.WrongNetwork, "connected to chain %d, expected %d", chainID, m.cfg.ChainID)
	}

	signer, err := p.Signer(ctx, account)
	if err != nil {
		return nil, err
	}
	contract, err := m.cfg.Binder(signer)
	if err != nil {
		return nil, err
	}

	owner, err := contract.Owner(ctx)
	if err != nil {
		return nil, err
	}

	role := model.RoleHolder
	if strings.EqualFold(owner.Hex(), account.Hex()) {
		role = model.RoleOwner
	}

	return &Session{
		ID:          m.nextID.Add(1),
		Account:     account,
		ChainID:     chainID,
		Role:        role,
		Contract:    contract,
		ConnectedAt: time.Now(),
	}, nil
}

// Disconnect ends the session and resets every registered component. It
// aborts a connect attempt in progress, never fails and is idempotent.
func (m *Manager) Disconnect() {
	m.attemptMu.Lock()
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.attemptMu.Unlock()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	wasConnected := m.State() == model.Connected
	m.teardownLocked()
	if wasConnected {
		m.logger.Info().Msg("wallet disconnected")
	}
}

func (m *Manager) teardownLocked() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
		m.subID = 0
	}
	m.current.Store(nil)
	m.resetAll()
	m.setState(model.Disconnected)
}

func (m *Manager) resetAll() {
	m.resetMu.Lock()
	resetters := append([]Resetter(nil), m.resetters...)
	m.resetMu.Unlock()

	for _, r := range resetters {
		r.Reset()
	}
}

func (m *Manager) setState(state model.ConnectionState) {
	m.state.Store(int32(state))
	if m.cfg.Notify != nil {
		m.cfg.Notify(model.Event{Kind: model.EventSession, At: time.Now(), Session: m.infoFor(state)})
	}
}

func (m *Manager) infoFor(state model.ConnectionState) *model.SessionInfo {
	if s := m.current.Load(); s != nil && state == model.Connected {
		info := s.Info()
		return &info
	}
	return &model.SessionInfo{State: state}
}

// subscribeLocked starts following provider events once per connected run.
func (m *Manager) subscribeLocked() {
	if m.unsubscribe != nil || m.cfg.Provider == nil {
		return
	}

	events, unsubscribe := m.cfg.Provider.Subscribe()
	m.subSeq++
	m.subID = m.subSeq
	m.unsubscribe = unsubscribe

	go func(subID uint64) {
		for ev := range events {
			m.reconnect(subID, ev)
		}
	}(m.subID)
}

// reconnect re-runs Connect for a provider event unless the subscription
// that delivered it was torn down in the meantime.
func (m *Manager) reconnect(subID uint64, ev wallet.Event) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.subID != subID {
		return
	}

	m.logger.Info().Str("event", ev.Type.String()).Msg("provider event, reconnecting")
	if _, err := m.connectLocked(context.Background()); err != nil {
		m.logger.Warn().Err(err).Msg("reconnect failed, session closed")
	}
}
