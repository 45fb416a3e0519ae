package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stockexchange/internal/chain/chaintest"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/wallet/wallettest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ownerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holderAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type countingResetter struct {
	n atomic.Int32
}

func (r *countingResetter) Reset() { r.n.Add(1) }

type eventLog struct {
	mu     sync.Mutex
	states []model.ConnectionState
}

func (l *eventLog) notify(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, ev.Session.State)
}

func (l *eventLog) get() []model.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ConnectionState(nil), l.states...)
}

func newTestManager(t *testing.T, provider *wallettest.Provider) (*Manager, *chaintest.Exchange, *countingResetter) {
	t.Helper()
	ex := chaintest.New(ownerAddr)
	cfg := Config{Binder: ex.Binder()}
	if provider != nil {
		cfg.Provider = provider
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)

	r := &countingResetter{}
	m.Register(r)
	return m, ex, r
}

// Test_NewManager tests constructor validation
func Test_NewManager(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)

	m, err := NewManager(Config{Binder: chaintest.New(ownerAddr).Binder()})
	require.NoError(t, err)
	assert.Equal(t, model.SepoliaChainID, m.cfg.ChainID)
	assert.Equal(t, model.Disconnected, m.State())
	assert.Nil(t, m.Current())
}

// Test_Connect tests the handshake outcomes
func Test_Connect(t *testing.T) {
	tests := []struct {
		name        string
		provider    func() *wallettest.Provider
		expectKind  failure.Kind
		expectError bool
		expectRole  model.Role
		description string
	}{
		{
			name:        "Holder",
			provider:    func() *wallettest.Provider { return wallettest.New(model.SepoliaChainID, holderAddr) },
			expectRole:  model.RoleHolder,
			description: "Should connect a non-owner as holder",
		},
		{
			name:        "Owner",
			provider:    func() *wallettest.Provider { return wallettest.New(model.SepoliaChainID, ownerAddr, holderAddr) },
			expectRole:  model.RoleOwner,
			description: "Should derive the owner role from owner()",
		},
		{
			name:        "No provider",
			provider:    func() *wallettest.Provider { return nil },
			expectError: true,
			expectKind:  failure.ProviderUnavailable,
			description: "Should fail without a provider",
		},
		{
			name: "Rejected",
			provider: func() *wallettest.Provider {
				p := wallettest.New(model.SepoliaChainID, holderAddr)
				p.Reject(true)
				return p
			},
			expectError: true,
			expectKind:  failure.UserRejected,
			description: "Should surface a declined prompt",
		},
		{
			name:        "No accounts",
			provider:    func() *wallettest.Provider { return wallettest.New(model.SepoliaChainID) },
			expectError: true,
			expectKind:  failure.UserRejected,
			description: "Should treat an empty account list as a rejection",
		},
		{
			name:        "Wrong network",
			provider:    func() *wallettest.Provider { return wallettest.New(1, holderAddr) },
			expectError: true,
			expectKind:  failure.WrongNetwork,
			description: "Should refuse any chain but Sepolia",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ex, resets := newTestManager(t, tt.provider())

			s, err := m.Connect(context.Background())

			if tt.expectError {
				require.Error(t, err, tt.description)
				assert.Equal(t, tt.expectKind, failure.KindOf(err), tt.description)
				assert.Nil(t, s)
				assert.Nil(t, m.Current(), "Nothing should be retained")
				assert.Equal(t, model.Disconnected, m.State())
				assert.Equal(t, int32(1), resets.n.Load(), "Dependents should be reset")
				if tt.expectKind == failure.WrongNetwork {
					assert.Zero(t, ex.TotalCalls(), "No contract call on the wrong network")
				}
				return
			}

			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.expectRole, s.Role)
			assert.Equal(t, model.Connected, m.State())
			assert.Same(t, s, m.Current())
			assert.Equal(t, model.SepoliaChainID, s.ChainID)
			assert.Equal(t, chaintest.Address, s.Contract.Address())
			assert.Zero(t, resets.n.Load(), "First connect should not reset")
		})
	}
}

// Test_Connect_OwnerReadFails tests that a failed owner() read aborts the handshake
func Test_Connect_OwnerReadFails(t *testing.T) {
	m, ex, _ := newTestManager(t, wallettest.New(model.SepoliaChainID, holderAddr))
	ex.FailRead("owner", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"))

	_, err := m.Connect(context.Background())

	require.Error(t, err)
	assert.Equal(t, model.Disconnected, m.State())
	assert.Nil(t, m.Current())
}

// Test_Connect_MonotonicIDs tests that every session gets a new id
func Test_Connect_MonotonicIDs(t *testing.T) {
	m, _, resets := newTestManager(t, wallettest.New(model.SepoliaChainID, holderAddr))

	first, err := m.Connect(context.Background())
	require.NoError(t, err)
	second, err := m.Connect(context.Background())
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, int32(1), resets.n.Load(), "Replacing a session should reset dependents")
}

// Test_Disconnect tests teardown and idempotency
func Test_Disconnect(t *testing.T) {
	provider := wallettest.New(model.SepoliaChainID, holderAddr)
	m, _, resets := newTestManager(t, provider)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, provider.Subscribers())

	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, model.Disconnected, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, int32(2), resets.n.Load())
	assert.Equal(t, 0, provider.Subscribers(), "Provider subscription should be cancelled")
	assert.Equal(t, model.SessionInfo{State: model.Disconnected}, m.Info())
}

// Test_Disconnect_AbortsConnect tests that disconnect cancels a pending prompt
func Test_Disconnect_AbortsConnect(t *testing.T) {
	provider := wallettest.New(model.SepoliaChainID, holderAddr)
	release := provider.Block()
	defer release()
	m, _, _ := newTestManager(t, provider)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return provider.Requests() == 1 }, time.Second, 5*time.Millisecond)
	m.Disconnect()

	select {
	case err := <-errCh:
		assert.Equal(t, failure.UserRejected, failure.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("connect should be aborted")
	}
	assert.Equal(t, model.Disconnected, m.State())
}

// Test_AccountsChanged tests reconnection on account switch
func Test_AccountsChanged(t *testing.T) {
	provider := wallettest.New(model.SepoliaChainID, holderAddr, ownerAddr)
	m, _, resets := newTestManager(t, provider)

	first, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.RoleHolder, first.Role)

	provider.SetAccounts(ownerAddr, holderAddr)

	require.Eventually(t, func() bool {
		s := m.Current()
		return s != nil && s.Account == ownerAddr
	}, time.Second, 5*time.Millisecond)

	s := m.Current()
	assert.Equal(t, model.RoleOwner, s.Role)
	assert.Greater(t, s.ID, first.ID)
	assert.GreaterOrEqual(t, resets.n.Load(), int32(1))
	assert.Equal(t, 1, provider.Subscribers(), "Reconnect should keep a single subscription")
}

// Test_ChainChanged tests that switching to another network ends the session
func Test_ChainChanged(t *testing.T) {
	provider := wallettest.New(model.SepoliaChainID, holderAddr)
	m, _, _ := newTestManager(t, provider)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	provider.SetChain(1)

	require.Eventually(t, func() bool { return m.State() == model.Disconnected }, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.Current())
	require.Eventually(t, func() bool { return provider.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

// Test_Notify tests the published state transitions
func Test_Notify(t *testing.T) {
	events := &eventLog{}
	ex := chaintest.New(ownerAddr)
	m, err := NewManager(Config{
		Provider: wallettest.New(model.SepoliaChainID, holderAddr),
		Binder:   ex.Binder(),
		Notify:   events.notify,
	})
	require.NoError(t, err)

	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	m.Disconnect()

	assert.Equal(t, []model.ConnectionState{model.Connecting, model.Connected, model.Disconnected}, events.get())
}
