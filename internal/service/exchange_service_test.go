package service

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stockexchange/internal/chain/chaintest"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/tokenstore"
	"stockexchange/internal/utils"
	"stockexchange/internal/wallet/wallettest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ownerAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holderAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	otherAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// staticBalances reports one ether and one unit of every token.
type staticBalances struct{}

func (staticBalances) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return ether(1), nil
}

func (staticBalances) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return ether(1), nil
}

func (staticBalances) Metadata(context.Context, common.Address) (string, uint8, error) {
	return "TKN", 18, nil
}

func (staticBalances) HasCode(context.Context, common.Address) (bool, error) {
	return true, nil
}

type serviceFixture struct {
	ex       *chaintest.Exchange
	provider *wallettest.Provider
	svc      *ExchangeService
}

func newServiceFixture(t *testing.T, accounts ...common.Address) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		ex:       chaintest.New(ownerAddr),
		provider: wallettest.New(model.SepoliaChainID, accounts...),
	}
	f.ex.Seed("AAPL", "Apple", ether(2), time.Now())
	f.ex.Seed("MSFT", "Microsoft", ether(3), time.Now())
	f.ex.SeedBalance("AAPL", holderAddr, 4)

	store, err := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, err)

	f.svc, err = NewExchangeService(Config{
		Provider:    f.provider,
		Binder:      f.ex.Binder(),
		Balances:    staticBalances{},
		Tokens:      store,
		QuietPeriod: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { _ = f.svc.Stop() })
	return f
}

func waitFor(t *testing.T, sub *Subscriber, match func(model.Event) bool) model.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "Subscription closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("Timed out waiting for event")
			return model.Event{}
		}
	}
}

// Test_NewExchangeService tests constructor validation
func Test_NewExchangeService(t *testing.T) {
	ex := chaintest.New(ownerAddr)
	store, err := tokenstore.NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, err)

	tests := []struct {
		name        string
		config      Config
		expectError bool
		description string
	}{
		{
			name:        "Missing binder",
			config:      Config{},
			expectError: true,
			description: "Should require a contract binder",
		},
		{
			name:        "Half a portfolio",
			config:      Config{Binder: ex.Binder(), Balances: staticBalances{}},
			expectError: true,
			description: "Should require the token store with a balance reader",
		},
		{
			name:        "Without portfolio",
			config:      Config{Binder: ex.Binder()},
			description: "Should build without the portfolio",
		},
		{
			name:        "Full",
			config:      Config{Binder: ex.Binder(), Balances: staticBalances{}, Tokens: store},
			description: "Should build every component",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewExchangeService(tt.config)
			if tt.expectError {
				assert.Error(t, err, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			assert.NotNil(t, svc.Sessions())
			assert.NotNil(t, svc.Directory())
			assert.NotNil(t, svc.Freshness())
			assert.NotNil(t, svc.Orchestrator())
			assert.Equal(t, tt.config.Balances != nil, svc.Portfolio() != nil)
			assert.Equal(t, model.Disconnected, svc.Session().State)
		})
	}
}

// Test_StartStop tests the service lifecycle
func Test_StartStop(t *testing.T) {
	svc, err := NewExchangeService(Config{Binder: chaintest.New(ownerAddr).Binder()})
	require.NoError(t, err)

	_, err = svc.Events()
	assert.ErrorIs(t, err, ErrNotStarted, "Should not subscribe before start")
	assert.Error(t, svc.Stop(), "Should not stop before start")

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()), "Should reject a second start")

	sub, err := svc.Events()
	require.NoError(t, err)
	require.NoError(t, svc.Stop())

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "Stopping closes subscriptions")
	assert.Error(t, svc.Stop())
}

// Test_Connect tests the connect flow and its events
func Test_Connect(t *testing.T) {
	f := newServiceFixture(t, holderAddr)
	sub, err := f.svc.Events(model.EventSession, model.EventDirectory)
	require.NoError(t, err)

	info, err := f.svc.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, holderAddr, info.Account)
	assert.Equal(t, model.RoleHolder, info.Role)
	assert.Equal(t, model.Connected, info.State)

	assert.Equal(t, model.Connecting, waitFor(t, sub, func(ev model.Event) bool { return ev.Kind == model.EventSession }).Session.State)
	assert.Equal(t, model.Connected, waitFor(t, sub, func(ev model.Event) bool { return ev.Kind == model.EventSession }).Session.State)
	snap := waitFor(t, sub, func(ev model.Event) bool { return ev.Kind == model.EventDirectory }).Snapshot
	require.NotNil(t, snap)
	assert.Equal(t, info.ID, snap.SessionID)

	records := f.svc.Directory().Records()
	require.Len(t, records, 2)
	assert.Equal(t, "AAPL", records[0].Symbol)
	assert.Equal(t, "4", f.svc.Directory().Holding("AAPL"))

	positions := f.svc.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "8", positions[0].Value.String())
}

// Test_Connect_Errors tests that failures leave the service disconnected
func Test_Connect_Errors(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *serviceFixture)
		expectKind  failure.Kind
		description string
	}{
		{
			name:        "Rejected",
			setup:       func(f *serviceFixture) { f.provider.Reject(true) },
			expectKind:  failure.UserRejected,
			description: "Should report a declined prompt",
		},
		{
			name:        "Wrong network",
			setup:       func(f *serviceFixture) { f.provider.SetChain(1) },
			expectKind:  failure.WrongNetwork,
			description: "Should refuse other chains",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, holderAddr)
			tt.setup(f)

			info, err := f.svc.Connect(context.Background())

			require.Error(t, err, tt.description)
			assert.Equal(t, tt.expectKind, failure.KindOf(err), tt.description)
			assert.Equal(t, model.Disconnected, info.State)
			assert.Nil(t, f.svc.Directory().Snapshot())
		})
	}
}

// Test_Disconnect_ClearsState tests that a disconnect empties records,
// holdings, pending operations and freshness
func Test_Disconnect_ClearsState(t *testing.T) {
	f := newServiceFixture(t, holderAddr)
	ctx := context.Background()
	_, err := f.svc.Connect(ctx)
	require.NoError(t, err)

	state, err := f.svc.Freshness().Check(ctx, "AAPL")
	require.NoError(t, err)
	require.Equal(t, model.FreshnessFresh, state.Status)

	release := f.ex.HoldReceipts()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Orchestrator().Buy(ctx, "AAPL", "1")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.svc.Orchestrator().Pending()) == 1 }, time.Second, 5*time.Millisecond)

	f.svc.Disconnect()

	assert.Empty(t, f.svc.Directory().Records())
	assert.Empty(t, f.svc.Directory().Holdings())
	assert.Empty(t, f.svc.Orchestrator().Pending())
	assert.Empty(t, f.svc.Freshness().States())
	assert.Equal(t, model.Disconnected, f.svc.Session().State)

	release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Buy did not return after release")
	}
	assert.Empty(t, f.svc.Orchestrator().Pending(), "A late settle does not resurrect the operation")
	assert.Empty(t, f.svc.Directory().Records(), "A late refresh does not repopulate the directory")
}

// Test_Reconnect tests that a wallet account change reloads the directory
func Test_Reconnect(t *testing.T) {
	f := newServiceFixture(t, holderAddr, otherAddr)
	ctx := context.Background()
	first, err := f.svc.Connect(ctx)
	require.NoError(t, err)

	sub, err := f.svc.Events(model.EventDirectory)
	require.NoError(t, err)

	f.provider.SetAccounts(otherAddr, holderAddr)

	snap := waitFor(t, sub, func(ev model.Event) bool {
		return ev.Snapshot != nil && ev.Snapshot.SessionID != first.ID
	}).Snapshot
	assert.Equal(t, otherAddr, f.svc.Session().Account)
	assert.Equal(t, f.svc.Session().ID, snap.SessionID)
	assert.Equal(t, "0", f.svc.Directory().Holding("AAPL"), "Holdings follow the new account")
}

// Test_Balances tests the portfolio passthrough
func Test_Balances(t *testing.T) {
	f := newServiceFixture(t, holderAddr)
	ctx := context.Background()

	_, err := f.svc.Balances(ctx)
	assert.Equal(t, failure.NotConnected, failure.KindOf(err))

	_, err = f.svc.Connect(ctx)
	require.NoError(t, err)

	balances, err := f.svc.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.True(t, balances[0].IsNative)
	assert.Equal(t, "1", balances[0].Balance.String())
	assert.Equal(t, "LINK", balances[1].Token.Symbol)

	svc, err := NewExchangeService(Config{Binder: f.ex.Binder()})
	require.NoError(t, err)
	_, err = svc.Balances(ctx)
	assert.Error(t, err, "Should fail without a portfolio")
}

// Test_FreshnessEvents tests that debounced checks reach subscribers
func Test_FreshnessEvents(t *testing.T) {
	f := newServiceFixture(t, holderAddr)
	_, err := f.svc.Connect(context.Background())
	require.NoError(t, err)

	sub, err := f.svc.Events(model.EventFreshness)
	require.NoError(t, err)

	f.svc.Freshness().Input("msft")

	ev := waitFor(t, sub, func(ev model.Event) bool { return ev.Freshness.Status == model.FreshnessFresh })
	assert.Equal(t, "MSFT", ev.Freshness.Symbol)
	assert.True(t, f.svc.Freshness().IsFresh("MSFT"))
}

// Test_CheckFreshness tests checking several symbols at once
func Test_CheckFreshness(t *testing.T) {
	f := newServiceFixture(t, holderAddr)
	f.ex.Seed("OLD", "Old Corp", ether(1), time.Now().Add(-2*time.Hour))
	_, err := f.svc.Connect(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name        string
		symbols     []string
		expect      []model.FreshnessStatus
		expectKind  failure.Kind
		expectErr   error
		description string
	}{
		{
			name:        "Several symbols",
			symbols:     []string{"aapl", "OLD", "MSFT"},
			expect:      []model.FreshnessStatus{model.FreshnessFresh, model.FreshnessStale, model.FreshnessFresh},
			description: "Should return one state per symbol in order",
		},
		{
			name:        "No symbols",
			expectKind:  failure.InvalidInput,
			expectErr:   utils.ErrNoSymbols,
			description: "Should reject an empty request",
		},
		{
			name:        "Too many symbols",
			symbols:     strings.Split(strings.Repeat("AAPL,", MaxFreshnessBatch+1), ",")[:MaxFreshnessBatch+1],
			expectKind:  failure.InvalidInput,
			expectErr:   utils.ErrTooManySymbols,
			description: "Should bound the batch",
		},
		{
			name:        "Invalid symbol",
			symbols:     []string{"AAPL", "BAD SYMBOL"},
			expectKind:  failure.InvalidInput,
			description: "Should validate every symbol before any check",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.ex.Calls("isPriceFresh")
			states, err := f.svc.CheckFreshness(context.Background(), tt.symbols...)

			if tt.expectKind != failure.Unknown {
				require.Error(t, err, tt.description)
				assert.Equal(t, tt.expectKind, failure.KindOf(err))
				if tt.expectErr != nil {
					assert.ErrorIs(t, err, tt.expectErr)
				}
				assert.Equal(t, before, f.ex.Calls("isPriceFresh"), "Validation should not touch the network")
				return
			}

			require.NoError(t, err, tt.description)
			require.Len(t, states, len(tt.expect))
			for i, st := range states {
				assert.Equal(t, tt.expect[i], st.Status, tt.symbols[i])
			}
			assert.True(t, f.svc.Freshness().IsFresh("AAPL"), "Checks do not revoke each other")
		})
	}
}
