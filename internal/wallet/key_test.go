package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"stockexchange/internal/chain"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainBackend answers eth_chainId only.
type chainBackend struct {
	chain.Backend
	id    atomic.Int64
	calls atomic.Int32
}

func (b *chainBackend) ChainID(context.Context) (*big.Int, error) {
	b.calls.Add(1)
	return big.NewInt(b.id.Load()), nil
}

func newKeys(t *testing.T, n int) []*ecdsa.PrivateKey {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	for i := range keys {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

func newTestProvider(t *testing.T, cfg KeyProviderConfig) (*KeyProvider, *chainBackend) {
	t.Helper()
	backend := &chainBackend{}
	backend.id.Store(model.SepoliaChainID)
	cfg.Backend = backend
	if cfg.Keys == nil {
		cfg.Keys = newKeys(t, 2)
	}
	p, err := NewKeyProvider(cfg)
	require.NoError(t, err)
	return p, backend
}

// Test_NewKeyProvider tests constructor validation
func Test_NewKeyProvider(t *testing.T) {
	_, err := NewKeyProvider(KeyProviderConfig{Keys: newKeys(t, 1)})
	assert.Error(t, err, "Should require a backend")

	_, err = NewKeyProvider(KeyProviderConfig{Backend: &chainBackend{}})
	assert.ErrorIs(t, err, ErrNoAccounts)
}

// Test_ParseKey tests private key decoding
func Test_ParseKey(t *testing.T) {
	key := newKeys(t, 1)[0]
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	for _, input := range []string{hexKey, "0x" + hexKey, " " + hexKey + "\n"} {
		parsed, err := ParseKey(input)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))
	}

	_, err := ParseKey("not-a-key")
	assert.Error(t, err)
}

// Test_RequestAccounts tests the approval prompt
func Test_RequestAccounts(t *testing.T) {
	tests := []struct {
		name        string
		approve     ApproveFunc
		expectErr   error
		description string
	}{
		{
			name:        "No prompt",
			description: "Should approve when no prompt is configured",
		},
		{
			name:        "Approved",
			approve:     func(context.Context, []common.Address) error { return nil },
			description: "Should return accounts after approval",
		},
		{
			name:        "Declined",
			approve:     func(context.Context, []common.Address) error { return errors.New("no") },
			expectErr:   failure.ErrUserRejected,
			description: "Should map a declined prompt to a rejection",
		},
		{
			name: "Abandoned",
			approve: func(ctx context.Context, _ []common.Address) error {
				return context.Canceled
			},
			expectErr:   context.Canceled,
			description: "Should keep cancellation as is",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := newKeys(t, 2)
			p, _ := newTestProvider(t, KeyProviderConfig{Keys: keys, Approve: tt.approve})

			accounts, err := p.RequestAccounts(context.Background())

			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr, tt.description)
				assert.Equal(t, failure.UserRejected, failure.KindOf(err))
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, []common.Address{
				crypto.PubkeyToAddress(keys[0].PublicKey),
				crypto.PubkeyToAddress(keys[1].PublicKey),
			}, accounts)
		})
	}
}

// Test_RequestAccounts_PromptsOnce tests that approval is remembered
func Test_RequestAccounts_PromptsOnce(t *testing.T) {
	var prompts atomic.Int32
	p, _ := newTestProvider(t, KeyProviderConfig{Approve: func(context.Context, []common.Address) error {
		prompts.Add(1)
		return nil
	}})

	for i := 0; i < 3; i++ {
		_, err := p.RequestAccounts(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), prompts.Load())
}

// Test_Signer tests signer creation
func Test_Signer(t *testing.T) {
	keys := newKeys(t, 1)
	p, _ := newTestProvider(t, KeyProviderConfig{Keys: keys})
	addr := crypto.PubkeyToAddress(keys[0].PublicKey)

	signer, err := p.Signer(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, addr, signer.Address())

	ts, ok := signer.(chain.TransactSigner)
	require.True(t, ok, "Key signers should transact")
	opts, err := ts.TransactOpts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, opts.From)
	assert.NotNil(t, ts.Backend())

	_, err = p.Signer(context.Background(), common.HexToAddress("0x01"))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

// Test_SwitchAccount tests accountsChanged emission
func Test_SwitchAccount(t *testing.T) {
	keys := newKeys(t, 2)
	p, _ := newTestProvider(t, KeyProviderConfig{Keys: keys})
	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	second := crypto.PubkeyToAddress(keys[1].PublicKey)
	require.NoError(t, p.SwitchAccount(second))

	select {
	case ev := <-events:
		assert.Equal(t, AccountsChanged, ev.Type)
		assert.Equal(t, second, ev.Accounts[0], "Active account should come first")
	case <-time.After(time.Second):
		t.Fatal("expected accountsChanged")
	}

	accounts, err := p.RequestAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, accounts[0])

	assert.ErrorIs(t, p.SwitchAccount(common.HexToAddress("0x01")), ErrUnknownAccount)
}

// Test_Watch_Heads tests chainChanged detection driven by new heads
func Test_Watch_Heads(t *testing.T) {
	heads := make(chan model.HeadEvent, 1)
	p, backend := newTestProvider(t, KeyProviderConfig{Heads: heads})
	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	require.NoError(t, p.Watch(context.Background()))
	defer p.Close()
	assert.Error(t, p.Watch(context.Background()), "Should refuse a second watcher")

	require.Eventually(t, func() bool { return backend.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	heads <- model.HeadEvent{Number: 1}
	require.Eventually(t, func() bool { return backend.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, events, "Same chain should not emit")

	backend.id.Store(1)
	heads <- model.HeadEvent{Number: 2}

	select {
	case ev := <-events:
		assert.Equal(t, ChainChanged, ev.Type)
		assert.Equal(t, int64(1), ev.ChainID)
	case <-time.After(time.Second):
		t.Fatal("expected chainChanged")
	}
}

// Test_Watch_Poll tests chainChanged detection by polling
func Test_Watch_Poll(t *testing.T) {
	p, backend := newTestProvider(t, KeyProviderConfig{ChainPollInterval: 10 * time.Millisecond})
	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	require.NoError(t, p.Watch(context.Background()))
	defer p.Close()

	require.Eventually(t, func() bool { return backend.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	backend.id.Store(5)

	select {
	case ev := <-events:
		assert.Equal(t, int64(5), ev.ChainID)
	case <-time.After(time.Second):
		t.Fatal("expected chainChanged")
	}
}

// Test_Hub tests fan-out, drop-oldest and unsubscribe
func Test_Hub(t *testing.T) {
	var h Hub
	events, unsubscribe := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	for i := 0; i < hubBuffer+2; i++ {
		h.Emit(Event{Type: ChainChanged, ChainID: int64(i)})
	}
	first := <-events
	assert.Equal(t, int64(2), first.ChainID, "Oldest events should be dropped")

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, h.Subscribers())

	for range events {
	}
	h.Emit(Event{Type: AccountsChanged})
}

// Test_Hub_ConcurrentDrain tests emitting into a full buffer while it is drained
func Test_Hub_ConcurrentDrain(t *testing.T) {
	var h Hub
	events, unsubscribe := h.Subscribe()

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				return
			case <-events:
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			h.Emit(Event{Type: ChainChanged, ChainID: int64(i)})
		}
		close(stop)
		<-drained
		unsubscribe()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit or unsubscribe blocked")
	}
	assert.Equal(t, 0, h.Subscribers())
}
