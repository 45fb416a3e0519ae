package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stockexchange/internal/chain"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

const defaultChainPollInterval = 12 * time.Second

// ApproveFunc decides whether the listed accounts may be exposed. Returning
// an error declines the request.
type ApproveFunc func(ctx context.Context, accounts []common.Address) error

// KeyProviderConfig configures a KeyProvider.
type KeyProviderConfig struct {
	// Backend is the node connection. Required.
	Backend chain.Backend

	// Keys are the accounts the provider holds; the first one starts active.
	Keys []*ecdsa.PrivateKey

	// Approve is consulted on the first RequestAccounts. Nil approves.
	Approve ApproveFunc

	// ChainPollInterval is the chain id polling period used when Heads is nil.
	ChainPollInterval time.Duration

	// Heads, when set, triggers a chain id check on every new block.
	Heads <-chan model.HeadEvent
}

// KeyProvider is a Provider backed by local private keys.
type KeyProvider struct {
	Hub

	cfg     KeyProviderConfig
	backend chain.Backend

	mu       sync.Mutex
	keys     []*ecdsa.PrivateKey
	active   int
	approved bool

	watching atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Compile-time check
var _ Provider = (*KeyProvider)(nil)

// NewKeyProvider validates cfg and returns a provider.
func NewKeyProvider(cfg KeyProviderConfig) (*KeyProvider, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if len(cfg.Keys) == 0 {
		return nil, ErrNoAccounts
	}
	if cfg.ChainPollInterval <= 0 {
		cfg.ChainPollInterval = defaultChainPollInterval
	}

	return &KeyProvider{
		cfg:     cfg,
		backend: cfg.Backend,
		keys:    append([]*ecdsa.PrivateKey(nil), cfg.Keys...),
	}, nil
}

// ParseKey decodes a hex private key, with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (p *KeyProvider) accountsLocked() []common.Address {
	out := make([]common.Address, 0, len(p.keys))
	out = append(out, crypto.PubkeyToAddress(p.keys[p.active].PublicKey))
	for i, k := range p.keys {
		if i != p.active {
			out = append(out, crypto.PubkeyToAddress(k.PublicKey))
		}
	}
	return out
}

// RequestAccounts returns the accounts, asking Approve the first time.
func (p *KeyProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.mu.Lock()
	accounts := p.accountsLocked()
	approved := p.approved
	p.mu.Unlock()

	if approved || p.cfg.Approve == nil {
		p.setApproved()
		return accounts, nil
	}

	if err := p.cfg.Approve(ctx, accounts); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, failure.ErrUserRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", failure.ErrUserRejected, err)
	}

	p.setApproved()
	return accounts, nil
}

func (p *KeyProvider) setApproved() {
	p.mu.Lock()
	p.approved = true
	p.mu.Unlock()
}

// ChainID asks the node for its chain id.
func (p *KeyProvider) ChainID(ctx context.Context) (int64, error) {
	id, err := p.backend.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain id: %w", err)
	}
	if !id.IsInt64() {
		return 0, fmt.Errorf("chain id %s out of range", id)
	}
	return id.Int64(), nil
}

// Signer returns a signer for account on the provider's current chain.
func (p *KeyProvider) Signer(ctx context.Context, account common.Address) (chain.Signer, error) {
	p.mu.Lock()
	var key *ecdsa.PrivateKey
	for _, k := range p.keys {
		if crypto.PubkeyToAddress(k.PublicKey) == account {
			key = k
			break
		}
	}
	p.mu.Unlock()

	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}

	chainID, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	return &keySigner{
		key:     key,
		address: account,
		chainID: big.NewInt(chainID),
		backend: p.backend,
	}, nil
}

// SwitchAccount makes account active and emits accountsChanged.
func (p *KeyProvider) SwitchAccount(account common.Address) error {
	p.mu.Lock()
	idx := -1
	for i, k := range p.keys {
		if crypto.PubkeyToAddress(k.PublicKey) == account {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	p.active = idx
	accounts := p.accountsLocked()
	p.mu.Unlock()

	p.Emit(Event{Type: AccountsChanged, Accounts: accounts})
	return nil
}

// Watch starts chain id monitoring. A change of chain id emits chainChanged.
func (p *KeyProvider) Watch(ctx context.Context) error {
	if !p.watching.CompareAndSwap(false, true) {
		return errors.New("provider watcher already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.watchLoop(ctx)
	return nil
}

// Close stops the watcher.
func (p *KeyProvider) Close() {
	if !p.watching.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.done
}

func (p *KeyProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	logger := log.With().Str("component", "wallet.watch").Logger()

	var tick <-chan time.Time
	if p.cfg.Heads == nil {
		ticker := time.NewTicker(p.cfg.ChainPollInterval)
		defer ticker.Stop()
		tick = ticker.C
		logger.Info().Dur("period", p.cfg.ChainPollInterval).Msg("polling chain id")
	} else {
		logger.Info().Msg("checking chain id on new heads")
	}

	var last int64
	p.checkChain(ctx, &last)

	heads := p.cfg.Heads
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-heads:
			if !ok {
				// Stream ended, fall back to polling.
				logger.Warn().Msg("head stream closed, polling chain id")
				heads = nil
				ticker := time.NewTicker(p.cfg.ChainPollInterval)
				defer ticker.Stop()
				tick = ticker.C
				continue
			}
			p.checkChain(ctx, &last)
		case <-tick:
			p.checkChain(ctx, &last)
		}
	}
}

// checkChain compares the node's chain id with *last and records it.
func (p *KeyProvider) checkChain(ctx context.Context, last *int64) {
	prev := *last
	id, err := p.ChainID(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("component", "wallet.watch").Msg("chain id check failed")
		}
		return
	}
	*last = id
	if prev != 0 && id != prev {
		log.Info().Int64("from", prev).Int64("to", id).Str("component", "wallet.watch").Msg("chain changed")
		p.Emit(Event{Type: ChainChanged, ChainID: id})
	}
}

// keySigner signs with a local key.
type keySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	backend chain.Backend
}

func (s *keySigner) Address() common.Address { return s.address }

func (s *keySigner) Backend() chain.Backend { return s.backend }

func (s *keySigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
