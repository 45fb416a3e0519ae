// Package wallettest provides a scriptable wallet.Provider for tests.
package wallettest

import (
	"context"
	"fmt"
	"sync"

	"stockexchange/internal/chain"
	"stockexchange/internal/failure"
	"stockexchange/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
)

// Signer is an address-only signer, enough for in-memory contracts.
type Signer common.Address

func (s Signer) Address() common.Address { return common.Address(s) }

// Provider is an in-memory wallet whose answers tests can change at any time.
type Provider struct {
	wallet.Hub

	mu       sync.Mutex
	accounts []common.Address
	chainID  int64
	reject   error
	chainErr error
	gate     chan struct{}
	requests int
}

var _ wallet.Provider = (*Provider)(nil)

// New returns a provider on chainID holding accounts, the first one active.
func New(chainID int64, accounts ...common.Address) *Provider {
	return &Provider{chainID: chainID, accounts: accounts}
}

// RequestAccounts returns the accounts or the configured rejection.
func (p *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.mu.Lock()
	p.requests++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject != nil {
		return nil, p.reject
	}
	return append([]common.Address(nil), p.accounts...), nil
}

// ChainID returns the configured chain.
func (p *Provider) ChainID(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chainErr != nil {
		return 0, p.chainErr
	}
	return p.chainID, nil
}

// Signer returns an address-only signer for a held account.
func (p *Provider) Signer(_ context.Context, account common.Address) (chain.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a == account {
			return Signer(account), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", wallet.ErrUnknownAccount, account.Hex())
}

// Reject makes RequestAccounts fail with a user rejection. Nil clears it.
func (p *Provider) Reject(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reject {
		p.reject = fmt.Errorf("%w: declined", failure.ErrUserRejected)
	} else {
		p.reject = nil
	}
}

// FailChainID makes ChainID fail with err. Nil clears it.
func (p *Provider) FailChainID(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chainErr = err
}

// Block makes RequestAccounts wait until the returned func is called.
func (p *Provider) Block() (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.gate = ch
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == ch {
				p.gate = nil
			}
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Requests returns how many times RequestAccounts was called.
func (p *Provider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// SetAccounts replaces the accounts and emits accountsChanged.
func (p *Provider) SetAccounts(accounts ...common.Address) {
	p.mu.Lock()
	p.accounts = accounts
	p.mu.Unlock()
	p.Emit(wallet.Event{Type: wallet.AccountsChanged, Accounts: accounts})
}

// SetChain switches the chain and emits chainChanged.
func (p *Provider) SetChain(chainID int64) {
	p.mu.Lock()
	p.chainID = chainID
	p.mu.Unlock()
	p.Emit(wallet.Event{Type: wallet.ChainChanged, ChainID: chainID})
}
