// Package wallet is the provider boundary of the exchange client.
//
// A Provider plays the role of an injected browser wallet: it hands out the
// authorized accounts after an approval step, reports the chain it is on,
// produces transaction signers and raises accountsChanged / chainChanged
// events. KeyProvider implements it on top of local private keys and a
// JSON-RPC node.
package wallet

import (
	"context"
	"errors"

	"stockexchange/internal/chain"

	"github.com/ethereum/go-ethereum/common"
)

// EventType is a provider notification type.
type EventType int

const (
	AccountsChanged EventType = iota
	ChainChanged
)

func (t EventType) String() string {
	if t == ChainChanged {
		return "chainChanged"
	}
	return "accountsChanged"
}

// Event is a provider notification.
type Event struct {
	Type     EventType
	Accounts []common.Address // AccountsChanged: active account first
	ChainID  int64            // ChainChanged: the new chain
}

// Provider is an injected wallet.
type Provider interface {
	// RequestAccounts prompts for authorization and returns the accounts,
	// active account first. A declined prompt returns an error matching
	// failure.ErrUserRejected.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// ChainID returns the chain the provider is connected to.
	ChainID(ctx context.Context) (int64, error)

	// Signer returns a transaction signer for an authorized account.
	Signer(ctx context.Context, account common.Address) (chain.Signer, error)

	// Subscribe registers for provider events. The returned func cancels the
	// subscription and closes the channel; calling it twice is safe.
	Subscribe() (<-chan Event, func())
}

// Provider errors
var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrNoAccounts     = errors.New("provider holds no accounts")
)
