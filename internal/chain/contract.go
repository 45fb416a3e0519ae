// Package chain is the contract boundary of the exchange client.
//
// It exposes the exchange contract as the typed Contract interface and ships a
// go-ethereum backed implementation (Exchange) that encodes calls through the
// contract ABI. Every write returns a Tx whose confirmation must be awaited
// before the operation is considered complete.
package chain

import (
	"context"
	"errors"
	"math/big"

	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNoTransactor means a signer cannot sign transactions for a bound contract.
var ErrNoTransactor = errors.New("signer cannot transact")

// Backend is the node connection the bindings need: calls, transactions,
// receipts and native balances. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Signer is the identity a session acts as.
type Signer interface {
	Address() common.Address
}

// TransactSigner is a Signer able to produce transaction options.
type TransactSigner interface {
	Signer

	// TransactOpts returns fresh options bound to ctx for a single transaction.
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)

	// Backend returns the node connection transactions are sent through.
	Backend() Backend
}

// StockInfo is the raw on-chain stock struct.
type StockInfo struct {
	Name         string
	Symbol       string
	TokenAddress common.Address
	Price        *big.Int // wei per share
	LastUpdated  *big.Int // unix seconds
}

// OracleStatus describes the oracle funding of the contract.
type OracleStatus struct {
	Fee         *big.Int
	LinkBalance *big.Int
	LinkToken   common.Address
}

// Tx is a submitted transaction.
type Tx interface {
	Hash() common.Hash

	// Wait blocks until the transaction is mined or ctx ends. A mined but
	// reverted transaction returns its receipt together with an error.
	Wait(ctx context.Context) (model.Receipt, error)
}

// Reader is the read side of the exchange contract.
type Reader interface {
	Address() common.Address
	StockCount(ctx context.Context) (*big.Int, error)
	AllStockTokens(ctx context.Context) ([]common.Address, error)
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	Stock(ctx context.Context, symbol string) (StockInfo, error)
	Balance(ctx context.Context, symbol string, holder common.Address) (*big.Int, error)
	PriceString(ctx context.Context, symbol string) (string, error)
	StockPrice(ctx context.Context, symbol string) (price *big.Int, updatedAt *big.Int, err error)
	IsPriceFresh(ctx context.Context, symbol string) (bool, error)
	Owner(ctx context.Context) (common.Address, error)
	PriceFreshnessLimit(ctx context.Context) (*big.Int, error)
	TokenAddress(ctx context.Context, symbol string) (common.Address, error)
	Oracle(ctx context.Context) (OracleStatus, error)
}

// Writer is the state-changing side of the exchange contract.
type Writer interface {
	AddStock(ctx context.Context, symbol, name string) (Tx, error)
	RemoveStock(ctx context.Context, symbol string) (Tx, error)
	BuyStock(ctx context.Context, symbol string, amount, value *big.Int) (Tx, error)
	SellStock(ctx context.Context, symbol string, amount *big.Int) (Tx, error)
	SimulatePriceUpdate(ctx context.Context, symbol, price string) (Tx, error)
	RequestPriceUpdate(ctx context.Context, symbol string) (Tx, error)
	SetPriceFreshnessLimit(ctx context.Context, seconds *big.Int) (Tx, error)
	TransferOwnership(ctx context.Context, newOwner common.Address) (Tx, error)
	Transform(ctx context.Context, symbol string, from, to common.Address, amount *big.Int) (Tx, error)
}

// Contract is the full exchange contract handle bound to a signer.
type Contract interface {
	Reader
	Writer
}

// Binder binds the exchange contract to a session signer.
type Binder func(signer Signer) (Contract, error)

// NewBinder returns a Binder for the exchange deployed at address.
func NewBinder(address common.Address) Binder {
	return func(signer Signer) (Contract, error) {
		ts, ok := signer.(TransactSigner)
		if !ok {
			return nil, ErrNoTransactor
		}
		return NewExchange(address, ts)
	}
}
