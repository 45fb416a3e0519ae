package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"stockexchange/internal/failure"
	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Exchange is the go-ethereum binding of the exchange contract.
type Exchange struct {
	address common.Address
	signer  TransactSigner
	backend Backend
	bound   *bind.BoundContract
}

// Compile-time check
var _ Contract = (*Exchange)(nil)

// NewExchange binds the exchange contract at address to signer.
func NewExchange(address common.Address, signer TransactSigner) (*Exchange, error) {
	if signer == nil {
		return nil, ErrNoTransactor
	}
	if address == (common.Address{}) {
		return nil, errors.New("exchange address is required")
	}

	backend := signer.Backend()
	if backend == nil {
		return nil, errors.New("signer has no backend")
	}

	parsed, err := ExchangeABI()
	if err != nil {
		return nil, err
	}

	return &Exchange{
		address: address,
		signer:  signer,
		backend: backend,
		bound:   bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address returns the contract address.
func (e *Exchange) Address() common.Address {
	return e.address
}

func (e *Exchange) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: e.signer.Address()}
	if err := e.bound.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

// first extracts the first return value of method as T.
func first[T any](method string, out []any) (T, error) {
	var zero T
	if len(out) == 0 {
		return zero, fmt.Errorf("%s: empty result", method)
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return v, nil
}

func callOne[T any](ctx context.Context, e *Exchange, method string, args ...any) (T, error) {
	out, err := e.call(ctx, method, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return first[T](method, out)
}

// StockCount calls getStockCount.
func (e *Exchange) StockCount(ctx context.Context) (*big.Int, error) {
	return callOne[*big.Int](ctx, e, "getStockCount")
}

// AllStockTokens returns every listed token address.
func (e *Exchange) AllStockTokens(ctx context.Context) ([]common.Address, error) {
	return callOne[[]common.Address](ctx, e, "getAllStockTokens")
}

// TokenSymbol maps a listed token back to its stock symbol.
func (e *Exchange) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	return callOne[string](ctx, e, "getTokenSymbol", token)
}

// Stock reads the public stocks(symbol) mapping.
func (e *Exchange) Stock(ctx context.Context, symbol string) (StockInfo, error) {
	out, err := e.call(ctx, "stocks", symbol)
	if err != nil {
		return StockInfo{}, err
	}
	if len(out) != 5 {
		return StockInfo{}, fmt.Errorf("stocks: expected 5 values, got %d", len(out))
	}

	name, ok1 := out[0].(string)
	sym, ok2 := out[1].(string)
	token, ok3 := out[2].(common.Address)
	price, ok4 := out[3].(*big.Int)
	updated, ok5 := out[4].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return StockInfo{}, errors.New("stocks: unexpected result types")
	}

	return StockInfo{
		Name:         name,
		Symbol:       sym,
		TokenAddress: token,
		Price:        price,
		LastUpdated:  updated,
	}, nil
}

// Balance returns holder's token balance of symbol.
func (e *Exchange) Balance(ctx context.Context, symbol string, holder common.Address) (*big.Int, error) {
	return callOne[*big.Int](ctx, e, "getBalance", symbol, holder)
}

// PriceString returns the price as the contract formats it.
func (e *Exchange) PriceString(ctx context.Context, symbol string) (string, error) {
	return callOne[string](ctx, e, "getPirceStr", symbol)
}

// StockPrice returns the wei price and its unix update time.
func (e *Exchange) StockPrice(ctx context.Context, symbol string) (*big.Int, *big.Int, error) {
	out, err := e.call(ctx, "getStockPrice", symbol)
	if err != nil {
		return nil, nil, err
	}
	if len(out) != 2 {
		return nil, nil, fmt.Errorf("getStockPrice: expected 2 values, got %d", len(out))
	}
	price, ok1 := out[0].(*big.Int)
	updated, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, nil, errors.New("getStockPrice: unexpected result types")
	}
	return price, updated, nil
}

// IsPriceFresh reports whether the price is within the freshness limit.
func (e *Exchange) IsPriceFresh(ctx context.Context, symbol string) (bool, error) {
	return callOne[bool](ctx, e, "isPriceFresh", symbol)
}

// Owner returns the contract owner.
func (e *Exchange) Owner(ctx context.Context) (common.Address, error) {
	return callOne[common.Address](ctx, e, "owner")
}

// PriceFreshnessLimit returns the freshness window in seconds.
func (e *Exchange) PriceFreshnessLimit(ctx context.Context) (*big.Int, error) {
	return callOne[*big.Int](ctx, e, "priceFreshnessLimit")
}

// TokenAddress returns the token contract of symbol.
func (e *Exchange) TokenAddress(ctx context.Context, symbol string) (common.Address, error) {
	return callOne[common.Address](ctx, e, "getTokenAddress", symbol)
}

// Oracle reads the fee and LINK funding of the price oracle.
func (e *Exchange) Oracle(ctx context.Context) (OracleStatus, error) {
	fee, err := callOne[*big.Int](ctx, e, "fee")
	if err != nil {
		return OracleStatus{}, err
	}
	balance, err := callOne[*big.Int](ctx, e, "getLinkBalance")
	if err != nil {
		return OracleStatus{}, err
	}
	token, err := callOne[common.Address](ctx, e, "getLinkTokenAddress")
	if err != nil {
		return OracleStatus{}, err
	}
	return OracleStatus{Fee: fee, LinkBalance: balance, LinkToken: token}, nil
}

func (e *Exchange) transact(ctx context.Context, value *big.Int, method string, args ...any) (Tx, error) {
	opts, err := e.signer.TransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := e.bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return &pendingTx{tx: tx, backend: e.backend}, nil
}

// AddStock lists a new stock. Owner only.
func (e *Exchange) AddStock(ctx context.Context, symbol, name string) (Tx, error) {
	return e.transact(ctx, nil, "addStock", symbol, name)
}

// RemoveStock delists a stock. Owner only.
func (e *Exchange) RemoveStock(ctx context.Context, symbol string) (Tx, error) {
	return e.transact(ctx, nil, "removeStock", symbol)
}

// BuyStock sends value wei along with the purchase.
func (e *Exchange) BuyStock(ctx context.Context, symbol string, amount, value *big.Int) (Tx, error) {
	return e.transact(ctx, value, "buyStock", symbol, amount)
}

// SellStock sells amount tokens back for ETH.
func (e *Exchange) SellStock(ctx context.Context, symbol string, amount *big.Int) (Tx, error) {
	return e.transact(ctx, nil, "sellStock", symbol, amount)
}

// SimulatePriceUpdate sets the price directly. The contract parses price as a
// base-10 wei integer string.
func (e *Exchange) SimulatePriceUpdate(ctx context.Context, symbol, price string) (Tx, error) {
	return e.transact(ctx, nil, "simulatePriceUpdate", symbol, price)
}

// RequestPriceUpdate asks the oracle for a new price, paid in LINK.
func (e *Exchange) RequestPriceUpdate(ctx context.Context, symbol string) (Tx, error) {
	return e.transact(ctx, nil, "requestPriceUpdate", symbol)
}

// SetPriceFreshnessLimit changes the freshness window. Owner only.
func (e *Exchange) SetPriceFreshnessLimit(ctx context.Context, seconds *big.Int) (Tx, error) {
	return e.transact(ctx, nil, "setPriceFreshnessLimit", seconds)
}

// TransferOwnership hands the contract to newOwner. Owner only.
func (e *Exchange) TransferOwnership(ctx context.Context, newOwner common.Address) (Tx, error) {
	return e.transact(ctx, nil, "transferOwnership", newOwner)
}

// Transform moves amount tokens of symbol between two holders. Owner only.
func (e *Exchange) Transform(ctx context.Context, symbol string, from, to common.Address, amount *big.Int) (Tx, error) {
	return e.transact(ctx, nil, "transform", symbol, from, to, amount)
}

// pendingTx is a transaction accepted by the node.
type pendingTx struct {
	tx      *types.Transaction
	backend bind.DeployBackend
}

func (p *pendingTx) Hash() common.Hash {
	return p.tx.Hash()
}

func (p *pendingTx) Wait(ctx context.Context) (model.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, p.backend, p.tx)
	if err != nil {
		return model.Receipt{TxHash: p.tx.Hash()}, fmt.Errorf("wait for %s: %w", p.tx.Hash(), err)
	}
	return ReceiptFrom(receipt)
}

// ReceiptFrom converts a mined receipt. A failed status yields ErrReverted.
func ReceiptFrom(r *types.Receipt) (model.Receipt, error) {
	out := model.Receipt{
		TxHash:  r.TxHash,
		GasUsed: r.GasUsed,
		Success: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if !out.Success {
		return out, fmt.Errorf("%w: transaction %s failed", failure.ErrReverted, r.TxHash)
	}
	return out, nil
}
