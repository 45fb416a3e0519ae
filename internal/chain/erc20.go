package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// TokenReader reads ERC-20 and native balances through a node.
type TokenReader struct {
	backend Backend
}

// NewTokenReader creates a TokenReader on backend.
func NewTokenReader(backend Backend) (*TokenReader, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if _, err := ERC20ABI(); err != nil {
		return nil, err
	}
	return &TokenReader{backend: backend}, nil
}

// NativeBalance returns the latest ether balance of account in wei.
func (r *TokenReader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := r.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// HasCode reports whether a contract is deployed at addr.
func (r *TokenReader) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := r.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// BalanceOf returns the token balance of holder in base units.
func (r *TokenReader) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := r.call(ctx, token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return first[*big.Int]("balanceOf", out)
}

// Metadata returns the token symbol and decimals.
func (r *TokenReader) Metadata(ctx context.Context, token common.Address) (string, uint8, error) {
	out, err := r.call(ctx, token, "symbol")
	if err != nil {
		return "", 0, err
	}
	symbol, err := first[string]("symbol", out)
	if err != nil {
		return "", 0, err
	}

	out, err = r.call(ctx, token, "decimals")
	if err != nil {
		return "", 0, err
	}
	decimals, err := first[uint8]("decimals", out)
	if err != nil {
		return "", 0, err
	}
	return symbol, decimals, nil
}

func (r *TokenReader) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, err
	}

	var out []any
	bound := bind.NewBoundContract(token, parsed, r.backend, r.backend, r.backend)
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, token.Hex(), err)
	}
	return out, nil
}
