// Package utils provides input validation for exchange operations.
//
// Every write the client submits is checked here first, so client-detectable
// mistakes (empty symbols, malformed addresses, non-positive amounts) never
// cost a network round-trip.
package utils

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
	ErrBadChecksum    = errors.New("address checksum mismatch")
	ErrZeroAddress    = errors.New("zero address not allowed")
)

// MaxSymbolLength bounds symbol inputs; the contract stores symbols as strings.
const MaxSymbolLength = 32

// priceScale is the number of decimals of on-chain prices.
const priceScale = 18

var validate = validator.New()

// NormalizeSymbol trims and upper-cases a symbol input.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol validates a stock symbol after normalization.
//
// A valid symbol is non-empty printable ASCII with no inner whitespace and at
// most MaxSymbolLength characters.
func ValidateSymbol(symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	if strings.IndexFunc(symbol, unicode.IsSpace) >= 0 {
		return fmt.Errorf("symbol %q cannot contain whitespace", symbol)
	}

	if err := validate.Var(symbol, fmt.Sprintf("printascii,max=%d", MaxSymbolLength)); err != nil {
		return fmt.Errorf("invalid symbol %q: must be printable ASCII of at most %d characters", symbol, MaxSymbolLength)
	}

	return nil
}

// ValidateSymbols validates a slice of symbols and enforces quantity limits.
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// ParseAddress validates a hex address and returns it.
//
// All-lowercase and all-uppercase inputs are accepted as is. Mixed-case input
// must match its EIP-55 checksum. The zero address is rejected.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, errors.New("address cannot be empty")
	}

	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}

	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, ErrZeroAddress
	}

	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if addr.Hex()[2:] != body {
			return common.Address{}, fmt.Errorf("%w: %s", ErrBadChecksum, s)
		}
	}

	return addr, nil
}

// ParseQuantity parses a strictly positive whole number of shares.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("quantity cannot be empty")
	}

	qty, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("quantity %q must be a whole number", s)
	}

	if qty.Sign() <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %s", s)
	}

	return qty, nil
}

// ParsePrice parses a strictly positive decimal price in ether units.
func ParsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("price cannot be empty")
	}

	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %q is not a number", s)
	}

	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price must be positive, got %s", s)
	}

	if -price.Exponent() > priceScale && !price.Equal(price.Truncate(priceScale)) {
		return decimal.Zero, fmt.Errorf("price %s has more than %d decimals", s, priceScale)
	}

	return price, nil
}

// ToWei converts an ether-unit decimal into base units.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(priceScale).BigInt()
}

// FromWei converts base units into an ether-unit decimal.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -priceScale)
}

// ValidateSeconds checks a strictly positive duration in seconds.
func ValidateSeconds(seconds uint64) error {
	if seconds == 0 {
		return errors.New("seconds must be positive")
	}
	return nil
}
