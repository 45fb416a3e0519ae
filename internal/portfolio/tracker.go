// Package portfolio reports the wallet's native and ERC-20 balances and
// values the stock holdings of the directory.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/tokenstore"
	"stockexchange/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyTracked = errors.New("token already tracked")
	ErrNoContract     = errors.New("no contract at this address")
)

// Native is the chain's own currency.
var Native = model.Token{Symbol: "ETH", Decimals: 18}

// SepoliaLink is the LINK token tracked by default.
var SepoliaLink = model.Token{
	Address:  common.HexToAddress("0x779877A7B0D9E8603169DdbD7836e478b4624789"),
	Symbol:   "LINK",
	Decimals: 18,
}

// BalanceReader reads balances and token metadata from the chain.
type BalanceReader interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Metadata(ctx context.Context, token common.Address) (symbol string, decimals uint8, err error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
}

// Config configures a Tracker.
type Config struct {
	Reader   BalanceReader    // Required
	Tokens   tokenstore.Store // Required
	Defaults []model.Token    // Always tracked ERC-20 tokens; defaults to SepoliaLink
}

// Tracker lists balances of tracked tokens.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger
}

// NewTracker validates cfg and returns a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Reader == nil {
		return nil, errors.New("balance reader is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.Defaults == nil {
		cfg.Defaults = []model.Token{SepoliaLink}
	}
	return &Tracker{
		cfg:    cfg,
		logger: log.With().Str("component", "portfolio").Logger(),
	}, nil
}

// Tokens returns the default tokens followed by the stored ones, without
// duplicate addresses.
func (t *Tracker) Tokens(ctx context.Context) ([]model.Token, error) {
	stored, err := t.cfg.Tokens.List(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[common.Address]struct{})
	out := make([]model.Token, 0, len(t.cfg.Defaults)+len(stored))
	for _, tok := range append(append([]model.Token(nil), t.cfg.Defaults...), stored...) {
		if _, ok := seen[tok.Address]; ok {
			continue
		}
		seen[tok.Address] = struct{}{}
		out = append(out, tok)
	}
	return out, nil
}

// Balances returns the native balance followed by every tracked token. A
// balance that cannot be read is reported as zero and marked Failed.
func (t *Tracker) Balances(ctx context.Context, account common.Address) ([]model.TokenBalance, error) {
	tokens, err := t.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.TokenBalance, len(tokens)+1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		raw, err := t.cfg.Reader.NativeBalance(gctx, account)
		out[0] = t.balance(Native, raw, err, true)
		return nil
	})
	for i, tok := range tokens {
		i, tok := i, tok
		g.Go(func() error {
			raw, err := t.cfg.Reader.BalanceOf(gctx, tok.Address, account)
			out[i+1] = t.balance(tok, raw, err, false)
			return nil
		})
	}
	_ = g.Wait()

	return out, nil
}

func (t *Tracker) balance(tok model.Token, raw *big.Int, err error, native bool) model.TokenBalance {
	if err != nil {
		t.logger.Warn().Err(err).Str("token", tok.Symbol).Msg("balance unavailable")
		return model.TokenBalance{Token: tok, Raw: "0", Balance: decimal.Zero, IsNative: native, Failed: true}
	}
	return model.TokenBalance{
		Token:    tok,
		Raw:      raw.String(),
		Balance:  Format(raw, tok.Decimals),
		IsNative: native,
	}
}

// AddToken starts tracking the ERC-20 contract at address after reading its
// symbol and decimals.
func (t *Tracker) AddToken(ctx context.Context, address string) (model.Token, error) {
	addr, err := utils.ParseAddress(address)
	if err != nil {
		return model.Token{}, failure.Wrap(failure.InvalidInput, err)
	}

	tokens, err := t.Tokens(ctx)
	if err != nil {
		return model.Token{}, err
	}
	for _, tok := range tokens {
		if strings.EqualFold(tok.Address.Hex(), addr.Hex()) {
			return model.Token{}, failure.Wrap(failure.InvalidInput, ErrAlreadyTracked)
		}
	}

	deployed, err := t.cfg.Reader.HasCode(ctx, addr)
	if err != nil {
		return model.Token{}, failure.Normalize(err)
	}
	if !deployed {
		return model.Token{}, failure.Wrap(failure.InvalidInput, ErrNoContract)
	}

	symbol, decimals, err := t.cfg.Reader.Metadata(ctx, addr)
	if err != nil {
		return model.Token{}, failure.Normalize(err)
	}

	tok := model.Token{Address: addr, Symbol: symbol, Decimals: decimals}
	added, err := t.cfg.Tokens.Add(ctx, tok)
	if err != nil {
		return model.Token{}, fmt.Errorf("save token: %w", err)
	}
	if !added {
		return model.Token{}, failure.Wrap(failure.InvalidInput, ErrAlreadyTracked)
	}

	t.logger.Info().Str("token", addr.Hex()).Str("symbol", symbol).Msg("token tracked")
	return tok, nil
}

// RemoveToken stops tracking a custom token. Default tokens cannot be removed.
func (t *Tracker) RemoveToken(ctx context.Context, address string) (bool, error) {
	addr, err := utils.ParseAddress(address)
	if err != nil {
		return false, failure.Wrap(failure.InvalidInput, err)
	}
	return t.cfg.Tokens.Remove(ctx, addr)
}

// Format scales raw base units by decimals.
func Format(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// Position is one valued stock holding.
type Position struct {
	Record   model.StockRecord
	Quantity decimal.Decimal
	Value    decimal.Decimal // Quantity times the last known price, in ether
}

// Positions values the non-zero holdings of snap in directory order.
func Positions(snap *model.Snapshot) []Position {
	if snap == nil {
		return nil
	}

	var out []Position
	for _, r := range snap.Records {
		qty, err := decimal.NewFromString(snap.Holdings[r.TokenAddress])
		if err != nil || qty.IsZero() {
			continue
		}
		out = append(out, Position{Record: r, Quantity: qty, Value: qty.Mul(r.Price)})
	}
	return out
}

// TotalValue sums the value of positions.
func TotalValue(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Value)
	}
	return total
}
