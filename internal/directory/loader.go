// Package directory mirrors the exchange's stock catalog and the session
// account's holdings.
//
// A refresh enumerates every listed token, resolves each one concurrently and
// publishes the result as one immutable model.Snapshot. Entries that fail to
// resolve are skipped with a warning so one broken listing never hides the
// rest of the catalog.
package directory

import (
	"context"
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
	"stockexchange/internal/session"
	"stockexchange/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultConcurrency = 8

// ErrMalformed marks a listing that resolved but is inconsistent.
var ErrMalformed = errors.New("malformed listing")

// SessionSource yields the live session.
type SessionSource interface {
	Current() *session.Session
}

// Config configures a Loader.
type Config struct {
	// Sessions provides the session to read under. Required.
	Sessions SessionSource

	// Concurrency bounds per-token resolution. Defaults to 8.
	Concurrency int

	// Notify receives a directory event per published snapshot. Optional.
	Notify func(model.Event)
}

// Loader owns the directory snapshot.
type Loader struct {
	cfg    Config
	logger zerolog.Logger

	group singleflight.Group
	epoch atomic.Uint64

	// mu orders snapshot publication against Reset.
	mu   sync.Mutex
	snap atomic.Pointer[model.Snapshot]
}

// NewLoader validates cfg and returns an empty Loader.
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session source is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Loader{
		cfg:    cfg,
		logger: log.With().Str("component", "directory").Logger(),
	}, nil
}

// Refresh reloads the directory and holdings of the current session.
//
// Concurrent callers for the same session share one pass. The pass runs to
// completion even if ctx ends; ctx only bounds how long this caller waits.
func (l *Loader) Refresh(ctx context.Context) (*model.Snapshot, error) {
	p, err := l.join(ctx)
	if err != nil {
		return nil, err
	}
	return p.snap, nil
}

// RefreshAfter is Refresh for callers that must see every write made before
// after, such as a confirmed transaction. A shared pass that began reading
// before after is waited out and followed by a new one.
func (l *Loader) RefreshAfter(ctx context.Context, after time.Time) (*model.Snapshot, error) {
	for {
		p, err := l.join(ctx)
		if err != nil {
			return nil, err
		}
		if !p.started.Before(after) {
			return p.snap, nil
		}
		l.logger.Debug().Time("started", p.started).Msg("joined pass predates write, reloading")
	}
}

// pass is the result of one shared load.
type pass struct {
	snap    *model.Snapshot
	started time.Time
}

func (l *Loader) join(ctx context.Context) (*pass, error) {
	s := l.cfg.Sessions.Current()
	if s == nil {
		return nil, failure.Wrap(failure.NotConnected, nil)
	}

	key := fmt.Sprintf("session-%d", s.ID)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.load(context.WithoutCancel(ctx), s)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pass), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("refresh: %w", ctx.Err())
	}
}

type resolved struct {
	record  model.StockRecord
	balance *big.Int
}

func (l *Loader) load(ctx context.Context, s *session.Session) (*pass, error) {
	start := time.Now()

	tokens, err := s.Contract.AllStockTokens(ctx)
	if err != nil {
		return nil, failure.Normalize(err)
	}

	slots := make([]*resolved, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)

	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			r, err := resolve(gctx, s, token)
			if err != nil {
				l.logger.Warn().
					Err(err).
					Int("index", i).
					Str("token", token.Hex()).
					Msg("skipping listing")
				return nil
			}
			slots[i] = r
			return nil
		})
	}
	_ = g.Wait()

	snap := &model.Snapshot{
		SessionID: s.ID,
		Records:   make([]model.StockRecord, 0, len(tokens)),
		Holdings:  make(model.Holdings, len(tokens)),
	}
	for _, r := range slots {
		if r == nil {
			continue
		}
		r.record.ID = len(snap.Records) + 1
		snap.Records = append(snap.Records, r.record)
		snap.Holdings[r.record.TokenAddress] = r.balance.String()
	}

	if !l.publish(s, snap) {
		l.logger.Info().Uint64("session", s.ID).Msg("session changed during refresh, discarding")
		return nil, failure.New(failure.NotConnected, "session changed during refresh")
	}

	l.logger.Debug().
		Int("listed", len(tokens)).
		Int("loaded", len(snap.Records)).
		Dur("took", time.Since(start)).
		Msg("directory refreshed")
	return &pass{snap: snap, started: start}, nil
}

// publish swaps in snap if s is still the live session.
func (l *Loader) publish(s *session.Session, snap *model.Snapshot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur := l.cfg.Sessions.Current(); cur == nil || cur.ID != s.ID {
		return false
	}

	snap.Epoch = l.epoch.Add(1)
	snap.RefreshedAt = time.Now()
	l.snap.Store(snap)

	if l.cfg.Notify != nil {
		l.cfg.Notify(model.Event{Kind: model.EventDirectory, At: snap.RefreshedAt, Snapshot: snap})
	}
	return true
}

func resolve(ctx context.Context, s *session.Session, token common.Address) (*resolved, error) {
	symbol, err := s.Contract.TokenSymbol(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token symbol: %w", err)
	}
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrMalformed)
	}

	info, err := s.Contract.Stock(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("stock %s: %w", symbol, err)
	}
	switch {
	case info.Symbol == "" || info.TokenAddress == (common.Address{}):
		return nil, fmt.Errorf("%w: %s is not listed", ErrMalformed, symbol)
	case info.TokenAddress != token:
		return nil, fmt.Errorf("%w: %s maps to %s", ErrMalformed, symbol, info.TokenAddress.Hex())
	case info.Price == nil || info.LastUpdated == nil:
		return nil, fmt.Errorf("%w: %s has no price fields", ErrMalformed, symbol)
	}

	balance, err := s.Contract.Balance(ctx, symbol, s.Account)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", symbol, err)
	}

	return &resolved{
		record: model.StockRecord{
			Symbol:       info.Symbol,
			Name:         info.Name,
			TokenAddress: info.TokenAddress,
			Price:        utils.FromWei(info.Price),
			LastUpdated:  unixTime(info.LastUpdated),
		},
		balance: balance,
	}, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

// Reset drops the snapshot. A refresh still running is discarded on completion.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.Store(nil)
}

// Snapshot returns the last published snapshot, nil if none.
func (l *Loader) Snapshot() *model.Snapshot {
	return l.snap.Load()
}

// Records returns a copy of the published records.
func (l *Loader) Records() []model.StockRecord {
	snap := l.snap.Load()
	if snap == nil {
		return nil
	}
	return append([]model.StockRecord(nil), snap.Records...)
}

// Holdings returns a copy of the published holdings.
func (l *Loader) Holdings() model.Holdings {
	snap := l.snap.Load()
	if snap == nil {
		return model.Holdings{}
	}
	out := make(model.Holdings, len(snap.Holdings))
	for k, v := range snap.Holdings {
		out[k] = v
	}
	return out
}

// Lookup finds a record by symbol, case-insensitively.
func (l *Loader) Lookup(symbol string) (model.StockRecord, bool) {
	snap := l.snap.Load()
	if snap == nil {
		return model.StockRecord{}, false
	}
	symbol = utils.NormalizeSymbol(symbol)
	for _, r := range snap.Records {
		if strings.EqualFold(r.Symbol, symbol) {
			return r, true
		}
	}
	return model.StockRecord{}, false
}

// Holding returns the held quantity of symbol as a base-10 string, "0" when
// the symbol is unknown.
func (l *Loader) Holding(symbol string) string {
	rec, ok := l.Lookup(symbol)
	if !ok {
		return "0"
	}
	snap := l.snap.Load()
	if snap == nil {
		return "0"
	}
	if v, ok := snap.Holdings[rec.TokenAddress]; ok {
		return v
	}
	return "0"
}

func (l *Loader) contract() (chain.Contract, error) {
	s := l.cfg.Sessions.Current()
	if s == nil {
		return nil, failure.Wrap(failure.NotConnected, nil)
	}
	return s.Contract, nil
}

// PriceString reads the raw on-chain price string of symbol.
func (l *Loader) PriceString(ctx context.Context, symbol string) (string, error) {
	c, err := l.contract()
	if err != nil {
		return "", err
	}
	v, err := c.PriceString(ctx, utils.NormalizeSymbol(symbol))
	if err != nil {
		return "", failure.Normalize(err)
	}
	return v, nil
}

// StockPrice reads the price of symbol in ether units and its update time.
func (l *Loader) StockPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c, err := l.contract()
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	price, updated, err := c.StockPrice(ctx, utils.NormalizeSymbol(symbol))
	if err != nil {
		return decimal.Zero, time.Time{}, failure.Normalize(err)
	}
	return utils.FromWei(price), unixTime(updated), nil
}

// TokenAddress reads the token contract of symbol.
func (l *Loader) TokenAddress(ctx context.Context, symbol string) (common.Address, error) {
	c, err := l.contract()
	if err != nil {
		return common.Address{}, err
	}
	addr, err := c.TokenAddress(ctx, utils.NormalizeSymbol(symbol))
	if err != nil {
		return common.Address{}, failure.Normalize(err)
	}
	return addr, nil
}

// StockCount reads the number of listed stocks.
func (l *Loader) StockCount(ctx context.Context) (uint64, error) {
	c, err := l.contract()
	if err != nil {
		return 0, err
	}
	n, err := c.StockCount(ctx)
	if err != nil {
		return 0, failure.Normalize(err)
	}
	return n.Uint64(), nil
}

// FreshnessLimit reads how long a price stays fresh.
func (l *Loader) FreshnessLimit(ctx context.Context) (time.Duration, error) {
	c, err := l.contract()
	if err != nil {
		return 0, err
	}
	secs, err := c.PriceFreshnessLimit(ctx)
	if err != nil {
		return 0, failure.Normalize(err)
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

// OracleStatus reads the oracle fee and LINK funding.
func (l *Loader) OracleStatus(ctx context.Context) (chain.OracleStatus, error) {
	c, err := l.contract()
	if err != nil {
		return chain.OracleStatus{}, err
	}
	st, err := c.Oracle(ctx)
	if err != nil {
		return chain.OracleStatus{}, failure.Normalize(err)
	}
	return st, nil
}
