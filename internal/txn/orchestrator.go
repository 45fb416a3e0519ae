// Package txn submits state-changing exchange calls and tracks them until
// their receipt.
//
// Every operation runs its local guards first, in a fixed order, and none of
// them touches the network:
//
//  1. a connected session (NotConnected)
//  2. input validation (InvalidInput)
//  3. owner role for admin operations (InvalidInput wrapping ErrNotOwner)
//  4. a fresh price for buy and sell (InvalidInput wrapping ErrPriceNotFresh)
//  5. no other operation in flight on the same key (OperationInFlight)
//  6. the client interval between price update requests (RateLimited)
//
// A price update request then reads the oracle funding and stops short of
// submitting when the contract could not pay the fee. A submitted operation
// waits for its receipt with no timeout of its own; on confirmation the
// directory is refreshed before the call returns.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"stockexchange/internal/chain"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/session"
	"stockexchange/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultPriceRequestInterval is the minimum time between two price update requests.
	DefaultPriceRequestInterval = 30 * time.Second

	// DefaultDelayedRefresh is how long after a confirmed price update request
	// the directory is reloaded to pick up the oracle's answer.
	DefaultDelayedRefresh = 10 * time.Second
)

// Local guard failures, wrapped in an InvalidInput *failure.Error.
var (
	ErrNotOwner      = errors.New("connected account is not the contract owner")
	ErrPriceNotFresh = errors.New("price is not fresh")

	// ErrOracleUnderfunded is wrapped in a ContractReverted error when the
	// contract's LINK balance is below the oracle fee.
	ErrOracleUnderfunded = errors.New("oracle LINK balance is below the request fee")
)

// SessionSource yields the live session.
type SessionSource interface {
	Current() *session.Session
}

// Refresher reloads the directory from reads that begin no earlier than after.
type Refresher interface {
	RefreshAfter(ctx context.Context, after time.Time) (*model.Snapshot, error)
}

// FreshnessGate reports the last known freshness of a symbol.
type FreshnessGate interface {
	IsFresh(symbol string) bool
}

// Config configures an Orchestrator.
type Config struct {
	Sessions  SessionSource // Required
	Directory Refresher     // Required
	Freshness FreshnessGate // Required

	PriceRequestInterval time.Duration // Defaults to DefaultPriceRequestInterval
	DelayedRefresh       time.Duration // Defaults to DefaultDelayedRefresh

	// Notify receives an operation event per lifecycle transition. Optional.
	Notify func(model.Event)
}

// Orchestrator runs contract writes.
type Orchestrator struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]*model.PendingOperation
	delayed *time.Timer
}

// NewOrchestrator validates cfg and returns an idle Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("session source is required")
	case cfg.Directory == nil:
		return nil, errors.New("directory is required")
	case cfg.Freshness == nil:
		return nil, errors.New("freshness gate is required")
	}
	if cfg.PriceRequestInterval <= 0 {
		cfg.PriceRequestInterval = DefaultPriceRequestInterval
	}
	if cfg.DelayedRefresh <= 0 {
		cfg.DelayedRefresh = DefaultDelayedRefresh
	}

	return &Orchestrator{
		cfg:     cfg,
		logger:  log.With().Str("component", "txn").Logger(),
		limiter: rate.NewLimiter(rate.Every(cfg.PriceRequestInterval), 1),
		pending: make(map[string]*model.PendingOperation),
	}, nil
}

// operation is a validated write ready to pass the remaining guards.
type operation struct {
	kind   model.OperationKind
	key    string
	submit func(ctx context.Context, c chain.Contract) (chain.Tx, error)
}

func (o *Orchestrator) session() (*session.Session, error) {
	s := o.cfg.Sessions.Current()
	if s == nil {
		return nil, failure.Wrap(failure.NotConnected, nil)
	}
	return s, nil
}

func invalid(err error) error {
	return failure.Wrap(failure.InvalidInput, err)
}

// Buy purchases quantity shares of symbol, paying the on-chain price read
// right before submission.
func (o *Orchestrator) Buy(ctx context.Context, symbol, quantity string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	sym, qty, err := trade(symbol, quantity)
	if err != nil {
		return model.Receipt{}, err
	}

	return o.run(ctx, s, operation{
		kind: model.OpBuy,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			price, _, err := c.StockPrice(ctx, sym)
			if err != nil {
				return nil, err
			}
			return c.BuyStock(ctx, sym, qty, new(big.Int).Mul(price, qty))
		},
	})
}

// Sell sells quantity shares of symbol.
func (o *Orchestrator) Sell(ctx context.Context, symbol, quantity string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	sym, qty, err := trade(symbol, quantity)
	if err != nil {
		return model.Receipt{}, err
	}

	return o.run(ctx, s, operation{
		kind: model.OpSell,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.SellStock(ctx, sym, qty)
		},
	})
}

func trade(symbol, quantity string) (string, *big.Int, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return "", nil, invalid(err)
	}
	qty, err := utils.ParseQuantity(quantity)
	if err != nil {
		return "", nil, invalid(err)
	}
	return utils.NormalizeSymbol(symbol), qty, nil
}

// AddStock lists a new stock.
func (o *Orchestrator) AddStock(ctx context.Context, symbol, name string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	if err := utils.ValidateSymbol(symbol); err != nil {
		return model.Receipt{}, invalid(err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Receipt{}, invalid(errors.New("name cannot be empty"))
	}
	sym := utils.NormalizeSymbol(symbol)

	return o.run(ctx, s, operation{
		kind: model.OpAddStock,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.AddStock(ctx, sym, name)
		},
	})
}

// RemoveStock delists a stock.
func (o *Orchestrator) RemoveStock(ctx context.Context, symbol string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	if err := utils.ValidateSymbol(symbol); err != nil {
		return model.Receipt{}, invalid(err)
	}
	sym := utils.NormalizeSymbol(symbol)

	return o.run(ctx, s, operation{
		kind: model.OpRemoveStock,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.RemoveStock(ctx, sym)
		},
	})
}

// UpdatePrice sets the price of symbol directly, bypassing the oracle.
// price is in ether units.
func (o *Orchestrator) UpdatePrice(ctx context.Context, symbol, price string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	if err := utils.ValidateSymbol(symbol); err != nil {
		return model.Receipt{}, invalid(err)
	}
	p, err := utils.ParsePrice(price)
	if err != nil {
		return model.Receipt{}, invalid(err)
	}
	sym := utils.NormalizeSymbol(symbol)
	wei := utils.ToWei(p).String()

	return o.run(ctx, s, operation{
		kind: model.OpUpdatePrice,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.SimulatePriceUpdate(ctx, sym, wei)
		},
	})
}

// RequestPriceUpdate asks the oracle for a new price of symbol. Requests are
// spaced by the configured client interval across all symbols.
func (o *Orchestrator) RequestPriceUpdate(ctx context.Context, symbol string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	if err := utils.ValidateSymbol(symbol); err != nil {
		return model.Receipt{}, invalid(err)
	}
	sym := utils.NormalizeSymbol(symbol)

	return o.run(ctx, s, operation{
		kind: model.OpRequestPriceUpdate,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			oracle, err := c.Oracle(ctx)
			if err != nil {
				return nil, fmt.Errorf("read oracle: %w", err)
			}
			if oracle.Fee != nil && oracle.LinkBalance != nil && oracle.LinkBalance.Cmp(oracle.Fee) < 0 {
				return nil, failure.Reverted("Not enough LINK", ErrOracleUnderfunded)
			}
			return c.RequestPriceUpdate(ctx, sym)
		},
	})
}

// SetFreshnessLimit sets how many seconds a price stays fresh.
func (o *Orchestrator) SetFreshnessLimit(ctx context.Context, seconds uint64) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	if err := utils.ValidateSeconds(seconds); err != nil {
		return model.Receipt{}, invalid(err)
	}
	limit := new(big.Int).SetUint64(seconds)

	return o.run(ctx, s, operation{
		kind: model.OpSetFreshnessLimit,
		key:  s.Contract.Address().Hex(),
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.SetPriceFreshnessLimit(ctx, limit)
		},
	})
}

// TransferOwnership hands the contract to newOwner.
func (o *Orchestrator) TransferOwnership(ctx context.Context, newOwner string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	addr, err := utils.ParseAddress(newOwner)
	if err != nil {
		return model.Receipt{}, invalid(err)
	}

	return o.run(ctx, s, operation{
		kind: model.OpTransferOwnership,
		key:  s.Contract.Address().Hex(),
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.TransferOwnership(ctx, addr)
		},
	})
}

// Transform moves quantity shares of symbol from one holder to another.
func (o *Orchestrator) Transform(ctx context.Context, symbol, from, to, quantity string) (model.Receipt, error) {
	s, err := o.session()
	if err != nil {
		return model.Receipt{}, err
	}
	sym, qty, err := trade(symbol, quantity)
	if err != nil {
		return model.Receipt{}, err
	}
	src, err := utils.ParseAddress(from)
	if err != nil {
		return model.Receipt{}, invalid(err)
	}
	dst, err := utils.ParseAddress(to)
	if err != nil {
		return model.Receipt{}, invalid(err)
	}

	return o.run(ctx, s, operation{
		kind: model.OpTransform,
		key:  sym,
		submit: func(ctx context.Context, c chain.Contract) (chain.Tx, error) {
			return c.Transform(ctx, sym, src, dst, qty)
		},
	})
}

// run applies the role, freshness, in-flight and rate guards, then submits
// op and waits for its receipt.
func (o *Orchestrator) run(ctx context.Context, s *session.Session, op operation) (model.Receipt, error) {
	if op.kind.IsAdmin() && !s.IsOwner() {
		return model.Receipt{}, invalid(ErrNotOwner)
	}
	if (op.kind == model.OpBuy || op.kind == model.OpSell) && !o.cfg.Freshness.IsFresh(op.key) {
		return model.Receipt{}, invalid(ErrPriceNotFresh)
	}

	pending, err := o.acquire(op)
	if err != nil {
		return model.Receipt{}, err
	}
	defer o.release(pending)

	logger := o.logger.With().
		Str("op", op.kind.String()).
		Str("key", op.key).
		Str("id", pending.ID).
		Logger()

	tx, err := op.submit(ctx, s.Contract)
	if err != nil {
		fe := failure.Normalize(err)
		logger.Warn().Err(fe).Msg("submission failed")
		o.settle(pending, model.StatusFailed, fe)
		return model.Receipt{}, fe
	}

	o.mu.Lock()
	pending.TxHash = tx.Hash()
	o.mu.Unlock()
	logger.Info().Str("tx", tx.Hash().Hex()).Msg("transaction submitted")
	o.publish(pending, nil)

	receipt, err := tx.Wait(ctx)
	if err != nil {
		fe := failure.Normalize(err)
		logger.Warn().Err(fe).Str("tx", tx.Hash().Hex()).Msg("transaction failed")
		o.settle(pending, model.StatusFailed, fe)
		return receipt, fe
	}

	confirmedAt := time.Now()
	o.settle(pending, model.StatusConfirmed, nil)
	o.release(pending)
	logger.Info().
		Str("tx", receipt.TxHash.Hex()).
		Uint64("block", receipt.BlockNumber).
		Uint64("gas", receipt.GasUsed).
		Msg("transaction confirmed")

	if _, err := o.cfg.Directory.RefreshAfter(ctx, confirmedAt); err != nil {
		logger.Warn().Err(err).Msg("refresh after confirmation failed")
	}
	if op.kind == model.OpRequestPriceUpdate {
		o.scheduleRefresh(s.ID)
	}
	return receipt, nil
}

// acquire claims op.key and, for price requests, a rate token.
func (o *Orchestrator) acquire(op operation) (*model.PendingOperation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.pending[op.key]; ok {
		return nil, failure.New(failure.OperationInFlight, "%s already in flight on %s", cur.Kind, op.key)
	}
	if op.kind == model.OpRequestPriceUpdate && !o.limiter.Allow() {
		return nil, failure.New(failure.RateLimited, "price updates may be requested once every %s", o.cfg.PriceRequestInterval)
	}

	p := &model.PendingOperation{
		ID:          uuid.NewString(),
		Kind:        op.kind,
		Key:         op.key,
		SubmittedAt: time.Now(),
		Status:      model.StatusSubmitted,
	}
	o.pending[op.key] = p
	return p, nil
}

// release frees the key unless a newer operation already holds it.
func (o *Orchestrator) release(p *model.PendingOperation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[p.Key] == p {
		delete(o.pending, p.Key)
	}
}

func (o *Orchestrator) settle(p *model.PendingOperation, status model.OperationStatus, err error) {
	o.mu.Lock()
	p.Status = status
	o.mu.Unlock()
	o.publish(p, err)
}

func (o *Orchestrator) publish(p *model.PendingOperation, err error) {
	if o.cfg.Notify == nil {
		return
	}
	o.mu.Lock()
	snapshot := *p
	o.mu.Unlock()
	o.cfg.Notify(model.Event{Kind: model.EventOperation, At: time.Now(), Operation: &snapshot, Err: err})
}

// scheduleRefresh reloads the directory once the oracle had time to answer,
// provided sessionID is still the live session.
func (o *Orchestrator) scheduleRefresh(sessionID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.delayed != nil {
		o.delayed.Stop()
	}
	o.delayed = time.AfterFunc(o.cfg.DelayedRefresh, func() {
		if s := o.cfg.Sessions.Current(); s == nil || s.ID != sessionID {
			return
		}
		if _, err := o.cfg.Directory.RefreshAfter(context.Background(), time.Now()); err != nil {
			o.logger.Warn().Err(err).Msg("delayed refresh failed")
		}
	})
}

// Pending returns the operations in flight, oldest first.
func (o *Orchestrator) Pending() []model.PendingOperation {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]model.PendingOperation, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Reset forgets every pending operation and cancels the delayed refresh.
// Forgotten transactions may still confirm on-chain.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending = make(map[string]*model.PendingOperation)
	if o.delayed != nil {
		o.delayed.Stop()
		o.delayed = nil
	}
}
