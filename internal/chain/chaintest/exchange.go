// Package chaintest provides an in-memory exchange contract for tests.
//
// Exchange holds the contract state and enforces the same require() rules as
// the deployed contract, reverting with "execution reverted: <reason>" errors at
// submission time like a node's gas estimation would. Bind it to an account
// with Binder to obtain a chain.Contract acting as that sender.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"stockexchange/internal/chain"
	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Address is the default fake contract address.
var Address = common.HexToAddress("0x592823B2270ACD6f61727B375A762aD0F6453FFD")

// LinkToken is the fake LINK token address.
var LinkToken = common.HexToAddress("0x779877A7B0D9E8603169DdbD7836e478b4624789")

type stock struct {
	name     string
	symbol   string
	token    common.Address
	price    *big.Int
	updated  int64
	balances map[common.Address]*big.Int
}

// Exchange is the shared in-memory contract state.
type Exchange struct {
	mu sync.Mutex

	owner          common.Address
	stocks         map[string]*stock
	tokens         []common.Address
	bySymbol       map[common.Address]string
	freshnessLimit int64
	fee            *big.Int
	linkBalance    *big.Int
	nextToken      int64
	nonce          int64
	now            func() time.Time

	calls        map[string]int
	readErrs     map[string]error
	submitErrs   map[string]error
	symbolErrs   map[common.Address]error
	hold         chan struct{}
	gates        map[string]chan struct{}
	failReceipts int
	requests     []string
}

// New creates an empty exchange owned by owner with a one hour freshness limit.
func New(owner common.Address) *Exchange {
	return &Exchange{
		owner:          owner,
		stocks:         make(map[string]*stock),
		bySymbol:       make(map[common.Address]string),
		freshnessLimit: 3600,
		fee:            big.NewInt(1e17),
		linkBalance:    new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
		nextToken:      0x1000,
		now:            time.Now,
		calls:          make(map[string]int),
		readErrs:       make(map[string]error),
		submitErrs:     make(map[string]error),
		symbolErrs:     make(map[common.Address]error),
		gates:          make(map[string]chan struct{}),
	}
}

// Binder returns a chain.Binder producing handles on this exchange.
func (e *Exchange) Binder() chain.Binder {
	return func(signer chain.Signer) (chain.Contract, error) {
		if signer == nil {
			return nil, chain.ErrNoTransactor
		}
		return e.As(signer.Address()), nil
	}
}

// As returns a contract handle calling from sender.
func (e *Exchange) As(sender common.Address) chain.Contract {
	return &Handle{ex: e, from: sender}
}

// SetNow replaces the clock used for price timestamps and freshness.
func (e *Exchange) SetNow(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Seed lists a stock directly, bypassing the owner check. priceWei may be nil.
func (e *Exchange) Seed(symbol, name string, priceWei *big.Int, updated time.Time) common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.addLocked(symbol, name)
	if priceWei != nil {
		s.price = new(big.Int).Set(priceWei)
		s.updated = updated.Unix()
	}
	return s.token
}

// SeedBalance sets the token balance of holder.
func (e *Exchange) SeedBalance(symbol string, holder common.Address, amount int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stocks[symbol]; ok {
		s.balances[holder] = big.NewInt(amount)
	}
}

// AddBrokenToken appends a token whose symbol lookup fails with err.
func (e *Exchange) AddBrokenToken(token common.Address, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens = append(e.tokens, token)
	e.symbolErrs[token] = err
}

// SetOracleFunding sets the oracle fee and the contract's LINK balance.
func (e *Exchange) SetOracleFunding(fee, linkBalance *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fee = new(big.Int).Set(fee)
	e.linkBalance = new(big.Int).Set(linkBalance)
}

// FailRead makes every call to the named view method fail with err.
func (e *Exchange) FailRead(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.readErrs, method)
		return
	}
	e.readErrs[method] = err
}

// FailSubmit makes the next submissions of the named method fail with err.
func (e *Exchange) FailSubmit(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.submitErrs, method)
		return
	}
	e.submitErrs[method] = err
}

// FailNextReceipts makes the next n mined transactions revert on-chain.
func (e *Exchange) FailNextReceipts(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failReceipts = n
}

// HoldReceipts blocks Wait on transactions submitted until release is called.
func (e *Exchange) HoldReceipts() (release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.hold = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.hold == ch {
				e.hold = nil
			}
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Gate blocks calls of the named view method until release is called.
// Only getAllStockTokens, isPriceFresh and getBalance honour gates.
// getBalance blocks after reading, so a held call returns the balance it saw
// before release.
func (e *Exchange) Gate(method string) (release func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.gates[method] = ch
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.gates[method] == ch {
				delete(e.gates, method)
			}
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Exchange) wait(ctx context.Context, method string) error {
	e.mu.Lock()
	gate := e.gates[method]
	e.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls returns how many times method was invoked.
func (e *Exchange) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// TotalCalls returns the number of contract calls of any kind.
func (e *Exchange) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

// PriceRequests returns the symbols requestPriceUpdate was accepted for.
func (e *Exchange) PriceRequests() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.requests...)
}

// BalanceOf returns the holder's balance of symbol, zero when unknown.
func (e *Exchange) BalanceOf(symbol string, holder common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stocks[symbol]; ok {
		if b, ok := s.balances[holder]; ok {
			return new(big.Int).Set(b)
		}
	}
	return big.NewInt(0)
}

// OwnerAddress returns the current owner.
func (e *Exchange) OwnerAddress() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Symbols returns the listed symbols, sorted.
func (e *Exchange) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.stocks))
	for sym := range e.stocks {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (e *Exchange) addLocked(symbol, name string) *stock {
	e.nextToken++
	s := &stock{
		name:     name,
		symbol:   symbol,
		token:    common.BigToAddress(big.NewInt(e.nextToken)),
		price:    big.NewInt(0),
		balances: make(map[common.Address]*big.Int),
	}
	e.stocks[symbol] = s
	e.tokens = append(e.tokens, s.token)
	e.bySymbol[s.token] = symbol
	return s
}

// read records a view call and returns its injected error, if any.
func (e *Exchange) read(method string) error {
	e.calls[method]++
	return e.readErrs[method]
}

func (e *Exchange) freshLocked(s *stock) bool {
	if s.updated == 0 {
		return false
	}
	return e.now().Unix()-s.updated <= e.freshnessLimit
}

func revert(reason string) error {
	return fmt.Errorf("execution reverted: %s", reason)
}

// Handle is a chain.Contract bound to one sender.
type Handle struct {
	ex   *Exchange
	from common.Address
}

var _ chain.Contract = (*Handle)(nil)

func (h *Handle) Address() common.Address { return Address }

func (h *Handle) StockCount(context.Context) (*big.Int, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getStockCount"); err != nil {
		return nil, err
	}
	return big.NewInt(int64(len(h.ex.stocks))), nil
}

func (h *Handle) AllStockTokens(ctx context.Context) ([]common.Address, error) {
	if err := h.ex.wait(ctx, "getAllStockTokens"); err != nil {
		return nil, err
	}
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getAllStockTokens"); err != nil {
		return nil, err
	}
	return append([]common.Address(nil), h.ex.tokens...), nil
}

func (h *Handle) TokenSymbol(_ context.Context, token common.Address) (string, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getTokenSymbol"); err != nil {
		return "", err
	}
	if err := h.ex.symbolErrs[token]; err != nil {
		return "", err
	}
	sym, ok := h.ex.bySymbol[token]
	if !ok {
		return "", revert("Token not found")
	}
	return sym, nil
}

func (h *Handle) Stock(_ context.Context, symbol string) (chain.StockInfo, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("stocks"); err != nil {
		return chain.StockInfo{}, err
	}
	s, ok := h.ex.stocks[symbol]
	if !ok {
		// Solidity mappings return the zero struct for missing keys.
		return chain.StockInfo{Price: big.NewInt(0), LastUpdated: big.NewInt(0)}, nil
	}
	return chain.StockInfo{
		Name:         s.name,
		Symbol:       s.symbol,
		TokenAddress: s.token,
		Price:        new(big.Int).Set(s.price),
		LastUpdated:  big.NewInt(s.updated),
	}, nil
}

func (h *Handle) Balance(ctx context.Context, symbol string, holder common.Address) (*big.Int, error) {
	balance, err := h.balance(symbol, holder)
	if err != nil {
		return nil, err
	}
	if err := h.ex.wait(ctx, "getBalance"); err != nil {
		return nil, err
	}
	return balance, nil
}

func (h *Handle) balance(symbol string, holder common.Address) (*big.Int, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getBalance"); err != nil {
		return nil, err
	}
	s, ok := h.ex.stocks[symbol]
	if !ok {
		return nil, revert("Stock does not exist")
	}
	if b, ok := s.balances[holder]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (h *Handle) PriceString(_ context.Context, symbol string) (string, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getPirceStr"); err != nil {
		return "", err
	}
	s, ok := h.ex.stocks[symbol]
	if !ok {
		return "", revert("Stock does not exist")
	}
	return s.price.String(), nil
}

func (h *Handle) StockPrice(_ context.Context, symbol string) (*big.Int, *big.Int, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getStockPrice"); err != nil {
		return nil, nil, err
	}
	s, ok := h.ex.stocks[symbol]
	if !ok {
		return nil, nil, revert("Stock does not exist")
	}
	return new(big.Int).Set(s.price), big.NewInt(s.updated), nil
}

func (h *Handle) IsPriceFresh(ctx context.Context, symbol string) (bool, error) {
	if err := h.ex.wait(ctx, "isPriceFresh"); err != nil {
		return false, err
	}
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("isPriceFresh"); err != nil {
		return false, err
	}
	s, ok := h.ex.stocks[symbol]
	if !ok {
		return false, revert("Stock does not exist")
	}
	return h.ex.freshLocked(s), nil
}

func (h *Handle) Owner(context.Context) (common.Address, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("owner"); err != nil {
		return common.Address{}, err
	}
	return h.ex.owner, nil
}

func (h *Handle) PriceFreshnessLimit(context.Context) (*big.Int, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("priceFreshnessLimit"); err != nil {
		return nil, err
	}
	return big.NewInt(h.ex.freshnessLimit), nil
}

func (h *Handle) TokenAddress(_ context.Context, symbol string) (common.Address, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if err := h.ex.read("getTokenAddress"); err != nil {
		return common.Address{}, err
	}
	s, ok := h.ex.stocks[symbol]
	if !ok {
		return common.Address{}, revert("Stock does not exist")
	}
	return s.token, nil
}

func (h *Handle) Oracle(context.Context) (chain.OracleStatus, error) {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	for _, method := range []string{"fee", "getLinkBalance", "getLinkTokenAddress"} {
		if err := h.ex.read(method); err != nil {
			return chain.OracleStatus{}, err
		}
	}
	return chain.OracleStatus{
		Fee:         new(big.Int).Set(h.ex.fee),
		LinkBalance: new(big.Int).Set(h.ex.linkBalance),
		LinkToken:   LinkToken,
	}, nil
}

// submit runs apply under the lock and returns a mined transaction.
func (h *Handle) submit(ctx context.Context, method string, apply func() error) (chain.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	h.ex.calls[method]++
	if err := h.ex.submitErrs[method]; err != nil {
		return nil, err
	}

	h.ex.nonce++
	t := &tx{
		hash:  common.BigToHash(big.NewInt(h.ex.nonce)),
		block: uint64(h.ex.nonce),
		hold:  h.ex.hold,
	}

	// A transaction that reverts on-chain leaves state untouched.
	if h.ex.failReceipts > 0 {
		h.ex.failReceipts--
		t.failed = true
		return t, nil
	}
	if err := apply(); err != nil {
		return nil, err
	}
	return t, nil
}

func (h *Handle) onlyOwner() error {
	if h.from != h.ex.owner {
		return revert("Only owner can call this function")
	}
	return nil
}

func (h *Handle) existing(symbol string) (*stock, error) {
	s, ok := h.ex.stocks[symbol]
	if !ok {
		return nil, revert("Stock does not exist")
	}
	return s, nil
}

func (h *Handle) AddStock(ctx context.Context, symbol, name string) (chain.Tx, error) {
	return h.submit(ctx, "addStock", func() error {
		if err := h.onlyOwner(); err != nil {
			return err
		}
		if _, ok := h.ex.stocks[symbol]; ok {
			return revert("Stock already exists")
		}
		h.ex.addLocked(symbol, name)
		return nil
	})
}

func (h *Handle) RemoveStock(ctx context.Context, symbol string) (chain.Tx, error) {
	return h.submit(ctx, "removeStock", func() error {
		if err := h.onlyOwner(); err != nil {
			return err
		}
		s, err := h.existing(symbol)
		if err != nil {
			return err
		}
		delete(h.ex.stocks, symbol)
		delete(h.ex.bySymbol, s.token)
		for i, t := range h.ex.tokens {
			if t == s.token {
				h.ex.tokens = append(h.ex.tokens[:i], h.ex.tokens[i+1:]...)
				break
			}
		}
		return nil
	})
}

func (h *Handle) BuyStock(ctx context.Context, symbol string, amount, value *big.Int) (chain.Tx, error) {
	return h.submit(ctx, "buyStock", func() error {
		s, err := h.existing(symbol)
		if err != nil {
			return err
		}
		if !h.ex.freshLocked(s) {
			return revert("Price is not fresh")
		}
		cost := new(big.Int).Mul(s.price, amount)
		if value == nil || value.Cmp(cost) < 0 {
			return revert("Insufficient ETH sent")
		}
		bal, ok := s.balances[h.from]
		if !ok {
			bal = big.NewInt(0)
		}
		s.balances[h.from] = new(big.Int).Add(bal, amount)
		return nil
	})
}

func (h *Handle) SellStock(ctx context.Context, symbol string, amount *big.Int) (chain.Tx, error) {
	return h.submit(ctx, "sellStock", func() error {
		s, err := h.existing(symbol)
		if err != nil {
			return err
		}
		if !h.ex.freshLocked(s) {
			return revert("Price is not fresh")
		}
		bal, ok := s.balances[h.from]
		if !ok || bal.Cmp(amount) < 0 {
			return revert("Not enough tokens")
		}
		s.balances[h.from] = new(big.Int).Sub(bal, amount)
		return nil
	})
}

func (h *Handle) SimulatePriceUpdate(ctx context.Context, symbol, price string) (chain.Tx, error) {
	return h.submit(ctx, "simulatePriceUpdate", func() error {
		if err := h.onlyOwner(); err != nil {
			return err
		}
		s, err := h.existing(symbol)
		if err != nil {
			return err
		}
		wei, ok := new(big.Int).SetString(price, 10)
		if !ok || wei.Sign() < 0 {
			return revert("Invalid price")
		}
		s.price = wei
		s.updated = h.ex.now().Unix()
		return nil
	})
}

func (h *Handle) RequestPriceUpdate(ctx context.Context, symbol string) (chain.Tx, error) {
	return h.submit(ctx, "requestPriceUpdate", func() error {
		if _, err := h.existing(symbol); err != nil {
			return err
		}
		if h.ex.linkBalance.Cmp(h.ex.fee) < 0 {
			return revert("Not enough LINK")
		}
		h.ex.linkBalance = new(big.Int).Sub(h.ex.linkBalance, h.ex.fee)
		h.ex.requests = append(h.ex.requests, symbol)
		return nil
	})
}

func (h *Handle) SetPriceFreshnessLimit(ctx context.Context, seconds *big.Int) (chain.Tx, error) {
	return h.submit(ctx, "setPriceFreshnessLimit", func() error {
		if err := h.onlyOwner(); err != nil {
			return err
		}
		h.ex.freshnessLimit = seconds.Int64()
		return nil
	})
}

func (h *Handle) TransferOwnership(ctx context.Context, newOwner common.Address) (chain.Tx, error) {
	return h.submit(ctx, "transferOwnership", func() error {
		if err := h.onlyOwner(); err != nil {
			return err
		}
		if newOwner == (common.Address{}) {
			return revert("New owner is the zero address")
		}
		h.ex.owner = newOwner
		return nil
	})
}

func (h *Handle) Transform(ctx context.Context, symbol string, from, to common.Address, amount *big.Int) (chain.Tx, error) {
	return h.submit(ctx, "transform", func() error {
		if err := h.onlyOwner(); err != nil {
			return err
		}
		s, err := h.existing(symbol)
		if err != nil {
			return err
		}
		bal, ok := s.balances[from]
		if !ok || bal.Cmp(amount) < 0 {
			return revert("Not enough tokens")
		}
		s.balances[from] = new(big.Int).Sub(bal, amount)
		dst, ok := s.balances[to]
		if !ok {
			dst = big.NewInt(0)
		}
		s.balances[to] = new(big.Int).Add(dst, amount)
		return nil
	})
}

// ErrHeld is returned by Wait when ctx ends while receipts are held.
var ErrHeld = errors.New("receipt held")

type tx struct {
	hash   common.Hash
	block  uint64
	hold   chan struct{}
	failed bool
}

func (t *tx) Hash() common.Hash { return t.hash }

func (t *tx) Wait(ctx context.Context) (model.Receipt, error) {
	if t.hold != nil {
		select {
		case <-t.hold:
		case <-ctx.Done():
			return model.Receipt{TxHash: t.hash}, fmt.Errorf("%w: %w", ErrHeld, ctx.Err())
		}
	}

	status := types.ReceiptStatusSuccessful
	if t.failed {
		status = types.ReceiptStatusFailed
	}
	return chain.ReceiptFrom(&types.Receipt{
		TxHash:      t.hash,
		Status:      status,
		GasUsed:     21000,
		BlockNumber: new(big.Int).SetUint64(t.block),
	})
}
