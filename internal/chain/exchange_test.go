package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"stockexchange/internal/failure"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	exchangeAddr = common.HexToAddress("0x592823B2270ACD6f61727B375A762aD0F6453FFD")
	linkAddr     = common.HexToAddress("0x779877A7B0D9E8603169DdbD7836e478b4624789")
	holderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// callBackend answers eth_call by ABI-packing canned results per method.
// Methods it does not override panic through the nil embedded interface.
type callBackend struct {
	Backend
	abi      abi.ABI
	results  map[string][]any
	errs     map[string]error
	balances map[common.Address]*big.Int
	code     map[common.Address][]byte
	calls    []ethereum.CallMsg
}

func newCallBackend(t *testing.T, parsed abi.ABI) *callBackend {
	t.Helper()
	return &callBackend{
		abi:      parsed,
		results:  make(map[string][]any),
		errs:     make(map[string]error),
		balances: make(map[common.Address]*big.Int),
		code:     make(map[common.Address][]byte),
	}
}

func (b *callBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return b.code[account], nil
}

func (b *callBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.calls = append(b.calls, msg)
	method, err := b.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if err := b.errs[method.Name]; err != nil {
		return nil, err
	}
	values, ok := b.results[method.Name]
	if !ok {
		return nil, errors.New("no result for " + method.Name)
	}
	return method.Outputs.Pack(values...)
}

func (b *callBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if bal, ok := b.balances[account]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

type staticSigner struct {
	addr    common.Address
	backend Backend
}

func (s *staticSigner) Address() common.Address { return s.addr }
func (s *staticSigner) Backend() Backend        { return s.backend }
func (s *staticSigner) TransactOpts(context.Context) (*bind.TransactOpts, error) {
	return nil, errors.New("read-only signer")
}

type addressOnly common.Address

func (a addressOnly) Address() common.Address { return common.Address(a) }

func newTestExchange(t *testing.T) (*Exchange, *callBackend) {
	t.Helper()
	parsed, err := ExchangeABI()
	require.NoError(t, err)

	backend := newCallBackend(t, parsed)
	ex, err := NewExchange(exchangeAddr, &staticSigner{addr: holderAddr, backend: backend})
	require.NoError(t, err)
	return ex, backend
}

// Test_ExchangeABI tests that every method the client uses is present
func Test_ExchangeABI(t *testing.T) {
	parsed, err := ExchangeABI()
	require.NoError(t, err)

	for _, name := range []string{
		"addStock", "buyStock", "fee", "getAllStockTokens", "getBalance", "getLinkBalance",
		"getLinkTokenAddress", "getPirceStr", "getStockCount", "getStockPrice", "getTokenAddress",
		"getTokenSymbol", "isPriceFresh", "owner", "priceFreshnessLimit", "removeStock",
		"requestPriceUpdate", "sellStock", "setPriceFreshnessLimit", "simulatePriceUpdate",
		"stocks", "transferOwnership", "transform",
	} {
		_, ok := parsed.Methods[name]
		assert.True(t, ok, "Should define %s", name)
	}

	assert.True(t, parsed.Methods["buyStock"].IsPayable(), "buyStock must be payable")
	assert.True(t, parsed.Methods["stocks"].IsConstant(), "stocks must be a view")

	_, err = ERC20ABI()
	assert.NoError(t, err)
}

// Test_NewExchange tests constructor validation
func Test_NewExchange(t *testing.T) {
	parsed, err := ExchangeABI()
	require.NoError(t, err)
	backend := newCallBackend(t, parsed)

	tests := []struct {
		name        string
		address     common.Address
		signer      TransactSigner
		expectError bool
		description string
	}{
		{
			name:        "Valid",
			address:     exchangeAddr,
			signer:      &staticSigner{addr: holderAddr, backend: backend},
			description: "Should bind with address and backend",
		},
		{
			name:        "Zero address",
			address:     common.Address{},
			signer:      &staticSigner{addr: holderAddr, backend: backend},
			expectError: true,
			description: "Should reject the zero address",
		},
		{
			name:        "Nil signer",
			address:     exchangeAddr,
			expectError: true,
			description: "Should reject a nil signer",
		},
		{
			name:        "No backend",
			address:     exchangeAddr,
			signer:      &staticSigner{addr: holderAddr},
			expectError: true,
			description: "Should reject a signer without backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := NewExchange(tt.address, tt.signer)
			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.Nil(t, ex)
				return
			}
			require.NoError(t, err, tt.description)
			assert.Equal(t, tt.address, ex.Address())
		})
	}
}

// Test_NewBinder tests that binding requires a transacting signer
func Test_NewBinder(t *testing.T) {
	bindExchange := NewBinder(exchangeAddr)

	_, err := bindExchange(addressOnly(holderAddr))
	assert.ErrorIs(t, err, ErrNoTransactor)

	parsed, err := ExchangeABI()
	require.NoError(t, err)
	contract, err := bindExchange(&staticSigner{addr: holderAddr, backend: newCallBackend(t, parsed)})
	require.NoError(t, err)
	assert.Equal(t, exchangeAddr, contract.Address())
}

// Test_Exchange_Reads tests decoding of the view functions
func Test_Exchange_Reads(t *testing.T) {
	ex, backend := newTestExchange(t)
	ctx := context.Background()

	price := new(big.Int).Mul(big.NewInt(187), big.NewInt(1e18))
	backend.results["stocks"] = []any{"Apple Inc.", "AAPL", tokenAddr, price, big.NewInt(1700000000)}
	backend.results["owner"] = []any{holderAddr}
	backend.results["getStockPrice"] = []any{price, big.NewInt(1700000000)}
	backend.results["getAllStockTokens"] = []any{[]common.Address{tokenAddr}}
	backend.results["getTokenSymbol"] = []any{"AAPL"}
	backend.results["getBalance"] = []any{big.NewInt(7)}
	backend.results["isPriceFresh"] = []any{true}
	backend.results["getStockCount"] = []any{big.NewInt(1)}
	backend.results["getPirceStr"] = []any{"187000000000000000000"}
	backend.results["priceFreshnessLimit"] = []any{big.NewInt(3600)}
	backend.results["getTokenAddress"] = []any{tokenAddr}
	backend.results["fee"] = []any{big.NewInt(1e17)}
	backend.results["getLinkBalance"] = []any{big.NewInt(5e18)}
	backend.results["getLinkTokenAddress"] = []any{linkAddr}

	info, err := ex.Stock(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, StockInfo{
		Name: "Apple Inc.", Symbol: "AAPL", TokenAddress: tokenAddr,
		Price: price, LastUpdated: big.NewInt(1700000000),
	}, info)

	owner, err := ex.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, holderAddr, owner)

	p, ts, err := ex.StockPrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(price))
	assert.Equal(t, int64(1700000000), ts.Int64())

	tokens, err := ex.AllStockTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{tokenAddr}, tokens)

	sym, err := ex.TokenSymbol(ctx, tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", sym)

	bal, err := ex.Balance(ctx, "AAPL", holderAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Int64())

	fresh, err := ex.IsPriceFresh(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, fresh)

	count, err := ex.StockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count.Int64())

	str, err := ex.PriceString(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "187000000000000000000", str)

	limit, err := ex.PriceFreshnessLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), limit.Int64())

	addr, err := ex.TokenAddress(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, addr)

	oracle, err := ex.Oracle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1e17), oracle.Fee.Int64())
	assert.Equal(t, linkAddr, oracle.LinkToken)

	for _, msg := range backend.calls {
		assert.Equal(t, holderAddr, msg.From, "Calls should be made from the session account")
		require.NotNil(t, msg.To)
		assert.Equal(t, exchangeAddr, *msg.To)
	}
}

// Test_Exchange_ReadError tests that call errors keep the method name and cause
func Test_Exchange_ReadError(t *testing.T) {
	ex, backend := newTestExchange(t)
	cause := errors.New("execution reverted: Stock does not exist")
	backend.errs["stocks"] = cause

	_, err := ex.Stock(context.Background(), "NOPE")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "stocks")
	assert.Equal(t, failure.ContractReverted, failure.KindOf(err))
}

// Test_Exchange_TransactOptsError tests that signer failures surface before submission
func Test_Exchange_TransactOptsError(t *testing.T) {
	ex, _ := newTestExchange(t)

	tx, err := ex.SellStock(context.Background(), "AAPL", big.NewInt(1))

	assert.Nil(t, tx)
	assert.ErrorContains(t, err, "sellStock")
}

// Test_ReceiptFrom tests receipt conversion
func Test_ReceiptFrom(t *testing.T) {
	hash := common.HexToHash("0xabc")

	ok, err := ReceiptFrom(&types.Receipt{
		Status: types.ReceiptStatusSuccessful, TxHash: hash, GasUsed: 21000, BlockNumber: big.NewInt(42),
	})
	require.NoError(t, err)
	assert.True(t, ok.Success)
	assert.Equal(t, uint64(42), ok.BlockNumber)
	assert.Equal(t, uint64(21000), ok.GasUsed)

	failed, err := ReceiptFrom(&types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash})
	assert.False(t, failed.Success)
	assert.ErrorIs(t, err, failure.ErrReverted)
	assert.Equal(t, failure.ContractReverted, failure.KindOf(err))
}

// Test_TokenReader tests ERC-20 and native reads
func Test_TokenReader(t *testing.T) {
	parsed, err := ERC20ABI()
	require.NoError(t, err)
	backend := newCallBackend(t, parsed)
	backend.results["balanceOf"] = []any{big.NewInt(1500)}
	backend.results["symbol"] = []any{"LINK"}
	backend.results["decimals"] = []any{uint8(18)}
	backend.balances[holderAddr] = big.NewInt(2e18)
	backend.code[linkAddr] = []byte{0x60, 0x80}

	reader, err := NewTokenReader(backend)
	require.NoError(t, err)
	ctx := context.Background()

	bal, err := reader.BalanceOf(ctx, linkAddr, holderAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), bal.Int64())

	sym, dec, err := reader.Metadata(ctx, linkAddr)
	require.NoError(t, err)
	assert.Equal(t, "LINK", sym)
	assert.Equal(t, uint8(18), dec)

	native, err := reader.NativeBalance(ctx, holderAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(2e18), native.Int64())

	deployed, err := reader.HasCode(ctx, linkAddr)
	require.NoError(t, err)
	assert.True(t, deployed)
	deployed, err = reader.HasCode(ctx, holderAddr)
	require.NoError(t, err)
	assert.False(t, deployed, "Accounts have no code")

	_, err = NewTokenReader(nil)
	assert.Error(t, err)
}
