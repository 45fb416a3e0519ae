package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// exchangeABIJSON is the subset of the exchange contract ABI the client uses.
const exchangeABIJSON = `[
{"type":"function","name":"addStock","stateMutability":"nonpayable","inputs":[{"name":"_symbol","type":"string"},{"name":"_name","type":"string"}],"outputs":[]},
{"type":"function","name":"buyStock","stateMutability":"payable","inputs":[{"name":"_symbol","type":"string"},{"name":"_amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getAllStockTokens","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"_symbol","type":"string"},{"name":"_user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getLinkBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getLinkTokenAddress","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getPirceStr","stateMutability":"view","inputs":[{"name":"_symbol","type":"string"}],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"getStockCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getStockPrice","stateMutability":"view","inputs":[{"name":"_symbol","type":"string"}],"outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"}]},
{"type":"function","name":"getTokenAddress","stateMutability":"view","inputs":[{"name":"_symbol","type":"string"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getTokenSymbol","stateMutability":"view","inputs":[{"name":"tokenAddress","type":"address"}],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"isPriceFresh","stateMutability":"view","inputs":[{"name":"_symbol","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"priceFreshnessLimit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"removeStock","stateMutability":"nonpayable","inputs":[{"name":"_symbol","type":"string"}],"outputs":[]},
{"type":"function","name":"requestPriceUpdate","stateMutability":"nonpayable","inputs":[{"name":"_symbol","type":"string"}],"outputs":[]},
{"type":"function","name":"sellStock","stateMutability":"nonpayable","inputs":[{"name":"_symbol","type":"string"},{"name":"_amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"setPriceFreshnessLimit","stateMutability":"nonpayable","inputs":[{"name":"_seconds","type":"uint256"}],"outputs":[]},
{"type":"function","name":"simulatePriceUpdate","stateMutability":"nonpayable","inputs":[{"name":"_symbol","type":"string"},{"name":"_price","type":"string"}],"outputs":[]},
{"type":"function","name":"stocks","stateMutability":"view","inputs":[{"name":"","type":"string"}],"outputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"tokenAddress","type":"address"},{"name":"price","type":"uint256"},{"name":"lastUpdated","type":"uint256"}]},
{"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[{"name":"newOwner","type":"address"}],"outputs":[]},
{"type":"function","name":"transform","stateMutability":"nonpayable","inputs":[{"name":"_symbol","type":"string"},{"name":"_from","type":"address"},{"name":"_to","type":"address"},{"name":"_amount","type":"uint256"}],"outputs":[]}
]`

// erc20ABIJSON covers the token reads used for balances.
const erc20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	exchangeOnce   sync.Once
	exchangeParsed abi.ABI
	exchangeErr    error

	erc20Once   sync.Once
	erc20Parsed abi.ABI
	erc20Err    error
)

// ExchangeABI returns the parsed exchange ABI.
func ExchangeABI() (abi.ABI, error) {
	exchangeOnce.Do(func() {
		exchangeParsed, exchangeErr = abi.JSON(strings.NewReader(exchangeABIJSON))
		if exchangeErr != nil {
			exchangeErr = fmt.Errorf("parse exchange abi: %w", exchangeErr)
		}
	})
	return exchangeParsed, exchangeErr
}

// ERC20ABI returns the parsed token ABI.
func ERC20ABI() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20Parsed, erc20Err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if erc20Err != nil {
			erc20Err = fmt.Errorf("parse erc20 abi: %w", erc20Err)
		}
	})
	return erc20Parsed, erc20Err
}
