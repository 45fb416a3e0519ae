/*
Package main is a command line client for the tokenized stock exchange on
Sepolia.

It connects the configured key wallet, loads the stock directory and runs a
single read or write operation.

Usage:

	go run ./cmd/exchange [-config=exchange.yaml] [-env=.env] <command> [args]

Commands:

	session                           connect and show the session
	stocks                            list listed stocks and holdings
	price SYMBOL                      show the on-chain price
	fresh SYMBOL...                   check price freshness of one or more stocks
	buy SYMBOL QTY                    buy whole tokens at the current price
	sell SYMBOL QTY                   sell whole tokens
	request-price SYMBOL              ask the oracle for a new price
	add-stock SYMBOL NAME             list a stock (owner)
	remove-stock SYMBOL               delist a stock (owner)
	update-price SYMBOL PRICE         set a price in ether (owner)
	set-freshness SECONDS             set the freshness limit (owner)
	transfer-ownership ADDRESS        hand the contract over (owner)
	transform SYMBOL FROM TO QTY      move tokens between holders (owner)
	info                              stock count, freshness limit, oracle
	token-address SYMBOL              show the token contract of a stock
	balances                          show ETH and tracked token balances
	tokens                            list tracked tokens
	track-token ADDRESS               track a custom ERC-20 token
	untrack-token ADDRESS             stop tracking a custom token
*/
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stockexchange/internal/config"
	"stockexchange/internal/failure"
	"stockexchange/internal/model"
	"stockexchange/internal/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "", "Optional YAML configuration file")
	envFile    = flag.String("env", ".env", "Optional .env file")
	timeout    = flag.Duration("timeout", 0, "Overall deadline, 0 waits for confirmation indefinitely")
)

// command runs one operation on a connected service.
type command struct {
	args int // -1 accepts any number
	run  func(ctx context.Context, svc *service.ExchangeService, args []string) error
}

var commands = map[string]command{
	"session":            {0, showSession},
	"stocks":             {0, listStocks},
	"price":              {1, showPrice},
	"fresh":              {-1, checkFresh},
	"buy":                {2, buy},
	"sell":               {2, sell},
	"request-price":      {1, requestPrice},
	"add-stock":          {2, addStock},
	"remove-stock":       {1, removeStock},
	"update-price":       {2, updatePrice},
	"set-freshness":      {1, setFreshness},
	"transfer-ownership": {1, transferOwnership},
	"transform":          {4, transform},
	"info":               {0, showInfo},
	"token-address":      {1, showTokenAddress},
	"balances":           {0, showBalances},
	"tokens":             {0, listTokens},
	"track-token":        {1, trackToken},
	"untrack-token":      {1, untrackToken},
}

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	name := flag.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "usage: exchange [flags] <command> [args]\nunknown command %q\n", name)
		os.Exit(2)
	}
	args := flag.Args()[1:]
	if cmd.args >= 0 && len(args) != cmd.args {
		log.Fatal().Str("command", name).Int("want", cmd.args).Int("got", len(args)).Msg("wrong number of arguments")
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.ZerologLevel())
	log.Debug().Object("config", cfg).Msg("configuration loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *timeout)
		defer stop()
	}

	os.Exit(run(ctx, cfg, name, cmd, args))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, name string, cmd command, args []string) int {
	rt, err := service.Dial(ctx, cfg, service.DialOptions{Approve: prompt})
	if err != nil {
		log.Error().Err(err).Msg("failed to start exchange client")
		return 1
	}
	defer rt.Close()

	if _, err := rt.Service.Connect(ctx); err != nil {
		report(err, "failed to connect wallet")
		return 1
	}
	if err := cmd.run(ctx, rt.Service, args); err != nil {
		report(err, name+" failed")
		return 1
	}
	return 0
}

// report logs err with its failure kind.
func report(err error, msg string) {
	fe := failure.Normalize(err)
	ev := log.Error().Err(err).Str("kind", fe.Kind.String())
	if fe.Reason != "" {
		ev = ev.Str("reason", fe.Reason)
	}
	ev.Msg(msg)
}

// prompt asks on the terminal before exposing the accounts.
func prompt(_ context.Context, accounts []common.Address) error {
	fmt.Fprintln(os.Stderr, "The exchange client requests access to:")
	for _, a := range accounts {
		fmt.Fprintf(os.Stderr, "  %s\n", a.Hex())
	}
	fmt.Fprint(os.Stderr, "Approve? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("%w: no answer", failure.ErrUserRejected)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("%w: declined", failure.ErrUserRejected)
}

func logReceipt(op string, r model.Receipt) {
	log.Info().
		Str("op", op).
		Str("tx", r.TxHash.Hex()).
		Uint64("block", r.BlockNumber).
		Uint64("gas", r.GasUsed).
		Msg("transaction confirmed")
}

func showSession(_ context.Context, svc *service.ExchangeService, _ []string) error {
	info := svc.Session()
	log.Info().
		Uint64("session", info.ID).
		Str("account", info.Account.Hex()).
		Int64("chain_id", info.ChainID).
		Str("role", info.Role.String()).
		Time("connected_at", info.ConnectedAt).
		Msg("session")
	return nil
}

func listStocks(_ context.Context, svc *service.ExchangeService, _ []string) error {
	records := svc.Directory().Records()
	if len(records) == 0 {
		log.Info().Msg("no stocks listed")
		return nil
	}
	for _, r := range records {
		log.Info().
			Int("id", r.ID).
			Str("symbol", r.Symbol).
			Str("name", r.Name).
			Str("token", r.TokenAddress.Hex()).
			Str("price", r.Price.String()).
			Time("updated", r.LastUpdated).
			Str("held", svc.Directory().Holding(r.Symbol)).
			Msg("stock")
	}
	for _, p := range svc.Positions() {
		log.Info().Str("symbol", p.Record.Symbol).Str("quantity", p.Quantity.String()).Str("value_eth", p.Value.String()).Msg("position")
	}
	return nil
}

func showPrice(ctx context.Context, svc *service.ExchangeService, args []string) error {
	price, updated, err := svc.Directory().StockPrice(ctx, args[0])
	if err != nil {
		return err
	}
	label, err := svc.Directory().PriceString(ctx, args[0])
	if err != nil {
		return err
	}
	log.Info().Str("symbol", strings.ToUpper(args[0])).Str("price_eth", price.String()).Str("display", label).Time("updated", updated).Msg("price")
	return nil
}

func checkFresh(ctx context.Context, svc *service.ExchangeService, args []string) error {
	states, err := svc.CheckFreshness(ctx, args...)
	for _, state := range states {
		log.Info().Str("symbol", state.Symbol).Str("status", state.Status.String()).Time("checked_at", state.CheckedAt).Msg("freshness")
	}
	return err
}

// trade checks freshness first, since buys and sells need a fresh price.
func trade(ctx context.Context, svc *service.ExchangeService, symbol string) error {
	state, err := svc.Freshness().Check(ctx, symbol)
	if err != nil {
		return err
	}
	if state.Status != model.FreshnessFresh {
		return failure.New(failure.InvalidInput, "price of %s is %s, run request-price first", state.Symbol, state.Status)
	}
	return nil
}

func buy(ctx context.Context, svc *service.ExchangeService, args []string) error {
	if err := trade(ctx, svc, args[0]); err != nil {
		return err
	}
	r, err := svc.Orchestrator().Buy(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	logReceipt("buy", r)
	return nil
}

func sell(ctx context.Context, svc *service.ExchangeService, args []string) error {
	if err := trade(ctx, svc, args[0]); err != nil {
		return err
	}
	r, err := svc.Orchestrator().Sell(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	logReceipt("sell", r)
	return nil
}

func requestPrice(ctx context.Context, svc *service.ExchangeService, args []string) error {
	r, err := svc.Orchestrator().RequestPriceUpdate(ctx, args[0])
	if err != nil {
		return err
	}
	logReceipt("request-price", r)
	log.Info().Msg("the oracle answers asynchronously, check the price again shortly")
	return nil
}

func addStock(ctx context.Context, svc *service.ExchangeService, args []string) error {
	r, err := svc.Orchestrator().AddStock(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	logReceipt("add-stock", r)
	return nil
}

func removeStock(ctx context.Context, svc *service.ExchangeService, args []string) error {
	r, err := svc.Orchestrator().RemoveStock(ctx, args[0])
	if err != nil {
		return err
	}
	logReceipt("remove-stock", r)
	return nil
}

func updatePrice(ctx context.Context, svc *service.ExchangeService, args []string) error {
	r, err := svc.Orchestrator().UpdatePrice(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	logReceipt("update-price", r)
	return nil
}

func setFreshness(ctx context.Context, svc *service.ExchangeService, args []string) error {
	seconds, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return failure.New(failure.InvalidInput, "seconds must be a positive integer, got %q", args[0])
	}
	r, err := svc.Orchestrator().SetFreshnessLimit(ctx, seconds)
	if err != nil {
		return err
	}
	logReceipt("set-freshness", r)
	return nil
}

func transferOwnership(ctx context.Context, svc *service.ExchangeService, args []string) error {
	r, err := svc.Orchestrator().TransferOwnership(ctx, args[0])
	if err != nil {
		return err
	}
	logReceipt("transfer-ownership", r)
	return nil
}

func transform(ctx context.Context, svc *service.ExchangeService, args []string) error {
	r, err := svc.Orchestrator().Transform(ctx, args[0], args[1], args[2], args[3])
	if err != nil {
		return err
	}
	logReceipt("transform", r)
	return nil
}

func showInfo(ctx context.Context, svc *service.ExchangeService, _ []string) error {
	count, err := svc.Directory().StockCount(ctx)
	if err != nil {
		return err
	}
	limit, err := svc.Directory().FreshnessLimit(ctx)
	if err != nil {
		return err
	}
	oracle, err := svc.Directory().OracleStatus(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Uint64("stocks", count).
		Dur("freshness_limit", limit).
		Str("oracle_fee_wei", oracle.Fee.String()).
		Str("link_balance_wei", oracle.LinkBalance.String()).
		Str("link_token", oracle.LinkToken.Hex()).
		Msg("contract")
	return nil
}

func showTokenAddress(ctx context.Context, svc *service.ExchangeService, args []string) error {
	addr, err := svc.Directory().TokenAddress(ctx, args[0])
	if err != nil {
		return err
	}
	log.Info().Str("symbol", strings.ToUpper(args[0])).Str("token", addr.Hex()).Msg("token address")
	return nil
}

func showBalances(ctx context.Context, svc *service.ExchangeService, _ []string) error {
	balances, err := svc.Balances(ctx)
	if err != nil {
		return err
	}
	for _, b := range balances {
		ev := log.Info().Str("symbol", b.Token.Symbol).Str("balance", b.Balance.String())
		if !b.IsNative {
			ev = ev.Str("token", b.Token.Address.Hex())
		}
		if b.Failed {
			ev = ev.Bool("unavailable", true)
		}
		ev.Msg("balance")
	}
	return nil
}

func listTokens(ctx context.Context, svc *service.ExchangeService, _ []string) error {
	tokens, err := svc.Portfolio().Tokens(ctx)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		log.Info().Str("symbol", t.Symbol).Str("token", t.Address.Hex()).Uint8("decimals", t.Decimals).Msg("tracked token")
	}
	return nil
}

func trackToken(ctx context.Context, svc *service.ExchangeService, args []string) error {
	tok, err := svc.Portfolio().AddToken(ctx, args[0])
	if err != nil {
		return err
	}
	log.Info().Str("symbol", tok.Symbol).Str("token", tok.Address.Hex()).Msg("token tracked")
	return nil
}

func untrackToken(ctx context.Context, svc *service.ExchangeService, args []string) error {
	removed, err := svc.Portfolio().RemoveToken(ctx, args[0])
	if err != nil {
		return err
	}
	if !removed {
		return errors.New("token was not tracked")
	}
	log.Info().Str("token", args[0]).Msg("token untracked")
	return nil
}
