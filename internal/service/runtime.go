package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"stockexchange/internal/chain"
	"stockexchange/internal/config"
	"stockexchange/internal/model"
	"stockexchange/internal/tokenstore"
	"stockexchange/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// DialOptions are the interactive parts of a Runtime.
type DialOptions struct {
	// Approve is asked before accounts are exposed. Nil approves, as does
	// wallet.auto_approve in the configuration.
	Approve wallet.ApproveFunc

	// Heads, when set, drives the wallet's chain checks.
	Heads <-chan model.HeadEvent
}

// Runtime is an ExchangeService connected to a node, with the resources it
// owns.
type Runtime struct {
	Service  *ExchangeService
	Provider *wallet.KeyProvider

	client *ethclient.Client
	tokens tokenstore.Store
}

// Dial connects to the node in cfg and starts a service on it. The wallet
// is not connected yet.
func Dial(ctx context.Context, cfg *config.Config, opts DialOptions) (*Runtime, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(cfg.Wallet.PrivateKeys))
	for i, hexKey := range cfg.Wallet.PrivateKeys {
		key, err := wallet.ParseKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	rt := &Runtime{client: client}

	approve := opts.Approve
	if cfg.Wallet.AutoApprove {
		approve = nil
	}
	rt.Provider, err = wallet.NewKeyProvider(wallet.KeyProviderConfig{
		Backend:           client,
		Keys:              keys,
		Approve:           approve,
		ChainPollInterval: cfg.Timing.ChainPollInterval,
		Heads:             opts.Heads,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.tokens, err = tokenstore.Open(ctx, cfg.Tokens)
	if err != nil {
		rt.Close()
		return nil, err
	}

	reader, err := chain.NewTokenReader(client)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Service, err = NewExchangeService(Config{
		Provider:             rt.Provider,
		Binder:               chain.NewBinder(common.HexToAddress(cfg.Chain.Contract)),
		ChainID:              cfg.Chain.ChainID,
		Balances:             reader,
		Tokens:               rt.tokens,
		QuietPeriod:          cfg.Timing.QuietPeriod,
		PriceRequestInterval: cfg.Timing.PriceRequestInterval,
		DelayedRefresh:       cfg.Timing.DelayedRefresh,
		DirectoryConcurrency: cfg.Timing.DirectoryConcurrency,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	if err := rt.Service.Start(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.Provider.Watch(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close stops the service and releases the node and store connections.
func (r *Runtime) Close() {
	if r.Service != nil && r.Service.started.Load() {
		if err := r.Service.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop exchange service")
		}
	}
	if r.Provider != nil {
		r.Provider.Close()
	}
	if r.tokens != nil {
		if err := r.tokens.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close token store")
		}
	}
	if r.client != nil {
		r.client.Close()
	}
}
