// Package tokenstore persists the custom ERC-20 tokens a user tracks.
//
// Tokens are keyed by address, compared case-insensitively, so the same token
// entered with different casing is stored once.
package tokenstore

import (
	"context"
	"errors"
	"strings"

	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/common"
)

// ErrZeroAddress is returned when adding a token without an address.
var ErrZeroAddress = errors.New("token address cannot be zero")

// Store is a persisted list of custom tokens.
type Store interface {
	// List returns the tracked tokens.
	List(ctx context.Context) ([]model.Token, error)

	// Add tracks token; added is false when the address was already tracked.
	Add(ctx context.Context, token model.Token) (added bool, err error)

	// Remove stops tracking address; removed is false when it was not tracked.
	Remove(ctx context.Context, address common.Address) (removed bool, err error)

	Close() error
}

// key is the case-insensitive identity of a token address.
func key(address common.Address) string {
	return strings.ToLower(address.Hex())
}

// dedupe keeps the first occurrence of every address.
func dedupe(tokens []model.Token) []model.Token {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]model.Token, 0, len(tokens))
	for _, t := range tokens {
		k := key(t.Address)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}
