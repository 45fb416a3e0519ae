package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRedisKey is the hash holding the tracked tokens.
const DefaultRedisKey = "stockexchange:tokens"

// RedisStore keeps tokens in a Redis hash, one field per lower-cased address.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on client under hash key (DefaultRedisKey if empty).
func NewRedisStore(client *redis.Client, key string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

// List returns the tokens ordered by symbol, then address.
func (s *RedisStore) List(ctx context.Context) ([]model.Token, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	tokens := make([]model.Token, 0, len(fields))
	for field, payload := range fields {
		var t model.Token
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			log.Warn().Err(err).Str("field", field).Msg("skipping unreadable token")
			continue
		}
		tokens = append(tokens, t)
	}

	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Symbol != tokens[j].Symbol {
			return tokens[i].Symbol < tokens[j].Symbol
		}
		return strings.Compare(key(tokens[i].Address), key(tokens[j].Address)) < 0
	})
	return tokens, nil
}

// Add sets the token's field unless it already exists.
func (s *RedisStore) Add(ctx context.Context, token model.Token) (bool, error) {
	if token.Address == (common.Address{}) {
		return false, ErrZeroAddress
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return false, fmt.Errorf("encode token: %w", err)
	}

	added, err := s.client.HSetNX(ctx, s.key, key(token.Address), payload).Result()
	if err != nil {
		return false, fmt.Errorf("store token: %w", err)
	}
	return added, nil
}

// Remove deletes the token's field.
func (s *RedisStore) Remove(ctx context.Context, address common.Address) (bool, error) {
	n, err := s.client.HDel(ctx, s.key, key(address)).Result()
	if err != nil {
		return false, fmt.Errorf("remove token: %w", err)
	}
	return n > 0, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
