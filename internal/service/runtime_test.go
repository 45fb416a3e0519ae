package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"stockexchange/internal/config"
	"stockexchange/internal/model"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runtimeKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// newSepoliaNode answers every JSON-RPC call with the Sepolia chain id.
func newSepoliaNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xaa36a7"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runtimeConfig(t *testing.T, rpcURL string) *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{
			RPCURL:   rpcURL,
			ChainID:  model.SepoliaChainID,
			Contract: config.DefaultContract,
		},
		Wallet: config.WalletConfig{PrivateKeys: []string{runtimeKey}, AutoApprove: true},
		Timing: config.TimingConfig{
			QuietPeriod:          time.Second,
			PriceRequestInterval: time.Second,
			DelayedRefresh:       time.Second,
			ChainPollInterval:    time.Hour,
			DirectoryConcurrency: 2,
		},
		Tokens: config.TokenConfig{Backend: "file", File: filepath.Join(t.TempDir(), "tokens.json")},
	}
}

// Test_Dial tests building a runtime from configuration
func Test_Dial(t *testing.T) {
	node := newSepoliaNode(t)

	tests := []struct {
		name        string
		mutate      func(cfg *config.Config)
		expectError bool
		description string
	}{
		{
			name:        "Valid",
			mutate:      func(*config.Config) {},
			description: "Should start a disconnected service",
		},
		{
			name:        "Bad key",
			mutate:      func(cfg *config.Config) { cfg.Wallet.PrivateKeys = []string{"0xnothex"} },
			expectError: true,
			description: "Should reject malformed private keys",
		},
		{
			name:        "Bad token backend",
			mutate:      func(cfg *config.Config) { cfg.Tokens.Backend = "s3" },
			expectError: true,
			description: "Should fail when the token store cannot open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := runtimeConfig(t, node.URL)
			tt.mutate(cfg)

			rt, err := Dial(context.Background(), cfg, DialOptions{})
			if tt.expectError {
				assert.Error(t, err, tt.description)
				assert.Nil(t, rt)
				return
			}
			require.NoError(t, err, tt.description)
			defer rt.Close()

			assert.NotNil(t, rt.Service.Portfolio())
			assert.Equal(t, model.Disconnected, rt.Service.Session().State)

			accounts, err := rt.Provider.RequestAccounts(context.Background())
			require.NoError(t, err)
			assert.Len(t, accounts, 1)

			_, err = rt.Service.Events()
			assert.NoError(t, err, "Service should be started")
		})
	}
}
