package websocket

import (
	"testing"

	"stockexchange/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_HeadHandler tests frame decoding
func Test_HeadHandler(t *testing.T) {
	tests := []struct {
		name        string
		frame       string
		expectHead  bool
		expectError bool
		number      uint64
		description string
	}{
		{
			name:        "Notification",
			frame:       headFrame("0x10"),
			expectHead:  true,
			number:      16,
			description: "Should decode a newHeads notification",
		},
		{
			name:        "Subscribe ack",
			frame:       `{"jsonrpc":"2.0","id":1,"result":"0xabc"}`,
			description: "Should ignore the subscription id response",
		},
		{
			name:        "Error response",
			frame:       `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"notifications not supported"}}`,
			expectError: true,
			description: "Should surface subscription errors",
		},
		{
			name:        "Bad JSON",
			frame:       `{"jsonrpc":`,
			expectError: true,
			description: "Should reject malformed JSON",
		},
		{
			name:        "Wrong version",
			frame:       `{"jsonrpc":"1.0","id":1,"result":"0xabc"}`,
			expectError: true,
			description: "Should require JSON-RPC 2.0",
		},
		{
			name:        "Missing hash",
			frame:       `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":{"number":"0x1","timestamp":"0x1"}}}`,
			expectError: true,
			description: "Should validate head fields",
		},
		{
			name: "Bad number",
			frame: `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":{"number":"0xzz","hash":"` +
				testHash + `","timestamp":"0x1"}}}`,
			expectError: true,
			description: "Should reject non-hex numbers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			heads := make(chan model.HeadEvent, 1)

			err := HeadHandler([]byte(tt.frame), heads)

			if tt.expectError {
				assert.Error(t, err, tt.description)
			} else {
				assert.NoError(t, err, tt.description)
			}

			if tt.expectHead {
				require.Len(t, heads, 1)
				head := <-heads
				assert.Equal(t, tt.number, head.Number)
			} else {
				assert.Empty(t, heads)
			}
		})
	}
}

// Test_HeadHandler_Full tests that a lagging consumer drops the newest head
func Test_HeadHandler_Full(t *testing.T) {
	heads := make(chan model.HeadEvent, 1)
	require.NoError(t, HeadHandler([]byte(headFrame("0x1")), heads))

	err := HeadHandler([]byte(headFrame("0x2")), heads)

	assert.ErrorIs(t, err, ErrHeadChanFull)
	assert.Equal(t, uint64(1), (<-heads).Number)
}
