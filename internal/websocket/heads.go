package websocket

import (
	"errors"
	"fmt"
	"time"

	"stockexchange/internal/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// ErrHeadChanFull means a head was dropped because the consumer lags.
var ErrHeadChanFull = errors.New("head channel full")

var validate = validator.New()

type subscribeRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      int      `json:"id"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	JSONRPC string              `json:"jsonrpc" validate:"eq=2.0"`
	ID      *int                `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Params  *subscriptionParams `json:"params,omitempty"`
	Error   *rpcError           `json:"error,omitempty"`
}

type subscriptionParams struct {
	Subscription string      `json:"subscription" validate:"required"`
	Result       headPayload `json:"result"`
}

type headPayload struct {
	Number    string `json:"number" validate:"required,startswith=0x"`
	Hash      string `json:"hash" validate:"required,len=66,startswith=0x"`
	Timestamp string `json:"timestamp" validate:"required,startswith=0x"`
}

// NewHeadsRequest builds the eth_subscribe request for new block headers.
func NewHeadsRequest(id int) []byte {
	data, _ := json.Marshal(subscribeRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "eth_subscribe",
		Params:  []string{"newHeads"},
	})
	return data
}

// HeadHandler decodes eth_subscription notifications into HeadEvents.
// Responses to the subscribe request are accepted silently; an error response
// is returned as an error.
func HeadHandler(data []byte, heads chan<- model.HeadEvent) error {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	if msg.Error != nil {
		return fmt.Errorf("subscription error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	if msg.Method != "eth_subscription" {
		return nil
	}
	if msg.Params == nil {
		return errors.New("notification without params")
	}
	if err := validate.Struct(msg.Params); err != nil {
		return fmt.Errorf("invalid head: %w", err)
	}

	head, err := parseHead(msg.Params.Result)
	if err != nil {
		return err
	}

	select {
	case heads <- head:
		return nil
	default:
		return fmt.Errorf("%w: block %d", ErrHeadChanFull, head.Number)
	}
}

func parseHead(p headPayload) (model.HeadEvent, error) {
	number, err := hexutil.DecodeUint64(p.Number)
	if err != nil {
		return model.HeadEvent{}, fmt.Errorf("head number %q: %w", p.Number, err)
	}
	ts, err := hexutil.DecodeUint64(p.Timestamp)
	if err != nil {
		return model.HeadEvent{}, fmt.Errorf("head timestamp %q: %w", p.Timestamp, err)
	}
	return model.HeadEvent{
		Number:    number,
		Hash:      common.HexToHash(p.Hash),
		Timestamp: time.Unix(int64(ts), 0).UTC(),
	}, nil
}
