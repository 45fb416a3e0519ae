package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 provider error codes.
const (
	codeUserRejected      = 4001
	codeUnauthorized      = 4100
	codeDisconnected      = 4900
	codeChainDisconnected = 4901
)

// revertPrefixes are the boilerplate wrappers nodes and providers put in front
// of a revert reason. They are stripped in order, repeatedly.
var revertPrefixes = []string{
	"VM Exception while processing transaction: ",
	"execution reverted: ",
	"reverted with reason string ",
	"reverted with custom error ",
	"revert ",
	"Error: ",
}

// revertMarkers identify a message as a contract revert.
var revertMarkers = []string{
	"execution reverted",
	"vm exception while processing transaction",
	"reverted with reason string",
	"transaction reverted",
}

// rejectionMarkers identify a message as a declined wallet prompt.
var rejectionMarkers = []string{
	"user rejected",
	"user denied",
	"rejected by user",
	"action_rejected",
}

// Normalize maps any error onto the taxonomy. It returns nil only for a nil error.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, ErrReverted) {
		msg := strings.TrimPrefix(err.Error(), ErrReverted.Error())
		return Reverted(RevertReason(strings.TrimPrefix(msg, ": ")), err)
	}
	for kind, sentinel := range kindSentinels {
		if kind == Unknown || kind == ContractReverted {
			continue
		}
		if errors.Is(err, sentinel) {
			return Wrap(kind, err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: UserRejected, Message: "request abandoned", Err: err}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected, codeUnauthorized:
			return Wrap(UserRejected, err)
		case codeDisconnected, codeChainDisconnected:
			return Wrap(WrongNetwork, err)
		}
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := decodeRevertData(dataErr.ErrorData()); ok {
			return Reverted(reason, err)
		}
	}

	if errors.Is(err, bind.ErrNoCode) {
		return &Error{Kind: WrongNetwork, Message: "exchange contract not deployed on this network", Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(ProviderUnavailable, err)
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, marker := range rejectionMarkers {
		if strings.Contains(lower, marker) {
			return Wrap(UserRejected, err)
		}
	}
	for _, marker := range revertMarkers {
		if idx := strings.Index(lower, marker); idx >= 0 {
			return Reverted(RevertReason(msg[idx:]), err)
		}
	}

	return &Error{Kind: Unknown, Message: msg, Err: err}
}

// RevertReason strips provider boilerplate from a revert message.
//
// "execution reverted: Not enough tokens" becomes "Not enough tokens". A bare
// "execution reverted" with no reason is returned as is.
func RevertReason(msg string) string {
	reason := strings.TrimSpace(msg)
	for {
		before := reason
		for _, prefix := range revertPrefixes {
			if len(reason) >= len(prefix) && strings.EqualFold(reason[:len(prefix)], prefix) {
				reason = strings.TrimSpace(reason[len(prefix):])
			}
		}
		if reason == before {
			break
		}
	}
	reason = strings.Trim(reason, "'\"")

	if reason == "" {
		return "execution reverted"
	}
	return reason
}

// decodeRevertData extracts the Error(string) reason from JSON-RPC error data.
func decodeRevertData(data any) (string, bool) {
	hexData, ok := data.(string)
	if !ok || hexData == "" {
		return "", false
	}

	raw, err := hexutil.Decode(hexData)
	if err != nil || len(raw) < 4 {
		return "", false
	}

	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return fmt.Sprintf("custom error %s", hexutil.Encode(raw[:4])), true
	}
	return reason, true
}
