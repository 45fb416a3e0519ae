// Package failure maps the heterogeneous errors produced by wallet providers,
// JSON-RPC nodes and contract reverts into one stable taxonomy.
//
// Every component that performs a network call returns *Error values produced
// by Normalize, so callers only ever switch on Kind. The mapping is total: an
// error that matches no known shape becomes Unknown carrying its message.
package failure

import (
	"errors"
	"fmt"
)

// Kind is a member of the failure taxonomy.
type Kind int

const (
	// Unknown is any failure that matches no other kind.
	Unknown Kind = iota

	// UserRejected means the wallet prompt was declined or abandoned.
	UserRejected

	// WrongNetwork means the provider is on a chain other than the supported one.
	WrongNetwork

	// ProviderUnavailable means no wallet provider or node could be reached.
	ProviderUnavailable

	// NotConnected means the operation needs a connected session.
	NotConnected

	// InvalidInput means a client-detectable input mistake.
	InvalidInput

	// OperationInFlight means another write already targets the same key.
	OperationInFlight

	// RateLimited means a client-side submission interval was not respected.
	RateLimited

	// ContractReverted means the contract rejected the call; Reason holds why.
	ContractReverted
)

// Sentinels, one per kind. *Error values match their kind's sentinel with errors.Is.
var (
	ErrUnknown             = errors.New("unknown error")
	ErrUserRejected        = errors.New("user rejected the request")
	ErrWrongNetwork        = errors.New("wrong network")
	ErrProviderUnavailable = errors.New("wallet provider unavailable")
	ErrNotConnected        = errors.New("wallet not connected")
	ErrInvalidInput        = errors.New("invalid input")
	ErrOperationInFlight   = errors.New("operation already in flight")
	ErrRateLimited         = errors.New("rate limited")
	ErrReverted            = errors.New("contract reverted")
)

var kindNames = map[Kind]string{
	Unknown:             "Unknown",
	UserRejected:        "UserRejected",
	WrongNetwork:        "WrongNetwork",
	ProviderUnavailable: "ProviderUnavailable",
	NotConnected:        "NotConnected",
	InvalidInput:        "InvalidInput",
	OperationInFlight:   "OperationInFlight",
	RateLimited:         "RateLimited",
	ContractReverted:    "ContractReverted",
}

var kindSentinels = map[Kind]error{
	Unknown:             ErrUnknown,
	UserRejected:        ErrUserRejected,
	WrongNetwork:        ErrWrongNetwork,
	ProviderUnavailable: ErrProviderUnavailable,
	NotConnected:        ErrNotConnected,
	InvalidInput:        ErrInvalidInput,
	OperationInFlight:   ErrOperationInFlight,
	RateLimited:         ErrRateLimited,
	ContractReverted:    ErrReverted,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Unknown]
}

// Sentinel returns the package sentinel error for the kind.
func (k Kind) Sentinel() error {
	if s, ok := kindSentinels[k]; ok {
		return s
	}
	return ErrUnknown
}

// Error is a normalized failure.
type Error struct {
	Kind    Kind   // Taxonomy member
	Reason  string // Revert reason, only set for ContractReverted
	Message string // Human-readable detail
	Err     error  // Original cause, may be nil
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind, Message: kind.Sentinel().Error()}
	}
	return &Error{Kind: kind, Message: cause.Error(), Err: cause}
}

// Reverted creates a ContractReverted error with an already cleaned reason.
func Reverted(reason string, cause error) *Error {
	return &Error{Kind: ContractReverted, Reason: reason, Message: reason, Err: cause}
}

func (e *Error) Error() string {
	switch e.Kind {
	case ContractReverted:
		return fmt.Sprintf("%s: %s", ErrReverted, e.Reason)
	case Unknown:
		if e.Message == "" {
			return ErrUnknown.Error()
		}
		return e.Message
	}

	sentinel := e.Kind.Sentinel().Error()
	if e.Message == "" || e.Message == sentinel {
		return sentinel
	}
	return fmt.Sprintf("%s: %s", sentinel, e.Message)
}

// Unwrap exposes the original cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// KindOf normalizes err and returns its kind. A nil error has kind Unknown.
func KindOf(err error) Kind {
	if fe := Normalize(err); fe != nil {
		return fe.Kind
	}
	return Unknown
}
