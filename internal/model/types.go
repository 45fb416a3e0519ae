// Package model defines core data types for the stock exchange client.
//
// This package contains the data structures shared by the session, directory,
// transaction and freshness components. Prices and balances use decimal.Decimal
// or base-10 integer strings so that 18-decimal on-chain values are never
// squeezed through floating point.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SepoliaChainID is the only network the client talks to.
const SepoliaChainID int64 = 11155111

// PriceDecimals is the fixed-point scale of on-chain stock prices (wei per share).
const PriceDecimals int32 = 18

// Role is the privilege level derived for the connected account.
type Role int

const (
	// RoleHolder is any connected account that is not the contract owner.
	RoleHolder Role = iota

	// RoleOwner is the account returned by the contract's owner() call.
	RoleOwner
)

func (r Role) String() string {
	if r == RoleOwner {
		return "owner"
	}
	return "holder"
}

// ConnectionState is the lifecycle state of the wallet session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StockRecord is one entry of the directory mirrored from the contract.
type StockRecord struct {
	ID           int             // Sequential position in the enumeration
	Symbol       string          // Trading symbol, unique key (e.g., "AAPL")
	Name         string          // Display name
	TokenAddress common.Address  // Stock token contract, unique
	Price        decimal.Decimal // Last known price in ether units
	LastUpdated  time.Time       // Timestamp of the last on-chain price update
}

// Holdings maps a stock token address to the held quantity as a base-10 integer string.
type Holdings map[common.Address]string

// Snapshot is a fully assembled directory view.
//
// A Snapshot is immutable once published: Records and Holdings always come
// from the same refresh pass and are swapped together.
type Snapshot struct {
	Epoch       uint64        // Monotonic refresh counter
	SessionID   uint64        // Session the snapshot was read under
	Records     []StockRecord // Enumeration order of the contract
	Holdings    Holdings      // Balances of the session account
	RefreshedAt time.Time     // Completion time of the refresh
}

// OperationKind identifies a state-changing contract call.
type OperationKind int

const (
	OpBuy OperationKind = iota
	OpSell
	OpAddStock
	OpRemoveStock
	OpUpdatePrice
	OpRequestPriceUpdate
	OpSetFreshnessLimit
	OpTransferOwnership
	OpTransform
)

var operationKindNames = map[OperationKind]string{
	OpBuy:                "buy",
	OpSell:               "sell",
	OpAddStock:           "addStock",
	OpRemoveStock:        "removeStock",
	OpUpdatePrice:        "updatePrice",
	OpRequestPriceUpdate: "requestPriceUpdate",
	OpSetFreshnessLimit:  "setFreshnessLimit",
	OpTransferOwnership:  "transferOwnership",
	OpTransform:          "transform",
}

func (k OperationKind) String() string {
	if name, ok := operationKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsAdmin reports whether the operation is restricted to the contract owner.
func (k OperationKind) IsAdmin() bool {
	switch k {
	case OpAddStock, OpRemoveStock, OpUpdatePrice, OpSetFreshnessLimit, OpTransferOwnership, OpTransform:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a PendingOperation.
type OperationStatus int

const (
	StatusSubmitted OperationStatus = iota
	StatusConfirmed
	StatusFailed
)

func (s OperationStatus) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "submitted"
	}
}

// PendingOperation tracks a submitted but not yet settled write.
type PendingOperation struct {
	ID          string          // Client-side identifier (uuid)
	Kind        OperationKind   // Contract call being made
	Key         string          // Serialization key: symbol or address
	SubmittedAt time.Time       // When the operation passed local checks
	Status      OperationStatus // Current lifecycle state
	TxHash      common.Hash     // Set once the provider accepted the transaction
}

// Receipt is the confirmed outcome of a transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// FreshnessStatus is the state of a symbol in the price freshness monitor.
type FreshnessStatus int

const (
	FreshnessUnknown FreshnessStatus = iota
	FreshnessChecking
	FreshnessFresh
	FreshnessStale
)

func (s FreshnessStatus) String() string {
	switch s {
	case FreshnessChecking:
		return "checking"
	case FreshnessFresh:
		return "fresh"
	case FreshnessStale:
		return "stale"
	default:
		return "unknown"
	}
}

// FreshnessState is the monitor's view of one symbol.
type FreshnessState struct {
	Symbol    string
	Status    FreshnessStatus
	CheckedAt time.Time
}

// Token is a custom-tracked ERC-20 token persisted on the client.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// TokenBalance is a formatted balance of a native or ERC-20 asset.
type TokenBalance struct {
	Token    Token
	Raw      string          // Base units as a base-10 integer string
	Balance  decimal.Decimal // Raw scaled by the token decimals
	IsNative bool
	Failed   bool // The balance could not be read and is reported as zero
}

// HeadEvent is a new block header notification from the node.
type HeadEvent struct {
	Number    uint64
	Hash      common.Hash
	Timestamp time.Time
}
