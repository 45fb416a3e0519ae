package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SessionInfo is the public view of the wallet session.
type SessionInfo struct {
	ID          uint64
	State       ConnectionState
	Account     common.Address
	ChainID     int64
	Role        Role
	ConnectedAt time.Time
}

// EventKind selects a stream on the event bus.
type EventKind int

const (
	EventSession EventKind = iota
	EventDirectory
	EventOperation
	EventFreshness
)

func (k EventKind) String() string {
	switch k {
	case EventSession:
		return "session"
	case EventDirectory:
		return "directory"
	case EventOperation:
		return "operation"
	case EventFreshness:
		return "freshness"
	}
	return "unknown"
}

// Event is a state change published to UI subscribers. Exactly one of the
// payload fields is set, matching Kind.
type Event struct {
	Kind      EventKind
	At        time.Time
	Session   *SessionInfo
	Snapshot  *Snapshot
	Operation *PendingOperation
	Freshness *FreshnessState
	Err       error // Normalized failure for failed operations
}
