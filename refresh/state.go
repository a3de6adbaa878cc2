package refresh

import (
	"encoding/json"
	"time"
)

// Status describes the controller's current activity for a query.
type Status string

const (
	// StatusIdle means the query holds its most recent result and no fetch is running.
	StatusIdle Status = "idle"
	// StatusLoading means a fetch is in flight.
	StatusLoading Status = "loading"
	// StatusError means the last fetch settled without producing any data.
	StatusError Status = "error"
)

// SnapshotSource records where the current snapshot came from.
type SnapshotSource string

const (
	// SourceNone means no snapshot has been produced yet.
	SourceNone SnapshotSource = "none"
	// SourceRemote means the snapshot came from the remote endpoint.
	SourceRemote SnapshotSource = "remote"
	// SourceCache means the snapshot was adopted from the local cache.
	SourceCache SnapshotSource = "cache"
	// SourceDerived means the snapshot was computed from other query snapshots.
	SourceDerived SnapshotSource = "derived"
)

// ErrorKind classifies a surfaced fetch failure.
type ErrorKind string

const (
	// ErrorNone is the zero value when no error is held.
	ErrorNone ErrorKind = ""
	// ErrorNetwork means the remote call failed or timed out.
	ErrorNetwork ErrorKind = "network"
	// ErrorDecode means the response could not be interpreted.
	ErrorDecode ErrorKind = "decode"
	// ErrorNoData means both the remote source and the cache came up empty.
	ErrorNoData ErrorKind = "no_data_available"
)

// Reason records what prompted a fetch.
type Reason string

const (
	// ReasonInitial is the fetch triggered by the first subscription.
	ReasonInitial Reason = "initial"
	// ReasonScheduled is an interval-driven refresh.
	ReasonScheduled Reason = "scheduled"
	// ReasonManual is an explicit refresh request from a consumer.
	ReasonManual Reason = "manual_refresh"
	// ReasonConnectivityRestored is the fetch fired when the link comes back.
	ReasonConnectivityRestored Reason = "connectivity_restored"
)

// Snapshot is an immutable point-in-time value for a query.
type Snapshot struct {
	Payload     json.RawMessage `json:"payload"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

// State is the immutable view published to subscribers. Errors never erase a
// previously held snapshot, so Snapshot may be set while Status is error.
type State struct {
	Query     string         `json:"query"`
	Snapshot  *Snapshot      `json:"snapshot,omitempty"`
	Status    Status         `json:"status"`
	LastError ErrorKind      `json:"last_error,omitempty"`
	Source    SnapshotSource `json:"source"`
	IsStale   bool           `json:"is_stale"`
}
