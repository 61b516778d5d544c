package devsync

import (
	"context"
	"time"
)

// RemoteRecord is the remote collaborator's current copy of a record.
type RemoteRecord struct {
	Ref        EntityRef `json:"ref"`
	Data       Record    `json:"data"`
	Version    int64     `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Mutation is an upload, update or delete sent to the remote.
// Unless Force is set the remote only applies it when BaseVersion equals
// the record's current version.
type Mutation struct {
	OperationID string
	BusinessID  string
	DeviceID    string
	Kind        OperationKind
	Ref         EntityRef
	Payload     Record
	BaseVersion int64
	Force       bool
	ClientAt    time.Time
}

// MutationResult is the remote's answer to a Mutation. When Applied is false
// Current echoes the server value the mutation diverged from.
type MutationResult struct {
	Applied        bool
	Current        Record
	CurrentVersion int64
	AppliedVersion int64
	ModifiedAt     time.Time
}

// Remote is the business-record service. Implementations return a
// *TransportError for retryable failures and a *RejectedError when the
// mutation is refused. FetchRecord returns nil, nil for a missing record.
type Remote interface {
	FetchRecord(ctx context.Context, ref EntityRef) (*RemoteRecord, error)
	ApplyMutation(ctx context.Context, m Mutation) (*MutationResult, error)
}

// Catalog is implemented by remotes that know which records are assigned
// to an employee. The cache uses it to decide what to pre-fetch.
type Catalog interface {
	ListAssigned(ctx context.Context, businessID, employeeID string, dt DataType) ([]EntityRef, error)
}
