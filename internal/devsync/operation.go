package devsync

import (
	"fmt"
	"time"
)

// OperationKind is the direction and effect of a sync operation.
type OperationKind string

const (
	OpUpload   OperationKind = "upload"
	OpDownload OperationKind = "download"
	OpDelete   OperationKind = "delete"
	OpUpdate   OperationKind = "update"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OpUpload, OpDownload, OpDelete, OpUpdate:
		return true
	}
	return false
}

// writes reports whether the operation pushes local state to the remote.
func (k OperationKind) writes() bool { return k == OpUpload || k == OpUpdate }

// OperationStatus is a node of the per-operation state machine.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpSyncing   OperationStatus = "syncing"
	OpSynced    OperationStatus = "synced"
	OpFailed    OperationStatus = "failed"
	OpConflict  OperationStatus = "conflict"
	OpOffline   OperationStatus = "offline"
	OpCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether no further processing happens for the status
// without manual intervention.
func (s OperationStatus) IsTerminal() bool {
	return s == OpSynced || s == OpFailed || s == OpCancelled
}

// openStatuses are the statuses of operations still owed to the remote.
var openStatuses = []OperationStatus{OpPending, OpOffline, OpConflict, OpSyncing}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// WipeEntityType marks the destructive operation created by a remote wipe.
const WipeEntityType = "device_wipe"

// Resolution is the decided value for one conflicting field.
type Resolution struct {
	Value    any            `json:"value"`
	Strategy ConflictPolicy `json:"strategy"`
	Winner   string         `json:"winner"`
	Warning  string         `json:"warning,omitempty"`
}

// FieldConflict records one field both sides changed to different values
// since the common ancestor.
type FieldConflict struct {
	Field      string      `json:"field"`
	Original   any         `json:"original"`
	Client     any         `json:"client"`
	Server     any         `json:"server"`
	ClientAt   time.Time   `json:"client_at"`
	ServerAt   time.Time   `json:"server_at"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// SyncOperation is one queued mutation between a device and the remote.
type SyncOperation struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	BusinessID     string          `json:"business_id"`
	DeviceID       string          `json:"device_id"`
	EmployeeID     string          `json:"employee_id"`
	Operation      OperationKind   `json:"operation"`
	DataType       DataType        `json:"data_type"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Payload        Record          `json:"payload,omitempty"`
	OriginalData   Record          `json:"original_data,omitempty"`
	BaseVersion    int64           `json:"base_version"`
	ServerSnapshot Record          `json:"server_snapshot,omitempty"`
	ServerVersion  int64           `json:"server_version,omitempty"`
	AppliedVersion int64           `json:"applied_version,omitempty"`
	ConflictPolicy ConflictPolicy  `json:"conflict_policy,omitempty"`
	Status         OperationStatus `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxRetries     int             `json:"max_retries"`
	Conflicts      []FieldConflict `json:"conflicts,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
}

// Ref returns the entity the operation targets.
func (op *SyncOperation) Ref() EntityRef {
	return EntityRef{DataType: op.DataType, EntityType: op.EntityType, EntityID: op.EntityID}
}

// DueAt is the earliest time the operation may be attempted.
func (op *SyncOperation) DueAt() time.Time {
	if op.NextRetryAt != nil && op.NextRetryAt.After(op.ScheduledAt) {
		return *op.NextRetryAt
	}
	return op.ScheduledAt
}

func (op *SyncOperation) IsWipe() bool { return op.EntityType == WipeEntityType }

// ConflictsResolved reports whether every recorded conflict has a resolution.
func (op *SyncOperation) ConflictsResolved() bool {
	for _, c := range op.Conflicts {
		if c.Resolution == nil {
			return false
		}
	}
	return true
}

// TypedPayload decodes the operation payload into its DataType variant.
func (op *SyncOperation) TypedPayload() (Payload, error) {
	if op.Payload == nil {
		return nil, nil
	}
	return DecodePayload(op.DataType, op.Payload)
}

// EnqueueRequest is the caller input for a new sync operation.
type EnqueueRequest struct {
	DeviceID       string
	Operation      OperationKind
	DataType       DataType
	EntityType     string
	EntityID       string
	Payload        Payload
	OriginalData   Payload
	BaseVersion    int64
	Priority       int
	ConflictPolicy ConflictPolicy
	ScheduledAt    *time.Time
}

// Validate checks identifiers, enums and payload variant agreement.
func (r *EnqueueRequest) Validate() error {
	switch {
	case r.DeviceID == "":
		return &ValidationError{Field: "device_id", Reason: "required"}
	case !r.Operation.Valid():
		return &ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", r.Operation)}
	case !r.DataType.Valid():
		return &ValidationError{Field: "data_type", Reason: fmt.Sprintf("unknown data type %q", r.DataType)}
	case r.EntityType == "":
		return &ValidationError{Field: "entity_type", Reason: "required"}
	case r.EntityID == "":
		return &ValidationError{Field: "entity_id", Reason: "required"}
	case r.Priority != 0 && (r.Priority < MinPriority || r.Priority > MaxPriority):
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	case r.ConflictPolicy != "" && !r.ConflictPolicy.Valid():
		return &ValidationError{Field: "conflict_policy", Reason: fmt.Sprintf("unknown policy %q", r.ConflictPolicy)}
	}
	if r.Operation.writes() && r.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "required for " + string(r.Operation)}
	}
	for _, p := range []Payload{r.Payload, r.OriginalData} {
		if p != nil && p.DataType() != r.DataType {
			return &ValidationError{Field: "payload", Reason: fmt.Sprintf("%s payload does not match data type %s", p.DataType(), r.DataType)}
		}
	}
	return nil
}
