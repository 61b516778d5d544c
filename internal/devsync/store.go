package devsync

import (
	"context"
	"time"
)

// EntityRef identifies one business record.
type EntityRef struct {
	DataType   DataType `json:"data_type"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
}

func (r EntityRef) String() string {
	return string(r.DataType) + "/" + r.EntityType + "/" + r.EntityID
}

// OfflineMetadata describes how an entry's bytes are stored.
// Checksum is the SHA-256 of the canonical JSON record before compression
// and encryption; Size is the stored byte count.
type OfflineMetadata struct {
	Version    int64  `json:"version"`
	Checksum   string `json:"checksum"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
	Size       int64  `json:"size"`
}

// OfflineData is a locally cached copy of one business record.
type OfflineData struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	BusinessID   string          `json:"business_id"`
	DataType     DataType        `json:"data_type"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Data         []byte          `json:"data"`
	Metadata     OfflineMetadata `json:"metadata"`
	IsDownloaded bool            `json:"is_downloaded"`
	Priority     int             `json:"priority"`
	ExpiresAt    time.Time       `json:"expires_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	AccessCount  int             `json:"access_count"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
	SyncVersion  int64           `json:"sync_version"`
	IsDirty      bool            `json:"is_dirty"`
	Conflicts    bool            `json:"conflicts"`
}

func (d *OfflineData) Ref() EntityRef {
	return EntityRef{DataType: d.DataType, EntityType: d.EntityType, EntityID: d.EntityID}
}

type DeviceFilter struct {
	BusinessID string
	EmployeeID string
	Statuses   []DeviceStatus
	OnlineOnly bool
}

// OperationOrder selects the sort order of ListOperations.
type OperationOrder int

const (
	// OrderPriority sorts by priority descending, then creation ascending.
	OrderPriority OperationOrder = iota
	// OrderCreated sorts by creation ascending.
	OrderCreated
)

type OperationFilter struct {
	DeviceID        string
	BusinessID      string
	Statuses        []OperationStatus
	DataType        DataType
	EntityType      string
	EntityID        string
	DueBefore       *time.Time
	CompletedBefore *time.Time
	// After keeps only operations that sort after the cursor in priority
	// order.
	After *OperationCursor
	Order OperationOrder
	Limit int
}

// OperationCursor is a position in priority order: priority descending,
// then creation time and Seq ascending.
type OperationCursor struct {
	Priority  int
	CreatedAt time.Time
	Seq       int64
}

// CursorOf returns the position of op in priority order.
func CursorOf(op *SyncOperation) *OperationCursor {
	return &OperationCursor{Priority: op.Priority, CreatedAt: op.CreatedAt, Seq: op.Seq}
}

// Follows reports whether op sorts after c in priority order.
func (c *OperationCursor) Follows(op *SyncOperation) bool {
	switch {
	case op.Priority != c.Priority:
		return op.Priority < c.Priority
	case !op.CreatedAt.Equal(c.CreatedAt):
		return op.CreatedAt.After(c.CreatedAt)
	}
	return op.Seq > c.Seq
}

type OfflineDataFilter struct {
	DeviceID      string
	DataType      DataType
	DirtyOnly     bool
	ExpiresBefore *time.Time
	// ByLastAccessed sorts least recently accessed first; otherwise entries
	// are sorted by data type and entity.
	ByLastAccessed bool
}

// Store is the durable local store. It is the only writer of devices,
// operations and offline data. Lookups of missing records return nil or an
// empty slice, never an error; deletes are idempotent. Engine failures are
// returned as *StorageError.
type Store interface {
	PutDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, f DeviceFilter) ([]*Device, error)
	DeleteDevice(ctx context.Context, id string) error

	// PutOperation upserts op. A new operation is assigned a Seq that
	// orders operations created at the same instant.
	PutOperation(ctx context.Context, op *SyncOperation) error
	GetOperation(ctx context.Context, id string) (*SyncOperation, error)
	ListOperations(ctx context.Context, f OperationFilter) ([]*SyncOperation, error)
	CountOperations(ctx context.Context, deviceID string) (map[OperationStatus]int, error)
	DeleteOperation(ctx context.Context, id string) error

	PutOfflineData(ctx context.Context, d *OfflineData) error
	GetOfflineData(ctx context.Context, id string) (*OfflineData, error)
	FindOfflineData(ctx context.Context, deviceID string, ref EntityRef) (*OfflineData, error)
	ListOfflineData(ctx context.Context, f OfflineDataFilter) ([]*OfflineData, error)
	DeleteOfflineData(ctx context.Context, id string) error
	// OfflineUsage is the total stored size of a device's offline entries.
	OfflineUsage(ctx context.Context, deviceID string) (int64, error)

	// PutOfflineDataWithOperation writes a dirty entry and its pending
	// operation in one transaction.
	PutOfflineDataWithOperation(ctx context.Context, d *OfflineData, op *SyncOperation) error
	// PurgeDevice deletes a device, its operations and its offline data in
	// one transaction.
	PurgeDevice(ctx context.Context, deviceID string) error

	// ClaimSync atomically marks a device's sync as in progress for owner.
	// It fails, returning false, while another owner holds a claim taken
	// after staleBefore. A claim by the same owner is renewed. Devices read
	// back report a held claim in SyncStatus.InProgress.
	ClaimSync(ctx context.Context, deviceID, owner string, now, staleBefore time.Time) (bool, error)
	// ReleaseSync drops owner's claim on the device, or any claim when
	// owner is empty.
	ReleaseSync(ctx context.Context, deviceID, owner string) error

	Close() error
}
