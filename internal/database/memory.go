package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"devsync/internal/devsync"
)

// MemoryStore implements devsync.Store with maps. Records are deep-copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*devsync.Device
	ops     map[string]*devsync.SyncOperation
	offline map[string]*devsync.OfflineData
	claims  map[string]syncClaim
	seq     int64
}

type syncClaim struct {
	owner string
	at    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*devsync.Device),
		ops:     make(map[string]*devsync.SyncOperation),
		offline: make(map[string]*devsync.OfflineData),
		claims:  make(map[string]syncClaim),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic("database: cloning record: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic("database: cloning record: " + err.Error())
	}
	return out
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Devices

func (s *MemoryStore) PutDevice(_ context.Context, d *devsync.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = clone(d)
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, id string) (*devsync.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device(s.devices[id]), nil
}

// device copies d and reports a held sync claim as InProgress.
func (s *MemoryStore) device(d *devsync.Device) *devsync.Device {
	out := clone(d)
	if out != nil {
		_, out.SyncStatus.InProgress = s.claims[out.ID]
	}
	return out
}

func (s *MemoryStore) ListDevices(_ context.Context, f devsync.DeviceFilter) ([]*devsync.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*devsync.Device
	for _, d := range s.devices {
		switch {
		case f.BusinessID != "" && d.BusinessID != f.BusinessID:
			continue
		case f.EmployeeID != "" && d.EmployeeID != f.EmployeeID:
			continue
		case len(f.Statuses) > 0 && !contains(f.Statuses, d.Status):
			continue
		case f.OnlineOnly && !d.Connectivity.IsOnline:
			continue
		}
		out = append(out, s.device(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	delete(s.claims, id)
	return nil
}

func (s *MemoryStore) ClaimSync(_ context.Context, deviceID, owner string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return false, nil
	}
	if c, ok := s.claims[deviceID]; ok && c.owner != owner && !c.at.Before(staleBefore) {
		return false, nil
	}
	s.claims[deviceID] = syncClaim{owner: owner, at: now}
	return true, nil
}

func (s *MemoryStore) ReleaseSync(_ context.Context, deviceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[deviceID]; ok && (owner == "" || c.owner == owner) {
		delete(s.claims, deviceID)
	}
	return nil
}

// Operations

func (s *MemoryStore) PutOperation(_ context.Context, op *devsync.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putOperation(op)
	return nil
}

func (s *MemoryStore) putOperation(op *devsync.SyncOperation) {
	if op.Seq == 0 {
		if prev, ok := s.ops[op.ID]; ok {
			op.Seq = prev.Seq
		} else {
			s.seq++
			op.Seq = s.seq
		}
	}
	s.ops[op.ID] = clone(op)
}

func (s *MemoryStore) GetOperation(_ context.Context, id string) (*devsync.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.ops[id]), nil
}

func (s *MemoryStore) ListOperations(_ context.Context, f devsync.OperationFilter) ([]*devsync.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*devsync.SyncOperation
	for _, op := range s.ops {
		if !matchOperation(op, f) {
			continue
		}
		out = append(out, clone(op))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.Order == devsync.OrderPriority && a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchOperation(op *devsync.SyncOperation, f devsync.OperationFilter) bool {
	switch {
	case f.DeviceID != "" && op.DeviceID != f.DeviceID:
		return false
	case f.BusinessID != "" && op.BusinessID != f.BusinessID:
		return false
	case len(f.Statuses) > 0 && !contains(f.Statuses, op.Status):
		return false
	case f.DataType != "" && op.DataType != f.DataType:
		return false
	case f.EntityType != "" && op.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && op.EntityID != f.EntityID:
		return false
	case f.DueBefore != nil && op.DueAt().After(*f.DueBefore):
		return false
	case f.CompletedBefore != nil && (op.CompletedAt == nil || !op.CompletedAt.Before(*f.CompletedBefore)):
		return false
	case f.After != nil && !f.After.Follows(op):
		return false
	}
	return true
}

func (s *MemoryStore) CountOperations(_ context.Context, deviceID string) (map[devsync.OperationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[devsync.OperationStatus]int)
	for _, op := range s.ops {
		if op.DeviceID == deviceID {
			counts[op.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) DeleteOperation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

// Offline data

func (s *MemoryStore) PutOfflineData(_ context.Context, d *devsync.OfflineData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[d.ID] = clone(d)
	return nil
}

func (s *MemoryStore) GetOfflineData(_ context.Context, id string) (*devsync.OfflineData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.offline[id]), nil
}

func (s *MemoryStore) FindOfflineData(_ context.Context, deviceID string, ref devsync.EntityRef) (*devsync.OfflineData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.offline {
		if d.DeviceID == deviceID && d.Ref() == ref {
			return clone(d), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListOfflineData(_ context.Context, f devsync.OfflineDataFilter) ([]*devsync.OfflineData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*devsync.OfflineData
	for _, d := range s.offline {
		switch {
		case f.DeviceID != "" && d.DeviceID != f.DeviceID:
			continue
		case f.DataType != "" && d.DataType != f.DataType:
			continue
		case f.DirtyOnly && !d.IsDirty:
			continue
		case f.ExpiresBefore != nil && d.ExpiresAt.After(*f.ExpiresBefore):
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.ByLastAccessed {
			if !a.LastAccessed.Equal(b.LastAccessed) {
				return a.LastAccessed.Before(b.LastAccessed)
			}
			return a.ID < b.ID
		}
		return a.Ref().String() < b.Ref().String()
	})
	return out, nil
}

func (s *MemoryStore) DeleteOfflineData(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offline, id)
	return nil
}

func (s *MemoryStore) OfflineUsage(_ context.Context, deviceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, d := range s.offline {
		if d.DeviceID == deviceID {
			total += d.Metadata.Size
		}
	}
	return total, nil
}

func (s *MemoryStore) PutOfflineDataWithOperation(_ context.Context, d *devsync.OfflineData, op *devsync.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[d.ID] = clone(d)
	s.putOperation(op)
	return nil
}

func (s *MemoryStore) PurgeDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.offline {
		if d.DeviceID == deviceID {
			delete(s.offline, id)
		}
	}
	for id, op := range s.ops {
		if op.DeviceID == deviceID {
			delete(s.ops, id)
		}
	}
	delete(s.devices, deviceID)
	delete(s.claims, deviceID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ devsync.Store = (*MemoryStore)(nil)
