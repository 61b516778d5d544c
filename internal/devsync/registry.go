package devsync

import (
	"context"
	"fmt"
	"time"
)

// Registry is the authoritative record of device identity and state, and
// the gate that permits sync activity.
type Registry struct {
	*env
	queue *Queue
}

// RegisterRequest describes a device being enrolled.
type RegisterRequest struct {
	BusinessID string
	EmployeeID string
	Name       string
	Info       DeviceInfo
	Specs      DeviceSpecs
}

// Register creates a device in pending activation with default config and
// an idle sync state for every data type. Its offline cache starts empty:
// entries are keyed by device, so there is nothing else to create.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Device, error) {
	switch {
	case req.BusinessID == "":
		return nil, &ValidationError{Field: "business_id", Reason: "required"}
	case req.EmployeeID == "":
		return nil, &ValidationError{Field: "employee_id", Reason: "required"}
	}

	now := r.clock.Now()
	cfg := DefaultDeviceConfig()
	if r.opts.DeviceDefaults != nil {
		cfg = *r.opts.DeviceDefaults
	}
	states := make(map[DataType]DataTypeSyncState, len(AllDataTypes))
	for _, dt := range AllDataTypes {
		states[dt] = DataTypeSyncState{Status: "idle"}
	}
	name := req.Name
	if name == "" {
		name = req.Info.Model
	}

	d := &Device{
		ID:           r.idgen.New(),
		BusinessID:   req.BusinessID,
		EmployeeID:   req.EmployeeID,
		Name:         name,
		Type:         ClassifyDeviceType(req.Info, req.Specs),
		Status:       StatusPendingActivation,
		Info:         req.Info,
		Specs:        req.Specs,
		Connectivity: Connectivity{LastSeen: now},
		Config:       cfg,
		SyncStatus:   SyncStatus{DataTypes: states},
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := r.store.PutDevice(ctx, d); err != nil {
		return nil, storageErr("put device", err)
	}

	r.logger.Info("device registered", "device", d.ID, "business", d.BusinessID, "type", string(d.Type))
	r.publish(Event{Type: EventDeviceRegistered, DeviceID: d.ID, Status: string(d.Status)})
	return d, nil
}

func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	return r.getDevice(ctx, id)
}

func (r *Registry) ListDevices(ctx context.Context, f DeviceFilter) ([]*Device, error) {
	devices, err := r.store.ListDevices(ctx, f)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	return devices, nil
}

// Activate moves a device to active. It is the admin action that follows
// registration, and also reactivates inactive or suspended devices.
func (r *Registry) Activate(ctx context.Context, id string) (*Device, error) {
	return r.SetStatus(ctx, id, StatusActive)
}

// SetStatus moves a device to status if the transition is permitted.
// Decommissioning cancels every open operation.
func (r *Registry) SetStatus(ctx context.Context, id string, status DeviceStatus) (*Device, error) {
	var from DeviceStatus
	d, err := r.updateDevice(ctx, id, func(d *Device) error {
		if !CanTransition(d.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, status)
		}
		from = d.Status
		d.Status = status
		if status == StatusActive && d.ActivatedAt == nil {
			now := r.clock.Now()
			d.ActivatedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from == status {
		return d, nil
	}

	r.logger.Info("device status changed", "device", id, "from", string(from), "to", string(status))
	r.publish(Event{Type: EventDeviceStatusChanged, DeviceID: id, Status: string(status), Message: string(from)})

	if status == StatusDecommissioned {
		if _, err := r.queue.cancelOpen(ctx, id, "device decommissioned"); err != nil {
			return nil, err
		}
		return r.getDevice(ctx, id)
	}
	return d, nil
}

// ConnectivityUpdate carries the connectivity fields that changed.
type ConnectivityUpdate struct {
	IsOnline       *bool
	ConnectionType *string
	SignalStrength *int
	DataUsedBytes  *int64
	DataLimitBytes *int64
	IPAddress      *string
}

type PerformanceUpdate struct {
	BatteryLevel *int
	IsCharging   *bool
	CPUUsage     *float64
	MemoryUsage  *float64
	StorageUsage *float64
	CrashCount   *int
}

type SecurityUpdate struct {
	Encrypted       *bool
	PasscodeEnabled *bool
	Biometric       *bool
	Jailbroken      *bool
	Rooted          *bool
}

// TelemetryUpdate is a partial device update. Nil sections are left as is;
// Apps replaces the installed application list when non-nil.
type TelemetryUpdate struct {
	Connectivity *ConnectivityUpdate
	Performance  *PerformanceUpdate
	Location     *Location
	Security     *SecurityUpdate
	Apps         []InstalledApp
}

// UpdateTelemetry merges a partial update into the device. A connectivity
// update always refreshes LastSeen. When the device comes back online its
// queue is drained before UpdateTelemetry returns.
func (r *Registry) UpdateTelemetry(ctx context.Context, id string, u TelemetryUpdate) (*Device, error) {
	var wasOnline, isOnline bool
	d, err := r.updateDevice(ctx, id, func(d *Device) error {
		now := r.clock.Now()
		wasOnline = d.Connectivity.IsOnline
		if c := u.Connectivity; c != nil {
			setIf(&d.Connectivity.IsOnline, c.IsOnline)
			setIf(&d.Connectivity.ConnectionType, c.ConnectionType)
			setIf(&d.Connectivity.SignalStrength, c.SignalStrength)
			setIf(&d.Connectivity.DataUsedBytes, c.DataUsedBytes)
			setIf(&d.Connectivity.DataLimitBytes, c.DataLimitBytes)
			setIf(&d.Connectivity.IPAddress, c.IPAddress)
			d.Connectivity.LastSeen = now
		}
		if p := u.Performance; p != nil {
			setIf(&d.Performance.BatteryLevel, p.BatteryLevel)
			setIf(&d.Performance.IsCharging, p.IsCharging)
			setIf(&d.Performance.CPUUsage, p.CPUUsage)
			setIf(&d.Performance.MemoryUsage, p.MemoryUsage)
			setIf(&d.Performance.StorageUsage, p.StorageUsage)
			setIf(&d.Performance.CrashCount, p.CrashCount)
			d.Performance.UpdatedAt = &now
		}
		if loc := u.Location; loc != nil {
			l := *loc
			if l.RecordedAt.IsZero() {
				l.RecordedAt = now
			}
			d.Location = &l
		}
		if s := u.Security; s != nil {
			setIf(&d.Security.Encrypted, s.Encrypted)
			setIf(&d.Security.PasscodeEnabled, s.PasscodeEnabled)
			setIf(&d.Security.Biometric, s.Biometric)
			setIf(&d.Security.Jailbroken, s.Jailbroken)
			setIf(&d.Security.Rooted, s.Rooted)
		}
		if u.Apps != nil {
			d.Apps = append([]InstalledApp(nil), u.Apps...)
		}
		isOnline = d.Connectivity.IsOnline
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wasOnline != isOnline {
		state := "offline"
		if isOnline {
			state = "online"
		}
		r.logger.Info("device connectivity changed", "device", id, "state", state)
		r.publish(Event{Type: EventConnectivityChanged, DeviceID: id, Status: state})
	}
	if !wasOnline && isOnline {
		if _, err := r.queue.Drain(ctx, id); err != nil {
			r.logger.Warn("drain after reconnect failed", "device", id, "error", err)
		}
		return r.getDevice(ctx, id)
	}
	return d, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Deactivate sets the device inactive and cancels its open operations. An
// operation already syncing is allowed to finish first.
func (r *Registry) Deactivate(ctx context.Context, id string) (*Device, error) {
	if _, err := r.getDevice(ctx, id); err != nil {
		return nil, err
	}
	release := r.queue.halt(id)
	defer release()

	if _, err := r.SetStatus(ctx, id, StatusInactive); err != nil {
		return nil, err
	}
	n, err := r.queue.cancelOpen(ctx, id, "device deactivated")
	if err != nil {
		return nil, err
	}
	r.logger.Info("device deactivated", "device", id, "cancelled", n)
	return r.getDevice(ctx, id)
}

// RemoteWipe queues a maximum-priority wipe of the device's offline data and
// suspends the device. Lost and stolen devices keep their status.
func (r *Registry) RemoteWipe(ctx context.Context, id string) (*SyncOperation, error) {
	d, err := r.getDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Config.RemoteWipeEnabled {
		return nil, fmt.Errorf("%w: %s", ErrRemoteWipeDisabled, id)
	}
	if d.Status == StatusDecommissioned {
		return nil, fmt.Errorf("%w: device %s is decommissioned", ErrInvalidTransition, id)
	}
	if CanTransition(d.Status, StatusSuspended) {
		if _, err := r.SetStatus(ctx, id, StatusSuspended); err != nil {
			return nil, err
		}
	}

	op, err := r.queue.Enqueue(ctx, EnqueueRequest{
		DeviceID:   id,
		Operation:  OpDelete,
		DataType:   DataSettings,
		EntityType: WipeEntityType,
		EntityID:   id,
		Priority:   MaxPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("queueing remote wipe: %w", err)
	}
	r.logger.Warn("remote wipe queued", "device", id, "operation", op.ID)
	return op, nil
}

// Remove permanently deletes a device with all of its offline data and
// operations. It waits for an in-flight operation to finish.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.getDevice(ctx, id); err != nil {
		return err
	}
	release := r.queue.halt(id)
	defer func() {
		release()
		r.locks.forget(id)
	}()

	n, err := r.queue.cancelOpen(ctx, id, "device removed")
	if err != nil {
		return err
	}
	if err := r.store.PurgeDevice(ctx, id); err != nil {
		return storageErr("purge device", err)
	}
	r.logger.Warn("device removed", "device", id, "cancelled", n)
	r.publish(Event{Type: EventDeviceRemoved, DeviceID: id})
	return nil
}

// SecurityScan recomputes the compliance score and open violations from the
// device's security snapshot. A violation that persists keeps its original
// detection time.
func (r *Registry) SecurityScan(ctx context.Context, id string) (*Device, error) {
	if r.policy == nil {
		return nil, ErrNoSecurityPolicy
	}
	return r.updateDevice(ctx, id, func(d *Device) error {
		now := r.clock.Now()
		res := r.policy.Evaluate(d)

		previous := make(map[string]time.Time, len(d.Security.Violations))
		for _, v := range d.Security.Violations {
			previous[v.Code] = v.DetectedAt
		}
		violations := make([]Violation, 0, len(res.Violations))
		for _, v := range res.Violations {
			if at, ok := previous[v.Code]; ok && !at.IsZero() {
				v.DetectedAt = at
			} else {
				v.DetectedAt = now
			}
			violations = append(violations, v)
		}

		d.Security.ComplianceScore = clamp(res.Score, 0, 100)
		d.Security.Violations = violations
		d.Security.LastScanAt = &now
		r.logger.Info("security scan complete", "device", d.ID, "score", d.Security.ComplianceScore, "violations", len(violations))
		return nil
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
