package testutil

import (
	"context"
	"testing"

	"devsync/internal/compliance"
	"devsync/internal/devsync"
	"devsync/internal/encryption"
	"devsync/internal/remote"
)

// Harness is a sync engine wired to test collaborators: an in-memory SQLite
// store, an in-memory remote, the deterministic encryptor and the built-in
// compliance policy, all on one stub clock.
type Harness struct {
	Service   *devsync.Service
	Store     devsync.Store
	Remote    *remote.MemoryRemote
	Encryptor *encryption.TestEncryptor
	Clock     *StubClock
	IDs       *StubIDGenerator
}

// NewHarness builds a Harness with opts. Use DeferredOptions when the test
// drives drains explicitly.
func NewHarness(t *testing.T, opts devsync.Options) *Harness {
	t.Helper()
	clock := FixedClock()
	h := &Harness{
		Store:     NewTestStore(t),
		Remote:    remote.NewMemoryRemote(clock),
		Encryptor: NewTestEncryptor(),
		Clock:     clock,
		IDs:       NewStubIDGenerator(),
	}
	h.Service = devsync.NewService(devsync.Dependencies{
		Store:     h.Store,
		Remote:    h.Remote,
		Encryptor: h.Encryptor,
		Policy:    compliance.DefaultPolicy(),
		Logger:    devsync.NewNopLogger(),
		Clock:     h.Clock,
		IDGen:     h.IDs,
	}, opts)
	return h
}

// DeferredOptions returns options that leave enqueued work for explicit
// drains.
func DeferredOptions() devsync.Options {
	o := devsync.DefaultOptions()
	o.DeferProcessing = true
	return o
}

// ActiveDevice registers, activates and brings online a device for
// employee emp of business biz.
func (h *Harness) ActiveDevice(t *testing.T, biz, emp string) *devsync.Device {
	t.Helper()
	ctx := context.Background()
	d, err := h.Service.Registry.Register(ctx, devsync.RegisterRequest{
		BusinessID: biz,
		EmployeeID: emp,
		Info:       devsync.DeviceInfo{Platform: "ios", OSVersion: "17.2", Model: "iPhone 15", Manufacturer: "Apple", AppVersion: "3.2.0"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := h.Service.Registry.Activate(ctx, d.ID); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return h.SetOnline(t, d.ID, true)
}

// SetOnline reports a connectivity change for a device.
func (h *Harness) SetOnline(t *testing.T, id string, online bool) *devsync.Device {
	t.Helper()
	d, err := h.Service.Registry.UpdateTelemetry(context.Background(), id, devsync.TelemetryUpdate{
		Connectivity: &devsync.ConnectivityUpdate{IsOnline: &online},
	})
	if err != nil {
		t.Fatalf("UpdateTelemetry() error = %v", err)
	}
	return d
}

// Device reloads a device.
func (h *Harness) Device(t *testing.T, id string) *devsync.Device {
	t.Helper()
	d, err := h.Service.Registry.GetDevice(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	return d
}

// Operation reloads an operation.
func (h *Harness) Operation(t *testing.T, id string) *devsync.SyncOperation {
	t.Helper()
	op, err := h.Service.Queue.GetOperation(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	return op
}

// Entry returns the cached entry of ref on a device, or nil.
func (h *Harness) Entry(t *testing.T, deviceID string, ref devsync.EntityRef) *devsync.OfflineData {
	t.Helper()
	e, err := h.Store.FindOfflineData(context.Background(), deviceID, ref)
	if err != nil {
		t.Fatalf("FindOfflineData() error = %v", err)
	}
	return e
}

// Drain drains a device and fails the test on error.
func (h *Harness) Drain(t *testing.T, deviceID string) *devsync.DrainResult {
	t.Helper()
	res, err := h.Service.Queue.Drain(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	return res
}
