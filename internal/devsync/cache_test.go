package devsync_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"devsync/internal/devsync"
	"devsync/internal/remote"
	"devsync/internal/testutil"
)

// smallQuota stores entries uncompressed in a 1000 byte quota that is
// evicted down to 500 bytes.
func smallQuota() devsync.Options {
	opts := testutil.DeferredOptions()
	cfg := devsync.DefaultDeviceConfig()
	cfg.CompressOfflineData = false
	cfg.StorageQuotaBytes = 1000
	opts.DeviceDefaults = &cfg
	opts.EvictionThreshold = 0.5
	return opts
}

func putRecord(t *testing.T, h *testutil.Harness, ref devsync.EntityRef, data devsync.Record) {
	t.Helper()
	if _, err := h.Remote.Put(context.Background(), ref, data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func download(t *testing.T, h *testutil.Harness, deviceID string, ref devsync.EntityRef) *devsync.OfflineData {
	t.Helper()
	e, err := h.Service.Cache.Download(context.Background(), deviceID, ref)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	return e
}

func mutate(t *testing.T, h *testutil.Harness, m devsync.LocalMutation) (*devsync.OfflineData, *devsync.SyncOperation) {
	t.Helper()
	e, op, err := h.Service.Cache.MutateLocal(context.Background(), m)
	if err != nil {
		t.Fatalf("MutateLocal() error = %v", err)
	}
	return e, op
}

func TestCache_MutateLocal(t *testing.T) {
	ctx := context.Background()

	t.Run("new record is dirty until uploaded", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.DeferredOptions())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		h.SetOnline(t, d.ID, false)

		entry, op := mutate(t, h, devsync.LocalMutation{
			DeviceID:   d.ID,
			EntityType: "work_order",
			EntityID:   "wo-9",
			Payload:    &devsync.WorkOrder{ID: "wo-9", Title: "Replace filter"},
		})

		if !entry.IsDirty || entry.SyncVersion != 0 {
			t.Errorf("entry = %+v, want dirty and never synced", entry)
		}
		if op.Operation != devsync.OpUpload || op.Status != devsync.OpPending || op.OriginalData != nil {
			t.Errorf("operation = %+v, want pending upload without original", op)
		}
		rec, _, err := h.Service.Cache.Read(ctx, d.ID, woRef("wo-9"))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if rec["title"] != "Replace filter" {
			t.Errorf("cached title = %v, want local edit", rec["title"])
		}

		h.SetOnline(t, d.ID, true)

		if got := h.Operation(t, op.ID); got.Status != devsync.OpSynced {
			t.Fatalf("Status = %q, want synced", got.Status)
		}
		entry = h.Entry(t, d.ID, woRef("wo-9"))
		if entry.IsDirty || entry.SyncVersion != 1 || entry.LastSyncedAt == nil {
			t.Errorf("entry = %+v, want clean at version 1", entry)
		}
		if rec := h.Remote.Record(woRef("wo-9")); rec == nil || rec.Data["title"] != "Replace filter" {
			t.Errorf("remote record = %+v, want uploaded edit", rec)
		}
	})

	t.Run("synced record queues an update from its version", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.DeferredOptions())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		ref := woRef("wo-1")
		putRecord(t, h, ref, devsync.Record{"id": "wo-1", "title": "Fix boiler", "status": "open"})
		download(t, h, d.ID, ref)

		entry, op := mutate(t, h, devsync.LocalMutation{
			DeviceID:   d.ID,
			EntityType: "work_order",
			EntityID:   "wo-1",
			Payload:    &devsync.WorkOrder{ID: "wo-1", Status: "done"},
		})

		if op.Operation != devsync.OpUpdate || op.BaseVersion != 1 {
			t.Errorf("operation = %s@%d, want update from version 1", op.Operation, op.BaseVersion)
		}
		if op.OriginalData["status"] != "open" {
			t.Errorf("OriginalData = %v, want prior cached record", op.OriginalData)
		}
		if _, ok := op.Payload["title"]; ok {
			t.Errorf("Payload = %v, want only the changed fields", op.Payload)
		}
		if !entry.IsDirty {
			t.Error("entry not dirty after local edit")
		}
		rec, _, err := h.Service.Cache.Read(ctx, d.ID, ref)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if rec["title"] != "Fix boiler" || rec["status"] != "done" {
			t.Errorf("cached record = %v, want patch applied over prior", rec)
		}

		h.Drain(t, d.ID)
		if got := h.Remote.Record(ref); got.Version != 2 || got.Data["status"] != "done" {
			t.Errorf("remote record = %+v, want status done at version 2", got)
		}
		if entry := h.Entry(t, d.ID, ref); entry.IsDirty || entry.SyncVersion != 2 {
			t.Errorf("entry = %+v, want clean at version 2", entry)
		}
	})

	t.Run("download never overwrites a dirty entry", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.DeferredOptions())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		ref := woRef("wo-1")
		putRecord(t, h, ref, devsync.Record{"id": "wo-1", "title": "Server"})
		mutate(t, h, devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-1", Payload: &devsync.WorkOrder{ID: "wo-1", Title: "Local"}})

		download(t, h, d.ID, ref)

		rec, _, err := h.Service.Cache.Read(ctx, d.ID, ref)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if rec["title"] != "Local" {
			t.Errorf("cached title = %v, want local edit kept", rec["title"])
		}
	})

	t.Run("cancelling the write releases the entry", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.DeferredOptions())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		_, op := mutate(t, h, devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-1", Payload: &devsync.WorkOrder{ID: "wo-1"}})

		if _, err := h.Service.Queue.CancelPending(ctx, op.ID); err != nil {
			t.Fatalf("CancelPending() error = %v", err)
		}

		entry := h.Entry(t, d.ID, woRef("wo-1"))
		if entry.IsDirty {
			t.Error("entry still dirty after its only write was cancelled")
		}
		if entry.ExpiresAt.After(h.Clock.Now()) {
			t.Errorf("ExpiresAt = %v, want expired", entry.ExpiresAt)
		}
	})

	t.Run("validation", func(t *testing.T) {
		h := testutil.NewHarness(t, testutil.DeferredOptions())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		tests := []struct {
			name string
			m    devsync.LocalMutation
		}{
			{"missing payload", devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-1"}},
			{"missing entity type", devsync.LocalMutation{DeviceID: d.ID, EntityID: "wo-1", Payload: &devsync.WorkOrder{}}},
			{"missing entity id", devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", Payload: &devsync.WorkOrder{}}},
			{"bad priority", devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-1", Payload: &devsync.WorkOrder{}, Priority: 42}},
			{"bad policy", devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-1", Payload: &devsync.WorkOrder{}, ConflictPolicy: "coin_flip"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, _, err := h.Service.Cache.MutateLocal(ctx, tt.m)
				var ve *devsync.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("MutateLocal() error = %v, want ValidationError", err)
				}
			})
		}
		st, err := h.Service.Cache.Status(ctx, d.ID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st.Entries != 0 {
			t.Errorf("Status().Entries = %d, want 0 after rejected mutations", st.Entries)
		}
	})
}

func TestCache_Reconcile(t *testing.T) {
	ctx := context.Background()
	refs := []devsync.EntityRef{
		woRef("wo-1"),
		woRef("wo-2"),
		{DataType: devsync.DataCustomers, EntityType: "customer", EntityID: "cust-1"},
	}

	setup := func(t *testing.T, opts devsync.Options) (*testutil.Harness, *devsync.Device) {
		t.Helper()
		h := testutil.NewHarness(t, opts)
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		for _, ref := range refs {
			putRecord(t, h, ref, devsync.Record{"id": ref.EntityID})
		}
		if err := h.Remote.Assign(ctx, "biz-1", "emp-1", refs); err != nil {
			t.Fatalf("Assign() error = %v", err)
		}
		return h, d
	}

	t.Run("downloads assigned records", func(t *testing.T) {
		h, d := setup(t, testutil.DeferredOptions())
		events, cancel := h.Service.Events().Subscribe(64)
		defer cancel()

		res, err := h.Service.Cache.Reconcile(ctx, d.ID)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if res.Downloaded != 3 || res.Cached != 0 || len(res.SkippedSteps) != 0 {
			t.Errorf("Reconcile() = %+v, want 3 downloaded", res)
		}
		if !hasEvent(collect(events), devsync.EventCacheReconciled, "") {
			t.Error("no cache_reconciled event")
		}
		wo := h.Entry(t, d.ID, refs[0])
		if wo == nil || wo.Priority != 10 {
			t.Errorf("work order entry = %+v, want priority 10", wo)
		}

		res, err = h.Service.Cache.Reconcile(ctx, d.ID)
		if err != nil {
			t.Fatalf("second Reconcile() error = %v", err)
		}
		if res.Downloaded != 0 || res.Cached != 3 {
			t.Errorf("second Reconcile() = %+v, want 3 cached", res)
		}
	})

	t.Run("required data lists assignments", func(t *testing.T) {
		h, d := setup(t, testutil.DeferredOptions())
		items, err := h.Service.Cache.RequiredData(ctx, d.ID)
		if err != nil {
			t.Fatalf("RequiredData() error = %v", err)
		}
		if len(items) != 3 || items[0].Reason != "assigned" {
			t.Errorf("RequiredData() = %+v, want 3 assigned items", items)
		}
	})

	t.Run("unreachable remote skips downloads and still expires", func(t *testing.T) {
		h, d := setup(t, testutil.DeferredOptions())
		if _, err := h.Service.Cache.Reconcile(ctx, d.ID); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}

		h.Remote.SetOffline(true)
		h.Clock.Advance(25 * time.Hour)
		res, err := h.Service.Cache.Reconcile(ctx, d.ID)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if len(res.SkippedSteps) != 1 || res.SkippedSteps[0] != "assignments" {
			t.Errorf("SkippedSteps = %v, want [assignments]", res.SkippedSteps)
		}
		if res.Expired != 3 {
			t.Errorf("Expired = %d, want 3", res.Expired)
		}
	})

	t.Run("refreshes frequently used entries nearing expiry", func(t *testing.T) {
		h, d := setup(t, testutil.DeferredOptions())
		if _, err := h.Service.Cache.Reconcile(ctx, d.ID); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, _, err := h.Service.Cache.Read(ctx, d.ID, refs[0]); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
		}
		putRecord(t, h, refs[0], devsync.Record{"id": "wo-1", "title": "changed"})
		h.Clock.Advance(23 * time.Hour)

		res, err := h.Service.Cache.Reconcile(ctx, d.ID)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if res.Refreshed != 1 {
			t.Errorf("Refreshed = %d, want 1", res.Refreshed)
		}
		if e := h.Entry(t, d.ID, refs[0]); e.SyncVersion != 2 {
			t.Errorf("SyncVersion = %d, want 2 after refresh", e.SyncVersion)
		}
	})
}

func TestCache_Eviction(t *testing.T) {
	ctx := context.Background()
	notes := strings.Repeat("x", 200)

	t.Run("evicts least recently used clean entries", func(t *testing.T) {
		h := testutil.NewHarness(t, smallQuota())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		for i := 1; i <= 4; i++ {
			ref := woRef(fmt.Sprintf("wo-%d", i))
			putRecord(t, h, ref, devsync.Record{"id": ref.EntityID, "notes": notes})
			download(t, h, d.ID, ref)
			h.Clock.Advance(time.Minute)
		}
		if _, _, err := h.Service.Cache.Read(ctx, d.ID, woRef("wo-1")); err != nil {
			t.Fatalf("Read() error = %v", err)
		}

		res, err := h.Service.Cache.Reconcile(ctx, d.ID)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if res.Cleaned != 2 || res.OverQuota || res.UsageBytes > 500 {
			t.Errorf("Reconcile() = %+v, want 2 cleaned within 500 bytes", res)
		}
		for id, want := range map[string]bool{"wo-1": true, "wo-2": false, "wo-3": false, "wo-4": true} {
			if got := h.Entry(t, d.ID, woRef(id)) != nil; got != want {
				t.Errorf("entry %s present = %v, want %v", id, got, want)
			}
		}
	})

	t.Run("dirty entries are never evicted", func(t *testing.T) {
		h := testutil.NewHarness(t, smallQuota())
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		h.SetOnline(t, d.ID, false)
		for i := 1; i <= 3; i++ {
			id := fmt.Sprintf("wo-%d", i)
			mutate(t, h, devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: id, Payload: &devsync.WorkOrder{ID: id, Notes: notes}})
		}

		res, err := h.Service.Cache.Reconcile(ctx, d.ID)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if res.Cleaned != 0 || !res.OverQuota {
			t.Errorf("Reconcile() = %+v, want over quota with nothing cleaned", res)
		}
		st, err := h.Service.Cache.Status(ctx, d.ID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if st.Entries != 3 || st.Dirty != 3 {
			t.Errorf("Status() = %+v, want 3 dirty entries", st)
		}
	})
}

func TestCache_Encryption(t *testing.T) {
	ctx := context.Background()
	opts := testutil.DeferredOptions()
	cfg := devsync.DefaultDeviceConfig()
	cfg.EncryptOfflineData = true
	opts.DeviceDefaults = &cfg
	ref := woRef("wo-1")

	t.Run("entries need unlock to read", func(t *testing.T) {
		h := testutil.NewHarness(t, opts)
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		putRecord(t, h, ref, devsync.Record{"id": "wo-1", "title": "Secret"})

		entry := download(t, h, d.ID, ref)
		if !entry.Metadata.Encrypted || !entry.Metadata.Compressed {
			t.Errorf("Metadata = %+v, want compressed and encrypted", entry.Metadata)
		}
		if _, _, err := h.Service.Cache.Read(ctx, d.ID, ref); !errors.Is(err, devsync.ErrLocked) {
			t.Fatalf("Read() before unlock error = %v, want ErrLocked", err)
		}
		_, _, err := h.Service.Cache.MutateLocal(ctx, devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-1", Payload: &devsync.WorkOrder{ID: "wo-1"}})
		if !errors.Is(err, devsync.ErrLocked) {
			t.Errorf("MutateLocal() before unlock error = %v, want ErrLocked", err)
		}

		if err := h.Service.Cache.Unlock("correct horse"); err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		rec, _, err := h.Service.Cache.Read(ctx, d.ID, ref)
		if err != nil {
			t.Fatalf("Read() after unlock error = %v", err)
		}
		if rec["title"] != "Secret" {
			t.Errorf("title = %v, want Secret", rec["title"])
		}

		h.Service.Cache.Lock()
		if _, _, err := h.Service.Cache.Read(ctx, d.ID, ref); !errors.Is(err, devsync.ErrLocked) {
			t.Errorf("Read() after lock error = %v, want ErrLocked", err)
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		h := testutil.NewHarness(t, opts)
		if err := h.Encryptor.Setup("right"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if err := h.Service.Cache.Unlock("wrong"); err == nil {
			t.Error("Unlock() with wrong passphrase expected error")
		}
	})

	t.Run("missing key fails the download", func(t *testing.T) {
		h := testutil.NewHarness(t, opts)
		d := h.ActiveDevice(t, "biz-1", "emp-1")
		putRecord(t, h, ref, devsync.Record{"id": "wo-1"})
		h.Encryptor.SetConfigured(false)

		if _, err := h.Service.Cache.Download(ctx, d.ID, ref); err == nil {
			t.Fatal("Download() expected error without encryption key")
		}
		if h.Entry(t, d.ID, ref) != nil {
			t.Error("entry stored without encryption")
		}
	})
}

func TestCache_Integrity(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, smallQuota())
	d := h.ActiveDevice(t, "biz-1", "emp-1")
	ref := woRef("wo-1")
	putRecord(t, h, ref, devsync.Record{"id": "wo-1", "title": "Fix boiler"})
	entry := download(t, h, d.ID, ref)

	entry.Data = bytes.Replace(entry.Data, []byte("boiler"), []byte("heater"), 1)
	if err := h.Store.PutOfflineData(ctx, entry); err != nil {
		t.Fatalf("PutOfflineData() error = %v", err)
	}

	_, _, err := h.Service.Cache.Read(ctx, d.ID, ref)
	var ie *devsync.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("Read() error = %v, want IntegrityError", err)
	}
	if ie.EntryID != entry.ID {
		t.Errorf("IntegrityError.EntryID = %q, want %q", ie.EntryID, entry.ID)
	}
}

func TestCache_CleanupAndStatus(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t, testutil.DeferredOptions())
	d := h.ActiveDevice(t, "biz-1", "emp-1")
	cust := devsync.EntityRef{DataType: devsync.DataCustomers, EntityType: "customer", EntityID: "cust-1"}
	putRecord(t, h, woRef("wo-1"), devsync.Record{"id": "wo-1"})
	putRecord(t, h, cust, devsync.Record{"id": "cust-1", "name": "Acme"})
	download(t, h, d.ID, woRef("wo-1"))
	download(t, h, d.ID, cust)
	mutate(t, h, devsync.LocalMutation{DeviceID: d.ID, EntityType: "work_order", EntityID: "wo-2", Payload: &devsync.WorkOrder{ID: "wo-2"}})

	st, err := h.Service.Cache.Status(ctx, d.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Entries != 3 || st.Dirty != 1 || st.ByDataType[devsync.DataWorkOrders] != 2 || st.ByDataType[devsync.DataCustomers] != 1 {
		t.Errorf("Status() = %+v, want 3 entries with 1 dirty", st)
	}
	if st.Bytes <= 0 || st.QuotaBytes != 512<<20 {
		t.Errorf("Status() bytes = %d quota = %d", st.Bytes, st.QuotaBytes)
	}
	if want := float64(st.Bytes) / float64(st.QuotaBytes) * 100; st.UsagePercent != want {
		t.Errorf("UsagePercent = %v, want %v", st.UsagePercent, want)
	}

	n, err := h.Service.Cache.Cleanup(ctx, d.ID)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Cleanup() = %d, want 2", n)
	}
	if h.Entry(t, d.ID, woRef("wo-2")) == nil {
		t.Error("Cleanup() removed a dirty entry")
	}

	if _, err := h.Service.Cache.Status(ctx, "missing"); !errors.Is(err, devsync.ErrDeviceNotFound) {
		t.Errorf("Status(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

// pausingStore holds the first clean entry write until release is closed.
type pausingStore struct {
	devsync.Store
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) PutOfflineData(ctx context.Context, d *devsync.OfflineData) error {
	if !d.IsDirty {
		s.once.Do(func() {
			close(s.paused)
			<-s.release
		})
	}
	return s.Store.PutOfflineData(ctx, d)
}

func TestCache_DownloadDoesNotOverwriteConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	store := &pausingStore{
		Store:   testutil.NewTestStore(t),
		paused:  make(chan struct{}),
		release: make(chan struct{}),
	}
	mem := remote.NewMemoryRemote(clock)
	svc := devsync.NewService(devsync.Dependencies{
		Store:  store,
		Remote: mem,
		Clock:  clock,
		IDGen:  testutil.NewStubIDGenerator(),
	}, testutil.DeferredOptions())

	d, err := svc.Registry.Register(ctx, devsync.RegisterRequest{BusinessID: "biz-1", EmployeeID: "emp-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := mem.Put(ctx, woRef("wo-1"), devsync.Record{"id": "wo-1", "title": "Server title"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	downloaded := make(chan error, 1)
	go func() {
		_, err := svc.Cache.Download(ctx, d.ID, woRef("wo-1"))
		downloaded <- err
	}()
	<-store.paused

	edited := make(chan error, 1)
	go func() {
		_, _, err := svc.Cache.MutateLocal(ctx, devsync.LocalMutation{
			DeviceID:   d.ID,
			EntityType: "work_order",
			EntityID:   "wo-1",
			Payload:    &devsync.WorkOrder{ID: "wo-1", Title: "Local title"},
		})
		edited <- err
	}()
	// Give the edit a chance to run ahead of the paused download.
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	if err := <-downloaded; err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if err := <-edited; err != nil {
		t.Fatalf("MutateLocal() error = %v", err)
	}

	rec, entry, err := svc.Cache.Read(ctx, d.ID, woRef("wo-1"))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if entry == nil || !entry.IsDirty {
		t.Fatalf("entry = %+v, want dirty local edit", entry)
	}
	if rec["title"] != "Local title" {
		t.Errorf("cached title = %v, want local edit", rec["title"])
	}
	pending, err := svc.Queue.PendingOperations(ctx, d.ID)
	if err != nil {
		t.Fatalf("PendingOperations() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("PendingOperations() = %d operations, want 1", len(pending))
	}
}
