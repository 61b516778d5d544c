package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"devsync/internal/devsync"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var (
	testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	woRef    = devsync.EntityRef{DataType: devsync.DataWorkOrders, EntityType: "work_order", EntityID: "wo-1"}
)

func TestApply(t *testing.T) {
	current := &devsync.RemoteRecord{
		Ref:        woRef,
		Data:       devsync.Record{"title": "Fix boiler", "status": "open"},
		Version:    3,
		ModifiedAt: testTime.Add(-time.Hour),
	}

	tests := []struct {
		name        string
		current     *devsync.RemoteRecord
		mutation    devsync.Mutation
		wantApplied bool
		wantVersion int64
		wantDeleted bool
		wantData    devsync.Record
	}{
		{
			name:        "update at current version merges payload",
			current:     current,
			mutation:    devsync.Mutation{Kind: devsync.OpUpdate, Ref: woRef, BaseVersion: 3, Payload: devsync.Record{"status": "done"}},
			wantApplied: true,
			wantVersion: 4,
			wantData:    devsync.Record{"title": "Fix boiler", "status": "done"},
		},
		{
			name:        "stale base version is not applied",
			current:     current,
			mutation:    devsync.Mutation{Kind: devsync.OpUpdate, Ref: woRef, BaseVersion: 2, Payload: devsync.Record{"status": "done"}},
			wantApplied: false,
			wantVersion: 3,
			wantData:    devsync.Record{"title": "Fix boiler", "status": "open"},
		},
		{
			name:        "forced write ignores version",
			current:     current,
			mutation:    devsync.Mutation{Kind: devsync.OpUpdate, Ref: woRef, BaseVersion: 0, Force: true, Payload: devsync.Record{"status": "done"}},
			wantApplied: true,
			wantVersion: 4,
			wantData:    devsync.Record{"title": "Fix boiler", "status": "done"},
		},
		{
			name:        "upload creates record",
			mutation:    devsync.Mutation{Kind: devsync.OpUpload, Ref: woRef, Payload: devsync.Record{"title": "New"}},
			wantApplied: true,
			wantVersion: 1,
			wantData:    devsync.Record{"title": "New"},
		},
		{
			name:        "delete removes record",
			current:     current,
			mutation:    devsync.Mutation{Kind: devsync.OpDelete, Ref: woRef, Force: true},
			wantApplied: true,
			wantVersion: 4,
			wantDeleted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, res, err := apply(tt.current, tt.mutation, testTime)
			if err != nil {
				t.Fatalf("apply() error = %v", err)
			}
			if res.Applied != tt.wantApplied {
				t.Errorf("Applied = %v, want %v", res.Applied, tt.wantApplied)
			}
			if res.CurrentVersion != tt.wantVersion {
				t.Errorf("CurrentVersion = %d, want %d", res.CurrentVersion, tt.wantVersion)
			}
			if tt.wantDeleted {
				if next != nil {
					t.Errorf("next = %+v, want nil for delete", next)
				}
				return
			}
			if !recordsEqual(res.Current, tt.wantData) {
				t.Errorf("Current = %v, want %v", res.Current, tt.wantData)
			}
			if tt.wantApplied && !next.ModifiedAt.Equal(testTime) {
				t.Errorf("ModifiedAt = %v, want %v", next.ModifiedAt, testTime)
			}
		})
	}

	t.Run("does not alias the stored record", func(t *testing.T) {
		_, res, _ := apply(current, devsync.Mutation{Kind: devsync.OpUpdate, Ref: woRef, BaseVersion: 1}, testTime)
		res.Current["title"] = "changed"
		if current.Data["title"] != "Fix boiler" {
			t.Error("apply() result aliases the stored record")
		}
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		_, _, err := apply(nil, devsync.Mutation{Kind: devsync.OpDownload, Ref: woRef}, testTime)
		if !devsync.IsRejected(err) {
			t.Errorf("apply() error = %v, want RejectedError", err)
		}
	})
}

func TestRecordKey_EscapesSegments(t *testing.T) {
	key := recordKey(devsync.EntityRef{DataType: devsync.DataForms, EntityType: "form", EntityID: "../../etc/passwd"})
	want := "records/forms/form/..%2F..%2Fetc%2Fpasswd.json"
	if key != want {
		t.Errorf("recordKey() = %q, want %q", key, want)
	}
}

func recordsEqual(a, b devsync.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// forEachAdmin runs fn against every remote implementation.
func forEachAdmin(t *testing.T, fn func(t *testing.T, r Admin)) {
	t.Helper()
	clock := fixedClock{testTime}
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRemote(clock))
	})
	t.Run("filesystem", func(t *testing.T) {
		r, err := NewFileSystemRemote(t.TempDir(), clock)
		if err != nil {
			t.Fatalf("NewFileSystemRemote() error = %v", err)
		}
		fn(t, r)
	})
	t.Run("s3", func(t *testing.T) {
		fn(t, newS3Remote(newFakeS3(), "bucket", "tenant", clock))
	})
}

func TestAdmin_PutFetchApply(t *testing.T) {
	forEachAdmin(t, func(t *testing.T, r Admin) {
		ctx := context.Background()

		got, err := r.FetchRecord(ctx, woRef)
		if err != nil {
			t.Fatalf("FetchRecord() error = %v", err)
		}
		if got != nil {
			t.Fatalf("FetchRecord() = %+v, want nil", got)
		}

		v, err := r.Put(ctx, woRef, devsync.Record{"title": "Fix boiler", "status": "open"})
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if v != 1 {
			t.Errorf("Put() version = %d, want 1", v)
		}

		res, err := r.ApplyMutation(ctx, devsync.Mutation{Kind: devsync.OpUpdate, Ref: woRef, BaseVersion: 1, Payload: devsync.Record{"status": "done"}})
		if err != nil {
			t.Fatalf("ApplyMutation() error = %v", err)
		}
		if !res.Applied || res.AppliedVersion != 2 {
			t.Errorf("ApplyMutation() = %+v, want applied at version 2", res)
		}

		stale, err := r.ApplyMutation(ctx, devsync.Mutation{Kind: devsync.OpUpdate, Ref: woRef, BaseVersion: 1, Payload: devsync.Record{"status": "cancelled"}})
		if err != nil {
			t.Fatalf("ApplyMutation() stale error = %v", err)
		}
		if stale.Applied {
			t.Error("stale ApplyMutation() applied, want rejected by version")
		}
		if stale.CurrentVersion != 2 || stale.Current["status"] != "done" {
			t.Errorf("stale result = %+v, want current version 2 with status done", stale)
		}

		got, err = r.FetchRecord(ctx, woRef)
		if err != nil {
			t.Fatalf("FetchRecord() error = %v", err)
		}
		if got == nil || got.Version != 2 || got.Data["title"] != "Fix boiler" || got.Data["status"] != "done" {
			t.Errorf("FetchRecord() = %+v, want merged record at version 2", got)
		}

		if _, err := r.ApplyMutation(ctx, devsync.Mutation{Kind: devsync.OpDelete, Ref: woRef, Force: true}); err != nil {
			t.Fatalf("ApplyMutation() delete error = %v", err)
		}
		if got, _ := r.FetchRecord(ctx, woRef); got != nil {
			t.Errorf("FetchRecord() after delete = %+v, want nil", got)
		}
	})
}

func TestAdmin_Assignments(t *testing.T) {
	forEachAdmin(t, func(t *testing.T, r Admin) {
		ctx := context.Background()
		customer := devsync.EntityRef{DataType: devsync.DataCustomers, EntityType: "customer", EntityID: "c-1"}

		refs, err := r.ListAssigned(ctx, "biz-1", "emp-1", devsync.DataWorkOrders)
		if err != nil {
			t.Fatalf("ListAssigned() error = %v", err)
		}
		if len(refs) != 0 {
			t.Errorf("ListAssigned() = %v, want empty", refs)
		}

		if err := r.Assign(ctx, "biz-1", "emp-1", []devsync.EntityRef{woRef, customer}); err != nil {
			t.Fatalf("Assign() error = %v", err)
		}
		refs, err = r.ListAssigned(ctx, "biz-1", "emp-1", devsync.DataWorkOrders)
		if err != nil {
			t.Fatalf("ListAssigned() error = %v", err)
		}
		if len(refs) != 1 || refs[0] != woRef {
			t.Errorf("ListAssigned(work_orders) = %v, want [%v]", refs, woRef)
		}
		if refs, _ := r.ListAssigned(ctx, "biz-1", "emp-2", devsync.DataWorkOrders); len(refs) != 0 {
			t.Errorf("ListAssigned() for another employee = %v, want empty", refs)
		}
	})
}

func TestMemoryRemote_Simulation(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(fixedClock{testTime})

	r.SetOffline(true)
	_, err := r.FetchRecord(ctx, woRef)
	if !devsync.IsTransport(err) || !errors.Is(err, ErrUnreachable) {
		t.Errorf("FetchRecord() offline error = %v, want transport error", err)
	}
	r.SetOffline(false)

	r.FailNext(1)
	if _, err := r.FetchRecord(ctx, woRef); !devsync.IsTransport(err) {
		t.Errorf("FetchRecord() first call error = %v, want transport error", err)
	}
	if _, err := r.FetchRecord(ctx, woRef); err != nil {
		t.Errorf("FetchRecord() second call error = %v, want nil", err)
	}

	r.RejectMutations("read only")
	_, err = r.ApplyMutation(ctx, devsync.Mutation{Kind: devsync.OpUpload, Ref: woRef, Payload: devsync.Record{"title": "x"}})
	if !devsync.IsRejected(err) {
		t.Errorf("ApplyMutation() error = %v, want RejectedError", err)
	}
	if got := len(r.Mutations()); got != 1 {
		t.Errorf("Mutations() len = %d, want 1", got)
	}
	if r.Record(woRef) != nil {
		t.Error("rejected mutation was stored")
	}
}
