// Package remote implements the business-record service the sync queue
// talks to: an in-memory remote for tests, a filesystem remote for single
// host deployments and an S3 remote.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"devsync/internal/devsync"
)

// Admin is implemented by every remote in this package. It is the server
// side of the collaboration: edits made by other clients and the employee
// assignments the cache pre-fetches.
type Admin interface {
	devsync.Remote
	devsync.Catalog
	// Put replaces the record at ref and returns its new version.
	Put(ctx context.Context, ref devsync.EntityRef, data devsync.Record) (int64, error)
	// Assign replaces the records assigned to an employee.
	Assign(ctx context.Context, businessID, employeeID string, refs []devsync.EntityRef) error
}

// apply runs m against current, the stored record (nil when absent). A nil
// next record with a nil error means the record is deleted.
//
// Unless m.Force is set a mutation only applies when its base version
// equals the current version; otherwise the current record is echoed back
// unapplied. Uploads and updates merge their payload over the current data.
func apply(current *devsync.RemoteRecord, m devsync.Mutation, now time.Time) (*devsync.RemoteRecord, *devsync.MutationResult, error) {
	switch m.Kind {
	case devsync.OpUpload, devsync.OpUpdate, devsync.OpDelete:
	default:
		return nil, nil, &devsync.RejectedError{Reason: fmt.Sprintf("unsupported mutation %q", m.Kind)}
	}

	var version int64
	if current != nil {
		version = current.Version
	}
	if !m.Force && m.BaseVersion != version {
		res := &devsync.MutationResult{CurrentVersion: version}
		if current != nil {
			res.Current = clone(current.Data)
			res.ModifiedAt = current.ModifiedAt
		}
		return current, res, nil
	}

	if m.Kind == devsync.OpDelete {
		return nil, &devsync.MutationResult{Applied: true, AppliedVersion: version + 1, CurrentVersion: version + 1, ModifiedAt: now}, nil
	}

	data := devsync.Record{}
	if current != nil {
		data = clone(current.Data)
	}
	for k, v := range clone(m.Payload) {
		data[k] = v
	}
	next := &devsync.RemoteRecord{Ref: m.Ref, Data: data, Version: version + 1, ModifiedAt: now}
	return next, &devsync.MutationResult{
		Applied:        true,
		Current:        clone(data),
		CurrentVersion: next.Version,
		AppliedVersion: next.Version,
		ModifiedAt:     now,
	}, nil
}

// clone deep-copies r through its JSON form.
func clone(r devsync.Record) devsync.Record {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out devsync.Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func cloneRemote(r *devsync.RemoteRecord) *devsync.RemoteRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = clone(r.Data)
	return &c
}

// recordKey is the slash-separated object key of a record. Every segment is
// escaped so identifiers cannot leave their directory.
func recordKey(ref devsync.EntityRef) string {
	return path.Join("records", url.PathEscape(string(ref.DataType)), url.PathEscape(ref.EntityType), url.PathEscape(ref.EntityID)+".json")
}

func assignmentKey(businessID, employeeID string) string {
	return path.Join("assignments", url.PathEscape(businessID), url.PathEscape(employeeID)+".json")
}

// filterRefs returns the refs of data type dt.
func filterRefs(refs []devsync.EntityRef, dt devsync.DataType) []devsync.EntityRef {
	var out []devsync.EntityRef
	for _, r := range refs {
		if r.DataType == dt {
			out = append(out, r)
		}
	}
	return out
}
