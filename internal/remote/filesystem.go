package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"devsync/internal/devsync"
)

// FileSystemRemote is a remote backed by JSON files in a directory tree:
//
//	<root>/
//	  records/<data_type>/<entity_type>/<entity_id>.json
//	  assignments/<business_id>/<employee_id>.json
//
// It serves several processes on one host sharing the directory. Writes are
// atomic (temp file + rename); version checks are serialized per process.
type FileSystemRemote struct {
	root  string
	clock devsync.Clock
	mu    sync.Mutex
}

// NewFileSystemRemote creates a filesystem remote rooted at the given path.
func NewFileSystemRemote(root string, clock devsync.Clock) (*FileSystemRemote, error) {
	if clock == nil {
		clock = devsync.RealClock{}
	}
	for _, dir := range []string{"records", "assignments"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &FileSystemRemote{root: root, clock: clock}, nil
}

func (r *FileSystemRemote) path(key string) string {
	return filepath.Join(r.root, filepath.FromSlash(key))
}

func (r *FileSystemRemote) FetchRecord(_ context.Context, ref devsync.EntityRef) (*devsync.RemoteRecord, error) {
	rec, err := r.load(ref)
	if err != nil {
		return nil, &devsync.TransportError{Op: "fetch record", Err: err}
	}
	return rec, nil
}

func (r *FileSystemRemote) ApplyMutation(_ context.Context, m devsync.Mutation) (*devsync.MutationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load(m.Ref)
	if err != nil {
		return nil, &devsync.TransportError{Op: "apply mutation", Err: err}
	}
	next, res, err := apply(current, m, r.clock.Now())
	if err != nil || !res.Applied {
		return res, err
	}
	if next == nil {
		err = os.Remove(r.path(recordKey(m.Ref)))
		if os.IsNotExist(err) {
			err = nil
		}
	} else {
		err = r.writeJSON(recordKey(m.Ref), next)
	}
	if err != nil {
		return nil, &devsync.TransportError{Op: "apply mutation", Err: err}
	}
	return res, nil
}

func (r *FileSystemRemote) ListAssigned(_ context.Context, businessID, employeeID string, dt devsync.DataType) ([]devsync.EntityRef, error) {
	var refs []devsync.EntityRef
	found, err := r.readJSON(assignmentKey(businessID, employeeID), &refs)
	if err != nil {
		return nil, &devsync.TransportError{Op: "list assigned", Err: err}
	}
	if !found {
		return nil, nil
	}
	return filterRefs(refs, dt), nil
}

// Put stores a server-side edit, bumping the record version.
func (r *FileSystemRemote) Put(_ context.Context, ref devsync.EntityRef, data devsync.Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load(ref)
	if err != nil {
		return 0, err
	}
	next := &devsync.RemoteRecord{Ref: ref, Data: clone(data), Version: 1, ModifiedAt: r.clock.Now()}
	if current != nil {
		next.Version = current.Version + 1
	}
	if err := r.writeJSON(recordKey(ref), next); err != nil {
		return 0, err
	}
	return next.Version, nil
}

func (r *FileSystemRemote) Assign(_ context.Context, businessID, employeeID string, refs []devsync.EntityRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if refs == nil {
		refs = []devsync.EntityRef{}
	}
	return r.writeJSON(assignmentKey(businessID, employeeID), refs)
}

// load returns the stored record at ref, or nil if there is none.
func (r *FileSystemRemote) load(ref devsync.EntityRef) (*devsync.RemoteRecord, error) {
	var rec devsync.RemoteRecord
	found, err := r.readJSON(recordKey(ref), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// readJSON decodes the file at key into v. It reports false when the file
// does not exist.
func (r *FileSystemRemote) readJSON(key string, v any) (bool, error) {
	f, err := os.Open(r.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (r *FileSystemRemote) writeJSON(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.writeFile(r.path(key), bytes.NewReader(data), int64(len(data)))
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (r *FileSystemRemote) writeFile(destPath string, src io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, src)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

var _ Admin = (*FileSystemRemote)(nil)
