package remote

import (
	"context"
	"errors"
	"sync"

	"devsync/internal/devsync"
)

// ErrUnreachable is the cause of the transport errors a MemoryRemote
// returns while offline or failing.
var ErrUnreachable = errors.New("remote unreachable")

// MemoryRemote is an in-process remote. Besides serving the sync engine it
// can simulate outages and rejections, and it logs every mutation it
// receives.
type MemoryRemote struct {
	mu          sync.Mutex
	clock       devsync.Clock
	records     map[devsync.EntityRef]*devsync.RemoteRecord
	assignments map[string][]devsync.EntityRef
	mutations   []devsync.Mutation
	offline     bool
	failNext    int
	reject      string
}

// NewMemoryRemote creates an empty remote. A nil clock uses the real time.
func NewMemoryRemote(clock devsync.Clock) *MemoryRemote {
	if clock == nil {
		clock = devsync.RealClock{}
	}
	return &MemoryRemote{
		clock:       clock,
		records:     make(map[devsync.EntityRef]*devsync.RemoteRecord),
		assignments: make(map[string][]devsync.EntityRef),
	}
}

// unavailable reports a simulated outage. Callers hold r.mu.
func (r *MemoryRemote) unavailable(op string) error {
	if r.offline {
		return &devsync.TransportError{Op: op, Err: ErrUnreachable}
	}
	if r.failNext > 0 {
		r.failNext--
		return &devsync.TransportError{Op: op, Err: ErrUnreachable}
	}
	return nil
}

func (r *MemoryRemote) FetchRecord(_ context.Context, ref devsync.EntityRef) (*devsync.RemoteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unavailable("fetch record"); err != nil {
		return nil, err
	}
	return cloneRemote(r.records[ref]), nil
}

func (r *MemoryRemote) ApplyMutation(_ context.Context, m devsync.Mutation) (*devsync.MutationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unavailable("apply mutation"); err != nil {
		return nil, err
	}
	m.Payload = clone(m.Payload)
	r.mutations = append(r.mutations, m)
	if r.reject != "" {
		return nil, &devsync.RejectedError{Reason: r.reject}
	}

	next, res, err := apply(r.records[m.Ref], m, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if res.Applied {
		if next == nil {
			delete(r.records, m.Ref)
		} else {
			r.records[m.Ref] = next
		}
	}
	return res, nil
}

func (r *MemoryRemote) ListAssigned(_ context.Context, businessID, employeeID string, dt devsync.DataType) ([]devsync.EntityRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unavailable("list assigned"); err != nil {
		return nil, err
	}
	return filterRefs(r.assignments[assignmentKey(businessID, employeeID)], dt), nil
}

// Put stores a server-side edit, bumping the record version.
func (r *MemoryRemote) Put(_ context.Context, ref devsync.EntityRef, data devsync.Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var version int64
	if cur := r.records[ref]; cur != nil {
		version = cur.Version
	}
	r.records[ref] = &devsync.RemoteRecord{Ref: ref, Data: clone(data), Version: version + 1, ModifiedAt: r.clock.Now()}
	return version + 1, nil
}

func (r *MemoryRemote) Assign(_ context.Context, businessID, employeeID string, refs []devsync.EntityRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[assignmentKey(businessID, employeeID)] = append([]devsync.EntityRef(nil), refs...)
	return nil
}

// Record returns the stored record at ref, or nil.
func (r *MemoryRemote) Record(ref devsync.EntityRef) *devsync.RemoteRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRemote(r.records[ref])
}

// Mutations returns every mutation received, including rejected ones.
func (r *MemoryRemote) Mutations() []devsync.Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]devsync.Mutation(nil), r.mutations...)
}

// SetOffline makes every call fail with a transport error until reset.
func (r *MemoryRemote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// FailNext makes the next n calls fail with a transport error.
func (r *MemoryRemote) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// RejectMutations makes every mutation fail with a RejectedError carrying
// reason. An empty reason accepts mutations again.
func (r *MemoryRemote) RejectMutations(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = reason
}

var _ Admin = (*MemoryRemote)(nil)
