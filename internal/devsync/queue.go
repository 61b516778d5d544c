package devsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errRebaseRejected means the remote rejected a write again right after it
// was rebased onto the server's current value. It is retried like a
// transport failure.
var errRebaseRejected = errors.New("remote record changed again during rebase")

// Queue delivers queued mutations to the remote and pulls remote records
// down, one drain at a time per device.
type Queue struct {
	*env
	cache *Cache
}

// DrainResult aggregates the outcome of one drain.
type DrainResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Retried   int `json:"retried"`
	Offline   int `json:"offline"`
	Skipped   int `json:"skipped"`
	// AlreadyRunning is set when another drain held the device; nothing was
	// processed.
	AlreadyRunning bool `json:"already_running"`

	syncedTypes map[DataType]bool
}

type outcome int

const (
	outcomeNoop outcome = iota
	outcomeSkipped
	outcomeSynced
	outcomeFailed
	outcomeRetry
	outcomeConflict
	outcomeOffline
)

func (r *DrainResult) add(op *SyncOperation, o outcome) {
	switch o {
	case outcomeSynced:
		r.Processed++
		r.Succeeded++
		if r.syncedTypes == nil {
			r.syncedTypes = make(map[DataType]bool)
		}
		r.syncedTypes[op.DataType] = true
	case outcomeFailed:
		r.Processed++
		r.Failed++
	case outcomeRetry:
		r.Processed++
		r.Retried++
	case outcomeConflict:
		r.Processed++
		r.Conflicts++
	case outcomeOffline:
		r.Offline++
	default:
		r.Skipped++
	}
}

// Enqueue validates and persists a new pending operation. If the device is
// online the queue is drained immediately unless processing is deferred.
// Transport failures during that drain are recorded on the operation, not
// returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*SyncOperation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d, err := q.getDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusDecommissioned {
		return nil, &ValidationError{Field: "device_id", Reason: "device is decommissioned"}
	}
	payload, err := RecordOf(req.Payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	original, err := RecordOf(req.OriginalData)
	if err != nil {
		return nil, &ValidationError{Field: "original_data", Reason: err.Error()}
	}

	ref := EntityRef{DataType: req.DataType, EntityType: req.EntityType, EntityID: req.EntityID}
	op := q.newOperation(d, req.Operation, ref, payload, original, req.BaseVersion, req.Priority)
	op.ConflictPolicy = req.ConflictPolicy
	if req.ScheduledAt != nil && req.ScheduledAt.After(op.CreatedAt) {
		op.ScheduledAt = *req.ScheduledAt
	}
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, storageErr("put operation", err)
	}
	q.enqueued(ctx, d, op)
	return q.GetOperation(ctx, op.ID)
}

// newOperation builds a pending operation owned by d.
func (q *Queue) newOperation(d *Device, kind OperationKind, ref EntityRef, payload, original Record, base int64, priority int) *SyncOperation {
	if priority == 0 {
		priority = DefaultPriority
	}
	now := q.clock.Now()
	return &SyncOperation{
		ID:           q.idgen.New(),
		BusinessID:   d.BusinessID,
		DeviceID:     d.ID,
		EmployeeID:   d.EmployeeID,
		Operation:    kind,
		DataType:     ref.DataType,
		EntityType:   ref.EntityType,
		EntityID:     ref.EntityID,
		Payload:      payload,
		OriginalData: original,
		BaseVersion:  base,
		Status:       OpPending,
		Priority:     priority,
		MaxRetries:   q.opts.MaxRetries,
		CreatedAt:    now,
		ScheduledAt:  now,
	}
}

// enqueued runs the bookkeeping shared by every path that persists a new
// pending operation.
func (q *Queue) enqueued(ctx context.Context, d *Device, op *SyncOperation) {
	q.logger.Info("operation enqueued", "device", d.ID, "operation", op.ID, "kind", string(op.Operation), "entity", op.Ref().String(), "priority", op.Priority)
	q.publish(Event{Type: EventOperationEnqueued, DeviceID: d.ID, OperationID: op.ID, Ref: op.Ref(), Status: string(op.Status)})
	if err := q.refreshSyncStatus(ctx, d.ID); err != nil {
		q.logger.Error("refreshing sync status", "device", d.ID, "error", err)
	}
	if q.opts.DeferProcessing || !d.Connectivity.IsOnline {
		return
	}
	if _, err := q.Drain(ctx, d.ID); err != nil {
		q.logger.Error("drain after enqueue failed", "device", d.ID, "error", err)
	}
}

// Drain processes every eligible operation of an online device in batches,
// highest priority first and oldest first within a priority. Operations on
// one entity are applied in creation order. Drain is a no-op while another
// drain of the same device is running, in this process or in another one
// sharing the store. An offline device has its pending operations marked
// offline instead.
func (q *Queue) Drain(ctx context.Context, deviceID string) (*DrainResult, error) {
	mu := q.locks.drain(deviceID)
	if !mu.TryLock() {
		q.logger.Debug("drain skipped: already in progress", "device", deviceID)
		return &DrainResult{AlreadyRunning: true}, nil
	}
	defer mu.Unlock()
	return q.drainLocked(ctx, deviceID)
}

func (q *Queue) drainLocked(ctx context.Context, deviceID string) (*DrainResult, error) {
	res := &DrainResult{}
	d, err := q.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !d.Connectivity.IsOnline {
		n, err := q.markOffline(ctx, deviceID)
		res.Offline = n
		return res, err
	}

	claimed, err := q.claim(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		q.logger.Debug("drain skipped: claimed by another process", "device", deviceID)
		return &DrainResult{AlreadyRunning: true}, nil
	}
	defer q.finishDrain(ctx, deviceID, res)

	// Batches are paged by cursor. Once the cursor runs out, the queue is
	// walked again from the start to pick up operations enqueued meanwhile,
	// until a walk finds nothing new.
	seen := make(map[string]bool)
	var after *OperationCursor
	fresh := false
	for !q.locks.stopped(deviceID) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := q.clock.Now()
		batch, err := q.store.ListOperations(ctx, OperationFilter{
			DeviceID:  deviceID,
			Statuses:  []OperationStatus{OpPending, OpOffline, OpConflict},
			DueBefore: &now,
			After:     after,
			Order:     OrderPriority,
			Limit:     q.opts.BatchSize,
		})
		if err != nil {
			return res, storageErr("list operations", err)
		}
		if len(batch) == 0 {
			if after == nil || !fresh {
				break
			}
			after, fresh = nil, false
			continue
		}
		after = CursorOf(batch[len(batch)-1])
		for _, op := range batch {
			if seen[op.ID] {
				continue
			}
			fresh = true
			if q.locks.stopped(deviceID) {
				q.logger.Info("drain stopped", "device", deviceID)
				return res, nil
			}
			d, err := q.getDevice(ctx, deviceID)
			if err != nil {
				return res, err
			}
			if !d.Connectivity.IsOnline {
				n, err := q.markOffline(ctx, deviceID)
				res.Offline += n
				q.logger.Info("device went offline during drain", "device", deviceID, "marked", n)
				return res, err
			}
			if err := q.drainEntity(ctx, d, op, seen, res); err != nil {
				return res, err
			}
		}
		if claimed, err := q.claim(ctx, deviceID); err != nil || !claimed {
			if err == nil {
				q.logger.Warn("drain stopped: sync claim lost", "device", deviceID)
			}
			return res, err
		}
	}
	return res, nil
}

// claim takes or renews this Service's sync claim on the device. A claim
// older than the sync lease is treated as abandoned.
func (q *Queue) claim(ctx context.Context, deviceID string) (bool, error) {
	now := q.clock.Now()
	ok, err := q.store.ClaimSync(ctx, deviceID, q.owner, now, now.Add(-q.opts.SyncLease))
	if err != nil {
		return false, storageErr("claim sync", err)
	}
	return ok, nil
}

func (q *Queue) release(ctx context.Context, deviceID string) {
	if err := q.store.ReleaseSync(context.WithoutCancel(ctx), deviceID, q.owner); err != nil {
		q.logger.Error("releasing sync claim", "device", deviceID, "error", err)
	}
}

// drainEntity processes op after every older open operation on the same
// entity. If an older operation cannot complete now, op is skipped.
func (q *Queue) drainEntity(ctx context.Context, d *Device, op *SyncOperation, seen map[string]bool, res *DrainResult) error {
	chain, err := q.store.ListOperations(ctx, OperationFilter{
		DeviceID:   d.ID,
		DataType:   op.DataType,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Statuses:   openStatuses,
		Order:      OrderCreated,
	})
	if err != nil {
		return storageErr("list entity operations", err)
	}
	now := q.clock.Now()
	for _, prior := range chain {
		if prior.ID == op.ID {
			break
		}
		if seen[prior.ID] || !q.eligible(d, prior, now) {
			q.logger.Debug("operation waiting on older entity operation", "operation", op.ID, "blocked_by", prior.ID)
			seen[op.ID] = true
			res.add(op, outcomeSkipped)
			return nil
		}
		seen[prior.ID] = true
		after, o, err := q.processOp(ctx, d, prior.ID)
		if err != nil {
			return err
		}
		res.add(after, o)
		if !after.Status.IsTerminal() {
			seen[op.ID] = true
			res.add(op, outcomeSkipped)
			return nil
		}
	}
	seen[op.ID] = true
	after, o, err := q.processOp(ctx, d, op.ID)
	if err != nil {
		return err
	}
	res.add(after, o)
	return nil
}

// eligible reports whether op can be attempted now.
func (q *Queue) eligible(d *Device, op *SyncOperation, now time.Time) bool {
	switch op.Status {
	case OpPending, OpOffline:
	case OpConflict:
		if !op.ConflictsResolved() {
			return false
		}
	default:
		return false
	}
	return !op.DueAt().After(now) && d.AllowsOperation(op)
}

// ProcessOne applies a single operation, first applying any older open
// operations on the same entity. It fails with ErrSyncInProgress while the
// device is being drained.
func (q *Queue) ProcessOne(ctx context.Context, opID string) (*SyncOperation, error) {
	op, err := q.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	mu := q.locks.drain(op.DeviceID)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: device %s", ErrSyncInProgress, op.DeviceID)
	}
	defer mu.Unlock()
	claimed, err := q.claim(ctx, op.DeviceID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: device %s", ErrSyncInProgress, op.DeviceID)
	}
	defer q.release(ctx, op.DeviceID)

	d, err := q.getDevice(ctx, op.DeviceID)
	if err != nil {
		return nil, err
	}
	res := &DrainResult{}
	if err := q.drainEntity(ctx, d, op, make(map[string]bool), res); err != nil {
		return nil, err
	}
	if err := q.refreshSyncStatus(ctx, d.ID); err != nil {
		return nil, err
	}
	return q.GetOperation(ctx, opID)
}

// processOp runs the state machine for one operation and persists the
// result. Storage failures are returned; everything else is recorded on
// the operation.
func (q *Queue) processOp(ctx context.Context, d *Device, opID string) (*SyncOperation, outcome, error) {
	op, err := q.GetOperation(ctx, opID)
	if err != nil {
		return nil, outcomeNoop, err
	}
	switch {
	case op.Status.IsTerminal():
		return op, outcomeNoop, nil
	case op.Attempts >= op.MaxRetries:
		return q.fail(ctx, op, fmt.Sprintf("retries exhausted after %d attempts", op.Attempts))
	case op.Status == OpConflict && !op.ConflictsResolved():
		return op, outcomeSkipped, nil
	case !d.Connectivity.IsOnline:
		op.Status = OpOffline
		if err := q.store.PutOperation(ctx, op); err != nil {
			return nil, outcomeNoop, storageErr("put operation", err)
		}
		return op, outcomeOffline, nil
	case !d.AllowsOperation(op):
		return op, outcomeSkipped, nil
	}

	now := q.clock.Now()
	op.Status = OpSyncing
	op.StartedAt = &now
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, outcomeNoop, storageErr("put operation", err)
	}

	var applyErr error
	switch {
	case op.IsWipe():
		applyErr = q.applyWipe(ctx, d, op)
	case op.Operation.writes():
		applyErr = q.applyWrite(ctx, d, op)
	case op.Operation == OpDownload:
		applyErr = q.applyDownload(ctx, d, op)
	case op.Operation == OpDelete:
		applyErr = q.applyDelete(ctx, d, op)
	}

	if applyErr != nil {
		var se *StorageError
		switch {
		case errors.As(applyErr, &se):
			op.Status = OpPending
			op.StartedAt = nil
			if err := q.store.PutOperation(ctx, op); err != nil {
				q.logger.Error("resetting operation after storage failure", "operation", op.ID, "error", err)
			}
			return nil, outcomeNoop, applyErr
		case IsTransport(applyErr), errors.Is(applyErr, errRebaseRejected):
			return q.retryOrFail(ctx, op, applyErr)
		default:
			op.Attempts++
			return q.fail(ctx, op, applyErr.Error())
		}
	}

	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, outcomeNoop, storageErr("put operation", err)
	}
	switch op.Status {
	case OpSynced:
		q.logger.Info("operation synced", "device", d.ID, "operation", op.ID, "entity", op.Ref().String())
		q.publish(Event{Type: EventOperationCompleted, DeviceID: d.ID, OperationID: op.ID, Ref: op.Ref(), Status: string(op.Status)})
		return op, outcomeSynced, nil
	case OpConflict:
		return op, outcomeConflict, nil
	}
	return op, outcomeNoop, nil
}

// retryOrFail counts a failed attempt and either schedules the next one
// with exponential backoff or fails the operation terminally.
func (q *Queue) retryOrFail(ctx context.Context, op *SyncOperation, cause error) (*SyncOperation, outcome, error) {
	op.Attempts++
	op.LastError = cause.Error()
	op.StartedAt = nil
	if op.Attempts >= op.MaxRetries {
		return q.fail(ctx, op, cause.Error())
	}
	next := q.clock.Now().Add(q.backoff(op.Attempts))
	op.Status = OpPending
	op.NextRetryAt = &next
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, outcomeNoop, storageErr("put operation", err)
	}
	q.logger.Warn("operation attempt failed, retry scheduled", "operation", op.ID, "attempt", op.Attempts, "next_retry", next.Format(time.RFC3339), "error", cause)
	return op, outcomeRetry, nil
}

func (q *Queue) fail(ctx context.Context, op *SyncOperation, reason string) (*SyncOperation, outcome, error) {
	now := q.clock.Now()
	op.Status = OpFailed
	op.LastError = reason
	op.CompletedAt = &now
	op.NextRetryAt = nil
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, outcomeNoop, storageErr("put operation", err)
	}
	q.logger.Error("operation failed", "device", op.DeviceID, "operation", op.ID, "attempts", op.Attempts, "error", reason)
	q.publish(Event{Type: EventOperationFailed, DeviceID: op.DeviceID, OperationID: op.ID, Ref: op.Ref(), Status: string(op.Status), Message: reason})
	return op, outcomeFailed, nil
}

// backoff returns BackoffMin doubled for every attempt after the first,
// capped at BackoffMax.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BackoffMin
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	if d > q.opts.BackoffMax {
		return q.opts.BackoffMax
	}
	return d
}

func (q *Queue) policyFor(d *Device, op *SyncOperation) ConflictPolicy {
	if op.ConflictPolicy != "" {
		return op.ConflictPolicy
	}
	if d.Config.ConflictPolicy != "" {
		return d.Config.ConflictPolicy
	}
	return PolicyServerWins
}

// applyWrite sends an upload or update. A rejected write is compared
// field by field against the server's current value: one-sided changes are
// rebased and re-applied, true conflicts are resolved by policy first. A
// manual policy leaves the operation in conflict.
func (q *Queue) applyWrite(ctx context.Context, d *Device, op *SyncOperation) error {
	if op.ServerSnapshot != nil && op.ConflictsResolved() {
		rebase(op, op.ServerSnapshot, op.ServerVersion, op.Conflicts)
	}
	policy := q.policyFor(d, op)

	for round := 0; round < 2; round++ {
		res, err := q.remote.ApplyMutation(ctx, Mutation{
			OperationID: op.ID,
			BusinessID:  op.BusinessID,
			DeviceID:    op.DeviceID,
			Kind:        op.Operation,
			Ref:         op.Ref(),
			Payload:     op.Payload,
			BaseVersion: op.BaseVersion,
			Force:       op.OriginalData == nil,
			ClientAt:    op.CreatedAt,
		})
		if err != nil {
			return err
		}
		if res.Applied {
			return q.completeWrite(ctx, d, op, res)
		}
		if round > 0 {
			break
		}

		clientAt := op.CreatedAt
		if t, ok := recordTime(op.Payload); ok {
			clientAt = t
		}
		serverAt := res.ModifiedAt
		if t, ok := recordTime(res.Current); ok {
			serverAt = t
		}
		conflicts := Detect(op.OriginalData, op.Payload, res.Current, clientAt, serverAt)
		if len(conflicts) == 0 {
			q.logger.Debug("rebasing write onto server version", "operation", op.ID, "version", res.CurrentVersion)
			rebase(op, res.Current, res.CurrentVersion, nil)
			continue
		}

		for i := range conflicts {
			conflicts[i] = Resolve(conflicts[i], policy)
		}
		op.Conflicts = conflicts
		op.Status = OpConflict
		if err := q.store.PutOperation(ctx, op); err != nil {
			return storageErr("put operation", err)
		}
		if err := q.flagEntryConflict(ctx, d, op); err != nil {
			return err
		}
		fields := make([]string, len(conflicts))
		for i, c := range conflicts {
			fields[i] = c.Field
		}
		q.logger.Info("conflict detected", "device", d.ID, "operation", op.ID, "fields", fields, "policy", string(policy))
		q.publish(Event{Type: EventConflictDetected, DeviceID: d.ID, OperationID: op.ID, Ref: op.Ref(), Status: string(policy), Fields: fields})

		if !op.ConflictsResolved() {
			op.ServerSnapshot = cloneRecord(res.Current)
			op.ServerVersion = res.CurrentVersion
			op.StartedAt = nil
			return nil
		}
		rebase(op, res.Current, res.CurrentVersion, conflicts)
		op.Status = OpSyncing
		if err := q.store.PutOperation(ctx, op); err != nil {
			return storageErr("put operation", err)
		}
	}
	return errRebaseRejected
}

// rebase makes server the operation's new common ancestor and folds the
// client's edits and resolved values into the payload.
func rebase(op *SyncOperation, server Record, version int64, conflicts []FieldConflict) {
	op.Payload = MergeRecords(op.OriginalData, op.Payload, server, conflicts)
	op.OriginalData = cloneRecord(server)
	op.BaseVersion = version
	op.ServerSnapshot = nil
	op.ServerVersion = 0
}

// completeWrite marks op synced and brings the cached entry up to the
// applied version. The entry stays dirty while later writes are queued.
func (q *Queue) completeWrite(ctx context.Context, d *Device, op *SyncOperation, res *MutationResult) error {
	now := q.clock.Now()
	op.Status = OpSynced
	op.CompletedAt = &now
	op.AppliedVersion = res.AppliedVersion
	op.NextRetryAt = nil
	op.LastError = ""

	defer q.lockEntries(d.ID)()
	entry, err := q.store.FindOfflineData(ctx, d.ID, op.Ref())
	if err != nil {
		return storageErr("find offline data", err)
	}
	if entry == nil {
		return nil
	}
	more, err := q.hasOpenWrites(ctx, op)
	if err != nil {
		return err
	}
	entry.SyncVersion = res.AppliedVersion
	entry.LastSyncedAt = &now
	entry.Conflicts = false
	if !more {
		entry.IsDirty = false
		if res.Current != nil {
			if err := q.cache.encodeInto(d, entry, res.Current, res.AppliedVersion); err != nil {
				return err
			}
		}
	}
	if err := q.store.PutOfflineData(ctx, entry); err != nil {
		return storageErr("put offline data", err)
	}
	return nil
}

// hasOpenWrites reports whether another upload or update for op's entity
// is still owed to the remote.
func (q *Queue) hasOpenWrites(ctx context.Context, op *SyncOperation) (bool, error) {
	ops, err := q.store.ListOperations(ctx, OperationFilter{
		DeviceID:   op.DeviceID,
		DataType:   op.DataType,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Statuses:   openStatuses,
		Order:      OrderCreated,
	})
	if err != nil {
		return false, storageErr("list entity operations", err)
	}
	for _, o := range ops {
		if o.ID != op.ID && o.Operation.writes() {
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) flagEntryConflict(ctx context.Context, d *Device, op *SyncOperation) error {
	defer q.lockEntries(d.ID)()
	entry, err := q.store.FindOfflineData(ctx, d.ID, op.Ref())
	if err != nil {
		return storageErr("find offline data", err)
	}
	if entry == nil || entry.Conflicts {
		return nil
	}
	entry.Conflicts = true
	return storageErr("put offline data", q.store.PutOfflineData(ctx, entry))
}

// applyDownload writes the remote record into the cache. A dirty local copy
// is never overwritten; a record the remote no longer has is dropped.
func (q *Queue) applyDownload(ctx context.Context, d *Device, op *SyncOperation) error {
	rec, err := q.remote.FetchRecord(ctx, op.Ref())
	if err != nil {
		return err
	}
	defer q.lockEntries(d.ID)()

	existing, err := q.store.FindOfflineData(ctx, d.ID, op.Ref())
	if err != nil {
		return storageErr("find offline data", err)
	}

	now := q.clock.Now()
	switch {
	case rec == nil:
		if existing != nil && !existing.IsDirty {
			if err := q.store.DeleteOfflineData(ctx, existing.ID); err != nil {
				return storageErr("delete offline data", err)
			}
		}
	case existing != nil && existing.IsDirty:
		q.logger.Info("download kept dirty local copy", "device", d.ID, "entity", op.Ref().String())
		op.AppliedVersion = rec.Version
	default:
		if _, err := q.cache.put(ctx, d, existing, op.Ref(), rec, op.Priority); err != nil {
			return err
		}
		op.AppliedVersion = rec.Version
	}
	op.Status = OpSynced
	op.CompletedAt = &now
	return nil
}

// applyDelete removes the record remotely, then locally.
func (q *Queue) applyDelete(ctx context.Context, d *Device, op *SyncOperation) error {
	res, err := q.remote.ApplyMutation(ctx, Mutation{
		OperationID: op.ID,
		BusinessID:  op.BusinessID,
		DeviceID:    op.DeviceID,
		Kind:        OpDelete,
		Ref:         op.Ref(),
		BaseVersion: op.BaseVersion,
		Force:       true,
		ClientAt:    op.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := q.dropEntry(ctx, d.ID, op.Ref()); err != nil {
		return err
	}
	now := q.clock.Now()
	op.Status = OpSynced
	op.CompletedAt = &now
	op.AppliedVersion = res.AppliedVersion
	return nil
}

func (q *Queue) dropEntry(ctx context.Context, deviceID string, ref EntityRef) error {
	defer q.lockEntries(deviceID)()
	existing, err := q.store.FindOfflineData(ctx, deviceID, ref)
	if err != nil {
		return storageErr("find offline data", err)
	}
	if existing == nil {
		return nil
	}
	return storageErr("delete offline data", q.store.DeleteOfflineData(ctx, existing.ID))
}

// applyWipe destroys every cached entry on the device and cancels the rest
// of its queue. It makes no remote call.
func (q *Queue) applyWipe(ctx context.Context, d *Device, op *SyncOperation) error {
	wiped, err := q.wipeEntries(ctx, d.ID)
	if err != nil {
		return err
	}
	if _, err := q.cancelWhere(ctx, d.ID, "device wiped", func(o *SyncOperation) bool { return o.ID != op.ID }); err != nil {
		return err
	}
	now := q.clock.Now()
	op.Status = OpSynced
	op.CompletedAt = &now
	q.logger.Warn("device wiped", "device", d.ID, "entries", wiped)
	return nil
}

func (q *Queue) wipeEntries(ctx context.Context, deviceID string) (int, error) {
	defer q.lockEntries(deviceID)()
	entries, err := q.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: deviceID})
	if err != nil {
		return 0, storageErr("list offline data", err)
	}
	for i, e := range entries {
		if err := q.store.DeleteOfflineData(ctx, e.ID); err != nil {
			return i, storageErr("delete offline data", err)
		}
	}
	return len(entries), nil
}

// halt stops drains of a device from picking up new operations and waits
// for the running one to finish. The returned func releases the device.
func (q *Queue) halt(deviceID string) func() {
	q.locks.setStop(deviceID, true)
	mu := q.locks.drain(deviceID)
	mu.Lock()
	return func() {
		q.locks.setStop(deviceID, false)
		mu.Unlock()
	}
}

// cancelOpen cancels every operation of the device that is not syncing.
func (q *Queue) cancelOpen(ctx context.Context, deviceID, reason string) (int, error) {
	return q.cancelWhere(ctx, deviceID, reason, func(*SyncOperation) bool { return true })
}

func (q *Queue) cancelWhere(ctx context.Context, deviceID, reason string, keep func(*SyncOperation) bool) (int, error) {
	ops, err := q.store.ListOperations(ctx, OperationFilter{
		DeviceID: deviceID,
		Statuses: []OperationStatus{OpPending, OpOffline, OpConflict},
		Order:    OrderCreated,
	})
	if err != nil {
		return 0, storageErr("list operations", err)
	}
	now := q.clock.Now()
	n := 0
	for _, op := range ops {
		if !keep(op) {
			continue
		}
		op.Status = OpCancelled
		op.CompletedAt = &now
		op.LastError = reason
		op.NextRetryAt = nil
		if err := q.store.PutOperation(ctx, op); err != nil {
			return n, storageErr("put operation", err)
		}
		n++
		q.publish(Event{Type: EventOperationCancelled, DeviceID: deviceID, OperationID: op.ID, Ref: op.Ref(), Status: string(op.Status), Message: reason})
		if op.Operation.writes() {
			if err := q.releaseDirty(ctx, op); err != nil {
				return n, err
			}
		}
	}
	if n > 0 {
		if err := q.refreshSyncStatus(ctx, deviceID); err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return n, err
		}
	}
	return n, nil
}

// releaseDirty clears the dirty flag of op's cached entry once no write for
// the entity remains queued. The abandoned edit is expired so the next
// reconcile replaces it with the remote copy.
func (q *Queue) releaseDirty(ctx context.Context, op *SyncOperation) error {
	defer q.lockEntries(op.DeviceID)()
	more, err := q.hasOpenWrites(ctx, op)
	if err != nil || more {
		return err
	}
	entry, err := q.store.FindOfflineData(ctx, op.DeviceID, op.Ref())
	if err != nil {
		return storageErr("find offline data", err)
	}
	if entry == nil || !entry.IsDirty {
		return nil
	}
	entry.IsDirty = false
	entry.Conflicts = false
	entry.ExpiresAt = q.clock.Now()
	return storageErr("put offline data", q.store.PutOfflineData(ctx, entry))
}

// markOffline moves the device's pending operations to offline.
func (q *Queue) markOffline(ctx context.Context, deviceID string) (int, error) {
	ops, err := q.store.ListOperations(ctx, OperationFilter{DeviceID: deviceID, Statuses: []OperationStatus{OpPending}, Order: OrderCreated})
	if err != nil {
		return 0, storageErr("list operations", err)
	}
	for _, op := range ops {
		op.Status = OpOffline
		if err := q.store.PutOperation(ctx, op); err != nil {
			return 0, storageErr("put operation", err)
		}
	}
	if err := q.refreshSyncStatus(ctx, deviceID); err != nil {
		return len(ops), err
	}
	return len(ops), nil
}

// finishDrain releases the sync claim and refreshes the sync summary.
// LastDeltaSync advances when anything synced; LastFullSync advances when
// nothing is left owed to the remote.
func (q *Queue) finishDrain(ctx context.Context, deviceID string, res *DrainResult) {
	q.release(ctx, deviceID)
	_, err := q.updateDevice(ctx, deviceID, func(d *Device) error {
		if err := q.applyCounts(ctx, d); err != nil {
			return err
		}
		now := q.clock.Now()
		if res.Succeeded > 0 {
			d.SyncStatus.LastDeltaSync = &now
			for dt := range res.syncedTypes {
				st := d.SyncStatus.DataTypes[dt]
				st.LastSyncAt = &now
				d.SyncStatus.DataTypes[dt] = st
			}
		}
		if d.SyncStatus.PendingOperations == 0 && d.SyncStatus.ConflictOperations == 0 {
			d.SyncStatus.LastFullSync = &now
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		q.logger.Error("finishing drain", "device", deviceID, "error", err)
	}
	q.logger.Info("drain finished", "device", deviceID, "processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed, "conflicts", res.Conflicts, "retried", res.Retried, "skipped", res.Skipped)
}

func (q *Queue) refreshSyncStatus(ctx context.Context, deviceID string) error {
	_, err := q.updateDevice(ctx, deviceID, func(d *Device) error {
		return q.applyCounts(ctx, d)
	})
	return err
}

// applyCounts recomputes the device's queue counters from the store.
func (q *Queue) applyCounts(ctx context.Context, d *Device) error {
	ops, err := q.store.ListOperations(ctx, OperationFilter{
		DeviceID: d.ID,
		Statuses: []OperationStatus{OpPending, OpOffline, OpSyncing, OpConflict, OpFailed},
		Order:    OrderCreated,
	})
	if err != nil {
		return storageErr("list operations", err)
	}
	type tally struct{ pending, failed int }
	perType := make(map[DataType]*tally)
	pending, failed, conflicts := 0, 0, 0
	for _, op := range ops {
		t := perType[op.DataType]
		if t == nil {
			t = &tally{}
			perType[op.DataType] = t
		}
		switch op.Status {
		case OpFailed:
			failed++
			t.failed++
		case OpConflict:
			conflicts++
			t.pending++
		default:
			pending++
			t.pending++
		}
	}
	d.SyncStatus.PendingOperations = pending
	d.SyncStatus.FailedOperations = failed
	d.SyncStatus.ConflictOperations = conflicts
	if d.SyncStatus.DataTypes == nil {
		d.SyncStatus.DataTypes = make(map[DataType]DataTypeSyncState, len(AllDataTypes))
	}
	for _, dt := range AllDataTypes {
		st := d.SyncStatus.DataTypes[dt]
		st.Pending, st.Failed, st.Status = 0, 0, "idle"
		if t := perType[dt]; t != nil {
			st.Pending, st.Failed = t.pending, t.failed
			switch {
			case t.failed > 0:
				st.Status = "error"
			case t.pending > 0:
				st.Status = "pending"
			}
		}
		d.SyncStatus.DataTypes[dt] = st
	}
	return nil
}

func (q *Queue) GetOperation(ctx context.Context, id string) (*SyncOperation, error) {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return nil, storageErr("get operation", err)
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// PendingOperations lists operations still owed to the remote, in drain
// order.
func (q *Queue) PendingOperations(ctx context.Context, deviceID string) ([]*SyncOperation, error) {
	return q.list(ctx, OperationFilter{DeviceID: deviceID, Statuses: openStatuses, Order: OrderPriority})
}

// FailedOperations lists terminally failed operations awaiting manual
// intervention.
func (q *Queue) FailedOperations(ctx context.Context, deviceID string) ([]*SyncOperation, error) {
	return q.list(ctx, OperationFilter{DeviceID: deviceID, Statuses: []OperationStatus{OpFailed}, Order: OrderCreated})
}

func (q *Queue) ConflictedOperations(ctx context.Context, deviceID string) ([]*SyncOperation, error) {
	return q.list(ctx, OperationFilter{DeviceID: deviceID, Statuses: []OperationStatus{OpConflict}, Order: OrderCreated})
}

func (q *Queue) list(ctx context.Context, f OperationFilter) ([]*SyncOperation, error) {
	ops, err := q.store.ListOperations(ctx, f)
	if err != nil {
		return nil, storageErr("list operations", err)
	}
	return ops, nil
}

// RetryOperation gives a failed operation a fresh set of attempts.
func (q *Queue) RetryOperation(ctx context.Context, opID string) (*SyncOperation, error) {
	op, err := q.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.Status != OpFailed {
		return nil, fmt.Errorf("%w: operation %s is %s", ErrOperationNotRetried, opID, op.Status)
	}
	d, err := q.getDevice(ctx, op.DeviceID)
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	op.Status = OpPending
	op.Attempts = 0
	op.LastError = ""
	op.NextRetryAt = nil
	op.CompletedAt = nil
	op.ScheduledAt = now
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, storageErr("put operation", err)
	}
	q.enqueued(ctx, d, op)
	return q.GetOperation(ctx, opID)
}

// ResolveConflict records a manual decision for one conflicting field. Once
// every field is resolved the operation is re-applied on the next drain.
func (q *Queue) ResolveConflict(ctx context.Context, opID, field string, value any) (*SyncOperation, error) {
	return q.resolve(ctx, opID, func(c *FieldConflict) bool {
		if c.Field != field {
			return false
		}
		c.Resolution = &Resolution{Value: normalizeValue(value), Strategy: PolicyManual, Winner: WinnerManual}
		return true
	})
}

// ResolveConflictsWithPolicy resolves every open conflict of an operation
// with policy.
func (q *Queue) ResolveConflictsWithPolicy(ctx context.Context, opID string, policy ConflictPolicy) (*SyncOperation, error) {
	if !policy.Valid() || policy == PolicyManual {
		return nil, &ValidationError{Field: "policy", Reason: fmt.Sprintf("%q cannot resolve conflicts", policy)}
	}
	return q.resolve(ctx, opID, func(c *FieldConflict) bool {
		if c.Resolution != nil {
			return false
		}
		*c = Resolve(*c, policy)
		return true
	})
}

func (q *Queue) resolve(ctx context.Context, opID string, fn func(c *FieldConflict) bool) (*SyncOperation, error) {
	op, err := q.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.Status != OpConflict {
		return nil, &ValidationError{Field: "operation", Reason: fmt.Sprintf("operation %s is %s, not conflict", opID, op.Status)}
	}
	changed := false
	for i := range op.Conflicts {
		if fn(&op.Conflicts[i]) {
			changed = true
		}
	}
	if !changed {
		return nil, &ValidationError{Field: "field", Reason: "no matching unresolved conflict"}
	}
	if err := q.store.PutOperation(ctx, op); err != nil {
		return nil, storageErr("put operation", err)
	}
	if !op.ConflictsResolved() {
		return op, nil
	}

	q.logger.Info("conflicts resolved", "operation", op.ID)
	d, err := q.getDevice(ctx, op.DeviceID)
	if err != nil {
		return nil, err
	}
	if !q.opts.DeferProcessing && d.Connectivity.IsOnline {
		if _, err := q.Drain(ctx, d.ID); err != nil {
			q.logger.Error("drain after resolution failed", "device", d.ID, "error", err)
		}
	}
	return q.GetOperation(ctx, opID)
}

// CancelPending cancels one operation that has not started syncing.
func (q *Queue) CancelPending(ctx context.Context, opID string) (*SyncOperation, error) {
	op, err := q.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	switch op.Status {
	case OpPending, OpOffline, OpConflict:
	default:
		return nil, &ValidationError{Field: "operation", Reason: fmt.Sprintf("operation %s is %s and cannot be cancelled", opID, op.Status)}
	}
	if _, err := q.cancelWhere(ctx, op.DeviceID, "cancelled by caller", func(o *SyncOperation) bool { return o.ID == opID }); err != nil {
		return nil, err
	}
	return q.GetOperation(ctx, opID)
}

// PruneOperations deletes synced and cancelled operations completed before
// the retention window.
func (q *Queue) PruneOperations(ctx context.Context) (int, error) {
	cutoff := q.clock.Now().Add(-q.opts.OperationRetention)
	ops, err := q.list(ctx, OperationFilter{
		Statuses:        []OperationStatus{OpSynced, OpCancelled},
		CompletedBefore: &cutoff,
		Order:           OrderCreated,
	})
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return 0, storageErr("delete operation", err)
		}
	}
	if len(ops) > 0 {
		q.logger.Info("pruned operations", "count", len(ops), "cutoff", cutoff.Format(time.RFC3339))
	}
	return len(ops), nil
}

func normalizeValue(v any) any {
	r := cloneRecord(Record{"v": v})
	return r["v"]
}

