package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"devsync/internal/compliance"
	"devsync/internal/config"
	"devsync/internal/database"
	"devsync/internal/devsync"
	"devsync/internal/encryption"
	"devsync/internal/remote"
)

// DevSyncApp is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw strings, and manages the store lifecycle on Close.
type DevSyncApp struct {
	cfg       *config.Config
	store     devsync.Store
	remote    remote.Admin
	encryptor devsync.Encryptor
	service   *devsync.Service
	clock     devsync.Clock
	inv       *Invocation
	logger    *slog.Logger
	logFile   *os.File
}

// migrationChecker is implemented by stores with a versioned schema.
type migrationChecker interface {
	CheckMigrations() error
}

// backupStore is implemented by stores that can snapshot themselves.
type backupStore interface {
	BackupTo(ctx context.Context, destPath string) error
}

// NewDevSyncApp creates a fully wired DevSyncApp from the given config.
// command identifies the CLI command being run (e.g. "sync drain").
// The caller must call Close when done.
func NewDevSyncApp(ctx context.Context, cfg *config.Config, command string) (*DevSyncApp, error) {
	clock := devsync.RealClock{}
	inv := NewInvocation(command, clock.Now())

	logger, logFile, err := newLogger(cfg.LogDir, inv.ID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	fail := func(err error) (*DevSyncApp, error) {
		logFile.Close()
		return nil, err
	}

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return fail(fmt.Errorf("invalid config: %w", err))
	}

	policy := compliance.DefaultPolicy()
	if cfg.Compliance.PolicyPath != "" {
		if policy, err = compliance.LoadPolicy(cfg.Compliance.PolicyPath); err != nil {
			return fail(fmt.Errorf("loading compliance policy: %w", err))
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}

	rem, err := remote.NewRemoteFromConfig(ctx, cfg.Remote, clock)
	if err != nil {
		return fail(fmt.Errorf("creating remote: %w", err))
	}

	store, err := database.NewStoreFromConfig(cfg.Store, cfg.NodeID)
	if err != nil {
		return fail(fmt.Errorf("creating store: %w", err))
	}
	if mc, ok := store.(migrationChecker); ok {
		if err := mc.CheckMigrations(); err != nil {
			store.Close()
			return fail(fmt.Errorf("store schema out of date: %w", err))
		}
	}

	svc := devsync.NewService(devsync.Dependencies{
		Store:     store,
		Remote:    rem,
		Encryptor: enc,
		Policy:    policy,
		Logger:    &slogAdapter{l: logger},
		Clock:     clock,
		IDGen:     devsync.UUIDGenerator{},
	}, opts)

	logger.Debug("command started", "command", command, "node", cfg.NodeID)
	return &DevSyncApp{
		cfg:       cfg,
		store:     store,
		remote:    rem,
		encryptor: enc,
		service:   svc,
		clock:     clock,
		inv:       inv,
		logger:    logger,
		logFile:   logFile,
	}, nil
}

// Service exposes the wired engine.
func (a *DevSyncApp) Service() *devsync.Service { return a.service }

// Invocation returns the record of the running command.
func (a *DevSyncApp) Invocation() *Invocation { return a.inv }

// Close finishes the invocation with cause, the command's error if any, and
// closes the store and log file. It returns the first close error.
func (a *DevSyncApp) Close(cause error) error {
	a.inv.Finish(a.clock.Now(), cause)
	if cause != nil {
		a.logger.Error("command failed", "command", a.inv.Command, "duration", a.inv.Duration().String(), "error", cause)
	} else {
		a.logger.Debug("command finished", "command", a.inv.Command, "duration", a.inv.Duration().String())
	}

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// Device registry

func (a *DevSyncApp) RegisterDevice(ctx context.Context, req devsync.RegisterRequest) (*devsync.Device, error) {
	return a.service.Registry.Register(ctx, req)
}

// ListDevices lists devices of a business, optionally narrowed to one
// status or to online devices.
func (a *DevSyncApp) ListDevices(ctx context.Context, businessID, status string, onlineOnly bool) ([]*devsync.Device, error) {
	f := devsync.DeviceFilter{BusinessID: businessID, OnlineOnly: onlineOnly}
	if status != "" {
		st, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		f.Statuses = []devsync.DeviceStatus{st}
	}
	return a.service.Registry.ListDevices(ctx, f)
}

func (a *DevSyncApp) GetDevice(ctx context.Context, id string) (*devsync.Device, error) {
	return a.service.Registry.GetDevice(ctx, id)
}

func (a *DevSyncApp) ActivateDevice(ctx context.Context, id string) (*devsync.Device, error) {
	return a.service.Registry.Activate(ctx, id)
}

func (a *DevSyncApp) SetDeviceStatus(ctx context.Context, id, status string) (*devsync.Device, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return a.service.Registry.SetStatus(ctx, id, st)
}

// SetOnline reports a connectivity change. Going online drains the queue.
func (a *DevSyncApp) SetOnline(ctx context.Context, id string, online bool) (*devsync.Device, error) {
	return a.service.Registry.UpdateTelemetry(ctx, id, devsync.TelemetryUpdate{
		Connectivity: &devsync.ConnectivityUpdate{IsOnline: &online},
	})
}

func (a *DevSyncApp) ReportTelemetry(ctx context.Context, id string, u devsync.TelemetryUpdate) (*devsync.Device, error) {
	return a.service.Registry.UpdateTelemetry(ctx, id, u)
}

func (a *DevSyncApp) DeactivateDevice(ctx context.Context, id string) (*devsync.Device, error) {
	return a.service.Registry.Deactivate(ctx, id)
}

func (a *DevSyncApp) WipeDevice(ctx context.Context, id string) (*devsync.SyncOperation, error) {
	return a.service.Registry.RemoteWipe(ctx, id)
}

func (a *DevSyncApp) RemoveDevice(ctx context.Context, id string) error {
	return a.service.Registry.Remove(ctx, id)
}

func (a *DevSyncApp) ScanDevice(ctx context.Context, id string) (*devsync.Device, error) {
	return a.service.Registry.SecurityScan(ctx, id)
}

// Sync queue

// EnqueueInput is the raw CLI form of an enqueue request. Ref is
// "data_type/entity_type/entity_id"; Payload and Original are JSON objects.
type EnqueueInput struct {
	DeviceID    string
	Operation   string
	Ref         string
	Payload     string
	Original    string
	BaseVersion int64
	Priority    int
	Policy      string
	ScheduledAt *time.Time
}

func (a *DevSyncApp) Enqueue(ctx context.Context, in EnqueueInput) (*devsync.SyncOperation, error) {
	ref, err := ParseRef(in.Ref)
	if err != nil {
		return nil, err
	}
	payload, err := ParsePayload(ref.DataType, in.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	original, err := ParsePayload(ref.DataType, in.Original)
	if err != nil {
		return nil, fmt.Errorf("original: %w", err)
	}
	policy, err := ParsePolicy(in.Policy)
	if err != nil {
		return nil, err
	}
	return a.service.Queue.Enqueue(ctx, devsync.EnqueueRequest{
		DeviceID:       in.DeviceID,
		Operation:      devsync.OperationKind(in.Operation),
		DataType:       ref.DataType,
		EntityType:     ref.EntityType,
		EntityID:       ref.EntityID,
		Payload:        payload,
		OriginalData:   original,
		BaseVersion:    in.BaseVersion,
		Priority:       in.Priority,
		ConflictPolicy: policy,
		ScheduledAt:    in.ScheduledAt,
	})
}

func (a *DevSyncApp) Drain(ctx context.Context, deviceID string) (*devsync.DrainResult, error) {
	return a.service.Queue.Drain(ctx, deviceID)
}

func (a *DevSyncApp) ProcessOperation(ctx context.Context, opID string) (*devsync.SyncOperation, error) {
	return a.service.Queue.ProcessOne(ctx, opID)
}

func (a *DevSyncApp) PendingOperations(ctx context.Context, deviceID string) ([]*devsync.SyncOperation, error) {
	return a.service.Queue.PendingOperations(ctx, deviceID)
}

func (a *DevSyncApp) FailedOperations(ctx context.Context, deviceID string) ([]*devsync.SyncOperation, error) {
	return a.service.Queue.FailedOperations(ctx, deviceID)
}

func (a *DevSyncApp) ConflictedOperations(ctx context.Context, deviceID string) ([]*devsync.SyncOperation, error) {
	return a.service.Queue.ConflictedOperations(ctx, deviceID)
}

func (a *DevSyncApp) RetryOperation(ctx context.Context, opID string) (*devsync.SyncOperation, error) {
	return a.service.Queue.RetryOperation(ctx, opID)
}

func (a *DevSyncApp) CancelOperation(ctx context.Context, opID string) (*devsync.SyncOperation, error) {
	return a.service.Queue.CancelPending(ctx, opID)
}

// ResolveConflict decides one field of a conflicted operation. value is
// parsed as JSON, falling back to a plain string.
func (a *DevSyncApp) ResolveConflict(ctx context.Context, opID, field, value string) (*devsync.SyncOperation, error) {
	return a.service.Queue.ResolveConflict(ctx, opID, field, ParseValue(value))
}

func (a *DevSyncApp) ResolveConflictsWithPolicy(ctx context.Context, opID, policy string) (*devsync.SyncOperation, error) {
	p, err := ParsePolicy(policy)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, errors.New("a conflict policy is required")
	}
	return a.service.Queue.ResolveConflictsWithPolicy(ctx, opID, p)
}

func (a *DevSyncApp) PruneOperations(ctx context.Context) (int, error) {
	return a.service.Queue.PruneOperations(ctx)
}

// Offline cache

func (a *DevSyncApp) Reconcile(ctx context.Context, deviceID string) (*devsync.ReconcileResult, error) {
	return a.service.Cache.Reconcile(ctx, deviceID)
}

func (a *DevSyncApp) CacheStatus(ctx context.Context, deviceID string) (*devsync.CacheStatus, error) {
	return a.service.Cache.Status(ctx, deviceID)
}

func (a *DevSyncApp) CleanupCache(ctx context.Context, deviceID string) (int, error) {
	return a.service.Cache.Cleanup(ctx, deviceID)
}

// RequiresPassphrase reports whether reading the entry at ref needs the
// private key unlocked first.
func (a *DevSyncApp) RequiresPassphrase(ctx context.Context, deviceID, ref string) (bool, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	e, err := a.store.FindOfflineData(ctx, deviceID, r)
	if err != nil {
		return false, err
	}
	return e != nil && e.Metadata.Encrypted, nil
}

// Unlock makes encrypted entries readable for the rest of the command.
func (a *DevSyncApp) Unlock(passphrase string) error {
	return a.service.Cache.Unlock(passphrase)
}

// ReadEntry returns the cached record at ref, or nil when nothing is cached.
func (a *DevSyncApp) ReadEntry(ctx context.Context, deviceID, ref string) (devsync.Record, *devsync.OfflineData, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, nil, err
	}
	return a.service.Cache.Read(ctx, deviceID, r)
}

// EditEntry applies a JSON patch to the cached record at ref and queues
// the matching upload or update.
func (a *DevSyncApp) EditEntry(ctx context.Context, deviceID, ref, patch, policy string, priority int) (*devsync.OfflineData, *devsync.SyncOperation, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, nil, err
	}
	payload, err := ParsePayload(r.DataType, patch)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		return nil, nil, errors.New("an edit needs a JSON payload")
	}
	p, err := ParsePolicy(policy)
	if err != nil {
		return nil, nil, err
	}
	return a.service.Cache.MutateLocal(ctx, devsync.LocalMutation{
		DeviceID:       deviceID,
		EntityType:     r.EntityType,
		EntityID:       r.EntityID,
		Payload:        payload,
		Priority:       priority,
		ConflictPolicy: p,
	})
}

// Remote administration

// PutRemoteRecord replaces a record on the remote and returns its version.
func (a *DevSyncApp) PutRemoteRecord(ctx context.Context, ref, data string) (int64, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return 0, err
	}
	rec, err := ParseRecord(data)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, errors.New("a record needs a JSON object")
	}
	return a.remote.Put(ctx, r, rec)
}

// AssignRemoteRecords replaces the records assigned to an employee.
func (a *DevSyncApp) AssignRemoteRecords(ctx context.Context, businessID, employeeID string, refs []string) error {
	parsed := make([]devsync.EntityRef, 0, len(refs))
	for _, s := range refs {
		r, err := ParseRef(s)
		if err != nil {
			return err
		}
		parsed = append(parsed, r)
	}
	return a.remote.Assign(ctx, businessID, employeeID, parsed)
}

// Service-wide

func (a *DevSyncApp) Analytics(ctx context.Context, businessID string) (*devsync.Analytics, error) {
	return a.service.Analytics(ctx, businessID)
}

// Run starts the scheduler and logs sync events until ctx is cancelled.
func (a *DevSyncApp) Run(ctx context.Context) error {
	events, cancel := a.service.Events().Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			a.logger.Debug("sync event", "type", string(ev.Type), "device", ev.DeviceID, "operation", ev.OperationID, "status", ev.Status)
		}
	}()

	err := a.service.Run(ctx)
	cancel()
	<-done
	return err
}

// BackupStore writes a consistent snapshot of the local store to destPath.
func (a *DevSyncApp) BackupStore(ctx context.Context, destPath string) error {
	b, ok := a.store.(backupStore)
	if !ok {
		return fmt.Errorf("store type %q does not support backups", a.cfg.Store.Type)
	}
	if err := b.BackupTo(ctx, destPath); err != nil {
		return fmt.Errorf("backing up store: %w", err)
	}
	return nil
}
