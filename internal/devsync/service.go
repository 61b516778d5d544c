package devsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SecurityPolicy scores a device's security snapshot.
type SecurityPolicy interface {
	Evaluate(d *Device) ComplianceResult
}

// ComplianceResult is the outcome of evaluating a SecurityPolicy. Violation
// DetectedAt values are left zero; the registry fills them in.
type ComplianceResult struct {
	Score      int
	Violations []Violation
}

// Options tunes queue, cache and scheduler behavior. Zero values take the
// defaults from DefaultOptions.
type Options struct {
	BatchSize  int
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// DeferProcessing disables the immediate drain after Enqueue, leaving
	// work for the next Drain call or scheduler tick.
	DeferProcessing bool

	EvictionThreshold   float64
	CacheTTL            time.Duration
	RefreshWindow       time.Duration
	FrequentAccessCount int
	MaxRequiredItems    int

	OperationRetention time.Duration
	SchedulerTick      time.Duration
	// SyncLease is how long a drain claim held by another process is
	// honored without renewal. Drains renew their claim every batch.
	SyncLease time.Duration

	// DeviceDefaults seeds the config of newly registered devices.
	DeviceDefaults *DeviceConfig
}

func DefaultOptions() Options {
	return Options{
		BatchSize:           25,
		MaxRetries:          5,
		BackoffMin:          30 * time.Second,
		BackoffMax:          30 * time.Minute,
		EvictionThreshold:   0.9,
		CacheTTL:            24 * time.Hour,
		RefreshWindow:       2 * time.Hour,
		FrequentAccessCount: 5,
		MaxRequiredItems:    500,
		OperationRetention:  7 * 24 * time.Hour,
		SchedulerTick:       30 * time.Second,
		SyncLease:           10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = d.BackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.EvictionThreshold <= 0 || o.EvictionThreshold > 1 {
		o.EvictionThreshold = d.EvictionThreshold
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.RefreshWindow <= 0 {
		o.RefreshWindow = d.RefreshWindow
	}
	if o.FrequentAccessCount <= 0 {
		o.FrequentAccessCount = d.FrequentAccessCount
	}
	if o.MaxRequiredItems <= 0 {
		o.MaxRequiredItems = d.MaxRequiredItems
	}
	if o.OperationRetention <= 0 {
		o.OperationRetention = d.OperationRetention
	}
	if o.SchedulerTick <= 0 {
		o.SchedulerTick = d.SchedulerTick
	}
	if o.SyncLease <= 0 {
		o.SyncLease = d.SyncLease
	}
	return o
}

// Dependencies are the collaborators a Service is built from. Encryptor and
// Policy may be nil: entries are then stored unencrypted and security scans
// are unavailable.
type Dependencies struct {
	Store     Store
	Remote    Remote
	Encryptor Encryptor
	Policy    SecurityPolicy
	Logger    Logger
	Clock     Clock
	IDGen     IDGenerator
}

// env is shared by the registry, queue and cache of one Service.
type env struct {
	store     Store
	remote    Remote
	encryptor Encryptor
	policy    SecurityPolicy
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	bus       *EventBus
	opts      Options
	locks     *deviceLocks
	// owner identifies this Service in sync claims shared through the store.
	owner string
}

func (e *env) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.bus.Publish(ev)
}

// getDevice loads a device or returns ErrDeviceNotFound.
func (e *env) getDevice(ctx context.Context, id string) (*Device, error) {
	d, err := e.store.GetDevice(ctx, id)
	if err != nil {
		return nil, storageErr("get device", err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// updateDevice performs a read-modify-write of one device under its record
// lock. fn may return an error to abort without writing.
func (e *env) updateDevice(ctx context.Context, id string, fn func(d *Device) error) (*Device, error) {
	mu := e.locks.record(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := e.getDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = e.clock.Now()
	if err := e.store.PutDevice(ctx, d); err != nil {
		return nil, storageErr("put device", err)
	}
	return d, nil
}

// lockEntries serializes every read-modify-write of the device's offline
// entries. The returned func unlocks.
func (e *env) lockEntries(deviceID string) func() {
	mu := e.locks.entry(deviceID)
	mu.Lock()
	return mu.Unlock
}

// deviceLocks holds the per-device drain, record and entry mutexes and the
// stop flag.
type deviceLocks struct {
	mu      sync.Mutex
	drains  map[string]*sync.Mutex
	records map[string]*sync.Mutex
	entries map[string]*sync.Mutex
	stops   map[string]bool
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{
		drains:  make(map[string]*sync.Mutex),
		records: make(map[string]*sync.Mutex),
		entries: make(map[string]*sync.Mutex),
		stops:   make(map[string]bool),
	}
}

func (l *deviceLocks) drain(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.drains[id]
	if !ok {
		m = &sync.Mutex{}
		l.drains[id] = m
	}
	return m
}

func (l *deviceLocks) record(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.records[id]
	if !ok {
		m = &sync.Mutex{}
		l.records[id] = m
	}
	return m
}

func (l *deviceLocks) entry(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.entries[id]
	if !ok {
		m = &sync.Mutex{}
		l.entries[id] = m
	}
	return m
}

func (l *deviceLocks) setStop(id string, stop bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if stop {
		l.stops[id] = true
	} else {
		delete(l.stops, id)
	}
}

func (l *deviceLocks) stopped(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops[id]
}

func (l *deviceLocks) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.drains, id)
	delete(l.records, id)
	delete(l.entries, id)
	delete(l.stops, id)
}

// Service is the sync engine for one process. It owns a device registry, a
// sync queue and an offline cache sharing one store, remote and event bus.
type Service struct {
	*env
	Registry *Registry
	Queue    *Queue
	Cache    *Cache
}

// NewService wires the engine from deps. Logger, Clock and IDGen default to
// NopLogger, RealClock and UUIDGenerator.
func NewService(deps Dependencies, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.IDGen == nil {
		deps.IDGen = UUIDGenerator{}
	}
	e := &env{
		store:     deps.Store,
		remote:    deps.Remote,
		encryptor: deps.Encryptor,
		policy:    deps.Policy,
		logger:    deps.Logger,
		clock:     deps.Clock,
		idgen:     deps.IDGen,
		bus:       NewEventBus(deps.Logger),
		opts:      opts.withDefaults(),
		locks:     newDeviceLocks(),
		owner:     UUIDGenerator{}.New(),
	}
	s := &Service{env: e}
	s.Cache = &Cache{env: e}
	s.Queue = &Queue{env: e, cache: s.Cache}
	s.Cache.queue = s.Queue
	s.Registry = &Registry{env: e, queue: s.Queue}
	return s
}

// Events returns the bus sync-lifecycle events are published on.
func (s *Service) Events() *EventBus { return s.bus }

// Options returns the effective options after defaults.
func (s *Service) Options() Options { return s.opts }

// Recover resets state left behind by a crash: operations stuck in syncing
// go back to pending and every sync claim is released, whichever process
// took it.
func (s *Service) Recover(ctx context.Context) error {
	stuck, err := s.store.ListOperations(ctx, OperationFilter{Statuses: []OperationStatus{OpSyncing}, Order: OrderCreated})
	if err != nil {
		return storageErr("list syncing operations", err)
	}
	for _, op := range stuck {
		op.Status = OpPending
		op.StartedAt = nil
		if err := s.store.PutOperation(ctx, op); err != nil {
			return storageErr("reset operation", err)
		}
	}

	devices, err := s.store.ListDevices(ctx, DeviceFilter{})
	if err != nil {
		return storageErr("list devices", err)
	}
	reset := 0
	for _, d := range devices {
		if !d.SyncStatus.InProgress {
			continue
		}
		if err := s.store.ReleaseSync(ctx, d.ID, ""); err != nil {
			return storageErr("release sync", err)
		}
		reset++
	}
	if len(stuck) > 0 || reset > 0 {
		s.logger.Info("recovered interrupted sync state", "operations", len(stuck), "devices", reset)
	}
	return nil
}

// Run drains online devices whose sync interval has elapsed, or that have
// queued work, on every scheduler tick until ctx is cancelled. Devices drain
// in parallel.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recovering sync state: %w", err)
	}
	ticker := time.NewTicker(s.opts.SchedulerTick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.opts.SchedulerTick.String())
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	devices, err := s.store.ListDevices(ctx, DeviceFilter{OnlineOnly: true})
	if err != nil {
		s.logger.Error("listing online devices", "error", err)
		return
	}
	now := s.clock.Now()
	var wg sync.WaitGroup
	for _, d := range devices {
		if !s.dueForSync(d, now) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.Queue.Drain(ctx, id); err != nil {
				s.logger.Warn("scheduled drain failed", "device", id, "error", err)
			}
		}(d.ID)
	}
	wg.Wait()
}

func (s *Service) dueForSync(d *Device, now time.Time) bool {
	if d.SyncStatus.PendingOperations > 0 || d.SyncStatus.ConflictOperations > 0 {
		return true
	}
	if !d.Config.AutoSync {
		return false
	}
	last := d.SyncStatus.LastDeltaSync
	return last == nil || now.Sub(*last) >= d.Config.SyncInterval
}

// Analytics summarizes devices, queues and caches for one business, or for
// every business when businessID is empty.
type Analytics struct {
	Devices             int                     `json:"devices"`
	Online              int                     `json:"online"`
	ByStatus            map[DeviceStatus]int    `json:"by_status"`
	ByType              map[DeviceType]int      `json:"by_type"`
	AverageCompliance   float64                 `json:"average_compliance"`
	Operations          map[OperationStatus]int `json:"operations"`
	DevicesWithFailures int                     `json:"devices_with_failures"`
	OfflineEntries      int                     `json:"offline_entries"`
	OfflineBytes        int64                   `json:"offline_bytes"`
	DirtyEntries        int                     `json:"dirty_entries"`
}

func (s *Service) Analytics(ctx context.Context, businessID string) (*Analytics, error) {
	devices, err := s.store.ListDevices(ctx, DeviceFilter{BusinessID: businessID})
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	a := &Analytics{
		ByStatus:   make(map[DeviceStatus]int),
		ByType:     make(map[DeviceType]int),
		Operations: make(map[OperationStatus]int),
	}
	var scoreSum, scanned int
	for _, d := range devices {
		a.Devices++
		a.ByStatus[d.Status]++
		a.ByType[d.Type]++
		if d.Connectivity.IsOnline {
			a.Online++
		}
		if d.Security.LastScanAt != nil {
			scoreSum += d.Security.ComplianceScore
			scanned++
		}

		counts, err := s.store.CountOperations(ctx, d.ID)
		if err != nil {
			return nil, storageErr("count operations", err)
		}
		for st, n := range counts {
			a.Operations[st] += n
		}
		if counts[OpFailed] > 0 {
			a.DevicesWithFailures++
		}

		entries, err := s.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: d.ID})
		if err != nil {
			return nil, storageErr("list offline data", err)
		}
		for _, e := range entries {
			a.OfflineEntries++
			a.OfflineBytes += e.Metadata.Size
			if e.IsDirty {
				a.DirtyEntries++
			}
		}
	}
	if scanned > 0 {
		a.AverageCompliance = float64(scoreSum) / float64(scanned)
	}
	return a, nil
}
