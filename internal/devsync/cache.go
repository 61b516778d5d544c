package devsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache decides which records a device keeps offline and bounds the space
// they take.
type Cache struct {
	*env
	queue *Queue

	mu sync.RWMutex
	dc DecryptionContext
}

// basePriority is the download priority of each data type before boosts.
var basePriority = map[DataType]int{
	DataWorkOrders: 10,
	DataSettings:   9,
	DataCustomers:  8,
	DataInventory:  7,
	DataEstimates:  6,
	DataInvoices:   6,
	DataTimesheets: 5,
	DataForms:      5,
	DataLocations:  4,
	DataEmployees:  4,
	DataPhotos:     3,
}

const (
	pinnedBoost   = 3
	frequentBoost = 2
	recentBoost   = 1
	recentWindow  = 24 * time.Hour
)

// RequiredItem is one record a device should have cached.
type RequiredItem struct {
	Ref      EntityRef `json:"ref"`
	Priority int       `json:"priority"`
	Reason   string    `json:"reason"`
}

type RequirementParams struct {
	FrequentAccessCount int
	MaxRequiredItems    int
}

// ComputeRequiredData returns the records d should hold offline: records
// assigned to its employee, pinned records and frequently used cache
// entries. Priority starts from the data type and is boosted for pinned,
// frequent and recently accessed records, clamped to 1..10. Records of data
// types the device does not cache are dropped. The result is ordered by
// priority, highest first, then by reference.
func ComputeRequiredData(d *Device, usage []*OfflineData, assigned []EntityRef, now time.Time, p RequirementParams) []RequiredItem {
	if !d.Config.OfflineMode {
		return nil
	}
	type candidate struct {
		ref      EntityRef
		reasons  []string
		pinned   bool
		frequent bool
		recent   bool
	}
	byKey := make(map[string]*candidate)
	get := func(ref EntityRef) *candidate {
		k := ref.String()
		c, ok := byKey[k]
		if !ok {
			c = &candidate{ref: ref}
			byKey[k] = c
		}
		return c
	}

	for _, ref := range assigned {
		c := get(ref)
		c.reasons = append(c.reasons, "assigned")
	}
	for _, ref := range d.Config.Pinned {
		c := get(ref)
		c.pinned = true
		c.reasons = append(c.reasons, "pinned")
	}
	for _, e := range usage {
		frequent := p.FrequentAccessCount > 0 && e.AccessCount >= p.FrequentAccessCount
		recent := !e.LastAccessed.IsZero() && now.Sub(e.LastAccessed) <= recentWindow
		if !frequent {
			// Infrequent entries only get a boost if something else requires them.
			if c, ok := byKey[e.Ref().String()]; ok && recent {
				c.recent = true
			}
			continue
		}
		c := get(e.Ref())
		c.frequent = true
		c.recent = c.recent || recent
		c.reasons = append(c.reasons, "frequent")
	}

	items := make([]RequiredItem, 0, len(byKey))
	for _, c := range byKey {
		if !d.Config.WantsDataType(c.ref.DataType) {
			continue
		}
		prio := basePriority[c.ref.DataType]
		if c.pinned {
			prio += pinnedBoost
		}
		if c.frequent {
			prio += frequentBoost
		}
		if c.recent {
			prio += recentBoost
		}
		items = append(items, RequiredItem{
			Ref:      c.ref,
			Priority: clamp(prio, MinPriority, MaxPriority),
			Reason:   strings.Join(c.reasons, ","),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].Ref.String() < items[j].Ref.String()
	})
	if p.MaxRequiredItems > 0 && len(items) > p.MaxRequiredItems {
		items = items[:p.MaxRequiredItems]
	}
	return items
}

func (c *Cache) params() RequirementParams {
	return RequirementParams{FrequentAccessCount: c.opts.FrequentAccessCount, MaxRequiredItems: c.opts.MaxRequiredItems}
}

// RequiredData computes the required set for a device from its current
// cache and, when the remote is a Catalog, its assignments.
func (c *Cache) RequiredData(ctx context.Context, deviceID string) ([]RequiredItem, error) {
	d, err := c.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	entries, err := c.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: deviceID})
	if err != nil {
		return nil, storageErr("list offline data", err)
	}
	assigned, err := c.assigned(ctx, d)
	if err != nil {
		return nil, err
	}
	return ComputeRequiredData(d, entries, assigned, c.clock.Now(), c.params()), nil
}

func (c *Cache) assigned(ctx context.Context, d *Device) ([]EntityRef, error) {
	cat, ok := c.remote.(Catalog)
	if !ok || !d.Config.OfflineMode {
		return nil, nil
	}
	var refs []EntityRef
	for _, dt := range AllDataTypes {
		if !d.Config.WantsDataType(dt) {
			continue
		}
		got, err := cat.ListAssigned(ctx, d.BusinessID, d.EmployeeID, dt)
		if err != nil {
			return nil, err
		}
		refs = append(refs, got...)
	}
	return refs, nil
}

// Download fetches one record and caches it. It returns nil when the
// remote no longer has the record. A dirty local entry is returned as is.
func (c *Cache) Download(ctx context.Context, deviceID string, ref EntityRef) (*OfflineData, error) {
	d, err := c.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, d, ref, 0)
}

func (c *Cache) download(ctx context.Context, d *Device, ref EntityRef, priority int) (*OfflineData, error) {
	rec, err := c.remote.FetchRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer c.lockEntries(d.ID)()

	existing, err := c.store.FindOfflineData(ctx, d.ID, ref)
	if err != nil {
		return nil, storageErr("find offline data", err)
	}
	if rec == nil {
		if existing != nil && !existing.IsDirty {
			if err := c.store.DeleteOfflineData(ctx, existing.ID); err != nil {
				return nil, storageErr("delete offline data", err)
			}
		}
		return nil, nil
	}
	if existing != nil && existing.IsDirty {
		return existing, nil
	}
	return c.put(ctx, d, existing, ref, rec, priority)
}

// put writes rec into the cache as a clean, downloaded entry. The caller
// holds the device's entry lock.
func (c *Cache) put(ctx context.Context, d *Device, existing *OfflineData, ref EntityRef, rec *RemoteRecord, priority int) (*OfflineData, error) {
	now := c.clock.Now()
	entry := existing
	if entry == nil {
		entry = c.newEntry(d, ref, now)
	}
	if priority > 0 {
		entry.Priority = priority
	}
	if err := c.encodeInto(d, entry, rec.Data, rec.Version); err != nil {
		return nil, err
	}
	entry.IsDownloaded = true
	entry.ExpiresAt = now.Add(c.opts.CacheTTL)
	entry.LastSyncedAt = &now
	entry.SyncVersion = rec.Version
	entry.IsDirty = false
	entry.Conflicts = false
	if err := c.store.PutOfflineData(ctx, entry); err != nil {
		return nil, storageErr("put offline data", err)
	}
	c.logger.Debug("cached record", "device", d.ID, "entity", ref.String(), "version", rec.Version, "size", entry.Metadata.Size)
	return entry, nil
}

func (c *Cache) newEntry(d *Device, ref EntityRef, now time.Time) *OfflineData {
	return &OfflineData{
		ID:           c.idgen.New(),
		DeviceID:     d.ID,
		BusinessID:   d.BusinessID,
		DataType:     ref.DataType,
		EntityType:   ref.EntityType,
		EntityID:     ref.EntityID,
		Priority:     clamp(basePriority[ref.DataType], MinPriority, MaxPriority),
		LastAccessed: now,
		ExpiresAt:    now.Add(c.opts.CacheTTL),
	}
}

// encodeInto replaces entry's stored bytes with r, honoring the device's
// compression and encryption settings.
func (c *Cache) encodeInto(d *Device, entry *OfflineData, r Record, version int64) error {
	var enc Encryptor
	if d.Config.EncryptOfflineData {
		if c.encryptor == nil || !c.encryptor.IsConfigured() {
			return fmt.Errorf("device %s requires encrypted offline data but no encryption key is configured", d.ID)
		}
		enc = c.encryptor
	}
	data, meta, err := encodeRecord(r, d.Config.CompressOfflineData, enc)
	if err != nil {
		return err
	}
	meta.Version = version
	entry.Data = data
	entry.Metadata = meta
	return nil
}

// ReconcileResult reports one reconcile pass. SkippedSteps names the steps
// abandoned because the remote was unreachable.
type ReconcileResult struct {
	Downloaded   int      `json:"downloaded"`
	Refreshed    int      `json:"refreshed"`
	Cached       int      `json:"cached"`
	Expired      int      `json:"expired"`
	Cleaned      int      `json:"cleaned"`
	UsageBytes   int64    `json:"usage_bytes"`
	OverQuota    bool     `json:"over_quota"`
	SkippedSteps []string `json:"skipped_steps,omitempty"`
}

// Reconcile downloads missing required records, refreshes frequently used
// entries nearing expiry, drops expired entries and evicts least recently
// used entries while usage is above the eviction threshold of the quota.
// Dirty entries are never expired or evicted. If the remote is unreachable
// the remote step is skipped and the rest still runs.
func (c *Cache) Reconcile(ctx context.Context, deviceID string) (*ReconcileResult, error) {
	d, err := c.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{}
	now := c.clock.Now()

	entries, err := c.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: deviceID})
	if err != nil {
		return nil, storageErr("list offline data", err)
	}
	have := make(map[string]*OfflineData, len(entries))
	for _, e := range entries {
		have[e.Ref().String()] = e
	}
	touched := make(map[string]bool)

	assigned, err := c.assigned(ctx, d)
	switch {
	case IsTransport(err):
		c.logger.Warn("assignment catalog unreachable", "device", deviceID, "error", err)
		res.SkippedSteps = append(res.SkippedSteps, "assignments")
	case err != nil:
		return nil, err
	}

	required := ComputeRequiredData(d, entries, assigned, now, c.params())
	for _, item := range required {
		k := item.Ref.String()
		if e, ok := have[k]; ok && (e.IsDirty || e.ExpiresAt.After(now)) {
			res.Cached++
			continue
		}
		entry, err := c.download(ctx, d, item.Ref, item.Priority)
		if IsTransport(err) {
			c.logger.Warn("remote unreachable, skipping downloads", "device", deviceID, "error", err)
			res.SkippedSteps = append(res.SkippedSteps, "download")
			break
		}
		if err != nil {
			return res, err
		}
		touched[k] = true
		if entry != nil {
			res.Downloaded++
		}
	}

	refreshBy := now.Add(c.opts.RefreshWindow)
	for _, e := range entries {
		k := e.Ref().String()
		if touched[k] || e.IsDirty || e.AccessCount < c.opts.FrequentAccessCount || e.ExpiresAt.After(refreshBy) {
			continue
		}
		if _, err := c.download(ctx, d, e.Ref(), 0); err != nil {
			if IsTransport(err) {
				c.logger.Warn("remote unreachable, skipping refresh", "device", deviceID, "error", err)
				res.SkippedSteps = append(res.SkippedSteps, "refresh")
				break
			}
			return res, err
		}
		touched[k] = true
		res.Refreshed++
	}

	if err := c.expire(ctx, deviceID, now, res); err != nil {
		return res, err
	}

	if err := c.evict(ctx, d, res); err != nil {
		return res, err
	}

	c.logger.Info("cache reconciled", "device", deviceID, "downloaded", res.Downloaded, "refreshed", res.Refreshed, "cached", res.Cached, "expired", res.Expired, "cleaned", res.Cleaned, "over_quota", res.OverQuota)
	c.publish(Event{Type: EventCacheReconciled, DeviceID: deviceID, Message: fmt.Sprintf("downloaded=%d expired=%d cleaned=%d", res.Downloaded, res.Expired, res.Cleaned)})
	return res, nil
}

func (c *Cache) expire(ctx context.Context, deviceID string, now time.Time, res *ReconcileResult) error {
	defer c.lockEntries(deviceID)()

	expired, err := c.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: deviceID, ExpiresBefore: &now})
	if err != nil {
		return storageErr("list expired offline data", err)
	}
	for _, e := range expired {
		if e.IsDirty {
			continue
		}
		if err := c.store.DeleteOfflineData(ctx, e.ID); err != nil {
			return storageErr("delete offline data", err)
		}
		res.Expired++
	}
	return nil
}

// evict deletes clean entries, least recently accessed first, until usage
// is at or below the threshold. OverQuota is set when that is impossible.
func (c *Cache) evict(ctx context.Context, d *Device, res *ReconcileResult) error {
	defer c.lockEntries(d.ID)()

	usage, err := c.store.OfflineUsage(ctx, d.ID)
	if err != nil {
		return storageErr("offline usage", err)
	}
	quota := d.Config.StorageQuotaBytes
	if quota <= 0 {
		res.UsageBytes = usage
		return nil
	}
	limit := int64(c.opts.EvictionThreshold * float64(quota))
	if usage > limit {
		lru, err := c.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: d.ID, ByLastAccessed: true})
		if err != nil {
			return storageErr("list offline data", err)
		}
		for _, e := range lru {
			if usage <= limit {
				break
			}
			if e.IsDirty {
				continue
			}
			if err := c.store.DeleteOfflineData(ctx, e.ID); err != nil {
				return storageErr("delete offline data", err)
			}
			usage -= e.Metadata.Size
			res.Cleaned++
		}
	}
	res.UsageBytes = usage
	if usage > limit {
		res.OverQuota = true
		c.logger.Warn("offline cache over quota with no eviction candidates", "device", d.ID, "usage", usage, "limit", limit)
	}
	return nil
}

// Unlock decrypts the private key so encrypted entries can be read for the
// rest of the session.
func (c *Cache) Unlock(passphrase string) error {
	if c.encryptor == nil {
		return errors.New("no encryptor configured")
	}
	dc, err := c.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking offline data: %w", err)
	}
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	return nil
}

// Lock forgets the unlocked key.
func (c *Cache) Lock() {
	c.mu.Lock()
	c.dc = nil
	c.mu.Unlock()
}

func (c *Cache) decryption() DecryptionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dc
}

// Read returns the cached record for ref after verifying its checksum, and
// records the access. It returns nil when nothing is cached. Encrypted
// entries need Unlock first.
func (c *Cache) Read(ctx context.Context, deviceID string, ref EntityRef) (Record, *OfflineData, error) {
	defer c.lockEntries(deviceID)()

	entry, err := c.store.FindOfflineData(ctx, deviceID, ref)
	if err != nil {
		return nil, nil, storageErr("find offline data", err)
	}
	if entry == nil {
		return nil, nil, nil
	}
	rec, err := decodeRecord(entry, c.decryption())
	if err != nil {
		return nil, nil, err
	}
	entry.AccessCount++
	entry.LastAccessed = c.clock.Now()
	if err := c.store.PutOfflineData(ctx, entry); err != nil {
		return nil, nil, storageErr("put offline data", err)
	}
	return rec, entry, nil
}

// LocalMutation is an edit made on the device while it may be offline.
// Payload carries only the fields that changed.
type LocalMutation struct {
	DeviceID       string
	EntityType     string
	EntityID       string
	Payload        Payload
	Priority       int
	ConflictPolicy ConflictPolicy
}

// MutateLocal applies an edit to the cached record, marks it dirty and
// queues exactly one upload (new record) or update (synced record) in the
// same transaction.
func (c *Cache) MutateLocal(ctx context.Context, m LocalMutation) (*OfflineData, *SyncOperation, error) {
	switch {
	case m.Payload == nil:
		return nil, nil, &ValidationError{Field: "payload", Reason: "required"}
	case m.EntityType == "":
		return nil, nil, &ValidationError{Field: "entity_type", Reason: "required"}
	case m.EntityID == "":
		return nil, nil, &ValidationError{Field: "entity_id", Reason: "required"}
	case m.Priority != 0 && (m.Priority < MinPriority || m.Priority > MaxPriority):
		return nil, nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	case m.ConflictPolicy != "" && !m.ConflictPolicy.Valid():
		return nil, nil, &ValidationError{Field: "conflict_policy", Reason: fmt.Sprintf("unknown policy %q", m.ConflictPolicy)}
	}
	d, err := c.getDevice(ctx, m.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if d.Status == StatusDecommissioned {
		return nil, nil, &ValidationError{Field: "device_id", Reason: "device is decommissioned"}
	}
	patch, err := RecordOf(m.Payload)
	if err != nil {
		return nil, nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	ref := EntityRef{DataType: m.Payload.DataType(), EntityType: m.EntityType, EntityID: m.EntityID}

	entry, op, err := c.writeLocal(ctx, d, ref, patch, m)
	if err != nil {
		return nil, nil, err
	}
	c.queue.enqueued(ctx, d, op)

	if entry, err = c.store.GetOfflineData(ctx, entry.ID); err != nil {
		return nil, nil, storageErr("get offline data", err)
	}
	op, err = c.queue.GetOperation(ctx, op.ID)
	if err != nil {
		return nil, nil, err
	}
	return entry, op, nil
}

func (c *Cache) writeLocal(ctx context.Context, d *Device, ref EntityRef, patch Record, m LocalMutation) (*OfflineData, *SyncOperation, error) {
	defer c.lockEntries(d.ID)()

	now := c.clock.Now()
	entry, err := c.store.FindOfflineData(ctx, d.ID, ref)
	if err != nil {
		return nil, nil, storageErr("find offline data", err)
	}
	var prior Record
	if entry != nil {
		if prior, err = decodeRecord(entry, c.decryption()); err != nil {
			return nil, nil, fmt.Errorf("reading cached %s: %w", ref, err)
		}
	} else {
		entry = c.newEntry(d, ref, now)
	}

	merged := cloneRecord(prior)
	if merged == nil {
		merged = Record{}
	}
	for k, v := range patch {
		merged[k] = v
	}

	kind, base := OpUpload, int64(0)
	if entry.SyncVersion > 0 {
		kind, base = OpUpdate, entry.SyncVersion
	}
	if err := c.encodeInto(d, entry, merged, entry.SyncVersion); err != nil {
		return nil, nil, err
	}
	entry.IsDirty = true
	entry.AccessCount++
	entry.LastAccessed = now

	op := c.queue.newOperation(d, kind, ref, patch, prior, base, m.Priority)
	op.ConflictPolicy = m.ConflictPolicy
	if err := c.store.PutOfflineDataWithOperation(ctx, entry, op); err != nil {
		return nil, nil, storageErr("put offline data with operation", err)
	}
	c.logger.Info("local mutation recorded", "device", d.ID, "entity", ref.String(), "operation", op.ID, "kind", string(kind))
	return entry, op, nil
}

// Cleanup deletes every clean entry of the device.
func (c *Cache) Cleanup(ctx context.Context, deviceID string) (int, error) {
	if _, err := c.getDevice(ctx, deviceID); err != nil {
		return 0, err
	}
	defer c.lockEntries(deviceID)()

	entries, err := c.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: deviceID})
	if err != nil {
		return 0, storageErr("list offline data", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDirty {
			continue
		}
		if err := c.store.DeleteOfflineData(ctx, e.ID); err != nil {
			return n, storageErr("delete offline data", err)
		}
		n++
	}
	c.logger.Info("offline cache cleaned", "device", deviceID, "deleted", n)
	return n, nil
}

// CacheStatus summarizes a device's offline cache.
type CacheStatus struct {
	DeviceID     string           `json:"device_id"`
	Entries      int              `json:"entries"`
	Dirty        int              `json:"dirty"`
	Conflicts    int              `json:"conflicts"`
	Expired      int              `json:"expired"`
	Bytes        int64            `json:"bytes"`
	QuotaBytes   int64            `json:"quota_bytes"`
	UsagePercent float64          `json:"usage_percent"`
	ByDataType   map[DataType]int `json:"by_data_type"`
}

func (c *Cache) Status(ctx context.Context, deviceID string) (*CacheStatus, error) {
	d, err := c.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	entries, err := c.store.ListOfflineData(ctx, OfflineDataFilter{DeviceID: deviceID})
	if err != nil {
		return nil, storageErr("list offline data", err)
	}
	now := c.clock.Now()
	st := &CacheStatus{DeviceID: deviceID, QuotaBytes: d.Config.StorageQuotaBytes, ByDataType: make(map[DataType]int)}
	for _, e := range entries {
		st.Entries++
		st.Bytes += e.Metadata.Size
		st.ByDataType[e.DataType]++
		if e.IsDirty {
			st.Dirty++
		}
		if e.Conflicts {
			st.Conflicts++
		}
		if !e.ExpiresAt.After(now) {
			st.Expired++
		}
	}
	if st.QuotaBytes > 0 {
		st.UsagePercent = float64(st.Bytes) / float64(st.QuotaBytes) * 100
	}
	return st, nil
}
