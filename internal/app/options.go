package app

import (
	"fmt"

	"devsync/internal/config"
	"devsync/internal/devsync"
)

// OptionsFromConfig converts the sync, cache and device sections of cfg into
// engine options. Unset values keep the engine defaults.
func OptionsFromConfig(cfg *config.Config) (devsync.Options, error) {
	opts := devsync.Options{
		BatchSize:           cfg.Sync.BatchSize,
		MaxRetries:          cfg.Sync.MaxRetries,
		BackoffMin:          cfg.Sync.BackoffMin.Duration,
		BackoffMax:          cfg.Sync.BackoffMax.Duration,
		DeferProcessing:     cfg.Sync.DeferProcessing,
		SchedulerTick:       cfg.Sync.SchedulerTick.Duration,
		OperationRetention:  cfg.Sync.OperationRetention.Duration,
		SyncLease:           cfg.Sync.SyncLease.Duration,
		EvictionThreshold:   cfg.Cache.EvictionThreshold,
		CacheTTL:            cfg.Cache.TTL.Duration,
		RefreshWindow:       cfg.Cache.RefreshWindow.Duration,
		FrequentAccessCount: cfg.Cache.FrequentAccessCount,
		MaxRequiredItems:    cfg.Cache.MaxRequiredItems,
	}

	defaults, err := deviceDefaults(cfg.Devices)
	if err != nil {
		return devsync.Options{}, fmt.Errorf("devices: %w", err)
	}
	opts.DeviceDefaults = defaults
	return opts, nil
}

// deviceDefaults overlays the configured device fields on the engine's
// default device config.
func deviceDefaults(c config.DeviceConfig) (*devsync.DeviceConfig, error) {
	d := devsync.DefaultDeviceConfig()
	if c.StorageQuotaBytes < 0 {
		return nil, fmt.Errorf("storage_quota_bytes %d must not be negative", c.StorageQuotaBytes)
	}
	if c.StorageQuotaBytes > 0 {
		d.StorageQuotaBytes = c.StorageQuotaBytes
	}
	if c.ConflictPolicy != "" {
		p := devsync.ConflictPolicy(c.ConflictPolicy)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown conflict_policy %q", c.ConflictPolicy)
		}
		d.ConflictPolicy = p
	}
	if c.EncryptOfflineData != nil {
		d.EncryptOfflineData = *c.EncryptOfflineData
	}
	if c.CompressOfflineData != nil {
		d.CompressOfflineData = *c.CompressOfflineData
	}
	if c.SyncInterval.Duration > 0 {
		d.SyncInterval = c.SyncInterval.Duration
	}
	for _, s := range c.OfflineDataTypes {
		dt := devsync.DataType(s)
		if !dt.Valid() {
			return nil, fmt.Errorf("unknown offline data type %q", s)
		}
		d.OfflineDataTypes = append(d.OfflineDataTypes, dt)
	}
	return &d, nil
}
