package devsync

import (
	"strings"
	"time"
)

// DeviceStatus is the lifecycle state of a registered device.
type DeviceStatus string

const (
	StatusPendingActivation DeviceStatus = "pending_activation"
	StatusActive            DeviceStatus = "active"
	StatusInactive          DeviceStatus = "inactive"
	StatusSuspended         DeviceStatus = "suspended"
	StatusLost              DeviceStatus = "lost"
	StatusStolen            DeviceStatus = "stolen"
	StatusDecommissioned    DeviceStatus = "decommissioned"
	StatusMaintenance       DeviceStatus = "maintenance"
)

var allDeviceStatuses = []DeviceStatus{
	StatusPendingActivation, StatusActive, StatusInactive, StatusSuspended,
	StatusLost, StatusStolen, StatusDecommissioned, StatusMaintenance,
}

func (s DeviceStatus) Valid() bool {
	for _, v := range allDeviceStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is one of the states a device only leaves
// toward decommissioning.
func (s DeviceStatus) IsTerminal() bool {
	return s == StatusDecommissioned || s == StatusLost || s == StatusStolen
}

// CanTransition reports whether a device may move from one status to another.
// Terminal states only move forward: lost and stolen devices may be
// decommissioned, and nothing leaves decommissioned. No device returns to
// pending activation.
func CanTransition(from, to DeviceStatus) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case StatusDecommissioned:
		return false
	case StatusLost, StatusStolen:
		return to == StatusDecommissioned
	}
	return to != StatusPendingActivation
}

// DeviceType is the hardware class inferred at registration.
type DeviceType string

const (
	TypeSmartphone   DeviceType = "smartphone"
	TypeTablet       DeviceType = "tablet"
	TypeRuggedTablet DeviceType = "rugged_tablet"
	TypeScanner      DeviceType = "scanner"
	TypePOSTerminal  DeviceType = "pos_terminal"
)

// ClassifyDeviceType guesses the device class from its descriptors.
// The first matching keyword group wins; unknown hardware is a smartphone.
func ClassifyDeviceType(info DeviceInfo, specs DeviceSpecs) DeviceType {
	haystack := strings.ToLower(strings.Join(append([]string{info.Model, info.Manufacturer, info.Platform}, specs.Features...), " "))
	rules := []struct {
		typ      DeviceType
		keywords []string
	}{
		{TypeRuggedTablet, []string{"rugged", "toughbook"}},
		{TypeTablet, []string{"tablet", "ipad", "galaxy tab"}},
		{TypeScanner, []string{"scanner", "zebra", "honeywell", "barcode"}},
		{TypePOSTerminal, []string{"pos", "terminal", "clover", "square", "verifone"}},
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if containsWord(haystack, kw) {
				return r.typ
			}
		}
	}
	return TypeSmartphone
}

// containsWord matches kw at word boundaries so "pos" does not match "compose".
func containsWord(haystack, kw string) bool {
	for i := 0; ; {
		j := strings.Index(haystack[i:], kw)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(kw)
		before := start == 0 || !isAlnum(haystack[start-1])
		after := end == len(haystack) || !isAlnum(haystack[end])
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

type DeviceInfo struct {
	Platform     string `json:"platform"`
	OSVersion    string `json:"os_version"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	SerialNumber string `json:"serial_number,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
}

type DeviceSpecs struct {
	Processor  string   `json:"processor,omitempty"`
	MemoryMB   int      `json:"memory_mb,omitempty"`
	StorageMB  int      `json:"storage_mb,omitempty"`
	ScreenSize float64  `json:"screen_size,omitempty"`
	Features   []string `json:"features,omitempty"`
}

type Connectivity struct {
	IsOnline       bool      `json:"is_online"`
	ConnectionType string    `json:"connection_type,omitempty"`
	SignalStrength int       `json:"signal_strength,omitempty"`
	DataUsedBytes  int64     `json:"data_used_bytes"`
	DataLimitBytes int64     `json:"data_limit_bytes,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
}

type Performance struct {
	BatteryLevel int        `json:"battery_level"`
	IsCharging   bool       `json:"is_charging"`
	CPUUsage     float64    `json:"cpu_usage"`
	MemoryUsage  float64    `json:"memory_usage"`
	StorageUsage float64    `json:"storage_usage"`
	CrashCount   int        `json:"crash_count"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Violation is one open compliance finding on a device.
type Violation struct {
	Code       string    `json:"code"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

type SecurityState struct {
	Encrypted       bool        `json:"encrypted"`
	PasscodeEnabled bool        `json:"passcode_enabled"`
	Biometric       bool        `json:"biometric"`
	Jailbroken      bool        `json:"jailbroken"`
	Rooted          bool        `json:"rooted"`
	ComplianceScore int         `json:"compliance_score"`
	Violations      []Violation `json:"violations,omitempty"`
	LastScanAt      *time.Time  `json:"last_scan_at,omitempty"`
}

type InstalledApp struct {
	BundleID    string    `json:"bundle_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}

// DeviceConfig holds the per-device toggles pushed by administrators.
type DeviceConfig struct {
	OfflineMode         bool           `json:"offline_mode"`
	LocationTracking    bool           `json:"location_tracking"`
	CameraAccess        bool           `json:"camera_access"`
	RemoteWipeEnabled   bool           `json:"remote_wipe_enabled"`
	AutoSync            bool           `json:"auto_sync"`
	SyncInterval        time.Duration  `json:"sync_interval"`
	LocationInterval    time.Duration  `json:"location_interval"`
	EncryptOfflineData  bool           `json:"encrypt_offline_data"`
	CompressOfflineData bool           `json:"compress_offline_data"`
	StorageQuotaBytes   int64          `json:"storage_quota_bytes"`
	ConflictPolicy      ConflictPolicy `json:"conflict_policy"`
	OfflineDataTypes    []DataType     `json:"offline_data_types,omitempty"`
	Pinned              []EntityRef    `json:"pinned,omitempty"`
}

// DefaultDeviceConfig is seeded onto every newly registered device.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		OfflineMode:         true,
		LocationTracking:    true,
		CameraAccess:        true,
		RemoteWipeEnabled:   true,
		AutoSync:            true,
		SyncInterval:        15 * time.Minute,
		LocationInterval:    5 * time.Minute,
		EncryptOfflineData:  false,
		CompressOfflineData: true,
		StorageQuotaBytes:   512 << 20,
		ConflictPolicy:      PolicyLatestTimestamp,
	}
}

// WantsDataType reports whether the device caches records of dt offline.
// An empty list means every data type.
func (c DeviceConfig) WantsDataType(dt DataType) bool {
	if len(c.OfflineDataTypes) == 0 {
		return true
	}
	for _, v := range c.OfflineDataTypes {
		if v == dt {
			return true
		}
	}
	return false
}

// DataTypeSyncState summarizes queue state for one data type on a device.
type DataTypeSyncState struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	Status     string     `json:"status"`
}

type SyncStatus struct {
	LastFullSync       *time.Time                     `json:"last_full_sync,omitempty"`
	LastDeltaSync      *time.Time                     `json:"last_delta_sync,omitempty"`
	InProgress         bool                           `json:"in_progress"`
	PendingOperations  int                            `json:"pending_operations"`
	FailedOperations   int                            `json:"failed_operations"`
	ConflictOperations int                            `json:"conflict_operations"`
	DataTypes          map[DataType]DataTypeSyncState `json:"data_types"`
}

// Device is the registry record for one managed endpoint.
type Device struct {
	ID           string         `json:"id"`
	BusinessID   string         `json:"business_id"`
	EmployeeID   string         `json:"employee_id"`
	Name         string         `json:"name"`
	Type         DeviceType     `json:"type"`
	Status       DeviceStatus   `json:"status"`
	Info         DeviceInfo     `json:"info"`
	Specs        DeviceSpecs    `json:"specs"`
	Connectivity Connectivity   `json:"connectivity"`
	Performance  Performance    `json:"performance"`
	Location     *Location      `json:"location,omitempty"`
	Security     SecurityState  `json:"security"`
	Apps         []InstalledApp `json:"apps,omitempty"`
	Config       DeviceConfig   `json:"config"`
	SyncStatus   SyncStatus     `json:"sync_status"`
	RegisteredAt time.Time      `json:"registered_at"`
	ActivatedAt  *time.Time     `json:"activated_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AllowsOperation reports whether the device status permits op to run.
// Active and maintenance devices run everything; suspended, lost and stolen
// devices only run remote wipes.
func (d *Device) AllowsOperation(op *SyncOperation) bool {
	switch d.Status {
	case StatusActive, StatusMaintenance:
		return true
	case StatusSuspended, StatusLost, StatusStolen:
		return op.IsWipe()
	}
	return false
}
