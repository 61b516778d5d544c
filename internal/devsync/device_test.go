package devsync

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DeviceStatus
		want     bool
	}{
		{StatusPendingActivation, StatusActive, true},
		{StatusActive, StatusSuspended, true},
		{StatusSuspended, StatusActive, true},
		{StatusActive, StatusMaintenance, true},
		{StatusActive, StatusActive, true},
		{StatusActive, StatusPendingActivation, false},
		{StatusLost, StatusActive, false},
		{StatusStolen, StatusSuspended, false},
		{StatusLost, StatusDecommissioned, true},
		{StatusStolen, StatusDecommissioned, true},
		{StatusDecommissioned, StatusActive, false},
		{StatusDecommissioned, StatusDecommissioned, true},
		{StatusActive, DeviceStatus("retired"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestClassifyDeviceType(t *testing.T) {
	tests := []struct {
		name  string
		info  DeviceInfo
		specs DeviceSpecs
		want  DeviceType
	}{
		{"iphone", DeviceInfo{Platform: "ios", Model: "iPhone 15"}, DeviceSpecs{}, TypeSmartphone},
		{"ipad", DeviceInfo{Platform: "ios", Model: "iPad Air"}, DeviceSpecs{}, TypeTablet},
		{"galaxy tab", DeviceInfo{Platform: "android", Model: "Galaxy Tab S9", Manufacturer: "Samsung"}, DeviceSpecs{}, TypeTablet},
		{"rugged beats tablet", DeviceInfo{Model: "Rugged Tablet X"}, DeviceSpecs{}, TypeRuggedTablet},
		{"toughbook", DeviceInfo{Model: "Toughbook G2", Manufacturer: "Panasonic"}, DeviceSpecs{}, TypeRuggedTablet},
		{"zebra scanner", DeviceInfo{Model: "TC52", Manufacturer: "Zebra"}, DeviceSpecs{}, TypeScanner},
		{"scanner feature", DeviceInfo{Model: "X1"}, DeviceSpecs{Features: []string{"barcode"}}, TypeScanner},
		{"clover terminal", DeviceInfo{Model: "Flex", Manufacturer: "Clover"}, DeviceSpecs{}, TypePOSTerminal},
		{"pos inside word does not match", DeviceInfo{Model: "Composer"}, DeviceSpecs{}, TypeSmartphone},
		{"unknown hardware", DeviceInfo{}, DeviceSpecs{}, TypeSmartphone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyDeviceType(tt.info, tt.specs); got != tt.want {
				t.Errorf("ClassifyDeviceType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDevice_AllowsOperation(t *testing.T) {
	upload := &SyncOperation{EntityType: "work_order"}
	wipe := &SyncOperation{EntityType: WipeEntityType}

	tests := []struct {
		status     DeviceStatus
		wantUpload bool
		wantWipe   bool
	}{
		{StatusActive, true, true},
		{StatusMaintenance, true, true},
		{StatusSuspended, false, true},
		{StatusLost, false, true},
		{StatusStolen, false, true},
		{StatusInactive, false, false},
		{StatusPendingActivation, false, false},
		{StatusDecommissioned, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			d := &Device{Status: tt.status}
			if got := d.AllowsOperation(upload); got != tt.wantUpload {
				t.Errorf("AllowsOperation(upload) = %v, want %v", got, tt.wantUpload)
			}
			if got := d.AllowsOperation(wipe); got != tt.wantWipe {
				t.Errorf("AllowsOperation(wipe) = %v, want %v", got, tt.wantWipe)
			}
		})
	}
}

func TestDeviceConfig_WantsDataType(t *testing.T) {
	all := DefaultDeviceConfig()
	if !all.WantsDataType(DataPhotos) {
		t.Error("empty OfflineDataTypes should want every data type")
	}

	some := DefaultDeviceConfig()
	some.OfflineDataTypes = []DataType{DataWorkOrders, DataCustomers}
	if !some.WantsDataType(DataCustomers) {
		t.Error("WantsDataType(customers) = false, want true")
	}
	if some.WantsDataType(DataPhotos) {
		t.Error("WantsDataType(photos) = true, want false")
	}
}
