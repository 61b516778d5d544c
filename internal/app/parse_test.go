package app

import (
	"testing"

	"devsync/internal/devsync"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    devsync.EntityRef
		wantErr bool
	}{
		{in: "work_orders/work_order/wo-1", want: devsync.EntityRef{DataType: devsync.DataWorkOrders, EntityType: "work_order", EntityID: "wo-1"}},
		{in: "photos/photo/a/b.jpg", want: devsync.EntityRef{DataType: devsync.DataPhotos, EntityType: "photo", EntityID: "a/b.jpg"}},
		{in: "work_orders/work_order", wantErr: true},
		{in: "work_orders//wo-1", wantErr: true},
		{in: "recipes/recipe/r-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRef() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload(devsync.DataWorkOrders, `{"id":"wo-1","title":"Fix pump"}`)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	wo, ok := p.(*devsync.WorkOrder)
	if !ok || wo.Title != "Fix pump" {
		t.Errorf("ParsePayload() = %#v, want *WorkOrder titled Fix pump", p)
	}

	if p, err := ParsePayload(devsync.DataWorkOrders, ""); p != nil || err != nil {
		t.Errorf("ParsePayload(\"\") = %v, %v, want nil, nil", p, err)
	}
	if _, err := ParsePayload(devsync.DataWorkOrders, `{"id":`); err == nil {
		t.Error("ParsePayload(truncated) error = nil, want error")
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`"done"`, "done"},
		{`42`, float64(42)},
		{`true`, true},
		{`done`, "done"},
	}
	for _, tt := range tests {
		if got := ParseValue(tt.in); got != tt.want {
			t.Errorf("ParseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseStatusAndPolicy(t *testing.T) {
	if _, err := ParseStatus("active"); err != nil {
		t.Errorf("ParseStatus(active) error = %v", err)
	}
	if _, err := ParseStatus("asleep"); err == nil {
		t.Error("ParseStatus(asleep) error = nil, want error")
	}
	if p, err := ParsePolicy(""); err != nil || p != "" {
		t.Errorf("ParsePolicy(\"\") = %q, %v", p, err)
	}
	if _, err := ParsePolicy("coin_flip"); err == nil {
		t.Error("ParsePolicy(coin_flip) error = nil, want error")
	}
}
