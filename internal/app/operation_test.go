package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewInvocation(t *testing.T) {
	start := time.Date(2024, 3, 5, 7, 9, 11, 0, time.UTC)
	inv := NewInvocation("sync drain", start)

	if inv.ID != "20240305T070911Z" {
		t.Errorf("ID = %q, want %q", inv.ID, "20240305T070911Z")
	}
	if inv.Command != "sync drain" {
		t.Errorf("Command = %q, want %q", inv.Command, "sync drain")
	}
	if inv.Finished() || inv.Duration() != 0 {
		t.Errorf("new invocation reports finished (status %q)", inv.Status)
	}
}

func TestInvocation_Finish(t *testing.T) {
	start := time.Date(2024, 3, 5, 7, 9, 11, 0, time.UTC)

	tests := []struct {
		name       string
		err        error
		wantStatus string
		wantError  string
	}{
		{name: "success", wantStatus: "success"},
		{name: "error", err: errors.New("remote unavailable"), wantStatus: "error", wantError: "remote unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewInvocation("device wipe", start)
			inv.Finish(start.Add(1500*time.Millisecond), tt.err)

			if inv.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", inv.Status, tt.wantStatus)
			}
			if inv.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", inv.Error, tt.wantError)
			}
			if !inv.Finished() {
				t.Error("Finished() = false after Finish")
			}
			if inv.Duration() != 1500*time.Millisecond {
				t.Errorf("Duration() = %v, want 1.5s", inv.Duration())
			}
		})
	}
}
