package compliance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"devsync/internal/devsync"
)

func secureDevice(platform, osVersion string) *devsync.Device {
	return &devsync.Device{
		ID:   "dev-1",
		Info: devsync.DeviceInfo{Platform: platform, OSVersion: osVersion, AppVersion: "3.2.0"},
		Security: devsync.SecurityState{
			Encrypted:       true,
			PasscodeEnabled: true,
			Biometric:       true,
		},
	}
}

func violationCodes(res devsync.ComplianceResult) []string {
	codes := make([]string, len(res.Violations))
	for i, v := range res.Violations {
		codes[i] = v.Code
	}
	return codes
}

func TestDefaultPolicy_Evaluate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		device    func() *devsync.Device
		wantScore int
		wantCodes []string
	}{
		{
			name:      "fully compliant ios device",
			device:    func() *devsync.Device { return secureDevice("ios", "17.2") },
			wantScore: 100,
		},
		{
			name: "unencrypted without passcode",
			device: func() *devsync.Device {
				d := secureDevice("android", "14")
				d.Security.Encrypted = false
				d.Security.PasscodeEnabled = false
				return d
			},
			wantScore: 50,
			wantCodes: []string{"storage_not_encrypted", "no_passcode"},
		},
		{
			name: "rooted android",
			device: func() *devsync.Device {
				d := secureDevice("Android", "13")
				d.Security.Rooted = true
				return d
			},
			wantScore: 60,
			wantCodes: []string{"rooted"},
		},
		{
			name: "jailbreak flag ignored on android",
			device: func() *devsync.Device {
				d := secureDevice("android", "13")
				d.Security.Jailbroken = true
				return d
			},
			wantScore: 100,
		},
		{
			name:      "outdated ios",
			device:    func() *devsync.Device { return secureDevice("ios", "15.7.9") },
			wantScore: 85,
			wantCodes: []string{"os_outdated"},
		},
		{
			name: "outdated app and unknown os version",
			device: func() *devsync.Device {
				d := secureDevice("ios", "")
				d.Info.AppVersion = "2.9.14"
				return d
			},
			wantScore: 75,
			wantCodes: []string{"os_outdated", "app_outdated"},
		},
		{
			name: "platform without os minimum passes",
			device: func() *devsync.Device {
				return secureDevice("windows", "10")
			},
			wantScore: 100,
		},
		{
			name: "score floors at zero",
			device: func() *devsync.Device {
				d := secureDevice("ios", "12.0")
				d.Info.AppVersion = "1.0"
				d.Security = devsync.SecurityState{Jailbroken: true}
				return d
			},
			wantScore: 0,
			wantCodes: []string{"storage_not_encrypted", "no_passcode", "jailbroken", "no_biometric", "os_outdated", "app_outdated"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Evaluate(tt.device())
			if res.Score != tt.wantScore {
				t.Errorf("Score = %d, want %d", res.Score, tt.wantScore)
			}
			if got := strings.Join(violationCodes(res), ","); got != strings.Join(tt.wantCodes, ",") {
				t.Errorf("violations = %s, want %s", got, strings.Join(tt.wantCodes, ","))
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"malformed", "rules: [", "decode"},
		{"missing code", "rules:\n  - check: encrypted\n", "code is required"},
		{"duplicate code", "rules:\n  - {code: a, check: encrypted}\n  - {code: a, check: passcode}\n", "duplicate"},
		{"unknown check", "rules:\n  - {code: a, check: battery}\n", "unknown check"},
		{"version without minimum", "rules:\n  - {code: a, check: min_os_version}\n", "min_version"},
		{"negative penalty", "rules:\n  - {code: a, check: encrypted, penalty: -5}\n", "penalty"},
		{"base score too high", "base_score: 150\n", "base_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Run("empty path uses built-in policy", func(t *testing.T) {
		p, err := LoadPolicy("")
		if err != nil {
			t.Fatalf("LoadPolicy() error = %v", err)
		}
		if len(p.Rules) != len(DefaultPolicy().Rules) {
			t.Errorf("LoadPolicy(\"\") has %d rules, want the built-in %d", len(p.Rules), len(DefaultPolicy().Rules))
		}
	})

	t.Run("reads custom policy", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		data := "base_score: 90\nrules:\n  - code: needs_passcode\n    check: passcode\n    severity: high\n    penalty: 50\n    message: set a passcode\n"
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		p, err := LoadPolicy(path)
		if err != nil {
			t.Fatalf("LoadPolicy() error = %v", err)
		}
		res := p.Evaluate(&devsync.Device{})
		if res.Score != 40 {
			t.Errorf("Score = %d, want 40", res.Score)
		}
		if len(res.Violations) != 1 || res.Violations[0].Severity != "high" {
			t.Errorf("Violations = %+v, want one high violation", res.Violations)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadPolicy("/nonexistent/policy.yaml"); err == nil {
			t.Error("LoadPolicy() expected error for missing file")
		}
	})
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"16.0", "16", 0},
		{"16.4.1", "16.4", 1},
		{"9.3", "12", -1},
		{"3.0.0-beta", "3.0.0", 0},
		{"10", "9.9.9", 1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
