// Package compliance scores device security snapshots against a YAML
// policy.
package compliance

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"devsync/internal/devsync"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Checks understood by a Rule.
const (
	CheckEncrypted     = "encrypted"
	CheckPasscode      = "passcode"
	CheckBiometric     = "biometric"
	CheckNotJailbroken = "not_jailbroken"
	CheckNotRooted     = "not_rooted"
	CheckMinOSVersion  = "min_os_version"
	CheckMinAppVersion = "min_app_version"
)

// Policy is a set of rules evaluated against a device.
type Policy struct {
	BaseScore int    `yaml:"base_score"`
	Rules     []Rule `yaml:"rules"`
}

// Rule fails when its check does not hold for a device.
//
// Platforms limits the rule to devices reporting one of the listed
// platforms; empty means every platform. MinVersion is keyed by platform,
// with "all" as the fallback, and is only read by the version checks.
type Rule struct {
	Code       string            `yaml:"code"`
	Check      string            `yaml:"check"`
	Severity   string            `yaml:"severity"`
	Penalty    int               `yaml:"penalty"`
	Message    string            `yaml:"message"`
	Platforms  []string          `yaml:"platforms,omitempty"`
	MinVersion map[string]string `yaml:"min_version,omitempty"`
}

var _ devsync.SecurityPolicy = (*Policy)(nil)

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p, err := Parse(defaultPolicy)
	if err != nil {
		panic("compliance: invalid built-in policy: " + err.Error())
	}
	return p
}

// LoadPolicy reads a policy file. An empty path returns DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading policy %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a YAML policy.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if p.BaseScore == 0 {
		p.BaseScore = 100
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) Validate() error {
	if p.BaseScore < 0 || p.BaseScore > 100 {
		return fmt.Errorf("base_score %d must be between 0 and 100", p.BaseScore)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r.Code == "" {
			return fmt.Errorf("rule %d: code is required", i)
		}
		if seen[r.Code] {
			return fmt.Errorf("rule %s: duplicate code", r.Code)
		}
		seen[r.Code] = true
		if r.Penalty < 0 {
			return fmt.Errorf("rule %s: penalty must not be negative", r.Code)
		}
		switch r.Check {
		case CheckEncrypted, CheckPasscode, CheckBiometric, CheckNotJailbroken, CheckNotRooted:
		case CheckMinOSVersion, CheckMinAppVersion:
			if len(r.MinVersion) == 0 {
				return fmt.Errorf("rule %s: min_version required for %s", r.Code, r.Check)
			}
		default:
			return fmt.Errorf("rule %s: unknown check %q", r.Code, r.Check)
		}
	}
	return nil
}

// Evaluate scores d. The score never drops below zero.
func (p *Policy) Evaluate(d *devsync.Device) devsync.ComplianceResult {
	res := devsync.ComplianceResult{Score: p.BaseScore}
	platform := strings.ToLower(d.Info.Platform)
	for _, r := range p.Rules {
		if !r.appliesTo(platform) || r.passes(d, platform) {
			continue
		}
		res.Score -= r.Penalty
		res.Violations = append(res.Violations, devsync.Violation{
			Code:     r.Code,
			Severity: r.Severity,
			Message:  r.Message,
		})
	}
	if res.Score < 0 {
		res.Score = 0
	}
	return res
}

func (r Rule) appliesTo(platform string) bool {
	if len(r.Platforms) == 0 {
		return true
	}
	for _, p := range r.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

func (r Rule) passes(d *devsync.Device, platform string) bool {
	s := d.Security
	switch r.Check {
	case CheckEncrypted:
		return s.Encrypted
	case CheckPasscode:
		return s.PasscodeEnabled
	case CheckBiometric:
		return s.Biometric
	case CheckNotJailbroken:
		return !s.Jailbroken
	case CheckNotRooted:
		return !s.Rooted
	case CheckMinOSVersion:
		return r.meetsMinimum(d.Info.OSVersion, platform)
	case CheckMinAppVersion:
		return r.meetsMinimum(d.Info.AppVersion, platform)
	}
	return true
}

// meetsMinimum reports whether version is at least the minimum configured
// for platform. A platform without a minimum passes; an unknown version
// fails.
func (r Rule) meetsMinimum(version, platform string) bool {
	minimum, ok := r.MinVersion[platform]
	if !ok {
		minimum, ok = r.MinVersion["all"]
	}
	if !ok {
		return true
	}
	if version == "" {
		return false
	}
	return compareVersions(version, minimum) >= 0
}

// compareVersions compares dotted numeric versions ("16.4.1"). Missing
// components count as zero and non-numeric suffixes are ignored.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x = leadingInt(as[i])
		}
		if i < len(bs) {
			y = leadingInt(bs[i])
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
