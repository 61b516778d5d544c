package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"devsync/internal/devsync"
)

// ParseRef parses "data_type/entity_type/entity_id".
func ParseRef(s string) (devsync.EntityRef, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return devsync.EntityRef{}, fmt.Errorf("invalid record reference %q: want data_type/entity_type/entity_id", s)
	}
	dt := devsync.DataType(parts[0])
	if !dt.Valid() {
		return devsync.EntityRef{}, fmt.Errorf("invalid record reference %q: unknown data type %q", s, parts[0])
	}
	return devsync.EntityRef{DataType: dt, EntityType: parts[1], EntityID: parts[2]}, nil
}

// ParseRecord decodes a JSON object. An empty string is a nil record.
func ParseRecord(raw string) (devsync.Record, error) {
	if raw == "" {
		return nil, nil
	}
	var r devsync.Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("parsing record JSON: %w", err)
	}
	return r, nil
}

// ParsePayload decodes a JSON object into the payload variant of dt. An
// empty string is a nil payload.
func ParsePayload(dt devsync.DataType, raw string) (devsync.Payload, error) {
	r, err := ParseRecord(raw)
	if err != nil || r == nil {
		return nil, err
	}
	return devsync.DecodePayload(dt, r)
}

// ParseValue decodes a JSON value for manual conflict resolution. Input that
// is not valid JSON is taken as a plain string.
func ParseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func ParseStatus(s string) (devsync.DeviceStatus, error) {
	st := devsync.DeviceStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown device status %q", s)
	}
	return st, nil
}

// ParsePolicy accepts an empty string as "no override".
func ParsePolicy(s string) (devsync.ConflictPolicy, error) {
	p := devsync.ConflictPolicy(s)
	if s != "" && !p.Valid() {
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
	return p, nil
}
