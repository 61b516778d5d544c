package devsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ConflictPolicy decides the winning value of a conflicting field.
type ConflictPolicy string

const (
	PolicyClientWins      ConflictPolicy = "client_wins"
	PolicyServerWins      ConflictPolicy = "server_wins"
	PolicyMerge           ConflictPolicy = "merge"
	PolicyManual          ConflictPolicy = "manual"
	PolicyLatestTimestamp ConflictPolicy = "latest_timestamp"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyClientWins, PolicyServerWins, PolicyMerge, PolicyManual, PolicyLatestTimestamp:
		return true
	}
	return false
}

const (
	WinnerClient = "client"
	WinnerServer = "server"
	WinnerMerged = "merged"
	WinnerManual = "manual"
)

// Detect compares the client's payload against the common ancestor and the
// server's current record. A field conflicts when both sides moved it away
// from the ancestor to different values. Only fields present in client are
// considered edits, and the timestamp field is never reported.
func Detect(original, client, server Record, clientAt, serverAt time.Time) []FieldConflict {
	var conflicts []FieldConflict
	for _, field := range sortedKeys(client) {
		if field == TimestampField {
			continue
		}
		o, c, s := original[field], client[field], server[field]
		if valuesEqual(c, o) || valuesEqual(s, o) || valuesEqual(c, s) {
			continue
		}
		conflicts = append(conflicts, FieldConflict{
			Field:    field,
			Original: o,
			Client:   c,
			Server:   s,
			ClientAt: clientAt,
			ServerAt: serverAt,
		})
	}
	return conflicts
}

// Resolve applies policy to c and returns the conflict with its resolution
// set. It depends only on its inputs. PolicyManual returns c unchanged.
func Resolve(c FieldConflict, policy ConflictPolicy) FieldConflict {
	switch policy {
	case PolicyClientWins:
		c.Resolution = &Resolution{Value: c.Client, Strategy: policy, Winner: WinnerClient}
	case PolicyServerWins:
		c.Resolution = &Resolution{Value: c.Server, Strategy: policy, Winner: WinnerServer}
	case PolicyLatestTimestamp:
		if c.ClientAt.After(c.ServerAt) {
			c.Resolution = &Resolution{Value: c.Client, Strategy: policy, Winner: WinnerClient}
		} else {
			c.Resolution = &Resolution{Value: c.Server, Strategy: policy, Winner: WinnerServer}
		}
	case PolicyMerge:
		v, warning := mergeValues(c.Original, c.Client, c.Server)
		c.Resolution = &Resolution{Value: v, Strategy: policy, Winner: WinnerMerged, Warning: warning}
	}
	return c
}

// mergeValues merges lists by order-preserving union and objects by a
// recursive three-way merge. A list that lost items on either side, and any
// other type, keeps the server value and returns a warning.
func mergeValues(original, client, server any) (any, string) {
	switch s := server.(type) {
	case []any:
		if c, ok := client.([]any); ok {
			o, _ := original.([]any)
			if removedFrom(o, c) || removedFrom(o, s) {
				return server, "list items were removed: server value kept"
			}
			out := append([]any{}, s...)
			for _, item := range c {
				if !containsValue(out, item) {
					out = append(out, item)
				}
			}
			return out, ""
		}
	case map[string]any:
		if c, ok := client.(map[string]any); ok {
			o, _ := original.(map[string]any)
			return mergeObjects(o, c, s)
		}
	}
	return server, fmt.Sprintf("no merge strategy for %s values: server value kept", typeName(server))
}

// removedFrom reports whether an item of original is missing from list.
func removedFrom(original, list []any) bool {
	for _, item := range original {
		if !containsValue(list, item) {
			return true
		}
	}
	return false
}

func mergeObjects(original, client, server map[string]any) (map[string]any, string) {
	keys := map[string]struct{}{}
	for k := range client {
		keys[k] = struct{}{}
	}
	for k := range server {
		keys[k] = struct{}{}
	}
	out := make(map[string]any, len(keys))
	var warnings []string
	for _, k := range sortedSet(keys) {
		o, c, s := original[k], client[k], server[k]
		var v any
		switch {
		case valuesEqual(c, s), valuesEqual(c, o):
			v = s
		case valuesEqual(s, o):
			v = c
		default:
			var w string
			v, w = mergeValues(o, c, s)
			if w != "" {
				warnings = append(warnings, k+": "+w)
			}
		}
		if v != nil {
			out[k] = v
		}
	}
	if len(warnings) > 0 {
		sort.Strings(warnings)
		return out, fmt.Sprintf("%v", warnings)
	}
	return out, ""
}

// MergeRecords builds the record to re-apply after a rejected write: the
// server record, plus the client's one-sided edits, plus the resolved value
// of every conflicting field.
func MergeRecords(original, client, server Record, conflicts []FieldConflict) Record {
	out := cloneRecord(server)
	if out == nil {
		out = Record{}
	}
	conflicting := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicting[c.Field] = true
	}
	for k, v := range client {
		if conflicting[k] || valuesEqual(v, original[k]) {
			continue
		}
		out[k] = v
	}
	for _, c := range conflicts {
		if c.Resolution != nil {
			out[c.Field] = c.Resolution.Value
		}
	}
	return cloneRecord(out)
}

// valuesEqual compares values by their canonical JSON form, so 1 and 1.0
// are equal and a missing key equals nil.
func valuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(r Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(s map[string]struct{}) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
