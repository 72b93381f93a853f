package offlinekit

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint returns a deterministic hex digest of a value's canonical
// encoding. Identical values always produce identical fingerprints, which
// makes the digest usable for delta-sync comparison and cache keys.
func Fingerprint(value any) string {
	hash := sha256.Sum256(canonicalBytes(value))
	return fmt.Sprintf("%x", hash[:])
}

// canonicalBytes encodes a value deterministically. JSON encoding sorts map
// keys, so structurally equal values encode identically. Values that cannot
// be marshaled fall back to their Go-syntax representation.
func canonicalBytes(value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", value))
	}
	return data
}

// CallArgs captures the arguments of a tool call. Positional order is
// preserved; named arguments are fingerprinted in sorted key order so that
// identical calls hit the same cache entry regardless of construction order.
type CallArgs struct {
	Positional []any          `json:"positional,omitempty"`
	Named      map[string]any `json:"named,omitempty"`
}

// Args constructs CallArgs from positional arguments.
func Args(positional ...any) CallArgs {
	return CallArgs{Positional: positional}
}

// With returns a copy of the arguments with a named argument added.
func (a CallArgs) With(name string, value any) CallArgs {
	named := make(map[string]any, len(a.Named)+1)
	for k, v := range a.Named {
		named[k] = v
	}
	named[name] = value
	return CallArgs{Positional: a.Positional, Named: named}
}

// Fingerprint returns the cache key for this argument set.
func (a CallArgs) Fingerprint() string {
	var buf bytes.Buffer
	for i, v := range a.Positional {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.Write(canonicalBytes(v))
	}
	if len(a.Named) > 0 {
		keys := make([]string, 0, len(a.Named))
		for k := range a.Named {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteByte('|')
			buf.WriteString(k)
			buf.WriteByte('=')
			buf.Write(canonicalBytes(a.Named[k]))
		}
	}
	hash := sha256.Sum256(buf.Bytes())
	return fmt.Sprintf("%x", hash[:16])
}
