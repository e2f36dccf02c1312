// Package clock provides monotonic ISO8601 timestamps and canonical
// JSON hashing. Time is injected through a small Clock interface so
// governor and decay behavior stays deterministic under test.
package clock

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sintraprime/ger/internal/invariant"
)

// Clock produces the current time. Production code uses System;
// tests use Frozen for determinism.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Frozen is a deterministic clock for tests.
type Frozen struct {
	T time.Time
}

// Now returns the frozen time.
func (f Frozen) Now() time.Time { return f.T }

// NowISO formats c.Now() as an ISO8601 UTC string with millisecond
// precision, e.g. "2026-07-31T14:02:03.123Z".
func NowISO(c Clock) string {
	invariant.NotNil(c, "clock")
	return c.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// StableJSON canonicalizes value into deterministic bytes: object keys
// sorted lexicographically, no insignificant whitespace, array order
// preserved. Fingerprinting and plan/receipt hashing all hash these
// bytes.
//
// value must already be (or decode to) plain JSON-compatible data:
// maps, slices, strings, numbers, bools, nil. The common path is to
// marshal a struct with encoding/json first and pass the result
// through CanonicalizeJSON, which re-decodes into map[string]any/[]any so
// key ordering can be normalized.
func StableJSON(value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("clock: marshal value: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-encodes raw JSON bytes with sorted object keys
// and no insignificant whitespace.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("clock: decode for canonicalization: %w", err)
	}
	var buf []byte
	buf, err := appendCanonical(buf, decoded)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, normalizeNumber(t)...), nil
	case string:
		encoded, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	case []interface{}:
		buf = append(buf, '[')
		for i, elem := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, encodedKey...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, t[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	default:
		return nil, fmt.Errorf("clock: unsupported type %T in canonical JSON", v)
	}
}

// normalizeNumber strips trailing zeros and redundant exponent
// formatting from a json.Number's textual representation while
// preserving its value.
func normalizeNumber(n json.Number) string {
	s := string(n)
	if !containsAny(s, ".eE") {
		return s
	}
	// Parse and re-render through strconv to collapse trailing zeros
	// and redundant exponent formatting while keeping it valid JSON.
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return trimFloat(f)
}

func containsAny(s string, chars string) bool {
	for _, c := range chars {
		for _, sc := range s {
			if sc == c {
				return true
			}
		}
	}
	return false
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes sha256_hex(stable_json(value)).
func Fingerprint(value interface{}) (string, error) {
	b, err := StableJSON(value)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}
