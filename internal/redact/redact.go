// Package redact performs field-level redaction of prestate snapshots
// and audit-export bundles. A per-run salt is derived via HKDF from a
// root key that is never used directly, and a field-path redactor
// walks nested JSON looking for matches; prestate snapshots are
// structured JSON, not free-text output, so a flat string-replace
// scrubber would miss nested secrets.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// DefaultRedactedFields are field names (matched case-insensitively,
// at any depth) redacted by default when no explicit policy is
// supplied.
var DefaultRedactedFields = map[string]bool{
	"password":     true,
	"secret":       true,
	"token":        true,
	"api_key":      true,
	"apikey":       true,
	"authorization": true,
	"ssn":          true,
	"credit_card":  true,
}

// Salt derives a stable per-run redaction salt from a root key and an
// execution_id via HKDF-SHA256, so placeholders are stable within one
// run's export bundle without the root key ever leaving this
// function.
func Salt(rootKey []byte, executionID string) ([]byte, error) {
	r := hkdf.New(sha256.New, rootKey, []byte(executionID), []byte("ger-redact-v1"))
	out := make([]byte, 16)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Placeholder returns a deterministic, non-reversible placeholder for
// value given a per-run salt.
func Placeholder(salt []byte, value string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return "ger:redacted:" + hex.EncodeToString(sum[:8])
}

// Fields returns a copy of snapshot with every key in policy (default
// DefaultRedactedFields when policy is nil) replaced by a deterministic
// placeholder, at any nesting depth, in maps and slices.
func Fields(snapshot map[string]interface{}, salt []byte, policy map[string]bool) map[string]interface{} {
	if policy == nil {
		policy = DefaultRedactedFields
	}
	out, _ := walk(snapshot, salt, policy).(map[string]interface{})
	return out
}

func walk(v interface{}, salt []byte, policy map[string]bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if policy[strings.ToLower(k)] {
				out[k] = Placeholder(salt, toString(val))
				continue
			}
			out[k] = walk(val, salt, policy)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = walk(val, salt, policy)
		}
		return out
	default:
		return v
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}
