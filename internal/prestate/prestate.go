// Package prestate captures redacted snapshots of remote resources
// before a write and evaluates declarative guard predicates against
// them with a small JSON-path walker.
package prestate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/model"
	"github.com/sintraprime/ger/internal/redact"
)

// Reader issues a GET-only live read against a resource path. The
// concrete implementation is an executor adapter
// (internal/executor/adapter); prestate capture never performs writes.
type Reader interface {
	Get(path string) (map[string]interface{}, error)
}

// Capture reads the declared prestate path (preferring
// NotionPathPrestate over NotionPath), redacts it, and returns the
// snapshot plus its fingerprint.
func Capture(r Reader, step model.Step, salt []byte) (snapshot map[string]interface{}, fingerprint string, err error) {
	path := step.NotionPathPrestate
	if path == "" {
		path = step.NotionPath
	}
	if path == "" {
		return nil, "", fmt.Errorf("prestate: step %s has no notion_path or notion_path_prestate", step.StepID)
	}

	raw, err := r.Get(path)
	if err != nil {
		return nil, "", fmt.Errorf("prestate: capture %s: %w", path, err)
	}

	redacted := redact.Fields(raw, salt, nil)
	fp, err := clock.Fingerprint(redacted)
	if err != nil {
		return nil, "", fmt.Errorf("prestate: fingerprint snapshot: %w", err)
	}
	return redacted, fp, nil
}

// FailedGuard names one guard predicate that did not hold.
type FailedGuard struct {
	Guard  model.Guard
	Reason string
}

// EvaluateGuards walks each guard's JSON path against snapshot and
// returns every guard that failed.
func EvaluateGuards(guards []model.Guard, snapshot map[string]interface{}) []FailedGuard {
	var failed []FailedGuard
	for _, g := range guards {
		ok, reason := evaluate(g, snapshot)
		if !ok {
			failed = append(failed, FailedGuard{Guard: g, Reason: reason})
		}
	}
	return failed
}

func evaluate(g model.Guard, snapshot map[string]interface{}) (bool, string) {
	value, present := lookup(snapshot, g.Path)

	switch g.Op {
	case "exists":
		return present, "field does not exist"
	case "absent":
		return !present, "field exists"
	case "eq":
		return present && equal(value, g.Value), "not equal"
	case "ne":
		return !present || !equal(value, g.Value), "equal"
	case "lt", "le", "gt", "ge":
		if !present {
			return false, "field does not exist"
		}
		return compare(g.Op, value, g.Value)
	case "in":
		list, ok := g.Value.([]interface{})
		if !ok || !present {
			return false, "field does not exist or value is not a list"
		}
		for _, v := range list {
			if equal(value, v) {
				return true, ""
			}
		}
		return false, "value not in list"
	default:
		return false, "unknown operator " + g.Op
	}
}

// lookup walks a dotted JSON path ("a.b.c") through nested
// maps/slices. Numeric path segments index into slices.
func lookup(root map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, true
	}
	var cur interface{} = root
	for _, part := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]interface{}:
			v, ok := t[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compare(op string, a, b interface{}) (bool, string) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, "non-numeric comparison"
	}
	switch op {
	case "lt":
		return af < bf, "not less than"
	case "le":
		return af <= bf, "not less than or equal"
	case "gt":
		return af > bf, "not greater than"
	case "ge":
		return af >= bf, "not greater than or equal"
	}
	return false, "unknown operator"
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
