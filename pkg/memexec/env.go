package memexec

import (
	"sort"
	"strings"
)

// Env tracks a diff against the inherited environment: overrides, removals
// and clear-all. It never touches the ambient environment itself; the
// inherited snapshot is passed in at capture time so the core stays free of
// hidden global state.
type Env struct {
	clear       bool
	changedPath bool
	ops         map[string]envOp
}

type envOp struct {
	value string
	unset bool
}

// Set records an override for key.
func (e *Env) Set(key, value string) {
	if e.ops == nil {
		e.ops = make(map[string]envOp)
	}
	e.ops[key] = envOp{value: value}
	e.notePath(key)
}

// Remove records a removal of key from the child's environment.
func (e *Env) Remove(key string) {
	if e.clear {
		delete(e.ops, key)
	} else {
		if e.ops == nil {
			e.ops = make(map[string]envOp)
		}
		e.ops[key] = envOp{unset: true}
	}
	e.notePath(key)
}

// Clear discards the inherited environment entirely; only keys Set after
// this call reach the child.
func (e *Env) Clear() {
	e.clear = true
	e.ops = make(map[string]envOp)
}

// HaveChangedPath reports whether the effective value of PATH may differ
// from the inherited one.
func (e *Env) HaveChangedPath() bool {
	return e.changedPath || e.clear
}

func (e *Env) notePath(key string) {
	if key == "PATH" {
		e.changedPath = true
	}
}

// CaptureIfChanged applies the diff to the inherited snapshot and returns
// the resulting map. It returns (nil, false) when the diff is empty, which
// signals the exec should simply inherit the ambient environment.
func (e *Env) CaptureIfChanged(inherited []string) (map[string]string, bool) {
	if !e.clear && len(e.ops) == 0 {
		return nil, false
	}
	out := make(map[string]string)
	if !e.clear {
		for _, kv := range inherited {
			if k, v, ok := strings.Cut(kv, "="); ok {
				out[k] = v
			}
		}
	}
	for k, op := range e.ops {
		if op.unset {
			delete(out, k)
		} else {
			out[k] = op.value
		}
	}
	return out, true
}

// sortedKeys gives capture output a deterministic byte-lexicographic order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
