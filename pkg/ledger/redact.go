package ledger

import (
	"sort"
	"strings"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// Mask replaces redacted values in read projections.
const Mask = "[REDACTED]"

// Redactor masks sensitive fields of an event's detail payload at query time.
// Masks are JSON-pointer paths into LedgerEvent.Detail, configured per scope.
// The stored canonical payload is never touched; changing the mask set only
// changes what future reads project.
type Redactor struct {
	// scope -> sorted JSON-pointer paths, e.g. "/payload/account_number".
	paths map[string][]string
}

// NewRedactor builds a redactor from per-scope pointer lists. Paths are
// sorted so every reader of equal privilege sees an identical projection.
func NewRedactor(perScope map[string][]string) *Redactor {
	paths := make(map[string][]string, len(perScope))
	for scope, ps := range perScope {
		cp := append([]string{}, ps...)
		sort.Strings(cp)
		paths[scope] = cp
	}
	return &Redactor{paths: paths}
}

// Redact returns a masked copy of the entry for non-privileged readers. The
// original entry is not modified.
func (r *Redactor) Redact(entry contracts.LedgerEntry) contracts.LedgerEntry {
	if r == nil {
		return entry
	}
	ps := r.paths[entry.Event.Scope]
	if len(ps) == 0 {
		return entry
	}

	out := entry
	out.Event.Detail = deepCopy(entry.Event.Detail)
	var applied []string
	for _, p := range ps {
		if maskPointer(out.Event.Detail, p) {
			applied = append(applied, p)
		}
	}
	out.RedactedFields = applied
	return out
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = deepCopy(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// maskPointer masks the value at a JSON-pointer path, reporting whether the
// path existed. Only object traversal is supported; array indices are not
// governed fields.
func maskPointer(m map[string]any, pointer string) bool {
	if m == nil || !strings.HasPrefix(pointer, "/") {
		return false
	}
	parts := strings.Split(pointer[1:], "/")
	cur := m
	for i, raw := range parts {
		key := strings.ReplaceAll(strings.ReplaceAll(raw, "~1", "/"), "~0", "~")
		if i == len(parts)-1 {
			if _, ok := cur[key]; !ok {
				return false
			}
			cur[key] = Mask
			return true
		}
		next, ok := cur[key].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}
