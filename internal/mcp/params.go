package mcp

import (
	"encoding/json"

	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

// params is the raw argument map with typed accessors. JSON numbers
// arrive as float64; accessors convert and return zero values for
// absent or mistyped keys.
type params map[string]any

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p params) str(key string) string {
	v, _ := p[key].(string)
	return v
}

// firstStr returns the first non-empty string among keys.
func (p params) firstStr(keys ...string) string {
	for _, k := range keys {
		if v := p.str(k); v != "" {
			return v
		}
	}
	return ""
}

func (p params) integer(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (p params) i64(key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (p params) f64(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (p params) boolean(key string) bool {
	v, _ := p[key].(bool)
	return v
}

func (p params) strs(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (p params) object(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

func (p params) action() string { return p.str("action") }

// Pointer accessors distinguish absent from zero for patch updates.

func (p params) strPtr(key string) *string {
	if !p.has(key) {
		return nil
	}
	v := p.str(key)
	return &v
}

func (p params) intPtr(key string) *int {
	if !p.has(key) {
		return nil
	}
	v := p.integer(key)
	return &v
}

func (p params) i64Ptr(key string) *int64 {
	if !p.has(key) {
		return nil
	}
	v := p.i64(key)
	return &v
}

func (p params) f64Ptr(key string) *float64 {
	if !p.has(key) {
		return nil
	}
	v := p.f64(key)
	return &v
}

func (p params) boolPtr(key string) *bool {
	if !p.has(key) {
		return nil
	}
	v := p.boolean(key)
	return &v
}

func (p params) strsPtr(key string) *[]string {
	if !p.has(key) {
		return nil
	}
	v := p.strs(key)
	if v == nil {
		v = []string{}
	}
	return &v
}

func (p params) objectPtr(key string) *map[string]any {
	if !p.has(key) {
		return nil
	}
	v := p.object(key)
	if v == nil {
		v = map[string]any{}
	}
	return &v
}

// decode round-trips the argument map into a typed request. Unknown
// keys are dropped by the unmarshal, so transport extras like agentId
// never reach the services.
func decode(p params, dst any) error {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return memerr.Validation("arguments are not serializable")
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return memerr.Validationf("malformed arguments: %v", err)
	}
	return nil
}

// scopeOf resolves the target scope: an explicit scope object wins,
// then the (possibly enriched) projectId, then global.
func scopeOf(p params) store.Scope {
	if o := p.object("scope"); o != nil {
		sc := store.Scope{}
		sc.Type, _ = o["type"].(string)
		sc.ID, _ = o["id"].(string)
		if sc.Type != "" {
			return sc
		}
	}
	if pid := p.str("projectId"); pid != "" {
		return store.Scope{Type: store.ScopeProject, ID: pid}
	}
	return store.GlobalScope()
}

// hasScope reports whether the caller named a scope at all, explicitly
// or through an enriched projectId. List actions stay unscoped without
// one.
func (p params) hasScope() bool {
	return p.object("scope") != nil || p.str("projectId") != ""
}

// requireWriteAgent enforces the write precondition: anything narrower
// than global needs a caller identity.
func requireWriteAgent(sc store.Scope, agentID string) error {
	if sc.Type != "" && sc.Type != store.ScopeGlobal && agentID == "" {
		return memerr.PermissionDenied("non-global writes require an agentId")
	}
	return nil
}

// requireAgent is the same precondition for journal writes, which are
// always session-bound.
func requireAgent(agentID, what string) error {
	if agentID == "" {
		return memerr.PermissionDenied(what + " writes require an agentId")
	}
	return nil
}
