// Package limits normalizes passport limits into one per-capability view.
//
// Passports store limits either nested (limits.payments.charge.currency_limits)
// or flattened (limits["payments.charge"].currency_limits). Both shapes resolve
// to the same View. When a key appears in both, the nested value wins. The
// capability's params sit underneath the limits, so limits win on conflict.
package limits

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/upb/oap-policy-engine/models"
)

// View is the resolved, read-only limits object for one capability
type View struct {
	capability string
	values     map[string]interface{}
}

// Resolve builds the limits view for capability from the passport
func Resolve(p *models.Passport, capability string) View {
	merged := make(map[string]interface{})
	if p == nil {
		return View{capability: capability, values: merged}
	}

	if c, ok := p.Capability(capability); ok {
		mergeInto(merged, c.Params)
	}
	if flat, ok := p.Limits[capability].(map[string]interface{}); ok {
		mergeInto(merged, flat)
	}
	if nested, ok := lookupPath(p.Limits, strings.Split(capability, ".")); ok {
		if m, ok := nested.(map[string]interface{}); ok {
			mergeInto(merged, m)
		}
	}

	return View{capability: capability, values: merged}
}

// FromMap wraps an already resolved limits map
func FromMap(capability string, values map[string]interface{}) View {
	if values == nil {
		values = make(map[string]interface{})
	}
	return View{capability: capability, values: values}
}

// mergeInto copies src over dst, descending into maps present on both sides
func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		sm, srcIsMap := v.(map[string]interface{})
		dm, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			merged := make(map[string]interface{}, len(dm)+len(sm))
			mergeInto(merged, dm)
			mergeInto(merged, sm)
			dst[k] = merged
			continue
		}
		if srcIsMap {
			cp := make(map[string]interface{}, len(sm))
			mergeInto(cp, sm)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

func lookupPath(m map[string]interface{}, segments []string) (interface{}, bool) {
	var cur interface{} = m
	for _, seg := range segments {
		cm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = cm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Capability returns the capability path the view was resolved for
func (v View) Capability() string {
	return v.capability
}

// Map returns the resolved limits
func (v View) Map() map[string]interface{} {
	return v.values
}

// Get returns the value at a dotted path
func (v View) Get(path string) (interface{}, bool) {
	if path == "" {
		return v.values, true
	}
	if val, ok := v.values[path]; ok {
		return val, true
	}
	return lookupPath(v.values, strings.Split(path, "."))
}

// Int64 returns the integer value at path
func (v View) Int64(path string) (int64, bool) {
	val, ok := v.Get(path)
	if !ok {
		return 0, false
	}
	return ToInt64(val)
}

// Strings returns the string list at path
func (v View) Strings(path string) ([]string, bool) {
	val, ok := v.Get(path)
	if !ok {
		return nil, false
	}
	return ToStrings(val)
}

// String returns the string at path
func (v View) String(path string) (string, bool) {
	val, ok := v.Get(path)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// ToInt64 converts JSON-decoded numbers to int64. Fractional values are rejected.
func ToInt64(val interface{}) (int64, bool) {
	switch n := val.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// ToStrings converts a JSON-decoded list of strings
func ToStrings(val interface{}) ([]string, bool) {
	switch list := val.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
