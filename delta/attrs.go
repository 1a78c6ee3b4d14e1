package delta

import "reflect"

// AttrMap is an attribute map attached to a body operation. A nil value for a
// key means "remove this attribute"; nil values only survive in edit deltas,
// never in document form.
type AttrMap map[string]interface{}

// Clone returns a copy of the map. Cloning nil returns nil.
func (m AttrMap) Clone() AttrMap {
	if m == nil {
		return nil
	}
	out := make(AttrMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equals reports deep equality of two attribute maps. Nil and empty maps are
// considered equal.
func (m AttrMap) Equals(other AttrMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// composeAttrs merges b over a. When keepNil is false, keys whose final value
// is nil are dropped; document-form content never carries nil values.
func composeAttrs(a, b AttrMap, keepNil bool) AttrMap {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(AttrMap, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	if !keepNil {
		for k, v := range out {
			if v == nil {
				delete(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// transformAttrs rebases b's attribute assignments over a's. When the loser
// is b (bWins false), assignments to keys a already touched are dropped.
func transformAttrs(a, b AttrMap, bWins bool) AttrMap {
	if len(a) == 0 || bWins {
		return b.Clone()
	}
	if len(b) == 0 {
		return nil
	}
	out := make(AttrMap, len(b))
	for k, v := range b {
		if _, taken := a[k]; !taken {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
