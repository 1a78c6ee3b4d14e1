package delta

import (
	"reflect"
	"sort"
)

// PropertyOpType discriminates property operations.
type PropertyOpType string

const (
	// PropertyOpSet binds a value to a key.
	PropertyOpSet PropertyOpType = "setProperty"
	// PropertyOpDelete removes a key if present.
	PropertyOpDelete PropertyOpType = "deleteProperty"
)

// PropertyOp is a single operation of a property delta.
type PropertyOp struct {
	Type  PropertyOpType `json:"type"`
	Key   string         `json:"key"`
	Value interface{}    `json:"value,omitempty"`
}

func (op PropertyOp) validate() error {
	if op.Key == "" {
		return badValuef("property op requires a key")
	}
	switch op.Type {
	case PropertyOpSet, PropertyOpDelete:
		return nil
	}
	return badValuef("unknown property op type %q", op.Type)
}

func (op PropertyOp) equals(other PropertyOp) bool {
	return op.Type == other.Type && op.Key == other.Key &&
		reflect.DeepEqual(op.Value, other.Value)
}

// SetProperty returns a setProperty op.
func SetProperty(key string, value interface{}) PropertyOp {
	return PropertyOp{Type: PropertyOpSet, Key: key, Value: value}
}

// DeleteProperty returns a deleteProperty op.
func DeleteProperty(key string) PropertyOp {
	return PropertyOp{Type: PropertyOpDelete, Key: key}
}

// PropertyDelta is a sequence of property operations.
type PropertyDelta struct {
	ops []PropertyOp
}

// NewPropertyDelta builds a property delta after validating every op.
func NewPropertyDelta(ops ...PropertyOp) (*PropertyDelta, error) {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	out := make([]PropertyOp, len(ops))
	copy(out, ops)
	return &PropertyDelta{ops: out}, nil
}

// MustPropertyDelta is NewPropertyDelta that panics on invalid ops.
func MustPropertyDelta(ops ...PropertyOp) *PropertyDelta {
	d, err := NewPropertyDelta(ops...)
	if err != nil {
		panic(err)
	}
	return d
}

// Ops returns a copy of the operation list.
func (d *PropertyDelta) Ops() []PropertyOp {
	out := make([]PropertyOp, len(d.ops))
	copy(out, d.ops)
	return out
}

// Kind implements Delta.
func (d *PropertyDelta) Kind() Kind { return KindProperty }

// IsEmpty implements Delta.
func (d *PropertyDelta) IsEmpty() bool { return len(d.ops) == 0 }

// IsDocument implements Delta. Document form is setProperty ops only, with
// unique keys.
func (d *PropertyDelta) IsDocument() bool {
	seen := make(map[string]bool, len(d.ops))
	for _, op := range d.ops {
		if op.Type != PropertyOpSet || seen[op.Key] {
			return false
		}
		seen[op.Key] = true
	}
	return true
}

// Equals implements Delta.
func (d *PropertyDelta) Equals(other Delta) bool {
	o, ok := other.(*PropertyDelta)
	if !ok || len(d.ops) != len(o.ops) {
		return false
	}
	for i, op := range d.ops {
		if !op.equals(o.ops[i]) {
			return false
		}
	}
	return true
}

// Properties returns the key/value map of a document-form delta.
func (d *PropertyDelta) Properties() (map[string]interface{}, error) {
	if !d.IsDocument() {
		return nil, badValuef("properties requires a document-form property delta")
	}
	out := make(map[string]interface{}, len(d.ops))
	for _, op := range d.ops {
		out[op.Key] = op.Value
	}
	return out, nil
}

// Compose implements Delta for the property payload: the last op per key
// wins. In document form, deletes fall away entirely.
func (d *PropertyDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	o, ok := other.(*PropertyDelta)
	if !ok {
		return nil, ErrKindMismatch
	}
	final := make(map[string]PropertyOp)
	for _, op := range d.ops {
		final[op.Key] = op
	}
	for _, op := range o.ops {
		final[op.Key] = op
	}
	keys := make([]string, 0, len(final))
	for k := range final {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &PropertyDelta{}
	for _, k := range keys {
		op := final[k]
		if op.Type == PropertyOpDelete && wantDocument {
			continue
		}
		out.ops = append(out.ops, op)
	}
	return out, nil
}

// Transform implements Delta for the property payload. Conflicts are keyed
// by property key; other's op survives only when aFirst is true.
func (d *PropertyDelta) Transform(other Delta, aFirst bool) (Delta, error) {
	o, ok := other.(*PropertyDelta)
	if !ok {
		return nil, ErrKindMismatch
	}
	touched := make(map[string]bool, len(d.ops))
	for _, op := range d.ops {
		touched[op.Key] = true
	}
	out := &PropertyDelta{}
	for _, op := range o.ops {
		if touched[op.Key] && !aFirst {
			continue
		}
		out.ops = append(out.ops, op)
	}
	return out, nil
}
