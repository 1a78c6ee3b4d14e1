package apiframe

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sfescape/bayou/delta"
)

// EncodeFunc flattens a registered value into its constructor arguments.
// Nested registered values may be returned raw; the codec encodes them
// recursively.
type EncodeFunc func(value interface{}) ([]interface{}, error)

// DecodeFunc rebuilds a value from constructor arguments. Nested registered
// values arrive already decoded.
type DecodeFunc func(args []interface{}) (interface{}, error)

// MatchFunc reports whether a value belongs to the registered name.
type MatchFunc func(value interface{}) bool

type codecEntry struct {
	name   string
	match  MatchFunc
	encode EncodeFunc
	decode DecodeFunc
}

// Codec is a registry of named encodings. Registered values travel as
// {"<Name>": [...ctorArgs]} objects and are rebuilt by constructor dispatch
// on decode. Codecs are constructed once and injected; there is no global
// registry.
type Codec struct {
	byName  map[string]*codecEntry
	ordered []*codecEntry
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{byName: make(map[string]*codecEntry)}
}

// Register adds a named encoding. Registering a duplicate name is a caller
// bug and panics.
func (c *Codec) Register(name string, match MatchFunc, encode EncodeFunc, decode DecodeFunc) {
	if _, ok := c.byName[name]; ok {
		panic(fmt.Sprintf("codec name registered twice: %s", name))
	}
	entry := &codecEntry{name: name, match: match, encode: encode, decode: decode}
	c.byName[name] = entry
	c.ordered = append(c.ordered, entry)
}

// Encode converts a value into its JSON-ready form, wrapping registered
// values and recursing through maps and slices.
func (c *Codec) Encode(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	for _, entry := range c.ordered {
		if entry.match(value) {
			args, err := entry.encode(value)
			if err != nil {
				return nil, err
			}
			encoded := make([]interface{}, len(args))
			for i, arg := range args {
				e, err := c.Encode(arg)
				if err != nil {
					return nil, err
				}
				encoded[i] = e
			}
			return map[string]interface{}{entry.name: encoded}, nil
		}
	}
	switch v := value.(type) {
	case bool, string, float64, float32, int, int64, int32, json.Number:
		return v, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			e, err := c.Encode(item)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			e, err := c.Encode(item)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot encode value of type %T", ErrBadValue, value)
}

// Decode converts a JSON-shaped tree back into values, rebuilding
// registered wrappers bottom-up.
func (c *Codec) Decode(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 1 {
			for name, raw := range v {
				entry, ok := c.byName[name]
				if !ok {
					break
				}
				args, ok := raw.([]interface{})
				if !ok {
					return nil, fmt.Errorf("%w: constructor %s requires an argument array", ErrBadData, name)
				}
				decoded := make([]interface{}, len(args))
				for i, arg := range args {
					d, err := c.Decode(arg)
					if err != nil {
						return nil, err
					}
					decoded[i] = d
				}
				return entry.decode(decoded)
			}
		}
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			d, err := c.Decode(item)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			d, err := c.Decode(item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	}
	return value, nil
}

// Marshal encodes a value to JSON bytes.
func (c *Codec) Marshal(value interface{}) ([]byte, error) {
	encoded, err := c.Encode(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encoded)
}

// Unmarshal decodes JSON bytes back into a value.
func (c *Codec) Unmarshal(data []byte) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	return c.Decode(raw)
}

// StdCodec returns a codec with every document type registered: the three
// delta kinds, Change, Snapshot, Caret, CaretSnapshot, Timestamp, and
// RemoteError.
func StdCodec() *Codec {
	c := NewCodec()

	c.Register("Timestamp",
		func(v interface{}) bool { _, ok := v.(time.Time); return ok },
		func(v interface{}) ([]interface{}, error) {
			return []interface{}{v.(time.Time).UnixMilli()}, nil
		},
		func(args []interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: Timestamp takes one argument", ErrBadData)
			}
			millis, err := asInt64(args[0])
			if err != nil {
				return nil, err
			}
			return time.UnixMilli(millis).UTC(), nil
		})

	c.Register("BodyDelta",
		func(v interface{}) bool { _, ok := v.(*delta.BodyDelta); return ok },
		func(v interface{}) ([]interface{}, error) {
			ops := v.(*delta.BodyDelta).Ops()
			out := make([]interface{}, len(ops))
			for i, op := range ops {
				out[i] = encodeBodyOp(op)
			}
			return out, nil
		},
		func(args []interface{}) (interface{}, error) {
			ops := make([]delta.BodyOp, 0, len(args))
			for _, raw := range args {
				op, err := decodeBodyOp(raw)
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
			}
			d, err := delta.NewBodyDelta(ops...)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadData, err)
			}
			return d, nil
		})

	c.Register("Caret",
		func(v interface{}) bool { _, ok := v.(delta.Caret); return ok },
		func(v interface{}) ([]interface{}, error) {
			caret := v.(delta.Caret)
			return []interface{}{
				caret.SessionID, caret.AuthorID, caret.DocRevNum,
				caret.Index, caret.Length, caret.Color, caret.LastActive,
			}, nil
		},
		func(args []interface{}) (interface{}, error) {
			if len(args) != 7 {
				return nil, fmt.Errorf("%w: Caret takes seven arguments", ErrBadData)
			}
			sessionID, _ := args[0].(string)
			authorID, _ := args[1].(string)
			docRevNum, err := asInt(args[2])
			if err != nil {
				return nil, err
			}
			index, err := asInt(args[3])
			if err != nil {
				return nil, err
			}
			length, err := asInt(args[4])
			if err != nil {
				return nil, err
			}
			color, _ := args[5].(string)
			lastActive, ok := args[6].(time.Time)
			if !ok {
				return nil, fmt.Errorf("%w: Caret lastActive must be a Timestamp", ErrBadData)
			}
			caret := delta.Caret{
				SessionID: sessionID, AuthorID: authorID, DocRevNum: docRevNum,
				Index: index, Length: length, Color: color, LastActive: lastActive,
			}
			if err := caret.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadData, err)
			}
			return caret, nil
		})

	c.Register("CaretDelta",
		func(v interface{}) bool { _, ok := v.(*delta.CaretDelta); return ok },
		func(v interface{}) ([]interface{}, error) {
			ops := v.(*delta.CaretDelta).Ops()
			out := make([]interface{}, len(ops))
			for i, op := range ops {
				encoded := map[string]interface{}{"type": string(op.Type)}
				switch op.Type {
				case delta.CaretOpBegin:
					encoded["caret"] = *op.Caret
				case delta.CaretOpEnd:
					encoded["sessionId"] = op.SessionID
				case delta.CaretOpSetField:
					encoded["sessionId"] = op.SessionID
					encoded["key"] = op.Key
					encoded["value"] = op.Value
				}
				out[i] = encoded
			}
			return out, nil
		},
		func(args []interface{}) (interface{}, error) {
			ops := make([]delta.CaretOp, 0, len(args))
			for _, raw := range args {
				m, ok := raw.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%w: caret op must be an object", ErrBadData)
				}
				typ, _ := m["type"].(string)
				switch delta.CaretOpType(typ) {
				case delta.CaretOpBegin:
					caret, ok := m["caret"].(delta.Caret)
					if !ok {
						return nil, fmt.Errorf("%w: beginSession requires a Caret", ErrBadData)
					}
					ops = append(ops, delta.BeginSession(caret))
				case delta.CaretOpEnd:
					id, _ := m["sessionId"].(string)
					ops = append(ops, delta.EndSession(id))
				case delta.CaretOpSetField:
					id, _ := m["sessionId"].(string)
					key, _ := m["key"].(string)
					ops = append(ops, delta.SetCaretField(id, key, m["value"]))
				default:
					return nil, fmt.Errorf("%w: unknown caret op type %q", ErrBadData, typ)
				}
			}
			d, err := delta.NewCaretDelta(ops...)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadData, err)
			}
			return d, nil
		})

	c.Register("PropertyDelta",
		func(v interface{}) bool { _, ok := v.(*delta.PropertyDelta); return ok },
		func(v interface{}) ([]interface{}, error) {
			ops := v.(*delta.PropertyDelta).Ops()
			out := make([]interface{}, len(ops))
			for i, op := range ops {
				encoded := map[string]interface{}{"type": string(op.Type), "key": op.Key}
				if op.Type == delta.PropertyOpSet {
					encoded["value"] = op.Value
				}
				out[i] = encoded
			}
			return out, nil
		},
		func(args []interface{}) (interface{}, error) {
			ops := make([]delta.PropertyOp, 0, len(args))
			for _, raw := range args {
				m, ok := raw.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%w: property op must be an object", ErrBadData)
				}
				typ, _ := m["type"].(string)
				key, _ := m["key"].(string)
				switch delta.PropertyOpType(typ) {
				case delta.PropertyOpSet:
					ops = append(ops, delta.SetProperty(key, m["value"]))
				case delta.PropertyOpDelete:
					ops = append(ops, delta.DeleteProperty(key))
				default:
					return nil, fmt.Errorf("%w: unknown property op type %q", ErrBadData, typ)
				}
			}
			d, err := delta.NewPropertyDelta(ops...)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadData, err)
			}
			return d, nil
		})

	c.Register("Change",
		func(v interface{}) bool { _, ok := v.(delta.Change); return ok },
		func(v interface{}) ([]interface{}, error) {
			change := v.(delta.Change)
			var ts interface{}
			if !change.Timestamp.IsZero() {
				ts = change.Timestamp
			}
			var author interface{}
			if change.AuthorID != "" {
				author = change.AuthorID
			}
			return []interface{}{change.RevNum, change.Delta, ts, author}, nil
		},
		func(args []interface{}) (interface{}, error) {
			if len(args) != 4 {
				return nil, fmt.Errorf("%w: Change takes four arguments", ErrBadData)
			}
			revNum, err := asInt(args[0])
			if err != nil {
				return nil, err
			}
			d, ok := args[1].(delta.Delta)
			if !ok {
				return nil, fmt.Errorf("%w: Change delta has unexpected type %T", ErrBadData, args[1])
			}
			change := delta.Change{RevNum: revNum, Delta: d}
			if args[2] != nil {
				ts, ok := args[2].(time.Time)
				if !ok {
					return nil, fmt.Errorf("%w: Change timestamp must be a Timestamp", ErrBadData)
				}
				change.Timestamp = ts
			}
			if args[3] != nil {
				author, ok := args[3].(string)
				if !ok {
					return nil, fmt.Errorf("%w: Change author must be a string", ErrBadData)
				}
				change.AuthorID = author
			}
			return change, nil
		})

	c.Register("Snapshot",
		func(v interface{}) bool { _, ok := v.(delta.Snapshot); return ok },
		func(v interface{}) ([]interface{}, error) {
			snap := v.(delta.Snapshot)
			return []interface{}{snap.RevNum, snap.Contents}, nil
		},
		func(args []interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: Snapshot takes two arguments", ErrBadData)
			}
			revNum, err := asInt(args[0])
			if err != nil {
				return nil, err
			}
			contents, ok := args[1].(delta.Delta)
			if !ok {
				return nil, fmt.Errorf("%w: Snapshot contents has unexpected type %T", ErrBadData, args[1])
			}
			snap, err := delta.NewSnapshot(revNum, contents)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadData, err)
			}
			return snap, nil
		})

	c.Register("CaretSnapshot",
		func(v interface{}) bool { _, ok := v.(delta.CaretSnapshot); return ok },
		func(v interface{}) ([]interface{}, error) {
			snap := v.(delta.CaretSnapshot)
			carets := make([]interface{}, len(snap.Carets))
			for i, caret := range snap.Carets {
				carets[i] = caret
			}
			return []interface{}{snap.RevNum, carets}, nil
		},
		func(args []interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: CaretSnapshot takes two arguments", ErrBadData)
			}
			revNum, err := asInt(args[0])
			if err != nil {
				return nil, err
			}
			rawCarets, ok := args[1].([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: CaretSnapshot carets must be an array", ErrBadData)
			}
			carets := make([]delta.Caret, 0, len(rawCarets))
			for _, raw := range rawCarets {
				caret, ok := raw.(delta.Caret)
				if !ok {
					return nil, fmt.Errorf("%w: CaretSnapshot element has unexpected type %T", ErrBadData, raw)
				}
				carets = append(carets, caret)
			}
			sort.Slice(carets, func(i, j int) bool { return carets[i].SessionID < carets[j].SessionID })
			return delta.CaretSnapshot{RevNum: revNum, Carets: carets}, nil
		})

	c.Register("RemoteError",
		func(v interface{}) bool { _, ok := v.(*RemoteError); return ok },
		func(v interface{}) ([]interface{}, error) {
			remote := v.(*RemoteError)
			info := remote.Info
			if info == nil {
				info = map[string]interface{}{}
			}
			return []interface{}{remote.Name, info}, nil
		},
		func(args []interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: RemoteError takes two arguments", ErrBadData)
			}
			name, _ := args[0].(string)
			info, _ := args[1].(map[string]interface{})
			return &RemoteError{Name: name, Info: info}, nil
		})

	return c
}

func encodeBodyOp(op delta.BodyOp) map[string]interface{} {
	out := make(map[string]interface{}, 2)
	switch {
	case op.Insert != "":
		out["insert"] = op.Insert
	case op.Delete > 0:
		out["delete"] = op.Delete
	default:
		out["retain"] = op.Retain
	}
	if len(op.Attrs) > 0 {
		out["attributes"] = map[string]interface{}(op.Attrs)
	}
	return out
}

func decodeBodyOp(raw interface{}) (delta.BodyOp, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return delta.BodyOp{}, fmt.Errorf("%w: body op must be an object", ErrBadData)
	}
	var op delta.BodyOp
	if v, ok := m["insert"]; ok {
		s, ok := v.(string)
		if !ok {
			return delta.BodyOp{}, fmt.Errorf("%w: insert must be a string", ErrBadData)
		}
		op.Insert = s
	}
	if v, ok := m["retain"]; ok {
		n, err := asInt(v)
		if err != nil {
			return delta.BodyOp{}, err
		}
		op.Retain = n
	}
	if v, ok := m["delete"]; ok {
		n, err := asInt(v)
		if err != nil {
			return delta.BodyOp{}, err
		}
		op.Delete = n
	}
	if v, ok := m["attributes"]; ok {
		attrs, ok := v.(map[string]interface{})
		if !ok {
			return delta.BodyOp{}, fmt.Errorf("%w: attributes must be an object", ErrBadData)
		}
		op.Attrs = delta.AttrMap(attrs)
	}
	return op, nil
}

func asInt(v interface{}) (int, error) {
	n, err := asInt64(v)
	return int(n), err
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("%w: expected integer, got %T", ErrBadData, v)
}
