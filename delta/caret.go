package delta

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"time"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-f]{6}$`)

// Caret is one session's selection state within a document.
type Caret struct {
	// SessionID is the opaque, non-empty id of the owning session.
	SessionID string `json:"sessionId"`
	// AuthorID identifies the human author behind the session.
	AuthorID string `json:"authorId"`
	// DocRevNum is the body revision the index/length are relative to.
	DocRevNum int `json:"docRevNum"`
	// Index is the rune position of the selection start.
	Index int `json:"index"`
	// Length is the selection length; zero means a bare caret.
	Length int `json:"length"`
	// Color is the lowercase CSS hex color assigned to the session.
	Color string `json:"color"`
	// LastActive is the time of the most recent update to this caret.
	LastActive time.Time `json:"lastActive"`
}

// Validate checks the caret's field invariants.
func (c Caret) Validate() error {
	if c.SessionID == "" {
		return badValuef("caret session id must be non-empty")
	}
	if c.Index < 0 || c.Length < 0 {
		return badValuef("caret index/length must be non-negative")
	}
	if !colorPattern.MatchString(c.Color) {
		return badValuef("caret color must match #rrggbb: %q", c.Color)
	}
	return nil
}

// Equals reports full field equality.
func (c Caret) Equals(other Caret) bool {
	return c.SessionID == other.SessionID &&
		c.AuthorID == other.AuthorID &&
		c.DocRevNum == other.DocRevNum &&
		c.Index == other.Index &&
		c.Length == other.Length &&
		c.Color == other.Color &&
		c.LastActive.Equal(other.LastActive)
}

// Caret field keys accepted by SetField ops.
const (
	CaretFieldAuthorID   = "authorId"
	CaretFieldDocRevNum  = "docRevNum"
	CaretFieldIndex      = "index"
	CaretFieldLength     = "length"
	CaretFieldColor      = "color"
	CaretFieldLastActive = "lastActive"
)

// WithField returns a copy of the caret with the named field replaced.
func (c Caret) WithField(key string, value interface{}) (Caret, error) {
	switch key {
	case CaretFieldAuthorID:
		s, ok := value.(string)
		if !ok {
			return c, badValuef("authorId must be a string")
		}
		c.AuthorID = s
	case CaretFieldDocRevNum:
		n, err := coerceInt(value)
		if err != nil {
			return c, err
		}
		c.DocRevNum = n
	case CaretFieldIndex:
		n, err := coerceInt(value)
		if err != nil || n < 0 {
			return c, badValuef("index must be a non-negative integer")
		}
		c.Index = n
	case CaretFieldLength:
		n, err := coerceInt(value)
		if err != nil || n < 0 {
			return c, badValuef("length must be a non-negative integer")
		}
		c.Length = n
	case CaretFieldColor:
		s, ok := value.(string)
		if !ok || !colorPattern.MatchString(s) {
			return c, badValuef("color must match #rrggbb")
		}
		c.Color = s
	case CaretFieldLastActive:
		t, err := coerceTime(value)
		if err != nil {
			return c, err
		}
		c.LastActive = t
	default:
		return c, badValuef("unknown caret field %q", key)
	}
	return c, nil
}

// coerceInt accepts the integer shapes JSON decoding can produce.
func coerceInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, badValuef("expected integer, got %T", value)
}

// coerceTime accepts time values, RFC3339 strings, and epoch milliseconds.
func coerceTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, badValuef("bad timestamp string %q", v)
		}
		return t, nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	}
	return time.Time{}, badValuef("expected timestamp, got %T", value)
}

// CaretOpType discriminates caret operations.
type CaretOpType string

const (
	// CaretOpBegin creates or replaces a session's caret.
	CaretOpBegin CaretOpType = "beginSession"
	// CaretOpEnd removes a session's caret if present.
	CaretOpEnd CaretOpType = "endSession"
	// CaretOpSetField modifies one field of an existing caret.
	CaretOpSetField CaretOpType = "setField"
)

// CaretOp is a single operation of a caret delta.
type CaretOp struct {
	Type      CaretOpType `json:"type"`
	Caret     *Caret      `json:"caret,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Key       string      `json:"key,omitempty"`
	Value     interface{} `json:"value,omitempty"`
}

func (op CaretOp) sessionID() string {
	if op.Type == CaretOpBegin {
		return op.Caret.SessionID
	}
	return op.SessionID
}

func (op CaretOp) validate() error {
	switch op.Type {
	case CaretOpBegin:
		if op.Caret == nil {
			return badValuef("beginSession requires a caret")
		}
		return op.Caret.Validate()
	case CaretOpEnd:
		if op.SessionID == "" {
			return badValuef("endSession requires a session id")
		}
	case CaretOpSetField:
		if op.SessionID == "" || op.Key == "" {
			return badValuef("setField requires a session id and key")
		}
	default:
		return badValuef("unknown caret op type %q", op.Type)
	}
	return nil
}

func (op CaretOp) equals(other CaretOp) bool {
	if op.Type != other.Type || op.SessionID != other.SessionID ||
		op.Key != other.Key || !reflect.DeepEqual(op.Value, other.Value) {
		return false
	}
	if (op.Caret == nil) != (other.Caret == nil) {
		return false
	}
	return op.Caret == nil || op.Caret.Equals(*other.Caret)
}

// BeginSession returns a beginSession op for a copy of caret.
func BeginSession(caret Caret) CaretOp {
	c := caret
	return CaretOp{Type: CaretOpBegin, Caret: &c}
}

// EndSession returns an endSession op.
func EndSession(sessionID string) CaretOp {
	return CaretOp{Type: CaretOpEnd, SessionID: sessionID}
}

// SetCaretField returns a setField op.
func SetCaretField(sessionID, key string, value interface{}) CaretOp {
	return CaretOp{Type: CaretOpSetField, SessionID: sessionID, Key: key, Value: value}
}

// CaretDelta is a sequence of caret operations.
type CaretDelta struct {
	ops []CaretOp
}

// NewCaretDelta builds a caret delta after validating every op.
func NewCaretDelta(ops ...CaretOp) (*CaretDelta, error) {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	out := make([]CaretOp, len(ops))
	copy(out, ops)
	return &CaretDelta{ops: out}, nil
}

// MustCaretDelta is NewCaretDelta that panics on invalid ops.
func MustCaretDelta(ops ...CaretOp) *CaretDelta {
	d, err := NewCaretDelta(ops...)
	if err != nil {
		panic(err)
	}
	return d
}

// Ops returns a copy of the operation list.
func (d *CaretDelta) Ops() []CaretOp {
	out := make([]CaretOp, len(d.ops))
	copy(out, d.ops)
	return out
}

// Kind implements Delta.
func (d *CaretDelta) Kind() Kind { return KindCaret }

// IsEmpty implements Delta.
func (d *CaretDelta) IsEmpty() bool { return len(d.ops) == 0 }

// IsDocument implements Delta. Document form is beginSession ops only, with
// unique session ids.
func (d *CaretDelta) IsDocument() bool {
	seen := make(map[string]bool, len(d.ops))
	for _, op := range d.ops {
		if op.Type != CaretOpBegin || seen[op.Caret.SessionID] {
			return false
		}
		seen[op.Caret.SessionID] = true
	}
	return true
}

// Equals implements Delta.
func (d *CaretDelta) Equals(other Delta) bool {
	o, ok := other.(*CaretDelta)
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

// Carets returns the caret set of a document-form delta, sorted by session
// id.
func (d *CaretDelta) Carets() ([]Caret, error) {
	if !d.IsDocument() {
		return nil, badValuef("carets requires a document-form caret delta")
	}
	out := make([]Caret, 0, len(d.ops))
	for _, op := range d.ops {
		out = append(out, *op.Caret)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// caretFold is the per-session net effect of a composed op sequence.
type caretFold struct {
	caret  *Caret
	fields map[string]interface{}
	keys   []string
	ended  bool
}

// Compose implements Delta for the caret payload. Begin overwrites, end
// removes, and setField modifies; a setField after an end in the same
// sequence is inert.
func (d *CaretDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	o, ok := other.(*CaretDelta)
	if !ok {
		return nil, ErrKindMismatch
	}
	folds := make(map[string]*caretFold)
	order := []string{}
	fold := func(id string) *caretFold {
		f, ok := folds[id]
		if !ok {
			f = &caretFold{}
			folds[id] = f
			order = append(order, id)
		}
		return f
	}
	apply := func(op CaretOp) error {
		f := fold(op.sessionID())
		switch op.Type {
		case CaretOpBegin:
			c := *op.Caret
			f.caret = &c
			f.fields = nil
			f.keys = nil
			f.ended = false
		case CaretOpEnd:
			f.caret = nil
			f.fields = nil
			f.keys = nil
			f.ended = true
		case CaretOpSetField:
			switch {
			case f.caret != nil:
				updated, err := f.caret.WithField(op.Key, op.Value)
				if err != nil {
					return err
				}
				f.caret = &updated
			case f.ended:
				// Field set on a session ended earlier in the same
				// sequence; nothing left to modify.
			default:
				if f.fields == nil {
					f.fields = make(map[string]interface{})
				}
				if _, ok := f.fields[op.Key]; !ok {
					f.keys = append(f.keys, op.Key)
				}
				f.fields[op.Key] = op.Value
			}
		}
		return nil
	}
	for _, op := range d.ops {
		if err := apply(op); err != nil {
			return nil, err
		}
	}
	for _, op := range o.ops {
		if err := apply(op); err != nil {
			return nil, err
		}
	}
	sort.Strings(order)
	out := &CaretDelta{}
	for _, id := range order {
		f := folds[id]
		switch {
		case f.caret != nil:
			out.ops = append(out.ops, BeginSession(*f.caret))
		case len(f.fields) > 0:
			if wantDocument {
				return nil, badDataf("caret field update for unknown session %q", id)
			}
			keys := append([]string(nil), f.keys...)
			sort.Strings(keys)
			for _, k := range keys {
				out.ops = append(out.ops, SetCaretField(id, k, f.fields[k]))
			}
		case f.ended && !wantDocument:
			out.ops = append(out.ops, EndSession(id))
		}
	}
	if wantDocument && !out.IsDocument() {
		return nil, badDataf("composition did not produce a document-form caret delta")
	}
	return out, nil
}

// Transform implements Delta for the caret payload. Conflicts are keyed by
// session id: a field update always loses to a concurrent begin or end, and
// same-strength conflicts (begin/end vs begin/end, field vs same field) go to
// other when aFirst is true and to the receiver otherwise.
func (d *CaretDelta) Transform(other Delta, aFirst bool) (Delta, error) {
	o, ok := other.(*CaretDelta)
	if !ok {
		return nil, ErrKindMismatch
	}
	type touch struct {
		strong bool
		keys   map[string]bool
	}
	touched := make(map[string]*touch)
	for _, op := range d.ops {
		id := op.sessionID()
		t := touched[id]
		if t == nil {
			t = &touch{keys: make(map[string]bool)}
			touched[id] = t
		}
		if op.Type == CaretOpSetField {
			t.keys[op.Key] = true
		} else {
			t.strong = true
		}
	}
	out := &CaretDelta{}
	for _, op := range o.ops {
		t := touched[op.sessionID()]
		if t != nil {
			if op.Type == CaretOpSetField {
				if t.strong {
					continue
				}
				if t.keys[op.Key] && !aFirst {
					continue
				}
			} else if t.strong && !aFirst {
				continue
			}
		}
		out.ops = append(out.ops, op)
	}
	return out, nil
}

// String returns a short debug form.
func (d *CaretDelta) String() string {
	return fmt.Sprintf("CaretDelta(%d ops)", len(d.ops))
}
