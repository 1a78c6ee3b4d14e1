package delta

import (
	"math"
	"unicode/utf8"
)

// BodyOp is a single operation of a body delta. Exactly one of Insert,
// Retain, or Delete is set. Insert and Retain may carry attributes; Delete
// never does.
type BodyOp struct {
	Insert string  `json:"insert,omitempty"`
	Retain int     `json:"retain,omitempty"`
	Delete int     `json:"delete,omitempty"`
	Attrs  AttrMap `json:"attributes,omitempty"`
}

// Length returns the op's length in runes for inserts, or its count for
// retains and deletes.
func (op BodyOp) Length() int {
	if op.Insert != "" {
		return utf8.RuneCountInString(op.Insert)
	}
	if op.Retain > 0 {
		return op.Retain
	}
	return op.Delete
}

func (op BodyOp) isInsert() bool { return op.Insert != "" }
func (op BodyOp) isRetain() bool { return op.Insert == "" && op.Delete == 0 }
func (op BodyOp) isDelete() bool { return op.Delete > 0 }

func (op BodyOp) equals(other BodyOp) bool {
	return op.Insert == other.Insert &&
		op.Retain == other.Retain &&
		op.Delete == other.Delete &&
		op.Attrs.Equals(other.Attrs)
}

func (op BodyOp) validate() error {
	set := 0
	if op.Insert != "" {
		set++
	}
	if op.Retain != 0 {
		set++
	}
	if op.Delete != 0 {
		set++
	}
	if set != 1 {
		return badValuef("body op must set exactly one of insert/retain/delete: %+v", op)
	}
	if op.Retain < 0 || op.Delete < 0 {
		return badValuef("negative op count: %+v", op)
	}
	if op.isDelete() && len(op.Attrs) > 0 {
		return badValuef("delete op cannot carry attributes")
	}
	return nil
}

// BodyDelta is a sequence of body operations in canonical form: adjacent ops
// of the same type and attributes are merged, zero-length ops are absent, and
// there is no trailing attribute-less retain.
type BodyDelta struct {
	ops []BodyOp
}

// NewBodyDelta builds a body delta from ops, canonicalizing as it goes.
func NewBodyDelta(ops ...BodyOp) (*BodyDelta, error) {
	d := &BodyDelta{}
	for _, op := range ops {
		if op.Insert == "" && op.Retain == 0 && op.Delete == 0 {
			continue
		}
		if err := op.validate(); err != nil {
			return nil, err
		}
		d.push(op)
	}
	d.chop()
	return d, nil
}

// MustBodyDelta is NewBodyDelta that panics on invalid ops. Intended for
// literals in tests and static tables.
func MustBodyDelta(ops ...BodyOp) *BodyDelta {
	d, err := NewBodyDelta(ops...)
	if err != nil {
		panic(err)
	}
	return d
}

// BodyInsert returns an insert op.
func BodyInsert(text string, attrs AttrMap) BodyOp {
	return BodyOp{Insert: text, Attrs: attrs}
}

// BodyRetain returns a retain op.
func BodyRetain(n int, attrs AttrMap) BodyOp {
	return BodyOp{Retain: n, Attrs: attrs}
}

// BodyDelete returns a delete op.
func BodyDelete(n int) BodyOp {
	return BodyOp{Delete: n}
}

// Ops returns a copy of the operation list.
func (d *BodyDelta) Ops() []BodyOp {
	out := make([]BodyOp, len(d.ops))
	copy(out, d.ops)
	return out
}

// Kind implements Delta.
func (d *BodyDelta) Kind() Kind { return KindBody }

// IsEmpty implements Delta.
func (d *BodyDelta) IsEmpty() bool { return len(d.ops) == 0 }

// IsDocument implements Delta. A body delta is in document form when every
// op is an insert and no attribute value is nil.
func (d *BodyDelta) IsDocument() bool {
	for _, op := range d.ops {
		if !op.isInsert() {
			return false
		}
		for _, v := range op.Attrs {
			if v == nil {
				return false
			}
		}
	}
	return true
}

// Equals implements Delta.
func (d *BodyDelta) Equals(other Delta) bool {
	o, ok := other.(*BodyDelta)
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

// Text returns the concatenated insert text. Only meaningful for
// document-form deltas.
func (d *BodyDelta) Text() string {
	var out string
	for _, op := range d.ops {
		out += op.Insert
	}
	return out
}

// push appends op, merging it with the final op when the two are
// type-and-attribute compatible.
func (d *BodyDelta) push(op BodyOp) {
	if len(d.ops) > 0 {
		last := &d.ops[len(d.ops)-1]
		switch {
		case op.isDelete() && last.isDelete():
			last.Delete += op.Delete
			return
		case op.isInsert() && last.isInsert() && last.Attrs.Equals(op.Attrs):
			last.Insert += op.Insert
			return
		case op.isRetain() && last.isRetain() && last.Attrs.Equals(op.Attrs):
			last.Retain += op.Retain
			return
		}
	}
	d.ops = append(d.ops, op)
}

// chop removes a trailing attribute-less retain.
func (d *BodyDelta) chop() {
	if n := len(d.ops); n > 0 {
		last := d.ops[n-1]
		if last.isRetain() && len(last.Attrs) == 0 {
			d.ops = d.ops[:n-1]
		}
	}
}

// bodyIter walks a body delta op list, slicing ops at arbitrary rune
// boundaries.
type bodyIter struct {
	ops    []BodyOp
	index  int
	offset int
}

func (it *bodyIter) hasNext() bool {
	return it.index < len(it.ops)
}

func (it *bodyIter) peekLength() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.ops[it.index].Length() - it.offset
}

// peekInsert reports whether the next op is an insert; past the end it
// reports retain-like behavior (false for insert, false for delete).
func (it *bodyIter) peekInsert() bool {
	return it.hasNext() && it.ops[it.index].isInsert()
}

func (it *bodyIter) peekDelete() bool {
	return it.hasNext() && it.ops[it.index].isDelete()
}

// next consumes up to length from the current op. Past the end of the list
// it produces implicit retains.
func (it *bodyIter) next(length int) BodyOp {
	if !it.hasNext() {
		return BodyOp{Retain: length}
	}
	op := it.ops[it.index]
	offset := it.offset
	remaining := op.Length() - offset
	if length >= remaining {
		length = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	out := BodyOp{Attrs: op.Attrs}
	switch {
	case op.isDelete():
		out.Delete = length
	case op.isRetain():
		out.Retain = length
	default:
		out.Insert = runeSlice(op.Insert, offset, length)
	}
	return out
}

// runeSlice returns the substring of s starting at rune offset start with
// length runes.
func runeSlice(s string, start, length int) string {
	runes := []rune(s)
	end := start + length
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}

// Compose implements Delta for the body payload using the standard rich-text
// delta composition walk.
func (d *BodyDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	o, ok := other.(*BodyDelta)
	if !ok {
		return nil, ErrKindMismatch
	}
	itA := &bodyIter{ops: d.ops}
	itB := &bodyIter{ops: o.ops}
	out := &BodyDelta{}
	for itA.hasNext() || itB.hasNext() {
		switch {
		case itB.peekInsert():
			out.push(itB.next(math.MaxInt))
		case itA.peekDelete():
			out.push(itA.next(math.MaxInt))
		default:
			length := itA.peekLength()
			if bl := itB.peekLength(); bl < length {
				length = bl
			}
			aOp := itA.next(length)
			bOp := itB.next(length)
			switch {
			case bOp.isRetain():
				if aOp.isRetain() {
					out.push(BodyOp{Retain: length, Attrs: composeAttrs(aOp.Attrs, bOp.Attrs, true)})
				} else {
					out.push(BodyOp{Insert: aOp.Insert, Attrs: composeAttrs(aOp.Attrs, bOp.Attrs, false)})
				}
			case bOp.isDelete():
				if aOp.isRetain() {
					out.push(BodyOp{Delete: length})
				}
				// aOp insert composed with delete cancels out.
			}
		}
	}
	out.chop()
	if wantDocument && !out.IsDocument() {
		return nil, badDataf("composition did not produce a document-form body delta")
	}
	return out, nil
}

// Transform implements Delta for the body payload. It returns other rebased
// over the receiver. When aFirst is true, other's same-position inserts land
// before the receiver's in the merged order.
func (d *BodyDelta) Transform(other Delta, aFirst bool) (Delta, error) {
	o, ok := other.(*BodyDelta)
	if !ok {
		return nil, ErrKindMismatch
	}
	// receiverWins: the receiver's inserts keep their position and other's
	// content shifts past them.
	receiverWins := !aFirst
	itA := &bodyIter{ops: d.ops}
	itB := &bodyIter{ops: o.ops}
	out := &BodyDelta{}
	for itA.hasNext() || itB.hasNext() {
		switch {
		case itA.peekInsert() && (receiverWins || !itB.peekInsert()):
			out.push(BodyOp{Retain: itA.next(math.MaxInt).Length()})
		case itB.peekInsert():
			out.push(itB.next(math.MaxInt))
		default:
			length := itA.peekLength()
			if bl := itB.peekLength(); bl < length {
				length = bl
			}
			aOp := itA.next(length)
			bOp := itB.next(length)
			switch {
			case aOp.isDelete():
				// The receiver already deleted this span; other's op
				// has nothing left to act on.
			case bOp.isDelete():
				out.push(BodyOp{Delete: length})
			default:
				out.push(BodyOp{Retain: length, Attrs: transformAttrs(aOp.Attrs, bOp.Attrs, aFirst)})
			}
		}
	}
	out.chop()
	return out, nil
}
