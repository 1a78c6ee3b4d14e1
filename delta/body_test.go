package delta

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyComposeInsert(t *testing.T) {
	base := MustBodyDelta(BodyInsert("hello", nil))
	edit := MustBodyDelta(BodyRetain(5, nil), BodyInsert(" world", nil))

	got, err := base.Compose(edit, true)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.(*BodyDelta).Text())
	assert.True(t, got.IsDocument())
}

func TestBodyComposeDelete(t *testing.T) {
	base := MustBodyDelta(BodyInsert("hello world", nil))
	edit := MustBodyDelta(BodyRetain(5, nil), BodyDelete(6))

	got, err := base.Compose(edit, true)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.(*BodyDelta).Text())
}

func TestBodyComposeAttributes(t *testing.T) {
	base := MustBodyDelta(BodyInsert("hi", AttrMap{"bold": true}))
	edit := MustBodyDelta(BodyRetain(2, AttrMap{"bold": nil, "italic": true}))

	got, err := base.Compose(edit, true)
	require.NoError(t, err)
	ops := got.(*BodyDelta).Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "hi", ops[0].Insert)
	assert.True(t, ops[0].Attrs.Equals(AttrMap{"italic": true}))
}

func TestBodyComposeEmptyIdentity(t *testing.T) {
	d := MustBodyDelta(BodyRetain(3, nil), BodyInsert("x", nil))
	empty := MustBodyDelta()

	left, err := empty.Compose(d, false)
	require.NoError(t, err)
	right, err := d.Compose(empty, false)
	require.NoError(t, err)
	assert.True(t, d.Equals(left))
	assert.True(t, d.Equals(right))
}

func TestBodyCanonicalForm(t *testing.T) {
	d := MustBodyDelta(BodyInsert("ab", nil), BodyInsert("cd", nil), BodyRetain(4, nil))
	ops := d.Ops()
	// Adjacent inserts merge and the trailing bare retain is chopped.
	require.Len(t, ops, 1)
	assert.Equal(t, "abcd", ops[0].Insert)
}

func TestBodyDocumentForm(t *testing.T) {
	assert.True(t, MustBodyDelta().IsDocument())
	assert.True(t, MustBodyDelta(BodyInsert("x", nil)).IsDocument())
	assert.False(t, MustBodyDelta(BodyRetain(1, nil), BodyInsert("x", nil)).IsDocument())
	assert.False(t, MustBodyDelta(BodyDelete(1)).IsDocument())
}

func TestBodyTransformConcurrentInserts(t *testing.T) {
	// Both clients insert at offset 5 of "hello"; the committed change wins
	// the race, so the other client's text lands after it.
	committed := MustBodyDelta(BodyRetain(5, nil), BodyInsert(" world", nil))
	incoming := MustBodyDelta(BodyRetain(5, nil), BodyInsert("!", nil))

	rebased, err := committed.Transform(incoming, false)
	require.NoError(t, err)
	want := MustBodyDelta(BodyRetain(11, nil), BodyInsert("!", nil))
	assert.True(t, want.Equals(rebased))

	base := MustBodyDelta(BodyInsert("hello", nil))
	snap, err := base.Compose(committed, true)
	require.NoError(t, err)
	final, err := snap.Compose(rebased, true)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", final.(*BodyDelta).Text())
}

func TestBodyTransformDeleteOverlap(t *testing.T) {
	a := MustBodyDelta(BodyDelete(3))
	b := MustBodyDelta(BodyRetain(1, nil), BodyDelete(3))

	rebased, err := a.Transform(b, false)
	require.NoError(t, err)
	// a already removed the first three runes; b only deletes the fourth.
	want := MustBodyDelta(BodyDelete(1))
	assert.True(t, want.Equals(rebased))
}

func TestBodyTransformMultibyte(t *testing.T) {
	committed := MustBodyDelta(BodyRetain(2, nil), BodyInsert("héllo", nil))
	incoming := MustBodyDelta(BodyRetain(2, nil), BodyInsert("日本", nil))

	rebased, err := committed.Transform(incoming, false)
	require.NoError(t, err)
	want := MustBodyDelta(BodyRetain(7, nil), BodyInsert("日本", nil))
	assert.True(t, want.Equals(rebased))
}

// randomBodyEdit produces a random edit delta over a document of docLen
// runes.
func randomBodyEdit(rng *rand.Rand, docLen int) *BodyDelta {
	var ops []BodyOp
	pos := 0
	for pos < docLen {
		span := 1 + rng.Intn(3)
		if pos+span > docLen {
			span = docLen - pos
		}
		switch rng.Intn(4) {
		case 0:
			ops = append(ops, BodyRetain(span, nil))
		case 1:
			ops = append(ops, BodyDelete(span))
		case 2:
			ops = append(ops, BodyInsert(fmt.Sprintf("<%d>", rng.Intn(100)), nil))
			ops = append(ops, BodyRetain(span, nil))
		case 3:
			ops = append(ops, BodyRetain(span, AttrMap{"bold": rng.Intn(2) == 0}))
		}
		pos += span
	}
	if rng.Intn(2) == 0 {
		ops = append(ops, BodyInsert("$", nil))
	}
	d, err := NewBodyDelta(ops...)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBodyTransformTP1(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		base := MustBodyDelta(BodyInsert("the quick brown fox jumps", nil))
		docLen := 25
		a := randomBodyEdit(rng, docLen)
		b := randomBodyEdit(rng, docLen)

		bPrime, err := a.Transform(b, true)
		require.NoError(t, err)
		aPrime, err := b.Transform(a, false)
		require.NoError(t, err)

		viaA, err := base.Compose(a, true)
		require.NoError(t, err)
		left, err := viaA.Compose(bPrime, true)
		require.NoError(t, err)

		viaB, err := base.Compose(b, true)
		require.NoError(t, err)
		right, err := viaB.Compose(aPrime, true)
		require.NoError(t, err)

		require.True(t, left.Equals(right),
			"TP1 violated at iteration %d:\n a=%+v\n b=%+v\n left=%+v\n right=%+v",
			i, a.Ops(), b.Ops(), left.(*BodyDelta).Ops(), right.(*BodyDelta).Ops())
	}
}

func TestBodyOpValidation(t *testing.T) {
	_, err := NewBodyDelta(BodyOp{Retain: -1})
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = NewBodyDelta(BodyOp{Insert: "x", Retain: 2})
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = NewBodyDelta(BodyOp{Delete: 2, Attrs: AttrMap{"bold": true}})
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestBodyKindMismatch(t *testing.T) {
	body := MustBodyDelta(BodyInsert("x", nil))
	prop := MustPropertyDelta(SetProperty("title", "x"))

	_, err := body.Compose(prop, false)
	assert.ErrorIs(t, err, ErrKindMismatch)
	_, err = body.Transform(prop, false)
	assert.ErrorIs(t, err, ErrKindMismatch)
}
