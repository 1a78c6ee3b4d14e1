package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyComposeLastWins(t *testing.T) {
	base := MustPropertyDelta(SetProperty("title", "old"), SetProperty("owner", "dan"))
	edit := MustPropertyDelta(SetProperty("title", "new"), DeleteProperty("owner"))

	got, err := base.Compose(edit, true)
	require.NoError(t, err)
	props, err := got.(*PropertyDelta).Properties()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "new"}, props)
}

func TestPropertyDocumentForm(t *testing.T) {
	assert.True(t, MustPropertyDelta().IsDocument())
	assert.True(t, MustPropertyDelta(SetProperty("a", 1)).IsDocument())
	assert.False(t, MustPropertyDelta(DeleteProperty("a")).IsDocument())
	assert.False(t, MustPropertyDelta(SetProperty("a", 1), SetProperty("a", 2)).IsDocument())
}

func TestPropertyTransformConflict(t *testing.T) {
	a := MustPropertyDelta(SetProperty("title", "mine"))
	b := MustPropertyDelta(SetProperty("title", "yours"))

	loser, err := a.Transform(b, false)
	require.NoError(t, err)
	assert.True(t, loser.IsEmpty())

	winner, err := a.Transform(b, true)
	require.NoError(t, err)
	assert.True(t, b.Equals(winner))
}

func TestPropertyTransformConvergence(t *testing.T) {
	base := MustPropertyDelta(SetProperty("title", "orig"), SetProperty("count", 1))
	a := MustPropertyDelta(SetProperty("title", "a"), DeleteProperty("count"))
	b := MustPropertyDelta(SetProperty("title", "b"), SetProperty("extra", true))

	bPrime, err := a.Transform(b, true)
	require.NoError(t, err)
	aPrime, err := b.Transform(a, false)
	require.NoError(t, err)

	viaA, err := base.Compose(a, false)
	require.NoError(t, err)
	left, err := viaA.Compose(bPrime, true)
	require.NoError(t, err)

	viaB, err := base.Compose(b, false)
	require.NoError(t, err)
	right, err := viaB.Compose(aPrime, true)
	require.NoError(t, err)

	assert.True(t, left.Equals(right))
}

func TestChangeValidation(t *testing.T) {
	doc := MustBodyDelta(BodyInsert("hello", nil))
	edit := MustBodyDelta(BodyRetain(5, nil), BodyInsert("!", nil))

	_, err := NewChange(0, doc, time.Time{}, "")
	require.NoError(t, err)

	_, err = NewChange(0, edit, time.Time{}, "")
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = NewChange(1, edit, time.Now(), "alice")
	require.NoError(t, err)

	_, err = NewChange(1, MustBodyDelta(), time.Time{}, "")
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = NewChange(1, doc, time.Time{}, "")
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = NewChange(-1, edit, time.Time{}, "")
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestSnapshotApply(t *testing.T) {
	snap, err := NewSnapshot(0, MustBodyDelta(BodyInsert("hello", nil)))
	require.NoError(t, err)

	change, err := NewChange(1, MustBodyDelta(BodyRetain(5, nil), BodyInsert("!", nil)), time.Now(), "alice")
	require.NoError(t, err)

	next, err := snap.Apply(change)
	require.NoError(t, err)
	assert.Equal(t, 1, next.RevNum)
	assert.Equal(t, "hello!", next.Contents.(*BodyDelta).Text())

	_, err = next.Apply(change)
	assert.ErrorIs(t, err, ErrBadValue)
}
