package doccontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
	"github.com/sfescape/bayou/txfile"
)

func newBodyForTest(t *testing.T) (*BodyControl, txfile.File) {
	t.Helper()
	file := txfile.NewMemoryFile("doc1", nil)
	control, err := NewBodyControl(context.Background(), file, apiframe.StdCodec(), nil, nil, nil)
	require.NoError(t, err)
	return control, file
}

func mustUpdate(t *testing.T, c *Control, baseRevNum int, d delta.Delta) delta.Change {
	t.Helper()
	correction, err := c.Update(context.Background(), delta.Change{
		RevNum:    baseRevNum + 1,
		Delta:     d,
		Timestamp: time.Now().UTC(),
		AuthorID:  "tester",
	})
	require.NoError(t, err)
	return correction
}

func bodyText(t *testing.T, c *Control, revNum int) string {
	t.Helper()
	snap, err := c.GetSnapshot(context.Background(), revNum)
	require.NoError(t, err)
	return snap.Contents.(*delta.BodyDelta).Text()
}

func TestBodyBootstrap(t *testing.T) {
	control, _ := newBodyForTest(t)
	ctx := context.Background()

	current, err := control.CurrentRevNum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, current)

	snap, err := control.GetSnapshot(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RevNum)
	assert.True(t, snap.Contents.IsEmpty())
	assert.True(t, snap.Contents.IsDocument())
}

func TestUpdateHappyPath(t *testing.T) {
	control, _ := newBodyForTest(t)

	correction := mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("hello", nil)))
	assert.Equal(t, 1, correction.RevNum)
	assert.True(t, correction.Delta.IsEmpty())

	assert.Equal(t, "hello", bodyText(t, control.Control, 1))
}

func TestUpdateConcurrentInserts(t *testing.T) {
	control, _ := newBodyForTest(t)
	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("hello", nil)))

	// Client X commits first.
	correctionX := mustUpdate(t, control.Control, 1,
		delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert(" world", nil)))
	assert.Equal(t, 2, correctionX.RevNum)
	assert.True(t, correctionX.Delta.IsEmpty())

	// Client Y raced X from the same base; its insert lands after X's.
	dY := delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert("!", nil))
	correctionY := mustUpdate(t, control.Control, 1, dY)
	assert.Equal(t, 3, correctionY.RevNum)
	assert.False(t, correctionY.Delta.IsEmpty())

	// Y's expected state plus the correction equals the server state.
	base, err := control.GetSnapshot(context.Background(), 1)
	require.NoError(t, err)
	expectedY, err := base.Contents.Compose(dY, true)
	require.NoError(t, err)
	actual, err := expectedY.Compose(correctionY.Delta, true)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", actual.(*delta.BodyDelta).Text())

	assert.Equal(t, "hello world!", bodyText(t, control.Control, 3))
}

func TestAtMostOneWriterPerRevision(t *testing.T) {
	control, _ := newBodyForTest(t)
	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("base", nil)))

	a := mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyInsert("A", nil)))
	b := mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyInsert("B", nil)))

	assert.Equal(t, 2, a.RevNum)
	assert.True(t, a.Delta.IsEmpty())
	assert.GreaterOrEqual(t, b.RevNum, 3)
}

func TestUpdateVanishingDelta(t *testing.T) {
	control, _ := newBodyForTest(t)
	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("abc", nil)))
	mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyDelete(3)))

	// The same delete from the stale base transforms to nothing; no new
	// revision is appended.
	correction := mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyDelete(3)))
	assert.Equal(t, 2, correction.RevNum)
	assert.False(t, correction.Delta.IsEmpty())

	current, err := control.CurrentRevNum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, current)
}

func TestUpdateValidation(t *testing.T) {
	control, _ := newBodyForTest(t)
	ctx := context.Background()

	_, err := control.Update(ctx, delta.Change{RevNum: 1, Delta: delta.MustBodyDelta()})
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = control.Update(ctx, delta.Change{RevNum: 0, Delta: delta.MustBodyDelta(delta.BodyInsert("x", nil))})
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = control.Update(ctx, delta.Change{RevNum: 5, Delta: delta.MustBodyDelta(delta.BodyRetain(1, nil), delta.BodyInsert("x", nil))})
	assert.ErrorIs(t, err, ErrRevisionTooHigh)

	_, err = control.Update(ctx, delta.Change{RevNum: 1, Delta: delta.MustPropertyDelta(delta.SetProperty("k", 1))})
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestSnapshotComposition(t *testing.T) {
	control, _ := newBodyForTest(t)
	ctx := context.Background()

	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("one", nil)))
	mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyRetain(3, nil), delta.BodyInsert(" two", nil)))
	mustUpdate(t, control.Control, 2, delta.MustBodyDelta(delta.BodyDelete(4)))

	current, err := control.CurrentRevNum(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, current)

	for n := 1; n <= current; n++ {
		prev, err := control.GetSnapshot(ctx, n-1)
		require.NoError(t, err)
		change, err := control.GetChange(ctx, n)
		require.NoError(t, err)
		composed, err := prev.Apply(change)
		require.NoError(t, err)

		snap, err := control.GetSnapshot(ctx, n)
		require.NoError(t, err)
		assert.True(t, snap.Equals(composed), "revision %d", n)
		assert.True(t, snap.Contents.IsDocument(), "revision %d", n)
	}
}

func TestLogMonotonicity(t *testing.T) {
	control, _ := newBodyForTest(t)
	ctx := context.Background()

	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("x", nil)))
	before, err := control.GetChange(ctx, 1)
	require.NoError(t, err)

	mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyRetain(1, nil), delta.BodyInsert("y", nil)))
	after, err := control.GetChange(ctx, 1)
	require.NoError(t, err)
	assert.True(t, before.Equals(after))
}

func TestGetChangeAfterReturnsExisting(t *testing.T) {
	control, _ := newBodyForTest(t)
	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("x", nil)))

	change, err := control.GetChangeAfter(context.Background(), 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, change.RevNum)
}

func TestGetChangeAfterTimesOut(t *testing.T) {
	control, _ := newBodyForTest(t)

	_, err := control.GetChangeAfter(context.Background(), 0, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestGetChangeAfterWakesOnUpdate(t *testing.T) {
	control, _ := newBodyForTest(t)

	type outcome struct {
		change delta.Change
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		change, err := control.GetChangeAfter(context.Background(), 0, 5*time.Second)
		done <- outcome{change, err}
	}()

	time.Sleep(20 * time.Millisecond)
	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("wake", nil)))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, 1, o.change.RevNum)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll never woke")
	}
}

func TestGetChangeAfterCancelledByDisconnect(t *testing.T) {
	control, _ := newBodyForTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := control.GetChangeAfter(ctx, 0, time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unpark the long poll")
	}
}

func TestRevisionBoundsErrors(t *testing.T) {
	control, _ := newBodyForTest(t)
	ctx := context.Background()

	_, err := control.GetSnapshot(ctx, 9)
	assert.ErrorIs(t, err, ErrRevisionTooHigh)
	_, err = control.GetChange(ctx, 9)
	assert.ErrorIs(t, err, ErrRevisionTooHigh)
	_, err = control.GetChangeAfter(ctx, 9, time.Second)
	assert.ErrorIs(t, err, ErrRevisionTooHigh)
}

func TestRecoveryAfterUncleanShutdown(t *testing.T) {
	control, file := newBodyForTest(t)
	ctx := context.Background()
	codec := apiframe.StdCodec()

	mustUpdate(t, control.Control, 0, delta.MustBodyDelta(delta.BodyInsert("a", nil)))
	mustUpdate(t, control.Control, 1, delta.MustBodyDelta(delta.BodyRetain(1, nil), delta.BodyInsert("b", nil)))

	// Simulate a crash that lost the revision number and left a
	// gap-creating change behind.
	orphan, err := delta.NewChange(5,
		delta.MustBodyDelta(delta.BodyRetain(2, nil), delta.BodyInsert("ghost", nil)),
		time.Now().UTC(), "ghost")
	require.NoError(t, err)
	encoded, err := codec.Marshal(orphan)
	require.NoError(t, err)
	_, err = file.Transact(ctx, txfile.MustSpec(
		txfile.WritePath(txfile.MustPath("/revision/5/change"), txfile.NewFrozenBuffer(encoded)),
	))
	require.NoError(t, err)
	_, err = file.Transact(ctx, txfile.MustSpec(txfile.DeletePath(txfile.MustPath("/revision_number"))))
	require.NoError(t, err)

	reopened, err := NewBodyControl(ctx, file, codec, nil, nil, nil)
	require.NoError(t, err)

	current, err := reopened.CurrentRevNum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current)
	assert.Equal(t, "ab", bodyText(t, reopened.Control, 2))

	_, err = reopened.GetChange(ctx, 5)
	assert.ErrorIs(t, err, ErrRevisionTooHigh)
}

func TestPropertyControl(t *testing.T) {
	file := txfile.NewMemoryFile("doc1", nil)
	ctx := context.Background()
	codec := apiframe.StdCodec()

	property, err := NewPropertyControl(ctx, file, codec, nil, nil, nil)
	require.NoError(t, err)

	mustUpdate(t, property.Control, 0, delta.MustPropertyDelta(delta.SetProperty("title", "notes")))
	snap, err := property.GetSnapshot(ctx, -1)
	require.NoError(t, err)
	props, err := snap.Contents.(*delta.PropertyDelta).Properties()
	require.NoError(t, err)
	assert.Equal(t, "notes", props["title"])

	// The property log is independent of the body log.
	body, err := NewBodyControl(ctx, file, codec, nil, nil, nil)
	require.NoError(t, err)
	current, err := body.CurrentRevNum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, current)
}

func TestStoredSnapshotsBoundReadback(t *testing.T) {
	file := txfile.NewMemoryFile("doc1", nil)
	ctx := context.Background()
	opts := DefaultOptions()
	opts.SnapshotEvery = 5
	opts.SnapshotCacheSize = 2

	control, err := NewBodyControl(ctx, file, apiframe.StdCodec(), opts, nil, nil)
	require.NoError(t, err)

	text := ""
	for i := 0; i < 12; i++ {
		mustUpdate(t, control.Control, i, delta.MustBodyDelta(
			delta.BodyRetain(len(text), nil), delta.BodyInsert("x", nil)))
		text += "x"
	}

	// A stored snapshot exists at revision 10.
	result, err := file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(txfile.MustPath("/snapshot/10"))))
	require.NoError(t, err)
	assert.Contains(t, result.Data, txfile.MustPath("/snapshot/10"))

	assert.Equal(t, text, bodyText(t, control.Control, 12))
}
