package doccontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/caretpubsub"
	"github.com/sfescape/bayou/delta"
	"github.com/sfescape/bayou/txfile"
)

func newCaretForTest(t *testing.T, opts *CaretOptions, pubsub caretpubsub.PubSub) (*CaretControl, txfile.File) {
	t.Helper()
	file := txfile.NewMemoryFile("doc1", nil)
	require.NoError(t, file.Create(context.Background()))
	control, err := NewCaretControl(file, apiframe.StdCodec(), opts, pubsub, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { control.Close() })
	return control, file
}

func TestCaretSessionLifecycle(t *testing.T) {
	control, _ := newCaretForTest(t, nil, nil)
	ctx := context.Background()

	caret, err := control.BeginSession(ctx, "s1", "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, "s1", caret.SessionID)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, caret.Color)

	correction, err := control.UpdateCaret(ctx, "s1", "alice", 0, 7, 2)
	require.NoError(t, err)
	assert.True(t, correction.Delta.IsEmpty())

	snap, err := control.GetCaretSnapshot(ctx, -1)
	require.NoError(t, err)
	require.Len(t, snap.Carets, 1)
	assert.Equal(t, 7, snap.Carets[0].Index)
	assert.Equal(t, 2, snap.Carets[0].Length)

	require.NoError(t, control.EndSession(ctx, "s1"))
	snap, err = control.GetCaretSnapshot(ctx, -1)
	require.NoError(t, err)
	assert.Empty(t, snap.Carets)
}

func TestCaretCreateOnFirstUpdate(t *testing.T) {
	control, _ := newCaretForTest(t, nil, nil)
	ctx := context.Background()

	_, err := control.UpdateCaret(ctx, "fresh", "bob", 3, 11, 0)
	require.NoError(t, err)

	snap, err := control.GetCaretSnapshot(ctx, -1)
	require.NoError(t, err)
	require.Len(t, snap.Carets, 1)
	caret := snap.Carets[0]
	assert.Equal(t, "bob", caret.AuthorID)
	assert.Equal(t, 3, caret.DocRevNum)
	assert.Equal(t, 11, caret.Index)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, caret.Color)
}

func TestCaretColorsDistinct(t *testing.T) {
	control, _ := newCaretForTest(t, nil, nil)
	ctx := context.Background()

	colors := make(map[string]bool)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		caret, err := control.BeginSession(ctx, id, "author-"+id, 0)
		require.NoError(t, err)
		assert.False(t, colors[caret.Color], "color %s assigned twice", caret.Color)
		colors[caret.Color] = true
	}
}

func TestCaretBoundedHistory(t *testing.T) {
	opts := DefaultCaretOptions()
	opts.MaxHistory = 100
	opts.FlushDelay = time.Hour
	control, _ := newCaretForTest(t, opts, nil)
	ctx := context.Background()

	_, err := control.BeginSession(ctx, "s1", "alice", 0)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := control.UpdateCaret(ctx, "s1", "alice", 0, i, 0)
		require.NoError(t, err)
	}

	current, err := control.CurrentRevNum(ctx)
	require.NoError(t, err)
	require.Equal(t, 201, current)

	// Old history is gone; the caller falls back to the snapshot.
	_, err = control.GetChangeAfter(ctx, 50, time.Second)
	assert.ErrorIs(t, err, ErrRevisionNotAvailable)

	snap, err := control.GetCaretSnapshot(ctx, -1)
	require.NoError(t, err)
	require.Len(t, snap.Carets, 1)
	assert.Equal(t, 199, snap.Carets[0].Index)

	// Recent history is still pageable.
	change, err := control.GetChangeAfter(ctx, current-1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, current, change.RevNum)
}

func TestCaretGetChangeAfterTimesOut(t *testing.T) {
	control, _ := newCaretForTest(t, nil, nil)

	_, err := control.GetChangeAfter(context.Background(), 0, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestCaretGetChangeAfterWakes(t *testing.T) {
	control, _ := newCaretForTest(t, nil, nil)
	ctx := context.Background()

	done := make(chan delta.Change, 1)
	go func() {
		change, err := control.GetChangeAfter(ctx, 0, 5*time.Second)
		if err == nil {
			done <- change
		}
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := control.BeginSession(ctx, "s1", "alice", 0)
	require.NoError(t, err)

	select {
	case change := <-done:
		assert.Equal(t, 1, change.RevNum)
	case <-time.After(2 * time.Second):
		t.Fatal("caret long poll never woke")
	}
}

func TestCaretFlushWritesStorage(t *testing.T) {
	opts := DefaultCaretOptions()
	opts.FlushDelay = 0
	control, file := newCaretForTest(t, opts, nil)
	ctx := context.Background()

	_, err := control.BeginSession(ctx, "s1", "alice", 0)
	require.NoError(t, err)

	p := txfile.MustPath("/caret/s1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		result, err := file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(p)))
		require.NoError(t, err)
		if _, ok := result.Data[p]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("caret never flushed to storage")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCaretMergeStoredCarets(t *testing.T) {
	file := txfile.NewMemoryFile("doc1", nil)
	ctx := context.Background()
	codec := apiframe.StdCodec()
	require.NoError(t, file.Create(ctx))

	// A peer server left a caret behind in the shared file.
	peer := delta.Caret{
		SessionID: "peer1", AuthorID: "remote", DocRevNum: 2,
		Index: 4, Length: 0, Color: "#008080",
		LastActive: time.UnixMilli(1700000000000).UTC(),
	}
	encoded, err := codec.Marshal(peer)
	require.NoError(t, err)
	_, err = file.Transact(ctx, txfile.MustSpec(
		txfile.WritePath(txfile.MustPath("/caret/peer1"), txfile.NewFrozenBuffer(encoded)),
	))
	require.NoError(t, err)

	control, err := NewCaretControl(file, codec, nil, nil, nil, nil)
	require.NoError(t, err)
	defer control.Close()
	require.NoError(t, control.MergeStoredCarets(ctx))

	snap, err := control.GetCaretSnapshot(ctx, -1)
	require.NoError(t, err)
	require.Len(t, snap.Carets, 1)
	assert.True(t, peer.Equals(snap.Carets[0]))
}

func TestCaretCrossServerPubSub(t *testing.T) {
	pubsub := caretpubsub.NewMemoryPubSub()
	defer pubsub.Close()
	ctx := context.Background()
	codec := apiframe.StdCodec()

	fileA := txfile.NewMemoryFile("doc1", nil)
	require.NoError(t, fileA.Create(ctx))
	serverA, err := NewCaretControl(fileA, codec, nil, pubsub, nil, nil)
	require.NoError(t, err)
	defer serverA.Close()

	fileB := txfile.NewMemoryFile("doc1", nil)
	require.NoError(t, fileB.Create(ctx))
	serverB, err := NewCaretControl(fileB, codec, nil, pubsub, nil, nil)
	require.NoError(t, err)
	defer serverB.Close()

	_, err = serverA.BeginSession(ctx, "sA", "alice", 0)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := serverB.GetCaretSnapshot(ctx, -1)
		require.NoError(t, err)
		if _, ok := snap.Find("sA"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peer caret never arrived over pubsub")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCaretSnapshotHistoryWindow(t *testing.T) {
	opts := DefaultCaretOptions()
	opts.MaxHistory = 5
	opts.FlushDelay = time.Hour
	control, _ := newCaretForTest(t, opts, nil)
	ctx := context.Background()

	_, err := control.BeginSession(ctx, "s1", "alice", 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := control.UpdateCaret(ctx, "s1", "alice", 0, i, 0)
		require.NoError(t, err)
	}

	_, err = control.GetSnapshot(ctx, 2)
	assert.ErrorIs(t, err, ErrRevisionNotAvailable)
	_, err = control.GetSnapshot(ctx, 99)
	assert.ErrorIs(t, err, ErrRevisionTooHigh)

	snap, err := control.GetSnapshot(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 11, snap.RevNum)
}
