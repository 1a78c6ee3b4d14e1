package docclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
)

// fakeEditor records what the machine does to the widget.
type fakeEditor struct {
	mu       sync.Mutex
	contents *delta.BodyDelta
	applied  []*delta.BodyDelta
	enabled  bool
}

func newFakeEditor() *fakeEditor {
	return &fakeEditor{contents: delta.MustBodyDelta()}
}

func (e *fakeEditor) SetContents(d *delta.BodyDelta, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contents = d
	return nil
}

func (e *fakeEditor) ApplyChange(d *delta.BodyDelta, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	composed, err := e.contents.Compose(d, true)
	if err != nil {
		return err
	}
	e.contents = composed.(*delta.BodyDelta)
	e.applied = append(e.applied, d)
	return nil
}

func (e *fakeEditor) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

func (e *fakeEditor) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contents.Text()
}

func (e *fakeEditor) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *fakeEditor) Applied() []*delta.BodyDelta {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*delta.BodyDelta, len(e.applied))
	copy(out, e.applied)
	return out
}

type updateCall struct {
	base int
	d    *delta.BodyDelta
}

type caretCall struct {
	docRevNum, index, length int
}

// fakeAPI is a scriptable server session.
type fakeAPI struct {
	mu         sync.Mutex
	snapshot   delta.Snapshot
	snapErr    error
	pollErr    error
	changes    chan delta.Change
	updates    []updateCall
	carets     []caretCall
	updateResp func(call int, base int, d *delta.BodyDelta) (delta.Change, error)
	rev        int
}

func newFakeAPI(text string, revNum int) *fakeAPI {
	snap, err := delta.NewSnapshot(revNum, delta.MustBodyDelta(delta.BodyInsert(text, nil)))
	if err != nil {
		panic(err)
	}
	return &fakeAPI{snapshot: snap, changes: make(chan delta.Change, 16), rev: revNum}
}

func timedOut() error {
	return &apiframe.RemoteError{Name: "timedOut", Info: map[string]interface{}{}}
}

func (f *fakeAPI) BodyGetSnapshot(ctx context.Context, revNum int) (delta.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		err := f.snapErr
		return delta.Snapshot{}, err
	}
	return f.snapshot, nil
}

func (f *fakeAPI) BodyGetChangeAfter(ctx context.Context, baseRevNum int) (delta.Change, error) {
	f.mu.Lock()
	pollErr := f.pollErr
	f.mu.Unlock()
	if pollErr != nil {
		return delta.Change{}, pollErr
	}
	select {
	case change := <-f.changes:
		return change, nil
	case <-time.After(50 * time.Millisecond):
		return delta.Change{}, timedOut()
	case <-ctx.Done():
		return delta.Change{}, ctx.Err()
	}
}

func (f *fakeAPI) BodyUpdate(ctx context.Context, baseRevNum int, d *delta.BodyDelta) (delta.Change, error) {
	f.mu.Lock()
	f.updates = append(f.updates, updateCall{base: baseRevNum, d: d})
	call := len(f.updates)
	resp := f.updateResp
	f.mu.Unlock()
	if resp != nil {
		return resp(call, baseRevNum, d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev = baseRevNum + 1
	return delta.Correction(f.rev, delta.MustBodyDelta()), nil
}

func (f *fakeAPI) CaretUpdate(ctx context.Context, docRevNum, index, length int) (delta.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carets = append(f.carets, caretCall{docRevNum, index, length})
	return delta.Correction(0, delta.MustCaretDelta()), nil
}

func (f *fakeAPI) GetSessionID(ctx context.Context) (string, error) {
	return "fake-session", nil
}

func (f *fakeAPI) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]updateCall, len(f.updates))
	copy(out, f.updates)
	return out
}

func (f *fakeAPI) caretCalls() []caretCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]caretCall, len(f.carets))
	copy(out, f.carets)
	return out
}

func fastOptions() *MachineOptions {
	return &MachineOptions{
		PushDelay:         10 * time.Millisecond,
		PullDelay:         5 * time.Millisecond,
		RestartDelay:      20 * time.Millisecond,
		CaretRequestDelay: 10 * time.Millisecond,
		CaretErrorDelay:   20 * time.Millisecond,
	}
}

func startMachine(t *testing.T, api SessionAPI, editor Editor, opts *MachineOptions) *Machine {
	t.Helper()
	if opts == nil {
		opts = fastOptions()
	}
	m := NewMachine(api, editor, opts)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "never reached state %s (at %s)", want, m.State())
}

func TestMachineStartsIdle(t *testing.T) {
	api := newFakeAPI("hello", 3)
	editor := newFakeEditor()
	m := startMachine(t, api, editor, nil)

	waitForState(t, m, StateIdle)
	assert.Equal(t, 3, m.RevNum())
	assert.Equal(t, "hello", editor.Text())
	assert.True(t, editor.Enabled())
}

func TestMachineAppliesRemoteChange(t *testing.T) {
	api := newFakeAPI("hello", 1)
	editor := newFakeEditor()
	m := startMachine(t, api, editor, nil)
	waitForState(t, m, StateIdle)

	change, err := delta.NewChange(2,
		delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert("!", nil)),
		time.Now().UTC(), "peer")
	require.NoError(t, err)
	api.changes <- change

	require.Eventually(t, func() bool { return m.RevNum() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello!", editor.Text())
}

func TestMachinePushesLocalEdit(t *testing.T) {
	api := newFakeAPI("hello", 1)
	editor := newFakeEditor()
	m := startMachine(t, api, editor, nil)
	waitForState(t, m, StateIdle)

	m.HandleEditorEvent(EditorEvent{
		Kind:   TextChange,
		Delta:  delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert("!", nil)),
		Source: "user",
	})

	require.Eventually(t, func() bool { return len(api.updateCalls()) == 1 },
		2*time.Second, 5*time.Millisecond)
	call := api.updateCalls()[0]
	assert.Equal(t, 1, call.base)
	assert.True(t, delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert("!", nil)).Equals(call.d))

	waitForState(t, m, StateIdle)
	assert.Equal(t, 2, m.RevNum())
}

func TestMachineBatchesEditsDuringPushDelay(t *testing.T) {
	api := newFakeAPI("", 0)
	editor := newFakeEditor()
	opts := fastOptions()
	opts.PushDelay = 50 * time.Millisecond
	m := startMachine(t, api, editor, opts)
	waitForState(t, m, StateIdle)

	m.HandleEditorEvent(EditorEvent{Kind: TextChange, Delta: delta.MustBodyDelta(delta.BodyInsert("a", nil)), Source: "user"})
	m.HandleEditorEvent(EditorEvent{Kind: TextChange, Delta: delta.MustBodyDelta(delta.BodyRetain(1, nil), delta.BodyInsert("b", nil)), Source: "user"})

	require.Eventually(t, func() bool { return len(api.updateCalls()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, delta.MustBodyDelta(delta.BodyInsert("ab", nil)).Equals(api.updateCalls()[0].d))
}

func TestMachineSkipsOwnSourcedEvents(t *testing.T) {
	api := newFakeAPI("x", 1)
	editor := newFakeEditor()
	m := startMachine(t, api, editor, nil)
	waitForState(t, m, StateIdle)

	m.HandleEditorEvent(EditorEvent{
		Kind:   TextChange,
		Delta:  delta.MustBodyDelta(delta.BodyInsert("echo", nil)),
		Source: SourceTag,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, api.updateCalls())
	assert.Equal(t, StateIdle, m.State())
}

func TestMachineMergesDuringRoundTrip(t *testing.T) {
	api := newFakeAPI("hello", 1)
	editor := newFakeEditor()

	gate := make(chan struct{})
	correction := delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert(" world", nil))
	api.updateResp = func(call, base int, d *delta.BodyDelta) (delta.Change, error) {
		if call == 1 {
			<-gate
			return delta.Correction(3, correction), nil
		}
		return delta.Correction(4, delta.MustBodyDelta()), nil
	}

	m := startMachine(t, api, editor, nil)
	waitForState(t, m, StateIdle)

	// d1 goes out; while it is in flight the user types d2.
	d1 := delta.MustBodyDelta(delta.BodyRetain(5, nil), delta.BodyInsert("!", nil))
	m.HandleEditorEvent(EditorEvent{Kind: TextChange, Delta: d1, Source: "user"})
	require.Eventually(t, func() bool { return len(api.updateCalls()) == 1 },
		2*time.Second, 5*time.Millisecond)
	// The editor already reflects d1 and then d2.
	require.NoError(t, editor.ApplyChange(d1, "user-direct"))
	d2 := delta.MustBodyDelta(delta.BodyInsert("X", nil))
	require.NoError(t, editor.ApplyChange(d2, "user-direct"))
	m.HandleEditorEvent(EditorEvent{Kind: TextChange, Delta: d2, Source: "user"})
	waitForState(t, m, StateMerging)
	close(gate)

	// The correction arrives and is integrated past d2; d2 is re-pushed
	// rebased over the correction.
	require.Eventually(t, func() bool { return len(api.updateCalls()) == 2 },
		2*time.Second, 5*time.Millisecond)
	second := api.updateCalls()[1]
	assert.Equal(t, 3, second.base)
	assert.True(t, delta.MustBodyDelta(delta.BodyInsert("X", nil)).Equals(second.d),
		"second push was %+v", second.d.Ops())

	assert.Equal(t, "Xhello world!", editor.Text())
	waitForState(t, m, StateIdle)
	assert.Equal(t, 4, m.RevNum())
}

func TestMachineThrottlesCaretUpdates(t *testing.T) {
	api := newFakeAPI("hello", 1)
	editor := newFakeEditor()
	opts := fastOptions()
	opts.CaretRequestDelay = 50 * time.Millisecond
	m := startMachine(t, api, editor, opts)
	waitForState(t, m, StateIdle)

	for i := 1; i <= 5; i++ {
		m.HandleEditorEvent(EditorEvent{Kind: SelectionChange, Index: i, Length: 0, Source: "user"})
	}

	require.Eventually(t, func() bool { return len(api.caretCalls()) >= 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	calls := api.caretCalls()
	assert.LessOrEqual(t, len(calls), 2)
	assert.Equal(t, 5, calls[len(calls)-1].index)
}

func TestMachineRecoversAfterError(t *testing.T) {
	api := newFakeAPI("hello", 1)
	api.snapErr = errors.New("boom")
	editor := newFakeEditor()
	m := startMachine(t, api, editor, nil)

	waitForState(t, m, StateErrorWait)
	assert.False(t, editor.Enabled())

	api.mu.Lock()
	api.snapErr = nil
	api.mu.Unlock()

	waitForState(t, m, StateIdle)
	assert.True(t, editor.Enabled())
}

func TestMachineUnrecoverableAfterBudget(t *testing.T) {
	api := newFakeAPI("hello", 1)
	api.snapErr = fmt.Errorf("persistent failure")
	editor := newFakeEditor()
	opts := fastOptions()
	// Three errors in the window push the rate over the threshold.
	opts.ErrorWindow = time.Minute
	opts.MaxErrorsPerMin = 2.25
	m := startMachine(t, api, editor, opts)

	waitForState(t, m, StateUnrecoverable)
	assert.False(t, editor.Enabled())

	// Terminal: further events do nothing.
	m.HandleEditorEvent(EditorEvent{Kind: TextChange, Delta: delta.MustBodyDelta(delta.BodyInsert("x", nil)), Source: "user"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateUnrecoverable, m.State())
}

func TestTableTieBreak(t *testing.T) {
	var hits []string
	table := handlerTable{
		{StateIdle, EventStart}: func(m *Machine, ev event) { hits = append(hits, "exact") },
		{StateIdle, EventAny}:   func(m *Machine, ev event) { hits = append(hits, "state-any") },
		{StateAny, EventStart}:  func(m *Machine, ev event) { hits = append(hits, "any-event") },
		{StateAny, EventAny}:    func(m *Machine, ev event) { hits = append(hits, "any-any") },
	}

	h, ok := table.resolve(StateIdle, EventStart)
	require.True(t, ok)
	h(nil, event{})
	h, ok = table.resolve(StateIdle, EventGotUpdate)
	require.True(t, ok)
	h(nil, event{})
	h, ok = table.resolve(StateMerging, EventStart)
	require.True(t, ok)
	h(nil, event{})
	h, ok = table.resolve(StateMerging, EventGotUpdate)
	require.True(t, ok)
	h(nil, event{})

	assert.Equal(t, []string{"exact", "state-any", "any-event", "any-any"}, hits)
}
