package docclient

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
)

// SourceTag marks editor changes applied by this subsystem on behalf of the
// server; such changes are never echoed back.
const SourceTag = "doc-client"

// Default protocol delays.
const (
	DefaultPushDelay         = 1 * time.Second
	DefaultPullDelay         = 1 * time.Second
	DefaultRestartDelay      = 10 * time.Second
	DefaultCaretRequestDelay = 250 * time.Millisecond
	DefaultCaretErrorDelay   = 5 * time.Second
	DefaultErrorWindow       = 180 * time.Second
	DefaultMaxErrorsPerMin   = 2.25
)

// MachineOptions tunes the machine; zero values take the defaults above.
type MachineOptions struct {
	Logger            *zap.Logger
	Clock             clock.Clock
	PushDelay         time.Duration
	PullDelay         time.Duration
	RestartDelay      time.Duration
	CaretRequestDelay time.Duration
	CaretErrorDelay   time.Duration
	ErrorWindow       time.Duration
	MaxErrorsPerMin   float64
}

func (o *MachineOptions) withDefaults() *MachineOptions {
	out := *o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.PushDelay == 0 {
		out.PushDelay = DefaultPushDelay
	}
	if out.PullDelay == 0 {
		out.PullDelay = DefaultPullDelay
	}
	if out.RestartDelay == 0 {
		out.RestartDelay = DefaultRestartDelay
	}
	if out.CaretRequestDelay == 0 {
		out.CaretRequestDelay = DefaultCaretRequestDelay
	}
	if out.CaretErrorDelay == 0 {
		out.CaretErrorDelay = DefaultCaretErrorDelay
	}
	if out.ErrorWindow == 0 {
		out.ErrorWindow = DefaultErrorWindow
	}
	if out.MaxErrorsPerMin == 0 {
		out.MaxErrorsPerMin = DefaultMaxErrorsPerMin
	}
	return &out
}

// Machine is the client synchronization state machine. Events are queued
// FIFO and dispatched on a single goroutine; handlers never block on I/O but
// spawn continuations that post follow-up events.
type Machine struct {
	api    SessionAPI
	editor Editor
	logger *zap.Logger
	clock  clock.Clock
	opts   *MachineOptions
	budget *ErrorBudget

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	stateMu sync.Mutex
	state   State
	revNum  int

	// Loop-goroutine state.
	pending        *delta.BodyDelta
	inFlight       *delta.BodyDelta
	pollActive     bool
	pushScheduled  bool
	caretScheduled bool
	caretDirty     bool
	caretIndex     int
	caretLength    int
}

// NewMachine builds a machine; opts may be nil.
func NewMachine(api SessionAPI, editor Editor, opts *MachineOptions) *Machine {
	if opts == nil {
		opts = &MachineOptions{}
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		api:    api,
		editor: editor,
		logger: opts.Logger,
		clock:  opts.Clock,
		opts:   opts,
		budget: NewErrorBudget(opts.ErrorWindow, opts.MaxErrorsPerMin, opts.Clock),
		events: make(chan event, 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateDetached,
	}
}

// Start launches the loop and posts the initial start event.
func (m *Machine) Start() {
	m.once.Do(func() {
		go m.loop()
		m.post(event{typ: EventStart})
	})
}

// Stop tears the machine down; timers and in-flight calls are abandoned.
func (m *Machine) Stop() {
	m.cancel()
	<-m.done
}

// State reports the current state.
func (m *Machine) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// RevNum reports the last server revision reflected in the editor.
func (m *Machine) RevNum() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.revNum
}

// HandleEditorEvent feeds one editor event into the machine.
func (m *Machine) HandleEditorEvent(ev EditorEvent) {
	m.post(event{typ: EventGotEditorEvent, editorEvent: ev})
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// afterPost posts ev once the delay elapses, unless the machine stops
// first.
func (m *Machine) afterPost(delay time.Duration, ev event) {
	timer := m.clock.Timer(delay)
	go func() {
		select {
		case <-timer.C:
			m.post(ev)
		case <-m.ctx.Done():
			timer.Stop()
		}
	}()
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Machine) dispatch(ev event) {
	state := m.State()
	h, ok := machineTable.resolve(state, ev.typ)
	if !ok {
		m.logger.Debug("No handler for event",
			zap.String("state", string(state)),
			zap.String("event", string(ev.typ)))
		return
	}
	h(m, ev)
}

func (m *Machine) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *Machine) setRevNum(n int) {
	m.stateMu.Lock()
	m.revNum = n
	m.stateMu.Unlock()
}

func (m *Machine) composeBody(a, b *delta.BodyDelta) *delta.BodyDelta {
	if a == nil || a.IsEmpty() {
		return b
	}
	if b == nil || b.IsEmpty() {
		return a
	}
	out, err := a.Compose(b, false)
	if err != nil {
		m.logger.Error("Local delta composition failed", zap.Error(err))
		return a
	}
	return out.(*delta.BodyDelta)
}

// --- handlers ---

func (m *Machine) handleDetachedStart(ev event) {
	m.setState(StateStarting)
	m.editor.SetEnabled(false)
	m.pending = nil
	m.inFlight = nil
	m.pollActive = false
	m.pushScheduled = false

	go func() {
		snap, err := m.api.BodyGetSnapshot(m.ctx, -1)
		if err != nil {
			m.post(event{typ: EventAPIError, method: "body_getSnapshot", err: err})
			return
		}
		m.post(event{typ: EventGotSnapshot, snapshot: snap})
	}()
}

func (m *Machine) handleStartingGotSnapshot(ev event) {
	contents, ok := ev.snapshot.Contents.(*delta.BodyDelta)
	if !ok {
		m.post(event{typ: EventAPIError, method: "body_getSnapshot", err: apiframe.ErrBadData})
		return
	}
	if err := m.editor.SetContents(contents, SourceTag); err != nil {
		m.post(event{typ: EventAPIError, method: "editor", err: err})
		return
	}
	m.setRevNum(ev.snapshot.RevNum)
	m.setState(StateIdle)
	m.editor.SetEnabled(true)
	m.post(event{typ: EventWantInput})
}

func (m *Machine) handleIdleWantInput(ev event) {
	if m.pollActive {
		return
	}
	m.pollActive = true
	base := m.RevNum()

	go func() {
		change, err := m.api.BodyGetChangeAfter(m.ctx, base)
		if err != nil {
			if apiframe.IsRemote(err, "timedOut") {
				// Expected on a quiet document; re-poll transparently.
				m.post(event{typ: EventGotChangeAfter, baseRevNum: base})
				return
			}
			m.post(event{typ: EventAPIError, method: "body_getChangeAfter", err: err})
			return
		}
		m.post(event{typ: EventGotChangeAfter, baseRevNum: base, change: change})
	}()
}

// handleIdleGotChangeAfter integrates a pulled change; it also serves the
// collecting state, where accumulated local edits have to be rebased.
func (m *Machine) handleIdleGotChangeAfter(ev event) {
	m.pollActive = false
	if ev.change.Delta == nil {
		// Timed-out poll; go around again.
		m.post(event{typ: EventWantInput})
		return
	}
	revNum := m.RevNum()
	if ev.change.RevNum != revNum+1 {
		// Stale result from before a restart; the next poll is anchored
		// at the current revision.
		m.logger.Debug("Dropping out-of-sequence change",
			zap.Int("rev_num", ev.change.RevNum),
			zap.Int("expected", revNum+1))
		m.post(event{typ: EventWantInput})
		return
	}
	remote, ok := ev.change.Delta.(*delta.BodyDelta)
	if !ok {
		m.post(event{typ: EventAPIError, method: "body_getChangeAfter", err: apiframe.ErrBadData})
		return
	}

	toApply := remote
	if m.pending != nil && !m.pending.IsEmpty() {
		// The editor already shows the pending local edits; rebase the
		// remote change over them, with the committed change winning
		// position races.
		applied, err := m.pending.Transform(remote, true)
		if err != nil {
			m.post(event{typ: EventAPIError, method: "transform", err: err})
			return
		}
		rebased, err := remote.Transform(m.pending, false)
		if err != nil {
			m.post(event{typ: EventAPIError, method: "transform", err: err})
			return
		}
		toApply = applied.(*delta.BodyDelta)
		m.pending = rebased.(*delta.BodyDelta)
	}
	if err := m.editor.ApplyChange(toApply, SourceTag); err != nil {
		m.post(event{typ: EventAPIError, method: "editor", err: err})
		return
	}
	m.setRevNum(ev.change.RevNum)
	m.afterPost(m.opts.PullDelay, event{typ: EventWantInput})
}

func (m *Machine) handleEditorEvent(ev event) {
	ee := ev.editorEvent
	if ee.Source == SourceTag {
		// Our own application of server changes; echoing it back would
		// loop forever.
		return
	}
	switch ee.Kind {
	case SelectionChange:
		m.caretIndex = ee.Index
		m.caretLength = ee.Length
		m.caretDirty = true
		if !m.caretScheduled {
			m.caretScheduled = true
			m.afterPost(m.opts.CaretRequestDelay, event{typ: EventSendCaret})
		}
	case TextChange:
		if ee.Delta == nil || ee.Delta.IsEmpty() {
			return
		}
		m.pending = m.composeBody(m.pending, ee.Delta)
		if m.State() == StateIdle {
			m.setState(StateCollecting)
			if !m.pushScheduled {
				m.pushScheduled = true
				m.afterPost(m.opts.PushDelay, event{typ: EventWantToUpdate, baseRevNum: m.RevNum()})
			}
		}
	}
}

func (m *Machine) handleSendCaret(ev event) {
	if ev.err != nil {
		// A failed caret push retries after the error delay; caret loss
		// never escalates to the error budget.
		m.logger.Debug("Caret update failed", zap.Error(ev.err))
		m.caretDirty = true
		if !m.caretScheduled {
			m.caretScheduled = true
			m.afterPost(m.opts.CaretErrorDelay, event{typ: EventSendCaret})
		}
		return
	}
	m.caretScheduled = false
	if !m.caretDirty {
		return
	}
	m.caretDirty = false
	index, length := m.caretIndex, m.caretLength
	revNum := m.RevNum()

	go func() {
		if _, err := m.api.CaretUpdate(m.ctx, revNum, index, length); err != nil {
			m.post(event{typ: EventSendCaret, err: err})
		}
	}()
}

func (m *Machine) handleCollectingWantToUpdate(ev event) {
	m.pushScheduled = false
	if m.pending == nil || m.pending.IsEmpty() {
		m.pending = nil
		m.setState(StateIdle)
		m.post(event{typ: EventWantInput})
		return
	}
	m.inFlight = m.pending
	m.pending = nil
	m.setState(StateMerging)
	base := m.RevNum()
	sent := m.inFlight

	go func() {
		correction, err := m.api.BodyUpdate(m.ctx, base, sent)
		if err != nil {
			m.post(event{typ: EventAPIError, method: "body_update", err: err})
			return
		}
		m.post(event{typ: EventGotUpdate, sent: sent, correction: correction})
	}()
}

func (m *Machine) handleMergingGotUpdate(ev event) {
	m.inFlight = nil
	correction, ok := ev.correction.Delta.(*delta.BodyDelta)
	if !ok {
		m.post(event{typ: EventAPIError, method: "body_update", err: apiframe.ErrBadData})
		return
	}

	if !correction.IsEmpty() {
		dMore := m.pending
		if dMore == nil {
			dMore = delta.MustBodyDelta()
		}
		// Editor state is (expected result + dMore); rebase the
		// correction over dMore before applying, and rebase dMore over
		// the correction as the next pending push. The local edits keep
		// their positions in races: the correction was computed without
		// ever seeing them.
		integrated, err := dMore.Transform(correction, false)
		if err != nil {
			m.post(event{typ: EventAPIError, method: "transform", err: err})
			return
		}
		rebasedMore, err := correction.Transform(dMore, true)
		if err != nil {
			m.post(event{typ: EventAPIError, method: "transform", err: err})
			return
		}
		if err := m.editor.ApplyChange(integrated.(*delta.BodyDelta), SourceTag); err != nil {
			m.post(event{typ: EventAPIError, method: "editor", err: err})
			return
		}
		m.pending = rebasedMore.(*delta.BodyDelta)
		if m.pending.IsEmpty() {
			m.pending = nil
		}
	}
	m.setRevNum(ev.correction.RevNum)

	if m.pending != nil && !m.pending.IsEmpty() {
		m.setState(StateCollecting)
		if !m.pushScheduled {
			m.pushScheduled = true
			m.afterPost(m.opts.PushDelay, event{typ: EventWantToUpdate, baseRevNum: m.RevNum()})
		}
	} else {
		m.setState(StateIdle)
		m.post(event{typ: EventWantInput})
	}
}

// handleMergingGotChangeAfter drops a poll result that raced our own
// update: the correction integrates every server change up to its revision,
// so applying this one too would double-count it.
func (m *Machine) handleMergingGotChangeAfter(ev event) {
	m.pollActive = false
}

func (m *Machine) handleAPIError(ev event) {
	m.logger.Warn("API error",
		zap.String("method", ev.method),
		zap.Error(ev.err))
	m.editor.SetEnabled(false)
	m.pending = nil
	m.inFlight = nil
	m.pollActive = false
	m.pushScheduled = false

	if m.budget.Record() {
		m.logger.Error("Error budget exhausted; client is unrecoverable",
			zap.Float64("rate_per_minute", m.budget.Rate()))
		m.setState(StateUnrecoverable)
		return
	}
	m.setState(StateErrorWait)
	m.afterPost(m.opts.RestartDelay, event{typ: EventStart})
}

func (m *Machine) handleErrorWaitStart(ev event) {
	m.setState(StateDetached)
	m.post(event{typ: EventStart})
}

func (m *Machine) handleIgnore(ev event) {}

func (m *Machine) handleUnexpected(ev event) {
	m.logger.Debug("Unexpected event ignored",
		zap.String("state", string(m.State())),
		zap.String("event", string(ev.typ)))
}
