// Package docclient drives a local editor against a server session: a
// single-threaded state machine that pulls remote changes, batches and
// pushes local edits, merges corrections, throttles caret updates, and
// survives transport failures within an error budget.
package docclient

import (
	"github.com/sfescape/bayou/delta"
)

// State names a state of the synchronization machine.
type State string

const (
	// StateDetached is the initial state: no server state loaded.
	StateDetached State = "detached"
	// StateStarting covers the initial snapshot fetch.
	StateStarting State = "starting"
	// StateIdle is the steady state: polling for remote changes and
	// waiting for editor input.
	StateIdle State = "idle"
	// StateCollecting batches local edits before a push.
	StateCollecting State = "collecting"
	// StateMerging covers an in-flight update call.
	StateMerging State = "merging"
	// StateErrorWait backs off after an API error before restarting.
	StateErrorWait State = "errorWait"
	// StateUnrecoverable is terminal; the error budget was exhausted.
	StateUnrecoverable State = "unrecoverableError"
	// StateAny is the table wildcard.
	StateAny State = "*"
)

// EventType names an event consumed by the machine.
type EventType string

const (
	// EventStart (re)initializes the machine.
	EventStart EventType = "start"
	// EventGotSnapshot delivers the initial snapshot.
	EventGotSnapshot EventType = "gotSnapshot"
	// EventGotChangeAfter delivers a pulled remote change.
	EventGotChangeAfter EventType = "gotChangeAfter"
	// EventGotEditorEvent delivers a local editor event.
	EventGotEditorEvent EventType = "gotQuillEvent"
	// EventWantInput asks the machine to resume polling.
	EventWantInput EventType = "wantInput"
	// EventWantToUpdate fires when the push delay elapses.
	EventWantToUpdate EventType = "wantToUpdate"
	// EventGotUpdate delivers the server's correction for a push.
	EventGotUpdate EventType = "gotUpdate"
	// EventAPIError reports a failed API call.
	EventAPIError EventType = "apiError"
	// EventSendCaret fires when the caret throttle elapses.
	EventSendCaret EventType = "sendCaret"
	// EventAny is the table wildcard.
	EventAny EventType = "*"
)

// EditorEventKind discriminates editor events.
type EditorEventKind int

const (
	// TextChange is a local edit to the document body.
	TextChange EditorEventKind = iota
	// SelectionChange is a local caret/selection move.
	SelectionChange
)

// EditorEvent is one event emitted by the editor widget.
type EditorEvent struct {
	// Kind discriminates the payload.
	Kind EditorEventKind
	// Delta is the body edit, for TextChange.
	Delta *delta.BodyDelta
	// Index and Length describe the selection, for SelectionChange.
	Index  int
	Length int
	// Source tags who caused the event; events sourced by this subsystem
	// itself are never echoed back to the server.
	Source string
}

// event is one queue entry.
type event struct {
	typ EventType

	snapshot    delta.Snapshot
	baseRevNum  int
	change      delta.Change
	editorEvent EditorEvent
	sent        *delta.BodyDelta
	correction  delta.Change
	method      string
	err         error
}
