package docclient

// handler processes one event on the machine's loop goroutine.
type handler func(m *Machine, ev event)

// tableKey addresses one handler.
type tableKey struct {
	state State
	event EventType
}

// handlerTable is an explicit (state, event) dispatch table with wildcard
// fallthrough. Resolution order: exact, (state, any), (any, event),
// (any, any).
type handlerTable map[tableKey]handler

// resolve finds the handler for a (state, event) pair.
func (t handlerTable) resolve(state State, eventType EventType) (handler, bool) {
	for _, key := range []tableKey{
		{state, eventType},
		{state, EventAny},
		{StateAny, eventType},
		{StateAny, EventAny},
	} {
		if h, ok := t[key]; ok {
			return h, true
		}
	}
	return nil, false
}

// machineTable wires the synchronization protocol.
var machineTable = handlerTable{
	{StateDetached, EventStart}: (*Machine).handleDetachedStart,

	{StateStarting, EventGotSnapshot}: (*Machine).handleStartingGotSnapshot,

	{StateIdle, EventWantInput}:       (*Machine).handleIdleWantInput,
	{StateIdle, EventGotChangeAfter}:  (*Machine).handleIdleGotChangeAfter,
	{StateIdle, EventGotEditorEvent}:  (*Machine).handleEditorEvent,
	{StateIdle, EventWantToUpdate}:   (*Machine).handleIgnore,

	{StateCollecting, EventGotEditorEvent}: (*Machine).handleEditorEvent,
	{StateCollecting, EventWantToUpdate}:   (*Machine).handleCollectingWantToUpdate,
	{StateCollecting, EventGotChangeAfter}: (*Machine).handleIdleGotChangeAfter,

	{StateMerging, EventGotEditorEvent}: (*Machine).handleEditorEvent,
	{StateMerging, EventGotUpdate}:      (*Machine).handleMergingGotUpdate,
	{StateMerging, EventGotChangeAfter}: (*Machine).handleMergingGotChangeAfter,

	{StateErrorWait, EventStart}: (*Machine).handleErrorWaitStart,

	{StateUnrecoverable, EventAny}: (*Machine).handleIgnore,

	{StateAny, EventSendCaret}: (*Machine).handleSendCaret,
	{StateAny, EventAPIError}:  (*Machine).handleAPIError,
	{StateAny, EventAny}:       (*Machine).handleUnexpected,
}
