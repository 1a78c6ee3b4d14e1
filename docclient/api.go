package docclient

import (
	"context"
	"fmt"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
)

// SessionAPI is the slice of the server session target the machine uses.
type SessionAPI interface {
	// BodyGetSnapshot fetches a body snapshot; revNum < 0 means latest.
	BodyGetSnapshot(ctx context.Context, revNum int) (delta.Snapshot, error)
	// BodyGetChangeAfter long-polls for the next body change.
	BodyGetChangeAfter(ctx context.Context, baseRevNum int) (delta.Change, error)
	// BodyUpdate pushes a local edit and returns the correction.
	BodyUpdate(ctx context.Context, baseRevNum int, d *delta.BodyDelta) (delta.Change, error)
	// CaretUpdate pushes the local selection.
	CaretUpdate(ctx context.Context, docRevNum, index, length int) (delta.Change, error)
	// GetSessionID fetches the session id for logging.
	GetSessionID(ctx context.Context) (string, error)
}

// remoteSession implements SessionAPI over an API framing connection.
type remoteSession struct {
	conn     *apiframe.ClientConn
	targetID string
}

// NewRemoteSession binds a SessionAPI to an authorized target on conn.
func NewRemoteSession(conn *apiframe.ClientConn, targetID string) SessionAPI {
	return &remoteSession{conn: conn, targetID: targetID}
}

func (r *remoteSession) BodyGetSnapshot(ctx context.Context, revNum int) (delta.Snapshot, error) {
	var args []interface{}
	if revNum >= 0 {
		args = append(args, revNum)
	}
	raw, err := r.conn.Call(ctx, r.targetID, "body_getSnapshot", args...)
	if err != nil {
		return delta.Snapshot{}, err
	}
	snap, ok := raw.(delta.Snapshot)
	if !ok {
		return delta.Snapshot{}, fmt.Errorf("%w: body_getSnapshot returned %T", apiframe.ErrBadData, raw)
	}
	return snap, nil
}

func (r *remoteSession) BodyGetChangeAfter(ctx context.Context, baseRevNum int) (delta.Change, error) {
	raw, err := r.conn.Call(ctx, r.targetID, "body_getChangeAfter", baseRevNum)
	if err != nil {
		return delta.Change{}, err
	}
	change, ok := raw.(delta.Change)
	if !ok {
		return delta.Change{}, fmt.Errorf("%w: body_getChangeAfter returned %T", apiframe.ErrBadData, raw)
	}
	return change, nil
}

func (r *remoteSession) BodyUpdate(ctx context.Context, baseRevNum int, d *delta.BodyDelta) (delta.Change, error) {
	raw, err := r.conn.Call(ctx, r.targetID, "body_update", baseRevNum, d)
	if err != nil {
		return delta.Change{}, err
	}
	change, ok := raw.(delta.Change)
	if !ok {
		return delta.Change{}, fmt.Errorf("%w: body_update returned %T", apiframe.ErrBadData, raw)
	}
	return change, nil
}

func (r *remoteSession) CaretUpdate(ctx context.Context, docRevNum, index, length int) (delta.Change, error) {
	raw, err := r.conn.Call(ctx, r.targetID, "caret_update", docRevNum, index, length)
	if err != nil {
		return delta.Change{}, err
	}
	change, ok := raw.(delta.Change)
	if !ok {
		return delta.Change{}, fmt.Errorf("%w: caret_update returned %T", apiframe.ErrBadData, raw)
	}
	return change, nil
}

func (r *remoteSession) GetSessionID(ctx context.Context) (string, error) {
	raw, err := r.conn.Call(ctx, r.targetID, "getSessionId")
	if err != nil {
		return "", err
	}
	id, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: getSessionId returned %T", apiframe.ErrBadData, raw)
	}
	return id, nil
}

// Editor abstracts the editor widget: the machine applies server-sourced
// changes through it and gates user input on connection health. Local
// events flow back in through Machine.HandleEditorEvent.
type Editor interface {
	// SetContents replaces the editor contents with a document-form delta,
	// tagged with source so the resulting editor event is not echoed to
	// the server.
	SetContents(d *delta.BodyDelta, source string) error
	// ApplyChange applies a body delta to the editor contents, tagged with
	// source so the resulting editor event is not echoed to the server.
	ApplyChange(d *delta.BodyDelta, source string) error
	// SetEnabled gates user input.
	SetEnabled(enabled bool)
}
