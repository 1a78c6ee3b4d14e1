package doccontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
)

// Session binds one (file, session id, author id) triple to the document
// controls as an RPC target. Sessions are registered with their file
// complex and garbage-collected when their API connection closes.
type Session struct {
	complex   *FileComplex
	sessionID string
	authorID  string
}

// SessionID returns the session's id.
func (s *Session) SessionID() string { return s.sessionID }

// AuthorID returns the session's author.
func (s *Session) AuthorID() string { return s.authorID }

// LogInfo identifies the session for client-side logs.
func (s *Session) LogInfo() string {
	return fmt.Sprintf("%s/%s/%s", s.complex.file.ID(), s.sessionID, s.authorID)
}

// Target exposes the session's RPC surface.
func (s *Session) Target() apiframe.Target {
	return apiframe.NewMethodMap(map[string]apiframe.MethodFunc{
		"getLogInfo": func(ctx context.Context, args []interface{}) (interface{}, error) {
			return s.LogInfo(), nil
		},
		"getSessionId": func(ctx context.Context, args []interface{}) (interface{}, error) {
			return s.sessionID, nil
		},

		"body_getSnapshot":    s.getSnapshotMethod(func() *Control { return s.complex.body.Control }),
		"body_getChange":      s.getChangeMethod(func() *Control { return s.complex.body.Control }),
		"body_getChangeAfter": s.getChangeAfterMethod(func() *Control { return s.complex.body.Control }),
		"body_update":         s.updateMethod(func() *Control { return s.complex.body.Control }),

		"property_getSnapshot":    s.getSnapshotMethod(func() *Control { return s.complex.property.Control }),
		"property_getChange":      s.getChangeMethod(func() *Control { return s.complex.property.Control }),
		"property_getChangeAfter": s.getChangeAfterMethod(func() *Control { return s.complex.property.Control }),
		"property_update":         s.updateMethod(func() *Control { return s.complex.property.Control }),

		"caret_getSnapshot": func(ctx context.Context, args []interface{}) (interface{}, error) {
			revNum, present, err := apiframe.OptionalIntArg("caret_getSnapshot", args, 0)
			if err != nil {
				return nil, err
			}
			if !present {
				revNum = -1
			}
			return s.complex.caret.GetCaretSnapshot(ctx, revNum)
		},
		"caret_getChangeAfter": func(ctx context.Context, args []interface{}) (interface{}, error) {
			base, err := apiframe.IntArg("caret_getChangeAfter", args, 0)
			if err != nil {
				return nil, err
			}
			return s.complex.caret.GetChangeAfter(ctx, base, 0)
		},
		"caret_update": func(ctx context.Context, args []interface{}) (interface{}, error) {
			docRevNum, err := apiframe.IntArg("caret_update", args, 0)
			if err != nil {
				return nil, err
			}
			index, err := apiframe.IntArg("caret_update", args, 1)
			if err != nil {
				return nil, err
			}
			length, present, err := apiframe.OptionalIntArg("caret_update", args, 2)
			if err != nil {
				return nil, err
			}
			if !present {
				length = 0
			}
			return s.complex.caret.UpdateCaret(ctx, s.sessionID, s.authorID, docRevNum, index, length)
		},
	})
}

func (s *Session) getSnapshotMethod(control func() *Control) apiframe.MethodFunc {
	return func(ctx context.Context, args []interface{}) (interface{}, error) {
		revNum, present, err := apiframe.OptionalIntArg("getSnapshot", args, 0)
		if err != nil {
			return nil, err
		}
		if !present {
			revNum = -1
		}
		return control().GetSnapshot(ctx, revNum)
	}
}

func (s *Session) getChangeMethod(control func() *Control) apiframe.MethodFunc {
	return func(ctx context.Context, args []interface{}) (interface{}, error) {
		revNum, err := apiframe.IntArg("getChange", args, 0)
		if err != nil {
			return nil, err
		}
		return control().GetChange(ctx, revNum)
	}
}

func (s *Session) getChangeAfterMethod(control func() *Control) apiframe.MethodFunc {
	return func(ctx context.Context, args []interface{}) (interface{}, error) {
		base, err := apiframe.IntArg("getChangeAfter", args, 0)
		if err != nil {
			return nil, err
		}
		return control().GetChangeAfter(ctx, base, 0)
	}
}

func (s *Session) updateMethod(control func() *Control) apiframe.MethodFunc {
	return func(ctx context.Context, args []interface{}) (interface{}, error) {
		base, err := apiframe.IntArg("update", args, 0)
		if err != nil {
			return nil, err
		}
		if err := apiframe.ArgCount("update", args, 2); err != nil {
			return nil, err
		}
		d, ok := args[1].(delta.Delta)
		if !ok {
			return nil, fmt.Errorf("%w: update argument 1 must be a delta, got %T", ErrBadData, args[1])
		}
		change := delta.Change{
			RevNum:    base + 1,
			Delta:     d,
			Timestamp: time.Now().UTC(),
			AuthorID:  s.authorID,
		}
		return control().Update(ctx, change)
	}
}
