package doccontrol

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/caretpubsub"
	"github.com/sfescape/bayou/metrics"
	"github.com/sfescape/bayou/txfile"
)

// ComplexOptions tunes a file complex and its controls.
type ComplexOptions struct {
	// Control tunes the durable body and property controls.
	Control *Options
	// Caret tunes the ephemeral caret control.
	Caret *CaretOptions
	// NodeID seeds the session id generator; distinct per server.
	NodeID int64
}

// DefaultComplexOptions returns the recommended tuning.
func DefaultComplexOptions() *ComplexOptions {
	return &ComplexOptions{
		Control: DefaultOptions(),
		Caret:   DefaultCaretOptions(),
	}
}

// FileComplex ties one transactional file to its three payload controls and
// the live sessions editing through them. The controls reach sessions only
// by id through this registry, which is what keeps session and control
// lifetimes independent.
type FileComplex struct {
	file   txfile.File
	codec  *apiframe.Codec
	logger *zap.Logger
	status ValidationStatus

	body     *BodyControl
	property *PropertyControl
	caret    *CaretControl

	node *snowflake.Node

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewFileComplex opens a document: validates its schema, initializes or
// recovers the durable logs, and builds the caret control. pubsub and clk
// may be nil.
func NewFileComplex(ctx context.Context, file txfile.File, codec *apiframe.Codec, opts *ComplexOptions, pubsub caretpubsub.PubSub, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) (*FileComplex, error) {
	if opts == nil {
		opts = DefaultComplexOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("file_id", file.ID()))

	if exists, err := file.Exists(ctx); err != nil {
		return nil, err
	} else if !exists {
		if err := file.Create(ctx); err != nil {
			return nil, err
		}
	}

	status, err := ValidateSchema(ctx, file)
	if err != nil {
		return nil, err
	}
	if status == StatusError {
		return nil, fmt.Errorf("%w: file failed validation", ErrBadData)
	}
	if status == StatusMigrate {
		logger.Warn("File needs storage migration; continuing on the old layout")
	}

	body, err := NewBodyControl(ctx, file, codec, opts.Control, m, logger)
	if err != nil {
		return nil, err
	}
	property, err := NewPropertyControl(ctx, file, codec, opts.Control, m, logger)
	if err != nil {
		return nil, err
	}
	caret, err := NewCaretControl(file, codec, opts.Caret, pubsub, clk, logger)
	if err != nil {
		return nil, err
	}
	if err := caret.MergeStoredCarets(ctx); err != nil {
		logger.Warn("Could not merge stored carets", zap.Error(err))
	}

	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad node id: %v", ErrBadValue, err)
	}

	return &FileComplex{
		file:     file,
		codec:    codec,
		logger:   logger,
		status:   status,
		body:     body,
		property: property,
		caret:    caret,
		node:     node,
		sessions: make(map[string]*Session),
	}, nil
}

// Status reports what opening the file found.
func (fc *FileComplex) Status() ValidationStatus { return fc.status }

// Body returns the body control.
func (fc *FileComplex) Body() *BodyControl { return fc.body }

// Property returns the property control.
func (fc *FileComplex) Property() *PropertyControl { return fc.property }

// Caret returns the caret control.
func (fc *FileComplex) Caret() *CaretControl { return fc.caret }

// File returns the underlying transactional file.
func (fc *FileComplex) File() txfile.File { return fc.file }

// NewSession mints a session for an author, creating its caret. The caller
// arranges for EndSession when the owning connection closes.
func (fc *FileComplex) NewSession(ctx context.Context, authorID string) (*Session, error) {
	if authorID == "" {
		return nil, fmt.Errorf("%w: empty author id", ErrBadValue)
	}
	sessionID := fc.node.Generate().String()
	current, err := fc.body.CurrentRevNum(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := fc.caret.BeginSession(ctx, sessionID, authorID, current); err != nil {
		return nil, err
	}

	session := &Session{complex: fc, sessionID: sessionID, authorID: authorID}
	fc.mu.Lock()
	fc.sessions[sessionID] = session
	fc.mu.Unlock()
	fc.logger.Info("Session opened",
		zap.String("session_id", sessionID),
		zap.String("author_id", authorID))
	return session, nil
}

// SessionFor looks a live session up by id.
func (fc *FileComplex) SessionFor(sessionID string) (*Session, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	session, ok := fc.sessions[sessionID]
	return session, ok
}

// SessionCount reports the number of live sessions.
func (fc *FileComplex) SessionCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.sessions)
}

// EndSession removes a session and its caret.
func (fc *FileComplex) EndSession(ctx context.Context, sessionID string) error {
	fc.mu.Lock()
	_, known := fc.sessions[sessionID]
	delete(fc.sessions, sessionID)
	fc.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err := fc.caret.EndSession(ctx, sessionID); err != nil {
		return err
	}
	fc.logger.Info("Session ended", zap.String("session_id", sessionID))
	return nil
}

// Close shuts down the complex's background work. Durable state stays on
// the file.
func (fc *FileComplex) Close() error {
	return fc.caret.Close()
}
