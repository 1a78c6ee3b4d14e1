package doccontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/caretpubsub"
	"github.com/sfescape/bayou/delta"
	"github.com/sfescape/bayou/txfile"
)

// CaretOptions tunes the ephemeral caret control.
type CaretOptions struct {
	// MaxHistory bounds how many caret changes stay queryable.
	MaxHistory int
	// FlushDelay batches locally-owned caret writes to storage.
	FlushDelay time.Duration
	// FlushRetries bounds flush re-attempts after a storage failure.
	FlushRetries int
	// FlushRetryDelay spaces flush re-attempts.
	FlushRetryDelay time.Duration
	// LongPollTimeout bounds GetChangeAfter when no timeout is passed.
	LongPollTimeout time.Duration
	// Palette overrides the session color set.
	Palette []string
}

// DefaultCaretOptions returns the recommended tuning.
func DefaultCaretOptions() *CaretOptions {
	return &CaretOptions{
		MaxHistory:      100,
		FlushDelay:      5 * time.Second,
		FlushRetries:    10,
		FlushRetryDelay: 10 * time.Second,
		LongPollTimeout: 60 * time.Second,
	}
}

// caretPathRoot is where caret state is mirrored into the transactional
// file for cross-server visibility.
var caretPathRoot = txfile.MustPath("/caret")

// caretWireEnvelope carries a published caret change between servers.
type caretWireEnvelope struct {
	ServerID string          `json:"serverId"`
	Change   json.RawMessage `json:"change"`
}

// CaretControl is the ephemeral control for per-session carets. State lives
// in memory with a bounded change history; storage writes are best-effort
// mirrors for crash visibility and peer servers, never a correctness
// dependency.
type CaretControl struct {
	file    txfile.File
	codec   *apiframe.Codec
	opts    *CaretOptions
	logger  *zap.Logger
	clock   clock.Clock
	pubsub  caretpubsub.PubSub
	topic   string
	localID string

	mu        sync.Mutex
	closed    bool
	contents  *delta.CaretDelta
	revNum    int
	minRev    int
	changes   map[int]delta.Change
	snapshots map[int]delta.Snapshot
	changed   chan struct{}
	palette   *palette
	// owned tracks sessions this server created; only their carets are
	// flushed to storage.
	owned map[string]bool
	// dirty tracks owned sessions with unflushed caret state.
	dirty          map[string]bool
	flushScheduled bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCaretControl builds the caret control for a file. pubsub may be nil
// for single-server deployments; clk may be nil for the real clock.
func NewCaretControl(file txfile.File, codec *apiframe.Codec, opts *CaretOptions, pubsub caretpubsub.PubSub, clk clock.Clock, logger *zap.Logger) (*CaretControl, error) {
	if opts == nil {
		opts = DefaultCaretOptions()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	contents := delta.MustCaretDelta()
	change0, err := delta.NewChange(0, contents, time.Time{}, "")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrWTF, err)
	}
	snap0, err := delta.NewSnapshot(0, contents)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrWTF, err)
	}

	c := &CaretControl{
		file:      file,
		codec:     codec,
		opts:      opts,
		logger:    logger.With(zap.String("payload", "caret"), zap.String("file_id", file.ID())),
		clock:     clk,
		pubsub:    pubsub,
		topic:     "caret/" + file.ID(),
		localID:   uuid.NewString(),
		contents:  contents,
		changes:   map[int]delta.Change{0: change0},
		snapshots: map[int]delta.Snapshot{0: snap0},
		changed:   make(chan struct{}),
		palette:   newPalette(opts.Palette, clk),
		owned:     make(map[string]bool),
		dirty:     make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	if pubsub != nil {
		err := pubsub.Subscribe(ctx, c.topic, c.localID, c.handlePeerMessage)
		if err != nil {
			cancel()
			return nil, err
		}
	}
	return c, nil
}

// Close stops background work. A final flush is attempted with a short
// deadline; failures are logged and dropped.
func (c *CaretControl) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if c.pubsub != nil {
		c.pubsub.Unsubscribe(context.Background(), c.topic, c.localID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.flushOnce(ctx); err != nil {
		c.logger.Debug("Final caret flush failed", zap.Error(err))
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// CurrentRevNum returns the current caret revision.
func (c *CaretControl) CurrentRevNum(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revNum, nil
}

// GetSnapshot returns the caret snapshot at revNum; pass a negative revNum
// for current. History below the retention floor is gone.
func (c *CaretControl) GetSnapshot(ctx context.Context, revNum int) (delta.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if revNum < 0 {
		revNum = c.revNum
	}
	if revNum > c.revNum {
		return delta.Snapshot{}, fmt.Errorf("%w: %d > %d", ErrRevisionTooHigh, revNum, c.revNum)
	}
	snap, ok := c.snapshots[revNum]
	if !ok {
		return delta.Snapshot{}, fmt.Errorf("%w: caret revision %d", ErrRevisionNotAvailable, revNum)
	}
	return snap, nil
}

// GetCaretSnapshot is GetSnapshot in caret-set form.
func (c *CaretControl) GetCaretSnapshot(ctx context.Context, revNum int) (delta.CaretSnapshot, error) {
	snap, err := c.GetSnapshot(ctx, revNum)
	if err != nil {
		return delta.CaretSnapshot{}, err
	}
	return delta.NewCaretSnapshot(snap)
}

// GetChange reads one caret change from the retained window.
func (c *CaretControl) GetChange(ctx context.Context, revNum int) (delta.Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getChangeLocked(revNum)
}

func (c *CaretControl) getChangeLocked(revNum int) (delta.Change, error) {
	if revNum > c.revNum {
		return delta.Change{}, fmt.Errorf("%w: %d > %d", ErrRevisionTooHigh, revNum, c.revNum)
	}
	change, ok := c.changes[revNum]
	if !ok {
		return delta.Change{}, fmt.Errorf("%w: caret revision %d", ErrRevisionNotAvailable, revNum)
	}
	return change, nil
}

// GetChangeAfter returns a change with revNum > baseRevNum, long-polling at
// the head of the log. Callers paging from below the retention floor get
// ErrRevisionNotAvailable and must fall back to GetSnapshot.
func (c *CaretControl) GetChangeAfter(ctx context.Context, baseRevNum int, timeout time.Duration) (delta.Change, error) {
	if baseRevNum < 0 {
		return delta.Change{}, fmt.Errorf("%w: negative revision", ErrBadValue)
	}
	if timeout <= 0 {
		timeout = c.opts.LongPollTimeout
	}
	deadline := c.clock.Timer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if baseRevNum > c.revNum {
			c.mu.Unlock()
			return delta.Change{}, fmt.Errorf("%w: %d > %d", ErrRevisionTooHigh, baseRevNum, c.revNum)
		}
		if baseRevNum < c.revNum {
			change, err := c.getChangeLocked(baseRevNum + 1)
			c.mu.Unlock()
			return change, err
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return delta.Change{}, fmt.Errorf("%w: no caret change after revision %d", ErrTimedOut, baseRevNum)
		case <-ctx.Done():
			return delta.Change{}, ctx.Err()
		}
	}
}

// BeginSession creates (or returns) the caret for a session, assigning a
// color from the palette.
func (c *CaretControl) BeginSession(ctx context.Context, sessionID, authorID string, docRevNum int) (delta.Caret, error) {
	if sessionID == "" {
		return delta.Caret{}, fmt.Errorf("%w: empty session id", ErrBadValue)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if caret, ok := c.findLocked(sessionID); ok {
		return caret, nil
	}
	caret := delta.Caret{
		SessionID:  sessionID,
		AuthorID:   authorID,
		DocRevNum:  docRevNum,
		Index:      0,
		Length:     0,
		Color:      c.palette.acquire(sessionID),
		LastActive: c.clock.Now().UTC(),
	}
	d := delta.MustCaretDelta(delta.BeginSession(caret))
	if err := c.applyLocked(d, authorID, true, sessionID); err != nil {
		return delta.Caret{}, err
	}
	return caret, nil
}

// UpdateCaret moves a session's caret. An unknown session is created on
// first update with a server-assigned color. The returned change is a pure
// correction at the resulting revision.
func (c *CaretControl) UpdateCaret(ctx context.Context, sessionID, authorID string, docRevNum, index, length int) (delta.Change, error) {
	if sessionID == "" {
		return delta.Change{}, fmt.Errorf("%w: empty session id", ErrBadValue)
	}
	if docRevNum < 0 || index < 0 || length < 0 {
		return delta.Change{}, fmt.Errorf("%w: negative caret fields", ErrBadValue)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now().UTC()
	var d *delta.CaretDelta
	if _, ok := c.findLocked(sessionID); !ok {
		caret := delta.Caret{
			SessionID:  sessionID,
			AuthorID:   authorID,
			DocRevNum:  docRevNum,
			Index:      index,
			Length:     length,
			Color:      c.palette.acquire(sessionID),
			LastActive: now,
		}
		d = delta.MustCaretDelta(delta.BeginSession(caret))
	} else {
		d = delta.MustCaretDelta(
			delta.SetCaretField(sessionID, delta.CaretFieldDocRevNum, docRevNum),
			delta.SetCaretField(sessionID, delta.CaretFieldIndex, index),
			delta.SetCaretField(sessionID, delta.CaretFieldLength, length),
			delta.SetCaretField(sessionID, delta.CaretFieldLastActive, now),
		)
	}
	if err := c.applyLocked(d, authorID, true, sessionID); err != nil {
		return delta.Change{}, err
	}
	return delta.Correction(c.revNum, delta.Empty(delta.KindCaret)), nil
}

// EndSession removes a session's caret and returns its color to the
// palette.
func (c *CaretControl) EndSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.findLocked(sessionID); !ok {
		c.palette.release(sessionID)
		return nil
	}
	d := delta.MustCaretDelta(delta.EndSession(sessionID))
	if err := c.applyLocked(d, "", true, sessionID); err != nil {
		return err
	}
	c.palette.release(sessionID)
	return nil
}

func (c *CaretControl) findLocked(sessionID string) (delta.Caret, bool) {
	carets, err := c.contents.Carets()
	if err != nil {
		return delta.Caret{}, false
	}
	for _, caret := range carets {
		if caret.SessionID == sessionID {
			return caret, true
		}
	}
	return delta.Caret{}, false
}

// applyLocked appends one caret change, garbage-collects the history
// window, wakes pollers, and kicks off the storage flush and peer publish
// for locally-owned changes.
func (c *CaretControl) applyLocked(d *delta.CaretDelta, authorID string, local bool, sessionID string) error {
	if c.closed {
		return fmt.Errorf("%w: caret control closed", ErrBadValue)
	}
	composed, err := c.contents.Compose(d, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadData, err)
	}
	newContents, ok := composed.(*delta.CaretDelta)
	if !ok || !newContents.IsDocument() {
		return fmt.Errorf("%w: caret composition left document form", ErrWTF)
	}

	newRev := c.revNum + 1
	// beginSession changes are in document form, so NewChange's pairing
	// rule is not used.
	change := delta.Change{RevNum: newRev, Delta: d, Timestamp: c.clock.Now().UTC(), AuthorID: authorID}
	snap, err := delta.NewSnapshot(newRev, newContents)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWTF, err)
	}

	c.contents = newContents
	c.revNum = newRev
	c.changes[newRev] = change
	c.snapshots[newRev] = snap

	// Bounded history: drop revisions below the retention floor.
	if floor := newRev - c.opts.MaxHistory; floor > c.minRev {
		for n := c.minRev; n < floor; n++ {
			delete(c.changes, n)
			delete(c.snapshots, n)
		}
		c.minRev = floor
	}

	close(c.changed)
	c.changed = make(chan struct{})

	if local {
		if c.owned == nil {
			c.owned = make(map[string]bool)
		}
		c.owned[sessionID] = true
		c.dirty[sessionID] = true
		c.scheduleFlushLocked()
		c.publish(change)
	}
	return nil
}

// publish fans a locally-owned change out to peer servers, best-effort.
func (c *CaretControl) publish(change delta.Change) {
	if c.pubsub == nil {
		return
	}
	encoded, err := c.codec.Marshal(change)
	if err != nil {
		c.logger.Warn("Unencodable caret change; not published", zap.Error(err))
		return
	}
	envelope, err := json.Marshal(caretWireEnvelope{ServerID: c.localID, Change: encoded})
	if err != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		if err := c.pubsub.Publish(ctx, c.topic, envelope); err != nil {
			c.logger.Debug("Caret publish failed", zap.Error(err))
		}
	}()
}

// handlePeerMessage merges a caret change owned by a peer server.
func (c *CaretControl) handlePeerMessage(topic string, data []byte) {
	var envelope caretWireEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("Undecodable peer caret message", zap.Error(err))
		return
	}
	if envelope.ServerID == c.localID {
		return
	}
	raw, err := c.codec.Unmarshal(envelope.Change)
	if err != nil {
		c.logger.Warn("Undecodable peer caret change", zap.Error(err))
		return
	}
	change, ok := raw.(delta.Change)
	if !ok {
		return
	}
	d, ok := change.Delta.(*delta.CaretDelta)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Remote ops are re-sequenced into the local history; peer revision
	// numbers are meaningless here.
	if err := c.applyLocked(d, change.AuthorID, false, ""); err != nil {
		c.logger.Debug("Failed to merge peer caret change", zap.Error(err))
	}
}

// MergeStoredCarets reads /caret/* from the file and synthesizes begins for
// sessions unknown locally. Used at startup to pick up carets of peer
// servers sharing the file.
func (c *CaretControl) MergeStoredCarets(ctx context.Context) error {
	result, err := c.file.Transact(ctx, txfile.MustSpec(txfile.ListPathPrefix(caretPathRoot)))
	if err != nil {
		return err
	}
	if len(result.Paths) == 0 {
		return nil
	}
	ops := make([]txfile.Op, 0, len(result.Paths))
	for _, p := range result.Paths {
		ops = append(ops, txfile.ReadPath(p))
	}
	read, err := c.file.Transact(ctx, txfile.MustSpec(ops...))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, buf := range read.Data {
		raw, err := c.codec.Unmarshal(buf.Bytes())
		if err != nil {
			c.logger.Warn("Skipping undecodable stored caret", zap.Error(err))
			continue
		}
		caret, ok := raw.(delta.Caret)
		if !ok {
			continue
		}
		if _, present := c.findLocked(caret.SessionID); present || c.owned[caret.SessionID] {
			continue
		}
		d := delta.MustCaretDelta(delta.BeginSession(caret))
		if err := c.applyLocked(d, caret.AuthorID, false, ""); err != nil {
			c.logger.Debug("Failed to merge stored caret", zap.Error(err))
		}
	}
	return nil
}

// scheduleFlushLocked arms the delayed flush if it is not already armed.
func (c *CaretControl) scheduleFlushLocked() {
	if c.flushScheduled {
		return
	}
	c.flushScheduled = true
	c.startFlushTask(c.opts.FlushDelay)
}

func (c *CaretControl) startFlushTask(delay time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if delay > 0 {
			timer := c.clock.Timer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				return
			}
		}
		for attempt := 0; attempt <= c.opts.FlushRetries; attempt++ {
			err := c.flushOnce(c.ctx)
			if err == nil {
				return
			}
			c.logger.Warn("Caret flush failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if attempt == c.opts.FlushRetries {
				return
			}
			timer := c.clock.Timer(c.opts.FlushRetryDelay)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
			timer.Stop()
		}
	}()
}

// flushOnce writes every dirty owned caret to its /caret/<sessionId> path,
// deleting paths for ended sessions.
func (c *CaretControl) flushOnce(ctx context.Context) error {
	c.mu.Lock()
	dirty := c.dirty
	c.dirty = make(map[string]bool)
	c.flushScheduled = false
	ops := make([]txfile.Op, 0, len(dirty))
	var encodeErrs error
	for sessionID := range dirty {
		p, err := caretPathRoot.Join(flushComponent(sessionID))
		if err != nil {
			encodeErrs = multierr.Append(encodeErrs, err)
			continue
		}
		if caret, ok := c.findLocked(sessionID); ok {
			encoded, err := c.codec.Marshal(caret)
			if err != nil {
				encodeErrs = multierr.Append(encodeErrs, err)
				continue
			}
			ops = append(ops, txfile.WritePath(p, txfile.NewFrozenBuffer(encoded)))
		} else {
			ops = append(ops, txfile.DeletePath(p))
		}
	}
	c.mu.Unlock()

	if encodeErrs != nil {
		c.logger.Warn("Some carets not flushed", zap.Error(encodeErrs))
	}
	if len(ops) == 0 {
		return nil
	}
	spec, err := txfile.NewSpec(ops...)
	if err != nil {
		return err
	}
	if _, err := c.file.Transact(ctx, spec); err != nil {
		// Put the sessions back so the next flush retries them.
		c.mu.Lock()
		for sessionID := range dirty {
			c.dirty[sessionID] = true
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// flushComponent maps an arbitrary session id onto a storage path
// component.
func flushComponent(sessionID string) string {
	out := make([]byte, 0, len(sessionID))
	for i := 0; i < len(sessionID); i++ {
		ch := sessionID[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
