// Package doccontrol is the server-side per-document control layer: the
// append-only revision logs for the body, property, and caret payloads, the
// OT update protocol over them, and the session objects that expose it all
// as RPC targets.
package doccontrol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/delta"
	"github.com/sfescape/bayou/metrics"
	"github.com/sfescape/bayou/txfile"
)

// Options tunes a durable control.
type Options struct {
	// RetryLimit bounds update attempts that lose the append race.
	RetryLimit int
	// SnapshotEvery stores a full snapshot each time the revision number
	// crosses a multiple, bounding recovery and read-back time.
	SnapshotEvery int
	// SnapshotCacheSize bounds the in-memory snapshot cache.
	SnapshotCacheSize int
	// LongPollTimeout bounds GetChangeAfter when no timeout is passed.
	LongPollTimeout time.Duration
	// ReadChunk bounds how many revision reads go into one transaction.
	ReadChunk int
}

// DefaultOptions returns the recommended tuning.
func DefaultOptions() *Options {
	return &Options{
		RetryLimit:        25,
		SnapshotEvery:     100,
		SnapshotCacheSize: 20,
		LongPollTimeout:   60 * time.Second,
		ReadChunk:         250,
	}
}

// Control maintains one payload's append-only revision log within one
// document file. Reads may run concurrently; mutation is serialized through
// Update and the file's compare-and-swap.
type Control struct {
	file    txfile.File
	codec   *apiframe.Codec
	kind    delta.Kind
	prefix  string
	opts    *Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	// appendMu serializes in-process update attempts; cross-process safety
	// comes from the file transaction's prerequisite.
	appendMu sync.Mutex

	snapCache *lru.Cache[int, delta.Snapshot]
}

// newControl wires a control for one payload kind. prefix is "" for the
// body payload and "/<name>" for others.
func newControl(file txfile.File, codec *apiframe.Codec, kind delta.Kind, prefix string, opts *Options, m *metrics.Metrics, logger *zap.Logger) (*Control, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[int, delta.Snapshot](opts.SnapshotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Control{
		file:      file,
		codec:     codec,
		kind:      kind,
		prefix:    prefix,
		opts:      opts,
		logger:    logger.With(zap.String("payload", string(kind)), zap.String("file_id", file.ID())),
		metrics:   m,
		snapCache: cache,
	}, nil
}

// Kind returns the payload kind.
func (c *Control) Kind() delta.Kind { return c.kind }

func (c *Control) revNumPath() txfile.StoragePath {
	return txfile.StoragePath(c.prefix + "/revision_number")
}

func (c *Control) revisionRoot() txfile.StoragePath {
	return txfile.StoragePath(c.prefix + "/revision")
}

func (c *Control) changePath(n int) txfile.StoragePath {
	return txfile.StoragePath(fmt.Sprintf("%s/revision/%d/change", c.prefix, n))
}

func (c *Control) snapshotPath(n int) txfile.StoragePath {
	return txfile.StoragePath(fmt.Sprintf("%s/snapshot/%d", c.prefix, n))
}

func encodeRevNum(n int) *txfile.FrozenBuffer {
	return txfile.BufferFromString(strconv.Itoa(n))
}

func decodeRevNum(buf *txfile.FrozenBuffer) (int, error) {
	n, err := strconv.Atoi(buf.String())
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: malformed revision number %q", ErrBadData, buf.String())
	}
	return n, nil
}

// CurrentRevNum reads the current revision number.
func (c *Control) CurrentRevNum(ctx context.Context) (int, error) {
	result, err := c.file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(c.revNumPath())))
	if err != nil {
		return 0, err
	}
	buf, ok := result.Data[c.revNumPath()]
	if !ok {
		return 0, fmt.Errorf("%w: document missing %s", ErrWTF, c.revNumPath())
	}
	return decodeRevNum(buf)
}

// GetChange reads one change directly from the log.
func (c *Control) GetChange(ctx context.Context, revNum int) (delta.Change, error) {
	if revNum < 0 {
		return delta.Change{}, fmt.Errorf("%w: negative revision", ErrBadValue)
	}
	result, err := c.file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(c.changePath(revNum))))
	if err != nil {
		return delta.Change{}, err
	}
	buf, ok := result.Data[c.changePath(revNum)]
	if !ok {
		current, err := c.CurrentRevNum(ctx)
		if err != nil {
			return delta.Change{}, err
		}
		if revNum > current {
			return delta.Change{}, fmt.Errorf("%w: %d > %d", ErrRevisionTooHigh, revNum, current)
		}
		return delta.Change{}, fmt.Errorf("%w: revision %d", ErrRevisionNotAvailable, revNum)
	}
	return c.decodeChange(buf)
}

func (c *Control) decodeChange(buf *txfile.FrozenBuffer) (delta.Change, error) {
	raw, err := c.codec.Unmarshal(buf.Bytes())
	if err != nil {
		return delta.Change{}, fmt.Errorf("%w: undecodable stored change: %v", ErrBadData, err)
	}
	change, ok := raw.(delta.Change)
	if !ok {
		return delta.Change{}, fmt.Errorf("%w: stored change decoded to %T", ErrBadData, raw)
	}
	if change.Delta == nil || change.Delta.Kind() != c.kind {
		return delta.Change{}, fmt.Errorf("%w: stored change has wrong payload kind", ErrBadData)
	}
	return change, nil
}

// readChanges reads the changes for revisions [start, end], batched.
func (c *Control) readChanges(ctx context.Context, start, end int) ([]delta.Change, error) {
	out := make([]delta.Change, 0, end-start+1)
	for n := start; n <= end; {
		chunkEnd := n + c.opts.ReadChunk - 1
		if chunkEnd > end {
			chunkEnd = end
		}
		ops := make([]txfile.Op, 0, chunkEnd-n+1)
		for i := n; i <= chunkEnd; i++ {
			ops = append(ops, txfile.ReadPath(c.changePath(i)))
		}
		result, err := c.file.Transact(ctx, txfile.MustSpec(ops...))
		if err != nil {
			return nil, err
		}
		for i := n; i <= chunkEnd; i++ {
			buf, ok := result.Data[c.changePath(i)]
			if !ok {
				return nil, fmt.Errorf("%w: gap in revision log at %d", ErrWTF, i)
			}
			change, err := c.decodeChange(buf)
			if err != nil {
				return nil, err
			}
			out = append(out, change)
		}
		n = chunkEnd + 1
	}
	return out, nil
}

// GetSnapshot derives the snapshot at revNum; pass a negative revNum for
// the current revision.
func (c *Control) GetSnapshot(ctx context.Context, revNum int) (delta.Snapshot, error) {
	current, err := c.CurrentRevNum(ctx)
	if err != nil {
		return delta.Snapshot{}, err
	}
	if revNum < 0 {
		revNum = current
	}
	if revNum > current {
		return delta.Snapshot{}, fmt.Errorf("%w: %d > %d", ErrRevisionTooHigh, revNum, current)
	}
	if snap, ok := c.snapCache.Get(revNum); ok {
		return snap, nil
	}

	base, err := c.nearestBase(ctx, revNum)
	if err != nil {
		return delta.Snapshot{}, err
	}
	snap := base
	if snap.RevNum < revNum {
		changes, err := c.readChanges(ctx, snap.RevNum+1, revNum)
		if err != nil {
			return delta.Snapshot{}, err
		}
		for _, change := range changes {
			snap, err = snap.Apply(change)
			if err != nil {
				return delta.Snapshot{}, fmt.Errorf("%w: snapshot composition failed: %v", ErrWTF, err)
			}
		}
	}
	c.snapCache.Add(revNum, snap)
	return snap, nil
}

// nearestBase finds the closest snapshot at or below revNum: the in-memory
// cache first, then a stored snapshot blob, then revision 0.
func (c *Control) nearestBase(ctx context.Context, revNum int) (delta.Snapshot, error) {
	for n := revNum; n > 0; n-- {
		if snap, ok := c.snapCache.Get(n); ok {
			return snap, nil
		}
		if n%c.opts.SnapshotEvery == 0 {
			if snap, ok, err := c.readStoredSnapshot(ctx, n); err != nil {
				return delta.Snapshot{}, err
			} else if ok {
				return snap, nil
			}
			// No stored snapshot at the nearest multiple; older ones
			// are not searched, and composition starts from revision 0.
			break
		}
	}
	change, err := c.GetChange(ctx, 0)
	if err != nil {
		return delta.Snapshot{}, err
	}
	snap, err := delta.NewSnapshot(0, change.Delta)
	if err != nil {
		return delta.Snapshot{}, fmt.Errorf("%w: change 0 is not a document: %v", ErrWTF, err)
	}
	return snap, nil
}

func (c *Control) readStoredSnapshot(ctx context.Context, n int) (delta.Snapshot, bool, error) {
	result, err := c.file.Transact(ctx, txfile.MustSpec(txfile.ReadPath(c.snapshotPath(n))))
	if err != nil {
		return delta.Snapshot{}, false, err
	}
	buf, ok := result.Data[c.snapshotPath(n)]
	if !ok {
		return delta.Snapshot{}, false, nil
	}
	raw, err := c.codec.Unmarshal(buf.Bytes())
	if err != nil {
		return delta.Snapshot{}, false, fmt.Errorf("%w: undecodable stored snapshot: %v", ErrBadData, err)
	}
	snap, ok := raw.(delta.Snapshot)
	if !ok {
		return delta.Snapshot{}, false, fmt.Errorf("%w: stored snapshot decoded to %T", ErrBadData, raw)
	}
	return snap, true, nil
}

// GetChangeAfter returns a change with revNum > baseRevNum, long-polling
// when baseRevNum is current. A zero timeout uses the configured default.
func (c *Control) GetChangeAfter(ctx context.Context, baseRevNum int, timeout time.Duration) (delta.Change, error) {
	if baseRevNum < 0 {
		return delta.Change{}, fmt.Errorf("%w: negative revision", ErrBadValue)
	}
	if timeout <= 0 {
		timeout = c.opts.LongPollTimeout
	}
	current, err := c.CurrentRevNum(ctx)
	if err != nil {
		return delta.Change{}, err
	}
	if baseRevNum > current {
		return delta.Change{}, fmt.Errorf("%w: %d > %d", ErrRevisionTooHigh, baseRevNum, current)
	}
	if current > baseRevNum {
		return c.GetChange(ctx, baseRevNum+1)
	}

	c.metrics.LongPollStarted()
	defer c.metrics.LongPollEnded()
	_, err = c.file.Transact(ctx, txfile.MustSpec(
		txfile.Timeout(timeout),
		txfile.WhenPathNot(c.revNumPath(), encodeRevNum(current).Hash()),
	))
	if err != nil {
		if errors.Is(err, txfile.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
			return delta.Change{}, fmt.Errorf("%w: no change after revision %d", ErrTimedOut, baseRevNum)
		}
		return delta.Change{}, err
	}
	return c.GetChange(ctx, baseRevNum+1)
}

// Update merges a client change into the log per the OT protocol and
// returns the correction change the client composes onto its expected state
// to reach the actual new server state.
func (c *Control) Update(ctx context.Context, change delta.Change) (delta.Change, error) {
	if change.Delta == nil || change.Delta.Kind() != c.kind {
		return delta.Change{}, fmt.Errorf("%w: update requires a %s delta", ErrBadValue, c.kind)
	}
	if change.RevNum < 1 {
		return delta.Change{}, fmt.Errorf("%w: update revision must be positive", ErrBadValue)
	}
	if change.Delta.IsEmpty() {
		return delta.Change{}, fmt.Errorf("%w: update delta must be non-empty", ErrBadValue)
	}
	rBase := change.RevNum - 1
	dClient := change.Delta

	for attempt := 0; attempt < c.opts.RetryLimit; attempt++ {
		current, err := c.CurrentRevNum(ctx)
		if err != nil {
			return delta.Change{}, err
		}
		if rBase > current {
			return delta.Change{}, fmt.Errorf("%w: base %d > current %d", ErrRevisionTooHigh, rBase, current)
		}

		if current == rBase {
			err = c.appendChange(ctx, current, dClient, change.Timestamp, change.AuthorID)
			if err == nil {
				// The client's expected state is already correct.
				return delta.Correction(current+1, delta.Empty(c.kind)), nil
			}
			if isPrereqFailure(err) {
				c.metrics.UpdateRetried(string(c.kind))
				continue
			}
			return delta.Change{}, err
		}

		// The log moved past the client's base: rebase over everything
		// committed since.
		serverChanges, err := c.readChanges(ctx, rBase+1, current)
		if err != nil {
			return delta.Change{}, err
		}
		dServer := delta.Empty(c.kind)
		for _, sc := range serverChanges {
			dServer, err = dServer.Compose(sc.Delta, false)
			if err != nil {
				return delta.Change{}, fmt.Errorf("%w: server delta composition failed: %v", ErrWTF, err)
			}
		}
		// Committed changes win races against the incoming edit.
		dClientPrime, err := dServer.Transform(dClient, false)
		if err != nil {
			return delta.Change{}, fmt.Errorf("%w: transform failed: %v", ErrWTF, err)
		}
		dCorrection, err := dClient.Transform(dServer, true)
		if err != nil {
			return delta.Change{}, fmt.Errorf("%w: transform failed: %v", ErrWTF, err)
		}

		if dClientPrime.IsEmpty() {
			// Nothing survived the rebase; nothing is appended.
			return delta.Correction(current, dCorrection), nil
		}

		err = c.appendChange(ctx, current, dClientPrime, change.Timestamp, change.AuthorID)
		if err == nil {
			return delta.Correction(current+1, dCorrection), nil
		}
		if isPrereqFailure(err) {
			c.metrics.UpdateRetried(string(c.kind))
			continue
		}
		return delta.Change{}, err
	}
	c.metrics.UpdateContended(string(c.kind))
	return delta.Change{}, fmt.Errorf("%w: gave up after %d attempts", ErrTooMuchContention, c.opts.RetryLimit)
}

func isPrereqFailure(err error) bool {
	return errors.Is(err, txfile.ErrPrerequisiteFailed)
}

// appendChange appends one change at revision base+1, conditional on the
// revision number still being base.
func (c *Control) appendChange(ctx context.Context, base int, d delta.Delta, ts time.Time, authorID string) error {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	// Appended changes may be in document form (an insert into an empty
	// body, a plain property set), so NewChange's pairing rule is not used.
	newChange := delta.Change{RevNum: base + 1, Delta: d, Timestamp: ts, AuthorID: authorID}
	encoded, err := c.codec.Marshal(newChange)
	if err != nil {
		return fmt.Errorf("%w: unencodable change: %v", ErrWTF, err)
	}
	_, err = c.file.Transact(ctx, txfile.MustSpec(
		txfile.CheckPathIs(c.revNumPath(), encodeRevNum(base).Hash()),
		txfile.WritePath(c.revNumPath(), encodeRevNum(base+1)),
		txfile.WritePath(c.changePath(base+1), txfile.NewFrozenBuffer(encoded)),
	))
	if err != nil {
		return err
	}
	c.metrics.RevisionAppended(string(c.kind))
	c.maybeStoreSnapshot(ctx, base+1)
	return nil
}

// maybeStoreSnapshot writes a full snapshot at multiples of SnapshotEvery.
// Failures are logged and ignored; snapshots are a read-back optimization,
// not a correctness requirement.
func (c *Control) maybeStoreSnapshot(ctx context.Context, revNum int) {
	if c.opts.SnapshotEvery <= 0 || revNum%c.opts.SnapshotEvery != 0 {
		return
	}
	snap, err := c.GetSnapshot(ctx, revNum)
	if err == nil {
		var encoded []byte
		encoded, err = c.codec.Marshal(snap)
		if err == nil {
			_, err = c.file.Transact(ctx, txfile.MustSpec(
				txfile.WritePath(c.snapshotPath(revNum), txfile.NewFrozenBuffer(encoded)),
			))
		}
	}
	if err != nil {
		c.logger.Warn("Failed to store snapshot",
			zap.Int("rev_num", revNum),
			zap.Error(err))
	}
}
