package txfile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// MemoryFile is the in-memory File implementation. It is safe for concurrent
// use; wait operations are woken by any mutating transaction on the same
// file.
type MemoryFile struct {
	id     string
	logger *zap.Logger

	mu      sync.Mutex
	exists  bool
	closed  bool
	paths   map[StoragePath]*FrozenBuffer
	blobs   map[Hash]*FrozenBuffer
	changed chan struct{}
}

// NewMemoryFile returns a not-yet-created in-memory file.
func NewMemoryFile(id string, logger *zap.Logger) *MemoryFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryFile{
		id:      id,
		logger:  logger,
		paths:   make(map[StoragePath]*FrozenBuffer),
		blobs:   make(map[Hash]*FrozenBuffer),
		changed: make(chan struct{}),
	}
}

// ID implements File.
func (f *MemoryFile) ID() string { return f.id }

// Exists implements File.
func (f *MemoryFile) Exists(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	return f.exists, nil
}

// Create implements File.
func (f *MemoryFile) Create(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.exists = true
	return nil
}

// Close implements File.
func (f *MemoryFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		// Wake any parked waits so they observe the closed state.
		close(f.changed)
		f.changed = make(chan struct{})
	}
	return nil
}

// Transact implements File.
func (f *MemoryFile) Transact(ctx context.Context, spec *Spec) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", ErrBadValue)
	}
	if t := spec.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if spec.HasWait() {
		return f.transactWait(ctx, spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkUsable(); err != nil {
		return nil, err
	}
	for _, op := range spec.ops {
		if op.category == catPrerequisite {
			if err := f.evalPrereq(op); err != nil {
				return nil, err
			}
		}
	}
	result := &Result{}
	mutated := false
	for _, op := range spec.ops {
		switch op.category {
		case catList:
			f.evalList(op, result)
		case catRead:
			f.evalRead(op, result)
		case catDelete:
			mutated = f.applyDelete(op) || mutated
		case catWrite:
			mutated = f.applyWrite(op) || mutated
		}
	}
	if mutated {
		f.broadcastLocked()
	}
	return result, nil
}

func (f *MemoryFile) checkUsable() error {
	if f.closed {
		return ErrClosed
	}
	if !f.exists {
		return fmt.Errorf("%w: %s", ErrFileNotFound, f.id)
	}
	return nil
}

// transactWait parks the caller until a wait op is satisfied. Prerequisites
// are re-evaluated on every wakeup so a racing transaction cannot invalidate
// them unnoticed.
func (f *MemoryFile) transactWait(ctx context.Context, spec *Spec) (*Result, error) {
	for {
		f.mu.Lock()
		if err := f.checkUsable(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		for _, op := range spec.ops {
			if op.category == catPrerequisite {
				if err := f.evalPrereq(op); err != nil {
					f.mu.Unlock()
					return nil, err
				}
			}
		}
		var satisfied []string
		for _, op := range spec.ops {
			if op.category != catWait {
				continue
			}
			if id, ok := f.evalWait(op); ok {
				satisfied = append(satisfied, id)
			}
		}
		if len(satisfied) > 0 {
			f.mu.Unlock()
			return &Result{WaitSatisfied: satisfied}, nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimedOut
			}
			return nil, ctx.Err()
		}
	}
}

func (f *MemoryFile) evalPrereq(op Op) error {
	ok := true
	switch op.name {
	case "checkBlobAbsent":
		_, present := f.blobs[op.hash]
		ok = !present
	case "checkBlobPresent":
		_, present := f.blobs[op.hash]
		ok = present
	case "checkPathAbsent":
		_, present := f.paths[op.path]
		ok = !present
	case "checkPathPresent":
		_, present := f.paths[op.path]
		ok = present
	case "checkPathIs":
		buf, present := f.paths[op.path]
		ok = present && buf.Hash() == op.hash
	case "checkPathNot":
		buf, present := f.paths[op.path]
		ok = !present || buf.Hash() != op.hash
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrPrerequisiteFailed, op.name, op.path)
	}
	return nil
}

// evalWait reports whether a wait op is currently satisfied and the storage
// id that satisfied it.
func (f *MemoryFile) evalWait(op Op) (string, bool) {
	// whenPathNot is the only wait op.
	buf, present := f.paths[op.path]
	if !present || buf.Hash() != op.hash {
		return string(op.path), true
	}
	return "", false
}

func (f *MemoryFile) evalList(op Op, result *Result) {
	seen := make(map[StoragePath]bool)
	for p := range f.paths {
		switch op.name {
		case "listPathPrefix":
			if child, ok := p.ChildOf(op.path); ok {
				seen[child] = true
			}
		case "listPathRange":
			if inPathRange(p, op.path, op.start, op.end) {
				seen[p] = true
			}
		}
	}
	for p := range seen {
		result.Paths = append(result.Paths, p)
	}
	sort.Slice(result.Paths, func(i, j int) bool { return result.Paths[i] < result.Paths[j] })
}

func (f *MemoryFile) evalRead(op Op, result *Result) {
	switch op.name {
	case "readBlob":
		if buf, ok := f.blobs[op.hash]; ok {
			if result.Blobs == nil {
				result.Blobs = make(map[Hash]*FrozenBuffer)
			}
			result.Blobs[op.hash] = buf
		}
	case "readPath":
		if buf, ok := f.paths[op.path]; ok {
			f.addData(result, op.path, buf)
		}
	case "readPathRange":
		for p, buf := range f.paths {
			if inPathRange(p, op.path, op.start, op.end) {
				f.addData(result, p, buf)
			}
		}
	}
}

func (f *MemoryFile) addData(result *Result, p StoragePath, buf *FrozenBuffer) {
	if result.Data == nil {
		result.Data = make(map[StoragePath]*FrozenBuffer)
	}
	result.Data[p] = buf
}

func (f *MemoryFile) applyDelete(op Op) bool {
	mutated := false
	switch op.name {
	case "deletePath":
		if _, ok := f.paths[op.path]; ok {
			delete(f.paths, op.path)
			mutated = true
		}
	case "deletePathPrefix":
		for p := range f.paths {
			if p == op.path || p.IsUnder(op.path) {
				delete(f.paths, p)
				mutated = true
			}
		}
	case "deletePathRange":
		for p := range f.paths {
			if inPathRange(p, op.path, op.start, op.end) {
				delete(f.paths, p)
				mutated = true
			}
		}
	case "deleteBlob":
		if _, ok := f.blobs[op.hash]; ok {
			delete(f.blobs, op.hash)
			mutated = true
		}
	case "deleteAll":
		mutated = len(f.paths) > 0 || len(f.blobs) > 0
		f.paths = make(map[StoragePath]*FrozenBuffer)
		f.blobs = make(map[Hash]*FrozenBuffer)
	}
	return mutated
}

func (f *MemoryFile) applyWrite(op Op) bool {
	switch op.name {
	case "writePath":
		if old, ok := f.paths[op.path]; ok && old.Equals(op.buf) {
			return false
		}
		f.paths[op.path] = op.buf
		return true
	case "writeBlob":
		h := op.buf.Hash()
		if _, ok := f.blobs[h]; ok {
			return false
		}
		f.blobs[h] = op.buf
		return true
	}
	return false
}

// broadcastLocked wakes all parked waits. Callers hold f.mu.
func (f *MemoryFile) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// inPathRange reports whether p is parent/n for an integer n in [start,
// end).
func inPathRange(p, parent StoragePath, start, end int) bool {
	child, ok := p.ChildOf(parent)
	if !ok || child != p {
		return false
	}
	n, err := strconv.Atoi(p.LastComponent())
	if err != nil {
		return false
	}
	return n >= start && n < end
}
