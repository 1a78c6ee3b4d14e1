package txfile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// badgerConflictRetries bounds re-runs of a transaction that lost a Badger
// SSI conflict. Conflicts resolve to either success or a prerequisite
// failure, so a handful of retries suffices.
const badgerConflictRetries = 10

// BadgerStore is a Badger-backed home for many transactional files, one key
// prefix per file. Wait operations are satisfied by in-process notification:
// a file is owned by a single server process, so cross-process watches are
// not needed.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	mu        sync.Mutex
	notifiers map[string]*fileNotifier
	closed    bool
}

// fileNotifier wakes waits parked on one file.
type fileNotifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *fileNotifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *fileNotifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// OpenBadgerStore opens (or creates) a store rooted at dir.
func OpenBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendError, "opening badger at %s: %v", dir, err)
	}
	logger.Info("Opened badger store", zap.String("dir", dir))
	return &BadgerStore{
		db:        db,
		logger:    logger,
		notifiers: make(map[string]*fileNotifier),
	}, nil
}

// File returns the transactional file with the given id. The id must be a
// single path component.
func (s *BadgerStore) File(id string) (*BadgerFile, error) {
	if !componentPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: bad file id %q", ErrBadValue, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	n, ok := s.notifiers[id]
	if !ok {
		n = &fileNotifier{ch: make(chan struct{})}
		s.notifiers[id] = n
	}
	return &BadgerFile{store: s, id: id, notifier: n, logger: s.logger.With(zap.String("file_id", id))}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, n := range s.notifiers {
		n.broadcast()
	}
	s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return errors.Wrapf(ErrBackendError, "closing badger: %v", err)
	}
	return nil
}

// BadgerFile is one document's slice of a BadgerStore.
type BadgerFile struct {
	store    *BadgerStore
	id       string
	notifier *fileNotifier
	logger   *zap.Logger
}

func (f *BadgerFile) markerKey() []byte {
	return []byte("f/" + f.id + "/x")
}

func (f *BadgerFile) pathKey(p StoragePath) []byte {
	return []byte("f/" + f.id + "/p" + string(p))
}

func (f *BadgerFile) pathPrefix() []byte {
	return []byte("f/" + f.id + "/p/")
}

func (f *BadgerFile) blobKey(h Hash) []byte {
	return []byte("f/" + f.id + "/b/" + string(h))
}

func (f *BadgerFile) blobPrefix() []byte {
	return []byte("f/" + f.id + "/b/")
}

// pathFromKey recovers the storage path from a full path key.
func (f *BadgerFile) pathFromKey(key []byte) StoragePath {
	return StoragePath(strings.TrimPrefix(string(key), "f/"+f.id+"/p"))
}

// ID implements File.
func (f *BadgerFile) ID() string { return f.id }

// Exists implements File.
func (f *BadgerFile) Exists(ctx context.Context) (bool, error) {
	var exists bool
	err := f.store.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(f.markerKey())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(ErrBackendError, "existence check: %v", err)
	}
	return exists, nil
}

// Create implements File.
func (f *BadgerFile) Create(ctx context.Context) error {
	err := f.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(f.markerKey(), []byte{1})
	})
	if err != nil {
		return errors.Wrapf(ErrBackendError, "create: %v", err)
	}
	return nil
}

// Close implements File. The underlying store stays open; per-file close is
// a no-op.
func (f *BadgerFile) Close() error { return nil }

// Transact implements File.
func (f *BadgerFile) Transact(ctx context.Context, spec *Spec) (*Result, error) {
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

	var result *Result
	var mutated bool
	for attempt := 0; ; attempt++ {
		result = &Result{}
		mutated = false
		err := f.store.db.Update(func(txn *badger.Txn) error {
			if err := f.checkExists(txn); err != nil {
				return err
			}
			for _, op := range spec.ops {
				var err error
				switch op.category {
				case catPrerequisite:
					err = f.evalPrereq(txn, op)
				case catList:
					err = f.evalList(txn, op, result)
				case catRead:
					err = f.evalRead(txn, op, result)
				case catDelete:
					var m bool
					m, err = f.applyDelete(txn, op)
					mutated = mutated || m
				case catWrite:
					var m bool
					m, err = f.applyWrite(txn, op)
					mutated = mutated || m
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err == badger.ErrConflict && attempt < badgerConflictRetries {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrPrerequisiteFailed) || errors.Is(err, ErrFileNotFound) {
				return nil, err
			}
			return nil, errors.Wrapf(ErrBackendError, "transact: %v", err)
		}
		break
	}
	if mutated {
		f.notifier.broadcast()
	}
	return result, nil
}

// transactWait evaluates the wait condition under a read view and parks on
// the file notifier until it holds.
func (f *BadgerFile) transactWait(ctx context.Context, spec *Spec) (*Result, error) {
	for {
		var satisfied []string
		err := f.store.db.View(func(txn *badger.Txn) error {
			if err := f.checkExists(txn); err != nil {
				return err
			}
			for _, op := range spec.ops {
				if op.category == catPrerequisite {
					if err := f.evalPrereq(txn, op); err != nil {
						return err
					}
				}
			}
			for _, op := range spec.ops {
				if op.category != catWait {
					continue
				}
				buf, present, err := f.getPath(txn, op.path)
				if err != nil {
					return err
				}
				if !present || buf.Hash() != op.hash {
					satisfied = append(satisfied, string(op.path))
				}
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrPrerequisiteFailed) || errors.Is(err, ErrFileNotFound) {
				return nil, err
			}
			return nil, errors.Wrapf(ErrBackendError, "wait view: %v", err)
		}
		if len(satisfied) > 0 {
			return &Result{WaitSatisfied: satisfied}, nil
		}
		select {
		case <-f.notifier.wait():
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimedOut
			}
			return nil, ctx.Err()
		}
	}
}

func (f *BadgerFile) checkExists(txn *badger.Txn) error {
	_, err := txn.Get(f.markerKey())
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("%w: %s", ErrFileNotFound, f.id)
	}
	return err
}

func (f *BadgerFile) getPath(txn *badger.Txn, p StoragePath) (*FrozenBuffer, bool, error) {
	item, err := txn.Get(f.pathKey(p))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return NewFrozenBuffer(data), true, nil
}

func (f *BadgerFile) hasBlob(txn *badger.Txn, h Hash) (bool, error) {
	_, err := txn.Get(f.blobKey(h))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *BadgerFile) evalPrereq(txn *badger.Txn, op Op) error {
	ok := true
	var err error
	switch op.name {
	case "checkBlobAbsent":
		var present bool
		present, err = f.hasBlob(txn, op.hash)
		ok = !present
	case "checkBlobPresent":
		ok, err = f.hasBlob(txn, op.hash)
	case "checkPathAbsent":
		var present bool
		_, present, err = f.getPath(txn, op.path)
		ok = !present
	case "checkPathPresent":
		_, ok, err = f.getPath(txn, op.path)
	case "checkPathIs":
		var buf *FrozenBuffer
		var present bool
		buf, present, err = f.getPath(txn, op.path)
		ok = present && buf.Hash() == op.hash
	case "checkPathNot":
		var buf *FrozenBuffer
		var present bool
		buf, present, err = f.getPath(txn, op.path)
		ok = !present || buf.Hash() != op.hash
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrPrerequisiteFailed, op.name, op.path)
	}
	return nil
}

// walkPaths visits every bound path of the file.
func (f *BadgerFile) walkPaths(txn *badger.Txn, visit func(p StoragePath, item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = f.pathPrefix()
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if err := visit(f.pathFromKey(item.Key()), item); err != nil {
			return err
		}
	}
	return nil
}

func (f *BadgerFile) evalList(txn *badger.Txn, op Op, result *Result) error {
	seen := make(map[StoragePath]bool)
	err := f.walkPaths(txn, func(p StoragePath, _ *badger.Item) error {
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
		return nil
	})
	if err != nil {
		return err
	}
	for p := range seen {
		result.Paths = append(result.Paths, p)
	}
	sort.Slice(result.Paths, func(i, j int) bool { return result.Paths[i] < result.Paths[j] })
	return nil
}

func (f *BadgerFile) evalRead(txn *badger.Txn, op Op, result *Result) error {
	switch op.name {
	case "readBlob":
		item, err := txn.Get(f.blobKey(op.hash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if result.Blobs == nil {
			result.Blobs = make(map[Hash]*FrozenBuffer)
		}
		result.Blobs[op.hash] = NewFrozenBuffer(data)
	case "readPath":
		buf, present, err := f.getPath(txn, op.path)
		if err != nil || !present {
			return err
		}
		if result.Data == nil {
			result.Data = make(map[StoragePath]*FrozenBuffer)
		}
		result.Data[op.path] = buf
	case "readPathRange":
		for n := op.start; n < op.end; n++ {
			p := op.path.JoinInt(n)
			buf, present, err := f.getPath(txn, p)
			if err != nil {
				return err
			}
			if present {
				if result.Data == nil {
					result.Data = make(map[StoragePath]*FrozenBuffer)
				}
				result.Data[p] = buf
			}
		}
	}
	return nil
}

func (f *BadgerFile) applyDelete(txn *badger.Txn, op Op) (bool, error) {
	collect := func(match func(p StoragePath) bool) ([][]byte, error) {
		var keys [][]byte
		err := f.walkPaths(txn, func(p StoragePath, item *badger.Item) error {
			if match(p) {
				keys = append(keys, item.KeyCopy(nil))
			}
			return nil
		})
		return keys, err
	}
	switch op.name {
	case "deletePath":
		_, present, err := f.getPath(txn, op.path)
		if err != nil || !present {
			return false, err
		}
		return true, txn.Delete(f.pathKey(op.path))
	case "deletePathPrefix":
		keys, err := collect(func(p StoragePath) bool {
			return p == op.path || p.IsUnder(op.path)
		})
		if err != nil {
			return false, err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return false, err
			}
		}
		return len(keys) > 0, nil
	case "deletePathRange":
		keys, err := collect(func(p StoragePath) bool {
			return inPathRange(p, op.path, op.start, op.end)
		})
		if err != nil {
			return false, err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return false, err
			}
		}
		return len(keys) > 0, nil
	case "deleteBlob":
		present, err := f.hasBlob(txn, op.hash)
		if err != nil || !present {
			return false, err
		}
		return true, txn.Delete(f.blobKey(op.hash))
	case "deleteAll":
		mutated := false
		for _, prefix := range [][]byte{f.pathPrefix(), f.blobPrefix()} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return false, err
				}
				mutated = true
			}
		}
		return mutated, nil
	}
	return false, nil
}

func (f *BadgerFile) applyWrite(txn *badger.Txn, op Op) (bool, error) {
	switch op.name {
	case "writePath":
		old, present, err := f.getPath(txn, op.path)
		if err != nil {
			return false, err
		}
		if present && old.Equals(op.buf) {
			return false, nil
		}
		return true, txn.Set(f.pathKey(op.path), op.buf.Bytes())
	case "writeBlob":
		present, err := f.hasBlob(txn, op.buf.Hash())
		if err != nil || present {
			return false, err
		}
		return true, txn.Set(f.blobKey(op.buf.Hash()), op.buf.Bytes())
	}
	return false, nil
}
