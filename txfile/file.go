package txfile

import "context"

// Result carries the outputs of a successful transaction.
type Result struct {
	// Paths is the set of paths produced by list operations.
	Paths []StoragePath
	// Data maps paths to the values produced by path reads. Unbound paths
	// are absent, never bound to nil.
	Data map[StoragePath]*FrozenBuffer
	// Blobs maps hashes to the values produced by blob reads.
	Blobs map[Hash]*FrozenBuffer
	// WaitSatisfied lists the storage ids whose change satisfied the wait
	// operations.
	WaitSatisfied []string
}

// File is a single document's transactional storage: hierarchical path
// bindings plus content-addressed blobs, mutated only through atomic
// transactions.
//
// A transaction either passes all its prerequisites and applies all its
// writes and deletes together, or applies nothing. The write set is computed
// against the state observed after the prerequisite phase. Wait operations
// block until satisfied, the spec timeout elapses (ErrTimedOut), or the
// context is canceled.
type File interface {
	// ID identifies the file, for logs.
	ID() string

	// Exists reports whether the file has been created.
	Exists(ctx context.Context) (bool, error)

	// Create brings the file into existence. Idempotent.
	Create(ctx context.Context) error

	// Transact runs one atomic transaction.
	Transact(ctx context.Context, spec *Spec) (*Result, error)

	// Close releases resources. Transactions after Close fail with
	// ErrClosed.
	Close() error
}
