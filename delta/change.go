package delta

import (
	"time"
)

// Change is a delta tagged with the revision it produces and, for durable
// payloads, authorship metadata.
type Change struct {
	// RevNum is the revision number the change produces when applied to the
	// snapshot one revision earlier.
	RevNum int `json:"revNum"`
	// Delta is the payload of the change.
	Delta Delta `json:"delta"`
	// Timestamp is when the change was accepted, if known.
	Timestamp time.Time `json:"timestamp,omitempty"`
	// AuthorID identifies the author, if known.
	AuthorID string `json:"authorId,omitempty"`
}

// NewChange builds a change after validating the revision/delta pairing: the
// first change of a document must be document-form, while later changes must
// be non-empty and non-document.
func NewChange(revNum int, d Delta, timestamp time.Time, authorID string) (Change, error) {
	if revNum < 0 {
		return Change{}, badValuef("revision number must be non-negative: %d", revNum)
	}
	if d == nil {
		return Change{}, badValuef("change requires a delta")
	}
	if revNum == 0 {
		if !d.IsDocument() {
			return Change{}, badValuef("change 0 must carry a document-form delta")
		}
	} else if d.IsEmpty() || d.IsDocument() {
		return Change{}, badValuef("change %d must be non-empty and non-document", revNum)
	}
	return Change{RevNum: revNum, Delta: d, Timestamp: timestamp, AuthorID: authorID}, nil
}

// Correction builds the pure-correction change returned by update calls; it
// carries no authorship and may be empty.
func Correction(revNum int, d Delta) Change {
	return Change{RevNum: revNum, Delta: d}
}

// Equals reports structural equality with other.
func (c Change) Equals(other Change) bool {
	return c.RevNum == other.RevNum &&
		c.AuthorID == other.AuthorID &&
		c.Timestamp.Equal(other.Timestamp) &&
		c.Delta != nil && other.Delta != nil && c.Delta.Equals(other.Delta)
}

// Snapshot is a document-form delta pinned to a revision.
type Snapshot struct {
	// RevNum is the revision of the snapshot.
	RevNum int `json:"revNum"`
	// Contents is the document-form delta describing the whole state.
	Contents Delta `json:"contents"`
}

// NewSnapshot builds a snapshot, rejecting non-document contents.
func NewSnapshot(revNum int, contents Delta) (Snapshot, error) {
	if revNum < 0 {
		return Snapshot{}, badValuef("revision number must be non-negative: %d", revNum)
	}
	if contents == nil || !contents.IsDocument() {
		return Snapshot{}, badValuef("snapshot contents must be document-form")
	}
	return Snapshot{RevNum: revNum, Contents: contents}, nil
}

// Equals reports structural equality with other.
func (s Snapshot) Equals(other Snapshot) bool {
	return s.RevNum == other.RevNum &&
		s.Contents != nil && other.Contents != nil && s.Contents.Equals(other.Contents)
}

// Apply composes a change onto the snapshot, producing the next snapshot.
// The change's revision must be exactly one past the snapshot's.
func (s Snapshot) Apply(c Change) (Snapshot, error) {
	if c.RevNum != s.RevNum+1 {
		return Snapshot{}, badValuef("change revision %d does not follow snapshot revision %d", c.RevNum, s.RevNum)
	}
	contents, err := s.Contents.Compose(c.Delta, true)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{RevNum: c.RevNum, Contents: contents}, nil
}

// CaretSnapshot is the caret payload's snapshot form: a revision plus the
// caret set, unique by session id.
type CaretSnapshot struct {
	// RevNum is the caret revision, counted independently of the body.
	RevNum int `json:"revNum"`
	// Carets is the caret set, sorted by session id.
	Carets []Caret `json:"carets"`
}

// NewCaretSnapshot derives the caret-set view from a caret payload snapshot.
func NewCaretSnapshot(s Snapshot) (CaretSnapshot, error) {
	cd, ok := s.Contents.(*CaretDelta)
	if !ok {
		return CaretSnapshot{}, badValuef("caret snapshot requires caret contents")
	}
	carets, err := cd.Carets()
	if err != nil {
		return CaretSnapshot{}, err
	}
	return CaretSnapshot{RevNum: s.RevNum, Carets: carets}, nil
}

// Find returns the caret for a session, or false when absent.
func (s CaretSnapshot) Find(sessionID string) (Caret, bool) {
	for _, c := range s.Carets {
		if c.SessionID == sessionID {
			return c, true
		}
	}
	return Caret{}, false
}
