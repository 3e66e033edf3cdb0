package ot

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBadRev is returned when a submission cites a base revision that
// doesn't exist yet.
var ErrBadRev = errors.New("ot: bad base revision")

// History is the authoritative, append-only sequence of applied
// operations plus the document's current text. It is the only place
// operations get transformed and applied; callers serialize access
// through a Hub rather than locking History directly, but History
// guards its own state so it's also safe to unit test concurrently.
type History struct {
	mu   sync.Mutex
	text string
	log  []Op
}

// NewHistory creates a History starting at revision 0 with the given
// initial text.
func NewHistory(initial string) *History {
	return &History{text: initial}
}

// NewHistoryAt creates a History seeded from a full-text snapshot plus the
// tail of already-committed ops persisted after that snapshot's revision,
// so the returned History's revision and text reflect everything known to
// have landed, not just the snapshot. It is used to resume a document
// across a process restart; tail ops are trusted as already-ordered and
// applied directly, the same as ApplyCommitted.
func NewHistoryAt(initial string, tail []Op) (*History, error) {
	text := initial
	for _, op := range tail {
		applied, err := op.Apply(text)
		if err != nil {
			return nil, fmt.Errorf("replaying persisted op %v: %w", op, err)
		}
		text = applied
	}
	return &History{text: text, log: append([]Op(nil), tail...)}, nil
}

// Current returns the current revision number and document text.
func (h *History) Current() (rev int, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.log), h.text
}

// Submit takes an op authored against baseRev and, if it can be
// reconciled against everything committed since, applies it and returns
// the revision it landed at plus the op as actually applied. On any
// error, History is left byte-identical to its pre-call state.
func (h *History) Submit(baseRev int, op Op) (newRev int, applied Op, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if baseRev < 0 || baseRev > len(h.log) {
		return 0, Op{}, fmt.Errorf("%w: base rev %d, current rev %d", ErrBadRev, baseRev, len(h.log))
	}

	transformed := op
	for _, concurrent := range h.log[baseRev:] {
		transformed, err = Transform(transformed, concurrent)
		if err != nil {
			return 0, Op{}, err
		}
	}

	if err := validateBounds(transformed, h.text); err != nil {
		return 0, Op{}, err
	}

	newText, err := transformed.Apply(h.text)
	if err != nil {
		return 0, Op{}, err
	}

	h.text = newText
	h.log = append(h.log, transformed)
	return len(h.log), transformed, nil
}

// ApplyCommitted appends op directly to the log at rev without
// transforming it against anything, trusting that op already landed at
// rev on whatever process actually owns this document's writes. It
// exists for mirroring a remote process's already-ordered commits
// (see internal/pubsub), never for a locally originated submission.
func (h *History) ApplyCommitted(rev int, op Op) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rev != len(h.log)+1 {
		return fmt.Errorf("%w: remote rev %d, expected %d", ErrBadRev, rev, len(h.log)+1)
	}

	newText, err := op.Apply(h.text)
	if err != nil {
		return err
	}

	h.text = newText
	h.log = append(h.log, op)
	return nil
}

// Len returns the current revision number (number of applied ops).
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.log)
}
