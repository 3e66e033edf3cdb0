// Package hub is the single coordinator that owns every document's
// ot.History and the set of connected sessions watching it. It
// serializes all History mutation through one mutex per document and
// fans out commits to sessions without ever holding a
// document's lock across a channel send that might block.
package hub

import (
	"fmt"
	"log"
	"sync"

	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
	"github.com/manpreetbhatti/collabtext/backend/internal/session"
)

// Publisher is the optional cross-process fan-out hook (see
// internal/pubsub). A Hub with no Publisher behaves exactly as a
// single-process coordinator.
type Publisher interface {
	Publish(docID string, rev int, applied ot.Op)
}

// Recorder is the optional persistence hook (see internal/db). A Hub
// with no Recorder keeps History purely in memory, as spec.md's core
// module does on its own.
type Recorder interface {
	SaveOp(documentID string, rev int, op ot.Op) error
}

// Hub owns one History per document and the sessions attached to each.
type Hub struct {
	mu   sync.RWMutex
	docs map[string]*document

	pub Publisher
	rec Recorder
}

type document struct {
	// mu serializes a document's commit-then-fan-out sequence so that two
	// concurrent submissions can never deliver to peers out of commit
	// order. It is held across History.Submit/ApplyCommitted and the
	// following Ack/Deliver enqueues; Session.enqueue never blocks, so
	// this never stalls behind a slow reader.
	mu       sync.Mutex
	history  *ot.History
	sessions map[*session.Session]bool
}

// New creates an empty Hub. Documents are created lazily on first
// attach, matching the teacher's lazy room creation.
func New() *Hub {
	return &Hub{docs: make(map[string]*document)}
}

// SetPublisher installs an optional cross-process broadcaster.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pub = p
}

// SetRecorder installs an optional persistence hook. Every op Submit or
// ApplyRemote commits to a document's History is also handed to rec,
// keyed by the revision it landed at.
func (h *Hub) SetRecorder(rec Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec = rec
}

// getOrCreateDoc returns the document state for docID, seeding its
// History from initial and tail if it doesn't exist yet. tail is the
// revision-log suffix persisted after whatever revision initial was
// snapshotted at; a History seeded from initial alone, ignoring tail,
// would silently lose every op committed since that snapshot.
func (h *Hub) getOrCreateDoc(docID, initial string, tail []ot.Op) *document {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[docID]
	if !ok {
		history, err := ot.NewHistoryAt(initial, tail)
		if err != nil {
			log.Printf("hub: failed to replay persisted tail for document %s, starting from snapshot text alone: %v", docID, err)
			history = ot.NewHistory(initial)
		}
		d = &document{
			history:  history,
			sessions: make(map[*session.Session]bool),
		}
		h.docs[docID] = d
	}
	return d
}

// Attach registers sess against docID and returns the snapshot it
// should send as its first frame. initial seeds the document's text the
// first time the document is seen (e.g. loaded from persistent storage).
func (h *Hub) Attach(docID, initial string, sess *session.Session) (rev int, text string) {
	return h.AttachAt(docID, initial, nil, sess)
}

// AttachAt is Attach, but additionally seeds a never-before-seen
// document's History from tail, the op-log suffix persisted after
// initial's snapshot revision. It has no effect on an already-attached
// document; a loader that only learns about tail on cold start is calling
// this exactly once per document's first attach in this process.
func (h *Hub) AttachAt(docID, initial string, tail []ot.Op, sess *session.Session) (rev int, text string) {
	d := h.getOrCreateDoc(docID, initial, tail)

	h.mu.Lock()
	d.sessions[sess] = true
	count := len(d.sessions)
	h.mu.Unlock()

	rev, text = d.history.Current()
	sess.Init(rev, text)
	log.Printf("📝 session %s attached to document %s (rev %d, %d sessions)", sess.ID, docID, rev, count)
	return rev, text
}

// Detach removes sess from docID's session set.
func (h *Hub) Detach(docID string, sess *session.Session) {
	h.mu.Lock()
	d, ok := h.docs[docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(d.sessions, sess)
	remaining := len(d.sessions)
	h.mu.Unlock()

	sess.Close()
	log.Printf("📝 session %s detached from document %s (%d sessions remain)", sess.ID, docID, remaining)
}

// Submit delegates to the document's History and fans out the result.
// On success it acks the originator and delivers the applied op to
// every other attached session. On failure it sends a terminal fail
// frame to the originator only; History and every other session are
// untouched.
func (h *Hub) Submit(docID string, sender *session.Session, baseRev int, op ot.Op) error {
	if sender.Failed() {
		return fmt.Errorf("session %s already desynchronized", sender.ID)
	}

	h.mu.RLock()
	d, ok := h.docs[docID]
	h.mu.RUnlock()
	if !ok {
		sender.Fail("unknown document")
		return fmt.Errorf("unknown document %q", docID)
	}

	// Holding d.mu across the commit and the ack/deliver fan-out is what
	// keeps two concurrent submissions to the same document from
	// committing in one order but delivering to a peer in another.
	d.mu.Lock()
	defer d.mu.Unlock()

	newRev, applied, err := d.history.Submit(baseRev, op)
	if err != nil {
		sender.Fail(err.Error())
		return err
	}

	h.mu.RLock()
	peers := make([]*session.Session, 0, len(d.sessions))
	for peer := range d.sessions {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	sender.Ack(session.NewAck(newRev, applied))

	// Collapsed/zero-length deletes are still broadcast so every
	// session's revision counter advances in lockstep; peers simply have
	// nothing to apply.
	editFrame := session.NewEdit(newRev, applied)
	for _, peer := range peers {
		if peer == sender {
			continue
		}
		peer.Deliver(editFrame)
	}
	if h.rec != nil {
		if err := h.rec.SaveOp(docID, newRev, applied); err != nil {
			log.Printf("hub: failed to persist op for document %s at rev %d: %v", docID, newRev, err)
		}
	}
	if h.pub != nil {
		h.pub.Publish(docID, newRev, applied)
	}

	return nil
}

// ApplyRemote mirrors an already-committed op relayed from another
// process (see internal/pubsub) into docID's local History and fans it
// out to locally attached sessions. Unlike Submit, it never transforms
// op and never calls the Publisher, since the op has already been
// published by whichever process actually owns this document's writes.
func (h *Hub) ApplyRemote(docID, initial string, rev int, op ot.Op) error {
	d := h.getOrCreateDoc(docID, initial, nil)

	// Same reasoning as Submit: a remote-mirrored commit and a local
	// submission to the same document must not race to deliver out of
	// the order they committed in.
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.history.ApplyCommitted(rev, op); err != nil {
		return err
	}

	h.mu.RLock()
	rec := h.rec
	h.mu.RUnlock()
	if rec != nil {
		if err := rec.SaveOp(docID, rev, op); err != nil {
			log.Printf("hub: failed to persist mirrored op for document %s at rev %d: %v", docID, rev, err)
		}
	}

	h.mu.RLock()
	peers := make([]*session.Session, 0, len(d.sessions))
	for peer := range d.sessions {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	editFrame := session.NewEdit(rev, op)
	for _, peer := range peers {
		peer.Deliver(editFrame)
	}
	return nil
}

// DocumentCount returns the number of documents with at least one
// attached session, mirroring the teacher's GetRoomCount.
func (h *Hub) DocumentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, d := range h.docs {
		if len(d.sessions) > 0 {
			count++
		}
	}
	return count
}

// SessionCount returns the number of attached sessions across every
// document.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, d := range h.docs {
		total += len(d.sessions)
	}
	return total
}

// ActiveSessionsByDocument returns the attached-session count for each
// document, for the document list and detail REST handlers.
func (h *Hub) ActiveSessionsByDocument() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.docs))
	for id, d := range h.docs {
		out[id] = len(d.sessions)
	}
	return out
}

// Snapshot returns the current revision and text of docID, loading it
// with initial if it hasn't been seen before. Used by the restore and
// versioning REST handlers, which need the live OT state rather than a
// copy made at attach time.
func (h *Hub) Snapshot(docID, initial string) (rev int, text string) {
	d := h.getOrCreateDoc(docID, initial, nil)
	return d.history.Current()
}

// Replace submits a delete-all-then-insert pair through the normal
// Submit path so a version restore still goes through the transform
// algebra and is broadcast like any other edit, rather than writing
// content directly into History. It is not atomic against other
// concurrent submissions between the two steps; a conflict on either
// step aborts the restore and returns the error, leaving whichever step
// already committed in place.
func (h *Hub) Replace(docID string, sender *session.Session, content string) error {
	rev, text := h.Snapshot(docID, "")
	if len(text) > 0 {
		if err := h.Submit(docID, sender, rev, ot.NewDelete(0, uint32(len(text)))); err != nil {
			return err
		}
		rev, _ = h.Snapshot(docID, "")
	}
	if len(content) == 0 {
		return nil
	}
	return h.Submit(docID, sender, rev, ot.NewInsert(0, content))
}
