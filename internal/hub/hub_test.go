package hub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
	"github.com/manpreetbhatti/collabtext/backend/internal/session"
)

func drain(t *testing.T, s *session.Session) []byte {
	t.Helper()
	select {
	case b := <-s.Out():
		return b
	default:
		t.Fatal("expected a frame, got none")
		return nil
	}
}

func TestHubAttachReturnsSnapshot(t *testing.T) {
	h := New()
	sess := session.New(16)

	rev, text := h.Attach("doc-1", "hello", sess)
	if rev != 0 || text != "hello" {
		t.Fatalf("got (%d, %q), want (0, %q)", rev, text, "hello")
	}

	// The attach call also enqueues the snapshot frame.
	drain(t, sess)

	if h.DocumentCount() != 1 {
		t.Errorf("got document count %d, want 1", h.DocumentCount())
	}
	if h.SessionCount() != 1 {
		t.Errorf("got session count %d, want 1", h.SessionCount())
	}
}

func TestHubDetachRemovesSession(t *testing.T) {
	h := New()
	sess := session.New(16)
	h.Attach("doc-1", "", sess)
	drain(t, sess)

	h.Detach("doc-1", sess)
	if h.SessionCount() != 0 {
		t.Errorf("got session count %d, want 0", h.SessionCount())
	}
}

func TestHubSubmitAcksSenderAndDeliversToPeers(t *testing.T) {
	h := New()
	a := session.New(16)
	b := session.New(16)
	h.Attach("doc-1", "", a)
	drain(t, a)
	h.Attach("doc-1", "", b)
	drain(t, b)

	if err := h.Submit("doc-1", a, 0, ot.NewInsert(0, "hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a gets an ack, not a delivered edit.
	drain(t, a)
	// b gets the delivered edit.
	drain(t, b)

	if a.AckedRev() != 1 {
		t.Errorf("got a.AckedRev() = %d, want 1", a.AckedRev())
	}
	if b.AckedRev() != 1 {
		t.Errorf("got b.AckedRev() = %d, want 1", b.AckedRev())
	}
}

func TestHubSubmitConflictFailsOnlySender(t *testing.T) {
	h := New()
	a := session.New(16)
	b := session.New(16)
	h.Attach("doc-1", "", a)
	drain(t, a)
	h.Attach("doc-1", "", b)
	drain(t, b)

	if err := h.Submit("doc-1", a, 0, ot.NewInsert(0, "AB")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, a) // ack to a
	drain(t, b) // delivered edit to b

	if err := h.Submit("doc-1", b, 0, ot.NewInsert(0, "XY")); err == nil {
		t.Fatal("expected a conflict error")
	}
	if !b.Failed() {
		t.Error("expected b to be marked failed")
	}
	drain(t, b) // fail frame to b

	// a must not have received anything from b's failed submission.
	select {
	case frame := <-a.Out():
		t.Fatalf("a should not have received a frame, got %s", frame)
	default:
	}
}

// AttachAt seeds a never-before-seen document from a snapshot plus the
// op-log tail committed after it, landing at the tail's revision rather
// than rev 0, so a resumed document doesn't lose what was already
// persisted past its last snapshot.
func TestHubAttachAtResumesFromTail(t *testing.T) {
	h := New()
	sess := session.New(16)

	rev, text := h.AttachAt("doc-1", "hello", []ot.Op{ot.NewInsert(5, " world")}, sess)
	if rev != 1 || text != "hello world" {
		t.Fatalf("got (%d, %q), want (1, %q)", rev, text, "hello world")
	}
	drain(t, sess)

	// A submission against the resumed revision must succeed without
	// reporting a bad base rev, proving the History itself landed at rev
	// 1, not just the snapshot returned by AttachAt.
	if err := h.Submit("doc-1", sess, rev, ot.NewInsert(0, "X")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Two sessions submitting to the same document concurrently must have
// every other peer observe the resulting edits in the same order they
// committed in, never reordered by the ack/deliver fan-out racing ahead
// of a slower commit.
func TestHubSubmitPreservesDeliveryOrderUnderConcurrency(t *testing.T) {
	h := New()
	a := session.New(256)
	b := session.New(256)
	observer := session.New(256)
	h.Attach("doc-1", "", a)
	drain(t, a)
	h.Attach("doc-1", "", b)
	drain(t, b)
	h.Attach("doc-1", "", observer)
	drain(t, observer)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(2)
	submit := func(sess *session.Session, label string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for {
				rev, _ := h.Snapshot("doc-1", "")
				if err := h.Submit("doc-1", sess, rev, ot.NewInsert(0, label)); err == nil {
					break
				}
				// A conflict marks the sender failed for good, so the
				// retry goes out from a fresh, unattached session.
				sess = session.New(256)
			}
		}
	}
	go submit(a, "a")
	go submit(b, "b")
	wg.Wait()

	// Every successful submission delivers to every session but its
	// sender, the observer included: 2n commits total, so the observer
	// sees exactly 2n frames, each strictly later in revision than the
	// last.
	lastRev := -1
	for i := 0; i < 2*n; i++ {
		frame := <-observer.Out()
		var edit struct {
			Rev int `json:"rev"`
		}
		if err := json.Unmarshal(frame, &edit); err != nil {
			t.Fatalf("failed to unmarshal delivered frame: %v", err)
		}
		if edit.Rev <= lastRev {
			t.Fatalf("observer saw rev %d after rev %d: delivery order violated commit order", edit.Rev, lastRev)
		}
		lastRev = edit.Rev
	}
}

type fakeRecorder struct {
	saved []struct {
		docID string
		rev   int
		op    ot.Op
	}
}

func (f *fakeRecorder) SaveOp(documentID string, rev int, op ot.Op) error {
	f.saved = append(f.saved, struct {
		docID string
		rev   int
		op    ot.Op
	}{documentID, rev, op})
	return nil
}

func TestHubSubmitRecordsOp(t *testing.T) {
	h := New()
	rec := &fakeRecorder{}
	h.SetRecorder(rec)

	sess := session.New(16)
	h.Attach("doc-1", "", sess)
	drain(t, sess)

	if err := h.Submit("doc-1", sess, 0, ot.NewInsert(0, "hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drain(t, sess)

	if len(rec.saved) != 1 {
		t.Fatalf("got %d recorded ops, want 1", len(rec.saved))
	}
	if rec.saved[0].docID != "doc-1" || rec.saved[0].rev != 1 {
		t.Errorf("got (%s, %d), want (doc-1, 1)", rec.saved[0].docID, rec.saved[0].rev)
	}
}

func TestHubApplyRemoteMirrorsWithoutTransform(t *testing.T) {
	h := New()
	rec := &fakeRecorder{}
	h.SetRecorder(rec)

	peer := session.New(16)
	h.Attach("doc-1", "hello", peer)
	drain(t, peer)

	if err := h.ApplyRemote("doc-1", "", 1, ot.NewInsert(5, " world")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The mirrored op is fanned out to locally attached sessions exactly
	// like a local Submit, but with no ack frame since there's no local
	// originator.
	frame := drain(t, peer)
	if string(frame) == "" {
		t.Fatal("expected a delivered edit frame")
	}

	_, text := h.Snapshot("doc-1", "")
	if text != "hello world" {
		t.Errorf("got text %q, want %q", text, "hello world")
	}

	if len(rec.saved) != 1 || rec.saved[0].rev != 1 {
		t.Fatalf("expected the mirrored op to also be persisted locally, got %+v", rec.saved)
	}

	// A mirrored op that doesn't land at the next revision is rejected
	// rather than silently reordered.
	if err := h.ApplyRemote("doc-1", "", 5, ot.NewInsert(0, "x")); err == nil {
		t.Fatal("expected a bad-rev error for an out-of-order mirrored op")
	}
}

func TestHubReplaceGoesThroughTransformAlgebra(t *testing.T) {
	h := New()
	owner := session.New(16)
	h.Attach("doc-1", "old text", owner)
	drain(t, owner)

	if err := h.Replace("doc-1", owner, "new text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rev, text := h.Snapshot("doc-1", "")
	if text != "new text" {
		t.Errorf("got text %q, want %q", text, "new text")
	}
	if rev != 2 {
		t.Errorf("got rev %d, want 2 (one delete, one insert)", rev)
	}
}
