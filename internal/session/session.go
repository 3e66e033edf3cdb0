package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session is one connected client's view: its outbound queue and the
// highest revision it has acknowledged. It never transforms operations;
// the hub does that centrally against the shared ot.History.
type Session struct {
	ID   string
	out  chan []byte
	done chan struct{}

	ackedRev  atomic.Int64
	failed    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Session with a fresh ID and the given outbound buffer
// size (mirrors the teacher's 512-deep per-client send channel).
func New(bufSize int) *Session {
	return &Session{
		ID:   uuid.NewString(),
		out:  make(chan []byte, bufSize),
		done: make(chan struct{}),
	}
}

// Out returns the outbound channel the connection task's write pump
// drains.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// Done is closed once the session has been closed; the write pump
// selects on it alongside Out() to notice a detach even if no more
// frames are ever enqueued.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AckedRev returns the highest revision this session has seen.
func (s *Session) AckedRev() int {
	return int(s.ackedRev.Load())
}

// Failed reports whether this session has been desynchronized; once
// true, further submissions from its connection should be ignored.
func (s *Session) Failed() bool {
	return s.failed.Load()
}

// enqueue drops the frame rather than blocking if the outbound channel
// is full, following the spec's rule that the hub must never suspend on
// a slow client's queue. A dropped frame leaves that session's client
// missing an edit; nothing in the session or the hub detects the gap,
// and the client's next submission is transformed against the missed
// op like any other concurrent edit.
func (s *Session) enqueue(b []byte) {
	if s.closed.Load() {
		return
	}
	select {
	case s.out <- b:
	default:
	}
}

func marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every frame type here is a plain struct with no exotic field
		// types; a marshal failure would be a programmer error, not a
		// runtime condition callers can usefully recover from.
		panic(err)
	}
	return b
}

// Init enqueues the initial snapshot frame sent right after attach.
func (s *Session) Init(rev int, text string) {
	s.ackedRev.Store(int64(rev))
	s.enqueue(marshal(SnapshotFrame{Rev: rev, Text: text}))
}

// Deliver enqueues a committed op from some other session.
func (s *Session) Deliver(frame EditFrame) {
	s.ackedRev.Store(int64(frame.Rev))
	s.enqueue(marshal(frame))
}

// Ack enqueues the acknowledgement for this session's own just-committed
// submission.
func (s *Session) Ack(frame EditFrame) {
	s.ackedRev.Store(int64(frame.Rev))
	frame.Success = true
	s.enqueue(marshal(frame))
}

// Fail enqueues a terminal desync frame and marks the session failed.
func (s *Session) Fail(reason string) {
	s.failed.Store(true)
	s.enqueue(marshal(NewFail(reason)))
}

// Close signals the write pump to exit. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
