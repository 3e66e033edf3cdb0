// Package session defines the wire protocol and per-connection
// bookkeeping for a collaborative editing client. A Session does not
// transform operations itself; all transformation happens centrally in
// the ot.History owned by the hub. A Session only remembers what it has
// shipped to its connection and queues outbound frames for it.
package session

import (
	"encoding/json"

	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
)

// ClientFrame is the shape of a client-to-server edit submission:
// {"pos": <uint>, "rev": <uint>, "action": {"Insert": "..."} | {"Delete": <uint>}}.
type ClientFrame struct {
	Pos    uint32    `json:"pos"`
	Rev    int       `json:"rev"`
	Action ot.Action `json:"action"`
}

// Op converts the frame into an ot.Op.
func (f ClientFrame) Op() ot.Op {
	return ot.Op{Pos: f.Pos, Action: f.Action}
}

// SnapshotFrame is the initial server-to-client frame sent on connect: a
// two-element array [rev, text].
type SnapshotFrame struct {
	Rev  int
	Text string
}

// MarshalJSON encodes SnapshotFrame as the wire's two-element array.
func (s SnapshotFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{s.Rev, s.Text})
}

// EditFrame is a server-to-client frame reporting a committed edit. When
// Success is set it's the ack for the originating session's own
// submission; otherwise it's a committed edit from another session. Both
// carry the applied (post-transform) position and action, per the
// "acks carry the applied op" decision in DESIGN.md, so a client can fix
// up its buffer directly instead of re-deriving the transform locally.
type EditFrame struct {
	Rev     int        `json:"rev"`
	Pos     uint32     `json:"pos"`
	Action  *ot.Action `json:"action,omitempty"`
	Success bool       `json:"success,omitempty"`
}

// FailFrame is the terminal desync frame sent when a submission is
// rejected. The session is considered desynchronized after this; the
// connection task should close it.
type FailFrame struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// NewAck builds the ack frame sent to the originator of a committed op.
func NewAck(rev int, applied ot.Op) EditFrame {
	action := applied.Action
	return EditFrame{Rev: rev, Pos: applied.Pos, Action: &action, Success: true}
}

// NewEdit builds the frame broadcast to every session other than the
// originator of a committed op.
func NewEdit(rev int, applied ot.Op) EditFrame {
	action := applied.Action
	return EditFrame{Rev: rev, Pos: applied.Pos, Action: &action}
}

// NewFail builds the terminal desync frame.
func NewFail(reason string) FailFrame {
	return FailFrame{Success: false, Reason: reason}
}
