// Package ot implements the operational-transformation engine: the Op
// algebra and the authoritative revision History that transforms and
// applies operations against it.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Op is a single edit: either an insertion of a string at a byte offset,
// or a deletion of a byte range. Exactly one of Insert/Delete is set; the
// zero value (both empty, Len 0) is a valid no-op delete.
type Op struct {
	Pos    uint32 `json:"pos"`
	Action Action `json:"action"`
}

// Action is the tagged variant carried by an Op. It round-trips through
// JSON as {"Insert": "<string>"} or {"Delete": <uint>}, matching spec
// wire frames.
type Action struct {
	Insert *string `json:"Insert,omitempty"`
	Delete *uint32 `json:"Delete,omitempty"`
}

var (
	// ErrBadOp reports a position or length that doesn't fit the document
	// it was validated against, or that splits a UTF-8 code point.
	ErrBadOp = errors.New("ot: bad op")
)

// IsInsert reports whether op is an insertion.
func (o Op) IsInsert() bool { return o.Action.Insert != nil }

// IsDelete reports whether op is a deletion.
func (o Op) IsDelete() bool { return o.Action.Delete != nil }

// InsertValue returns the inserted string, or "" if op is not an insert.
func (o Op) InsertValue() string {
	if o.Action.Insert == nil {
		return ""
	}
	return *o.Action.Insert
}

// DeleteLen returns the deleted length, or 0 if op is not a delete.
func (o Op) DeleteLen() uint32 {
	if o.Action.Delete == nil {
		return 0
	}
	return *o.Action.Delete
}

// NewInsert builds an Insert op.
func NewInsert(pos uint32, value string) Op {
	v := value
	return Op{Pos: pos, Action: Action{Insert: &v}}
}

// NewDelete builds a Delete op.
func NewDelete(pos, length uint32) Op {
	l := length
	return Op{Pos: pos, Action: Action{Delete: &l}}
}

// span returns the half-open byte interval this op affects in its own
// coordinate system: for Insert, an empty interval at Pos; for Delete,
// [Pos, Pos+Len).
func (o Op) span() (start, end uint32) {
	if o.IsDelete() {
		return o.Pos, o.Pos + o.DeleteLen()
	}
	return o.Pos, o.Pos
}

// validateBounds checks that op's positions land on UTF-8 code-point
// boundaries of text and fit within its length.
func validateBounds(op Op, text string) error {
	n := uint32(len(text))
	if op.IsInsert() {
		if op.Pos > n {
			return fmt.Errorf("%w: insert pos %d exceeds length %d", ErrBadOp, op.Pos, n)
		}
		if !utf8.RuneStart(boundaryByte(text, op.Pos)) {
			return fmt.Errorf("%w: insert pos %d splits a code point", ErrBadOp, op.Pos)
		}
		return nil
	}
	length := op.DeleteLen()
	end := op.Pos + length
	if end > n || end < op.Pos {
		return fmt.Errorf("%w: delete [%d,%d) exceeds length %d", ErrBadOp, op.Pos, end, n)
	}
	if !utf8.RuneStart(boundaryByte(text, op.Pos)) {
		return fmt.Errorf("%w: delete pos %d splits a code point", ErrBadOp, op.Pos)
	}
	if !utf8.RuneStart(boundaryByte(text, end)) {
		return fmt.Errorf("%w: delete end %d splits a code point", ErrBadOp, end)
	}
	return nil
}

// boundaryByte returns the byte at offset pos, or a rune-start sentinel
// (0) if pos is exactly len(text) (a valid boundary, end-of-string).
func boundaryByte(text string, pos uint32) byte {
	if int(pos) >= len(text) {
		return 0
	}
	return text[pos]
}

// Apply validates op against text and returns the edited text.
func (o Op) Apply(text string) (string, error) {
	if err := validateBounds(o, text); err != nil {
		return "", err
	}
	if o.IsInsert() {
		return text[:o.Pos] + o.InsertValue() + text[o.Pos:], nil
	}
	end := o.Pos + o.DeleteLen()
	return text[:o.Pos] + text[end:], nil
}

// IsNoop reports whether op has no effect (a zero-length delete, or an
// empty insert).
func (o Op) IsNoop() bool {
	if o.IsInsert() {
		return o.InsertValue() == ""
	}
	return o.DeleteLen() == 0
}

// MarshalJSON and UnmarshalJSON are derived automatically from the struct
// tags above via encoding/json; this helper exists for log lines and
// error messages.
func (o Op) String() string {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf("<op marshal error: %v>", err)
	}
	return string(b)
}
