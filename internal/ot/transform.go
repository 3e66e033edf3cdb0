package ot

import "errors"

// ErrConflict is returned by Transform when two operations' affected
// ranges overlap and can't be reconciled without fabricating a
// resolution. The caller (History.Submit) aborts without mutating state.
var ErrConflict = errors.New("ot: conflicting concurrent edit")

// Transform rewrites incoming so that its coordinates are valid after
// concurrent has already been applied. It implements the interval rule
// from the spec: endpoints strictly after concurrent's affected range
// shift by concurrent's length delta, endpoints strictly before are left
// alone, and any endpoint inside or touching concurrent's range is a
// conflict.
func Transform(incoming, concurrent Op) (Op, error) {
	cOld, cNew := concurrentInterval(concurrent)

	if incoming.IsInsert() {
		pos, err := shiftEndpoint(incoming.Pos, cOld, cNew)
		if err != nil {
			return Op{}, err
		}
		return NewInsert(pos, incoming.InsertValue()), nil
	}

	start, err := shiftEndpoint(incoming.Pos, cOld, cNew)
	if err != nil {
		return Op{}, err
	}
	end, err := shiftEndpoint(incoming.Pos+incoming.DeleteLen(), cOld, cNew)
	if err != nil {
		return Op{}, err
	}
	// Endpoint shifting alone misses containment: a concurrent op whose
	// affected range sits strictly inside incoming's delete range touches
	// neither endpoint's interval test, so it would otherwise be silently
	// absorbed instead of flagged.
	cLo, cHi := concurrentOldRange(concurrent)
	if incoming.Pos < cLo && cHi < incoming.Pos+incoming.DeleteLen() {
		return Op{}, ErrConflict
	}
	if end < start {
		end = start
	}
	return NewDelete(start, end-start), nil
}

// concurrentInterval returns (oldI, newI): the byte interval concurrent
// affected before and after it was applied, per spec section 4.1.
func concurrentInterval(concurrent Op) (oldI, newI uint32) {
	if concurrent.IsInsert() {
		pos := concurrent.Pos
		return pos, pos + uint32(len(concurrent.InsertValue()))
	}
	pos, length := concurrent.Pos, concurrent.DeleteLen()
	return pos + length, pos
}

// concurrentOldRange returns the byte range concurrent affected in the
// coordinate system incoming was authored against: a zero-width point at
// its insertion position for an insert, or [pos, pos+length) for a
// delete.
func concurrentOldRange(concurrent Op) (lo, hi uint32) {
	if concurrent.IsInsert() {
		return concurrent.Pos, concurrent.Pos
	}
	return concurrent.Pos, concurrent.Pos + concurrent.DeleteLen()
}

// shiftEndpoint rewrites a single incoming endpoint p against the
// concurrent op's (oldI, newI) interval.
func shiftEndpoint(p, oldI, newI uint32) (uint32, error) {
	lo, hi := oldI, newI
	if lo > hi {
		lo, hi = hi, lo
	}
	switch {
	case hi < p:
		// Concurrent op lies wholly before p: shift by newI - oldI.
		delta := int64(newI) - int64(oldI)
		shifted := int64(p) + delta
		if shifted < 0 {
			shifted = 0
		}
		return uint32(shifted), nil
	case lo > p:
		// Concurrent op lies wholly after p: no effect.
		return p, nil
	default:
		return 0, ErrConflict
	}
}
