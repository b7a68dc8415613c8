package eventlog

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamID is a parsed stream entry ID of the form "<ms>-<seq>".
// Lexicographic order of the string form matches append order because the
// millisecond part is compared numerically after parsing; always compare
// through this type, never the raw strings.
type StreamID struct {
	Ms  int64
	Seq uint64
}

// ZeroID is the synthetic start-of-stream sentinel. No real entry ever has
// this ID, so a range starting at ZeroID includes every entry.
const ZeroID = "0"

// EndID is the unbounded upper range sentinel.
const EndID = "+"

// ParseID parses "<ms>-<seq>". The bare sentinel "0" parses as 0-0.
func ParseID(s string) (StreamID, error) {
	if s == ZeroID {
		return StreamID{}, nil
	}
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return StreamID{}, fmt.Errorf("malformed stream id %q", s)
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("malformed stream id %q: %w", s, err)
	}
	q, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("malformed stream id %q: %w", s, err)
	}
	return StreamID{Ms: m, Seq: q}, nil
}

func (id StreamID) String() string {
	return strconv.FormatInt(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id precedes other in append order.
func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Next returns the smallest ID strictly greater than id.
func (id StreamID) Next() StreamID {
	return StreamID{Ms: id.Ms, Seq: id.Seq + 1}
}

// NextID returns the offset a caller must pass to Range or Tail so that the
// entry with ID s is never delivered again. Re-reading the same entry on
// every poll is the classic replay-loop bug; every cursor advance in this
// codebase goes through here.
//
// The sentinel "0" maps to itself (nothing has been delivered yet), and an
// unparseable value is returned unchanged so a corrupt cursor degrades to a
// stall rather than a loop.
func NextID(s string) string {
	if s == ZeroID {
		return ZeroID
	}
	id, err := ParseID(s)
	if err != nil {
		return s
	}
	return id.Next().String()
}

// CompareIDs orders two raw ID strings, treating the "0" sentinel as the
// minimum. Returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	ia, errA := ParseID(a)
	ib, errB := ParseID(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case ia.Less(ib):
		return -1
	case ib.Less(ia):
		return 1
	default:
		return 0
	}
}

// prevID returns the largest ID strictly smaller than s, used to translate
// our inclusive-from cursors into the exclusive-from form XREAD expects.
// prevID of the sentinel is the sentinel itself.
func prevID(s string) string {
	if s == ZeroID {
		return ZeroID
	}
	id, err := ParseID(s)
	if err != nil {
		return s
	}
	if id.Seq > 0 {
		return StreamID{Ms: id.Ms, Seq: id.Seq - 1}.String()
	}
	if id.Ms == 0 {
		return ZeroID
	}
	return StreamID{Ms: id.Ms - 1, Seq: ^uint64(0)}.String()
}
