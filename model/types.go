package model

import "fmt"

// LID is the table-wide logical row identifier visible to callers.
// It is assigned at insert time. Purge renumbers the LIDs of the rows in
// the purged segment and in every later segment; it does not start while
// a table scan is live.
type LID uint64

// SubID is a segment-local logical row identifier.
type SubID uint32

// PhysicalID is the dense index into a store after purge translation.
type PhysicalID uint32

// SegmentState describes where a segment is in its lifecycle.
// Transitions are monotone: Writable -> Frozen -> ReadOnly -> Purged.
// ToBeDeleted is terminal and may follow any state.
type SegmentState int32

const (
	StateWritable SegmentState = iota
	StateFrozen
	StateReadOnly
	StatePurged
	StateToBeDeleted
)

func (s SegmentState) String() string {
	switch s {
	case StateWritable:
		return "writable"
	case StateFrozen:
		return "frozen"
	case StateReadOnly:
		return "readonly"
	case StatePurged:
		return "purged"
	case StateToBeDeleted:
		return "tobedeleted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PurgeStatus tracks the purge pipeline state of a read-only segment.
type PurgeStatus int32

const (
	PurgeNone PurgeStatus = iota
	PurgePending
	PurgePurging
	PurgeDone
)

// Location identifies a row inside a specific segment.
type Location struct {
	SegIdx int
	SubID  SubID
}

func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d)", l.SegIdx, l.SubID)
}
