// Package wire defines the net/rpc argument and reply types exchanged
// between peers.
//
// Tracker-facing replies carry a Status tag so that a caller holding an
// obsolete epoch view learns about it and can correct itself: NotTracker
// replies carry the server's accepted tracker view, EpochTooLow replies
// carry the server's own epoch.
package wire

import "flotilla"

// Status is the outcome tag on tracker-facing replies.
type Status string

const (
	StatusOK          Status = "ok"
	StatusNotTracker  Status = "not_tracker"
	StatusEpochTooLow Status = "epoch_too_low"
)

type PingArgs struct{}

type PingReply struct {
	OK bool
}

// VoteArgs asks the receiver to vote for Candidate as tracker of Epoch.
type VoteArgs struct {
	Candidate string
	Epoch     flotilla.Epoch
}

type VoteReply struct {
	Granted bool
}

// HeartbeatArgs asserts that Tracker is alive as the tracker of Epoch.
type HeartbeatArgs struct {
	Tracker string
	Epoch   flotilla.Epoch
}

type HeartbeatReply struct{}

// RegisterFilesArgs registers the caller's files with the tracker.
// When Incremental is set the files are unioned into the caller's entry;
// otherwise the entry is replaced wholesale so deletions take effect.
// Epoch is the caller's view of the tracker epoch.
type RegisterFilesArgs struct {
	PeerID      string
	Endpoint    string
	Files       []string
	Epoch       flotilla.Epoch
	Incremental bool
}

type RegisterFilesReply struct {
	Status            Status
	RegisteredAtEpoch flotilla.Epoch // set on ok

	// Set on epoch_too_low: the server's epoch.
	TrackerEpoch flotilla.Epoch

	// Set on not_tracker: the server's accepted tracker view, if any.
	KnownTracker      string
	KnownTrackerEpoch flotilla.Epoch
}

type QueryFileArgs struct {
	Name  string
	Epoch flotilla.Epoch
}

type QueryFileReply struct {
	Status  Status
	Holders []flotilla.Holder

	TrackerEpoch      flotilla.Epoch
	KnownTracker      string
	KnownTrackerEpoch flotilla.Epoch
}

type ListIndexArgs struct {
	Epoch flotilla.Epoch
}

type ListIndexReply struct {
	Status Status
	Index  map[string][]flotilla.Holder

	TrackerEpoch      flotilla.Epoch
	KnownTracker      string
	KnownTrackerEpoch flotilla.Epoch
}

// FileChunkArgs reads Size bytes of Name starting at Offset.
type FileChunkArgs struct {
	Name   string
	Offset int64
	Size   int
}

// FileChunkReply carries the chunk, nil when the file is absent.
type FileChunkReply struct {
	Data []byte
}

type FileSizeArgs struct {
	Name string
}

// FileSizeReply carries the file size in bytes, -1 when absent.
type FileSizeReply struct {
	Size int64
}
