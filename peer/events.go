package peer

import (
	"flotilla"
	"flotilla/wire"
)

// Events are the only way protocol state changes. RPC handlers, timers and
// background workers post them; the loop goroutine applies them one at a
// time. Events that answer an RPC carry a reply channel (buffered, capacity
// one, so the loop never blocks on a slow reader).

type event any

// Inbound RPC.
type evVoteRequest struct {
	args  wire.VoteArgs
	reply chan wire.VoteReply
}

type evHeartbeat struct {
	args wire.HeartbeatArgs
}

type evRegisterFiles struct {
	args  wire.RegisterFilesArgs
	reply chan wire.RegisterFilesReply
}

type evQueryFile struct {
	args  wire.QueryFileArgs
	reply chan wire.QueryFileReply
}

type evListIndex struct {
	args  wire.ListIndexArgs
	reply chan wire.ListIndexReply
}

// Timers.
type evDetectorExpired struct {
	gen uint64
}

type evElectionDeadline struct {
	epoch flotilla.Epoch
}

type evDiscoverNow struct{}

type evDiscoverRetry struct {
	gen uint64
}

type evRescanTick struct{}

// Background worker conclusions. Each is revalidated against current state
// before being applied, since the state may have moved while the worker ran.
type evVoteResult struct {
	epoch   flotilla.Epoch
	from    string
	granted bool
}

type evDiscoveryResult struct {
	gen     uint64
	found   bool
	tracker string
	epoch   flotilla.Epoch
}

type evTrackerNameRegistered struct {
	epoch flotilla.Epoch
	err   error
}

type evRegistered struct {
	epoch flotilla.Epoch
}

// evAdoptHint carries the tracker view returned by a not_tracker reply.
type evAdoptHint struct {
	tracker string
	epoch   flotilla.Epoch
}

// evEpochTooLow carries the server epoch from an epoch_too_low reply.
type evEpochTooLow struct {
	serverEpoch flotilla.Epoch
}

// evTrackerLost reports that the accepted tracker stopped serving index
// calls for the view the caller held.
type evTrackerLost struct {
	tracker string
	epoch   flotilla.Epoch
}

type evFilesScanned struct {
	files []string
}

// Console.
type evStatusReq struct {
	reply chan Status
}

type evTrackerViewReq struct {
	reply chan trackerView
}

type evLocalFilesReq struct {
	reply chan []string
}

type evForceElection struct{}

// trackerView is the loop's answer to "whom do I ask for the index".
type trackerView struct {
	tracker string
	epoch   flotilla.Epoch
	self    bool
}
