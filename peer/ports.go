// Package peer implements a cohort member of the file-sharing network:
// tracker discovery and election, failure detection, heartbeating, the
// tracker-side file index, and chunked file transfer.
//
// All protocol state is owned by a single event loop goroutine. RPC
// handlers, timers and background workers post typed events to the loop and,
// where they need an answer, block on a reply channel. Outbound RPC never
// happens on the loop goroutine.
package peer

import (
	"context"

	"flotilla"
	"flotilla/wire"
)

// NameService is the slice of the name registry the peer depends on.
// registry.Client implements it.
type NameService interface {
	Register(ctx context.Context, name, endpoint string) error
	Lookup(ctx context.Context, name string) (string, bool, error)
	Unregister(ctx context.Context, name, ifEndpoint string) (bool, error)
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// Transport issues RPCs to another peer by endpoint. Implementations apply
// the per-operation deadline; callers may tighten it through ctx.
type Transport interface {
	Ping(ctx context.Context, endpoint string) error
	RequestVote(ctx context.Context, endpoint string, args wire.VoteArgs) (wire.VoteReply, error)
	SendHeartbeat(ctx context.Context, endpoint string, args wire.HeartbeatArgs) error
	RegisterFiles(ctx context.Context, endpoint string, args wire.RegisterFilesArgs) (wire.RegisterFilesReply, error)
	QueryFile(ctx context.Context, endpoint string, args wire.QueryFileArgs) (wire.QueryFileReply, error)
	ListIndex(ctx context.Context, endpoint string, args wire.ListIndexArgs) (wire.ListIndexReply, error)
	FetchChunk(ctx context.Context, endpoint string, args wire.FileChunkArgs) (wire.FileChunkReply, error)
	FileSize(ctx context.Context, endpoint string, args wire.FileSizeArgs) (wire.FileSizeReply, error)
}

// Status is a point-in-time snapshot of the peer's protocol state.
type Status struct {
	PeerID            string
	Endpoint          string
	Role              flotilla.Role
	KnownTracker      string
	KnownTrackerEpoch flotilla.Epoch
	RegisteredAtEpoch flotilla.Epoch
	LocalFiles        int
	IndexedFiles      int // tracker only
}
