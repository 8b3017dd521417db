// Package flotilla holds the shared vocabulary of the tracker-election
// protocol: epochs, endpoint ordering, and index holder records.
//
// A flotilla is a fixed cohort of file-sharing peers. At any time one peer
// acts as the tracker for the cohort, indexing which peer holds which file.
// Trackers are elected per epoch; a higher epoch always dominates.
package flotilla

// Epoch identifies one tracker tenure. Epochs are strictly monotone across
// the life of the cohort. Zero is the sentinel "no tracker ever seen".
type Epoch uint64

// Holder records that a peer holds a file.
type Holder struct {
	PeerID   string
	Endpoint string
}

// EndpointLess is the protocol's sole deterministic tie-breaker: plain
// lexicographic order on the endpoint string. Every peer must apply the
// same order, so all comparisons go through this helper.
func EndpointLess(a, b string) bool { return a < b }

// Role is a peer's current protocol role.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleTracker
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleTracker:
		return "tracker"
	default:
		return "unknown"
	}
}
