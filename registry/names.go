package registry

import (
	"fmt"
	"strconv"
	"strings"

	"flotilla"
)

// Two namespaces exist in the name service: one entry per cohort member and
// one entry per tracker tenure. Listing by PeerPrefix enumerates the cohort.
const (
	PeerPrefix    = "PEER_"
	TrackerPrefix = "TRACKER_EPOCH_"
)

// PeerName is the well-known name a peer registers its endpoint under.
func PeerName(peerID string) string { return PeerPrefix + peerID }

// TrackerName is the well-known name the tracker of an epoch registers under.
func TrackerName(epoch flotilla.Epoch) string {
	return fmt.Sprintf("%s%d", TrackerPrefix, epoch)
}

// TrackerEpoch parses the epoch out of a tracker name. The bool is false
// when the name is not a tracker name.
func TrackerEpoch(name string) (flotilla.Epoch, bool) {
	raw, ok := strings.CutPrefix(name, TrackerPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return flotilla.Epoch(n), true
}
