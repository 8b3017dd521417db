package peer

import (
	"math/rand/v2"
	"time"

	"flotilla"
)

// The failure detector is a one-shot timer drawn uniformly from the
// configured range, re-armed on every accepted heartbeat. The randomized
// width staggers the cohort's reactions to a tracker death so that one peer
// usually declares candidacy ahead of the rest. Each arming bumps a
// generation counter; an expiry carrying a stale generation is ignored, so
// a timer that fired while a fresher one was being armed cannot trigger a
// spurious election.

func (p *Peer) armDetector() {
	p.detectorGen++
	gen := p.detectorGen

	min := p.cfg.DetectTimeoutMin.Std()
	max := p.cfg.DetectTimeoutMax.Std()
	d := min + rand.N(max-min+1)

	time.AfterFunc(d, func() { p.post(evDetectorExpired{gen: gen}) })
}

func (p *Peer) disarmDetector() {
	p.detectorGen++
}

func (p *Peer) handleDetectorExpired(gen uint64) {
	if gen != p.detectorGen {
		return
	}
	if p.role != flotilla.RoleFollower {
		return
	}
	p.log.Info("tracker presumed failed",
		"tracker", p.knownTracker, "epoch", uint64(p.knownTrackerEpoch))
	// Drop the dead tracker's reference; its epoch stays as the floor for
	// the next candidacy.
	p.knownTracker = ""
	p.registeredAtEpoch = 0
	p.startElection()
}
