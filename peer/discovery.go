package peer

import (
	"math/rand/v2"
	"time"

	"flotilla"
	"flotilla/registry"
)

// Discovery walks the TRACKER_EPOCH_<n> namespace from the top of the
// search window down, looking for the live tracker with the highest epoch.
// Bound names whose endpoint no longer answers a ping are leftovers from a
// dead tenure and get withdrawn on the way down, guarded by the recorded
// endpoint so a concurrent re-registration survives.

func (p *Peer) startDiscovery() {
	if p.role == flotilla.RoleTracker {
		return
	}
	p.discoveryGen++
	go p.discover(p.discoveryGen)
}

func (p *Peer) discover(gen uint64) {
	for n := p.cfg.MaxEpochSearch; n >= 1; n-- {
		if p.runCtx.Err() != nil {
			return
		}
		name := registry.TrackerName(n)
		endpoint, found, err := p.names.Lookup(p.runCtx, name)
		if err != nil {
			p.log.Warn("tracker lookup failed", "name", name, "err", err)
			continue
		}
		if !found {
			continue
		}
		if err := p.transport.Ping(p.runCtx, endpoint); err == nil {
			p.post(evDiscoveryResult{gen: gen, found: true, tracker: endpoint, epoch: n})
			return
		}
		p.log.Debug("stale tracker name", "name", name, "endpoint", endpoint)
		if _, err := p.names.Unregister(p.runCtx, name, endpoint); err != nil {
			p.log.Warn("stale tracker cleanup failed", "name", name, "err", err)
		}
	}
	p.post(evDiscoveryResult{gen: gen, found: false})
}

func (p *Peer) handleDiscoveryResult(ev evDiscoveryResult) {
	if ev.gen != p.discoveryGen || p.role == flotilla.RoleTracker {
		return
	}

	if ev.found {
		switch {
		case ev.epoch > p.knownTrackerEpoch:
			p.adoptTracker(ev.tracker, ev.epoch)
		case ev.epoch == p.knownTrackerEpoch && p.knownTracker == "":
			// The scan reached the election floor left by a lost tracker
			// or a resigned tenure; whoever holds that epoch now serves it.
			p.adoptTracker(ev.tracker, ev.epoch)
		case ev.epoch == p.knownTrackerEpoch && ev.tracker == p.knownTracker:
			p.armDetector()
			if p.registeredAtEpoch < ev.epoch {
				p.startRegistration(ev.tracker, ev.epoch, p.localFiles, false)
			}
		}
		// An older epoch than the accepted view means a heartbeat advanced
		// this peer while the scan ran; the heartbeat already armed the
		// detector.
		return
	}

	// Nothing to follow. The bootstrap peer opens a brand-new network; the
	// scan ends at epoch 1, so its freshest fact is that no tenure was ever
	// registered. Once any tracker has been followed the whole cohort may be
	// dark together, so an election is called instead. A cold-starting
	// non-bootstrap peer just scans again later.
	switch {
	case p.cfg.Bootstrap && p.knownTrackerEpoch == 0:
		p.becomeTracker(p.nextEpoch())
	case p.knownTrackerEpoch > 0:
		p.startElection()
	default:
		gen := p.discoveryGen
		delay := p.cfg.DetectTimeoutMin.Std() + rand.N(p.cfg.DetectTimeoutMin.Std()+1)
		time.AfterFunc(delay, func() { p.post(evDiscoverRetry{gen: gen}) })
	}
}

func (p *Peer) handleDiscoverRetry(gen uint64) {
	if gen != p.discoveryGen {
		return
	}
	if p.role == flotilla.RoleFollower && p.knownTracker == "" {
		p.startDiscovery()
	}
}
