package peer

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"flotilla"
	"flotilla/wire"
)

// The tracker-facing client side: pushing this peer's file list to the
// tracker and reacting to the tagged statuses. A not_tracker reply carries
// the receiver's own accepted view, which is adopted when it dominates; an
// epoch_too_low reply means this peer's view is obsolete, so the view drops
// to just below the server's epoch and discovery picks the tracker up again.

// startRegistration pushes files to the tracker from a worker goroutine.
// Transport errors are retried briefly; protocol statuses come back to the
// loop as events.
func (p *Peer) startRegistration(tracker string, epoch flotilla.Epoch, files []string, incremental bool) {
	args := wire.RegisterFilesArgs{
		PeerID:      p.cfg.PeerID,
		Endpoint:    p.endpoint,
		Files:       files,
		Epoch:       epoch,
		Incremental: incremental,
	}
	go func() {
		var reply wire.RegisterFilesReply
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 200 * time.Millisecond
		policy.MaxElapsedTime = 3 * time.Second

		err := backoff.Retry(func() error {
			var callErr error
			reply, callErr = p.transport.RegisterFiles(p.runCtx, tracker, args)
			return callErr
		}, backoff.WithContext(policy, p.runCtx))
		if err != nil {
			if p.runCtx.Err() == nil {
				p.log.Warn("file registration unreachable", "tracker", tracker, "err", err)
				p.post(evTrackerLost{tracker: tracker, epoch: epoch})
			}
			return
		}

		switch reply.Status {
		case wire.StatusOK:
			p.post(evRegistered{epoch: reply.RegisteredAtEpoch})
		case wire.StatusNotTracker:
			if reply.KnownTracker != "" && reply.KnownTrackerEpoch > epoch {
				p.post(evAdoptHint{tracker: reply.KnownTracker, epoch: reply.KnownTrackerEpoch})
			} else {
				p.post(evTrackerLost{tracker: tracker, epoch: epoch})
			}
		case wire.StatusEpochTooLow:
			p.post(evEpochTooLow{serverEpoch: reply.TrackerEpoch})
		}
	}()
}

func (p *Peer) handleAdoptHint(ev evAdoptHint) {
	if p.role == flotilla.RoleTracker {
		return
	}
	if ev.epoch > p.knownTrackerEpoch {
		p.adoptTracker(ev.tracker, ev.epoch)
	}
}

// handleEpochTooLow corrects an obsolete view: the local epoch drops to one
// below the server's so the rediscovered tracker at the server's epoch can
// be adopted without violating monotonicity from the stale side.
func (p *Peer) handleEpochTooLow(serverEpoch flotilla.Epoch) {
	if p.role == flotilla.RoleTracker || serverEpoch <= p.knownTrackerEpoch {
		return
	}
	p.knownTracker = ""
	p.knownTrackerEpoch = serverEpoch - 1
	p.registeredAtEpoch = 0
	p.startDiscovery()
}

// handleTrackerLost reacts to the accepted tracker refusing or dropping
// index calls. Only the exact view the caller held is invalidated; a newer
// view adopted in the meantime stands.
func (p *Peer) handleTrackerLost(ev evTrackerLost) {
	if p.role == flotilla.RoleTracker {
		return
	}
	if ev.tracker != p.knownTracker || ev.epoch != p.knownTrackerEpoch {
		return
	}
	p.startDiscovery()
}
