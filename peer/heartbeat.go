package peer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"flotilla"
	"flotilla/internal/telemetry"
	"flotilla/registry"
	"flotilla/wire"
)

// directoryMaxAge bounds how stale the emitter's cached peer directory may
// get before it is refreshed from the registry.
const directoryMaxAge = 5 * time.Second

// startHeartbeats launches the tenure's emitter goroutine. It stops when
// the tenure is cancelled (step-down or shutdown).
func (p *Peer) startHeartbeats(epoch flotilla.Epoch) {
	ctx, cancel := context.WithCancel(p.runCtx)
	p.tenureCancel = cancel
	go p.emitHeartbeats(ctx, epoch)
}

func (p *Peer) stopHeartbeats() {
	if p.tenureCancel != nil {
		p.tenureCancel()
		p.tenureCancel = nil
	}
}

// emitHeartbeats broadcasts the tenure to the cohort every interval. The
// peer directory is cached between refreshes; a dead registry therefore
// degrades discovery of new members, not the heartbeat stream itself.
func (p *Peer) emitHeartbeats(ctx context.Context, epoch flotilla.Epoch) {
	var (
		directory   []string
		refreshedAt time.Time
	)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		if time.Since(refreshedAt) > directoryMaxAge {
			if dir, err := p.names.List(ctx, registry.PeerPrefix); err == nil {
				directory = directory[:0]
				for _, endpoint := range dir {
					if endpoint != p.endpoint {
						directory = append(directory, endpoint)
					}
				}
				refreshedAt = time.Now()
			} else if ctx.Err() == nil {
				p.log.Warn("peer directory refresh failed", "err", err)
			}
		}

		args := wire.HeartbeatArgs{Tracker: p.endpoint, Epoch: epoch}
		var g errgroup.Group
		for _, endpoint := range directory {
			g.Go(func() error {
				if err := p.transport.SendHeartbeat(ctx, endpoint, args); err != nil {
					telemetry.HeartbeatSendFailures.Inc()
					p.log.Debug("heartbeat failed", "endpoint", endpoint, "err", err)
					return nil
				}
				telemetry.HeartbeatsSent.Inc()
				return nil
			})
		}
		_ = g.Wait()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleHeartbeat applies the receiver-side reconciliation rules. A higher
// epoch always wins; at equal epochs the smaller endpoint wins, which is
// what collapses a split brain.
func (p *Peer) handleHeartbeat(args wire.HeartbeatArgs) {
	if args.Epoch == 0 || args.Tracker == "" || args.Tracker == p.endpoint {
		return
	}

	if p.role == flotilla.RoleTracker {
		switch {
		case args.Epoch > p.tenureEpoch:
			p.stepDown(args.Tracker, args.Epoch)
		case args.Epoch == p.tenureEpoch && flotilla.EndpointLess(args.Tracker, p.endpoint):
			p.stepDown(args.Tracker, args.Epoch)
		}
		return
	}

	switch {
	case args.Epoch > p.knownTrackerEpoch:
		p.adoptTracker(args.Tracker, args.Epoch)
	case args.Epoch < p.knownTrackerEpoch:
		// Stale tenure.
	case p.knownTracker == "":
		// The epoch matches the floor left by a lost tracker; whoever
		// serves it is acceptable.
		p.adoptTracker(args.Tracker, args.Epoch)
	case args.Tracker == p.knownTracker:
		p.armDetector()
	case flotilla.EndpointLess(args.Tracker, p.knownTracker):
		p.adoptTracker(args.Tracker, args.Epoch)
	default:
		// A split-brain loser still beating. The smaller endpoint keeps the
		// tie; its detector is refreshed so this beat cannot starve it.
		p.armDetector()
	}
}

// adoptTracker accepts tracker as the tracker of epoch and re-registers the
// local files with it. An in-flight candidacy at or below the adopted epoch
// is moot and gets abandoned.
func (p *Peer) adoptTracker(tracker string, epoch flotilla.Epoch) {
	if p.role == flotilla.RoleCandidate && epoch >= p.candidacyEpoch {
		p.role = flotilla.RoleFollower
		p.votesGranted = nil
	}

	// Votes for epochs below the adopted one are settled history.
	for e := range p.votedInEpoch {
		if e < epoch {
			delete(p.votedInEpoch, e)
		}
	}

	changed := tracker != p.knownTracker || epoch != p.knownTrackerEpoch
	p.knownTracker = tracker
	p.knownTrackerEpoch = epoch
	telemetry.CurrentEpoch.Set(float64(epoch))
	if changed {
		p.log.Info("tracker adopted", "tracker", tracker, "epoch", uint64(epoch))
	}

	if p.role == flotilla.RoleFollower {
		p.armDetector()
	}
	if changed || p.registeredAtEpoch < epoch {
		p.startRegistration(tracker, epoch, p.localFiles, false)
	}
}
