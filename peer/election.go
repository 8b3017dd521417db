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

// handleVoteRequest applies the vote rules. A peer grants at most one vote
// per epoch; the single exception is a self-vote, which yields to a
// candidate with a strictly smaller endpoint so that simultaneous
// candidacies at the same epoch converge on one winner.
func (p *Peer) handleVoteRequest(args wire.VoteArgs) wire.VoteReply {
	if args.Epoch > p.highestCandidacy {
		p.highestCandidacy = args.Epoch
	}

	grant := func() wire.VoteReply {
		telemetry.VotesGranted.Inc()
		p.log.Debug("vote granted", "candidate", args.Candidate, "epoch", uint64(args.Epoch))
		return wire.VoteReply{Granted: true}
	}
	deny := func() wire.VoteReply {
		telemetry.VotesDenied.Inc()
		p.log.Debug("vote denied", "candidate", args.Candidate, "epoch", uint64(args.Epoch))
		return wire.VoteReply{Granted: false}
	}

	// An epoch at or below the accepted tracker's is settled history.
	if args.Epoch <= p.knownTrackerEpoch {
		return deny()
	}

	prev, voted := p.votedInEpoch[args.Epoch]
	switch {
	case !voted:
		p.votedInEpoch[args.Epoch] = args.Candidate
		// Endorsing a rival stops failure detection until the winner's
		// first heartbeat, and moots any own candidacy at or below the
		// endorsed epoch.
		if args.Candidate != p.endpoint {
			p.disarmDetector()
			if p.role == flotilla.RoleCandidate && p.candidacyEpoch <= args.Epoch {
				p.abandonCandidacy()
			}
		}
		return grant()
	case prev == args.Candidate:
		return grant()
	case prev == p.endpoint && flotilla.EndpointLess(args.Candidate, p.endpoint):
		p.votedInEpoch[args.Epoch] = args.Candidate
		p.disarmDetector()
		if p.role == flotilla.RoleCandidate && p.candidacyEpoch == args.Epoch {
			p.abandonCandidacy()
		}
		return grant()
	default:
		return deny()
	}
}

// nextEpoch picks the epoch for a fresh candidacy: one past everything this
// peer has ever seen, so a new tenure always dominates.
func (p *Peer) nextEpoch() flotilla.Epoch {
	e := p.knownTrackerEpoch
	if p.highestCandidacy > e {
		e = p.highestCandidacy
	}
	for voted := range p.votedInEpoch {
		if voted > e {
			e = voted
		}
	}
	return e + 1
}

func (p *Peer) startElection() {
	if p.role == flotilla.RoleTracker {
		return
	}
	epoch := p.nextEpoch()
	p.role = flotilla.RoleCandidate
	p.candidacyEpoch = epoch
	p.votedInEpoch[epoch] = p.endpoint
	if epoch > p.highestCandidacy {
		p.highestCandidacy = epoch
	}
	p.votesGranted = map[string]struct{}{p.endpoint: {}}
	p.disarmDetector()
	telemetry.ElectionsStarted.Inc()
	p.log.Info("starting election", "epoch", uint64(epoch))

	if len(p.votesGranted) >= p.cfg.Quorum() {
		p.becomeTracker(epoch)
		return
	}
	time.AfterFunc(p.cfg.ElectionTimeout.Std(), func() {
		p.post(evElectionDeadline{epoch: epoch})
	})
	go p.solicitVotes(epoch)
}

// solicitVotes fans a vote request out to every other cohort member. Each
// answer comes back as an event; an unreachable peer counts as a denial.
func (p *Peer) solicitVotes(epoch flotilla.Epoch) {
	dir, err := p.names.List(p.runCtx, registry.PeerPrefix)
	if err != nil {
		p.log.Warn("peer directory unavailable during election", "err", err)
		return
	}

	var g errgroup.Group
	for _, endpoint := range dir {
		if endpoint == p.endpoint {
			continue
		}
		g.Go(func() error {
			reply, err := p.transport.RequestVote(p.runCtx, endpoint, wire.VoteArgs{
				Candidate: p.endpoint,
				Epoch:     epoch,
			})
			if err != nil {
				p.log.Debug("vote request failed", "endpoint", endpoint, "err", err)
				reply.Granted = false
			}
			p.post(evVoteResult{epoch: epoch, from: endpoint, granted: reply.Granted})
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Peer) handleVoteResult(ev evVoteResult) {
	if p.role != flotilla.RoleCandidate || p.candidacyEpoch != ev.epoch || !ev.granted {
		return
	}
	p.votesGranted[ev.from] = struct{}{}
	if len(p.votesGranted) >= p.cfg.Quorum() {
		p.becomeTracker(ev.epoch)
	}
}

func (p *Peer) handleElectionDeadline(epoch flotilla.Epoch) {
	if p.role != flotilla.RoleCandidate || p.candidacyEpoch != epoch {
		return
	}
	p.log.Info("election timed out", "epoch", uint64(epoch),
		"votes", len(p.votesGranted), "quorum", p.cfg.Quorum())
	p.role = flotilla.RoleFollower
	p.votesGranted = nil
	p.startDiscovery()
}

// abandonCandidacy yields an in-flight candidacy after a vote reversal or an
// endorsement of a later epoch. Failure detection stays stopped; the winner's
// first heartbeat re-arms it.
func (p *Peer) abandonCandidacy() {
	p.role = flotilla.RoleFollower
	p.votesGranted = nil
	p.disarmDetector()
}

// becomeTracker installs this peer as the tracker of epoch. The index is
// rebuilt from scratch starting with the local files; other peers repopulate
// it when they observe the new epoch and re-register. Heartbeats only start
// once the tracker name is registered, so a peer that cannot reach the
// registry never advertises a tenure nobody can discover.
func (p *Peer) becomeTracker(epoch flotilla.Epoch) {
	p.role = flotilla.RoleTracker
	p.tenureEpoch = epoch
	p.knownTracker = p.endpoint
	p.knownTrackerEpoch = epoch
	p.registeredAtEpoch = epoch
	p.votesGranted = nil
	p.disarmDetector()

	p.index.Clear()
	p.index.ReplacePeer(p.selfHolder(), p.localFiles)

	telemetry.ElectionsWon.Inc()
	telemetry.TrackerRole.Set(1)
	telemetry.CurrentEpoch.Set(float64(epoch))
	telemetry.IndexedFiles.Set(float64(p.index.Files()))
	p.log.Info("became tracker", "epoch", uint64(epoch))

	go func() {
		err := p.names.Register(p.runCtx, registry.TrackerName(epoch), p.endpoint)
		p.post(evTrackerNameRegistered{epoch: epoch, err: err})
	}()
}

func (p *Peer) handleTrackerNameRegistered(ev evTrackerNameRegistered) {
	if p.role != flotilla.RoleTracker || p.tenureEpoch != ev.epoch {
		return
	}
	if ev.err != nil {
		p.log.Error("tracker name registration failed, yielding", "err", ev.err)
		p.resignTenure()
		return
	}
	p.startHeartbeats(ev.epoch)
}

// resignTenure gives the tenure up without a successor in sight, e.g. when
// the registry refused the tracker name. The tenure's epoch stays put as the
// election floor; a rival tracker holding that epoch is still adoptable
// through discovery or its first heartbeat.
func (p *Peer) resignTenure() {
	p.stopHeartbeats()
	p.index.Clear()
	p.role = flotilla.RoleFollower
	p.knownTracker = ""
	p.knownTrackerEpoch = p.tenureEpoch
	p.registeredAtEpoch = 0
	telemetry.TrackerRole.Set(0)
	telemetry.StepDowns.Inc()

	// The failed registration may still have landed server-side; withdraw
	// the name if it points here.
	name := registry.TrackerName(p.tenureEpoch)
	endpoint := p.endpoint
	go func() {
		ctx, cancel := context.WithTimeout(p.runCtx, 3*time.Second)
		defer cancel()
		_, _ = p.names.Unregister(ctx, name, endpoint)
	}()

	p.startDiscovery()
}

// stepDown yields the tenure to a dominating tracker learned through a
// heartbeat. The stale tracker name is withdrawn opportunistically; the
// discovery scan also clears it if this peer dies first.
func (p *Peer) stepDown(tracker string, epoch flotilla.Epoch) {
	p.log.Info("stepping down",
		"tenure", uint64(p.tenureEpoch), "successor", tracker, "epoch", uint64(epoch))
	p.stopHeartbeats()
	p.index.Clear()
	p.role = flotilla.RoleFollower
	telemetry.TrackerRole.Set(0)
	telemetry.StepDowns.Inc()

	staleName := registry.TrackerName(p.tenureEpoch)
	if epoch != p.tenureEpoch {
		endpoint := p.endpoint
		go func() {
			ctx, cancel := context.WithTimeout(p.runCtx, 3*time.Second)
			defer cancel()
			_, _ = p.names.Unregister(ctx, staleName, endpoint)
		}()
	}

	p.adoptTracker(tracker, epoch)
}
