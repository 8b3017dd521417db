package peer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"flotilla"
	"flotilla/wire"
)

func heartbeat(p *Peer, tracker string, epoch flotilla.Epoch) {
	p.handleHeartbeat(wire.HeartbeatArgs{Tracker: tracker, Epoch: epoch})
}

func TestFollowerHeartbeatReconciliation(t *testing.T) {
	tests := []struct {
		name        string
		tracker     string
		epoch       flotilla.Epoch
		wantTracker string
		wantEpoch   flotilla.Epoch
	}{
		{"higher epoch adopted", upperEndpoint, 5, upperEndpoint, 5},
		{"same view refreshed", otherEndpoint, 3, otherEndpoint, 3},
		{"equal epoch smaller endpoint wins", lowerEndpoint, 3, lowerEndpoint, 3},
		{"equal epoch larger endpoint ignored", upperEndpoint, 3, otherEndpoint, 3},
		{"lower epoch ignored", lowerEndpoint, 2, otherEndpoint, 3},
		{"zero epoch ignored", lowerEndpoint, 0, otherEndpoint, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newLoopPeer(t, "self", selfEndpoint, 5)
			p.knownTracker = otherEndpoint
			p.knownTrackerEpoch = 3

			heartbeat(p, tt.tracker, tt.epoch)

			if p.knownTracker != tt.wantTracker || p.knownTrackerEpoch != tt.wantEpoch {
				t.Fatalf("view = %q@%d, want %q@%d",
					p.knownTracker, p.knownTrackerEpoch, tt.wantTracker, tt.wantEpoch)
			}
			if p.role != flotilla.RoleFollower {
				t.Fatalf("role = %v", p.role)
			}
		})
	}
}

func TestAcceptedHeartbeatRearmsDetector(t *testing.T) {
	p := newLoopPeer(t, "self", selfEndpoint, 5)
	p.knownTracker = otherEndpoint
	p.knownTrackerEpoch = 3

	before := p.detectorGen
	heartbeat(p, otherEndpoint, 3)
	if p.detectorGen == before {
		t.Fatal("detector not re-armed by an accepted heartbeat")
	}

	// The stale generation's expiry must now be a no-op.
	p.handleDetectorExpired(before)
	if p.role != flotilla.RoleFollower {
		t.Fatalf("stale detector expiry changed role to %v", p.role)
	}
}

func TestDetectorExpiryStartsElection(t *testing.T) {
	p := newLoopPeer(t, "self", selfEndpoint, 5)
	p.knownTracker = otherEndpoint
	p.knownTrackerEpoch = 3
	p.registeredAtEpoch = 3
	p.armDetector()

	p.handleDetectorExpired(p.detectorGen)
	if p.role != flotilla.RoleCandidate {
		t.Fatalf("role = %v after detector expiry", p.role)
	}
	if p.candidacyEpoch != 4 {
		t.Fatalf("candidacy epoch = %d", p.candidacyEpoch)
	}
	// The dead tracker's reference is gone; its epoch stays as the floor.
	if p.knownTracker != "" {
		t.Fatalf("dead tracker %q still referenced", p.knownTracker)
	}
	if p.knownTrackerEpoch != 3 {
		t.Fatalf("epoch floor = %d", p.knownTrackerEpoch)
	}
	if p.registeredAtEpoch != 0 {
		t.Fatal("registration with the dead tracker survived")
	}
}

func TestHeartbeatAtEpochFloorReconnects(t *testing.T) {
	p := newLoopPeer(t, "self", selfEndpoint, 5)
	// The floor left behind by an expired detector: epoch kept, no tracker.
	p.knownTrackerEpoch = 3

	heartbeat(p, upperEndpoint, 3)
	if p.knownTracker != upperEndpoint || p.knownTrackerEpoch != 3 {
		t.Fatalf("view = %q@%d", p.knownTracker, p.knownTrackerEpoch)
	}
	if p.role != flotilla.RoleFollower {
		t.Fatalf("role = %v", p.role)
	}
}

func TestSplitBrainLoserHeartbeatKeepsDetectorFresh(t *testing.T) {
	p := newLoopPeer(t, "self", selfEndpoint, 5)
	p.knownTracker = lowerEndpoint
	p.knownTrackerEpoch = 3

	before := p.detectorGen
	heartbeat(p, upperEndpoint, 3)
	if p.knownTracker != lowerEndpoint {
		t.Fatal("larger endpoint displaced the accepted tracker")
	}
	if p.detectorGen == before {
		t.Fatal("equal-epoch heartbeat did not refresh the detector")
	}
}

func TestAdoptionPrunesSettledVotes(t *testing.T) {
	p := newLoopPeer(t, "self", selfEndpoint, 5)
	p.votedInEpoch[1] = otherEndpoint
	p.votedInEpoch[2] = p.endpoint
	p.votedInEpoch[4] = upperEndpoint

	heartbeat(p, otherEndpoint, 4)
	for _, e := range []flotilla.Epoch{1, 2} {
		if _, ok := p.votedInEpoch[e]; ok {
			t.Fatalf("vote for epoch %d survived the adoption", e)
		}
	}
	if p.votedInEpoch[4] != upperEndpoint {
		t.Fatal("vote at the adopted epoch pruned")
	}
}

func TestTrackerHeartbeatReconciliation(t *testing.T) {
	setup := func(t *testing.T) *Peer {
		p := newLoopPeer(t, "self", selfEndpoint, 5)
		p.role = flotilla.RoleTracker
		p.tenureEpoch = 3
		p.knownTracker = p.endpoint
		p.knownTrackerEpoch = 3
		return p
	}

	t.Run("higher epoch forces step-down", func(t *testing.T) {
		p := setup(t)
		heartbeat(p, upperEndpoint, 4)
		if p.role != flotilla.RoleFollower {
			t.Fatalf("role = %v", p.role)
		}
		if p.knownTracker != upperEndpoint || p.knownTrackerEpoch != 4 {
			t.Fatalf("view = %q@%d", p.knownTracker, p.knownTrackerEpoch)
		}
	})

	t.Run("split brain yields to smaller endpoint", func(t *testing.T) {
		p := setup(t)
		heartbeat(p, lowerEndpoint, 3)
		if p.role != flotilla.RoleFollower {
			t.Fatalf("role = %v", p.role)
		}
		if p.knownTracker != lowerEndpoint {
			t.Fatalf("tracker = %q", p.knownTracker)
		}
	})

	t.Run("split brain holds against larger endpoint", func(t *testing.T) {
		p := setup(t)
		heartbeat(p, upperEndpoint, 3)
		if p.role != flotilla.RoleTracker {
			t.Fatalf("role = %v", p.role)
		}
	})

	t.Run("lower epoch ignored", func(t *testing.T) {
		p := setup(t)
		heartbeat(p, lowerEndpoint, 2)
		if p.role != flotilla.RoleTracker {
			t.Fatalf("role = %v", p.role)
		}
	})
}

func TestHeartbeatCancelsSupersededCandidacy(t *testing.T) {
	p := newLoopPeer(t, "self", selfEndpoint, 5)
	p.startElection()
	epoch := p.candidacyEpoch

	// A tracker at a lower epoch does not stop a candidacy for a higher one.
	heartbeat(p, otherEndpoint, epoch-1)
	if p.role != flotilla.RoleCandidate {
		t.Fatalf("role = %v after dominated heartbeat", p.role)
	}

	heartbeat(p, otherEndpoint, epoch)
	if p.role != flotilla.RoleFollower {
		t.Fatalf("role = %v after dominating heartbeat", p.role)
	}
	if p.knownTracker != otherEndpoint || p.knownTrackerEpoch != epoch {
		t.Fatalf("view = %q@%d", p.knownTracker, p.knownTrackerEpoch)
	}
}

// The accepted tracker epoch never decreases, whatever heartbeats arrive in
// whatever order.
func TestKnownEpochMonotonicProperty(t *testing.T) {
	type beat struct {
		tracker string
		epoch   flotilla.Epoch
	}
	beatGen := gopter.CombineGens(
		gen.OneConstOf(lowerEndpoint, otherEndpoint, upperEndpoint),
		gen.UInt64Range(0, 8),
	).Map(func(vs []any) beat {
		return beat{tracker: vs[0].(string), epoch: flotilla.Epoch(vs[1].(uint64))}
	})

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("known epoch non-decreasing", prop.ForAll(
		func(beats []beat) bool {
			p := newLoopPeer(t, "self", selfEndpoint, 5)
			prev := p.knownTrackerEpoch
			for _, b := range beats {
				heartbeat(p, b.tracker, b.epoch)
				if p.knownTrackerEpoch < prev {
					return false
				}
				prev = p.knownTrackerEpoch
			}
			return true
		},
		gen.SliceOf(beatGen),
	))

	properties.TestingRun(t)
}
