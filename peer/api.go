package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flotilla"
	"flotilla/wire"
)

// Console-facing operations. These run on the caller's goroutine: they take
// a snapshot of the loop's tracker view, talk to the tracker directly, and
// feed any correction the tracker's status tags imply back to the loop
// before retrying.

// ErrNoTracker reports that no tracker is currently accepted.
var ErrNoTracker = errors.New("no tracker known")

const (
	trackerQueryAttempts = 3
	trackerRetryDelay    = 300 * time.Millisecond
)

// Status reports the peer's current protocol state.
func (p *Peer) Status() Status {
	reply := make(chan Status, 1)
	p.post(evStatusReq{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-p.runCtx.Done():
		return Status{PeerID: p.cfg.PeerID, Endpoint: p.endpoint}
	}
}

// LocalFiles lists the files this peer currently shares.
func (p *Peer) LocalFiles() []string {
	reply := make(chan []string, 1)
	p.post(evLocalFilesReq{reply: reply})
	select {
	case files := <-reply:
		return files
	case <-p.runCtx.Done():
		return nil
	}
}

// Refresh rescans the share directory and pushes any change to the tracker.
func (p *Peer) Refresh() {
	p.post(evRescanTick{})
}

// ForceElection starts a candidacy immediately, unless this peer is the
// tracker already.
func (p *Peer) ForceElection() {
	p.post(evForceElection{})
}

func (p *Peer) view() (trackerView, error) {
	reply := make(chan trackerView, 1)
	p.post(evTrackerViewReq{reply: reply})
	select {
	case v := <-reply:
		return v, nil
	case <-p.runCtx.Done():
		return trackerView{}, p.runCtx.Err()
	}
}

// Search asks the tracker which peers hold name.
func (p *Peer) Search(ctx context.Context, name string) ([]flotilla.Holder, error) {
	var holders []flotilla.Holder
	err := p.withTracker(ctx, func(v trackerView) (wire.Status, wire.QueryFileReply) {
		if v.self {
			reply := make(chan wire.QueryFileReply, 1)
			p.post(evQueryFile{args: wire.QueryFileArgs{Name: name, Epoch: v.epoch}, reply: reply})
			select {
			case r := <-reply:
				holders = r.Holders
				return r.Status, r
			case <-p.runCtx.Done():
				return "", wire.QueryFileReply{}
			}
		}
		r, callErr := p.transport.QueryFile(ctx, v.tracker, wire.QueryFileArgs{Name: name, Epoch: v.epoch})
		if callErr != nil {
			p.post(evTrackerLost{tracker: v.tracker, epoch: v.epoch})
			return "", r
		}
		holders = r.Holders
		return r.Status, r
	})
	return holders, err
}

// NetworkIndex fetches the tracker's whole index.
func (p *Peer) NetworkIndex(ctx context.Context) (map[string][]flotilla.Holder, error) {
	var index map[string][]flotilla.Holder
	err := p.withTracker(ctx, func(v trackerView) (wire.Status, wire.QueryFileReply) {
		if v.self {
			reply := make(chan wire.ListIndexReply, 1)
			p.post(evListIndex{args: wire.ListIndexArgs{Epoch: v.epoch}, reply: reply})
			select {
			case r := <-reply:
				index = r.Index
				return r.Status, asQueryReply(r.Status, r.KnownTracker, r.KnownTrackerEpoch, r.TrackerEpoch)
			case <-p.runCtx.Done():
				return "", wire.QueryFileReply{}
			}
		}
		r, callErr := p.transport.ListIndex(ctx, v.tracker, wire.ListIndexArgs{Epoch: v.epoch})
		if callErr != nil {
			p.post(evTrackerLost{tracker: v.tracker, epoch: v.epoch})
			return "", wire.QueryFileReply{}
		}
		index = r.Index
		return r.Status, asQueryReply(r.Status, r.KnownTracker, r.KnownTrackerEpoch, r.TrackerEpoch)
	})
	return index, err
}

func asQueryReply(status wire.Status, knownTracker string, knownEpoch, trackerEpoch flotilla.Epoch) wire.QueryFileReply {
	return wire.QueryFileReply{
		Status:            status,
		KnownTracker:      knownTracker,
		KnownTrackerEpoch: knownEpoch,
		TrackerEpoch:      trackerEpoch,
	}
}

// withTracker drives one tracker operation through the status-correction
// loop: on not_tracker or epoch_too_low the loop is told what the tracker
// said, given a moment to rediscover, and the call retried.
func (p *Peer) withTracker(ctx context.Context, op func(trackerView) (wire.Status, wire.QueryFileReply)) error {
	for attempt := 0; attempt < trackerQueryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(trackerRetryDelay):
			}
		}
		v, err := p.view()
		if err != nil {
			return err
		}
		if v.tracker == "" {
			continue
		}

		status, r := op(v)
		switch status {
		case wire.StatusOK:
			return nil
		case wire.StatusNotTracker:
			if r.KnownTracker != "" && r.KnownTrackerEpoch > v.epoch {
				p.post(evAdoptHint{tracker: r.KnownTracker, epoch: r.KnownTrackerEpoch})
			} else {
				p.post(evTrackerLost{tracker: v.tracker, epoch: v.epoch})
			}
		case wire.StatusEpochTooLow:
			p.post(evEpochTooLow{serverEpoch: r.TrackerEpoch})
		}
	}
	return fmt.Errorf("tracker unavailable: %w", ErrNoTracker)
}
