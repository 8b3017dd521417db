package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"flotilla"
	"flotilla/config"
	"flotilla/internal/logging"
	"flotilla/internal/telemetry"
	"flotilla/registry"
	"flotilla/wire"
)

// Peer is one cohort member. All fields below the events channel are owned
// by the loop goroutine; nothing else touches them while the loop runs.
type Peer struct {
	cfg       config.Config
	endpoint  string
	names     NameService
	transport Transport
	log       *slog.Logger

	events  chan event
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	role              flotilla.Role
	knownTracker      string
	knownTrackerEpoch flotilla.Epoch
	votedInEpoch      map[flotilla.Epoch]string
	highestCandidacy  flotilla.Epoch
	registeredAtEpoch flotilla.Epoch

	candidacyEpoch flotilla.Epoch
	votesGranted   map[string]struct{}

	detectorGen  uint64
	discoveryGen uint64

	tenureEpoch  flotilla.Epoch
	tenureCancel context.CancelFunc

	index      *Index
	localFiles []string
}

// New creates a peer bound to endpoint. The endpoint must be the address
// other peers can reach this peer's RPC server on.
func New(cfg config.Config, endpoint string, names NameService, transport Transport) *Peer {
	return &Peer{
		cfg:          cfg,
		endpoint:     endpoint,
		names:        names,
		transport:    transport,
		log:          logging.ForPeer(cfg.PeerID),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		votedInEpoch: make(map[flotilla.Epoch]string),
		index:        NewIndex(),
	}
}

// Endpoint returns the address this peer registered for itself.
func (p *Peer) Endpoint() string { return p.endpoint }

// Start scans the share directory, registers the peer name, and launches
// the event loop. Discovery begins after a short randomized delay so that
// cohort members started together do not scan in lockstep.
func (p *Peer) Start(ctx context.Context) error {
	if p.started {
		return errors.New("peer already started")
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	files, err := scanShareDir(p.cfg.ShareDir)
	if err != nil {
		return err
	}
	p.localFiles = files

	if err := p.names.Register(p.runCtx, registry.PeerName(p.cfg.PeerID), p.endpoint); err != nil {
		return fmt.Errorf("register peer name: %w", err)
	}
	p.log.Info("peer started", "endpoint", p.endpoint, "files", len(files))

	go func() {
		defer close(p.done)
		p.run()
	}()

	go p.rescanTicker()

	delay := p.startupDelay()
	time.AfterFunc(delay, func() { p.post(evDiscoverNow{}) })
	return nil
}

// Stop shuts the loop down and withdraws this peer's registry names. The
// tracker name is only removed when it still points at this peer, so a
// successor's registration is never clobbered.
func (p *Peer) Stop() {
	if !p.started {
		return
	}
	p.cancel()
	<-p.done

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := p.names.Unregister(ctx, registry.PeerName(p.cfg.PeerID), p.endpoint); err != nil {
		p.log.Warn("unregister peer name failed", "err", err)
	}
	if p.role == flotilla.RoleTracker {
		name := registry.TrackerName(p.tenureEpoch)
		if _, err := p.names.Unregister(ctx, name, p.endpoint); err != nil {
			p.log.Warn("unregister tracker name failed", "name", name, "err", err)
		}
	}
	p.log.Info("peer stopped")
}

// startupDelay staggers the first discovery. The bootstrap peer draws from
// a shorter range so that on a cold start it tends to scan, find nothing,
// and appoint itself before anyone else gives up.
func (p *Peer) startupDelay() time.Duration {
	hb := p.cfg.HeartbeatInterval.Std()
	if p.cfg.Bootstrap {
		return rand.N(hb + 1)
	}
	return hb + rand.N(p.cfg.DetectTimeoutMin.Std()+1)
}

func (p *Peer) post(ev event) {
	select {
	case p.events <- ev:
	case <-p.runCtx.Done():
	}
}

func (p *Peer) run() {
	defer func() {
		if p.tenureCancel != nil {
			p.tenureCancel()
		}
	}()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case ev := <-p.events:
			p.apply(ev)
		}
	}
}

func (p *Peer) apply(ev event) {
	switch ev := ev.(type) {
	case evVoteRequest:
		ev.reply <- p.handleVoteRequest(ev.args)
	case evHeartbeat:
		p.handleHeartbeat(ev.args)
	case evRegisterFiles:
		ev.reply <- p.handleRegisterFiles(ev.args)
	case evQueryFile:
		ev.reply <- p.handleQueryFile(ev.args)
	case evListIndex:
		ev.reply <- p.handleListIndex(ev.args)

	case evDetectorExpired:
		p.handleDetectorExpired(ev.gen)
	case evElectionDeadline:
		p.handleElectionDeadline(ev.epoch)
	case evDiscoverNow:
		p.startDiscovery()
	case evDiscoverRetry:
		p.handleDiscoverRetry(ev.gen)
	case evRescanTick:
		go p.scanFiles()

	case evVoteResult:
		p.handleVoteResult(ev)
	case evDiscoveryResult:
		p.handleDiscoveryResult(ev)
	case evTrackerNameRegistered:
		p.handleTrackerNameRegistered(ev)
	case evRegistered:
		if ev.epoch == p.knownTrackerEpoch {
			p.registeredAtEpoch = ev.epoch
		}
	case evAdoptHint:
		p.handleAdoptHint(ev)
	case evEpochTooLow:
		p.handleEpochTooLow(ev.serverEpoch)
	case evTrackerLost:
		p.handleTrackerLost(ev)
	case evFilesScanned:
		p.handleFilesScanned(ev.files)

	case evStatusReq:
		ev.reply <- p.status()
	case evTrackerViewReq:
		ev.reply <- trackerView{
			tracker: p.knownTracker,
			epoch:   p.knownTrackerEpoch,
			self:    p.role == flotilla.RoleTracker,
		}
	case evLocalFilesReq:
		files := make([]string, len(p.localFiles))
		copy(files, p.localFiles)
		ev.reply <- files
	case evForceElection:
		if p.role != flotilla.RoleTracker {
			p.startElection()
		}
	}
}

func (p *Peer) status() Status {
	return Status{
		PeerID:            p.cfg.PeerID,
		Endpoint:          p.endpoint,
		Role:              p.role,
		KnownTracker:      p.knownTracker,
		KnownTrackerEpoch: p.knownTrackerEpoch,
		RegisteredAtEpoch: p.registeredAtEpoch,
		LocalFiles:        len(p.localFiles),
		IndexedFiles:      p.index.Files(),
	}
}

// scanFiles runs off the loop; the result comes back as an event.
func (p *Peer) scanFiles() {
	files, err := scanShareDir(p.cfg.ShareDir)
	if err != nil {
		p.log.Warn("share dir scan failed", "err", err)
		return
	}
	p.post(evFilesScanned{files: files})
}

func (p *Peer) rescanTicker() {
	if p.cfg.RescanInterval <= 0 {
		return
	}
	t := time.NewTicker(p.cfg.RescanInterval.Std())
	defer t.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-t.C:
			p.post(evRescanTick{})
		}
	}
}

// handleFilesScanned reconciles the fresh scan against the last known local
// set. Additions alone travel as an incremental registration; any removal
// forces a full sweep because incremental updates never convey deletions.
func (p *Peer) handleFilesScanned(files []string) {
	added, removed := diffFiles(p.localFiles, files)
	p.localFiles = files

	if p.role == flotilla.RoleTracker {
		if len(added) > 0 || len(removed) > 0 {
			p.index.ReplacePeer(p.selfHolder(), files)
			telemetry.IndexedFiles.Set(float64(p.index.Files()))
		}
		return
	}
	if p.knownTracker == "" {
		return
	}
	switch {
	case len(removed) > 0:
		p.startRegistration(p.knownTracker, p.knownTrackerEpoch, files, false)
	case len(added) > 0:
		p.startRegistration(p.knownTracker, p.knownTrackerEpoch, added, true)
	case p.registeredAtEpoch < p.knownTrackerEpoch:
		p.startRegistration(p.knownTracker, p.knownTrackerEpoch, files, false)
	}
}

func (p *Peer) selfHolder() flotilla.Holder {
	return flotilla.Holder{PeerID: p.cfg.PeerID, Endpoint: p.endpoint}
}

// Index RPC handlers. Everything tracker-facing is epoch-gated: a caller
// holding a lower epoch than the serving tracker gets epoch_too_low, and a
// caller reaching a non-tracker gets not_tracker plus the receiver's own
// accepted view so it can correct itself.

func (p *Peer) gate(epoch flotilla.Epoch) (wire.Status, flotilla.Epoch) {
	if p.role != flotilla.RoleTracker {
		return wire.StatusNotTracker, 0
	}
	if epoch < p.tenureEpoch {
		return wire.StatusEpochTooLow, p.tenureEpoch
	}
	if epoch > p.tenureEpoch {
		return wire.StatusNotTracker, 0
	}
	return wire.StatusOK, p.tenureEpoch
}

func (p *Peer) handleRegisterFiles(args wire.RegisterFilesArgs) wire.RegisterFilesReply {
	status, tenure := p.gate(args.Epoch)
	switch status {
	case wire.StatusNotTracker:
		return wire.RegisterFilesReply{
			Status:            status,
			KnownTracker:      p.knownTracker,
			KnownTrackerEpoch: p.knownTrackerEpoch,
		}
	case wire.StatusEpochTooLow:
		return wire.RegisterFilesReply{Status: status, TrackerEpoch: tenure}
	}

	h := flotilla.Holder{PeerID: args.PeerID, Endpoint: args.Endpoint}
	if args.Incremental {
		p.index.AddFiles(h, args.Files)
	} else {
		p.index.ReplacePeer(h, args.Files)
	}
	telemetry.IndexedFiles.Set(float64(p.index.Files()))
	p.log.Debug("files registered",
		"from", args.PeerID, "count", len(args.Files), "incremental", args.Incremental)
	return wire.RegisterFilesReply{Status: wire.StatusOK, RegisteredAtEpoch: tenure}
}

func (p *Peer) handleQueryFile(args wire.QueryFileArgs) wire.QueryFileReply {
	status, tenure := p.gate(args.Epoch)
	switch status {
	case wire.StatusNotTracker:
		return wire.QueryFileReply{
			Status:            status,
			KnownTracker:      p.knownTracker,
			KnownTrackerEpoch: p.knownTrackerEpoch,
		}
	case wire.StatusEpochTooLow:
		return wire.QueryFileReply{Status: status, TrackerEpoch: tenure}
	}
	return wire.QueryFileReply{Status: wire.StatusOK, Holders: p.index.Holders(args.Name)}
}

func (p *Peer) handleListIndex(args wire.ListIndexArgs) wire.ListIndexReply {
	status, tenure := p.gate(args.Epoch)
	switch status {
	case wire.StatusNotTracker:
		return wire.ListIndexReply{
			Status:            status,
			KnownTracker:      p.knownTracker,
			KnownTrackerEpoch: p.knownTrackerEpoch,
		}
	case wire.StatusEpochTooLow:
		return wire.ListIndexReply{Status: status, TrackerEpoch: tenure}
	}
	return wire.ListIndexReply{Status: wire.StatusOK, Index: p.index.Snapshot()}
}
