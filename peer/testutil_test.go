package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flotilla/config"
	"flotilla/registry"
	"flotilla/wire"
)

// memNames adapts the registry's in-memory store to the NameService port,
// cutting the network out of tests.
type memNames struct {
	store *registry.MemoryStore
}

func newMemNames() memNames { return memNames{store: registry.NewMemoryStore()} }

func (m memNames) Register(_ context.Context, name, endpoint string) error {
	return m.store.Put(name, endpoint)
}

func (m memNames) Lookup(_ context.Context, name string) (string, bool, error) {
	return m.store.Get(name)
}

func (m memNames) Unregister(_ context.Context, name, ifEndpoint string) (bool, error) {
	return m.store.Delete(name, ifEndpoint)
}

func (m memNames) List(_ context.Context, prefix string) (map[string]string, error) {
	return m.store.List(prefix)
}

// deadTransport errors every call, for unit tests that never leave the loop.
type deadTransport struct{}

var errUnreachable = errors.New("unreachable")

func (deadTransport) Ping(context.Context, string) error { return errUnreachable }
func (deadTransport) RequestVote(context.Context, string, wire.VoteArgs) (wire.VoteReply, error) {
	return wire.VoteReply{}, errUnreachable
}
func (deadTransport) SendHeartbeat(context.Context, string, wire.HeartbeatArgs) error {
	return errUnreachable
}
func (deadTransport) RegisterFiles(context.Context, string, wire.RegisterFilesArgs) (wire.RegisterFilesReply, error) {
	return wire.RegisterFilesReply{}, errUnreachable
}
func (deadTransport) QueryFile(context.Context, string, wire.QueryFileArgs) (wire.QueryFileReply, error) {
	return wire.QueryFileReply{}, errUnreachable
}
func (deadTransport) ListIndex(context.Context, string, wire.ListIndexArgs) (wire.ListIndexReply, error) {
	return wire.ListIndexReply{}, errUnreachable
}
func (deadTransport) FetchChunk(context.Context, string, wire.FileChunkArgs) (wire.FileChunkReply, error) {
	return wire.FileChunkReply{}, errUnreachable
}
func (deadTransport) FileSize(context.Context, string, wire.FileSizeArgs) (wire.FileSizeReply, error) {
	return wire.FileSizeReply{}, errUnreachable
}

func testConfig(id string, n int) config.Config {
	cfg := config.Default()
	cfg.PeerID = id
	cfg.TotalPeers = n
	cfg.HeartbeatInterval = config.Duration(20 * time.Millisecond)
	cfg.DetectTimeoutMin = config.Duration(60 * time.Millisecond)
	cfg.DetectTimeoutMax = config.Duration(120 * time.Millisecond)
	cfg.ElectionTimeout = config.Duration(400 * time.Millisecond)
	cfg.RescanInterval = 0
	cfg.MaxEpochSearch = 20
	cfg.ChunkSize = 4
	return cfg
}

// newLoopPeer builds a peer whose handlers are driven directly by the test,
// without the loop goroutine running. Handlers may spawn workers; their
// conclusions land unread in the buffered event channel.
func newLoopPeer(t *testing.T, id, endpoint string, n int) *Peer {
	t.Helper()
	cfg := testConfig(id, n)
	cfg.ShareDir = t.TempDir()
	p := New(cfg, endpoint, newMemNames(), deadTransport{})
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	t.Cleanup(p.cancel)
	return p
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fabric is an in-memory cohort: peers wired together by endpoint with no
// real network. Killing an endpoint severs it both ways, which models a
// crashed or partitioned process; reviving it restores delivery.
type fabric struct {
	names memNames

	mu    sync.Mutex
	peers map[string]*Peer
	dead  map[string]bool
}

func newFabric() *fabric {
	return &fabric{
		names: newMemNames(),
		peers: make(map[string]*Peer),
		dead:  make(map[string]bool),
	}
}

func (f *fabric) add(endpoint string, p *Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[endpoint] = p
}

func (f *fabric) kill(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[endpoint] = true
}

func (f *fabric) revive(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dead, endpoint)
}

func (f *fabric) route(src, dst string) (*Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[src] || f.dead[dst] {
		return nil, errUnreachable
	}
	p, ok := f.peers[dst]
	if !ok {
		return nil, errUnreachable
	}
	return p, nil
}

// fabricTransport is one peer's view of the fabric. It drives the target
// peer through the same event/reply path the RPC service uses.
type fabricTransport struct {
	f   *fabric
	src string
}

func (f *fabric) transportFor(endpoint string) *fabricTransport {
	return &fabricTransport{f: f, src: endpoint}
}

func fabricCall[A any, R any](t *fabricTransport, ctx context.Context, endpoint string, args A, mk func(A, chan R) event) (R, error) {
	var zero R
	p, err := t.f.route(t.src, endpoint)
	if err != nil {
		return zero, err
	}
	ch := make(chan R, 1)
	p.post(mk(args, ch))
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.runCtx.Done():
		return zero, errUnreachable
	}
}

func (t *fabricTransport) Ping(_ context.Context, endpoint string) error {
	_, err := t.f.route(t.src, endpoint)
	return err
}

func (t *fabricTransport) RequestVote(ctx context.Context, endpoint string, args wire.VoteArgs) (wire.VoteReply, error) {
	return fabricCall(t, ctx, endpoint, args, func(a wire.VoteArgs, ch chan wire.VoteReply) event {
		return evVoteRequest{args: a, reply: ch}
	})
}

func (t *fabricTransport) SendHeartbeat(_ context.Context, endpoint string, args wire.HeartbeatArgs) error {
	p, err := t.f.route(t.src, endpoint)
	if err != nil {
		return err
	}
	p.post(evHeartbeat{args: args})
	return nil
}

func (t *fabricTransport) RegisterFiles(ctx context.Context, endpoint string, args wire.RegisterFilesArgs) (wire.RegisterFilesReply, error) {
	return fabricCall(t, ctx, endpoint, args, func(a wire.RegisterFilesArgs, ch chan wire.RegisterFilesReply) event {
		return evRegisterFiles{args: a, reply: ch}
	})
}

func (t *fabricTransport) QueryFile(ctx context.Context, endpoint string, args wire.QueryFileArgs) (wire.QueryFileReply, error) {
	return fabricCall(t, ctx, endpoint, args, func(a wire.QueryFileArgs, ch chan wire.QueryFileReply) event {
		return evQueryFile{args: a, reply: ch}
	})
}

func (t *fabricTransport) ListIndex(ctx context.Context, endpoint string, args wire.ListIndexArgs) (wire.ListIndexReply, error) {
	return fabricCall(t, ctx, endpoint, args, func(a wire.ListIndexArgs, ch chan wire.ListIndexReply) event {
		return evListIndex{args: a, reply: ch}
	})
}

func (t *fabricTransport) FetchChunk(_ context.Context, endpoint string, args wire.FileChunkArgs) (wire.FileChunkReply, error) {
	p, err := t.f.route(t.src, endpoint)
	if err != nil {
		return wire.FileChunkReply{}, err
	}
	return p.serveChunk(args), nil
}

func (t *fabricTransport) FileSize(_ context.Context, endpoint string, args wire.FileSizeArgs) (wire.FileSizeReply, error) {
	p, err := t.f.route(t.src, endpoint)
	if err != nil {
		return wire.FileSizeReply{}, err
	}
	return p.serveFileSize(args), nil
}

// cohort spins up n wired peers; member 0 is the bootstrap.
type cohort struct {
	t      *testing.T
	f      *fabric
	peers  []*Peer
	shares []string
}

func newCohort(t *testing.T, n int, filesPerPeer map[int][]string) *cohort {
	t.Helper()
	f := newFabric()
	c := &cohort{t: t, f: f}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("peer%d", i)
		endpoint := fmt.Sprintf("127.0.0.1:%d", 7000+i)
		share := t.TempDir()
		for _, name := range filesPerPeer[i] {
			writeFile(t, share, name, "content of "+name)
		}

		cfg := testConfig(id, n)
		cfg.ShareDir = share
		cfg.DownloadDir = t.TempDir()
		cfg.Bootstrap = i == 0

		p := New(cfg, endpoint, f.names, f.transportFor(endpoint))
		f.add(endpoint, p)
		c.peers = append(c.peers, p)
		c.shares = append(c.shares, share)
	}
	return c
}

func (c *cohort) start() {
	c.t.Helper()
	for _, p := range c.peers {
		if err := p.Start(context.Background()); err != nil {
			c.t.Fatalf("start %s: %v", p.cfg.PeerID, err)
		}
		c.t.Cleanup(p.Stop)
	}
}

// tracker returns the index of the only live peer reporting itself tracker,
// or -1 when there is none or more than one.
func (c *cohort) tracker() int {
	found := -1
	for i, p := range c.peers {
		c.f.mu.Lock()
		dead := c.f.dead[p.endpoint]
		c.f.mu.Unlock()
		if dead {
			continue
		}
		if p.Status().Role.String() == "tracker" {
			if found >= 0 {
				return -1
			}
			found = i
		}
	}
	return found
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
