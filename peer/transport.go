package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"flotilla/wire"
)

// Per-operation deadlines. Heartbeats are the tightest since a slow
// receiver must not stall the broadcast; chunk fetches the loosest.
const (
	pingTimeout      = 1500 * time.Millisecond
	voteTimeout      = 2 * time.Second
	heartbeatTimeout = 500 * time.Millisecond
	indexTimeout     = 5 * time.Second
	chunkTimeout     = 10 * time.Second

	transportDialTimeout = 1500 * time.Millisecond
)

// TCPTransport is the production Transport: gob-encoded net/rpc over TCP,
// one cached connection per endpoint, dropped on any transport error so the
// next call redials.
type TCPTransport struct {
	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{clients: make(map[string]*rpc.Client)}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for endpoint, c := range t.clients {
		_ = c.Close()
		delete(t.clients, endpoint)
	}
	return nil
}

func (t *TCPTransport) Ping(ctx context.Context, endpoint string) error {
	var reply wire.PingReply
	if err := t.call(ctx, pingTimeout, endpoint, ServiceName+".Ping", wire.PingArgs{}, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("ping refused")
	}
	return nil
}

func (t *TCPTransport) RequestVote(ctx context.Context, endpoint string, args wire.VoteArgs) (wire.VoteReply, error) {
	var reply wire.VoteReply
	err := t.call(ctx, voteTimeout, endpoint, ServiceName+".RequestVote", args, &reply)
	return reply, err
}

func (t *TCPTransport) SendHeartbeat(ctx context.Context, endpoint string, args wire.HeartbeatArgs) error {
	var reply wire.HeartbeatReply
	return t.call(ctx, heartbeatTimeout, endpoint, ServiceName+".ReceiveHeartbeat", args, &reply)
}

func (t *TCPTransport) RegisterFiles(ctx context.Context, endpoint string, args wire.RegisterFilesArgs) (wire.RegisterFilesReply, error) {
	var reply wire.RegisterFilesReply
	err := t.call(ctx, indexTimeout, endpoint, ServiceName+".RegisterFiles", args, &reply)
	return reply, err
}

func (t *TCPTransport) QueryFile(ctx context.Context, endpoint string, args wire.QueryFileArgs) (wire.QueryFileReply, error) {
	var reply wire.QueryFileReply
	err := t.call(ctx, indexTimeout, endpoint, ServiceName+".QueryFile", args, &reply)
	return reply, err
}

func (t *TCPTransport) ListIndex(ctx context.Context, endpoint string, args wire.ListIndexArgs) (wire.ListIndexReply, error) {
	var reply wire.ListIndexReply
	err := t.call(ctx, indexTimeout, endpoint, ServiceName+".ListIndex", args, &reply)
	return reply, err
}

func (t *TCPTransport) FetchChunk(ctx context.Context, endpoint string, args wire.FileChunkArgs) (wire.FileChunkReply, error) {
	var reply wire.FileChunkReply
	err := t.call(ctx, chunkTimeout, endpoint, ServiceName+".RequestFileChunk", args, &reply)
	return reply, err
}

func (t *TCPTransport) FileSize(ctx context.Context, endpoint string, args wire.FileSizeArgs) (wire.FileSizeReply, error) {
	var reply wire.FileSizeReply
	err := t.call(ctx, indexTimeout, endpoint, ServiceName+".GetFileSize", args, &reply)
	return reply, err
}

func (t *TCPTransport) call(ctx context.Context, timeout time.Duration, endpoint, method string, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := t.client(ctx, endpoint)
	if err != nil {
		return err
	}
	done := client.Go(method, args, reply, make(chan *rpc.Call, 1)).Done
	select {
	case call := <-done:
		if call.Error != nil {
			if call.Error == rpc.ErrShutdown || isTransportError(call.Error) {
				t.drop(endpoint, client)
			}
			return fmt.Errorf("%s %s: %w", method, endpoint, call.Error)
		}
		return nil
	case <-ctx.Done():
		// The pending reply is now orphaned on this connection; drop it.
		t.drop(endpoint, client)
		return fmt.Errorf("%s %s: %w", method, endpoint, ctx.Err())
	}
}

func (t *TCPTransport) client(ctx context.Context, endpoint string) (*rpc.Client, error) {
	t.mu.Lock()
	if c, ok := t.clients[endpoint]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	d := net.Dialer{Timeout: transportDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c := rpc.NewClient(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[endpoint]; ok {
		_ = c.Close()
		return existing, nil
	}
	t.clients[endpoint] = c
	return c, nil
}

func (t *TCPTransport) drop(endpoint string, c *rpc.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clients[endpoint] == c {
		_ = c.Close()
		delete(t.clients, endpoint)
	}
}

func isTransportError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
