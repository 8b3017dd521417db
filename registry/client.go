package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	dialTimeout = 2 * time.Second
	callTimeout = 5 * time.Second

	retryInitialInterval = 100 * time.Millisecond
	retryMaxElapsed      = 3 * time.Second
)

// Client talks to the registry server. It keeps one connection open and
// redials transparently; individual calls are retried with exponential
// backoff because the registry is a hard dependency of every peer.
type Client struct {
	addr string

	mu sync.Mutex
	rc *rpc.Client
}

func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rc == nil {
		return nil
	}
	err := c.rc.Close()
	c.rc = nil
	return err
}

// Register binds name to endpoint.
func (c *Client) Register(ctx context.Context, name, endpoint string) error {
	return c.call(ctx, ServiceName+".Register",
		RegisterArgs{Name: name, Endpoint: endpoint}, &RegisterReply{})
}

// Lookup resolves name. The bool is false when the name is unbound.
func (c *Client) Lookup(ctx context.Context, name string) (string, bool, error) {
	var reply LookupReply
	if err := c.call(ctx, ServiceName+".Lookup", LookupArgs{Name: name}, &reply); err != nil {
		return "", false, err
	}
	return reply.Endpoint, reply.Found, nil
}

// Unregister removes name. A non-empty ifEndpoint makes the removal
// conditional on the current binding.
func (c *Client) Unregister(ctx context.Context, name, ifEndpoint string) (bool, error) {
	var reply UnregisterReply
	err := c.call(ctx, ServiceName+".Unregister",
		UnregisterArgs{Name: name, IfEndpoint: ifEndpoint}, &reply)
	if err != nil {
		return false, err
	}
	return reply.Removed, nil
}

// List returns all bindings under prefix.
func (c *Client) List(ctx context.Context, prefix string) (map[string]string, error) {
	var reply ListReply
	if err := c.call(ctx, ServiceName+".List", ListArgs{Prefix: prefix}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = retryMaxElapsed

	op := func() error {
		rc, err := c.conn(ctx)
		if err != nil {
			return err
		}
		if err := c.callOnce(ctx, rc, method, args, reply); err != nil {
			if err == rpc.ErrShutdown || isNetError(err) {
				c.drop(rc)
				return err
			}
			// Server-side errors are not transient.
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("registry %s: %w", method, err)
	}
	return nil
}

func (c *Client) callOnce(ctx context.Context, rc *rpc.Client, method string, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	done := rc.Go(method, args, reply, make(chan *rpc.Call, 1)).Done
	select {
	case call := <-done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) conn(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rc != nil {
		return c.rc, nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial registry %s: %w", c.addr, err)
	}
	c.rc = rpc.NewClient(conn)
	return c.rc, nil
}

// drop discards rc if it is still the cached connection, so the next call
// redials. A concurrent call may already have replaced it.
func (c *Client) drop(rc *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rc == rc {
		_ = c.rc.Close()
		c.rc = nil
	}
}

func isNetError(err error) bool {
	var ne net.Error
	return err != nil && (err == rpc.ErrShutdown || errors.As(err, &ne))
}
