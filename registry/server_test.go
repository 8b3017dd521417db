package registry

import (
	"context"
	"testing"
	"time"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(NewMemoryStore(), nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	deadline := time.After(2 * time.Second)
	for srv.Addr() == "" {
		select {
		case err := <-errc:
			t.Fatalf("server exited early: %v", err)
		case <-deadline:
			t.Fatal("server did not bind in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	client := NewClient(srv.Addr())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientServerRoundTrip(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	if _, found, err := client.Lookup(ctx, "PEER_alice"); err != nil || found {
		t.Fatalf("lookup before register: found=%v err=%v", found, err)
	}

	if err := client.Register(ctx, "PEER_alice", "127.0.0.1:1001"); err != nil {
		t.Fatalf("register: %v", err)
	}
	endpoint, found, err := client.Lookup(ctx, "PEER_alice")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if endpoint != "127.0.0.1:1001" {
		t.Fatalf("got endpoint %q", endpoint)
	}

	if err := client.Register(ctx, "TRACKER_EPOCH_1", "127.0.0.1:1001"); err != nil {
		t.Fatalf("register tracker: %v", err)
	}
	names, err := client.List(ctx, PeerPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names["PEER_alice"] == "" {
		t.Fatalf("peer listing wrong: %v", names)
	}

	// Guarded unregister with a stale endpoint must not remove the name.
	removed, err := client.Unregister(ctx, "PEER_alice", "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if removed {
		t.Fatal("guarded unregister removed a live binding")
	}

	removed, err = client.Unregister(ctx, "PEER_alice", "")
	if err != nil || !removed {
		t.Fatalf("unregister: removed=%v err=%v", removed, err)
	}
	if _, found, _ := client.Lookup(ctx, "PEER_alice"); found {
		t.Fatal("name still resolves after unregister")
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	client := startServer(t)
	if err := client.Register(context.Background(), "", "127.0.0.1:1001"); err == nil {
		t.Fatal("empty name accepted")
	}
}
