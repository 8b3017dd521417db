package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"

	"flotilla/wire"
)

// ServiceName is the net/rpc receiver name every peer exposes.
const ServiceName = "Peer"

// Service adapts a Peer to net/rpc. Protocol methods post to the loop and
// wait on the reply; file methods read the share directory directly so a
// busy loop never stalls a transfer.
type Service struct {
	peer *Peer
}

func NewService(p *Peer) *Service { return &Service{peer: p} }

func (s *Service) Ping(_ wire.PingArgs, reply *wire.PingReply) error {
	reply.OK = true
	return nil
}

func (s *Service) RequestVote(args wire.VoteArgs, reply *wire.VoteReply) error {
	ch := make(chan wire.VoteReply, 1)
	s.peer.post(evVoteRequest{args: args, reply: ch})
	return await(s.peer, ch, reply)
}

func (s *Service) ReceiveHeartbeat(args wire.HeartbeatArgs, _ *wire.HeartbeatReply) error {
	s.peer.post(evHeartbeat{args: args})
	return nil
}

func (s *Service) RegisterFiles(args wire.RegisterFilesArgs, reply *wire.RegisterFilesReply) error {
	ch := make(chan wire.RegisterFilesReply, 1)
	s.peer.post(evRegisterFiles{args: args, reply: ch})
	return await(s.peer, ch, reply)
}

func (s *Service) QueryFile(args wire.QueryFileArgs, reply *wire.QueryFileReply) error {
	ch := make(chan wire.QueryFileReply, 1)
	s.peer.post(evQueryFile{args: args, reply: ch})
	return await(s.peer, ch, reply)
}

func (s *Service) ListIndex(args wire.ListIndexArgs, reply *wire.ListIndexReply) error {
	ch := make(chan wire.ListIndexReply, 1)
	s.peer.post(evListIndex{args: args, reply: ch})
	return await(s.peer, ch, reply)
}

func (s *Service) RequestFileChunk(args wire.FileChunkArgs, reply *wire.FileChunkReply) error {
	*reply = s.peer.serveChunk(args)
	return nil
}

func (s *Service) GetFileSize(args wire.FileSizeArgs, reply *wire.FileSizeReply) error {
	*reply = s.peer.serveFileSize(args)
	return nil
}

func await[T any](p *Peer, ch chan T, reply *T) error {
	select {
	case r := <-ch:
		*reply = r
		return nil
	case <-p.runCtx.Done():
		return errors.New("peer shutting down")
	}
}

// Server serves the peer RPC surface over TCP.
type Server struct {
	ln net.Listener
}

// Listen binds addr. The resolved address is the peer's endpoint.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{ln: ln}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections for p until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, p *Peer) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, NewService(p)); err != nil {
		return fmt.Errorf("register rpc service: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go srv.ServeConn(conn)
	}
}
