package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"
)

// ServiceName is the net/rpc receiver name the registry exposes.
const ServiceName = "Registry"

// RegisterArgs binds a name to an endpoint.
type RegisterArgs struct {
	Name     string
	Endpoint string
}

type RegisterReply struct{}

type LookupArgs struct {
	Name string
}

type LookupReply struct {
	Endpoint string
	Found    bool
}

// UnregisterArgs removes a binding. IfEndpoint, when set, makes the removal
// conditional on the binding still pointing at that endpoint, so a peer can
// clear a stale name without clobbering a newer registration.
type UnregisterArgs struct {
	Name       string
	IfEndpoint string
}

type UnregisterReply struct {
	Removed bool
}

type ListArgs struct {
	Prefix string
}

type ListReply struct {
	Names map[string]string
}

// Service is the RPC surface of the name registry.
type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

func (s *Service) Register(args RegisterArgs, _ *RegisterReply) error {
	if args.Name == "" || args.Endpoint == "" {
		return errors.New("registry: name and endpoint are required")
	}
	if err := s.store.Put(args.Name, args.Endpoint); err != nil {
		return err
	}
	s.log.Debug("name registered", "name", args.Name, "endpoint", args.Endpoint)
	return nil
}

func (s *Service) Lookup(args LookupArgs, reply *LookupReply) error {
	endpoint, ok, err := s.store.Get(args.Name)
	if err != nil {
		return err
	}
	reply.Endpoint = endpoint
	reply.Found = ok
	return nil
}

func (s *Service) Unregister(args UnregisterArgs, reply *UnregisterReply) error {
	removed, err := s.store.Delete(args.Name, args.IfEndpoint)
	if err != nil {
		return err
	}
	reply.Removed = removed
	if removed {
		s.log.Debug("name unregistered", "name", args.Name)
	}
	return nil
}

func (s *Service) List(args ListArgs, reply *ListReply) error {
	names, err := s.store.List(args.Prefix)
	if err != nil {
		return err
	}
	reply.Names = names
	return nil
}

// Server accepts registry RPC connections until its context is cancelled.
type Server struct {
	svc *Service
	log *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewServer(store Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: NewService(store, log), log: log}
}

// ListenAndServe binds addr and serves until ctx is cancelled. It returns
// once the listener is closed and all handler goroutines were started.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, s.svc); err != nil {
		_ = ln.Close()
		return fmt.Errorf("register rpc service: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("registry listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go srv.ServeConn(conn)
	}
}

// Addr returns the bound listener address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
