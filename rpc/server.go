package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
)

// Handler serves the calls of one connection.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
	Close() error
}

// SessionFactory creates the handler of a new connection. It may block, for
// example while waiting for exclusive access to a device.
type SessionFactory func(ctx context.Context, id, remote string) (Handler, error)

// Server accepts connections and serves each on its own goroutine with its
// own Handler.
type Server struct {
	factory SessionFactory
	log     logging.Logger

	mu    sync.Mutex
	addr  net.Addr
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	ready chan struct{}
	once  sync.Once
}

// NewServer builds a server creating one handler per connection.
func NewServer(factory SessionFactory, log logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		factory: factory,
		log:     log.With(logging.Field{Key: "subsystem", Value: "rpc"}),
		conns:   make(map[net.Conn]struct{}),
		ready:   make(chan struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve accepts on ln until ctx is cancelled, then closes every open
// connection and waits for their handlers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	s.log.Info("listening", logging.Field{Key: "addr", Value: ln.Addr().String()})

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeConns()
			s.wg.Wait()
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) serveConn(parent context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.With(
		logging.Field{Key: "session", Value: id},
		logging.Field{Key: "remote", Value: conn.RemoteAddr().String()},
	)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	handler, err := s.factory(ctx, id, conn.RemoteAddr().String())
	if err != nil {
		log.Warn("session refused", logging.Err(err))
		json.NewEncoder(conn).Encode(Response{Error: NewError(err)})
		return
	}
	defer func() {
		if err := handler.Close(); err != nil {
			log.Warn("session close failed", logging.Err(err))
		}
		log.Info("session ended")
	}()
	log.Info("session started")

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				enc.Encode(Response{Error: &Error{Kind: sdr.KindMalformedPayload, Message: err.Error()}})
			}
			log.Debug("read failed", logging.Err(err))
			return
		}

		resp := s.dispatch(ctx, log, handler, req)
		if err := enc.Encode(resp); err != nil {
			log.Debug("write failed", logging.Err(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, log logging.Logger, h Handler, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", logging.Field{Key: "method", Value: req.Method}, logging.Field{Key: "panic", Value: fmt.Sprint(r)})
			resp.Result = nil
			resp.Error = &Error{Kind: sdr.KindDriver, Message: fmt.Sprintf("panic in %s: %v", req.Method, r)}
		}
	}()

	if req.Method == MethodPing {
		resp.Result = json.RawMessage(`"pong"`)
		return resp
	}

	result, err := h.Handle(ctx, req.Method, req.Params)
	if err != nil {
		log.Debug("call failed", logging.Field{Key: "method", Value: req.Method}, logging.Err(err))
		resp.Error = NewError(err)
		return resp
	}
	if result == nil {
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Kind: sdr.KindDriver, Message: fmt.Sprintf("encode %s result: %v", req.Method, err)}
		return resp
	}
	resp.Result = raw
	return resp
}
