package unit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
	"github.com/rjboer/mimosync/rpc"
)

// DefaultLeaseTimeout bounds how long a connection waits for the radio.
const DefaultLeaseTimeout = 10 * time.Second

// ServerConfig configures a unit server.
type ServerConfig struct {
	Name         string
	Factory      sdr.DriverFactory
	Policy       RetryPolicy
	LeaseTimeout time.Duration
	Logger       logging.Logger
}

// Server exposes one radio over rpc. Only one session holds the radio at a
// time; further connections wait for the lease and are refused when it is
// not released within the lease timeout.
type Server struct {
	cfg     ServerConfig
	log     logging.Logger
	rpc     *rpc.Server
	lease   chan struct{}
	started time.Time

	mu       sync.Mutex
	policy   RetryPolicy
	active   *Session
	sessions uint64
	refused  uint64
}

// NewServer validates cfg and prepares the server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("unit server %q: no driver factory", cfg.Name)
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.Policy.Trials == 0 {
		cfg.Policy = DefaultRetryPolicy
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     log.With(logging.Field{Key: "unit", Value: cfg.Name}),
		lease:   make(chan struct{}, 1),
		policy:  cfg.Policy.normalized(),
		started: time.Now(),
	}
	s.rpc = rpc.NewServer(s.newSession, s.log)
	return s, nil
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return s.rpc.ListenAndServe(ctx, addr)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	return s.rpc.Serve(ctx, ln)
}

// Addr blocks until the server listens.
func (s *Server) Addr() net.Addr { return s.rpc.Addr() }

// SetPolicy changes the retry policy of the active and future sessions.
func (s *Server) SetPolicy(p RetryPolicy) {
	s.mu.Lock()
	s.policy = p.normalized()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.ctrl.SetPolicy(p)
	}
	s.log.Info("retry policy updated", logging.Field{Key: "trials", Value: p.Trials}, logging.Field{Key: "delay", Value: p.Delay.String()})
}

// Policy returns the policy new sessions start with.
func (s *Server) Policy() RetryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func (s *Server) newSession(ctx context.Context, id, remote string) (rpc.Handler, error) {
	log := s.log.With(logging.Field{Key: "session", Value: id})

	timer := time.NewTimer(s.cfg.LeaseTimeout)
	defer timer.Stop()
	select {
	case s.lease <- struct{}{}:
	case <-timer.C:
		s.mu.Lock()
		s.refused++
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: radio %q is leased to another session", sdr.ErrDriver, s.cfg.Name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-s.lease }

	ctrl, err := NewController(ctx, s.cfg.Factory, s.Policy(), WithControllerLogger(log))
	if err != nil {
		release()
		return nil, err
	}

	var sess *Session
	sess = newSession(id, remote, ctrl, log, func() {
		s.mu.Lock()
		if s.active == sess {
			s.active = nil
		}
		s.mu.Unlock()
		release()
	})

	s.mu.Lock()
	s.active = sess
	s.sessions++
	s.mu.Unlock()
	return sess, nil
}

// Status describes the server and its active session.
type Status struct {
	Name     string         `json:"name"`
	Uptime   string         `json:"uptime"`
	Sessions uint64         `json:"sessions"`
	Refused  uint64         `json:"refused"`
	Policy   PolicyStatus   `json:"policy"`
	Active   *SessionStatus `json:"active,omitempty"`
}

// PolicyStatus is the wire form of RetryPolicy.
type PolicyStatus struct {
	Trials int    `json:"trials"`
	Delay  string `json:"delay"`
}

// Status snapshots the server.
func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{
		Name:     s.cfg.Name,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Sessions: s.sessions,
		Refused:  s.refused,
		Policy:   PolicyStatus{Trials: s.policy.Trials, Delay: s.policy.Delay.String()},
	}
	active := s.active
	s.mu.Unlock()
	if active != nil {
		ss := active.Status()
		st.Active = &ss
	}
	return st
}
