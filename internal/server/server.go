// Package server is the client-facing RESP surface: session handling,
// command routing with MOVED/ASK policy, and the CLUSTER administration
// commands.
package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/redcon"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/failover"
	"github.com/Shei254/novadb/internal/cluster/gc"
	"github.com/Shei254/novadb/internal/cluster/gossip"
	"github.com/Shei254/novadb/internal/cluster/migrate"
	"github.com/Shei254/novadb/internal/cluster/router"
	"github.com/Shei254/novadb/internal/mgl"
	"github.com/Shei254/novadb/internal/storage"
)

// Config tunes the serving surface.
type Config struct {
	Addr           string
	AllowCrossSlot bool
	SingleNode     bool
	LockTimeout    time.Duration
}

// session carries the per-connection protocol flags.
type session struct {
	readonly bool
	asking   bool
}

// Server owns the redcon listener and dispatches commands against the
// cluster subsystems.
type Server struct {
	cfg Config

	state    *cluster.State
	engine   *storage.Engine
	locks    *mgl.LockMgr
	router   *router.Router
	gossip   *gossip.Gossip
	migrate  *migrate.Manager
	failover *failover.Controller
	gc       *gc.Manager

	srv      *redcon.Server
	listener net.Listener

	mu       sync.RWMutex
	sessions map[redcon.Conn]*session

	writesPausedUntil atomic.Int64

	log hclog.Logger
}

// Deps collects the subsystems the server fronts.
type Deps struct {
	State    *cluster.State
	Engine   *storage.Engine
	Locks    *mgl.LockMgr
	Router   *router.Router
	Gossip   *gossip.Gossip
	Migrate  *migrate.Manager
	Failover *failover.Controller
	GC       *gc.Manager
}

// New builds the server.
func New(cfg Config, deps Deps, logger hclog.Logger) *Server {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = time.Second
	}
	return &Server{
		cfg:      cfg,
		state:    deps.State,
		engine:   deps.Engine,
		locks:    deps.Locks,
		router:   deps.Router,
		gossip:   deps.Gossip,
		migrate:  deps.Migrate,
		failover: deps.Failover,
		gc:       deps.GC,
		sessions: make(map[redcon.Conn]*session),
		log:      logger.Named("server"),
	}
}

// SetFailover wires the failover controller after construction; the
// controller itself needs the server as its write pauser.
func (s *Server) SetFailover(c *failover.Controller) {
	s.mu.Lock()
	s.failover = c
	s.mu.Unlock()
}

// Start binds the client port and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := redcon.NewServer(s.cfg.Addr, s.handleCommand, s.handleAccept, s.handleClose)

	s.mu.Lock()
	s.listener = ln
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("serving", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// PauseWrites implements the manual-failover write stall.
func (s *Server) PauseWrites(d time.Duration) {
	s.writesPausedUntil.Store(time.Now().Add(d).UnixMilli())
}

// ResumeWrites lifts the stall.
func (s *Server) ResumeWrites() {
	s.writesPausedUntil.Store(0)
}

func (s *Server) writesPaused() bool {
	until := s.writesPausedUntil.Load()
	return until != 0 && time.Now().UnixMilli() < until
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.sessions[conn] = &session{}
	s.mu.Unlock()
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	delete(s.sessions, conn)
	s.mu.Unlock()
}

func (s *Server) session(conn redcon.Conn) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[conn]
}
