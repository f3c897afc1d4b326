package p2p

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MiragePrivacy/Nomad/signal"
)

// Config configures the gossip overlay's transport: where to listen and
// which seed addresses to dial on startup.
type Config struct {
	ListenAddr string
	Seeds      []string
	MaxPeers   int
	MaxHops    uint8
}

// DefaultMaxPeers is used when Config.MaxPeers is left at zero.
const DefaultMaxPeers = 64

const dialRetryInterval = 10 * time.Second

// Server owns the TCP listener, the outbound dialer for seed peers, and the
// gossip service they feed.
type Server struct {
	id     Identity
	cfg    Config
	peers  *ManagedPeerSet
	gossip *Service
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closing  chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server with its own peer set and gossip service. sink
// receives every newly-seen signal delivered over gossip.
func NewServer(id Identity, cfg Config, sink Sink, logger *slog.Logger) *Server {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = signal.DefaultMaxHopCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	peers := NewManagedPeerSet(cfg.MaxPeers)
	return &Server{
		id:      id,
		cfg:     cfg,
		peers:   peers,
		gossip:  NewService(peers, sink, cfg.MaxHops),
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Gossip returns the server's gossip service, used to Publish locally
// originated signals.
func (s *Server) Gossip() *Service { return s.gossip }

// Peers returns the server's connected peer set.
func (s *Server) Peers() *ManagedPeerSet { return s.peers }

// ID is this node's gossip identity.
func (s *Server) ID() string { return s.id.ID() }

// Addr returns the listener's bound address. Only valid after Start
// succeeds; used by tests and by nodes that bind to an ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins listening for inbound connections and dials every seed in
// the background. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("p2p: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	for _, seed := range s.cfg.Seeds {
		s.wg.Add(1)
		go s.dialLoop(seed)
	}
	return nil
}

// Stop closes the listener and every connected peer, and waits for the
// server's goroutines to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		return nil
	default:
		close(s.closing)
	}
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.peers.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.logger.Warn("p2p: accept failed", "err", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) dialLoop(addr string) {
	defer s.wg.Done()
	ticker := time.NewTicker(dialRetryInterval)
	defer ticker.Stop()

	dial := func() {
		if p := s.findByAddr(addr); p != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", addr, handshakeTimeout)
		if err != nil {
			s.logger.Debug("p2p: dial failed", "addr", addr, "err", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}

	dial()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			dial()
		}
	}
}

func (s *Server) findByAddr(addr string) *Peer {
	for _, p := range s.peers.Peers() {
		if p.RemoteAddr() == addr {
			return p
		}
	}
	return nil
}

func (s *Server) listenPort() uint16 {
	addr := s.Addr()
	if addr == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remoteID, remotePort, err := handshake(conn, s.id, s.listenPort())
	if err != nil {
		s.logger.Debug("p2p: handshake failed", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}

	peer := NewPeer(remoteID, conn.RemoteAddr().String(), remotePort, conn)
	if err := s.peers.Add(peer); err != nil {
		s.logger.Debug("p2p: peer rejected", "id", remoteID, "err", err)
		_ = peer.Close(err)
		return
	}

	s.readLoop(peer)
}

func (s *Server) readLoop(p *Peer) {
	defer func() {
		_ = s.peers.Remove(p.ID())
		_ = p.Close(nil)
	}()

	for {
		raw, err := readFrame(p.conn)
		if err != nil {
			return
		}
		env, err := signal.DecodeEnvelope(raw)
		if err != nil {
			s.logger.Debug("p2p: malformed gossip frame", "peer", p.ID(), "err", err)
			continue
		}
		if err := s.gossip.HandleEnvelope(p.ID(), env); err != nil {
			s.logger.Debug("p2p: dropping gossip envelope", "peer", p.ID(), "err", err)
		}
	}
}
