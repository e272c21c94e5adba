package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sbcp/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server accepts connections on every configured transport and feeds them
// to a single Hub
type Server struct {
	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	hub           *Hub
	config        ServerConfig
	shutdown      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	metrics       *Metrics
	startTime     time.Time

	nextHandle atomic.Uint64

	// Connections not owned by the hub (pre-join, SSH transports), closed on Stop
	openMu sync.Mutex
	open   map[io.Closer]struct{}

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress         string // Interface to listen on ("" = all)
	TCPPort             int    // SBCP over TCP (0 = ephemeral)
	SSHPort             int    // SBCP over SSH session channels (0 = disabled)
	HTTPPort            int    // SBCP over WebSocket at /ws (0 = disabled)
	MetricsPort         int    // Internal /metrics and /health (0 = disabled)
	SSHHostKeyPath      string
	MaxClients          int
	MaxUsernameLength   int // bytes, 0 = unlimited
	MaxMessageLength    int // bytes of TEXT payload, 0 = unlimited
	JoinTimeoutSeconds  int // wait for the first JOIN, 0 = forever
	WriteTimeoutSeconds int // per message write, 0 = forever
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             8080,
		SSHPort:             0,
		HTTPPort:            0,
		MetricsPort:         9090,
		SSHHostKeyPath:      "~/.sbcp/ssh_host_key",
		MaxClients:          10,
		MaxUsernameLength:   32,
		MaxMessageLength:    4096,
		JoinTimeoutSeconds:  30,
		WriteTimeoutSeconds: 10,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) (*Server, error) {
	if config.MaxClients <= 0 {
		return nil, fmt.Errorf("max clients must be positive, got %d", config.MaxClients)
	}
	if config.MaxClients > 0xFFFF {
		return nil, fmt.Errorf("max clients %d does not fit the CLIENT_COUNT attribute", config.MaxClients)
	}

	// Joins that would overflow the ACK are refused as "server full"
	worstAck := 2*protocol.HeaderSize + 2 + (config.MaxClients-1)*(protocol.HeaderSize+config.MaxUsernameLength)
	if config.MaxClients > 1 && (config.MaxUsernameLength <= 0 || worstAck > protocol.MaxMessageSize) {
		log.Printf("Warning: with max clients %d and max username length %d the member list may not fit one ACK; such joins will be refused as server full",
			config.MaxClients, config.MaxUsernameLength)
	}

	metrics := NewMetrics()

	return &Server{
		hub:       NewHub(config.MaxClients, config.MaxUsernameLength, config.MaxMessageLength, metrics),
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
		open:      make(map[io.Closer]struct{}),
	}, nil
}

// EnableDebugLogging routes debug output to stderr
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens every configured listener and starts serving. A failure here
// is fatal for the process: nothing has been accepted yet.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("SBCP server listening on %s (max clients %d)", listener.Addr(), s.config.MaxClients)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServers(); err != nil {
		s.Stop()
		return err
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTPServers starts the public WebSocket endpoint and the internal
// metrics endpoint when their ports are configured
func (s *Server) startHTTPServers() error {
	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		srv, err := s.serveHTTP(s.config.HTTPPort, mux)
		if err != nil {
			return fmt.Errorf("failed to start WebSocket server: %w", err)
		}
		s.httpServer = srv
		log.Printf("WebSocket endpoint listening on %s/ws", srv.Addr)
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		srv, err := s.serveHTTP(s.config.MetricsPort, mux)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.metricsServer = srv
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", srv.Addr)
	}

	return nil
}

func (s *Server) serveHTTP(port int, handler http.Handler) (*http.Server, error) {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server on %s: %v", srv.Addr, err)
		}
	}()
	return srv, nil
}

// Addr returns the TCP listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Snapshot returns the current registry contents
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.hub.Snapshot(ctx)
}

// Stop closes every listener and session. There is no drain: messages in
// flight are dropped.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv != nil {
				srv.Close()
			}
		}

		s.closeTracked()
		s.hub.Stop()
		s.wg.Wait()
		log.Println("Shutdown complete")
	})
	return nil
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, "tcp", conn.RemoteAddr().String())
		}()
	}
}

// handleConnection runs the admission protocol for a new connection on any
// transport, then reads messages until the connection ends
func (s *Server) handleConnection(rwc io.ReadWriteCloser, transport, remoteAddr string) {
	conn := NewSafeConn(rwc, remoteAddr, time.Duration(s.config.WriteTimeoutSeconds)*time.Second)
	handle := s.nextHandle.Add(1)

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("Handle %d: new %s connection from %s", handle, transport, remoteAddr)

	untrack := s.track(conn)
	msg, err := conn.ReadMessageWithin(time.Duration(s.config.JoinTimeoutSeconds) * time.Second)
	if err != nil {
		untrack()
		switch {
		case errors.Is(err, protocol.ErrProtocol):
			debugLog.Printf("Handle %d: malformed join from %s: %v", handle, remoteAddr, err)
			s.metrics.RecordJoinRejected("protocol_error")
			conn.WriteMessage(protocol.NewNak(protocol.ReasonMalformedJoin, "malformed message"))
		case errors.Is(err, protocol.ErrConnectionClosed):
			// Closed before sending anything; not a session
			debugLog.Printf("Handle %d: %s closed before joining", handle, remoteAddr)
		default:
			debugLog.Printf("Handle %d: read error before join: %v", handle, err)
		}
		conn.Close()
		return
	}

	sess := &Session{
		Handle:     handle,
		Transport:  transport,
		RemoteAddr: remoteAddr,
		JoinedAt:   time.Now(),
		Conn:       conn,
	}
	err = s.hub.Join(sess, msg)
	untrack()
	if err != nil {
		conn.Close()
		return
	}

	s.messageLoop(sess)
}

// messageLoop reads messages from an admitted session and hands them to the
// hub. Any read failure ends the session.
func (s *Server) messageLoop(sess *Session) {
	for {
		msg, err := sess.Conn.ReadMessage()
		if err != nil {
			s.disconnectionsSinceReport.Add(1)
			switch {
			case errors.Is(err, protocol.ErrProtocol):
				debugLog.Printf("Handle %d: protocol error, closing: %v", sess.Handle, err)
			case protocol.IsConnectionError(err):
				debugLog.Printf("Handle %d (%s): connection ended: %v", sess.Handle, sess.Conn.RemoteAddr(), err)
			default:
				errorLog.Printf("Handle %d: unexpected read error: %v", sess.Handle, err)
			}
			s.hub.Leave(sess.Handle, err)
			sess.Conn.Close()
			return
		}

		if !s.hub.Deliver(sess.Handle, msg) {
			sess.Conn.Close()
			return
		}
	}
}

// track registers c to be closed on Stop. The returned func unregisters it.
// Tracking after Stop closes c immediately.
func (s *Server) track(c io.Closer) func() {
	s.openMu.Lock()
	select {
	case <-s.shutdown:
		s.openMu.Unlock()
		c.Close()
		return func() {}
	default:
	}
	s.open[c] = struct{}{}
	s.openMu.Unlock()

	return func() {
		s.openMu.Lock()
		delete(s.open, c)
		s.openMu.Unlock()
	}
}

func (s *Server) closeTracked() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	for c := range s.open {
		c.Close()
	}
	s.open = make(map[io.Closer]struct{})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			snap, err := s.hub.Snapshot(ctx)
			cancel()
			if err != nil {
				continue
			}

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d/%d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				len(snap.Members), snap.Capacity, connected, disconnected, runtime.NumGoroutine())
		}
	}
}
