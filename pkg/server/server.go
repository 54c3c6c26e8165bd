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
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mvplite/littlechat/pkg/protocol"
)

var (
	// Upgraded to file-backed loggers by initLoggers; the defaults keep
	// manually constructed servers (tests) working.
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the littlechat server: connection acceptor, session registry,
// relay engine and the admin control surfaces (CLI console, HTTP dashboard).
type Server struct {
	config     ServerConfig
	configPath string
	listener   *net.TCPListener
	sessions   *SessionManager
	relay      *Relay
	metrics    *Metrics
	webServer  *http.Server
	shutdown   chan struct{}
	quit       chan struct{} // closed by RequestShutdown
	stopOnce   sync.Once
	quitOnce   sync.Once
	wg         sync.WaitGroup
	startTime  time.Time

	// Final counters reported at shutdown
	disconnectedTotal atomic.Int64
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	ChatPort         int
	WebPort          int // 0 = dashboard disabled
	MetricsPort      int // 0 = metrics server disabled
	MaxSessions      int // 0 = unlimited
	MessageSizeLimit int
	AdminMarker      string
	BindAttempts     int
	BindRetryDelay   time.Duration
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ChatPort:         7891,
		WebPort:          5000,
		MetricsPort:      9091,
		MaxSessions:      50,
		MessageSizeLimit: protocol.DefaultMaxFrameSize,
		AdminMarker:      "ADMIN：",
		BindAttempts:     5,
		BindRetryDelay:   time.Second,
		AcceptTimeout:    time.Second,
		HandshakeTimeout: 30 * time.Second,
	}
}

// NewServer creates a new server instance. configPath is where the
// dashboard's config-save endpoint writes; empty disables saving.
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.MaxSessions)
	sessions.SetMetrics(metrics)
	relay := NewRelay(sessions, config.AdminMarker)
	relay.SetMetrics(metrics)

	return &Server{
		config:     config,
		configPath: configPath,
		sessions:   sessions,
		relay:      relay,
		metrics:    metrics,
		shutdown:   make(chan struct{}),
		quit:       make(chan struct{}),
		startTime:  time.Now(),
	}, nil
}

// getDataDir returns the server data directory, creating it if needed.
func getDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "littlechat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "littlechat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// initLoggers sets up error and debug loggers.
func initLoggers() error {
	dataDir, err := getDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in the shared append-only log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Standard log goes to stdout and server.log; truncated per run
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log.
func (s *Server) EnableDebugLogging() {
	dataDir, err := getDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the chat listener (with bounded retries), starts the metrics
// and dashboard HTTP servers, and begins accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.ChatPort)

	// SO_REUSEADDR before bind so a restart after an unclean shutdown
	// doesn't fail with "address in use"
	lc := net.ListenConfig{Control: setSocketOptions}

	var listener net.Listener
	var err error
	attempts := s.config.BindAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		listener, err = lc.Listen(context.Background(), "tcp", addr)
		if err == nil {
			break
		}
		log.Printf("Bind to %s failed (attempt %d/%d): %v", addr, attempt, attempts, err)
		if attempt < attempts {
			time.Sleep(s.config.BindRetryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to bind %s after %d attempts: %w", addr, attempts, err)
	}
	s.listener = listener.(*net.TCPListener)
	log.Printf("Chat server listening on %s", s.listener.Addr())

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", s.metrics.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			addr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Admin dashboard + WebSocket transport
	if s.config.WebPort > 0 {
		s.webServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.WebPort),
			Handler: s.webRouter(),
		}
		go func() {
			log.Printf("Web dashboard listening on %s", s.webServer.Addr)
			if err := s.webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Web server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound chat listener address (useful with port 0).
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// acceptLoop accepts incoming connections. Each accept waits at most
// AcceptTimeout so the shutdown flag is observed promptly between accepts.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		s.listener.SetDeadline(time.Now().Add(s.config.AcceptTimeout))
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection wraps a raw TCP connection and runs its session.
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	s.runSession(newTCPFrameConn(conn, s.config.MessageSizeLimit))
}

// runSession drives one connection through handshake, the frame loop, and
// teardown. Shared by the TCP acceptor and the WebSocket upgrade handler.
func (s *Server) runSession(fc frameConn) {
	sc := NewSafeConn(fc)
	if s.metrics != nil {
		s.metrics.RecordConnection()
	}

	sess, err := s.handshake(sc)
	if err != nil {
		sc.Close()
		return
	}

	debugLog.Printf("Session %s registered as %q from %s", sess.ID, sess.Nickname, sess.RemoteIP)
	s.relay.Broadcast(protocol.SystemNotice(sess.Nickname+" 加入了聊天室"), sess.ID)
	s.relay.BroadcastUserList()

	// Teardown runs on every exit path. Unregister reports whether this
	// goroutine won the race against a concurrent kick; the loser must
	// not re-broadcast the departure.
	defer func() {
		if s.sessions.Unregister(sess.ID) {
			s.disconnectedTotal.Add(1)
			s.relay.Broadcast(protocol.SystemNotice(sess.Nickname+" 离开了聊天室"), uuid.Nil)
			s.relay.BroadcastUserList()
		}
	}()

	for {
		line, err := sc.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Session %s: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %s: read error: %v", sess.ID, err)
			}
			return
		}
		if line == "" {
			continue
		}
		s.handleFrame(sess, line)
	}
}

// handshake reads the nickname frame and registers the session, replying
// SUCCESS or exactly one ERROR. A rejected connection never produces a
// Session.
func (s *Server) handshake(sc *SafeConn) (*Session, error) {
	sc.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	line, err := sc.ReadFrame()
	sc.SetReadDeadline(time.Time{})
	if err != nil {
		debugLog.Printf("Handshake read from %s failed: %v", sc.RemoteAddr(), err)
		return nil, err
	}

	nickname := strings.TrimSpace(line)
	if nickname == "" {
		sc.WriteFrame(protocol.ErrorFrame(protocol.TextEmptyNickname))
		return nil, errors.New("empty nickname")
	}

	remoteIP := remoteIPOf(sc.RemoteAddr())
	sess, err := s.sessions.Register(nickname, remoteIP, sc)
	if err != nil {
		reason, text := rejectionFor(err)
		if s.metrics != nil {
			s.metrics.RecordHandshakeRejected(reason)
		}
		log.Printf("Rejected %q from %s: %s", nickname, remoteIP, reason)
		sc.WriteFrame(protocol.ErrorFrame(text))
		return nil, err
	}

	if err := sc.WriteFrame(protocol.SuccessFrame(protocol.TextConnectOK)); err != nil {
		s.sessions.Unregister(sess.ID)
		return nil, err
	}
	log.Printf("Client %s connected as %q", remoteIP, nickname)
	return sess, nil
}

// rejectionFor maps a registration error to its metrics label and wire text.
func rejectionFor(err error) (reason, text string) {
	switch {
	case errors.Is(err, ErrIPBanned):
		return "ip_banned", protocol.TextIPBanned
	case errors.Is(err, ErrNicknameBanned):
		return "nickname_banned", protocol.TextNicknameBanned
	case errors.Is(err, ErrNicknameTaken):
		return "nickname_taken", protocol.TextNicknameTaken
	case errors.Is(err, ErrServerFull):
		return "server_full", protocol.TextServerFull
	default:
		return "internal", protocol.TextNicknameTaken
	}
}

// remoteIPOf extracts the host part of a remote address.
func remoteIPOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// RequestShutdown signals the owner of the server (main) to stop it. Used
// by the CLI quit command and the dashboard's stop endpoint.
func (s *Server) RequestShutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// ShutdownRequested is closed once a shutdown has been requested.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.quit
}

// Stop gracefully stops the server and reports final counters.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
			log.Println("Chat listener closed")
		}
		if s.webServer != nil {
			s.webServer.Close()
			log.Println("Web server closed")
		}

		// Best-effort notice before the handles go away
		s.relay.Broadcast(protocol.SystemNotice("服务器正在关闭"), uuid.Nil)

		closed := s.sessions.CloseAll()
		s.disconnectedTotal.Add(int64(closed))

		s.wg.Wait()

		log.Printf("Shutdown complete: %d session(s) disconnected over %s uptime",
			s.disconnectedTotal.Load(), FormatUptime(s.Uptime()))
	})
	return nil
}

// FormatUptime renders a duration the way the status displays expect
// (days/hours/minutes/seconds, largest unit first).
func FormatUptime(d time.Duration) string {
	total := int(d.Seconds())
	days := total / (24 * 3600)
	hours := (total % (24 * 3600)) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d天%d小时%d分钟%d秒", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%d小时%d分钟%d秒", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%d分钟%d秒", minutes, seconds)
	default:
		return fmt.Sprintf("%d秒", seconds)
	}
}
