package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Backend is the scheduler side of the control plane.
type Backend interface {
	StatusText() string
	StatusChanged() <-chan struct{}
	ConfigChanged()
}

// Config holds server configuration.
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 17963)
	Port int

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns the default control server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   17963,
		Logger: log.Default(),
	}
}

// Server serves the control plane for one Backend.
type Server struct {
	backend  Backend
	addr     string
	listener net.Listener
	server   *http.Server

	// Calls are handled one at a time.
	rpcMu sync.Mutex

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	stopRequested chan struct{}
	stopOnce      sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a control server. Call Listen, then Serve.
func NewServer(backend Backend, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		backend:       backend,
		addr:          net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		clients:       make(map[*websocket.Conn]bool),
		stopRequested: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		logger:        config.Logger,
	}
}

// Listen binds the control address. A taken address yields an error
// matching ErrBindConflict.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if IsBindConflict(err) {
			return fmt.Errorf("%w: %s", ErrBindConflict, s.addr)
		}
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Handler returns the HTTP routes of the control plane.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Serve handles requests until ctx is cancelled or a stop call arrives,
// then shuts the endpoint down. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("control server is not listening")
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Printf("Control server listening on %s", s.listener.Addr())
		serveErr <- s.server.Serve(s.listener)
	}()

	var err error
	select {
	case <-ctx.Done():
		s.logger.Println("Shutdown signal received")
	case <-s.stopRequested:
		s.logger.Println("Stop requested")
	case err = <-serveErr:
		if err == http.ErrServerClosed {
			err = nil
		}
	}

	if shutdownErr := s.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

func (s *Server) shutdown() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)

	s.wg.Wait()
	s.logger.Println("Control server stopped")
	if err != nil {
		return fmt.Errorf("control server shutdown error: %w", err)
	}
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// StopRequested is closed once a stop call has been answered.
func (s *Server) StopRequested() <-chan struct{} {
	return s.stopRequested
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, Response{Error: "invalid request: " + err.Error()})
		return
	}

	s.rpcMu.Lock()
	defer s.rpcMu.Unlock()

	var result any
	switch req.Method {
	case MethodStop:
		result = true
	case MethodStatus:
		result = s.backend.StatusText()
	case MethodCfgChanged:
		s.backend.ConfigChanged()
		result = true
	default:
		writeResponse(w, http.StatusBadRequest, Response{Error: fmt.Sprintf("unknown method %q", req.Method)})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		writeResponse(w, http.StatusInternalServerError, Response{Error: err.Error()})
		return
	}
	writeResponse(w, http.StatusOK, Response{Result: data})

	if req.Method == MethodStop {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		s.stopOnce.Do(func() { close(s.stopRequested) })
	}
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// broadcastLoop pushes the status text to every websocket client after
// each backend change.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		changed := s.backend.StatusChanged()
		select {
		case <-s.ctx.Done():
			return
		case <-changed:
		}

		data, err := s.statusMessage()
		if err != nil {
			s.logger.Printf("Failed to marshal status: %v", err)
			continue
		}

		s.clientsMu.RLock()
		clients := make([]*websocket.Conn, 0, len(s.clients))
		for conn := range s.clients {
			clients = append(clients, conn)
		}
		s.clientsMu.RUnlock()

		for _, conn := range clients {
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) statusMessage() ([]byte, error) {
	return json.Marshal(StatusMessage{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Text:      s.backend.StatusText(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	// The current status goes out first so followers never start blank.
	if data, err := s.statusMessage(); err == nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err = conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.removeClient(conn)
			return
		}
	}

	s.readLoop(conn)
}

// readLoop drains client frames until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}
