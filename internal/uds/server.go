package uds

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type HandlerFunc func(req *Request) *Response

// StreamHandlerFunc takes over the connection after the request frame.
// Used by subscribe: the server keeps the connection open and the
// handler writes event frames until the client hangs up.
type StreamHandlerFunc func(req *Request, conn net.Conn)

type Server struct {
	socketPath     string
	listener       net.Listener
	handlers       map[string]HandlerFunc
	streamHandlers map[string]StreamHandlerFunc
	mu             sync.RWMutex
	connTimeout    time.Duration
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:     socketPath,
		handlers:       make(map[string]HandlerFunc),
		streamHandlers: make(map[string]StreamHandlerFunc),
		connTimeout:    30 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) HandleStream(command string, handler StreamHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamHandlers[command] = handler
}

func (s *Server) Start() error {
	// Remove stale socket file
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Socket carries accept/withdraw authority; owner-only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in handleConn: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("read request error: %v", err)
		return
	}

	if req.ProtocolVersion != ProtocolVersion {
		_ = WriteFrame(conn, ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version %d, want %d", req.ProtocolVersion, ProtocolVersion)))
		return
	}

	s.mu.RLock()
	stream, isStream := s.streamHandlers[req.Command]
	handler, isPlain := s.handlers[req.Command]
	s.mu.RUnlock()

	if isStream {
		// Streams live as long as the subscriber; drop the deadline.
		_ = conn.SetDeadline(time.Time{})
		stream(&req, conn)
		return
	}

	var resp *Response
	if isPlain {
		resp = handler(&req)
	} else {
		resp = ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %s", req.Command))
	}

	if err := WriteFrame(conn, resp); err != nil {
		log.Printf("write response error: %v", err)
	}
}

// Done is closed when the server is shutting down; stream handlers
// select on it to unblock.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}
