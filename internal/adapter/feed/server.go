package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"msgline/internal/domain"
	"msgline/internal/infra/logger"
	"msgline/internal/infra/middleware"
)

const (
	defaultBufferSize = 64
	writeTimeout      = 5 * time.Second
)

// FrameType identifies the kind of frame sent to feed consumers.
type FrameType string

const (
	// FrameTypeHello is sent once, first, after the subscription is in place.
	FrameTypeHello FrameType = "hello"
	// FrameTypeEvent carries one bus event.
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope written to feed consumers.
type Frame struct {
	Type   FrameType     `json:"type"`
	Client string        `json:"client,omitempty"`
	ChatID string        `json:"chat_id,omitempty"`
	Event  *domain.Event `json:"event,omitempty"`
}

// Subscriber is the part of the event bus the feed needs.
type Subscriber interface {
	Subscribe(eventType domain.EventType, handler domain.EventHandler) func()
	SubscribeChat(eventType domain.EventType, chatID string, handler domain.EventHandler) func()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.Component(l, "feed") }
}

// WithEventTypes replaces the event types forwarded to consumers.
func WithEventTypes(types ...domain.EventType) Option {
	return func(s *Server) { s.eventTypes = types }
}

// WithBufferSize sets the per-consumer outbound queue length.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithOriginPatterns sets the browser origins allowed to connect.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

type clientConn struct {
	info      *ClientInfo
	chatID    string
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server streams built lines to websocket consumers. A consumer may pass
// ?chat=<id> to receive a single conversation.
type Server struct {
	bus        Subscriber
	auth       Authenticator
	addr       string
	logger     *slog.Logger
	eventTypes []domain.EventType
	bufferSize int
	origins    []string

	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	dropped   atomic.Uint64
}

// NewServer creates a feed server.
func NewServer(bus Subscriber, auth Authenticator, addr string, opts ...Option) *Server {
	s := &Server{
		bus:        bus,
		auth:       auth,
		addr:       addr,
		logger:     logger.Discard(),
		eventTypes: []domain.EventType{domain.EventLineBuilt, domain.EventLineFailed},
		bufferSize: defaultBufferSize,
		origins: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins accepting consumers. Non-blocking (serves in a goroutine).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed", s.handleUpgrade)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("feed listen: %w", err)
	}
	s.boundAddr = ln.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           middleware.Chain(mux, middleware.SecurityHeaders),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		s.logger.Info("feed started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("feed serve error", "error", err)
		}
	}()
	return nil
}

// Stop disconnects every consumer and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// ClientCount returns the number of connected consumers.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Dropped returns how many frames were discarded for slow consumers.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	info, err := s.auth.Authenticate(token)
	if err != nil {
		s.logger.Warn("feed auth rejected", "remote", r.RemoteAddr, "code", domain.ErrorCodeOf(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:   info,
		chatID: r.URL.Query().Get("chat"),
		ws:     ws,
		sendCh: make(chan Frame, s.bufferSize),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)

	unsubs := s.subscribe(cc)
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		cc.close()
		s.clients.Delete(connID)
		ws.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("feed client disconnected", "conn_id", connID)
	}()

	s.logger.Info("feed client connected", "conn_id", connID, "client", info.Name, "chat_id", cc.chatID)

	// Consumers are read-only; CloseRead cancels ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())

	// The hello bypasses sendCh: events may already fill the queue.
	hello := Frame{Type: FrameTypeHello, Client: info.Name, ChatID: cc.chatID}
	if err := s.write(ctx, cc, hello); err != nil {
		s.logger.Warn("feed hello failed", "conn_id", connID, "error", err)
		return
	}
	s.writeLoop(ctx, cc)
}

func (s *Server) subscribe(cc *clientConn) []func() {
	handler := func(_ context.Context, event domain.Event) {
		frame := Frame{Type: FrameTypeEvent, ChatID: event.ChatID, Event: &event}
		select {
		case <-cc.done:
		case cc.sendCh <- frame:
		default:
			s.dropped.Add(1)
			s.logger.Warn("feed: dropped event for slow client", "client", cc.info.Name, "event", event.Type)
		}
	}

	unsubs := make([]func(), 0, len(s.eventTypes))
	for _, et := range s.eventTypes {
		if cc.chatID != "" {
			unsubs = append(unsubs, s.bus.SubscribeChat(et, cc.chatID, handler))
		} else {
			unsubs = append(unsubs, s.bus.Subscribe(et, handler))
		}
	}
	return unsubs
}

func (s *Server) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			if err := s.write(ctx, cc, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, cc *clientConn, frame Frame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, cc.ws, frame)
}
