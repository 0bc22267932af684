// Package hostws exposes the command dispatcher to a host application over a WebSocket.
//
// Every inbound text frame is one call; its reply echoes the caller's id. Link events
// are broadcast to all connected clients.
package hostws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/dispatch"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPath      = "/ws"
	DefaultQueueSize = 256

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 30 * time.Second
	maxMessageSize  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Caller runs one method call; *dispatch.Dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, args dispatch.Args) (interface{}, error)
}

type Options struct {
	Path      string
	QueueSize uint32 // per-client event ring size
	// CheckOrigin overrides the upgrader's same-origin check. Non-browser hosts send no Origin and pass.
	CheckOrigin func(r *http.Request) bool
}

// Server accepts host sessions and implements dispatch.Emitter.
type Server struct {
	caller   Caller
	opts     Options
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*session
}

type session struct {
	client *client
	cancel context.CancelFunc
}

func NewServer(caller Caller, opts *Options, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.QueueSize == 0 {
		o.QueueSize = DefaultQueueSize
	}

	return &Server{
		caller: caller,
		opts:   o,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     o.CheckOrigin,
		},
		clients: make(map[uuid.UUID]*session),
	}
}

// Handler returns a mux serving the WebSocket endpoint at the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s)
	return mux
}

// Clients returns the number of connected sessions
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Emit broadcasts an event to every connected client.
func (s *Server) Emit(event string, payload interface{}) {
	frame, err := json.Marshal(Event{Event: event, Data: payload})
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Failed to encode event")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.clients {
		sess.client.enqueueEvent(frame)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"origin": r.Header.Get("Origin"),
		}).Warn("Failed to upgrade to WebSocket")
		return
	}

	c := newClient(conn, s.opts.QueueSize, s.logger)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.register(c, cancel)
	defer s.unregister(c)

	c.logger.Info("Host session opened")
	start := time.Now()

	err = s.serve(ctx, c)
	fields := logrus.Fields{
		"duration": time.Since(start).Round(time.Millisecond),
		"dropped":  c.dropped.Load(),
	}
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.WithError(err).WithFields(fields).Warn("Host session closed unexpectedly")
		return
	}
	c.logger.WithFields(fields).Info("Host session closed")
}

func (s *Server) serve(ctx context.Context, c *client) error {
	g, gctx := errgroup.WithContext(ctx)
	var calls sync.WaitGroup

	g.Go(func() error {
		return c.writeLoop(gctx, pingInterval)
	})
	g.Go(func() error {
		return s.readLoop(gctx, c, &calls)
	})

	err := g.Wait()
	calls.Wait()
	return err
}

func (s *Server) readLoop(ctx context.Context, c *client, calls *sync.WaitGroup) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.WithError(err).Debug("Malformed request frame")
			c.sendReply(ctx, encodeReply(nil, nil, &dispatch.CallError{
				Code:    dispatch.CodeInvalidArgument,
				Message: "malformed request: " + err.Error(),
			}))
			continue
		}

		calls.Add(1)
		go func() {
			defer calls.Done()
			s.handle(ctx, c, &req)
		}()
	}
}

func (s *Server) handle(ctx context.Context, c *client, req *Request) {
	result, err := s.caller.Call(ctx, req.Method, req.Args)
	if !c.sendReply(ctx, encodeReply(req.ID, result, err)) {
		c.logger.WithField("method", req.Method).Debug("Session closed before reply could be sent")
	}
}

func (s *Server) register(c *client, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = &session{client: c, cancel: cancel}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}

// CloseClients ends every open session.
func (s *Server) CloseClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.clients {
		sess.cancel()
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.CloseClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("HTTP server shutdown failed")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"path": s.opts.Path,
	}).Info("Host bridge listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ dispatch.Emitter = (*Server)(nil)
