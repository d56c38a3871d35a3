package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 256
)

// Server exposes a Backend over websocket.
//
// Routes:
//   - GET /v1/stream  websocket relay
//   - GET /healthz    liveness
//   - GET /metrics    prometheus
type Server struct {
	backend  store.Backend
	router   *gin.Engine
	upgrader websocket.Upgrader
	registry *prometheus.Registry
	metrics  *Metrics
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRegistry serves and registers metrics on reg instead of a private
// registry. Engine and store metrics registered on reg show up on /metrics.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) { s.registry = reg }
}

// NewServer creates a relay for backend. The backend must be delivering
// notifications (its Run loop started) for watches to receive events.
func NewServer(backend store.Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registry)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	v1 := router.Group("/v1")
	v1.GET("/stream", s.handleStream)
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleStream(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	sess := newSession(s, ws)
	sess.serve(c.Request.Context())
}

// session is one websocket connection.
type session struct {
	server *Server
	ws     *websocket.Conn
	send   chan Frame
	done   chan struct{}

	mu      sync.Mutex
	watches map[uint64]func()
}

func newSession(s *Server, ws *websocket.Conn) *session {
	return &session{
		server:  s,
		ws:      ws,
		send:    make(chan Frame, sendBufferSize),
		done:    make(chan struct{}),
		watches: make(map[uint64]func()),
	}
}

func (s *session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(s.done)
		s.mu.Lock()
		for sub, stop := range s.watches {
			stop()
			delete(s.watches, sub)
		}
		s.mu.Unlock()
		s.ws.Close()
	}()

	go s.writeLoop(ctx)

	for {
		var f Frame
		if err := s.ws.ReadJSON(&f); err != nil {
			slog.Debug("relay client disconnected", "error", err)
			return
		}
		s.server.metrics.Frames.WithLabelValues(string(f.Op), "in").Inc()
		s.handle(ctx, f)
	}
}

// writeLoop is the only writer on the connection.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteJSON(f); err != nil {
				slog.Warn("relay write failed", "error", err)
				s.ws.Close()
				return
			}
			s.server.metrics.Frames.WithLabelValues(string(f.Op), "out").Inc()
		}
	}
}

func (s *session) enqueue(f Frame) {
	select {
	case s.send <- f:
	case <-s.done:
	}
}

func (s *session) handle(ctx context.Context, f Frame) {
	resp := Frame{ID: f.ID, Op: f.Op, Path: f.Path, Sub: f.Sub}
	backend := s.server.backend

	switch f.Op {
	case OpRead:
		v, ver, err := backend.Read(ctx, f.Path)
		if err != nil {
			s.enqueue(errorFrame(resp, err))
			return
		}
		raw, err := encodeValue(v)
		if err != nil {
			s.enqueue(errorFrame(resp, err))
			return
		}
		resp.OK, resp.Version, resp.Value = true, int64(ver), raw

	case OpCAS, OpSet:
		v, err := decodeValue(f.Value)
		if err != nil {
			s.enqueue(errorFrame(resp, err))
			return
		}
		if f.Op == OpSet {
			err = backend.Set(ctx, f.Path, v)
			resp.OK = err == nil
		} else {
			resp.OK, err = backend.CompareAndSwap(ctx, f.Path, store.Version(f.Version), v)
		}
		if err != nil {
			s.enqueue(errorFrame(resp, err))
			return
		}

	case OpWatch:
		sub := f.Sub
		stop, err := backend.Watch(f.Path, func(v snapshot.Value) {
			raw, err := encodeValue(v)
			if err != nil {
				slog.Warn("relay event dropped", "path", f.Path, "error", err)
				return
			}
			s.enqueue(Frame{Op: OpEvent, Sub: sub, Path: f.Path, Value: raw})
		})
		if err != nil {
			s.enqueue(errorFrame(resp, err))
			return
		}
		s.mu.Lock()
		if prev, ok := s.watches[sub]; ok {
			prev()
		}
		s.watches[sub] = stop
		s.mu.Unlock()
		resp.OK = true

	case OpUnwatch:
		s.mu.Lock()
		if stop, ok := s.watches[f.Sub]; ok {
			stop()
			delete(s.watches, f.Sub)
		}
		s.mu.Unlock()
		resp.OK = true

	default:
		s.enqueue(errorFrame(resp, errors.New("unknown op")))
		return
	}
	s.enqueue(resp)
}
