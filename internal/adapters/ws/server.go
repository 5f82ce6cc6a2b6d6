// Package ws is the WebSocket adapter. One long-lived connection carries
// many request frames; each frame holds a routing envelope with a
// synthetic method and path, runs the pipeline on its own goroutine, and
// replies are matched by frame id, so full-duplex out-of-order completion
// is allowed. The connection remembers the client id from the first
// handshake frame and threads it through every later frame.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evermind-ai/backend/internal/adapters"
	"github.com/evermind-ai/backend/internal/container"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// Config holds the WebSocket listener settings.
type Config struct {
	Host string
	Port int
	Path string // default /ws
}

// Server is the WebSocket adapter. It implements container.Service.
type Server struct {
	core   *adapters.Core
	cfg    Config
	logger *slog.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns map[*connection]struct{}

	lifecycle context.Context
	stop      context.CancelFunc
}

// NewServer builds the adapter.
func NewServer(core *adapters.Core, cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		core:   core,
		cfg:    cfg,
		logger: slog.Default().With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway fronts local companion clients; origin policy
			// belongs to the deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:     make(map[*connection]struct{}),
		lifecycle: ctx,
		stop:      cancel,
	}
}

func (s *Server) Name() string { return "ws-adapter" }

func (s *Server) Initialize(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ws server failed", "error", err)
		}
	}()
	s.logger.Info("ws adapter listening", "addr", s.listener.Addr().String(), "path", s.cfg.Path)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.stop()

	s.mu.Lock()
	for c := range s.conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	return s.srv.Shutdown(ctx)
}

func (s *Server) HealthCheck() container.Health {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return container.Health{Healthy: true, Detail: map[string]string{"connections": fmt.Sprintf("%d", n)}}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.lifecycle)
	c := &connection{
		server: s,
		ws:     ws,
		send:   make(chan outbound),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (s *Server) forget(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type outbound struct {
	messageType int
	data        []byte
}

// connection is one client channel. readPump is the sole reader, writePump
// the sole writer; frame handlers run on their own goroutines and push
// replies through send.
type connection struct {
	server *Server
	ws     *websocket.Conn

	send   chan outbound
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clientID string
	closed   bool
}

func (c *connection) setClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

func (c *connection) getClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *connection) readPump() {
	defer func() {
		c.cancel()
		c.server.forget(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("connection closed unexpectedly", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame adapters.FrameRequest
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(adapters.EncodeFault("", faults.BadPayload("/", "frame is not a valid envelope")))
			continue
		}
		go c.handleFrame(&frame)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// reply queues a text frame, blocking until the writer takes it so a slow
// socket backpressures producers instead of buffering without bound.
func (c *connection) reply(data []byte) error {
	select {
	case c.send <- outbound{messageType: websocket.TextMessage, data: data}:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *connection) replyBinary(data []byte) error {
	framed := adapters.LengthPrefix(data)
	select {
	case c.send <- outbound{messageType: websocket.BinaryMessage, data: framed}:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *connection) handleFrame(frame *adapters.FrameRequest) {
	if frame.Path == "/handshake" {
		resp, fault := c.server.core.Handshake(frame.Body)
		if fault != nil {
			c.reply(adapters.EncodeFault(frame.ID, fault))
			return
		}
		var hs adapters.HandshakeResponse
		if err := json.Unmarshal(resp, &hs); err == nil {
			c.setClientID(hs.ClientID)
		}
		c.reply(adapters.EncodeReply(frame.ID, http.StatusOK, resp))
		return
	}

	route, ok := c.server.core.Router.Lookup(frame.Method, frame.Path)
	if !ok {
		c.reply(adapters.EncodeFault(frame.ID,
			faults.BadPayload("/path", "unknown route "+frame.Method+" "+frame.Path)))
		return
	}

	var pc *pipeline.Context
	if route.Producer != nil {
		pc = pipeline.NewStreamContext(c.ctx, pipeline.TransportWS, frame.Method, frame.Path)
	} else {
		pc = pipeline.NewContext(c.ctx, pipeline.TransportWS, frame.Method, frame.Path, route.Timeout)
	}
	defer pc.Cancel()

	pc.Route = route
	pc.Raw = frame.Body
	pc.ClientID = c.getClientID()
	for k, v := range frame.Headers {
		pc.Headers.Set(k, v)
	}

	fault := c.server.core.Execute(pc)
	if fault != nil {
		c.reply(adapters.EncodeFault(frame.ID, fault))
		return
	}

	if pc.Streaming() {
		sink := &wsSink{conn: c, id: frame.ID}
		if err := c.server.core.RunStream(pc, sink); err != nil {
			c.server.logger.Debug("ws stream ended with error",
				"path", frame.Path, "correlation_id", pc.CorrelationID, "error", err)
		}
		return
	}

	status := http.StatusOK
	var body json.RawMessage
	if pc.Response != nil {
		if pc.Response.Status != 0 {
			status = pc.Response.Status
		}
		body = pc.Response.Body
	}
	c.reply(adapters.EncodeReply(frame.ID, status, body))
}

// close sends the close frame and tears the connection down. WriteControl
// is safe alongside writePump; a plain WriteMessage here would race the
// pump on the conn's write state.
func (c *connection) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.cancel()
}
