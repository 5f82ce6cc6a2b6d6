// Package ipc is the local-socket adapter: a Unix domain socket carrying
// the same frame envelope as WebSocket. Every message is length-prefixed
// (4-byte big-endian) and tagged with a one-byte type: JSON envelope or
// raw binary stream chunk. Peer identity is checked with SO_PEERCRED on
// accept; bearer auth still applies on top unless the deployment waives
// it, in which case the peer uid becomes the caller identity.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evermind-ai/backend/internal/adapters"
	"github.com/evermind-ai/backend/internal/container"
	"github.com/evermind-ai/backend/internal/crypto"
	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
)

// Frame type tags on the wire.
const (
	frameJSON   byte = 0x01
	frameBinary byte = 0x02
)

const maxFrameBytes = 4 << 20

// Config holds the socket settings.
type Config struct {
	SocketPath string
	// EnforceBearer keeps token auth mandatory even for verified peers.
	// When false, a verified peer uid is accepted as the caller identity.
	EnforceBearer bool
	// AllowedUIDs restricts connecting peers; empty means "same uid as
	// the gateway process".
	AllowedUIDs []int
}

// Server is the IPC adapter. It implements container.Service.
type Server struct {
	core   *adapters.Core
	cfg    Config
	logger *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[*connection]struct{}

	lifecycle context.Context
	stop      context.CancelFunc
}

// NewServer builds the adapter.
func NewServer(core *adapters.Core, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		core:      core,
		cfg:       cfg,
		logger:    slog.Default().With("component", "ipc"),
		conns:     make(map[*connection]struct{}),
		lifecycle: ctx,
		stop:      cancel,
	}
}

func (s *Server) Name() string { return "ipc-adapter" }

func (s *Server) Initialize(ctx context.Context) error {
	// A previous unclean shutdown leaves the socket file behind.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket %s: %w", s.cfg.SocketPath, err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	go s.acceptLoop()
	s.logger.Info("ipc adapter listening", "socket", s.cfg.SocketPath)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.stop()
	err := s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *Server) HealthCheck() container.Health {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return container.Health{Healthy: true, Detail: map[string]string{"connections": fmt.Sprintf("%d", n)}}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		uid, err := peerUID(conn)
		if err != nil {
			s.logger.Warn("peer credential check failed", "error", err)
			conn.Close()
			continue
		}
		if !s.uidAllowed(uid) {
			s.logger.Warn("peer uid rejected", "uid", uid)
			conn.Close()
			continue
		}

		ctx, cancel := context.WithCancel(s.lifecycle)
		c := &connection{
			server:  s,
			conn:    conn,
			peerUID: uid,
			writeCh: make(chan []byte),
			ctx:     ctx,
			cancel:  cancel,
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		go c.writeLoop()
		go c.readLoop()
	}
}

func (s *Server) uidAllowed(uid int) bool {
	if uid < 0 {
		// No peer credential API on this platform; the 0600 socket mode is
		// the gate.
		return true
	}
	if len(s.cfg.AllowedUIDs) == 0 {
		return uid == os.Getuid()
	}
	for _, allowed := range s.cfg.AllowedUIDs {
		if uid == allowed {
			return true
		}
	}
	return false
}

func (s *Server) forget(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// connection is one local client. Like the WebSocket adapter, one reader,
// one writer, per-frame handler goroutines.
type connection struct {
	server  *Server
	conn    net.Conn
	peerUID int

	writeCh chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	clientID string
}

func (c *connection) readLoop() {
	defer func() {
		c.cancel()
		c.server.forget(c)
		c.conn.Close()
	}()

	for {
		typ, payload, err := readFrame(c.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.server.logger.Debug("ipc read failed", "error", err)
			}
			return
		}
		if typ != frameJSON {
			// Clients only send JSON envelopes; binary flows server->client.
			continue
		}

		var frame adapters.FrameRequest
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.write(frameJSON, adapters.EncodeFault("", faults.BadPayload("/", "frame is not a valid envelope")))
			continue
		}
		go c.handleFrame(&frame)
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.writeCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if _, err := c.conn.Write(data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// write frames and queues one message, blocking until the writer takes it.
func (c *connection) write(typ byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+1))
	buf[4] = typ
	copy(buf[5:], payload)

	select {
	case c.writeCh <- buf:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *connection) handleFrame(frame *adapters.FrameRequest) {
	if frame.Path == "/handshake" {
		resp, fault := c.server.core.Handshake(frame.Body)
		if fault != nil {
			c.write(frameJSON, adapters.EncodeFault(frame.ID, fault))
			return
		}
		var hs adapters.HandshakeResponse
		if err := json.Unmarshal(resp, &hs); err == nil {
			c.mu.Lock()
			c.clientID = hs.ClientID
			c.mu.Unlock()
		}
		c.write(frameJSON, adapters.EncodeReply(frame.ID, http.StatusOK, resp))
		return
	}

	route, ok := c.server.core.Router.Lookup(frame.Method, frame.Path)
	if !ok {
		c.write(frameJSON, adapters.EncodeFault(frame.ID,
			faults.BadPayload("/path", "unknown route "+frame.Method+" "+frame.Path)))
		return
	}

	var pc *pipeline.Context
	if route.Producer != nil {
		pc = pipeline.NewStreamContext(c.ctx, pipeline.TransportIPC, frame.Method, frame.Path)
	} else {
		pc = pipeline.NewContext(c.ctx, pipeline.TransportIPC, frame.Method, frame.Path, route.Timeout)
	}
	defer pc.Cancel()

	pc.Route = route
	pc.Raw = frame.Body
	c.mu.Lock()
	pc.ClientID = c.clientID
	c.mu.Unlock()
	for k, v := range frame.Headers {
		pc.Headers.Set(k, v)
	}

	// A verified peer uid stands in for bearer auth when the deployment
	// waives it; the auth plugin accepts pre-attached identities.
	if !c.server.cfg.EnforceBearer {
		pc.Identity = &crypto.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: fmt.Sprintf("uid:%d", c.peerUID)},
		}
	}

	fault := c.server.core.Execute(pc)
	if fault != nil {
		c.write(frameJSON, adapters.EncodeFault(frame.ID, fault))
		return
	}

	if pc.Streaming() {
		sink := &ipcSink{conn: c, id: frame.ID}
		if err := c.server.core.RunStream(pc, sink); err != nil {
			c.server.logger.Debug("ipc stream ended with error",
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
	c.write(frameJSON, adapters.EncodeReply(frame.ID, status, body))
}

// readFrame reads one [len][type][payload] message.
func readFrame(r io.Reader) (byte, []byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 || n > maxFrameBytes {
		return 0, nil, fmt.Errorf("ipc: frame length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}
