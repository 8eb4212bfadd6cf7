// Package ws carries relay channels as websocket text frames. Claiming an
// identity binds an HTTP server exposing GET /relay?peer=<dialer id>.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

const RelayPath = "/relay"

const DefaultDialTimeout = 2 * time.Second

// A channel whose peer answers no ping within DefaultPongWait is dropped.
const (
	DefaultPongWait  = 30 * time.Second
	DefaultWriteWait = 10 * time.Second
)

// Config for the websocket transport
type Config struct {
	HubID       string
	ListenAddr  string
	Directory   transport.Directory
	DialTimeout time.Duration
	// PongWait bounds the silence tolerated on a channel; pings go out every
	// PingInterval (9/10 of PongWait when zero).
	PongWait     time.Duration
	PingInterval time.Duration
	WriteWait    time.Duration
	Advertise    func(id string, port int) (io.Closer, error)
	Logger       *zap.Logger
}

type Transport struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		cfg: cfg,
		log: log.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (t *Transport) Open(ctx context.Context, requestedID string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	ep := &endpoint{id: id, t: t, chans: make(map[*channel]struct{})}
	if requestedID == "" {
		return ep, nil
	}

	addr, err := t.listenAddr(ctx, requestedID)
	if err != nil {
		return nil, err
	}
	if requestedID == t.cfg.HubID {
		if err := transport.CheckClaim(ctx, t.cfg.Directory, requestedID, t.cfg.ListenAddr); err != nil {
			t.log.Info("claim refused", zap.String("id", requestedID), zap.Error(err))
			return nil, err
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, transport.ErrIdentityTaken
		}
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, req)
			t.log.Debug("handled",
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
				zap.Duration("duration", m.Duration),
				zap.Int("status", m.Code))
		})
	})
	r.Methods(http.MethodGet).Path(RelayPath).HandlerFunc(ep.serveRelay)

	ep.srv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ep.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("relay server stopped", zap.Error(err))
		}
	}()
	if t.cfg.Advertise != nil {
		if ta, ok := ln.Addr().(*net.TCPAddr); ok {
			adv, err := t.cfg.Advertise(id, ta.Port)
			if err != nil {
				t.log.Warn("advertise failed", zap.String("id", id), zap.Error(err))
			} else {
				ep.adv = adv
			}
		}
	}
	t.log.Info("identity claimed", zap.String("id", id), zap.String("addr", ln.Addr().String()))
	return ep, nil
}

func (t *Transport) listenAddr(ctx context.Context, id string) (string, error) {
	if id == t.cfg.HubID && t.cfg.ListenAddr != "" {
		return t.cfg.ListenAddr, nil
	}
	if t.cfg.Directory == nil {
		return "", errors.New("ws: no listen address for " + id)
	}
	return t.cfg.Directory.Resolve(ctx, id)
}

type endpoint struct {
	id  string
	t   *Transport
	srv *http.Server
	adv io.Closer

	mu      sync.Mutex
	closed  bool
	handler func(transport.Channel)
	pending []*channel
	chans   map[*channel]struct{}
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) serveRelay(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "peer required", http.StatusBadRequest)
		return
	}
	conn, err := e.t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.t.log.Debug("upgrade failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	c := e.newChannel(conn, peer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = c.Close()
		return
	}
	e.chans[c] = struct{}{}
	if e.handler != nil {
		go e.handler(c)
	} else {
		e.pending = append(e.pending, c)
	}
}

func (e *endpoint) Connect(ctx context.Context, target string) (transport.Channel, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	if e.t.cfg.Directory == nil {
		return nil, &transport.PeerUnavailableError{ID: target, Err: errors.New("ws: no directory")}
	}
	addr, err := e.t.cfg.Directory.Resolve(ctx, target)
	if err != nil {
		return nil, &transport.PeerUnavailableError{ID: target, Err: err}
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: RelayPath, RawQuery: url.Values{"peer": {e.id}}.Encode()}
	dialer := websocket.Dialer{HandshakeTimeout: e.t.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transport.PeerUnavailableError{ID: target, Err: err}
	}
	c := e.newChannel(conn, target)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = c.Close()
		return nil, transport.ErrClosed
	}
	e.chans[c] = struct{}{}
	return c, nil
}

func (e *endpoint) Listen(handler func(transport.Channel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
	if handler == nil {
		return
	}
	for _, c := range e.pending {
		go handler(c)
	}
	e.pending = nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := e.chans
	e.chans = nil
	e.pending = nil
	e.mu.Unlock()

	for c := range chans {
		_ = c.Close()
	}
	if e.adv != nil {
		_ = e.adv.Close()
	}
	if e.srv != nil {
		return e.srv.Close()
	}
	return nil
}

func (e *endpoint) untrack(c *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chans, c)
}

// newChannel arms the read deadline and starts pinging. Pongs are handled
// inside Recv, so a channel nobody reads expires after PongWait.
func (e *endpoint) newChannel(conn *websocket.Conn, peer string) *channel {
	cfg := e.t.cfg
	c := &channel{
		conn:      conn,
		peer:      peer,
		owner:     e,
		pongWait:  cfg.PongWait,
		writeWait: cfg.WriteWait,
		done:      make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	go c.keepalive(cfg.PingInterval)
	return c
}

type channel struct {
	conn      *websocket.Conn
	peer      string
	owner     *endpoint
	pongWait  time.Duration
	writeWait time.Duration
	done      chan struct{}
	wmu       sync.Mutex
	closed    atomic.Bool
}

func (c *channel) Peer() string { return c.peer }

func (c *channel) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.owner.t.log.Debug("ping failed", zap.String("peer", c.peer), zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

func (c *channel) Send(payload []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *channel) Recv() ([]byte, error) {
	_, p, err := c.conn.ReadMessage()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	return p, nil
}

func (c *channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	c.owner.untrack(c)
	return c.conn.Close()
}
