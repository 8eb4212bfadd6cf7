// Package quic carries relay channels over QUIC. Only endpoints that claim an
// explicit identity listen; the claim is the UDP bind of the address that
// identity maps to, so a second claimant fails with EADDRINUSE.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

const ProtoID = "peerhub/1"

// Default dial budget before a target is reported unavailable
const DefaultDialTimeout = 2 * time.Second

// Config for the QUIC transport
type Config struct {
	// HubID is the reserved identity; claiming it binds ListenAddr.
	HubID string
	// ListenAddr is the local UDP address bound by the hub identity (e.g. ":6121").
	ListenAddr string
	// Directory resolves identities to dial addresses.
	Directory transport.Directory
	// DialTimeout bounds the QUIC handshake of a directed connect.
	DialTimeout time.Duration
	// Advertise, when set, is called after a successful claim (e.g. mDNS publish).
	Advertise func(id string, port int) (io.Closer, error)
	Logger    *zap.Logger
}

// Transport opens QUIC endpoints
type Transport struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{cfg: cfg, log: log.Named("quic")}
}

func (t *Transport) quicConfig() *quicgo.Config {
	return &quicgo.Config{
		HandshakeIdleTimeout: t.cfg.DialTimeout,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
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
	epCtx, cancel := context.WithCancel(context.Background())
	ep := &endpoint{
		id:     id,
		t:      t,
		ctx:    epCtx,
		cancel: cancel,
		chans:  make(map[*channel]struct{}),
	}
	if requestedID == "" {
		return ep, nil
	}

	addr, err := t.listenAddr(ctx, requestedID)
	if err != nil {
		cancel()
		return nil, err
	}
	if requestedID == t.cfg.HubID {
		if err := transport.CheckClaim(ctx, t.cfg.Directory, requestedID, t.cfg.ListenAddr); err != nil {
			cancel()
			t.log.Info("claim refused", zap.String("id", requestedID), zap.Error(err))
			return nil, err
		}
	}
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		cancel()
		return nil, err
	}
	listener, err := quicgo.ListenAddr(addr, tlsCfg, t.quicConfig())
	if err != nil {
		cancel()
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, transport.ErrIdentityTaken
		}
		return nil, err
	}
	ep.listener = listener
	if t.cfg.Advertise != nil {
		if ua, ok := listener.Addr().(*net.UDPAddr); ok {
			adv, err := t.cfg.Advertise(id, ua.Port)
			if err != nil {
				t.log.Warn("advertise failed", zap.String("id", id), zap.Error(err))
			} else {
				ep.adv = adv
			}
		}
	}
	go ep.acceptLoop()
	t.log.Info("identity claimed", zap.String("id", id), zap.String("addr", listener.Addr().String()))
	return ep, nil
}

func (t *Transport) listenAddr(ctx context.Context, id string) (string, error) {
	if id == t.cfg.HubID && t.cfg.ListenAddr != "" {
		return t.cfg.ListenAddr, nil
	}
	if t.cfg.Directory == nil {
		return "", errors.New("quic: no listen address for " + id)
	}
	return t.cfg.Directory.Resolve(ctx, id)
}

type endpoint struct {
	id       string
	t        *Transport
	ctx      context.Context
	cancel   context.CancelFunc
	listener *quicgo.Listener
	adv      io.Closer

	mu      sync.Mutex
	closed  bool
	handler func(transport.Channel)
	pending []*channel
	chans   map[*channel]struct{}
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) acceptLoop() {
	for {
		sess, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			continue
		}
		go e.acceptSession(sess)
	}
}

func (e *endpoint) acceptSession(sess quicgo.Connection) {
	stream, err := sess.AcceptStream(e.ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "")
		return
	}
	hello, err := proto.ReadHello(stream)
	if err != nil {
		e.t.log.Debug("bad hello", zap.String("remote", sess.RemoteAddr().String()), zap.Error(err))
		_ = sess.CloseWithError(1, "bad hello")
		return
	}
	c := &channel{stream: stream, conn: sess, peer: hello.PeerID, owner: e}
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
		return nil, &transport.PeerUnavailableError{ID: target, Err: errors.New("quic: no directory")}
	}
	addr, err := e.t.cfg.Directory.Resolve(ctx, target)
	if err != nil {
		return nil, &transport.PeerUnavailableError{ID: target, Err: err}
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	dialCtx, cancel := context.WithTimeout(ctx, e.t.cfg.DialTimeout)
	defer cancel()
	sess, err := quicgo.DialAddr(dialCtx, addr, tlsCfg, e.t.quicConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transport.PeerUnavailableError{ID: target, Err: err}
	}
	stream, err := sess.OpenStreamSync(dialCtx)
	if err != nil {
		_ = sess.CloseWithError(0, "")
		return nil, &transport.PeerUnavailableError{ID: target, Err: err}
	}
	if err := proto.WriteHello(stream, proto.Hello{PeerID: e.id}); err != nil {
		_ = sess.CloseWithError(0, "")
		return nil, err
	}
	c := &channel{stream: stream, conn: sess, peer: target, owner: e}
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

	e.cancel()
	for c := range chans {
		_ = c.Close()
	}
	if e.adv != nil {
		_ = e.adv.Close()
	}
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

func (e *endpoint) untrack(c *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chans, c)
}

// channel is one bidirectional QUIC stream of a dedicated connection
type channel struct {
	stream quicgo.Stream
	conn   quicgo.Connection
	peer   string
	owner  *endpoint
	wmu    sync.Mutex
	closed atomic.Bool
}

func (c *channel) Peer() string { return c.peer }

func (c *channel) Send(payload []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.stream, payload)
}

func (c *channel) Recv() ([]byte, error) {
	b, err := proto.ReadFrame(c.stream)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return b, nil
}

func (c *channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.owner.untrack(c)
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

// generateTLSConfig creates a self-signed cert; peers skip verification
// since peer authentication is out of scope.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}
