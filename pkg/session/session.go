// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mperrors "github.com/absmach/mitmqtt/pkg/errors"
	"github.com/absmach/mitmqtt/pkg/handler"
	"github.com/absmach/mitmqtt/pkg/packet"
	"github.com/google/uuid"
)

var errPendingFull = errors.New("client sent too much before the broker connected")

// Defaults applied by New and NewTLS to zero Config fields.
const (
	DefaultBufferSize       = 4096
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// State is the lifecycle position of a session.
type State int32

const (
	// Created sessions have not started reading.
	Created State = iota
	// ClientActive sessions read the client leg; the broker is not dialed yet.
	ClientActive
	// FullyRelaying sessions have both legs connected.
	FullyRelaying
	// Stopped is terminal. Both legs are closed.
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case ClientActive:
		return "client_active"
	case FullyRelaying:
		return "fully_relaying"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Kind distinguishes plain sessions from TLS-terminating ones.
type Kind int

const (
	KindPlain Kind = iota
	KindTLS
)

func (k Kind) String() string {
	if k == KindTLS {
		return "tls"
	}
	return "plain"
}

// Dialer opens broker connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the per-session settings.
type Config struct {
	// BrokerAddress is the host:port dialed when the client sends CONNECT.
	BrokerAddress string

	// BrokerTLS, when set, wraps the broker leg in TLS.
	BrokerTLS *tls.Config

	// Dialer opens the broker leg. Defaults to a *net.Dialer.
	Dialer Dialer

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// BufferSize is the read size per leg.
	BufferSize int

	// Reassemble makes each leg inspect every complete frame instead of only
	// the first frame of each read.
	Reassemble bool

	// MaxFrame bounds the per-leg reassembly buffer.
	MaxFrame int

	Handler handler.Handler
	Logger  *slog.Logger

	// OnStop is called once, after both legs are closed.
	OnStop func(*Session)
}

// Session relays one client connection to the broker.
type Session struct {
	id        string
	kind      Kind
	cfg       Config
	logger    *slog.Logger
	createdAt time.Time

	client   net.Conn
	clientWr sync.Mutex
	brokerWr sync.Mutex

	mu        sync.RWMutex
	broker    net.Conn
	pending   []byte
	hctx      handler.Context
	announced bool
	unlink    func() bool

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a plain session over conn.
func New(conn net.Conn, cfg Config) *Session {
	return newSession(KindPlain, conn, cfg)
}

// NewTLS creates a TLS-terminating session. The handshake runs in Start.
func NewTLS(conn *tls.Conn, cfg Config) *Session {
	return newSession(KindTLS, conn, cfg)
}

func newSession(kind Kind, conn net.Conn, cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.New().String()
	remote := conn.RemoteAddr().String()
	protocol := handler.ProtocolMQTT
	if kind == KindTLS {
		protocol = handler.ProtocolMQTTS
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		kind:      kind,
		cfg:       cfg,
		createdAt: time.Now(),
		client:    conn,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		hctx: handler.Context{
			SessionID:  id,
			RemoteAddr: remote,
			Protocol:   protocol,
		},
		logger: cfg.Logger.With(
			slog.String("session", id),
			slog.String("remote", remote),
			slog.String("kind", kind.String()),
		),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Kind returns whether the session terminates TLS.
func (s *Session) Kind() Kind {
	return s.kind
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// CreatedAt returns when the client connection was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Done is closed when the session stops.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Context returns a snapshot of the session metadata.
func (s *Session) Context() *handler.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hctx := s.hctx
	return &hctx
}

// Start runs the TLS handshake for TLS sessions, then begins reading the
// client leg. A failed handshake stops the session and is returned.
// Cancelling ctx stops the session.
func (s *Session) Start(ctx context.Context) error {
	if s.State() != Created {
		return mperrors.ErrSessionStopped
	}

	s.mu.Lock()
	s.unlink = context.AfterFunc(ctx, s.Stop)
	s.mu.Unlock()

	if s.kind == KindTLS {
		if err := s.handshake(); err != nil {
			s.Stop()
			return s.wrap("handshake", err)
		}
	}

	if !s.state.CompareAndSwap(int32(Created), int32(ClientActive)) {
		return mperrors.ErrSessionStopped
	}
	s.mu.Lock()
	s.announced = true
	s.mu.Unlock()

	s.logger.Info("session started")
	s.notify("connect", s.cfg.Handler.OnConnect(s.ctx, s.Context()))

	go s.relay(s.client, packet.Upstream)
	return nil
}

func (s *Session) handshake() error {
	tc, ok := s.client.(*tls.Conn)
	if !ok {
		return errors.New("client connection is not TLS")
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
		s.mu.Lock()
		s.hctx.Cert = certs[0]
		s.mu.Unlock()
	}
	return nil
}

// ConnectToBroker dials address and starts reading the broker leg. It is a
// no-op when the broker leg is already up. A failed dial stops the session.
func (s *Session) ConnectToBroker(ctx context.Context, address string) error {
	if s.State() == Stopped {
		return mperrors.ErrSessionStopped
	}
	s.mu.RLock()
	connected := s.broker != nil
	s.mu.RUnlock()
	if connected {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.DialContext(dctx, "tcp", address)
	if err != nil {
		s.Stop()
		return s.wrap("dial", err)
	}
	if s.cfg.BrokerTLS != nil {
		tc := tls.Client(conn, brokerTLS(s.cfg.BrokerTLS, address))
		if err := tc.HandshakeContext(dctx); err != nil {
			conn.Close()
			s.Stop()
			return s.wrap("broker handshake", err)
		}
		conn = tc
	}

	// Client bytes held while dialing go out before any other broker write.
	s.brokerWr.Lock()
	s.mu.Lock()
	if s.State() == Stopped || s.broker != nil {
		s.mu.Unlock()
		s.brokerWr.Unlock()
		conn.Close()
		if s.State() == Stopped {
			return mperrors.ErrSessionStopped
		}
		return nil
	}
	s.broker = conn
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var werr error
	if len(pending) > 0 {
		_, werr = conn.Write(pending)
	}
	s.brokerWr.Unlock()
	if werr != nil {
		s.Stop()
		return s.wrap("broker write", werr)
	}
	s.state.CompareAndSwap(int32(ClientActive), int32(FullyRelaying))

	s.logger.Info("broker connected", slog.String("broker", address))
	s.notify("broker_connect", s.cfg.Handler.OnBrokerConnect(s.ctx, s.Context()))

	go s.relay(conn, packet.Downstream)
	return nil
}

// brokerTLS fills in the server name from address when cfg has none.
func brokerTLS(cfg *tls.Config, address string) *tls.Config {
	if cfg.ServerName != "" || cfg.InsecureSkipVerify {
		return cfg
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return cfg
	}
	cfg = cfg.Clone()
	cfg.ServerName = host
	return cfg
}

// SendToClient writes b to the client leg. Writes are serialized with the
// relay and with other callers. A failed write stops the session.
func (s *Session) SendToClient(b []byte) error {
	if s.State() == Stopped {
		return mperrors.ErrSessionStopped
	}
	s.clientWr.Lock()
	_, err := s.client.Write(b)
	s.clientWr.Unlock()
	if err != nil {
		s.Stop()
		return s.wrap("client write", err)
	}
	return nil
}

// SendToBroker writes b to the broker leg. It returns ErrBrokerNotConnected
// before the client has sent CONNECT. A failed write stops the session.
func (s *Session) SendToBroker(b []byte) error {
	if s.State() == Stopped {
		return mperrors.ErrSessionStopped
	}
	s.mu.RLock()
	broker := s.broker
	s.mu.RUnlock()
	if broker == nil {
		return mperrors.ErrBrokerNotConnected
	}

	s.brokerWr.Lock()
	_, err := broker.Write(b)
	s.brokerWr.Unlock()
	if err != nil {
		s.Stop()
		return s.wrap("broker write", err)
	}
	return nil
}

// Stop closes both legs. It is safe to call more than once and from any
// state.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(Stopped))
		s.cancel()

		s.mu.Lock()
		broker, announced, unlink := s.broker, s.announced, s.unlink
		s.mu.Unlock()

		if unlink != nil {
			unlink()
		}
		s.client.Close()
		if broker != nil {
			broker.Close()
		}

		if announced {
			s.notify("disconnect", s.cfg.Handler.OnDisconnect(context.Background(), s.Context()))
		}
		if s.cfg.OnStop != nil {
			s.cfg.OnStop(s)
		}
		s.logger.Info("session stopped")
		close(s.done)
	})
}

// relay reads src until it fails, inspecting each chunk and forwarding it
// unmodified to the opposite leg.
func (s *Session) relay(src net.Conn, dir packet.Direction) {
	defer s.Stop()

	var framer *packet.Framer
	if s.cfg.Reassemble {
		framer = packet.NewFramer(s.cfg.MaxFrame)
	}
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if s.State() == Stopped {
				return
			}
			chunk := bytes.Clone(buf[:n])
			for _, pkt := range s.inspect(framer, chunk) {
				s.observe(dir, pkt)
			}
			if err := s.forward(dir, chunk); err != nil {
				s.logger.Debug("forward failed",
					slog.String("direction", dir.String()),
					slog.String("error", err.Error()))
				return
			}
		}
		if err != nil {
			if !closed(err) {
				s.logger.Debug("read failed",
					slog.String("direction", dir.String()),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Session) inspect(framer *packet.Framer, chunk []byte) []packet.Packet {
	if framer == nil {
		return []packet.Packet{packet.Decode(chunk)}
	}
	frames, err := framer.Feed(chunk)
	if err != nil {
		s.logger.Debug("framing lost", slog.String("error", err.Error()))
	}
	pkts := make([]packet.Packet, len(frames))
	for i, f := range frames {
		pkts[i] = packet.Decode(f)
	}
	return pkts
}

// observe reports pkt and runs the automatic responses for client packets.
func (s *Session) observe(dir packet.Direction, pkt packet.Packet) {
	if dir == packet.Upstream && pkt.Kind == packet.Connect && !pkt.Malformed {
		s.mu.Lock()
		s.hctx.ClientID = pkt.ClientID
		s.hctx.Username = pkt.Username
		s.mu.Unlock()
	}

	s.logger.Debug("packet",
		slog.String("direction", dir.String()),
		slog.String("type", pkt.Kind.String()),
		slog.Int("size", len(pkt.Raw)))
	s.notify("packet", s.cfg.Handler.OnPacket(s.ctx, s.Context(), dir, pkt))

	if dir != packet.Upstream {
		return
	}
	if reply := Reply(pkt); reply != nil {
		if err := s.SendToClient(reply); err != nil {
			return
		}
		s.notify("reply", s.cfg.Handler.OnReply(s.ctx, s.Context(), packet.Decode(reply)))
	}
	if pkt.Kind == packet.Connect {
		if err := s.ConnectToBroker(s.ctx, s.cfg.BrokerAddress); err != nil {
			s.logger.Warn("broker connect failed",
				slog.String("broker", s.cfg.BrokerAddress),
				slog.String("error", err.Error()))
		}
	}
}

// forward writes chunk to the opposite leg. Client bytes that arrive before
// the broker leg is up are held and flushed by ConnectToBroker.
func (s *Session) forward(dir packet.Direction, chunk []byte) error {
	if dir == packet.Downstream {
		return s.SendToClient(chunk)
	}

	s.mu.Lock()
	if s.broker == nil {
		if len(s.pending)+len(chunk) > s.pendingLimit() {
			s.mu.Unlock()
			return errPendingFull
		}
		s.pending = append(s.pending, chunk...)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.SendToBroker(chunk)
}

func (s *Session) pendingLimit() int {
	if s.cfg.MaxFrame > 0 {
		return s.cfg.MaxFrame
	}
	return packet.DefaultMaxFrame
}

func (s *Session) notify(event string, err error) {
	if err != nil {
		s.logger.Warn("handler error",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func (s *Session) wrap(op string, err error) error {
	return mperrors.New(op, s.kind.String(), s.id, s.hctx.RemoteAddr, err)
}

func closed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
