// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/mitmqtt/pkg/breaker"
	"github.com/absmach/mitmqtt/pkg/cert"
	"github.com/absmach/mitmqtt/pkg/errors"
	"github.com/absmach/mitmqtt/pkg/handler"
	"github.com/absmach/mitmqtt/pkg/metrics"
	"github.com/absmach/mitmqtt/pkg/packet"
	"github.com/absmach/mitmqtt/pkg/ratelimit"
	"github.com/absmach/mitmqtt/pkg/server/tcp"
	"github.com/absmach/mitmqtt/pkg/session"
	"github.com/absmach/mitmqtt/pkg/store"
)

// Defaults for the broker endpoint.
const (
	DefaultBrokerHost = "test.mosquitto.org"
	DefaultBrokerPort = 1883
)

// Config holds the proxy configuration.
type Config struct {
	BrokerHost string
	BrokerPort int

	StoreCapacity int

	// Reassemble enables per-leg frame reassembly for inspection.
	Reassemble bool
	MaxFrame   int
	BufferSize int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration

	// Breaker guards broker dials.
	Breaker breaker.Config

	// AcceptRate limits new connections per client IP per second. Zero
	// disables the limit. AcceptBurst is the bucket size.
	AcceptRate  float64
	AcceptBurst int

	// Dialer opens broker connections. Defaults to a *net.Dialer.
	Dialer session.Dialer

	// Handler receives every session event after the proxy has captured it.
	Handler handler.Handler

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Event is one observed packet as reported to observers.
type Event struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session"`
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Payload   string    `json:"payload"`
}

// Observer receives events synchronously from relay goroutines and must not
// block.
type Observer func(Event)

// SessionInfo describes a live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	RemoteAddr string    `json:"remote_addr"`
	ClientID   string    `json:"client_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Proxy accepts MQTT clients on a plain and a TLS listener and relays them
// to one broker, capturing every packet.
type Proxy struct {
	cfg     Config
	logger  *slog.Logger
	store   *store.Store
	dialer  *guardedDialer
	limiter *ratelimit.Limiter
	handler handler.Handler

	mu        sync.RWMutex
	broker    string
	brokerTLS *tls.Config
	serverTLS *tls.Config
	listeners [2]*listener

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64
}

// New creates a stopped proxy.
func New(cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BrokerHost == "" {
		cfg.BrokerHost = DefaultBrokerHost
	}
	if cfg.BrokerPort == 0 {
		cfg.BrokerPort = DefaultBrokerPort
	}
	if cfg.StoreCapacity <= 0 {
		cfg.StoreCapacity = store.DefaultCapacity
	}

	p := &Proxy{
		cfg:       cfg,
		logger:    cfg.Logger,
		store:     store.New(cfg.StoreCapacity),
		dialer:    newGuardedDialer(cfg.Dialer, cfg.Breaker, cfg.Metrics),
		broker:    net.JoinHostPort(cfg.BrokerHost, strconv.Itoa(cfg.BrokerPort)),
		observers: make(map[uint64]Observer),
	}
	if cfg.AcceptRate > 0 {
		p.limiter = ratelimit.NewLimiter(cfg.AcceptBurst, cfg.AcceptRate, 0)
	}
	p.handler = handler.NewChain(&capture{p: p}, cfg.Handler)
	return p
}

// SetBrokerTarget changes the broker dialed by sessions accepted from now on.
func (p *Proxy) SetBrokerTarget(host string, port int) error {
	if host == "" {
		return fmt.Errorf("empty broker host")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid broker port %d", port)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	p.mu.Lock()
	p.broker = addr
	p.mu.Unlock()

	p.logger.Info("broker target set", slog.String("broker", addr))
	return nil
}

// BrokerTarget returns the current broker host:port.
func (p *Proxy) BrokerTarget() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.broker
}

// LoadServerCredential loads the certificate used to terminate client TLS.
func (p *Proxy) LoadServerCredential(certFile, keyFile string) error {
	cfg, err := cert.LoadServerCredential(certFile, keyFile)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.serverTLS = cfg
	p.mu.Unlock()
	return nil
}

// LoadBrokerTrust makes new sessions dial the broker over TLS.
func (p *Proxy) LoadBrokerTrust(trust cert.BrokerTrust) error {
	cfg, err := cert.LoadBrokerTrust(trust)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.brokerTLS = cfg
	p.mu.Unlock()
	return nil
}

// StartPlain starts the plain listener. Bind errors are returned.
func (p *Proxy) StartPlain(address string, port int) error {
	return p.start(session.KindPlain, address, port, nil)
}

// StartTLS starts the TLS-terminating listener. It requires a credential
// loaded with LoadServerCredential.
func (p *Proxy) StartTLS(address string, port int) error {
	p.mu.RLock()
	tlsCfg := p.serverTLS
	p.mu.RUnlock()
	if tlsCfg == nil {
		return errors.ErrNoCredential
	}
	return p.start(session.KindTLS, address, port, tlsCfg)
}

func (p *Proxy) start(kind session.Kind, address string, port int, tlsCfg *tls.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listeners[kind] != nil {
		return errors.ErrAlreadyRunning
	}

	l := &listener{kind: kind, done: make(chan struct{})}
	l.server = tcp.New(tcp.Config{
		Address:         net.JoinHostPort(address, strconv.Itoa(port)),
		TLSConfig:       tlsCfg,
		ShutdownTimeout: p.cfg.ShutdownTimeout,
		Logger:          p.logger.With(slog.String("listener", kind.String())),
	}, p.serveConn(l))
	if err := l.server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() {
		defer close(l.done)
		if err := l.server.Serve(ctx); err != nil {
			p.logger.Warn("listener stopped", slog.String("listener", kind.String()), slog.String("error", err.Error()))
		}
	}()

	p.listeners[kind] = l
	p.logger.Info("listener started",
		slog.String("listener", kind.String()),
		slog.String("address", l.server.Addr().String()),
		slog.String("broker", p.broker))
	return nil
}

// Addr returns the bound address of a running listener, or nil.
func (p *Proxy) Addr(kind session.Kind) net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if l := p.listeners[kind]; l != nil {
		return l.server.Addr()
	}
	return nil
}

// Running reports which listeners are accepting.
func (p *Proxy) Running() (plainOn, tlsOn bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listeners[session.KindPlain] != nil, p.listeners[session.KindTLS] != nil
}

// BreakerState returns the state of the broker dial breaker.
func (p *Proxy) BreakerState() breaker.State {
	return p.dialer.breaker.State()
}

// Stop stops both listeners and every live session.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	ls := p.listeners
	p.listeners = [2]*listener{}
	p.mu.Unlock()

	if ls[session.KindPlain] == nil && ls[session.KindTLS] == nil {
		return errors.ErrNotRunning
	}
	for _, l := range ls {
		if l == nil {
			continue
		}
		l.shutdown()
		<-l.done
		p.logger.Info("listener stopped", slog.String("listener", l.kind.String()))
	}
	return nil
}

func (p *Proxy) serveConn(l *listener) tcp.ConnHandler {
	return func(ctx context.Context, conn net.Conn) {
		if !p.admit(l, conn) {
			conn.Close()
			return
		}
		cfg := p.sessionConfig(l)

		var s *session.Session
		if l.kind == session.KindTLS {
			tc, ok := conn.(*tls.Conn)
			if !ok {
				conn.Close()
				return
			}
			s = session.NewTLS(tc, cfg)
		} else {
			s = session.New(conn, cfg)
		}

		if !l.add(s) {
			conn.Close()
			return
		}
		if err := s.Start(ctx); err != nil {
			p.logger.Debug("session failed to start", slog.String("error", err.Error()))
			return
		}
		<-s.Done()
	}
}

// admit applies the per-IP accept limit.
func (p *Proxy) admit(l *listener, conn net.Conn) bool {
	if p.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if p.limiter.Allow(host) {
		return true
	}
	p.logger.Warn("connection rejected",
		slog.String("listener", l.kind.String()),
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("error", ratelimit.ErrRateLimitExceeded.Error()))
	if m := p.cfg.Metrics; m != nil {
		m.RejectedConns.WithLabelValues(l.kind.String(), "rate_limited").Inc()
	}
	return false
}

func (p *Proxy) sessionConfig(l *listener) session.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return session.Config{
		BrokerAddress:    p.broker,
		BrokerTLS:        p.brokerTLS,
		Dialer:           p.dialer,
		DialTimeout:      p.cfg.DialTimeout,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		BufferSize:       p.cfg.BufferSize,
		Reassemble:       p.cfg.Reassemble,
		MaxFrame:         p.cfg.MaxFrame,
		Handler:          p.handler,
		Logger:           p.logger,
		OnStop:           l.remove,
	}
}

// target picks the oldest live TLS session, else the oldest live plain one.
func (p *Proxy) target() (*session.Session, error) {
	p.mu.RLock()
	ls := []*listener{p.listeners[session.KindTLS], p.listeners[session.KindPlain]}
	p.mu.RUnlock()

	for _, l := range ls {
		if l == nil {
			continue
		}
		if s := l.first(); s != nil {
			return s, nil
		}
	}
	return nil, errors.ErrNoSession
}

func (p *Proxy) lookup(id string) (*session.Session, error) {
	p.mu.RLock()
	ls := p.listeners
	p.mu.RUnlock()

	for _, l := range ls {
		if l == nil {
			continue
		}
		if s := l.find(id); s != nil {
			return s, nil
		}
	}
	return nil, errors.ErrNoSession
}

// InjectPacket encodes a QoS 0 PUBLISH and writes it to the client or broker
// leg of the target session.
func (p *Proxy) InjectPacket(topic string, payload []byte, toClient bool) error {
	return p.observe("inject", func() error {
		s, err := p.target()
		if err != nil {
			return err
		}
		return p.inject(s, topic, payload, toClient)
	})
}

// InjectPacketTo is InjectPacket addressed to one session.
func (p *Proxy) InjectPacketTo(sessionID, topic string, payload []byte, toClient bool) error {
	return p.observe("inject", func() error {
		s, err := p.lookup(sessionID)
		if err != nil {
			return err
		}
		return p.inject(s, topic, payload, toClient)
	})
}

func (p *Proxy) inject(s *session.Session, topic string, payload []byte, toClient bool) error {
	raw, err := packet.EncodePublish(topic, payload)
	if err != nil {
		return err
	}
	return p.send(s, raw, toClient)
}

// ReplayPacket writes the stored bytes at index verbatim to the client leg of
// the target session.
func (p *Proxy) ReplayPacket(index int) error {
	return p.observe("replay", func() error {
		e, err := p.store.Get(index)
		if err != nil {
			return err
		}
		s, err := p.target()
		if err != nil {
			return err
		}
		return p.send(s, e.Packet.Raw, true)
	})
}

// send writes raw to one leg and captures it like relayed traffic. Operator
// sends are not auto-replies and do not reach OnReply.
func (p *Proxy) send(s *session.Session, raw []byte, toClient bool) error {
	dir := packet.Upstream
	write := s.SendToBroker
	if toClient {
		dir = packet.Downstream
		write = s.SendToClient
	}
	if err := write(raw); err != nil {
		return err
	}

	if err := p.handler.OnPacket(context.Background(), s.Context(), dir, packet.Decode(raw)); err != nil {
		p.logger.Warn("handler error", slog.String("session", s.ID()), slog.String("error", err.Error()))
	}
	return nil
}

func (p *Proxy) observe(op string, fn func() error) error {
	var err error
	if p.cfg.Metrics != nil {
		err = p.cfg.Metrics.ObserveOperation(op, fn)
	} else {
		err = fn()
	}
	if err != nil {
		p.logger.Warn(op+" failed", slog.String("error", err.Error()))
	}
	return err
}

// DisconnectSession stops one live session.
func (p *Proxy) DisconnectSession(id string) error {
	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// Sessions lists live sessions, TLS first, each listener oldest first.
func (p *Proxy) Sessions() []SessionInfo {
	p.mu.RLock()
	ls := []*listener{p.listeners[session.KindTLS], p.listeners[session.KindPlain]}
	p.mu.RUnlock()

	infos := []SessionInfo{}
	for _, l := range ls {
		if l == nil {
			continue
		}
		for _, s := range l.snapshot() {
			hctx := s.Context()
			infos = append(infos, SessionInfo{
				ID:         s.ID(),
				Kind:       s.Kind().String(),
				State:      s.State().String(),
				RemoteAddr: hctx.RemoteAddr,
				ClientID:   hctx.ClientID,
				Username:   hctx.Username,
				CreatedAt:  s.CreatedAt(),
			})
		}
	}
	return infos
}

// Subscribe registers an observer for every captured packet. The returned
// function removes it.
func (p *Proxy) Subscribe(o Observer) func() {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = o
	p.obsMu.Unlock()

	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

func (p *Proxy) publish(ev Event) {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	for _, o := range p.observers {
		o(ev)
	}
}

// ExportCapture returns the captured packets, oldest first.
func (p *Proxy) ExportCapture() []store.Record {
	return p.store.Export()
}

// Store returns the capture store.
func (p *Proxy) Store() *store.Store {
	return p.store
}

var _ handler.Handler = (*capture)(nil)

// capture stores every packet and fans it out to observers.
type capture struct {
	handler.NoopHandler
	p *Proxy
}

func (c *capture) OnPacket(ctx context.Context, hctx *handler.Context, dir packet.Direction, pkt packet.Packet) error {
	now := time.Now()
	evicted := c.p.store.Add(store.Entry{
		Time:      now,
		SessionID: hctx.SessionID,
		Direction: dir,
		Packet:    pkt,
	})
	if m := c.p.cfg.Metrics; m != nil {
		m.StoredPackets.Set(float64(c.p.store.Len()))
		if evicted {
			m.EvictedPackets.Inc()
		}
	}

	c.p.publish(Event{
		Time:      now,
		SessionID: hctx.SessionID,
		Direction: dir.String(),
		Type:      pkt.Kind.String(),
		Topic:     pkt.Topic,
		Payload:   packet.Display(pkt.Payload),
	})
	return nil
}

// listener is one accepting socket and its live sessions in accept order.
type listener struct {
	kind   session.Kind
	server *tcp.Server
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	sessions []*session.Session
}

func (l *listener) add(s *session.Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.sessions = append(l.sessions, s)
	return true
}

func (l *listener) remove(s *session.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = slices.DeleteFunc(l.sessions, func(x *session.Session) bool { return x == s })
}

func (l *listener) snapshot() []*session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.sessions)
}

// first returns the oldest session past its handshake.
func (l *listener) first() *session.Session {
	for _, s := range l.snapshot() {
		switch s.State() {
		case session.ClientActive, session.FullyRelaying:
			return s
		}
	}
	return nil
}

func (l *listener) find(id string) *session.Session {
	for _, s := range l.snapshot() {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// shutdown stops accepting and stops every session.
func (l *listener) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.server.Close()
	l.cancel()
	for _, s := range l.snapshot() {
		s.Stop()
	}
}
