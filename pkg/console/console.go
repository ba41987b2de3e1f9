// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package console serves the operator control API, the live packet stream and
// the health endpoints over HTTP.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	mperrors "github.com/absmach/mitmqtt/pkg/errors"
	"github.com/absmach/mitmqtt/pkg/health"
	"github.com/absmach/mitmqtt/pkg/proxy"
	"github.com/absmach/mitmqtt/pkg/store"
)

const (
	// DefaultStreamBuffer is the number of events queued per stream client
	// before new events are dropped.
	DefaultStreamBuffer = 256

	writeWait         = 5 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	readHeaderTimeout = 10 * time.Second
)

var _ Controller = (*proxy.Proxy)(nil)

// Controller is the proxy surface the console drives.
type Controller interface {
	Sessions() []proxy.SessionInfo
	DisconnectSession(id string) error
	ExportCapture() []store.Record
	Store() *store.Store
	InjectPacket(topic string, payload []byte, toClient bool) error
	InjectPacketTo(sessionID, topic string, payload []byte, toClient bool) error
	ReplayPacket(index int) error
	SetBrokerTarget(host string, port int) error
	BrokerTarget() string
	StartPlain(address string, port int) error
	StartTLS(address string, port int) error
	Stop() error
	Subscribe(o proxy.Observer) func()
}

// Config holds the console configuration.
type Config struct {
	Address      string
	StreamBuffer int
	Checker      *health.Checker
	Logger       *slog.Logger
}

// Server is the operator console.
type Server struct {
	cfg      Config
	ctrl     Controller
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// Response is the envelope of every JSON answer.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// New creates a console for ctrl.
func New(cfg Config, ctrl Controller) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.Checker == nil {
		cfg.Checker = health.NewChecker(0)
	}

	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDisconnect)
	s.mux.HandleFunc("GET /capture", s.handleCapture)
	s.mux.HandleFunc("GET /capture.pcap", s.handleCapturePCAP)
	s.mux.HandleFunc("POST /inject", s.handleInject)
	s.mux.HandleFunc("POST /replay", s.handleReplay)
	s.mux.HandleFunc("GET /broker", s.handleGetBroker)
	s.mux.HandleFunc("PUT /broker", s.handleSetBroker)
	s.mux.HandleFunc("POST /listeners/plain", s.handleStartListener(s.ctrl.StartPlain))
	s.mux.HandleFunc("POST /listeners/tls", s.handleStartListener(s.ctrl.StartTLS))
	s.mux.HandleFunc("DELETE /listeners", s.handleStopListeners)
	s.mux.HandleFunc("GET /stream", s.handleStream)
	s.mux.HandleFunc("GET /health", s.cfg.Checker.HTTPHandler())
	s.mux.HandleFunc("GET /live", health.LivenessHandler())
}

// Handler returns the console routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on the configured address until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		// Stream handlers outlive Shutdown once hijacked; they watch ctx instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("console started", slog.String("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("console shutdown: %w", err)
		}
		s.logger.Info("console stopped")
		return nil
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.ctrl.Sessions())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DisconnectSession(r.PathValue("id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

func (s *Server) handleCapture(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.ctrl.ExportCapture())
}

func (s *Server) handleCapturePCAP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", `attachment; filename="capture.pcap"`)
	if err := s.ctrl.Store().WritePCAP(w); err != nil {
		s.logger.Warn("pcap export failed", slog.String("error", err.Error()))
	}
}

// InjectRequest is the body of POST /inject.
type InjectRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	ToClient bool   `json:"to_client"`
	Session  string `json:"session,omitempty"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Topic == "" {
		s.writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	var err error
	if req.Session != "" {
		err = s.ctrl.InjectPacketTo(req.Session, req.Topic, []byte(req.Payload), req.ToClient)
	} else {
		err = s.ctrl.InjectPacket(req.Topic, []byte(req.Payload), req.ToClient)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

// ReplayRequest is the body of POST /replay.
type ReplayRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.ReplayPacket(req.Index); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

// Endpoint is a host and port pair used by the broker and listener routes.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *Server) handleGetBroker(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, map[string]string{"target": s.ctrl.BrokerTarget()})
}

func (s *Server) handleSetBroker(w http.ResponseWriter, r *http.Request) {
	var req Endpoint
	if !s.decode(w, r, &req) {
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		s.writeError(w, http.StatusBadRequest, "host and a port in 1-65535 are required")
		return
	}
	if err := s.ctrl.SetBrokerTarget(req.Host, req.Port); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"target": s.ctrl.BrokerTarget()})
}

func (s *Server) handleStartListener(start func(string, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Endpoint
		if !s.decode(w, r, &req) {
			return
		}
		if req.Port < 0 || req.Port > 65535 {
			s.writeError(w, http.StatusBadRequest, "port must be in 0-65535")
			return
		}
		if err := start(req.Host, req.Port); err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeSuccess(w, nil)
	}
}

func (s *Server) handleStopListeners(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, nil)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusOf maps operator errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, mperrors.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, mperrors.ErrInvalidIndex):
		return http.StatusBadRequest
	case errors.Is(err, mperrors.ErrNoCredential):
		return http.StatusPreconditionFailed
	case errors.Is(err, mperrors.ErrAlreadyRunning),
		errors.Is(err, mperrors.ErrNotRunning),
		errors.Is(err, mperrors.ErrBrokerNotConnected),
		errors.Is(err, mperrors.ErrSessionStopped):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, statusOf(err), err.Error())
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, Response{Code: 0, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, Response{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
