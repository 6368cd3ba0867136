// Package ingress is the loopback HTTP surface. The hidden service forwards
// onto it, the note-to-self path posts to it, and everything it accepts
// funnels into the inbound pipeline. It binds an ephemeral port on
// 127.0.0.1 and hard-rejects anything outside its route table.
package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enclave-chat/go-node/internal/inbound"
	"enclave-chat/go-node/internal/invite"
	"enclave-chat/go-node/internal/metrics"
	"enclave-chat/go-node/internal/platform/ratelimiter"
	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/internal/tor"
	"enclave-chat/go-node/internal/trust"
	"enclave-chat/go-node/pkg/models"
)

const (
	maxBodyBytes = 64 * 1024

	startTimeout    = 5 * time.Second
	shutdownTimeout = 3 * time.Second
)

// ContactImporter lands validated contact drafts.
type ContactImporter interface {
	UpsertMergeSafe(models.ContactDraft) (trust.UpsertResult, error)
}

// IdentityReader exposes the local identity for import validation and the
// debug surface.
type IdentityReader interface {
	ActiveIdentity() (models.Identity, bool, error)
}

// RuntimeSnapshot is the debug view of the node's state.
type RuntimeSnapshot func() any

// Config wires the server.
type Config struct {
	// Debug exposes /v1/debug/*. Never on in release builds.
	Debug bool
}

// Server is the loopback ingress.
type Server struct {
	cfg      Config
	pipeline *inbound.Pipeline
	invites  *invite.Manager
	contacts ContactImporter
	identity IdentityReader
	hub      *tor.Hub
	limiter  *ratelimiter.SenderLimiter
	metrics  *metrics.Metrics
	snapshot RuntimeSnapshot
	log      *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	port       int
}

func New(cfg Config, pipeline *inbound.Pipeline, invites *invite.Manager, contacts ContactImporter, identity IdentityReader, hub *tor.Hub, limiter *ratelimiter.SenderLimiter, m *metrics.Metrics, snapshot RuntimeSnapshot, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		invites:  invites,
		contacts: contacts,
		identity: identity,
		hub:      hub,
		limiter:  limiter,
		metrics:  m,
		snapshot: snapshot,
		log:      log,
	}
}

// Start binds 127.0.0.1 on an OS-chosen port and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	listenCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(listenCtx, "tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("ingress listen: %w", err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.httpServer = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ingress serve", "error", err)
		}
	}()
	s.log.Info("ingress listening", "port", s.port)
	return nil
}

// Stop shuts the server down and releases the port.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
	s.httpServer = nil
}

// Port reports the bound loopback port.
func (s *Server) Port() int {
	return s.port
}

// BaseURL is the loopback origin for self-delivery.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/invite/{token}", s.handleInvite).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages", s.handleMessages).Methods(http.MethodPost)
	r.HandleFunc("/v1/contact_import", s.handleContactImport).Methods(http.MethodPost)

	if s.cfg.Debug {
		r.HandleFunc("/v1/debug/runtime", s.handleDebugRuntime).Methods(http.MethodGet)
		r.HandleFunc("/v1/debug/identity", s.handleDebugIdentity).Methods(http.MethodGet)
		if s.metrics != nil {
			r.Handle("/v1/debug/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		}
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, proto.CodeNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, proto.CodeBadRequest)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.hub.Current()
	status := http.StatusServiceUnavailable
	ok := false
	if state.Kind == tor.StateReady {
		status = http.StatusOK
		ok = true
	}
	writeJSON(w, status, map[string]any{
		"v":     1,
		"ok":    ok,
		"state": string(state.Kind),
		"port":  s.port,
	})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	res := s.invites.Accept(token, r.RemoteAddr)
	if res.Body != nil {
		writeJSON(w, res.HTTPStatus, res.Body)
		return
	}
	writeError(w, res.HTTPStatus, res.Code)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var env proto.Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	if !s.limiter.Allow(env.SenderFP, time.Now()) {
		writeError(w, http.StatusTooManyRequests, proto.CodeRateLimited)
		return
	}
	res := s.pipeline.Handle(env)
	if res.OK {
		writeJSON(w, res.HTTPStatus, map[string]any{"v": 1, "ok": true, "msg_id": res.MsgID})
		return
	}
	writeError(w, res.HTTPStatus, res.Code)
}

func (s *Server) handleContactImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		Onion       string `json:"onion"`
		PubB64      string `json:"pub_b64"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(req.PubB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, proto.CodeBadRequest)
		return
	}

	selfFP := ""
	if self, ok, err := s.identity.ActiveIdentity(); err == nil && ok {
		selfFP = self.Fingerprint
	}
	draft, err := proto.ValidateDraft(models.ContactDraft{
		Fingerprint: req.Fingerprint,
		Onion:       req.Onion,
		PublicKey:   publicKey,
		DisplayName: req.DisplayName,
	}, selfFP)
	if err != nil {
		code := proto.CodeBadRequest
		status := http.StatusBadRequest
		if errors.Is(err, proto.ErrSelfContact) {
			code = proto.CodeSelfContactForbidden
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, code)
		return
	}

	result, err := s.contacts.UpsertMergeSafe(draft)
	if err != nil {
		writeError(w, http.StatusInternalServerError, proto.CodeBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"v":             1,
		"ok":            true,
		"result":        string(result.Outcome),
		"key_changed":   result.KeyChanged,
		"onion_changed": result.OnionChanged,
	})
}

func (s *Server) handleDebugRuntime(w http.ResponseWriter, _ *http.Request) {
	if s.snapshot == nil {
		writeError(w, http.StatusNotFound, proto.CodeNotFound)
		return
	}
	snap := s.snapshot()
	if snap == nil {
		writeError(w, http.StatusNotFound, proto.CodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDebugIdentity(w http.ResponseWriter, _ *http.Request) {
	self, ok, err := s.identity.ActiveIdentity()
	if err != nil || !ok {
		writeError(w, http.StatusUnprocessableEntity, proto.CodeLocalIdentityMissing)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"v":           1,
		"ok":          true,
		"fingerprint": self.Fingerprint,
		"onion":       self.Onion,
		"short_code":  models.ShortCode(self.Fingerprint),
		"pub_b64":     base64.StdEncoding.EncodeToString(self.PublicKey),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, proto.CodePayloadTooLarge)
			return false
		}
		writeError(w, http.StatusBadRequest, proto.CodeBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"v": 1, "ok": false, "code": code})
}
