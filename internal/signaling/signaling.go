// Package signaling exposes the HTTP API that admits WebRTC peers: the
// caller posts the peer's ICE credentials and stream identity and receives
// the local credentials and DTLS certificate fingerprint for its answer.
package signaling

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/993381/tms/internal/ice"
)

// SessionAllocator is the engine-side contract the API drives.
type SessionAllocator interface {
	AllocateSession(app, stream, remoteUfrag, remotePwd string) (*ice.Credentials, error)
	ReleaseSession(localUfrag string)
}

type createSessionRequest struct {
	App         string `json:"app"`
	Stream      string `json:"stream"`
	RemoteUfrag string `json:"remoteUfrag"`
	RemotePwd   string `json:"remotePwd"`
}

type createSessionResponse struct {
	SessionID   string `json:"sessionId"`
	LocalUfrag  string `json:"localUfrag"`
	LocalPwd    string `json:"localPwd"`
	Fingerprint string `json:"fingerprint"`
}

type sessionInfo struct {
	ID         string `json:"sessionId"`
	App        string `json:"app"`
	Stream     string `json:"stream"`
	LocalUfrag string `json:"localUfrag"`
}

// Server is the signaling and ops HTTP surface.
type Server struct {
	alloc         SessionAllocator
	fingerprint   string
	defaultApp    string
	defaultStream string
	log           *zap.Logger

	mu       sync.Mutex
	sessions map[string]sessionInfo
}

// NewServer builds the server. The certificate's SHA-256 fingerprint is
// precomputed for the a=fingerprint line of every answer. Requests that omit
// app or stream fall back to the defaults.
func NewServer(alloc SessionAllocator, cert tls.Certificate, defaultApp, defaultStream string, log *zap.Logger) *Server {
	return &Server{
		alloc:         alloc,
		fingerprint:   certFingerprint(cert),
		defaultApp:    defaultApp,
		defaultStream: defaultStream,
		log:           log.Named("signaling"),
		sessions:      make(map[string]sessionInfo),
	}
}

// Handler returns the chi router for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Delete("/{sessionId}", s.handleDeleteSession)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.RemoteUfrag == "" || req.RemotePwd == "" {
		http.Error(w, `{"error":"remoteUfrag and remotePwd required"}`, http.StatusBadRequest)
		return
	}
	if req.App == "" {
		req.App = s.defaultApp
	}
	if req.Stream == "" {
		req.Stream = s.defaultStream
	}

	creds, err := s.alloc.AllocateSession(req.App, req.Stream, req.RemoteUfrag, req.RemotePwd)
	if err != nil {
		s.log.Error("allocate session", zap.Error(err))
		http.Error(w, `{"error":"allocate session failed"}`, http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = sessionInfo{
		ID: id, App: req.App, Stream: req.Stream, LocalUfrag: creds.LocalUfrag,
	}
	s.mu.Unlock()

	s.log.Info("session signaled",
		zap.String("session", id),
		zap.String("app", req.App),
		zap.String("stream", req.Stream))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createSessionResponse{
		SessionID:   id,
		LocalUfrag:  creds.LocalUfrag,
		LocalPwd:    creds.LocalPwd,
		Fingerprint: s.fingerprint,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	list := make([]sessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		list = append(list, info)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"sessions": list})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")

	s.mu.Lock()
	info, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	s.alloc.ReleaseSession(info.LocalUfrag)
	s.log.Info("session released", zap.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

// certFingerprint renders the leaf certificate's SHA-256 digest in the
// colon-separated upper-hex form SDP uses.
func certFingerprint(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(cert.Certificate[0])
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
