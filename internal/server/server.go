// Package server provides the HTTP transport for the MCP server: the
// JSON-RPC endpoint, the REST tool surface, and bearer authentication.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"mongo-mcp/internal/auth"
	"mongo-mcp/internal/mcp"
)

// maxBodyBytes bounds a single inbound message.
const maxBodyBytes = 4 << 20

// Server routes HTTP traffic into the dispatcher.
type Server struct {
	router     *chi.Mux
	dispatcher *mcp.Dispatcher
	verifier   auth.Verifier
	log        *logrus.Logger
}

// New constructs a Server with middleware and routes configured. A nil
// verifier leaves the endpoints open.
func New(dispatcher *mcp.Dispatcher, verifier auth.Verifier, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		verifier:   verifier,
		log:        log,
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/mcp", func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/", s.handleRPC)
		r.Get("/tools", s.handleListTools)
		r.Post("/call", s.handleCall)
	})

	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		subject, err := s.verifier.Verify(token)
		if err != nil {
			s.log.WithError(err).Debug("token rejected")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		s.log.WithField("subject", subject).Debug("request authenticated")
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRPC carries one JSON-RPC message per POST. Notifications get 202
// with no body; everything else gets exactly one reply. Decode and dispatch
// faults all surface as structured replies, never as transport errors.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}
	reply := s.dispatcher.Handle(r.Context(), body)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(reply); err != nil {
		// Client went away mid-reply; the invocation already completed.
		s.log.WithError(err).Debug("client disconnected before reply was written")
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.dispatcher.Tools()})
}

type callRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleCall is the REST convenience surface: {name, arguments} in, tool
// result or classified error out, with the class mapped onto an HTTP status.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: tool name required"})
		return
	}
	result, rpcErr := s.dispatcher.Call(r.Context(), req.Name, req.Arguments)
	if rpcErr != nil {
		writeJSON(w, statusFor(rpcErr.Code), map[string]any{"error": rpcErr})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusFor(code int) int {
	switch code {
	case mcp.CodeUnknownTool:
		return http.StatusNotFound
	case mcp.CodeInvalidParams, mcp.CodeInvalidRequest:
		return http.StatusBadRequest
	case mcp.CodeTimeout:
		return http.StatusGatewayTimeout
	case mcp.CodeUnavailable:
		return http.StatusServiceUnavailable
	case mcp.CodeStoreFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}
