package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// maxBodyBytes limits request bodies
const maxBodyBytes = 1 << 20

// Server serves the control API over HTTP
type Server struct {
	svc    *Service
	logger *slog.Logger
}

// NewServer creates a control server for svc
func NewServer(svc *Service, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// Handler returns the HTTP routes of the control API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("PUT /v1/secret", s.handleSetSecret)
	mux.HandleFunc("POST /v1/remote", s.handleCreateRemote)
	mux.HandleFunc("GET /v1/remote-id", s.handleRemoteID)
	mux.HandleFunc("PUT /v1/remote-id", s.handleSetRemoteID)
	mux.HandleFunc("POST /v1/push", s.handlePush)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/autosync", s.handleAutosync)
	mux.HandleFunc("PUT /v1/autosync", s.handleSetAutosync)
	mux.HandleFunc("GET /v1/interval", s.handleInterval)
	mux.HandleFunc("PUT /v1/interval", s.handleSetInterval)
	mux.HandleFunc("GET /v1/autostart", s.handleAutostart)
	mux.HandleFunc("PUT /v1/autostart", s.handleSetAutostart)
	mux.HandleFunc("GET /v1/diff", s.handleDiff)
	return mux
}

// Serve handles requests on l until ctx is cancelled
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// push, create and diff wait for the sync loop and the remote
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", l.Addr())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.SetSecret(r.Context(), req.Secret); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRemote(w http.ResponseWriter, r *http.Request) {
	var req createRemoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.svc.CreateRemote(r.Context(), req.Public)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, remoteIDBody{RemoteID: id})
}

func (s *Server) handleRemoteID(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.RemoteID(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, remoteIDBody{RemoteID: id})
}

func (s *Server) handleSetRemoteID(w http.ResponseWriter, r *http.Request) {
	var req remoteIDBody
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.SetRemoteID(r.Context(), req.RemoteID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Push(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	queued := s.svc.TriggerManualSync(r.Context())
	status := http.StatusAccepted
	if !queued {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, syncResponse{Queued: queued})
}

func (s *Server) handleAutosync(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.svc.Autosync(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enabledBody{Enabled: enabled})
}

func (s *Server) handleSetAutosync(w http.ResponseWriter, r *http.Request) {
	var req enabledBody
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.SetAutosync(r.Context(), req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.svc.Interval(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intervalBody{Minutes: minutes})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalBody
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.SetInterval(r.Context(), req.Minutes); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAutostart(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.svc.Autostart(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enabledBody{Enabled: enabled})
}

func (s *Server) handleSetAutostart(w http.ResponseWriter, r *http.Request) {
	var req enabledBody
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.SetAutostart(r.Context(), req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Diff(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, DiffResponse{Direction: c.Direction(), Comparison: c})
}

// decode reads a JSON body into v, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() {
		_ = r.Body.Close()
	}()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.logger.Warn("rejecting malformed request", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Code: codeBadRequest, Message: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("control request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Info("control request rejected", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
