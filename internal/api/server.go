// Package api serves the operator HTTP interface: digest inspection and
// manual edits, submissions, dead letters, and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/digestd/internal/auth"
	"github.io/infrasutra/digestd/internal/digest"
	"github.io/infrasutra/digestd/internal/pagination"
	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/queue"
	"github.io/infrasutra/digestd/internal/sse"
	"github.io/infrasutra/digestd/internal/store"
)

// Digests is the part of digest.Service the API drives.
type Digests interface {
	Submit(to, subject, body string)
	Get(ctx context.Context, id string) (store.Record, error)
	ListAll(ctx context.Context) ([]store.Record, error)
	Edit(ctx context.Context, id string) (*store.Edit, error)
	Commit(ctx context.Context, edit *store.Edit) error
	Remove(ctx context.Context, edit *store.Edit) error
	Release(edit *store.Edit)
	DeadLetters() []queue.DeadLetter
	ClearDeadLetters() int
	Stats() digest.Stats
	Ping(ctx context.Context) error
}

type Server struct {
	digests Digests
	auth    *auth.Manager
	hub     *sse.Hub
	logger  *slog.Logger
	mux     *http.ServeMux
	metrics http.Handler
}

func NewServer(digests Digests, authManager *auth.Manager, hub *sse.Hub, logger *slog.Logger) *Server {
	server := &Server{
		digests: digests,
		auth:    authManager,
		hub:     hub,
		logger:  logger,
		metrics: newMetricsHandler(digests, hub),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/digests", server.handleDigests)
	mux.HandleFunc("/api/digests/", server.handleDigest)
	mux.HandleFunc("/api/deadletters", server.handleDeadLetters)
	mux.HandleFunc("/api/stream", server.handleStream)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch path := r.URL.Path; {
	case strings.HasPrefix(path, "/api/"):
		if !s.auth.Enabled() {
			http.Error(w, "operator API disabled: no operator password configured", http.StatusServiceUnavailable)
			return
		}
		s.mux.ServeHTTP(w, r)
	case path == "/health":
		s.handleHealth(w, r)
	case path == "/ready":
		s.handleReady(w, r)
	case path == "/metrics":
		s.metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email, err := auth.NormalizeEmail(payload.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	token, err := s.auth.Login(email, payload.Password, now)
	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		s.logger.Warn("operator login rejected", "email", email)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, auth.ErrNotAllowed):
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	case errors.Is(err, auth.ErrLoginDisabled):
		http.Error(w, "operator login disabled", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.logger.Info("operator login", "email", email)
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleDigests(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleDigestList(w, r)
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDigestList(w http.ResponseWriter, r *http.Request) {
	records, err := s.digests.ListAll(r.Context())
	if err != nil {
		s.logger.Error("list digests", "error", err)
		http.Error(w, "unable to list digests", http.StatusInternalServerError)
		return
	}
	params := pagination.FromQuery(r.URL.Query())
	page := pagination.Window(records, params)

	response := struct {
		Digests []digestSummary `json:"digests"`
		Total   int             `json:"total"`
		Page    int             `json:"page"`
		HasMore bool            `json:"hasMore"`
	}{
		Digests: make([]digestSummary, 0, len(page)),
		Total:   len(records),
		Page:    params.Page,
		HasMore: pagination.HasNext(params, len(records)),
	}
	for _, record := range page {
		response.Digests = append(response.Digests, toSummary(record))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	to := strings.TrimSpace(payload.To)
	if to == "" {
		http.Error(w, "recipient required", http.StatusBadRequest)
		return
	}
	s.digests.Submit(to, payload.Subject, payload.Body)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/digests/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleDigestDetail(w, r, id)
		case http.MethodDelete:
			s.handleDigestDelete(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 3 && parts[1] == "periods" {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key, err := period.Parse(parts[2])
		if err != nil {
			http.Error(w, "invalid period", http.StatusBadRequest)
			return
		}
		s.handlePeriodDelete(w, r, id, key)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) handleDigestDetail(w http.ResponseWriter, r *http.Request, id string) {
	record, err := s.digests.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, "load digest", err)
		return
	}
	s.respondJSON(w, http.StatusOK, toDetail(record))
}

func (s *Server) handleDigestDelete(w http.ResponseWriter, r *http.Request, id string) {
	edit, err := s.digests.Edit(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, "edit digest", err)
		return
	}
	defer s.digests.Release(edit)

	if err := s.digests.Remove(r.Context(), edit); err != nil {
		s.respondStoreError(w, "remove digest", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePeriodDelete(w http.ResponseWriter, r *http.Request, id string, key period.Key) {
	edit, err := s.digests.Edit(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, "edit digest", err)
		return
	}
	defer s.digests.Release(edit)

	if len(edit.Messages(key)) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	edit.Clear(key)
	if edit.Empty() {
		err = s.digests.Remove(r.Context(), edit)
	} else {
		err = s.digests.Commit(r.Context(), edit)
	}
	if err != nil {
		s.respondStoreError(w, "clear period", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	email, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodDelete:
		cleared := s.digests.ClearDeadLetters()
		s.logger.Info("dead letters cleared by operator", "email", email, "count", cleared)
		s.respondJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	letters := s.digests.DeadLetters()
	response := make([]deadLetterView, 0, len(letters))
	for _, letter := range letters {
		response = append(response, deadLetterView{
			To:         letter.Item.Message.To,
			Subject:    letter.Item.Message.Subject,
			Attempts:   letter.Item.Attempts,
			Reason:     letter.Reason,
			EnqueuedAt: letter.Item.EnqueuedAt.UTC().Format(time.RFC3339),
			FailedAt:   letter.FailedAt.UTC().Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deadLetters": response})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		id = sse.All
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	email, err := s.auth.Parse(cookie.Value, time.Now())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return email, true
}

func (s *Server) respondStoreError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInUse):
		http.Error(w, "digest is being edited", http.StatusConflict)
	default:
		s.logger.Error(action, "error", err)
		http.Error(w, "unable to "+action, http.StatusInternalServerError)
	}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.digests.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
