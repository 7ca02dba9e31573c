package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
)

// HTTPServer exposes the admin service over loopback-style JSON HTTP. No
// auth layer: bind it to localhost or front it with something that has one.
type HTTPServer struct {
	svc    *Service
	server *http.Server
}

func NewHTTPServer(svc *Service, host string, port int) *HTTPServer {
	h := &HTTPServer{svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users", h.handleListUsers)
	mux.HandleFunc("GET /v1/users/{id}", h.handleGetUser)
	mux.HandleFunc("PUT /v1/users/{id}/score", h.handleSetScore)
	mux.HandleFunc("PUT /v1/users/{id}/type", h.handleSetType)
	mux.HandleFunc("PUT /v1/users/{id}/notes", h.handleSetNotes)
	mux.HandleFunc("GET /v1/users/{id}/entries", h.handleEntries)
	mux.HandleFunc("DELETE /v1/users/{id}/entries", h.handleClearEntries)
	mux.HandleFunc("GET /v1/outbox", h.handleOutbox)

	h.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (h *HTTPServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("admin", "Admin gateway listening", map[string]any{
			"addr": h.server.Addr,
		})
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin gateway: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	}
}

type userView struct {
	ID               string `json:"id"`
	Score            int    `json:"score"`
	Type             string `json:"type"`
	TypeOverride     string `json:"type_override,omitempty"`
	EffectiveType    string `json:"effective_type"`
	Notes            string `json:"notes,omitempty"`
	InteractionCount int    `json:"interaction_count"`
}

func viewOf(u memory.User) userView {
	return userView{
		ID:               u.ID,
		Score:            u.Score,
		Type:             string(u.Type),
		TypeOverride:     string(u.TypeOverride),
		EffectiveType:    string(u.EffectiveType()),
		Notes:            u.Notes,
		InteractionCount: u.InteractionCount,
	}
}

func (h *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, viewOf(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
}

func (h *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(user))
}

func (h *HTTPServer) handleSetScore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Score int `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.svc.SetScore(r.Context(), r.PathValue("id"), body.Score)
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(user))
}

func (h *HTTPServer) handleSetType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.svc.SetTypeOverride(r.Context(), r.PathValue("id"), body.Type)
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(user))
}

func (h *HTTPServer) handleSetNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := h.svc.SetNotes(r.Context(), r.PathValue("id"), body.Notes)
	if err != nil {
		writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(user))
}

func (h *HTTPServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	var (
		entries []memory.Entry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = h.svc.SearchEntries(r.Context(), id, q, limit)
	} else {
		entries, err = h.svc.RecentEntries(r.Context(), id, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type entryView struct {
		ID        string            `json:"id"`
		Role      string            `json:"role"`
		Content   string            `json:"content"`
		Tags      map[string]string `json:"tags,omitempty"`
		CreatedAt time.Time         `json:"created_at"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:        e.ID,
			Role:      e.Role,
			Content:   e.Content,
			Tags:      e.Tags,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (h *HTTPServer) handleClearEntries(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearEntries(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (h *HTTPServer) handleOutbox(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		writeError(w, http.StatusBadRequest, errors.New("platform query parameter is required"))
		return
	}
	pending, err := h.svc.PendingOutbox(r.Context(), platform)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func writeUserError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrUnknownUser) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
