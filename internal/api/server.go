package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// Registry reports connection counters for the health endpoint.
type Registry interface {
	GetStats() map[string]int
}

// Options configures the record API server.
type Options struct {
	AllowedOrigins []string
	HistoryLimit   int
	// WebSocket, when set, is mounted at GET /ws.
	WebSocket http.Handler
}

// Server is the relay's record API: sessions, threads and history. Thread
// records are rendered in two shapes, one for direct and one for course
// threads, matching what LMS clients receive from the production API.
type Server struct {
	sessions interfaces.SessionManager
	db       interfaces.DatabaseManager
	registry Registry
	opts     Options
	mux      *http.ServeMux
	handler  http.Handler
	started  time.Time
}

func NewServer(sessions interfaces.SessionManager, db interfaces.DatabaseManager, registry Registry, opts Options) *Server {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		sessions: sessions,
		db:       db,
		registry: registry,
		opts:     opts,
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}).Handler(s.mux)
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("POST /api/sessions", s.jsonMiddleware(http.HandlerFunc(s.createSession)))
	s.mux.Handle("GET /api/threads", s.jsonMiddleware(s.authMiddleware(s.listThreads)))
	s.mux.Handle("POST /api/threads", s.jsonMiddleware(s.authMiddleware(s.createThread)))
	s.mux.Handle("GET /api/threads/{id}/messages", s.jsonMiddleware(s.authMiddleware(s.threadHistory)))
	s.mux.Handle("GET /health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
	if s.opts.WebSocket != nil {
		s.mux.Handle("GET /ws", s.opts.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type CreateSessionRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type SessionResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CreateThreadRequest struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	PeerID         string   `json:"peer_id"`
	CourseID       string   `json:"course_id"`
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participant_ids"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// createSession trusts the caller's claimed identity. The relay is a
// development stand-in for the LMS login service.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.UserID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = types.RoleStudent
	}

	identity := types.Identity{UserID: req.UserID, Role: req.Role, Name: strings.TrimSpace(req.Name)}
	token, expiresAt, err := s.sessions.Issue(identity)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.db.UpsertUser(r.Context(), &types.User{ID: identity.UserID, Name: identity.Name, Role: identity.Role}); err != nil {
		log.Printf("[api] failed to record user %s: %v", identity.UserID, err)
		s.sendError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.encode(w, SessionResponse{
		Token:     token,
		UserID:    identity.UserID,
		Name:      identity.Name,
		Role:      identity.Role,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request, viewer types.Identity) {
	threads, err := s.db.ListThreadsForUser(r.Context(), viewer.UserID)
	if err != nil {
		log.Printf("[api] failed to list threads for %s: %v", viewer.UserID, err)
		s.sendError(w, "Failed to list threads", http.StatusInternalServerError)
		return
	}

	records := make([]map[string]any, 0, len(threads))
	for _, t := range threads {
		records = append(records, s.threadRecord(r.Context(), t, viewer.UserID))
	}
	s.encode(w, map[string]any{"threads": records})
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request, viewer types.Identity) {
	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	thread := &types.ThreadRecord{
		ID:        req.ID,
		Kind:      req.Type,
		Title:     strings.TrimSpace(req.Title),
		CourseID:  req.CourseID,
		CreatedAt: time.Now().UTC(),
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	switch thread.Kind {
	case types.ThreadKindDirect:
		if req.PeerID == viewer.UserID {
			s.sendError(w, "Cannot open a direct thread with yourself", http.StatusBadRequest)
			return
		}
		thread.ParticipantIDs = []string{viewer.UserID, req.PeerID}
	case types.ThreadKindCourse:
		thread.ParticipantIDs = append([]string{viewer.UserID}, req.ParticipantIDs...)
	}

	if err := s.db.CreateThread(r.Context(), thread); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrDuplicate):
			s.sendError(w, "Thread already exists", http.StatusConflict)
		case errors.Is(err, types.ErrInvalidThreadKind), errors.Is(err, types.ErrInvalidParticipants),
			errors.Is(err, types.ErrMissingCourse), errors.Is(err, types.ErrInvalidUserID),
			errors.Is(err, types.ErrInvalidThreadID):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		default:
			log.Printf("[api] failed to create thread: %v", err)
			s.sendError(w, "Failed to create thread", http.StatusInternalServerError)
		}
		return
	}

	stored, err := s.db.GetThread(r.Context(), thread.ID)
	if err != nil {
		stored = thread
	}
	w.WriteHeader(http.StatusCreated)
	s.encode(w, s.threadRecord(r.Context(), stored, viewer.UserID))
}

func (s *Server) threadHistory(w http.ResponseWriter, r *http.Request, viewer types.Identity) {
	threadID := r.PathValue("id")
	thread, err := s.db.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.sendError(w, "Thread not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to load thread", http.StatusInternalServerError)
		return
	}
	if !thread.HasParticipant(viewer.UserID) && viewer.Role != types.RoleAdmin {
		s.sendError(w, "Not a participant of this thread", http.StatusForbidden)
		return
	}

	messages, err := s.db.GetThreadHistory(r.Context(), threadID, s.opts.HistoryLimit)
	if err != nil {
		log.Printf("[api] failed to load history of %s: %v", threadID, err)
		s.sendError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}

	records := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		records = append(records, map[string]any{
			"id":          m.ID,
			"client_id":   m.ClientID,
			"thread_id":   m.ThreadID,
			"course_id":   m.CourseID,
			"sender_id":   m.SenderID,
			"sender_name": m.SenderName,
			"body":        m.Body,
			"created_at":  m.CreatedAt,
		})
	}
	s.encode(w, map[string]any{"messages": records})
}

// threadRecord renders t for viewer. Direct threads use snake_case with a
// nested peer; course threads use camelCase with a lastMessage object.
func (s *Server) threadRecord(ctx context.Context, t *types.ThreadRecord, viewerID string) map[string]any {
	if t.Kind == types.ThreadKindDirect {
		rec := map[string]any{"id": t.ID, "type": "direct"}
		if peerID, ok := t.Peer(viewerID); ok {
			peer := map[string]any{"id": peerID}
			if u, err := s.db.GetUser(ctx, peerID); err == nil {
				peer["full_name"] = u.Name
				peer["role"] = u.Role
			}
			rec["peer"] = peer
		}
		if t.LastMessage != nil {
			rec["last_message"] = map[string]any{
				"message_text": t.LastMessage.Body,
				"created_at":   t.LastMessage.CreatedAt,
			}
		}
		return rec
	}

	rec := map[string]any{
		"id":        t.ID,
		"type":      "course",
		"title":     t.Title,
		"courseId":  t.CourseID,
		"updatedAt": t.ActivityAt(),
	}
	if t.LastMessage != nil {
		rec["lastMessage"] = map[string]any{
			"text":      t.LastMessage.Body,
			"createdAt": t.LastMessage.CreatedAt,
		}
	}
	return rec
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.db.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.encode(w, resp)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, viewer types.Identity)

// authMiddleware requires a bearer session token.
func (s *Server) authMiddleware(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.sendError(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := s.sessions.Validate(strings.TrimSpace(token))
		if err != nil {
			s.sendError(w, "Invalid or expired session", http.StatusUnauthorized)
			return
		}
		next(w, r, identity)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
