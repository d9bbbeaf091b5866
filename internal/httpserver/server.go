// Package httpserver serves the indexer's operational endpoints and a small
// read-only view of the materialized threads.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/bbs/internal/domain"
)

// Store is the read side the server needs.
type Store interface {
	Ping(ctx context.Context) error
	ListCursors(ctx context.Context) ([]domain.Cursor, error)
	ListBackfills(ctx context.Context) ([]domain.BackfillState, error)
	LedgerSize(ctx context.Context, sub domain.SubscriptionID) (int64, error)
	ListThreads(ctx context.Context, limit int) ([]domain.Thread, error)
	ThreadPosts(ctx context.Context, threadID string) ([]domain.Post, error)
}

// Options configures the server.
type Options struct {
	Addr string

	// CORSOrigins may read the thread views from a browser. Empty allows
	// none.
	CORSOrigins []string

	// ReadRequestsPerMinute limits the thread views per client IP. Zero
	// disables the limit.
	ReadRequestsPerMinute int
}

// Server is the ops HTTP server.
type Server struct {
	store      Store
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a server listening on opts.Addr.
func NewServer(opts Options, store Store, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withLogging(logger))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			MaxAge:         300,
		}))
		if opts.ReadRequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(opts.ReadRequestsPerMinute, time.Minute))
		}
		r.Get("/threads", s.handleThreads)
		r.Get("/threads/*", s.handleThread)
	})

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) String() string { return "http-server" }

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type subscriptionStatus struct {
	Subscription     string     `json:"subscription"`
	Position         int64      `json:"position"`
	LedgerSize       int64      `json:"ledger_size"`
	CursorUpdatedAt  *time.Time `json:"cursor_updated_at,omitempty"`
	Backfill         string     `json:"backfill,omitempty"`
	BackfillRunID    string     `json:"backfill_run_id,omitempty"`
	BackfillRecords  int64      `json:"backfill_records,omitempty"`
	BackfillTarget   int64      `json:"backfill_target,omitempty"`
	BackfillComplete *time.Time `json:"backfill_completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cursors, err := s.store.ListCursors(ctx)
	if err != nil {
		s.internalError(w, "list cursors", err)
		return
	}
	backfills, err := s.store.ListBackfills(ctx)
	if err != nil {
		s.internalError(w, "list backfills", err)
		return
	}

	byID := make(map[domain.SubscriptionID]*subscriptionStatus)
	var order []domain.SubscriptionID
	entry := func(id domain.SubscriptionID) *subscriptionStatus {
		if st, ok := byID[id]; ok {
			return st
		}
		st := &subscriptionStatus{Subscription: string(id)}
		byID[id] = st
		order = append(order, id)
		return st
	}

	for _, c := range cursors {
		st := entry(c.SubscriptionID)
		st.Position = c.Position
		updated := c.UpdatedAt
		st.CursorUpdatedAt = &updated
	}
	for _, b := range backfills {
		st := entry(b.SubscriptionID)
		st.Backfill = string(b.Status)
		st.BackfillRunID = b.RunID
		st.BackfillRecords = b.Records
		st.BackfillTarget = b.Target
		if !b.CompletedAt.IsZero() {
			completed := b.CompletedAt
			st.BackfillComplete = &completed
		}
	}

	resp := make([]*subscriptionStatus, 0, len(order))
	for _, id := range order {
		size, err := s.store.LedgerSize(ctx, id)
		if err != nil {
			s.internalError(w, "ledger size", err)
			return
		}
		byID[id].LedgerSize = size
		resp = append(resp, byID[id])
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": resp})
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	threads, err := s.store.ListThreads(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list threads", err)
		return
	}
	views := make([]threadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, threadView{
			ID:             t.ID,
			RootPostID:     t.RootPostID,
			SectionID:      t.SectionID,
			LastActivityAt: t.LastActivityAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": views})
}

// handleThread serves /threads/{id}. Thread ids are AT-URIs, so the id is
// the rest of the path rather than a single segment.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "thread id is required")
		return
	}
	if !hasScheme(id) {
		id = "at://" + id
	}

	posts, err := s.store.ThreadPosts(r.Context(), id)
	if err != nil {
		s.internalError(w, "thread posts", err)
		return
	}
	if len(posts) == 0 {
		writeError(w, http.StatusNotFound, "NotFound", "thread not found")
		return
	}
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, newPostView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": id, "posts": views})
}

type threadView struct {
	ID             string    `json:"id"`
	RootPostID     string    `json:"root_post_id"`
	SectionID      string    `json:"section_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type postView struct {
	ID        string    `json:"id"`
	CID       string    `json:"cid"`
	AuthorID  string    `json:"author_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Deleted   bool      `json:"deleted,omitempty"`
	LikeCount int64     `json:"like_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newPostView(p domain.Post) postView {
	return postView{
		ID:        p.ID,
		CID:       p.CID,
		AuthorID:  p.AuthorID,
		ParentID:  p.ParentID,
		Title:     p.Title,
		Body:      p.Body,
		Deleted:   p.Deleted,
		LikeCount: p.LikeCount,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func hasScheme(id string) bool {
	return strings.HasPrefix(id, "at://")
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "InternalError", op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}
