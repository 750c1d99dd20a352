package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/activity-scout/internal/crawler"
	"github.com/JakeFAU/activity-scout/internal/extractor"
	"github.com/JakeFAU/activity-scout/internal/metrics"
)

// ActivityReader is the read side of the activity store.
type ActivityReader interface {
	List(ctx context.Context) ([]crawler.ActivityRecord, error)
	Count(ctx context.Context) (int, error)
}

// SiteReader exposes the site ledger.
type SiteReader interface {
	Sites() []crawler.SiteRecord
}

// Server wires HTTP handlers to the activity store and ledger.
type Server struct {
	router     chi.Router
	activities ActivityReader
	sites      SiteReader
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. sites may be nil.
func NewServer(activities ActivityReader, sites SiteReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{activities: activities, sites: sites, logger: logger}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/activities", s.listActivities)
		r.Get("/sites", s.listSites)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	n, err := s.activities.Count(r.Context())
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "activity store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "activities": n})
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	filter := ""
	if raw := r.URL.Query().Get("postcode"); raw != "" {
		pc, ok := extractor.CanonicalPostcode(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid postcode")
			return
		}
		filter = pc
	}
	records, err := s.activities.List(r.Context())
	if err != nil {
		s.logger.Error("list activities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list activities")
		return
	}
	out := make([]activityView, 0, len(records))
	for _, rec := range records {
		if filter != "" && rec.Postcode != filter {
			continue
		}
		out = append(out, newActivityView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": out, "count": len(out)})
}

func (s *Server) listSites(w http.ResponseWriter, _ *http.Request) {
	if s.sites == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sites": []siteView{}})
		return
	}
	records := s.sites.Sites()
	out := make([]siteView, 0, len(records))
	for _, rec := range records {
		out = append(out, newSiteView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": out})
}

type activityView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Postcode    string    `json:"postcode"`
	WebsiteURL  string    `json:"website_url"`
	AgeMin      *int      `json:"age_min,omitempty"`
	AgeMax      *int      `json:"age_max,omitempty"`
	AgeRange    string    `json:"age_range,omitempty"`
	Price       *float64  `json:"price,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	PriceText   string    `json:"price_text,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

func newActivityView(rec crawler.ActivityRecord) activityView {
	return activityView{
		ID:          rec.ID,
		Title:       rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
		Postcode:    rec.Postcode,
		WebsiteURL:  rec.SourceURL,
		AgeMin:      rec.AgeRange.Min,
		AgeMax:      rec.AgeRange.Max,
		AgeRange:    rec.AgeRange.Text,
		Price:       rec.Price.Amount,
		Currency:    rec.Price.Currency,
		PriceText:   rec.Price.Text,
		FirstSeen:   rec.FirstSeen,
		LastSeen:    rec.LastSeen,
	}
}

type siteView struct {
	Origin              string     `json:"origin"`
	Relevance           string     `json:"relevance"`
	SuccessCount        int64      `json:"success_count"`
	FailCount           int64      `json:"fail_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Robots              string     `json:"robots"`
	LastVisited         *time.Time `json:"last_visited,omitempty"`
}

func newSiteView(rec crawler.SiteRecord) siteView {
	v := siteView{
		Origin:              rec.Origin,
		Relevance:           string(rec.Relevance),
		SuccessCount:        rec.SuccessCount,
		FailCount:           rec.FailCount,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Robots:              string(rec.Robots.Verdict),
	}
	if !rec.LastVisited.IsZero() {
		t := rec.LastVisited
		v.LastVisited = &t
	}
	return v
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.Any("request_id", r.Context().Value(requestIDKey{})),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
