// Package web exposes the tracked job set to UI consumers over a local http
// api: an ordered read projection, submit and dismiss capabilities and the
// announcement feed for toast presentation. It never mutates jobs directly,
// all writes go through the tracker.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/chrono-hq/ingestd/app/notify"
	"github.com/chrono-hq/ingestd/app/tracker"
)

// Tracker defines the job-tracking operations the api exposes
type Tracker interface {
	List() []tracker.Job
	SubmitFile(ctx context.Context, name string, r io.Reader) (tracker.Job, error)
	SubmitText(ctx context.Context, text string) (tracker.Job, error)
	Dismiss(id string)
}

// Feed provides incremental reads of recent announcements
type Feed interface {
	Since(seq int64) []notify.Announcement
}

// Config holds server configuration
type Config struct {
	Tracker      Tracker
	Feed         Feed
	Version      string
	AuthUser     string                          // basic auth user, empty user+hash disables auth
	PasswordHash string                          // bcrypt hash for basic auth
	OnLogout     func(ctx context.Context) error // ends the backend session and wipes tracked state
	MaxBodySize  int64                           // max submission size in bytes
}

// Server represents the local http api server
type Server struct {
	Config
}

// New creates a web server, validating required dependencies
func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("web server initialization failed: Tracker is required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("web server initialization failed: Feed is required")
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 16 * 1024 * 1024
	}
	return &Server{Config: cfg}, nil
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("ingestd", "chrono-hq", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.MaxBodySize),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for local api")
		router.Use(s.authMiddleware)
	}

	ingestLimiter := tollbooth.NewLimiter(1, nil)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /jobs", s.handleJobs)
		api.HandleFunc("DELETE /jobs/{id}", s.handleDismiss)
		api.HandleFunc("GET /announcements", s.handleAnnouncements)
		api.HandleFunc("POST /logout", s.handleLogout)
		api.With(tollbooth.HTTPMiddleware(ingestLimiter)).HandleFunc("POST /ingest/file", s.handleIngestFile)
		api.With(tollbooth.HTTPMiddleware(ingestLimiter)).HandleFunc("POST /ingest/text", s.handleIngestText)
	})

	return router
}

// jobsResponse is the JSON response for GET /api/v1/jobs
type jobsResponse struct {
	Jobs      []tracker.Job `json:"jobs"`
	Timestamp time.Time     `json:"timestamp"`
}

// handleJobs returns the ordered tracked-set snapshot
func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, jobsResponse{Jobs: s.Tracker.List(), Timestamp: time.Now()})
}

// handleDismiss removes a job from the tracked set, idempotent
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "job id is required")
		return
	}
	s.Tracker.Dismiss(id)
	w.WriteHeader(http.StatusNoContent)
}

// announcementsResponse is the JSON response for GET /api/v1/announcements
type announcementsResponse struct {
	Announcements []notify.Announcement `json:"announcements"`
	LastSeq       int64                 `json:"last_seq"`
}

// handleAnnouncements serves incremental reads of the announcement feed.
// Toast presenters poll with ?since=<last seen seq>.
func (s *Server) handleAnnouncements(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}

	items := s.Feed.Since(since)
	lastSeq := since
	if len(items) > 0 {
		lastSeq = items[len(items)-1].Seq
	}
	s.writeJSON(w, http.StatusOK, announcementsResponse{Announcements: items, LastSeq: lastSeq})
}

// handleIngestFile accepts a multipart file submission and starts tracking the job
func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.MaxBodySize); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close() // nolint

	job, err := s.Tracker.SubmitFile(r.Context(), header.Filename, file)
	if err != nil {
		log.Printf("[WARN] file submission failed: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "submission failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// ingestTextRequest is the JSON request for POST /api/v1/ingest/text
type ingestTextRequest struct {
	Text string `json:"text"`
}

// handleIngestText accepts a raw-text submission and starts tracking the job
func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	req := ingestTextRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	job, err := s.Tracker.SubmitText(r.Context(), req.Text)
	if err != nil {
		log.Printf("[WARN] text submission failed: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "submission failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// handleLogout ends the backend session, wiping tracked and persisted state
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.OnLogout == nil {
		s.writeJSONError(w, http.StatusNotImplemented, "logout not configured")
		return
	}
	if err := s.OnLogout(r.Context()); err != nil {
		log.Printf("[WARN] logout failed: %v", err)
		s.writeJSONError(w, http.StatusBadGateway, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authMiddleware checks basic auth against the configured bcrypt hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, passwd, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(s.AuthUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(passwd)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="ingestd"`)
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
