// Package web implements the JSON API server for coverd. All job control
// goes through here: starting regeneration, pause/resume/cancel, restores and
// status/transition queries. There is no HTML UI, clients are the mobile apps
// and curl/jq.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/covergen/coverd/app/persist"
	"github.com/covergen/coverd/app/store"
)

// Scheduler is the orchestrator surface exposed over the API
type Scheduler interface {
	Start(ctx context.Context, playlistID string, trackIDs []string, covers map[string]string) error
	Pause(playlistID string) bool
	Resume(playlistID string) bool
	Cancel(playlistID string) bool
	RestoreTrack(playlistID, trackID string) bool
	RestoreAll(playlistID string) int
	UndoRestore(playlistID, trackID string) bool
	Job(playlistID string) (*store.Job, bool)
	List() []*store.Job
}

// Transitions provides the recorded audit trail for a playlist
type Transitions interface {
	Transitions(playlistID string, limit int) ([]persist.Transition, error)
}

// Server represents the API server
type Server struct {
	scheduler    Scheduler
	transitions  Transitions
	version      string
	passwordHash string // bcrypt hash for basic auth, empty disables auth
	startTime    time.Time
}

// Config holds server configuration
type Config struct {
	Scheduler    Scheduler
	Transitions  Transitions // optional, transitions endpoint returns 501 without it
	Version      string
	PasswordHash string // bcrypt hash for basic auth (empty to disable)
}

// startLimiter caps job creation rate, regeneration fan-out is expensive upstream
var startLimiter = tollbooth.NewLimiter(10, nil)

// New creates the API server
func New(cfg Config) (*Server, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("web server initialization failed: Scheduler is required")
	}
	return &Server{
		scheduler:    cfg.Scheduler,
		transitions:  cfg.Transitions,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		startTime:    time.Now(),
	}, nil
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

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("coverd", "covergen", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for API")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.With(tollbooth.HTTPMiddleware(startLimiter)).HandleFunc("POST /jobs", s.handleStartJob)
		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
		api.HandleFunc("POST /jobs/{id}/control", s.handleControlJob)
		api.HandleFunc("POST /jobs/{id}/restore", s.handleRestore)
		api.HandleFunc("POST /jobs/{id}/undo", s.handleUndo)
		api.HandleFunc("GET /jobs/{id}/transitions", s.handleTransitions)
		api.HandleFunc("GET /status", s.handleStatus)
	})

	return router
}

// authMiddleware enforces basic auth with the fixed "coverd" user
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == "coverd" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="coverd API"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
