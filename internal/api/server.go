// Package api exposes the opsdesk REST surface: intake chat, cached
// tracker reads, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsdesk-io/opsdesk/internal/cache"
	"github.com/opsdesk-io/opsdesk/internal/identity"
	"github.com/opsdesk-io/opsdesk/internal/intake"
	"github.com/opsdesk-io/opsdesk/internal/logbuf"
	"github.com/opsdesk-io/opsdesk/internal/refresh"
	"github.com/opsdesk-io/opsdesk/internal/session"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
)

// IntakeService is the slice of the intake engine the API needs.
type IntakeService interface {
	HandleMessage(ctx context.Context, sessionID, message, userEmail string) (*intake.Result, error)
}

// IdentityService resolves reporters.
type IdentityService interface {
	Identify(ctx context.Context, email, name, team string) (*identity.User, error)
}

// TrackerSource is the slice of the tracker client the read endpoints
// load through the cache.
type TrackerSource interface {
	ProjectsByLabel(ctx context.Context, label string) ([]tracker.Project, error)
	IssuesByProjects(ctx context.Context, projectIDs []string) ([]tracker.Issue, error)
	IssuesByTeam(ctx context.Context, teamID string) ([]tracker.Issue, error)
	WorkflowStates(ctx context.Context, teamIDs []string) ([]tracker.WorkflowState, error)
	Comments(ctx context.Context, issueID string) ([]tracker.Comment, error)
	CreateComment(ctx context.Context, issueID, body string) (*tracker.Comment, error)
}

// Syncer triggers an immediate cache refresh.
type Syncer interface {
	RunOnce(ctx context.Context) error
}

// LogQuerier abstracts log querying to avoid coupling to logbuf
// directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth

	// Label scopes project listings; TeamID scopes workflow states.
	Label  string
	TeamID string
	// SessionReuseWindow is how long a session stays resumable after
	// its last update.
	SessionReuseWindow time.Duration
}

// Server is the opsdesk REST API server.
type Server struct {
	intake   IntakeService
	ident    IdentityService
	sessions session.Store
	source   TrackerSource
	cache    *cache.Cache
	syncer   Syncer
	logs     LogQuerier
	cfg      Config
	logger   *slog.Logger
	srv      *http.Server
}

// Deps bundles the server's collaborators. Optional fields (Syncer,
// Logs) may be nil.
type Deps struct {
	Intake   IntakeService
	Identity IdentityService
	Sessions session.Store
	Source   TrackerSource
	Cache    *cache.Cache
	Syncer   Syncer
	Logs     LogQuerier
}

// NewServer creates the API server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionReuseWindow <= 0 {
		cfg.SessionReuseWindow = 30 * time.Minute
	}
	s := &Server{
		intake:   deps.Intake,
		ident:    deps.Identity,
		sessions: deps.Sessions,
		source:   deps.Source,
		cache:    deps.Cache,
		syncer:   deps.Syncer,
		logs:     deps.Logs,
		cfg:      cfg,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/identify", s.requireAuth(s.handleIdentify))
	mux.HandleFunc("POST /api/session", s.requireAuth(s.handleOpenSession))
	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("GET /api/projects", s.requireAuth(s.handleListProjects))
	mux.HandleFunc("GET /api/issues", s.requireAuth(s.handleListIssues))
	mux.HandleFunc("GET /api/states", s.requireAuth(s.handleListStates))
	mux.HandleFunc("GET /api/issues/{id}/comments", s.requireAuth(s.handleListComments))
	mux.HandleFunc("POST /api/issues/{id}/comments", s.requireAuth(s.handlePostComment))
	mux.HandleFunc("POST /api/sync", s.requireAuth(s.handleSync))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identifyRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Team  string `json:"team,omitempty"`
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}

	user, err := s.ident.Identify(r.Context(), req.Email, req.Name, req.Team)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type openSessionRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Team  string `json:"team,omitempty"`
}

type openSessionResponse struct {
	Session *session.Session `json:"session"`
	Resumed bool             `json:"resumed"`
}

// handleOpenSession resumes the caller's most recent session when its
// last activity falls inside the reuse window, otherwise starts a new
// one.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}

	user, err := s.ident.Identify(r.Context(), req.Email, req.Name, req.Team)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	latest, err := s.sessions.GetLatestByEmail(req.Email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if latest != nil && time.Since(latest.UpdatedAt) < s.cfg.SessionReuseWindow {
		writeJSON(w, http.StatusOK, openSessionResponse{Session: latest, Resumed: true})
		return
	}

	sess, err := s.sessions.Create(session.Params{
		UserEmail:    user.Email,
		UserName:     user.Name,
		CRMContactID: user.CRMContactID,
		Team:         user.Team,
		TeamID:       user.TeamID,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, openSessionResponse{Session: sess})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Email     string `json:"email"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if req.Email == "" && req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email or session_id is required"})
		return
	}

	res, err := s.intake.HandleMessage(r.Context(), req.SessionID, req.Message, req.Email)
	if err != nil {
		s.logger.Error("chat turn failed", "session", req.SessionID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "I couldn't process that message. Please try again.",
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Per-route cache lifetimes: projects move slowly, issues churn,
// workflow states barely change.
const (
	projectsTTL = 5 * time.Minute
	issuesTTL   = 2 * time.Minute
	statesTTL   = 10 * time.Minute
)

// lookup reads through the cache, or forces a fresh pull when the
// request carries cache=false.
func lookup[T any](r *http.Request, c *cache.Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	if r.URL.Query().Get("cache") == "false" {
		return cache.Refresh(r.Context(), c, key, ttl, loader)
	}
	return cache.Fetch(r.Context(), c, key, ttl, loader)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	if label == "" {
		label = s.cfg.Label
	}

	projects, err := lookup(r, s.cache, refresh.ProjectsKey(label), projectsTTL,
		func(ctx context.Context) ([]tracker.Project, error) {
			return s.source.ProjectsByLabel(ctx, label)
		})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if projects == nil {
		projects = []tracker.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var key string
	var loader func(ctx context.Context) ([]tracker.Issue, error)
	switch {
	case q.Get("teamId") != "":
		teamID := q.Get("teamId")
		key = refresh.TeamIssuesKey(teamID)
		loader = func(ctx context.Context) ([]tracker.Issue, error) {
			return s.source.IssuesByTeam(ctx, teamID)
		}
	case q.Get("projectIds") != "":
		ids := strings.Split(q.Get("projectIds"), ",")
		key = refresh.IssuesKey(ids)
		loader = func(ctx context.Context) ([]tracker.Issue, error) {
			return s.source.IssuesByProjects(ctx, ids)
		}
	default:
		// No scope given: every project under the configured label.
		// Resolving projects through the cache first lands on the same
		// issue key the background refresher warms.
		projects, err := lookup(r, s.cache, refresh.ProjectsKey(s.cfg.Label), projectsTTL,
			func(ctx context.Context) ([]tracker.Project, error) {
				return s.source.ProjectsByLabel(ctx, s.cfg.Label)
			})
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		ids := make([]string, len(projects))
		for i, p := range projects {
			ids[i] = p.ID
		}
		key = refresh.IssuesKey(ids)
		loader = func(ctx context.Context) ([]tracker.Issue, error) {
			return s.source.IssuesByProjects(ctx, ids)
		}
	}

	issues, err := lookup(r, s.cache, key, issuesTTL, loader)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if issues == nil {
		issues = []tracker.Issue{}
	}

	if groupBy := r.URL.Query().Get("group_by"); groupBy != "" {
		if !tracker.ValidGrouping(groupBy) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("unsupported group_by %q", groupBy),
			})
			return
		}
		writeJSON(w, http.StatusOK, tracker.GroupIssues(issues, tracker.GroupingProperty(groupBy)))
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	teamIDs := []string{s.cfg.TeamID}
	if ids := r.URL.Query().Get("teamIds"); ids != "" {
		teamIDs = strings.Split(ids, ",")
	}

	states, err := lookup(r, s.cache, refresh.StatesKey(teamIDs), statesTTL,
		func(ctx context.Context) ([]tracker.WorkflowState, error) {
			return s.source.WorkflowStates(ctx, teamIDs)
		})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if states == nil {
		states = []tracker.WorkflowState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	comments, err := s.source.Comments(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if comments == nil {
		comments = []tracker.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

type postCommentRequest struct {
	Body string `json:"body"`
}

func (s *Server) handlePostComment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req postCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is required"})
		return
	}

	comment, err := s.source.CreateComment(r.Context(), id, req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "sync is not configured"})
		return
	}
	if err := s.syncer.RunOnce(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	f := logbuf.Filter{
		Limit:     200,
		Component: r.URL.Query().Get("component"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	// No level param leaves MinLevel nil so DEBUG entries come back too.
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		min := slog.LevelDebug
		switch strings.ToLower(lvl) {
		case "info":
			min = slog.LevelInfo
		case "warn":
			min = slog.LevelWarn
		case "error":
			min = slog.LevelError
		}
		f.MinLevel = &min
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
