// Package refresh keeps the tracker cache warm on a cron schedule so
// read endpoints rarely pay the upstream round trip.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsdesk-io/opsdesk/internal/cache"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
)

// Cache keys are scoped by their query parameters so the refresher
// warms exactly the entries the read API looks up.

// ProjectsKey is the cache key for projects carrying a label.
func ProjectsKey(label string) string { return "tracker:projects:" + label }

// IssuesKey is the cache key for the issues of a project set. The IDs
// are sorted so equivalent sets share an entry.
func IssuesKey(projectIDs []string) string {
	ids := append([]string(nil), projectIDs...)
	sort.Strings(ids)
	return "tracker:issues:projects:" + strings.Join(ids, ",")
}

// TeamIssuesKey is the cache key for a team's issues.
func TeamIssuesKey(teamID string) string { return "tracker:issues:team:" + teamID }

// StatesKey is the cache key for the workflow states of a team set.
func StatesKey(teamIDs []string) string {
	ids := append([]string(nil), teamIDs...)
	sort.Strings(ids)
	return "tracker:states:" + strings.Join(ids, ",")
}

// Source is the slice of the tracker client the refresher reads from.
type Source interface {
	ProjectsByLabel(ctx context.Context, label string) ([]tracker.Project, error)
	IssuesByProjects(ctx context.Context, projectIDs []string) ([]tracker.Issue, error)
	WorkflowStates(ctx context.Context, teamIDs []string) ([]tracker.WorkflowState, error)
}

// Config controls what the refresher warms and how often.
type Config struct {
	// Schedule is a cron expression or @every duration. Empty disables
	// the periodic run; RunOnce still works.
	Schedule string
	// Label selects which tracker projects are in scope.
	Label string
	// TeamIDs whose workflow states get warmed.
	TeamIDs []string
	// TTL for warmed entries. The refresher runs more often than this
	// so fresh reads never expire under normal operation.
	TTL time.Duration
}

// Refresher periodically pulls projects, issues, and workflow states
// from the tracker into the cache.
type Refresher struct {
	source Source
	store  *cache.Store
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates a refresher. It does not schedule anything until Start.
func New(source Source, store *cache.Store, cfg Config, logger *slog.Logger) *Refresher {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		source: source,
		store:  store,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the cron job and blocks until ctx is cancelled.
// An initial refresh runs immediately so the cache is warm before the
// first scheduled tick.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("initial cache refresh failed", "error", err)
	}

	if r.cfg.Schedule != "" {
		_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
			if err := r.RunOnce(context.Background()); err != nil {
				r.logger.Warn("cache refresh failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("refresh: invalid schedule %q: %w", r.cfg.Schedule, err)
		}
		r.cron.Start()
		r.logger.Info("cache refresher started", "schedule", r.cfg.Schedule)
	}

	<-ctx.Done()
	r.cron.Stop()
	r.logger.Info("cache refresher stopped")
	return ctx.Err()
}

// RunOnce performs a single full refresh. Partial failures refresh
// what they can and return the first error.
func (r *Refresher) RunOnce(ctx context.Context) error {
	started := time.Now()
	var firstErr error

	projects, err := r.source.ProjectsByLabel(ctx, r.cfg.Label)
	if err != nil {
		firstErr = fmt.Errorf("refresh: projects: %w", err)
	} else {
		if err := r.store.Set(ProjectsKey(r.cfg.Label), projects, r.cfg.TTL); err != nil {
			firstErr = err
		}

		ids := make([]string, len(projects))
		for i, p := range projects {
			ids[i] = p.ID
		}
		issues, err := r.source.IssuesByProjects(ctx, ids)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh: issues: %w", err)
			}
		} else if err := r.store.Set(IssuesKey(ids), issues, r.cfg.TTL); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(r.cfg.TeamIDs) > 0 {
		states, err := r.source.WorkflowStates(ctx, r.cfg.TeamIDs)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh: states: %w", err)
			}
		} else if err := r.store.Set(StatesKey(r.cfg.TeamIDs), states, r.cfg.TTL); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if n, err := r.store.PurgeExpired(); err == nil && n > 0 {
		r.logger.Debug("purged expired cache entries", "count", n)
	}

	r.logger.Info("cache refresh complete",
		"duration", time.Since(started).Round(time.Millisecond),
		"error", firstErr,
	)
	return firstErr
}
