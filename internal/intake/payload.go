package intake

import (
	"fmt"
	"strings"

	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/internal/session"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
)

// BuildIssueParams projects a classification onto the ticket sink's
// input. Pure and total: every classification yields exactly one
// payload. The description folds in the summary, the affected areas,
// any risk flags, and the reporter's identity.
func BuildIssueParams(c *classify.Classification, sess *session.Session, cfg Config) tracker.IssueParams {
	reporter := sess.UserName
	if reporter == "" {
		reporter = sess.UserEmail
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %s\n", c.Summary)
	fmt.Fprintf(&b, "Areas: %s\n", strings.Join(c.Areas, ", "))
	fmt.Fprintf(&b, "Risk flags: %s\n", strings.Join(c.RiskFlags, ", "))
	fmt.Fprintf(&b, "\nReported by: %s", reporter)
	if sess.Team != "" {
		fmt.Fprintf(&b, "\nTeam: %s", sess.Team)
	}

	return tracker.IssueParams{
		TeamID:      cfg.TeamID,
		Title:       c.Title,
		Description: b.String(),
		Priority:    classify.PriorityOrdinal(c.Priority),
		StateID:     cfg.StateID,
	}
}
