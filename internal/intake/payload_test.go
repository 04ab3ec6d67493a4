package intake

import (
	"strings"
	"testing"

	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/internal/session"
)

func TestBuildIssueParams(t *testing.T) {
	cls := urgentClassification()
	sess := &session.Session{
		ID:        "sess-1",
		UserEmail: "ada@example.com",
		UserName:  "Ada Lovelace",
		Team:      "Sales",
	}
	cfg := Config{TeamID: "team-1", StateID: "state-1"}

	p := BuildIssueParams(cls, sess, cfg)

	if p.Title != cls.Title {
		t.Errorf("title = %q", p.Title)
	}
	if p.TeamID != "team-1" || p.StateID != "state-1" {
		t.Errorf("routing = %+v", p)
	}
	if p.Priority != 1 {
		t.Errorf("priority = %d, want 1", p.Priority)
	}
	for _, want := range []string{
		"Summary: " + cls.Summary,
		"Areas: data-sync, reporting",
		"Risk flags: blocking pipeline reports",
		"Reported by: Ada Lovelace",
		"Team: Sales",
	} {
		if !strings.Contains(p.Description, want) {
			t.Errorf("description missing %q:\n%s", want, p.Description)
		}
	}
}

func TestBuildIssueParams_EmailFallbackAndDefaults(t *testing.T) {
	cls := &classify.Classification{
		Title:   "Sensor feed gap",
		Type:    classify.TypeDataIssue,
		Summary: "Feed drops rows overnight.",
	}
	sess := &session.Session{ID: "sess-2", UserEmail: "grace@example.com"}

	p := BuildIssueParams(cls, sess, Config{})

	if !strings.Contains(p.Description, "Reported by: grace@example.com") {
		t.Errorf("description = %q", p.Description)
	}
	if strings.Contains(p.Description, "Team:") {
		t.Errorf("description should omit empty team:\n%s", p.Description)
	}
	if p.Priority != 3 {
		t.Errorf("priority = %d, want default 3", p.Priority)
	}
}
