// Package classify defines the ticket classification contract and the
// oracle client that extracts classifications from an intake conversation.
package classify

// Ticket type values.
const (
	TypeBug           = "bug"
	TypeEnhancement   = "enhancement"
	TypeNewBuild      = "new-build"
	TypeDataIssue     = "data-issue"
	TypeAccess        = "access"
	TypeInvestigation = "investigation"
	TypeIntegration   = "integration"
	TypeSupport       = "support"
)

// Priority values, highest first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Classification is the structured extraction of a ticket's salient
// fields, produced only by the oracle.
type Classification struct {
	Title     string   `json:"title"`
	Type      string   `json:"type"`
	Platforms []string `json:"platforms"`
	Systems   []string `json:"systems"`
	Areas     []string `json:"areas"`
	Priority  string   `json:"priority"`
	Scope     string   `json:"scope"`
	Frequency string   `json:"frequency"`
	RiskFlags []string `json:"risk_flags"`
	Summary   string   `json:"summary"`
}

// PriorityOrdinal maps a priority label to the tracker's numeric scale
// (1 = urgent .. 4 = low). Unrecognized labels map to medium.
func PriorityOrdinal(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// Result statuses.
const (
	StatusNeedMoreInfo = "need_more_info"
	StatusReady        = "ready"
	StatusCreate       = "create"
)

// Result is the oracle's verdict for one turn: a follow-up question,
// a classification awaiting confirmation, or approval to create.
type Result struct {
	Status         string          `json:"status"`
	Question       string          `json:"question,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}
