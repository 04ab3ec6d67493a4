// Package tracker is the typed client for the external project tracker's
// GraphQL API. The rest of the system only ever sees these contract
// types, never raw API shapes.
package tracker

import "time"

// Team is a tracker team reference.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Label is a tracker label reference.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is a tracker user reference.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Project is a tracker project.
type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	Teams       []Team  `json:"teams"`
	Labels      []Label `json:"labels,omitempty"`
}

// ProjectRef is a minimal project reference carried on issues.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueState is the workflow state attached to an issue.
type IssueState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Issue is a tracker issue.
type Issue struct {
	ID          string      `json:"id"`
	Identifier  string      `json:"identifier"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	State       IssueState  `json:"state"`
	Priority    int         `json:"priority"`
	Assignee    *User       `json:"assignee,omitempty"`
	Project     *ProjectRef `json:"project,omitempty"`
	Team        Team        `json:"team"`
	Labels      []Label     `json:"labels,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// WorkflowState is a team's workflow column.
type WorkflowState struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position float64 `json:"position"`
	TeamID   string  `json:"team_id"`
}

// Comment is a comment on an issue.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

// IssueParams carries the fields for creating an issue.
type IssueParams struct {
	TeamID      string   `json:"teamId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	StateID     string   `json:"stateId,omitempty"`
	ProjectID   string   `json:"projectId,omitempty"`
	LabelIDs    []string `json:"labelIds,omitempty"`
}
