package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the tracker's GraphQL endpoint.
type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom GraphQL endpoint URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a tracker client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.linear.app/graphql",
		apiKey:  apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// do executes one GraphQL call and decodes the data payload into out.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("tracker: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tracker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracker: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker: api error (status %d): %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return fmt.Errorf("tracker: unmarshal response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("tracker: graphql error: %s", gqlResp.Errors[0].Message)
	}
	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return fmt.Errorf("tracker: decode data: %w", err)
	}
	return nil
}

// --- wire shapes (node wrappers flattened before returning) ---

type nodes[T any] struct {
	Nodes []T `json:"nodes"`
}

type wireProject struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	State       string       `json:"state"`
	Progress    float64      `json:"progress"`
	Teams       nodes[Team]  `json:"teams"`
	Labels      nodes[Label] `json:"labels"`
}

func (w wireProject) flatten() Project {
	return Project{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		State:       w.State,
		Progress:    w.Progress,
		Teams:       w.Teams.Nodes,
		Labels:      w.Labels.Nodes,
	}
}

type wireIssue struct {
	ID          string       `json:"id"`
	Identifier  string       `json:"identifier"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	State       IssueState   `json:"state"`
	Priority    int          `json:"priority"`
	Assignee    *User        `json:"assignee"`
	Project     *ProjectRef  `json:"project"`
	Team        Team         `json:"team"`
	Labels      nodes[Label] `json:"labels"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (w wireIssue) flatten() Issue {
	return Issue{
		ID:          w.ID,
		Identifier:  w.Identifier,
		Title:       w.Title,
		Description: w.Description,
		State:       w.State,
		Priority:    w.Priority,
		Assignee:    w.Assignee,
		Project:     w.Project,
		Team:        w.Team,
		Labels:      w.Labels.Nodes,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

const issueFields = `
	id
	identifier
	title
	description
	state { id name type }
	priority
	assignee { id name email }
	project { id name }
	team { id name }
	labels { nodes { id name } }
	createdAt
	updatedAt`

// ProjectsByLabel fetches projects carrying the given label.
func (c *Client) ProjectsByLabel(ctx context.Context, label string) ([]Project, error) {
	const query = `query ProjectsByLabel($label: String!) {
		projects(filter: { labels: { name: { eq: $label } } }) {
			nodes {
				id
				name
				description
				state
				progress
				teams { nodes { id name } }
				labels { nodes { id name } }
			}
		}
	}`

	var data struct {
		Projects nodes[wireProject] `json:"projects"`
	}
	if err := c.do(ctx, query, map[string]any{"label": label}, &data); err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(data.Projects.Nodes))
	for _, p := range data.Projects.Nodes {
		projects = append(projects, p.flatten())
	}
	return projects, nil
}

// IssuesByProjects fetches all issues belonging to the given projects.
func (c *Client) IssuesByProjects(ctx context.Context, projectIDs []string) ([]Issue, error) {
	if len(projectIDs) == 0 {
		return []Issue{}, nil
	}

	query := `query IssuesByProjects($ids: [ID!]!) {
		issues(filter: { project: { id: { in: $ids } } }) {
			nodes {` + issueFields + `
			}
		}
	}`

	var data struct {
		Issues nodes[wireIssue] `json:"issues"`
	}
	if err := c.do(ctx, query, map[string]any{"ids": projectIDs}, &data); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(data.Issues.Nodes))
	for _, i := range data.Issues.Nodes {
		issues = append(issues, i.flatten())
	}
	return issues, nil
}

// IssuesByTeam fetches all issues for a team.
func (c *Client) IssuesByTeam(ctx context.Context, teamID string) ([]Issue, error) {
	query := `query IssuesByTeam($teamId: ID!) {
		issues(filter: { team: { id: { eq: $teamId } } }) {
			nodes {` + issueFields + `
			}
		}
	}`

	var data struct {
		Issues nodes[wireIssue] `json:"issues"`
	}
	if err := c.do(ctx, query, map[string]any{"teamId": teamID}, &data); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(data.Issues.Nodes))
	for _, i := range data.Issues.Nodes {
		issues = append(issues, i.flatten())
	}
	return issues, nil
}

// WorkflowStates fetches the workflow states for the given teams.
func (c *Client) WorkflowStates(ctx context.Context, teamIDs []string) ([]WorkflowState, error) {
	if len(teamIDs) == 0 {
		return []WorkflowState{}, nil
	}

	const query = `query WorkflowStates($teamIds: [ID!]!) {
		workflowStates(filter: { team: { id: { in: $teamIds } } }) {
			nodes {
				id
				name
				type
				position
				team { id }
			}
		}
	}`

	var data struct {
		WorkflowStates nodes[struct {
			ID       string  `json:"id"`
			Name     string  `json:"name"`
			Type     string  `json:"type"`
			Position float64 `json:"position"`
			Team     struct {
				ID string `json:"id"`
			} `json:"team"`
		}] `json:"workflowStates"`
	}
	if err := c.do(ctx, query, map[string]any{"teamIds": teamIDs}, &data); err != nil {
		return nil, err
	}

	states := make([]WorkflowState, 0, len(data.WorkflowStates.Nodes))
	for _, s := range data.WorkflowStates.Nodes {
		states = append(states, WorkflowState{
			ID:       s.ID,
			Name:     s.Name,
			Type:     s.Type,
			Position: s.Position,
			TeamID:   s.Team.ID,
		})
	}
	return states, nil
}

// Comments fetches the comments on an issue, oldest first.
func (c *Client) Comments(ctx context.Context, issueID string) ([]Comment, error) {
	const query = `query IssueComments($id: String!) {
		issue(id: $id) {
			comments {
				nodes {
					id
					body
					user { id name email }
					createdAt
				}
			}
		}
	}`

	var data struct {
		Issue struct {
			Comments nodes[Comment] `json:"comments"`
		} `json:"issue"`
	}
	if err := c.do(ctx, query, map[string]any{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue.Comments.Nodes == nil {
		return []Comment{}, nil
	}
	return data.Issue.Comments.Nodes, nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) (*Comment, error) {
	const query = `mutation CommentCreate($input: CommentCreateInput!) {
		commentCreate(input: $input) {
			comment {
				id
				body
				user { id name email }
				createdAt
			}
		}
	}`

	var data struct {
		CommentCreate struct {
			Comment Comment `json:"comment"`
		} `json:"commentCreate"`
	}
	input := map[string]any{"issueId": issueID, "body": body}
	if err := c.do(ctx, query, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	return &data.CommentCreate.Comment, nil
}

// CreateIssue files a new issue and returns it. This is the ticket sink
// for the intake engine: the engine calls it at most once per confirmed
// classification.
func (c *Client) CreateIssue(ctx context.Context, p IssueParams) (*Issue, error) {
	const query = `mutation IssueCreate($input: IssueCreateInput!) {
		issueCreate(input: $input) {
			issue {` + issueFields + `
			}
		}
	}`

	input := map[string]any{
		"teamId": p.TeamID,
		"title":  p.Title,
	}
	if p.Description != "" {
		input["description"] = p.Description
	}
	if p.Priority > 0 {
		input["priority"] = p.Priority
	}
	if p.StateID != "" {
		input["stateId"] = p.StateID
	}
	if p.ProjectID != "" {
		input["projectId"] = p.ProjectID
	}
	if len(p.LabelIDs) > 0 {
		input["labelIds"] = p.LabelIDs
	}

	var data struct {
		IssueCreate struct {
			Issue wireIssue `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := c.do(ctx, query, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	issue := data.IssueCreate.Issue.flatten()
	return &issue, nil
}
