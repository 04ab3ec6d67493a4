// Package crm looks up reporters in the CRM so tickets carry the
// right customer context. Lookups are best-effort: intake proceeds
// without a contact when the CRM is unreachable.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.hubapi.com"

// Contact is the slice of a CRM contact record intake cares about.
type Contact struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
}

// FullName joins first and last, falling back to whichever is set.
func (c *Contact) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// Client talks to the HubSpot contacts search API.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (used in tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a CRM client with the given private app token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: defaultBaseURL,
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string `json:"id"`
		Properties struct {
			Email     string `json:"email"`
			FirstName string `json:"firstname"`
			LastName  string `json:"lastname"`
			Company   string `json:"company"`
		} `json:"properties"`
	} `json:"results"`
}

// ContactByEmail finds the contact with the given email. Returns
// (nil, nil) when no contact matches.
func (c *Client) ContactByEmail(ctx context.Context, email string) (*Contact, error) {
	reqBody := searchRequest{
		FilterGroups: []filterGroup{{
			Filters: []filter{{PropertyName: "email", Operator: "EQ", Value: email}},
		}},
		Properties: []string{"email", "firstname", "lastname", "company"},
		Limit:      1,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("crm: marshal search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/crm/v3/objects/contacts/search", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm: search contacts: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("crm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm: search returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("crm: decode response: %w", err)
	}
	if len(out.Results) == 0 {
		return nil, nil
	}

	r := out.Results[0]
	return &Contact{
		ID:        r.ID,
		Email:     r.Properties.Email,
		FirstName: r.Properties.FirstName,
		LastName:  r.Properties.LastName,
		Company:   r.Properties.Company,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
