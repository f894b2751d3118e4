// Package linear opens issues through Linear's GraphQL API.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/flowgate/internal/connectors"
)

const (
	DefaultAPIURL  = "https://api.linear.app/graphql"
	DefaultTimeout = 10 * time.Second
)

const issueCreateMutation = `mutation CreateIssue($input: IssueCreateInput!) {
  issueCreate(input: $input) {
    issue {
      id
      identifier
      url
    }
  }
}`

const teamsQuery = `query Teams {
  teams {
    nodes {
      id
      name
      key
    }
  }
}`

// Config configures the client.
type Config struct {
	APIKey  string
	APIURL  string
	TeamID  string
	Timeout time.Duration
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client creates Linear issues.
type Client struct {
	apiKey     string
	apiURL     string
	teamID     string
	httpClient *http.Client
}

var _ connectors.IssueTracker = (*Client)(nil)

// NewClient creates a client. API key and team are required.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("linear: api key: %w", connectors.ErrNotConfigured)
	}
	if cfg.TeamID == "" {
		return nil, fmt.Errorf("linear: team id: %w", connectors.ErrNotConfigured)
	}
	return newClient(cfg, opts), nil
}

func newClient(cfg Config, opts []ClientOption) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		apiKey:     cfg.APIKey,
		apiURL:     cfg.APIURL,
		teamID:     cfg.TeamID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Team is a Linear team. ID is the value LINEAR_TEAM_ID expects.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// ListTeams returns the teams visible to the API key. It needs no team id,
// so it can be used to find one.
func ListTeams(ctx context.Context, cfg Config, opts ...ClientOption) ([]Team, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("linear: api key: %w", connectors.ErrNotConfigured)
	}
	var data struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	if err := newClient(cfg, opts).do(ctx, graphQLRequest{Query: teamsQuery}, &data); err != nil {
		return nil, err
	}
	return data.Teams.Nodes, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// CreateIssue opens an issue in the configured team.
func (c *Client) CreateIssue(ctx context.Context, req connectors.IssueRequest) (*connectors.Issue, error) {
	var data struct {
		IssueCreate struct {
			Issue *connectors.Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	err := c.do(ctx, graphQLRequest{
		Query: issueCreateMutation,
		Variables: map[string]any{
			"input": map[string]string{
				"teamId":      c.teamID,
				"title":       req.Title,
				"description": req.Description,
			},
		},
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.IssueCreate.Issue == nil {
		return nil, fmt.Errorf("linear: issueCreate returned no issue: %w", connectors.ErrEmptyResponse)
	}
	return data.IssueCreate.Issue, nil
}

// do posts one GraphQL operation and decodes its data into out.
func (c *Client) do(ctx context.Context, gql graphQLRequest, out any) error {
	body, err := json.Marshal(gql)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	// Personal API keys go in Authorization as-is, without a Bearer prefix.
	httpReq.Header.Set("Authorization", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("linear request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &connectors.APIError{
			Service:    "linear",
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	var result graphQLResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(result.Errors) > 0 {
		messages := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			messages[i] = e.Message
		}
		return &connectors.APIError{
			Service:    "linear",
			StatusCode: resp.StatusCode,
			Message:    strings.Join(messages, "; "),
		}
	}
	if len(result.Data) == 0 || string(result.Data) == "null" {
		return fmt.Errorf("linear: response has no data: %w", connectors.ErrEmptyResponse)
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
