package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{APIKey: "lin_api_test", APIURL: srv.URL, TeamID: "team-1"},
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	require.NoError(t, err)
	return c
}

func TestCreateIssue(t *testing.T) {
	var got graphQLRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "lin_api_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Write([]byte(`{"data":{"issueCreate":{"issue":{"id":"iss-1","identifier":"OPS-7","url":"https://linear.app/acme/issue/OPS-7"}}}}`))
	})

	issue, err := c.CreateIssue(context.Background(), connectors.IssueRequest{Title: "Refund", Description: "Order 42"})
	require.NoError(t, err)
	assert.Equal(t, &connectors.Issue{ID: "iss-1", Identifier: "OPS-7", URL: "https://linear.app/acme/issue/OPS-7"}, issue)

	assert.Contains(t, got.Query, "issueCreate")
	input := got.Variables["input"].(map[string]any)
	assert.Equal(t, "team-1", input["teamId"])
	assert.Equal(t, "Refund", input["title"])
	assert.Equal(t, "Order 42", input["description"])
}

func TestCreateIssueHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})

	_, err := c.CreateIssue(context.Background(), connectors.IssueRequest{Title: "x"})
	var apiErr *connectors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.ErrorIs(t, err, connectors.ErrServerError)
}

func TestCreateIssueGraphQLErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Entity not found: Team"},{"message":"Argument Validation Error"}]}`))
	})

	_, err := c.CreateIssue(context.Background(), connectors.IssueRequest{Title: "x"})
	var apiErr *connectors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Entity not found: Team; Argument Validation Error", apiErr.Message)
}

func TestCreateIssueMissingIssue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"issueCreate":{"issue":null}}}`))
	})

	_, err := c.CreateIssue(context.Background(), connectors.IssueRequest{Title: "x"})
	assert.ErrorIs(t, err, connectors.ErrEmptyResponse)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{TeamID: "t"})
	assert.ErrorIs(t, err, connectors.ErrNotConfigured)

	_, err = NewClient(Config{APIKey: "k"})
	assert.ErrorIs(t, err, connectors.ErrNotConfigured)
}

func TestCreateIssueTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{APIKey: "lin_api_test", APIURL: srv.URL, TeamID: "team-1", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.CreateIssue(context.Background(), connectors.IssueRequest{Title: "x"})
	assert.Error(t, err)
}

func TestListTeams(t *testing.T) {
	var got graphQLRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lin_api_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"teams":{"nodes":[{"id":"team-1","name":"Operations","key":"OPS"},{"id":"team-2","name":"Billing","key":"BIL"}]}}}`))
	}))
	defer srv.Close()

	teams, err := ListTeams(context.Background(), Config{APIKey: "lin_api_test", APIURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []Team{
		{ID: "team-1", Name: "Operations", Key: "OPS"},
		{ID: "team-2", Name: "Billing", Key: "BIL"},
	}, teams)
	assert.Contains(t, got.Query, "teams")
	assert.Empty(t, got.Variables)
}

func TestListTeamsErrors(t *testing.T) {
	_, err := ListTeams(context.Background(), Config{})
	assert.ErrorIs(t, err, connectors.ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Authentication required"}]}`))
	}))
	defer srv.Close()

	_, err = ListTeams(context.Background(), Config{APIKey: "bad", APIURL: srv.URL})
	var apiErr *connectors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Authentication required", apiErr.Message)
}
