package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/flowgate/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the flowgate API.
type Client struct {
	baseURL    string
	reviewer   string
	httpClient *http.Client
}

// NewClient creates a client that records decisions as reviewer.
func NewClient(baseURL, reviewer string) *Client {
	return &Client{
		baseURL:  baseURL,
		reviewer: reviewer,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Reviewer returns the name decisions are recorded under.
func (c *Client) Reviewer() string { return c.reviewer }

// ListWorkflows fetches workflows, optionally filtered by state.
func (c *Client) ListWorkflows(state models.State) ([]models.Workflow, error) {
	path := "/workflows"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var workflows []models.Workflow
	if err := c.get(path, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// GetWorkflow fetches a single workflow.
func (c *Client) GetWorkflow(id string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := c.get("/workflows/"+url.PathEscape(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetEvents fetches a workflow's ledger.
func (c *Client) GetEvents(id string) ([]models.Event, error) {
	var events []models.Event
	if err := c.get("/workflows/"+url.PathEscape(id)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CreateWorkflow submits a new request.
func (c *Client) CreateWorkflow(requestText string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := c.post("/workflows", map[string]string{"request_text": requestText}, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Decision is the API's answer to an approve or reject call.
type Decision struct {
	Status        models.Decision     `json:"status"`
	WorkflowID    string              `json:"workflow_id"`
	State         models.State        `json:"state"`
	ActionStatus  models.ActionStatus `json:"action_status"`
	PendingAction models.Action       `json:"pending_action"`
}

// Decide records the reviewer's decision on a workflow.
func (c *Client) Decide(id string, decision models.Decision, notes string) (*Decision, error) {
	body := map[string]string{
		"decision": string(decision),
		"reviewer": c.reviewer,
		"notes":    notes,
	}
	var result Decision
	if err := c.post("/workflows/"+url.PathEscape(id)+"/approve", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CheckHealth reports whether the API and its database are up.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusOK && health.OK, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *Client) post(path string, data, out any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
