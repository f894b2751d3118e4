package controlplane

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fentz26/flowgate/internal/analysis"
	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/fentz26/flowgate/internal/dispatch"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubClassifier struct {
	mu  sync.Mutex
	raw string
}

func (c *stubClassifier) set(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = raw
}

func (c *stubClassifier) Classify(context.Context, string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []byte(c.raw), nil
}

type countingMailer struct {
	mu   sync.Mutex
	sent []connectors.Email
}

func (m *countingMailer) Send(_ context.Context, email connectors.Email) (*connectors.EmailReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return &connectors.EmailReceipt{StatusCode: 202}, nil
}

func (m *countingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type countingTracker struct {
	mu     sync.Mutex
	issues []connectors.IssueRequest
}

func (t *countingTracker) CreateIssue(_ context.Context, req connectors.IssueRequest) (*connectors.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues = append(t.issues, req)
	return &connectors.Issue{ID: "iss-42", Identifier: "OPS-42", URL: "https://linear.app/acme/issue/OPS-42"}, nil
}

func (t *countingTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.issues)
}

// harness wires the whole pipeline over one SQLite store.
type harness struct {
	store      *store.SQLite
	service    *Service
	classifier *stubClassifier
	mailer     *countingMailer
	issues     *countingTracker
	dispatcher *dispatch.Dispatcher
	analysis   *analysis.Worker
	executors  []*dispatch.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "flowgate.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := audit.NewRecorder(s, logger)
	h := &harness{
		store:      s,
		service:    NewService(s, rec, logger),
		classifier: &stubClassifier{},
		mailer:     &countingMailer{},
		issues:     &countingTracker{},
	}
	h.dispatcher = dispatch.NewDispatcher(rec, h.mailer, h.issues,
		dispatch.Config{EmailFrom: "flowgate@example.com", EmailTo: "ops@example.com"}, logger)

	h.analysis, err = analysis.NewWorker(s, rec, h.classifier, analysis.Config{}, logger)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		h.executors = append(h.executors, dispatch.NewWorker(s, rec, h.dispatcher, dispatch.WorkerConfig{MaxAttempts: 1}, logger))
	}
	return h
}

func (h *harness) newHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(h.service, "", "test", zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

// analyzed creates a workflow and runs analysis on it.
func (h *harness) analyzed(t *testing.T, text, output string) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	h.classifier.set(output)

	wf, err := h.service.CreateWorkflow(ctx, text)
	require.NoError(t, err)
	processed, err := h.analysis.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	wf, err = h.service.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	return wf
}

func (h *harness) eventCount(t *testing.T, id string, eventType models.EventType) int {
	t.Helper()
	events, err := h.service.GetEvents(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// requireForwardOnly checks the STATE_TRANSITION events form a valid path.
func (h *harness) requireForwardOnly(t *testing.T, id string) []models.TransitionData {
	t.Helper()
	events, err := h.service.GetEvents(context.Background(), id)
	require.NoError(t, err)

	var path []models.TransitionData
	for _, ev := range events {
		if ev.Type != models.EventStateTransition {
			continue
		}
		var tr models.TransitionData
		require.NoError(t, ev.Decode(&tr))
		path = append(path, tr)
	}
	require.NoError(t, models.ValidatePath(path))
	return path
}
