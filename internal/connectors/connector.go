// Package connectors defines the external collaborators flowgate calls:
// the request classifier, the mailer and the issue tracker.
package connectors

import "context"

// Classifier turns a request into the raw JSON produced by the model.
// Callers validate the bytes; the classifier only transports them.
type Classifier interface {
	Classify(ctx context.Context, requestText string) ([]byte, error)
}

// Email is one outbound plain-text message.
type Email struct {
	To      string
	From    string
	Subject string
	Body    string
}

// EmailReceipt is the provider's acknowledgement of a send.
type EmailReceipt struct {
	StatusCode int `json:"status_code"`
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, email Email) (*EmailReceipt, error)
}

// IssueRequest describes an issue to open.
type IssueRequest struct {
	Title       string
	Description string
}

// Issue identifies a created issue.
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
}

// IssueTracker opens issues.
type IssueTracker interface {
	CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error)
}
