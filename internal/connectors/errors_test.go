package connectors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorUnwrap(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, ErrUnauthorized},
		{403, ErrUnauthorized},
		{429, ErrRateLimited},
		{502, ErrServerError},
		{400, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := fmt.Errorf("send: %w", &APIError{Service: "sendgrid", StatusCode: tt.status, Message: "nope"})

			var apiErr *APIError
			assert.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			} else {
				assert.Nil(t, apiErr.Unwrap())
			}
		})
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Service: "linear", StatusCode: 400, Message: "bad team"}
	assert.Equal(t, "linear API error (400): bad team", err.Error())
}
