// Package analysis turns freshly created workflows into classified ones
// awaiting human approval.
package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fentz26/flowgate/internal/models"
)

// ErrInvalidOutput indicates the classifier answered with something other
// than the expected classification object.
var ErrInvalidOutput = errors.New("invalid AI output")

// ParseOutput strictly validates raw classifier output. It must be a JSON
// object with a non-empty string intent, a known recommended_action and a
// numeric confidence in [0, 1]. Unknown fields are ignored.
func ParseOutput(raw []byte) (*models.AIOutput, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidOutput)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	var out models.AIOutput

	if err := decodeField(fields, "intent", &out.Intent); err != nil {
		return nil, err
	}
	if out.Intent == "" {
		return nil, fmt.Errorf("%w: intent is empty", ErrInvalidOutput)
	}

	var action string
	if err := decodeField(fields, "recommended_action", &action); err != nil {
		return nil, err
	}
	out.RecommendedAction = models.Action(action)
	if !out.RecommendedAction.Valid() {
		return nil, fmt.Errorf("%w: unknown recommended_action %q", ErrInvalidOutput, action)
	}

	if err := decodeField(fields, "confidence", &out.Confidence); err != nil {
		return nil, err
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidOutput, out.Confidence)
	}

	return &out, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any) error {
	value, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return fmt.Errorf("%w: missing %s", ErrInvalidOutput, name)
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("%w: %s has wrong type", ErrInvalidOutput, name)
	}
	return nil
}
