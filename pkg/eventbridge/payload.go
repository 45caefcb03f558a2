package eventbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Required payload fields.
const (
	FieldWorkOrderID = "workOrderId"
	FieldWorkerID    = "workerId"
	FieldRequesterID = "requesterId"
)

// WorkOrderRequest is the decoded form of an event payload.
type WorkOrderRequest struct {
	WorkOrderID string
	WorkerID    string
	RequesterID string
	// Raw is the payload exactly as delivered.
	Raw string
}

// DecodeWorkOrder parses payload and extracts the required fields.
//
// Invalid JSON and non-object payloads yield a *PayloadError wrapping
// ErrMalformedPayload. A required field that is absent or null yields
// ErrMissingField; one that is present but not a string yields
// ErrMalformedPayload with Field set. Empty strings are values and pass
// through unchanged. Unknown fields are ignored.
func DecodeWorkOrder(payload string) (WorkOrderRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return WorkOrderRequest{}, &PayloadError{Err: fmt.Errorf("%w: %w", ErrMalformedPayload, err)}
	}
	if fields == nil {
		// "null" decodes into a nil map without error.
		return WorkOrderRequest{}, &PayloadError{Err: fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)}
	}

	req := WorkOrderRequest{Raw: payload}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{FieldWorkOrderID, &req.WorkOrderID},
		{FieldWorkerID, &req.WorkerID},
		{FieldRequesterID, &req.RequesterID},
	} {
		v, err := requiredString(fields, f.name)
		if err != nil {
			return WorkOrderRequest{}, &PayloadError{Field: f.name, Err: err}
		}
		*f.dst = v
	}
	return req, nil
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", ErrMissingField
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: not a string", ErrMalformedPayload)
	}
	return s, nil
}

// ExtractPayload returns the string found at path inside the JSON object
// envelope. An empty path returns envelope unchanged.
//
// Sources that wrap the work order request in a larger record, for example
// {"args":{"workOrderRequest":"{...}"}}, are handled with
// path ["args", "workOrderRequest"].
func ExtractPayload(envelope string, path []string) (string, error) {
	if len(path) == 0 {
		return envelope, nil
	}

	var node any
	if err := json.Unmarshal([]byte(envelope), &node); err != nil {
		return "", &PayloadError{Err: fmt.Errorf("%w: envelope: %w", ErrMalformedPayload, err)}
	}
	for i, key := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return "", &PayloadError{
				Field: strings.Join(path[:i], "."),
				Err:   fmt.Errorf("%w: envelope: not an object", ErrMalformedPayload),
			}
		}
		node, ok = obj[key]
		if !ok || node == nil {
			return "", &PayloadError{Field: strings.Join(path[:i+1], "."), Err: ErrMissingField}
		}
	}

	s, ok := node.(string)
	if !ok {
		return "", &PayloadError{
			Field: strings.Join(path, "."),
			Err:   fmt.Errorf("%w: envelope: not a string", ErrMalformedPayload),
		}
	}
	return s, nil
}
