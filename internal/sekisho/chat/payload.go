package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Button payloads are compact strings of the form action:arg1[:arg2...].
// Recognized actions:
//
//	approve:<req_id>:<scope>
//	deny:<req_id>
//	add_secret:<name>[:<req_id>]
//
// The broker is tolerant of unknown actions: ErrUnknownAction lets callers
// log and drop instead of failing the event loop.

// ErrUnknownAction is returned by ParsePayload for actions the broker does
// not recognize.
var ErrUnknownAction = errors.New("unknown payload action")

// ErrMalformedPayload is returned when a recognized action is missing
// required arguments.
var ErrMalformedPayload = errors.New("malformed payload")

// Payload action names.
const (
	ActionApprove   = "approve"
	ActionDeny      = "deny"
	ActionAddSecret = "add_secret"
)

// Payload is a decoded button payload.
type Payload struct {
	Action string
	// RequestID is set for approve and deny, and optionally for add_secret.
	RequestID string
	// Scope is set for approve: once, 24h or forever.
	Scope string
	// SecretName is set for add_secret.
	SecretName string
}

// ApprovePayload encodes an approve button for a request with the given scope.
func ApprovePayload(requestID, scope string) string {
	return fmt.Sprintf("%s:%s:%s", ActionApprove, requestID, scope)
}

// DenyPayload encodes a deny button for a request.
func DenyPayload(requestID string) string {
	return fmt.Sprintf("%s:%s", ActionDeny, requestID)
}

// AddSecretPayload encodes an add_secret button. requestID may be empty for
// out-of-band secret writes with no approval side effect.
func AddSecretPayload(name, requestID string) string {
	if requestID == "" {
		return fmt.Sprintf("%s:%s", ActionAddSecret, name)
	}
	return fmt.Sprintf("%s:%s:%s", ActionAddSecret, name, requestID)
}

// ParsePayload decodes a compact payload string.
func ParsePayload(raw string) (*Payload, error) {
	parts := strings.Split(raw, ":")
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	p := &Payload{Action: parts[0]}
	switch p.Action {
	case ActionApprove:
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("%w: approve needs request id and scope", ErrMalformedPayload)
		}
		p.RequestID = parts[1]
		p.Scope = parts[2]
	case ActionDeny:
		if len(parts) < 2 || parts[1] == "" {
			return nil, fmt.Errorf("%w: deny needs request id", ErrMalformedPayload)
		}
		p.RequestID = parts[1]
	case ActionAddSecret:
		if len(parts) < 2 || parts[1] == "" {
			return nil, fmt.Errorf("%w: add_secret needs a name", ErrMalformedPayload)
		}
		p.SecretName = parts[1]
		if len(parts) >= 3 {
			p.RequestID = parts[2]
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}

	return p, nil
}
