package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/joeycumines/spatial-bridge/internal/matrix"
)

// Message handler names the sandbox posts to.
const (
	HitTestMessage        = "arkit_hit_test"
	RegisterAnchorMessage = "arkit_register_anchor"
)

// MessageNames lists every handler the host registers with the sandbox.
var MessageNames = []string{HitTestMessage, RegisterAnchorMessage}

// Envelope is one message posted by the sandbox to a named handler.
type Envelope struct {
	Name string          `json:"name" cbor:"1,keyasint"`
	Body json.RawMessage `json:"body" cbor:"2,keyasint"`
}

// Request is a decoded sandbox request. The concrete type is one of
// *HitTestRequest or *RegisterAnchorRequest.
type Request interface {
	// RequestID is the opaque token the response must echo.
	RequestID() string
	isRequest()
}

// HitTestRequest asks for the nearest detected surface under a normalized
// screen point.
type HitTestRequest struct {
	ID      string
	ScreenX float32
	ScreenY float32
}

func (r *HitTestRequest) RequestID() string { return r.ID }
func (*HitTestRequest) isRequest()          {}

// RegisterAnchorRequest asks for a new anchor at Transform.
type RegisterAnchorRequest struct {
	ID        string
	Transform matrix.Transform
}

func (r *RegisterAnchorRequest) RequestID() string { return r.ID }
func (*RegisterAnchorRequest) isRequest()          {}

var (
	// ErrMissingField is matched by every *MissingFieldError.
	ErrMissingField = errors.New("protocol: missing field")
	// ErrUnknownMessage is returned for envelopes posted to an unregistered name.
	ErrUnknownMessage = errors.New("protocol: unknown message")
)

// MissingFieldError reports a required payload value that is absent or has
// the wrong type.
type MissingFieldError struct {
	Message string
	Field   string
	Reason  string
}

func (e *MissingFieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: %s: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("protocol: %s: field %q: %s", e.Message, e.Field, e.Reason)
}

func (e *MissingFieldError) Is(target error) bool { return target == ErrMissingField }

// DecodeRequest validates env and returns the matching Request variant.
//
// Errors are one of: ErrUnknownMessage, a *MissingFieldError, or a wrapped
// *matrix.DecodeError for an undecodable transform. Callers drop the message
// on any error; nothing is sent back.
func DecodeRequest(env Envelope) (Request, error) {
	switch env.Name {
	case HitTestMessage, RegisterAnchorMessage:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Name)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Body, &fields); err != nil {
		return nil, &MissingFieldError{Message: env.Name, Reason: "body is not an object"}
	}
	p := payload{message: env.Name, fields: fields}

	id, err := p.stringField("requestId")
	if err != nil {
		return nil, err
	}

	switch env.Name {
	case HitTestMessage:
		x, err := p.numberField("screenX")
		if err != nil {
			return nil, err
		}
		y, err := p.numberField("screenY")
		if err != nil {
			return nil, err
		}
		return &HitTestRequest{ID: id, ScreenX: x, ScreenY: y}, nil

	default:
		s, err := p.stringField("transform")
		if err != nil {
			return nil, err
		}
		t, err := matrix.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("protocol: %s: field %q: %w", env.Name, "transform", err)
		}
		return &RegisterAnchorRequest{ID: id, Transform: t}, nil
	}
}

type payload struct {
	message string
	fields  map[string]json.RawMessage
}

func (p payload) missing(field, reason string) error {
	return &MissingFieldError{Message: p.message, Field: field, Reason: reason}
}

func (p payload) stringField(field string) (string, error) {
	raw, ok := p.fields[field]
	if !ok {
		return "", p.missing(field, "absent")
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil || s == nil {
		return "", p.missing(field, "not a string")
	}
	return *s, nil
}

// numberField accepts a decimal string (what the sandbox client sends) or a JSON
// number. The value must be finite and fit a float32.
func (p payload) numberField(field string) (float32, error) {
	raw, ok := p.fields[field]
	if !ok {
		return 0, p.missing(field, "absent")
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, p.missing(field, "not a number")
	}

	var f float64
	switch v := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return 0, p.missing(field, "not a number")
		}
		f = parsed
	case float64:
		if math.Abs(v) > math.MaxFloat32 {
			return 0, p.missing(field, "out of range")
		}
		f = v
	default:
		return 0, p.missing(field, "not a number")
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, p.missing(field, "not finite")
	}
	return float32(f), nil
}
