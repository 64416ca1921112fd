package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrInvalidMessage is wrapped by every decode failure.
var ErrInvalidMessage = errors.New("invalid message")

type labelMessage struct {
	Type RequestType `json:"type"`
	ID   string      `json:"id"`
}

type bareRequest struct {
	Type RequestType `json:"type"`
}

type bareResponse struct {
	Type ResponseType `json:"type"`
}

type statusMessage struct {
	Type   ResponseType `json:"type"`
	Status State        `json:"status"`
}

type activeMessage struct {
	Type             ResponseType `json:"type"`
	ActiveInhibitors []string     `json:"active_inhibitors"`
}

type errorMessage struct {
	Type ResponseType `json:"type"`
	Kind ErrorKind    `json:"kind"`
}

// EncodeRequest serializes a request. It fails only for a request that
// could never be decoded again (unknown type, missing label).
func EncodeRequest(r Request) ([]byte, error) {
	switch r.Type {
	case TypeInhibit, TypeRelease, TypeStatus:
		if r.ID == "" {
			return nil, fmt.Errorf("encode %s request: empty id", r.Type)
		}
		return json.Marshal(labelMessage{Type: r.Type, ID: r.ID})
	case TypeActiveInhibitors:
		return json.Marshal(bareRequest{Type: r.Type})
	default:
		return nil, fmt.Errorf("encode request: unknown type %q", r.Type)
	}
}

// DecodeRequest parses a request. Fields not belonging to the selected
// variant are ignored.
func DecodeRequest(data []byte) (Request, error) {
	var w struct {
		Type *RequestType `json:"type"`
		ID   *string      `json:"id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Type == nil {
		return Request{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	switch t := *w.Type; t {
	case TypeInhibit, TypeRelease, TypeStatus:
		if w.ID == nil || *w.ID == "" {
			return Request{}, fmt.Errorf("%w: %s requires a non-empty id", ErrInvalidMessage, t)
		}
		return Request{Type: t, ID: *w.ID}, nil
	case TypeActiveInhibitors:
		return ActiveInhibitors(), nil
	default:
		return Request{}, fmt.Errorf("%w: unknown request type %q", ErrInvalidMessage, t)
	}
}

// EncodeResponse serializes a response.
func EncodeResponse(r Response) ([]byte, error) {
	switch r.Type {
	case TypeOk:
		return json.Marshal(bareResponse{Type: r.Type})
	case TypeStatusResult:
		if !r.Status.valid() {
			return nil, fmt.Errorf("encode response: unknown status %q", r.Status)
		}
		return json.Marshal(statusMessage{Type: r.Type, Status: r.Status})
	case TypeActiveInhibitorsList:
		labels := r.ActiveInhibitors
		if labels == nil {
			labels = []string{}
		}
		return json.Marshal(activeMessage{Type: r.Type, ActiveInhibitors: labels})
	case TypeError:
		if !r.Kind.valid() {
			return nil, fmt.Errorf("encode response: unknown error kind %q", r.Kind)
		}
		return json.Marshal(errorMessage{Type: r.Type, Kind: r.Kind})
	default:
		return nil, fmt.Errorf("encode response: unknown type %q", r.Type)
	}
}

// DecodeResponse parses a response.
func DecodeResponse(data []byte) (Response, error) {
	var w struct {
		Type             *ResponseType `json:"type"`
		Status           *State        `json:"status"`
		ActiveInhibitors *[]string     `json:"active_inhibitors"`
		Kind             *ErrorKind    `json:"kind"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Type == nil {
		return Response{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	switch t := *w.Type; t {
	case TypeOk:
		return OK(), nil
	case TypeStatusResult:
		if w.Status == nil || !w.Status.valid() {
			return Response{}, fmt.Errorf("%w: Status requires status Inhibits or Free", ErrInvalidMessage)
		}
		return StatusResult(*w.Status), nil
	case TypeActiveInhibitorsList:
		if w.ActiveInhibitors == nil {
			return Response{}, fmt.Errorf("%w: ActiveInhibitors requires active_inhibitors", ErrInvalidMessage)
		}
		return ActiveList(*w.ActiveInhibitors), nil
	case TypeError:
		if w.Kind == nil || !w.Kind.valid() {
			return Response{}, fmt.Errorf("%w: Error requires a known kind", ErrInvalidMessage)
		}
		return Failure(*w.Kind), nil
	default:
		return Response{}, fmt.Errorf("%w: unknown response type %q", ErrInvalidMessage, t)
	}
}
