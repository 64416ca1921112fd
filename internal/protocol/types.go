// Package protocol defines the messages exchanged between doppio clients and
// the daemon. Every message is a single JSON object whose "type" field
// selects the variant; a connection carries exactly one request and one
// response.
package protocol

// RequestType selects the request variant.
type RequestType string

const (
	TypeInhibit          RequestType = "Inhibit"
	TypeRelease          RequestType = "Release"
	TypeStatus           RequestType = "Status"
	TypeActiveInhibitors RequestType = "ActiveInhibitors"
)

// ResponseType selects the response variant.
type ResponseType string

const (
	TypeOk                   ResponseType = "Ok"
	TypeStatusResult         ResponseType = "Status"
	TypeActiveInhibitorsList ResponseType = "ActiveInhibitors"
	TypeError                ResponseType = "Error"
)

// State is the inhibition state of a single label.
type State string

const (
	StateInhibits State = "Inhibits"
	StateFree     State = "Free"
)

// ErrorKind is the coarse failure reason carried by an Error response.
type ErrorKind string

const (
	// KindSocketError means the daemon could not read the request.
	KindSocketError ErrorKind = "SocketError"
	// KindInvalidRequest means the request bytes were not a known message.
	KindInvalidRequest ErrorKind = "InvalidRequest"
	// KindOperationFailed means the power-management service refused the
	// inhibitor.
	KindOperationFailed ErrorKind = "OperationFailed"
)

// Request is a message from a client to the daemon. ID is empty only for
// ActiveInhibitors.
type Request struct {
	Type RequestType
	ID   string
}

// Response is a message from the daemon to a client. Only the fields of the
// variant selected by Type are meaningful.
type Response struct {
	Type             ResponseType
	Status           State
	ActiveInhibitors []string
	Kind             ErrorKind
}

// Inhibit asks the daemon to hold an inhibitor for id.
func Inhibit(id string) Request { return Request{Type: TypeInhibit, ID: id} }

// Release asks the daemon to drop the inhibitor held for id.
func Release(id string) Request { return Request{Type: TypeRelease, ID: id} }

// Status asks whether id is currently inhibiting.
func Status(id string) Request { return Request{Type: TypeStatus, ID: id} }

// ActiveInhibitors asks for every label currently inhibiting.
func ActiveInhibitors() Request { return Request{Type: TypeActiveInhibitors} }

// OK is the empty success response.
func OK() Response { return Response{Type: TypeOk} }

// StatusResult reports the state of a single label.
func StatusResult(s State) Response { return Response{Type: TypeStatusResult, Status: s} }

// ActiveList reports the active labels. A nil slice is sent as an empty array.
func ActiveList(labels []string) Response {
	if labels == nil {
		labels = []string{}
	}
	return Response{Type: TypeActiveInhibitorsList, ActiveInhibitors: labels}
}

// Failure reports an error of the given kind.
func Failure(kind ErrorKind) Response { return Response{Type: TypeError, Kind: kind} }

// StateOf maps a presence flag to its wire state.
func StateOf(inhibiting bool) State {
	if inhibiting {
		return StateInhibits
	}
	return StateFree
}

func (k ErrorKind) valid() bool {
	switch k {
	case KindSocketError, KindInvalidRequest, KindOperationFailed:
		return true
	}
	return false
}

func (s State) valid() bool {
	return s == StateInhibits || s == StateFree
}
