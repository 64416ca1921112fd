// Package client talks to a running doppio daemon. Every call opens a new
// connection, sends one request, half-closes, and reads one response.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/scienceol/doppio/internal/protocol"
)

// Timeout bounds dialing, writing the request, and reading the response,
// each on its own.
const Timeout = 1 * time.Second

const (
	isRunningMsg = "Is doppio daemon running?"
	versionMsg   = "Are doppio and doppio daemon of the same version?"
	restartMsg   = "Try restarting doppio daemon."
)

// ErrUnexpectedResponse means the daemon answered with a valid response of
// the wrong variant.
var ErrUnexpectedResponse = errors.New("unexpected response from doppio daemon. " + versionMsg)

// TransportError is a failure to exchange bytes with the daemon, as opposed
// to an error the daemon reported.
type TransportError struct {
	Op   string // connect, write or read
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	switch e.Op {
	case "connect":
		return fmt.Sprintf("failed to connect to doppio socket at %s. %s (%v)", e.Path, isRunningMsg, e.Err)
	default:
		return fmt.Sprintf("failed to %s doppio socket at %s. %s (%v)", e.Op, e.Path, isRunningMsg, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseError is an Error response from the daemon.
type ResponseError struct {
	Kind      protocol.ErrorKind
	Operation string
}

func (e *ResponseError) Error() string {
	switch e.Kind {
	case protocol.KindSocketError:
		return "doppio daemon failed to read the request. " + versionMsg
	case protocol.KindInvalidRequest:
		return "doppio daemon did not understand the request. " + versionMsg
	case protocol.KindOperationFailed:
		return fmt.Sprintf("doppio daemon failed to %s. %s", e.Operation, restartMsg)
	default:
		return fmt.Sprintf("doppio daemon reported %s. %s", e.Kind, versionMsg)
	}
}

// Client sends requests to the daemon listening on a unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New returns a client for the daemon at socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: Timeout}
}

// Do performs one raw exchange. An Error response is returned as a
// response, not as an error.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return protocol.Response{}, &TransportError{Op: "connect", Path: c.socketPath, Err: err}
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(payload); err != nil {
		return protocol.Response{}, &TransportError{Op: "write", Path: c.socketPath, Err: err}
	}
	// Write EOF so the daemon knows the request is complete.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return protocol.Response{}, &TransportError{Op: "write", Path: c.socketPath, Err: err}
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	data, err := io.ReadAll(conn)
	if err != nil {
		return protocol.Response{}, &TransportError{Op: "read", Path: c.socketPath, Err: err}
	}

	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to parse doppio daemon response. %s: %w", versionMsg, err)
	}
	return resp, nil
}

// Inhibit asks the daemon to hold an inhibitor for id.
func (c *Client) Inhibit(ctx context.Context, id string) error {
	return c.expectOK(ctx, protocol.Inhibit(id), "inhibit")
}

// Release asks the daemon to drop the inhibitor for id.
func (c *Client) Release(ctx context.Context, id string) error {
	return c.expectOK(ctx, protocol.Release(id), "release")
}

// Status reports whether id is inhibiting.
func (c *Client) Status(ctx context.Context, id string) (protocol.State, error) {
	resp, err := c.call(ctx, protocol.Status(id), "get status")
	if err != nil {
		return "", err
	}
	if resp.Type != protocol.TypeStatusResult {
		return "", ErrUnexpectedResponse
	}
	return resp.Status, nil
}

// Active lists every label currently inhibiting, in the order they were
// inhibited.
func (c *Client) Active(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, protocol.ActiveInhibitors(), "get status")
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.TypeActiveInhibitorsList {
		return nil, ErrUnexpectedResponse
	}
	return resp.ActiveInhibitors, nil
}

func (c *Client) expectOK(ctx context.Context, req protocol.Request, op string) error {
	resp, err := c.call(ctx, req, op)
	if err != nil {
		return err
	}
	if resp.Type != protocol.TypeOk {
		return ErrUnexpectedResponse
	}
	return nil
}

// call runs Do and turns Error responses into *ResponseError.
func (c *Client) call(ctx context.Context, req protocol.Request, op string) (protocol.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return protocol.Response{}, err
	}
	if resp.Type == protocol.TypeError {
		return protocol.Response{}, &ResponseError{Kind: resp.Kind, Operation: op}
	}
	return resp, nil
}
