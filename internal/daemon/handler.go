package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/scienceol/doppio/internal/metrics"
	"github.com/scienceol/doppio/internal/protocol"
)

// MaxMessageBytes bounds a single request. Larger requests are rejected as
// invalid.
const MaxMessageBytes = 64 << 10

var errMessageTooLarge = fmt.Errorf("request exceeds %d bytes", MaxMessageBytes)

// handleConn runs one request/response exchange and closes conn.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.connLogger.With("conn", xid.New().String())
	if fields := peerFields(conn); len(fields) > 0 {
		logger = logger.With(fields...)
	}

	data, err := readMessage(conn)
	switch {
	case errors.Is(err, errMessageTooLarge):
		logger.Warn("daemon.conn.request_too_large", "limit", MaxMessageBytes)
		s.respond(logger, conn, protocol.Failure(protocol.KindInvalidRequest))
		s.metrics.ObserveRequest("", metrics.OutcomeInvalidRequest)
		return
	case err != nil:
		logger.Warn("daemon.conn.read_failed", "error", err)
		s.respond(logger, conn, protocol.Failure(protocol.KindSocketError))
		s.metrics.ObserveRequest("", metrics.OutcomeSocketError)
		return
	}

	req, err := protocol.DecodeRequest(data)
	if err != nil {
		logger.Debug("daemon.conn.invalid_request", "error", err, "bytes", len(data))
		s.respond(logger, conn, protocol.Failure(protocol.KindInvalidRequest))
		s.metrics.ObserveRequest("", metrics.OutcomeInvalidRequest)
		return
	}

	resp, outcome := s.dispatch(ctx, logger, req)
	s.respond(logger, conn, resp)
	s.metrics.ObserveRequest(string(req.Type), outcome)
}

// dispatch maps a request onto exactly one registry call.
func (s *Server) dispatch(ctx context.Context, logger pslog.Logger, req protocol.Request) (protocol.Response, string) {
	switch req.Type {
	case protocol.TypeInhibit:
		if err := s.registry.Inhibit(ctx, req.ID); err != nil {
			logger.Error("daemon.inhibit.failed", "label", req.ID, "error", err)
			return protocol.Failure(protocol.KindOperationFailed), metrics.OutcomeFailed
		}
		return protocol.OK(), metrics.OutcomeOK
	case protocol.TypeRelease:
		s.registry.Release(req.ID)
		return protocol.OK(), metrics.OutcomeOK
	case protocol.TypeStatus:
		return protocol.StatusResult(protocol.StateOf(s.registry.IsInhibiting(req.ID))), metrics.OutcomeOK
	case protocol.TypeActiveInhibitors:
		return protocol.ActiveList(s.registry.ActiveLabels()), metrics.OutcomeOK
	default:
		// DecodeRequest only yields the types above.
		return protocol.Failure(protocol.KindInvalidRequest), metrics.OutcomeInvalidRequest
	}
}

// respond writes resp; failures are only logged since the peer is already
// unreachable.
func (s *Server) respond(logger pslog.Logger, conn net.Conn, resp protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		logger.Error("daemon.conn.encode_failed", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		logger.Debug("daemon.conn.write_failed", "error", err)
	}
}

// readMessage reads until the peer closes its write side.
func readMessage(conn net.Conn) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(conn, MaxMessageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageBytes {
		return nil, errMessageTooLarge
	}
	return data, nil
}
