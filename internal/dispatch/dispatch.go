// Package dispatch is the thin front-end between the control transport
// and the engine: it reads requests in arrival order, maps each op to an
// engine call and writes the correlated response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"runplane/internal/engine"
	"runplane/internal/observability"
	"runplane/internal/transport"
	"runplane/pkg/api"
)

// Server runs the inbound request loop for a server-mode runtime.
// Requests are processed one at a time in arrival order; handlers for
// long-running operations (run, background start) return promptly, so a
// running command never blocks a subsequent kill or stop.
type Server struct {
	conn    transport.Conn
	engine  *engine.Engine
	log     *slog.Logger
	metrics *observability.Metrics
}

// New creates a dispatch server over the given transport.
func New(conn transport.Conn, eng *engine.Engine, log *slog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		conn:    conn,
		engine:  eng,
		log:     log.With("component", "dispatch"),
		metrics: metrics,
	}
}

// Serve blocks until the engine stops, the context is cancelled or the
// transport breaks. A transport failure in either direction is fatal:
// the loop returns and the process terminates.
func (s *Server) Serve(ctx context.Context) error {
	requests := make(chan *api.Request)
	recvErr := make(chan error, 1)

	go func() {
		defer close(requests)
		for {
			req, err := s.conn.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case requests <- req:
			case <-s.engine.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				select {
				case err := <-recvErr:
					if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
						return nil
					}
					return fmt.Errorf("dispatch: inbound channel broken: %w", err)
				default:
					return nil
				}
			}
			if err := s.handle(ctx, req); err != nil {
				return err
			}
			if req.Op == api.OpStop {
				// Terminal transition; drain nothing further.
				return nil
			}
		case <-s.engine.Done():
			if err := s.engine.FatalErr(); err != nil {
				return fmt.Errorf("dispatch: outbound channel broken: %w", err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle executes one request and sends its response. Only a failure to
// write the response is returned; engine errors travel back to the
// orchestrator inside the response.
func (s *Server) handle(ctx context.Context, req *api.Request) error {
	tracer := otel.Tracer("runplane-dispatch")
	ctx, span := tracer.Start(ctx, string(req.Op),
		trace.WithAttributes(attribute.String("request.id", req.ID)))
	defer span.End()

	result, err := s.dispatch(ctx, req)

	resp := &api.Response{ID: req.ID}
	if err != nil {
		span.RecordError(err)
		resp.Error = engine.AsAPIError(err)
		s.metrics.Request(string(req.Op), "error")
		s.log.Warn("request failed", "op", req.Op, "id", req.ID, "error", err)
	} else {
		if result != nil {
			buf, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = &api.Error{Code: api.CodeCallback, Message: merr.Error()}
			} else {
				resp.Result = buf
			}
		}
		s.metrics.Request(string(req.Op), "ok")
	}

	return s.conn.Send(&api.Outbound{Response: resp})
}

func (s *Server) dispatch(ctx context.Context, req *api.Request) (any, error) {
	switch req.Op {
	case api.OpHello:
		return s.engine.Hello(), nil
	case api.OpDeploy:
		return s.engine.Deploy(ctx)
	case api.OpStart:
		return s.engine.Start(ctx)
	case api.OpRun:
		if req.Run == nil {
			return nil, &api.Error{Code: api.CodeBadRequest, Message: "missing run payload"}
		}
		pid, err := s.engine.RunCommand(ctx, *req.Run)
		if err != nil {
			return nil, err
		}
		return api.RunResult{PID: pid}, nil
	case api.OpKill:
		if req.Kill == nil {
			return nil, &api.Error{Code: api.CodeBadRequest, Message: "missing kill payload"}
		}
		return nil, s.engine.KillCommand(ctx, *req.Kill)
	case api.OpStop:
		reason := ""
		if req.Stop != nil {
			reason = req.Stop.Reason
		}
		return nil, s.engine.Stop(ctx, reason)
	case api.OpTest:
		return nil, s.engine.Test(ctx)
	case api.OpOfferTemplate:
		return s.engine.Offer(ctx)
	default:
		return nil, &api.Error{Code: api.CodeBadRequest, Message: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
