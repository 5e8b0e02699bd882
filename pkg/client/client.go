// Package client is the orchestrator-side counterpart of the control
// protocol: it frames requests, assigns correlation identifiers,
// matches responses back to their requests and exposes the unsolicited
// command event stream.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"runplane/internal/transport"
	"runplane/pkg/api"
)

// ErrClosed is returned once the client has been torn down.
var ErrClosed = errors.New("client: connection closed")

// Wire is the orchestrator-side view of the control channel. Send may
// be called concurrently; Recv is called from the client's single read
// loop.
type Wire interface {
	Send(*api.Request) error
	Recv() (*api.Outbound, error)
	Close() error
}

// Client drives one runtime process over a Wire. Every request gets a
// fresh UUID; the read loop routes each response to its waiting caller
// and everything else to the event stream.
type Client struct {
	wire Wire

	mu      sync.Mutex
	pending map[string]chan *api.Response
	readErr error

	events chan *api.ProcessStatus

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps a wire and starts the read loop.
func New(wire Wire) *Client {
	c := &Client{
		wire:    wire,
		pending: make(map[string]chan *api.Response),
		events:  make(chan *api.ProcessStatus, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events streams the command lifecycle events the runtime emits. The
// channel is closed when the connection ends.
func (c *Client) Events() <-chan *api.ProcessStatus { return c.events }

// Close tears the connection down. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.wire.Close()
}

// Hello exchanges identities with the runtime.
func (c *Client) Hello(ctx context.Context, version string) (*api.HelloResult, error) {
	resp, err := c.call(ctx, &api.Request{Op: api.OpHello, Hello: &api.HelloRequest{Version: version}})
	if err != nil {
		return nil, err
	}
	var out api.HelloResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("client: hello result: %w", err)
	}
	return &out, nil
}

// Deploy asks the runtime to validate and prepare its payload.
func (c *Client) Deploy(ctx context.Context) (*api.DeployResult, error) {
	resp, err := c.call(ctx, &api.Request{Op: api.OpDeploy})
	if err != nil {
		return nil, err
	}
	var out api.DeployResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("client: deploy result: %w", err)
	}
	return &out, nil
}

// Start activates the runtime. The raw result payload, if any, is
// runtime-specific.
func (c *Client) Start(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.call(ctx, &api.Request{Op: api.OpStart})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Run submits a command for execution and returns its assigned
// identifier. Progress arrives through Events.
func (c *Client) Run(ctx context.Context, run api.RunProcess) (uint64, error) {
	resp, err := c.call(ctx, &api.Request{Op: api.OpRun, Run: &run})
	if err != nil {
		return 0, err
	}
	var out api.RunResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return 0, fmt.Errorf("client: run result: %w", err)
	}
	return out.PID, nil
}

// Kill requests termination of a running command.
func (c *Client) Kill(ctx context.Context, pid uint64, signal int32) error {
	_, err := c.call(ctx, &api.Request{Op: api.OpKill, Kill: &api.KillProcess{PID: pid, Signal: signal}})
	return err
}

// Stop shuts the runtime down. The runtime process exits afterwards.
func (c *Client) Stop(ctx context.Context, reason string) error {
	_, err := c.call(ctx, &api.Request{Op: api.OpStop, Stop: &api.StopRequest{Reason: reason}})
	return err
}

// Test runs the runtime's self-test.
func (c *Client) Test(ctx context.Context) error {
	_, err := c.call(ctx, &api.Request{Op: api.OpTest})
	return err
}

// OfferTemplate fetches the runtime's market offer template.
func (c *Client) OfferTemplate(ctx context.Context) (*api.OfferTemplate, error) {
	resp, err := c.call(ctx, &api.Request{Op: api.OpOfferTemplate})
	if err != nil {
		return nil, err
	}
	var out api.OfferTemplate
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("client: offer template result: %w", err)
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, req *api.Request) (*api.Response, error) {
	req.ID = uuid.NewString()

	ch := make(chan *api.Response, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.wire.Send(req); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		out, err := c.wire.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		switch {
		case out.Response != nil:
			c.mu.Lock()
			ch := c.pending[out.Response.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- out.Response
			}
		case out.Event != nil:
			select {
			case c.events <- out.Event:
			case <-c.done:
				return
			}
		}
	}
}

// fail ends the session exactly once: pending calls observe the cause
// through done. The event channel is closed by the read loop alone.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}
