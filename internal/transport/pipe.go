package transport

import "runplane/pkg/api"

// Pipe is an in-memory Conn used by tests and by orchestrator-side
// harnesses that host the runtime in-process. Frames pass through
// unbounded-order-preserving channels; Send blocks until the peer side
// has accepted the frame or the pipe is closed.
type Pipe struct {
	in   chan *api.Request
	out  chan *api.Outbound
	done chan struct{}
}

// NewPipe returns a connected pipe. The test side injects requests with
// Push and observes outbound frames on Outbound().
func NewPipe() *Pipe {
	return &Pipe{
		in:   make(chan *api.Request),
		out:  make(chan *api.Outbound, 256),
		done: make(chan struct{}),
	}
}

// Push delivers a request to the runtime side. It blocks until the
// request loop picks it up.
func (p *Pipe) Push(req *api.Request) bool {
	select {
	case p.in <- req:
		return true
	case <-p.done:
		return false
	}
}

// Outbound exposes the frames the runtime has sent.
func (p *Pipe) Outbound() <-chan *api.Outbound { return p.out }

// Done is closed when the pipe has been torn down.
func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) Recv() (*api.Request, error) {
	select {
	case req := <-p.in:
		return req, nil
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p *Pipe) Send(out *api.Outbound) error {
	select {
	case p.out <- out:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *Pipe) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}
