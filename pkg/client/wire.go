package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"runplane/internal/transport"
	"runplane/pkg/api"
)

// StreamWire frames the orchestrator side of the protocol as
// newline-delimited JSON, typically over the runtime process's
// stdin/stdout pair.
type StreamWire struct {
	r *bufio.Scanner

	mu sync.Mutex
	w  io.Writer

	closer io.Closer
}

// NewStreamWire wraps a reader/writer pair. closer may be nil.
func NewStreamWire(r io.Reader, w io.Writer, closer io.Closer) *StreamWire {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &StreamWire{r: sc, w: w, closer: closer}
}

func (s *StreamWire) Send(req *api.Request) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return ErrClosed
	}
	_, err = s.w.Write(buf)
	return err
}

func (s *StreamWire) Recv() (*api.Outbound, error) {
	for {
		if !s.r.Scan() {
			if err := s.r.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := s.r.Bytes()
		if len(line) == 0 {
			continue
		}
		var out api.Outbound
		if err := json.Unmarshal(line, &out); err != nil {
			return nil, fmt.Errorf("client: malformed frame: %w", err)
		}
		return &out, nil
	}
}

func (s *StreamWire) Close() error {
	s.mu.Lock()
	s.w = nil
	s.mu.Unlock()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// PipeWire adapts an in-memory transport pipe for harnesses that host
// the runtime in the same process.
type PipeWire struct {
	pipe *transport.Pipe
}

// NewPipeWire wraps the orchestrator side of a pipe.
func NewPipeWire(p *transport.Pipe) *PipeWire {
	return &PipeWire{pipe: p}
}

func (w *PipeWire) Send(req *api.Request) error {
	if !w.pipe.Push(req) {
		return transport.ErrClosed
	}
	return nil
}

func (w *PipeWire) Recv() (*api.Outbound, error) {
	select {
	case out := <-w.pipe.Outbound():
		return out, nil
	case <-w.pipe.Done():
		return nil, transport.ErrClosed
	}
}

func (w *PipeWire) Close() error { return w.pipe.Close() }
