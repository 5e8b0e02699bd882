// Package transport provides the duplex message channel between the
// runtime process and its orchestrator. The engine treats it as an
// abstract stream of typed messages; byte-level framing lives here.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"runplane/pkg/api"
)

// ErrClosed is returned once the channel has been torn down.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a duplex control channel. Recv is called from a single reader
// goroutine; Send may be called concurrently (responses and events are
// produced by different goroutines) and must serialize frames itself.
type Conn interface {
	// Recv blocks until the next inbound request is available.
	Recv() (*api.Request, error)

	// Send writes one outbound frame. It does not return before the
	// frame has been handed to the underlying channel.
	Send(*api.Outbound) error

	Close() error
}

// StreamConn frames messages as newline-delimited JSON over a byte
// stream, typically the process's stdin/stdout pair.
type StreamConn struct {
	r *bufio.Scanner

	mu sync.Mutex
	w  io.Writer

	closer io.Closer
}

// NewStreamConn wraps a reader/writer pair. closer may be nil.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) *StreamConn {
	sc := bufio.NewScanner(r)
	// Output chunks are capped well below this, but deploy payloads with
	// free-form properties can get large.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &StreamConn{r: sc, w: w, closer: closer}
}

func (c *StreamConn) Recv() (*api.Request, error) {
	for {
		if !c.r.Scan() {
			if err := c.r.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := c.r.Bytes()
		if len(line) == 0 {
			continue
		}
		var req api.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("transport: malformed request frame: %w", err)
		}
		return &req, nil
	}
}

func (c *StreamConn) Send(out *api.Outbound) error {
	buf, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	buf = append(buf, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return ErrClosed
	}
	if _, err := c.w.Write(buf); err != nil {
		return err
	}
	return nil
}

func (c *StreamConn) Close() error {
	c.mu.Lock()
	c.w = nil
	c.mu.Unlock()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
