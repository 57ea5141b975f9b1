package rpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nodeflow/fiberd/coordination"
	"github.com/nodeflow/fiberd/rpcwire"
)

// Controller reports a call's outcome out of band: errors are observed
// by the caller after the fact rather than raised, so a failed call
// never propagates a panic across the RPC boundary.
type Controller struct {
	mu      sync.Mutex
	failed  bool
	errText string
}

// Failed reports whether the most recent call on this controller failed.
func (c *Controller) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// ErrorText returns the failure detail, or "" if Failed() is false.
func (c *Controller) ErrorText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

// SetFailed records a failure, the client-side counterpart of a server
// handler reporting an error through its response object.
func (c *Controller) SetFailed(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	c.errText = text
}

func (c *Controller) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = false
	c.errText = ""
}

// Channel is the client-side counterpart of Dispatcher: it resolves a
// service/method's endpoint through the coordination service, dials it,
// and exchanges one framed request/response pair per CallMethod call.
type Channel struct {
	coord       coordination.Client
	dialTimeout time.Duration
}

// NewChannel creates a Channel backed by coord for endpoint resolution.
func NewChannel(coord coordination.Client) *Channel {
	return &Channel{coord: coord, dialTimeout: 5 * time.Second}
}

// CallMethod resolves service/method, connects, sends args as the
// request payload, and returns the response payload. Failures are both
// returned as an error and recorded on controller, matching the
// dual-surface error reporting ("controller.Failed()/ErrorText()") the
// wire contract specifies.
func (ch *Channel) CallMethod(service, method string, args []byte, controller *Controller) ([]byte, error) {
	controller.reset()

	addr, err := ch.coord.Resolve(service, method)
	if err != nil {
		controller.SetFailed(err.Error())
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, ch.dialTimeout)
	if err != nil {
		wrapped := fmt.Errorf("rpc: dial %s: %w", addr, err)
		controller.SetFailed(wrapped.Error())
		return nil, wrapped
	}
	defer conn.Close()

	header := rpcwire.Header{ServiceName: service, MethodName: method}
	if err := rpcwire.WriteFrame(conn, header, args); err != nil {
		wrapped := fmt.Errorf("rpc: write request: %w", err)
		controller.SetFailed(wrapped.Error())
		return nil, wrapped
	}

	resp, err := rpcwire.ReadFrame(conn)
	if err != nil {
		wrapped := fmt.Errorf("rpc: read response: %w", err)
		controller.SetFailed(wrapped.Error())
		return nil, wrapped
	}

	return resp.Args, nil
}
