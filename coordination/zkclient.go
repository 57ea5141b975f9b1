package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKClient is the primary coordination backend: connect with a session
// watcher, wait for the first connected-session event before returning,
// then create paths idempotently (check-exists before create).
type ZKClient struct {
	conn *zk.Conn
}

// DialZK connects to a ZooKeeper ensemble, blocking until the first
// connected session event arrives so callers never race a half-open
// session.
func DialZK(servers []string, sessionTimeout time.Duration) (*ZKClient, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("coordination: zk.Connect: %w", err)
	}

	connected := make(chan struct{})
	go func() {
		for ev := range events {
			if ev.Type == zk.EventSession && ev.State == zk.StateHasSession {
				select {
				case <-connected:
				default:
					close(connected)
				}
			}
		}
	}()

	select {
	case <-connected:
	case <-time.After(sessionTimeout):
		conn.Close()
		return nil, fmt.Errorf("coordination: timed out waiting for zookeeper session")
	}

	return &ZKClient{conn: conn}, nil
}

func (c *ZKClient) ensure(path string, data []byte, flags int32) error {
	exists, _, err := c.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("coordination: zk.Exists(%s): %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = c.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("coordination: zk.Create(%s): %w", path, err)
	}
	return nil
}

// RegisterService creates the persistent, empty-value `/<service>` node.
func (c *ZKClient) RegisterService(service string) error {
	return c.ensure(servicePath(service), nil, 0)
}

// RegisterMethod creates the ephemeral `/<service>/<method>` node valued
// "host:port". ZooKeeper itself tears the node down when this client's
// session ends, so no heartbeat is needed; ctx is not used by this
// backend.
func (c *ZKClient) RegisterMethod(ctx context.Context, service, method, addr string) error {
	if err := c.RegisterService(service); err != nil {
		return err
	}
	path := methodPath(service, method)
	exists, _, err := c.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("coordination: zk.Exists(%s): %w", path, err)
	}
	if exists {
		// A stale ephemeral node from a prior session under the same
		// path; ZooKeeper would reject a second create, so remove it
		// first. A concurrent delete by the session expiring naturally
		// is harmless to retry against.
		_ = c.conn.Delete(path, -1)
	}
	_, err = c.conn.Create(path, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("coordination: zk.Create(%s): %w", path, err)
	}
	return nil
}

// Resolve reads the ephemeral method node's value.
func (c *ZKClient) Resolve(service, method string) (string, error) {
	data, _, err := c.conn.Get(methodPath(service, method))
	if err == zk.ErrNoNode {
		return "", ErrMethodNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coordination: zk.Get(%s/%s): %w", service, method, err)
	}
	return string(data), nil
}

// Close disconnects the ZooKeeper session.
func (c *ZKClient) Close() error {
	c.conn.Close()
	return nil
}
