// Package coordination implements endpoint discovery for the RPC
// dispatcher: servers register `/<service>` (persistent) and
// `/<service>/<method>` (ephemeral, valued "host:port"); clients resolve
// the latter to find where to dial.
//
// ZKClient is the primary backend: ZooKeeper's ephemeral nodes clean up
// a dead server's registrations when its session ends. RedisClient is an
// alternate backend, useful where operating a ZooKeeper ensemble is
// overkill, emulating ephemeral nodes with a TTL'd key that the
// registering process refreshes on a heartbeat.
package coordination

import (
	"context"
	"fmt"
)

// ErrMethodNotFound is returned by Resolve when the ephemeral method node
// does not exist. The message text is part of the client-visible error
// contract.
var ErrMethodNotFound = fmt.Errorf("coordination: method_path is not exist")

// Client is the endpoint-discovery contract the RPC dispatcher and
// client depend on.
type Client interface {
	// RegisterService ensures the persistent `/<service>` node exists.
	RegisterService(service string) error

	// RegisterMethod publishes service/method as reachable at addr
	// ("host:port"), as an ephemeral registration that the backend is
	// responsible for cleaning up if the registering process dies.
	RegisterMethod(ctx context.Context, service, method, addr string) error

	// Resolve looks up the address registered for service/method.
	// Returns ErrMethodNotFound if absent.
	Resolve(service, method string) (string, error)

	// Close releases the client's connection and stops any background
	// heartbeats for registrations it owns.
	Close() error
}

func methodPath(service, method string) string {
	return "/" + service + "/" + method
}

func servicePath(service string) string {
	return "/" + service
}
