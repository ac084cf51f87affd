// Package transport defines the RPC transport collaborator used to fetch
// remote service handles, plus two implementations: an in-process
// loopback for locally registered services and a WebSocket client for
// remote peers.
package transport

import (
	"context"
	"time"

	"github.com/oeway/hypha-core/types"
)

// Transport fetches a callable handle for a fully qualified service id
// (<workspace>/<client_id>:<service_id>) within the given timeout.
type Transport interface {
	GetRemoteService(ctx context.Context, fullID string, timeout time.Duration) (*types.ServiceHandle, error)
}

// DefaultFetchTimeout bounds a remote fetch when the caller does not
// supply one.
const DefaultFetchTimeout = 5 * time.Second
