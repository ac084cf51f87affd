package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/types"
)

// Provider supplies handles for services hosted in this process. The
// registry's local implementation table satisfies it.
type Provider interface {
	LookupLocal(fullID string) (*types.ServiceHandle, bool)
}

// Loopback serves GetRemoteService from in-process implementations,
// bypassing the network entirely. It still honors the timeout contract so
// resolution behaves identically for local and remote candidates.
type Loopback struct {
	provider Provider
}

// NewLoopback creates a loopback transport over the given provider.
func NewLoopback(provider Provider) *Loopback {
	return &Loopback{provider: provider}
}

// GetRemoteService returns the handle for a locally hosted service.
func (l *Loopback) GetRemoteService(ctx context.Context, fullID string, timeout time.Duration) (*types.ServiceHandle, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", errors.ErrTimeout, fullID, err)
	}
	handle, ok := l.provider.LookupLocal(fullID)
	if !ok {
		return nil, fmt.Errorf("service %s not hosted locally", fullID)
	}
	// Callers patch the resolved workspace onto the handle; hand out a
	// copy so the provider's table stays untouched.
	out := *handle
	return &out, nil
}
