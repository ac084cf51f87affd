// Package readiness coordinates the bring-up handshake for newly
// launched clients: a bounded, event-driven wait for the client's default
// service to be registered, and a lower-level wait for its transport
// connection to come up.
//
// Each wait is a single-resolution future held in a wait-id-keyed map.
// Concurrent waiters on the same id are independent; they are not
// deduplicated.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oeway/hypha-core/address"
	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/eventbus"
	"github.com/oeway/hypha-core/metric"
	"github.com/oeway/hypha-core/transport"
	"github.com/oeway/hypha-core/types"
)

// legacyClientType marks records from the legacy protocol whose bare
// event payload already proves readiness.
const legacyClientType = "imjoy"

// Coordinator tracks pending readiness waits.
type Coordinator struct {
	bus       *eventbus.LocalBus
	transport transport.Transport
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	waits map[string]string // wait id -> awaited target, for introspection
}

// New creates a coordinator over the given bus and transport.
func New(bus *eventbus.LocalBus, tr transport.Transport, logger *slog.Logger, metrics *metric.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		bus:       bus,
		transport: tr,
		metrics:   metrics,
		logger:    logger,
		waits:     make(map[string]string),
	}
}

// Pending returns the number of outstanding waits.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}

func (c *Coordinator) track(target string) (string, func()) {
	id := uuid.NewString()
	c.mu.Lock()
	c.waits[id] = target
	c.mu.Unlock()
	c.metrics.WaitStarted()
	return id, func() {
		c.mu.Lock()
		delete(c.waits, id)
		c.mu.Unlock()
		c.metrics.WaitSettled()
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// WaitForClient blocks until a client whose id matches clientID registers
// its default service, then returns the fetched handle. It rejects with a
// timeout after the given duration, or earlier if ctx is cancelled. The
// listener and timer are always released on settle.
func (c *Coordinator) WaitForClient(ctx context.Context, clientID string, timeout time.Duration) (*types.ServiceHandle, error) {
	_, untrack := c.track(clientID)
	defer untrack()

	results := make(chan outcome[*types.ServiceHandle], 1)
	var once sync.Once
	settle := func(handle *types.ServiceHandle, err error) {
		once.Do(func() { results <- outcome[*types.ServiceHandle]{handle, err} })
	}

	sub := c.bus.On(eventbus.ServiceAdded, func(evCtx context.Context, payload any) {
		info, ok := payload.(*types.ServiceInfo)
		if !ok || address.ClientOf(info.ID) != clientID {
			return
		}
		c.onAwaitedService(evCtx, info, settle)
	})
	defer sub.Unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.value, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: client %s not ready after %s", errors.ErrTimeout, clientID, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for client %s cancelled: %w", clientID, ctx.Err())
	}
}

// onAwaitedService inspects a service_added event from the awaited
// client. A legacy record resolves immediately; anything but the default
// service is ignored and the wait continues.
func (c *Coordinator) onAwaitedService(ctx context.Context, info *types.ServiceInfo, settle func(*types.ServiceHandle, error)) {
	if info.Type == legacyClientType {
		handle := &types.ServiceHandle{
			ID:          info.ID,
			Name:        info.Name,
			Description: info.Description,
			Type:        info.Type,
			Config:      info.Config,
			AppID:       info.AppID,
		}
		c.bus.Emit(ctx, eventbus.ClientReady, handle)
		settle(handle, nil)
		return
	}
	if !strings.HasSuffix(info.ID, ":default") {
		c.logger.Debug("ignoring non-default service from awaited client", "id", info.ID)
		return
	}

	handle, err := c.transport.GetRemoteService(ctx, info.ID, transport.DefaultFetchTimeout)
	if err != nil {
		// The registration proves intent but the service is not callable
		// yet; keep waiting until the deadline.
		c.logger.Warn("default service registered but not fetchable", "id", info.ID, "error", err)
		return
	}
	c.bus.Emit(ctx, eventbus.ClientReady, handle)
	settle(handle, nil)
}

// WaitForConnection blocks until a connection_ready event fires for the
// given connection id, used by launch sequencing ahead of WaitForClient.
func (c *Coordinator) WaitForConnection(ctx context.Context, connectionID string, timeout time.Duration) (*types.ConnectionInfo, error) {
	_, untrack := c.track(connectionID)
	defer untrack()

	results := make(chan outcome[*types.ConnectionInfo], 1)
	var once sync.Once

	sub := c.bus.On(eventbus.ConnectionReady, func(_ context.Context, payload any) {
		conn, ok := payload.(*types.ConnectionInfo)
		if !ok || conn.ID != connectionID {
			return
		}
		once.Do(func() { results <- outcome[*types.ConnectionInfo]{conn, nil} })
	})
	defer sub.Unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.value, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w: connection %s not ready after %s", errors.ErrTimeout, connectionID, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for connection %s cancelled: %w", connectionID, ctx.Err())
	}
}
