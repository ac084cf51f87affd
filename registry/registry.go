// Package registry implements service registration and unregistration
// against the pattern store. The registry is the only writer of service
// keys; every side effect beyond the store write is an event-bus
// emission, never a direct call into another component.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/oeway/hypha-core/access"
	"github.com/oeway/hypha-core/address"
	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/eventbus"
	"github.com/oeway/hypha-core/metric"
	"github.com/oeway/hypha-core/pkg/retry"
	"github.com/oeway/hypha-core/store"
	"github.com/oeway/hypha-core/transport"
	"github.com/oeway/hypha-core/types"
)

// Registry registers and unregisters services. It also hosts the local
// implementation table serving the loopback transport.
type Registry struct {
	store     store.Store
	bus       *eventbus.LocalBus
	transport transport.Transport
	metrics   *metric.Metrics
	logger    *slog.Logger

	localMu sync.RWMutex
	local   map[string]*types.ServiceHandle
}

// Option configures a Registry.
type Option func(*Registry)

// WithTransport supplies the transport used for the post-registration
// setup call. Without one the setup call is skipped.
func WithTransport(t transport.Transport) Option {
	return func(r *Registry) { r.transport = t }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a registry over the given store and bus.
func New(st store.Store, bus *eventbus.LocalBus, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  st,
		bus:    bus,
		logger: logger,
		local:  make(map[string]*types.ServiceHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register canonicalizes the service id, applies the access rules, writes
// the record to the store, and emits the matching lifecycle event. The
// returned record carries the canonical id and workspace.
//
// The existence check and the write are two store operations; two
// concurrent registrations of the same key may both observe "added"
// semantics. The store itself is last-write-wins at the key level.
func (r *Registry) Register(ctx context.Context, info *types.ServiceInfo, impl types.Implementation, caller types.Context) (*types.ServiceInfo, error) {
	if info == nil {
		return nil, errors.InvalidIdentifier("", "nil service record")
	}
	rawID := info.ID

	id, err := address.NormalizeRegistration(rawID, caller)
	if err != nil {
		return nil, err
	}
	if err := access.CheckRegistration(rawID, id, caller); err != nil {
		return nil, err
	}

	visibility := info.Config.Visibility
	if visibility == "" {
		visibility = types.VisibilityProtected
	}
	if !visibility.Valid() {
		return nil, errors.InvalidQuery(fmt.Sprintf("unsupported visibility %q", visibility))
	}
	id.Visibility = string(visibility)
	if info.AppID != "" {
		id.AppID = info.AppID
	}

	record := *info
	record.ID = id.FullID()
	record.AppID = id.AppID
	record.Config.Visibility = visibility
	record.Config.Workspace = id.Workspace

	// Existence is checked across all visibilities so that re-registering
	// under a new visibility reads as an update, and the stale key is
	// removed before the write: visibility is part of the storage key, so
	// without the purge the old record would keep matching list queries.
	key := id.StoreKey()
	anyVisibility := fmt.Sprintf("services:*:%s@%s", id.FullID(), id.AppID)
	existed, err := r.store.Exists(ctx, anyVisibility)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Register", "existence check")
	}
	if existed {
		if _, err := r.store.Delete(ctx, anyVisibility); err != nil {
			return nil, errors.Wrap(err, "Registry", "Register", "stale record purge")
		}
	}

	fields, err := record.Fields()
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Register", "encode record")
	}
	if err := r.store.HSet(ctx, key, fields); err != nil {
		return nil, errors.Wrap(err, "Registry", "Register", "store write")
	}

	if local, ok := impl.(types.LocalImplementation); ok {
		r.localMu.Lock()
		r.local[record.ID] = &types.ServiceHandle{
			ID:          record.ID,
			Name:        record.Name,
			Description: record.Description,
			Type:        record.Type,
			Config:      record.Config,
			AppID:       record.AppID,
			Methods:     local.Methods,
		}
		r.localMu.Unlock()
	}

	event := lifecycleEvent(id.ServiceID, existed)
	r.bus.Emit(ctx, event, &record)
	r.metrics.RecordRegistration(event)
	r.logger.Info("service registered",
		"id", record.ID, "app_id", record.AppID, "event", event, "caller", caller.ClientID)

	if !existed && id.ServiceID == "default" {
		go r.runSetup(record.ID)
	}

	return &record, nil
}

// lifecycleEvent picks the emitted event name: built-in registrations are
// client lifecycle, everything else is service lifecycle.
func lifecycleEvent(serviceID string, existed bool) string {
	builtIn := serviceID == "built-in"
	switch {
	case builtIn && existed:
		return eventbus.ClientUpdated
	case builtIn:
		return eventbus.ClientConnected
	case existed:
		return eventbus.ServiceUpdated
	default:
		return eventbus.ServiceAdded
	}
}

// runSetup makes the best-effort setup() call against a newly registered
// default service. Failures are logged and never reach the registrant.
func (r *Registry) runSetup(fullID string) {
	if r.transport == nil {
		return
	}
	err := retry.Do(context.Background(), retry.Setup(), func() error {
		handle, err := r.transport.GetRemoteService(context.Background(), fullID, transport.DefaultFetchTimeout)
		if err != nil {
			return err
		}
		if _, ok := handle.Methods["setup"]; !ok {
			return retry.NonRetryable(fmt.Errorf("service %s exposes no setup method", fullID))
		}
		_, err = handle.Call(context.Background(), "setup")
		return err
	})
	if err != nil {
		r.logger.Warn("default service setup call failed", "id", fullID, "error", err)
	}
}

// Unregister removes all app variants matching the id and emits the
// matching removal event. A missing key is a warning, not an error.
func (r *Registry) Unregister(ctx context.Context, rawID string, caller types.Context) error {
	base, app, found := strings.Cut(rawID, "@")
	if !strings.Contains(base, ":") {
		return errors.InvalidIdentifier(rawID, "unregistration requires a client:service id")
	}
	if !found || app == "" {
		app = address.Wildcard
	}
	if !strings.Contains(base, "/") {
		base = caller.Workspace + "/" + base
	}

	pattern := fmt.Sprintf("services:*:%s@%s", base, app)
	count, err := r.store.Delete(ctx, pattern)
	if err != nil {
		return errors.Wrap(err, "Registry", "Unregister", "store delete")
	}
	if count == 0 {
		r.logger.Warn("unregister of unknown service", "id", rawID, "caller", caller.ClientID)
		return nil
	}

	r.localMu.Lock()
	delete(r.local, base)
	r.localMu.Unlock()

	event := eventbus.ServiceRemoved
	if strings.HasSuffix(base, ":built-in") {
		event = eventbus.ClientDisconnected
	}
	r.bus.Emit(ctx, event, &types.ServiceInfo{ID: base, AppID: app})
	r.metrics.RecordRegistration(event)
	r.logger.Info("service unregistered", "id", base, "keys", count, "event", event)
	return nil
}

// SetTransport wires the transport used for setup calls. Assembly-time
// only, before the registry serves requests.
func (r *Registry) SetTransport(t transport.Transport) {
	r.transport = t
}

// LookupLocal returns the in-process handle for a fully qualified id,
// satisfying the loopback transport's Provider contract.
func (r *Registry) LookupLocal(fullID string) (*types.ServiceHandle, bool) {
	r.localMu.RLock()
	defer r.localMu.RUnlock()
	handle, ok := r.local[fullID]
	return handle, ok
}
