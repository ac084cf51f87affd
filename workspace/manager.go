// Package workspace assembles the naming, registration, discovery, token,
// and readiness components into one manager instance. Collaborators are
// injected explicitly; the manager holds no process-global state.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oeway/hypha-core/access"
	"github.com/oeway/hypha-core/address"
	"github.com/oeway/hypha-core/eventbus"
	"github.com/oeway/hypha-core/metric"
	"github.com/oeway/hypha-core/readiness"
	"github.com/oeway/hypha-core/registry"
	"github.com/oeway/hypha-core/resolver"
	"github.com/oeway/hypha-core/store"
	"github.com/oeway/hypha-core/token"
	"github.com/oeway/hypha-core/transport"
	"github.com/oeway/hypha-core/types"
)

// Options carry the manager's collaborators and configuration. Store,
// Bus, and Transport default to in-process implementations; TokenSecret
// is required.
type Options struct {
	Store       store.Store
	Bus         *eventbus.LocalBus
	Transport   transport.Transport
	Launcher    resolver.Launcher
	TokenSecret []byte
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// Manager is the façade over the naming and discovery core.
type Manager struct {
	store       store.Store
	bus         *eventbus.LocalBus
	transport   transport.Transport
	registry    *registry.Registry
	resolver    *resolver.Resolver
	coordinator *readiness.Coordinator
	secret      []byte
	metrics     *metric.Metrics
	logger      *slog.Logger
}

// New assembles a manager from the given collaborators.
func New(opts Options) (*Manager, error) {
	if len(opts.TokenSecret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.NewLocalBus(logger)
	}

	reg := registry.New(st, bus, logger, registry.WithMetrics(opts.Metrics))
	tr := opts.Transport
	if tr == nil {
		tr = transport.NewLoopback(reg)
	}
	reg.SetTransport(tr)

	resolverOpts := []resolver.Option{resolver.WithMetrics(opts.Metrics)}
	if opts.Launcher != nil {
		resolverOpts = append(resolverOpts, resolver.WithLauncher(opts.Launcher))
	}

	return &Manager{
		store:       st,
		bus:         bus,
		transport:   tr,
		registry:    reg,
		resolver:    resolver.New(st, tr, logger, resolverOpts...),
		coordinator: readiness.New(bus, tr, logger, opts.Metrics),
		secret:      opts.TokenSecret,
		metrics:     opts.Metrics,
		logger:      logger,
	}, nil
}

// Bus exposes the event bus for additional subscribers (bridges, tests).
func (m *Manager) Bus() *eventbus.LocalBus {
	return m.bus
}

// RegisterService registers a service for the calling client.
func (m *Manager) RegisterService(ctx context.Context, info *types.ServiceInfo, impl types.Implementation, caller types.Context) (*types.ServiceInfo, error) {
	return m.registry.Register(ctx, info, impl, caller)
}

// UnregisterService removes a registered service.
func (m *Manager) UnregisterService(ctx context.Context, id string, caller types.Context) error {
	return m.registry.Unregister(ctx, id, caller)
}

// GetService resolves a query to a single handle, or nil when nothing
// matches.
func (m *Manager) GetService(ctx context.Context, raw string, q address.Query, opts resolver.GetOptions, caller types.Context) (*types.ServiceHandle, error) {
	return m.resolver.Get(ctx, raw, q, opts, caller)
}

// ListServices returns metadata for all services matching the query.
func (m *Manager) ListServices(ctx context.Context, query map[string]any, caller types.Context) ([]*types.ServiceInfo, error) {
	return m.resolver.List(ctx, query, caller)
}

// GenerateToken mints a capability token for the caller, subject to the
// cross-workspace issuance rule.
func (m *Manager) GenerateToken(_ context.Context, opts token.Options, caller types.Context) (string, error) {
	if opts.Workspace == "" {
		opts.Workspace = caller.Workspace
	}
	if err := access.CheckTokenIssuance(opts.Workspace, caller); err != nil {
		m.metrics.RecordTokenOp("generate", "denied")
		return "", err
	}
	if opts.ClientID == "" {
		opts.ClientID = caller.ClientID
	}
	subject := caller.UserID
	if subject == "" {
		subject = caller.ClientID
	}
	claims := token.Build(subject, opts, time.Now())
	tok, err := token.Generate(claims, m.secret)
	if err != nil {
		m.metrics.RecordTokenOp("generate", "error")
		return "", err
	}
	m.metrics.RecordTokenOp("generate", "ok")
	return tok, nil
}

// ValidateToken verifies a capability token and returns its claims.
func (m *Manager) ValidateToken(tok string) (*token.Claims, error) {
	claims, err := token.Verify(tok, m.secret)
	if err != nil {
		m.metrics.RecordTokenOp("verify", "error")
		return nil, err
	}
	m.metrics.RecordTokenOp("verify", "ok")
	return claims, nil
}

// WaitForClient blocks until the client's default service is registered
// and fetchable, bounded by timeout.
func (m *Manager) WaitForClient(ctx context.Context, clientID string, timeout time.Duration) (*types.ServiceHandle, error) {
	return m.coordinator.WaitForClient(ctx, clientID, timeout)
}

// WaitForConnection blocks until the connection is announced ready.
func (m *Manager) WaitForConnection(ctx context.Context, connectionID string, timeout time.Duration) (*types.ConnectionInfo, error) {
	return m.coordinator.WaitForConnection(ctx, connectionID, timeout)
}

// AnnounceConnection records an ephemeral connection and emits
// connection_ready, settling any wait issued by launch sequencing. An
// empty id is assigned one.
func (m *Manager) AnnounceConnection(ctx context.Context, conn *types.ConnectionInfo) *types.ConnectionInfo {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	m.bus.Emit(ctx, eventbus.ConnectionReady, conn)
	m.logger.Debug("connection announced", "id", conn.ID, "workspace", conn.Workspace)
	return conn
}
