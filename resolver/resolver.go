// Package resolver implements service discovery: direct fetch for
// concrete ids, glob pattern search with workspace-aware ranking for
// everything else, and rate-limited on-demand app launch when a requested
// app instance does not exist yet.
package resolver

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oeway/hypha-core/access"
	"github.com/oeway/hypha-core/address"
	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/metric"
	"github.com/oeway/hypha-core/store"
	"github.com/oeway/hypha-core/transport"
	"github.com/oeway/hypha-core/types"
)

// Selection modes for multi-candidate resolution.
const (
	ModeDefault = "default"
	ModeRandom  = "random"
)

// GetOptions tune a single resolution.
type GetOptions struct {
	// Mode selects candidate ordering: ModeDefault sorts candidates
	// lexicographically, ModeRandom shuffles them.
	Mode string
	// SkipTimeout moves on to the next candidate after a per-candidate
	// timeout instead of aborting the whole resolution.
	SkipTimeout bool
	// Timeout bounds each remote fetch. Defaults to 5s.
	Timeout time.Duration
}

// Launcher materializes a new app instance when resolution finds no
// running candidate for an explicitly requested app id.
type Launcher interface {
	Launch(ctx context.Context, workspace, appID string) error
}

// Resolver answers get and list queries against the pattern store.
type Resolver struct {
	store     store.Store
	transport transport.Transport
	launcher  Launcher
	limiter   *rate.Limiter
	metrics   *metric.Metrics
	logger    *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLauncher enables fallback app launch.
func WithLauncher(l Launcher) Option {
	return func(r *Resolver) { r.launcher = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLaunchLimit overrides the fallback-launch rate limit.
func WithLaunchLimit(limiter *rate.Limiter) Option {
	return func(r *Resolver) { r.limiter = limiter }
}

// WithRandSource seeds candidate shuffling, for deterministic tests.
func WithRandSource(src rand.Source) Option {
	return func(r *Resolver) { r.rand = rand.New(src) }
}

// New creates a resolver over the given store and transport.
func New(st store.Store, tr transport.Transport, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:     st,
		transport: tr,
		logger:    logger,
		// A hot miss must not stampede the launcher.
		limiter: rate.NewLimiter(rate.Limit(1), 2),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get resolves a query to a single callable handle, or nil when nothing
// matches. A resolution miss is not an error; only validation failures,
// access violations, and (without SkipTimeout) candidate timeouts are.
func (r *Resolver) Get(ctx context.Context, raw string, q address.Query, opts GetOptions, caller types.Context) (*types.ServiceHandle, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = transport.DefaultFetchTimeout
	}
	id, err := address.ParseQuery(raw, q, caller.Workspace)
	if err != nil {
		return nil, err
	}
	visibility, err := access.ApplyQueryVisibility(id.Workspace, id.Visibility, false)
	if err != nil {
		return nil, err
	}
	id.Visibility = visibility

	return r.resolve(ctx, id, opts, caller, true)
}

func (r *Resolver) resolve(ctx context.Context, id *address.Identifier, opts GetOptions, caller types.Context, mayLaunch bool) (*types.ServiceHandle, error) {
	if r.transport == nil {
		return nil, errors.ErrNoTransport
	}

	// Concrete ids skip the pattern search entirely.
	if id.IsConcrete() {
		handle, err := r.transport.GetRemoteService(ctx, id.FullID(), opts.Timeout)
		if err != nil {
			r.logger.Debug("direct fetch missed", "id", id.FullID(), "error", err)
			r.metrics.RecordResolution("miss")
			return nil, nil
		}
		handle.Config.Workspace = id.Workspace
		r.metrics.RecordResolution("hit")
		return handle, nil
	}

	candidates, err := r.candidates(ctx, id, opts.Mode, caller)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		handle, err := r.transport.GetRemoteService(ctx, candidate.FullID(), opts.Timeout)
		if err == nil {
			handle.Config.Workspace = candidate.Workspace
			r.metrics.RecordResolution("hit")
			return handle, nil
		}
		if stderrors.Is(err, errors.ErrTimeout) {
			if opts.SkipTimeout {
				r.logger.Debug("candidate fetch timed out, skipping", "id", candidate.FullID())
				continue
			}
			r.metrics.RecordResolution("timeout")
			return nil, fmt.Errorf("%w: fetching %s", errors.ErrTimeout, candidate.FullID())
		}
		r.logger.Debug("candidate fetch failed, skipping", "id", candidate.FullID(), "error", err)
	}

	// An explicitly requested app instance can be launched on demand.
	if mayLaunch && r.launcher != nil && id.AppID != address.Wildcard {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("launch rate limit: %w", err)
		}
		r.logger.Info("launching app for unresolved service",
			"workspace", id.Workspace, "app_id", id.AppID, "service", id.ServiceID)
		if err := r.launcher.Launch(ctx, id.Workspace, id.AppID); err != nil {
			return nil, errors.Wrap(err, "Resolver", "Get", "app launch")
		}
		r.metrics.RecordResolution("launched")
		return r.resolve(ctx, id, opts, caller, false)
	}

	r.metrics.RecordResolution("miss")
	return nil, nil
}

// candidates runs the pattern search and orders matches: services in the
// caller's workspace first, then everything else, each bucket shuffled or
// sorted per the selection mode.
func (r *Resolver) candidates(ctx context.Context, id *address.Identifier, mode string, caller types.Context) ([]*address.Identifier, error) {
	keys, err := r.store.Keys(ctx, id.StoreKey())
	if err != nil {
		return nil, errors.Wrap(err, "Resolver", "Get", "pattern search")
	}

	// A cross-workspace query still sees everything in the caller's own
	// workspace, whatever its visibility.
	if id.Workspace == address.Wildcard && caller.Workspace != "" {
		scoped := *id
		scoped.Workspace = caller.Workspace
		scoped.Visibility = address.Wildcard
		more, err := r.store.Keys(ctx, scoped.StoreKey())
		if err != nil {
			return nil, errors.Wrap(err, "Resolver", "Get", "workspace-scoped search")
		}
		keys = union(keys, more)
	}

	var within, outside []string
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		parsed, err := address.ParseStoreKey(key)
		if err != nil {
			r.logger.Warn("skipping malformed store key", "key", key, "error", err)
			continue
		}
		if _, dup := seen[parsed.FullID()]; dup {
			continue
		}
		seen[parsed.FullID()] = struct{}{}
		if parsed.Workspace == caller.Workspace {
			within = append(within, key)
		} else {
			outside = append(outside, key)
		}
	}

	r.order(within, mode)
	r.order(outside, mode)

	ordered := make([]*address.Identifier, 0, len(within)+len(outside))
	for _, key := range append(within, outside...) {
		parsed, _ := address.ParseStoreKey(key)
		ordered = append(ordered, parsed)
	}
	return ordered, nil
}

// order arranges one candidate bucket in place.
func (r *Resolver) order(keys []string, mode string) {
	if mode == ModeRandom {
		r.randMu.Lock()
		r.rand.Shuffle(len(keys), func(i, j int) {
			keys[i], keys[j] = keys[j], keys[i]
		})
		r.randMu.Unlock()
		return
	}
	sort.Strings(keys)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, k := range a {
		seen[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := seen[k]; !ok {
			a = append(a, k)
		}
	}
	return a
}
