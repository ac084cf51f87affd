package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hyphaerrors "github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/eventbus"
	"github.com/oeway/hypha-core/store"
	"github.com/oeway/hypha-core/transport"
	"github.com/oeway/hypha-core/types"
)

// eventRecorder captures every lifecycle emission by name.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
	ids    []string
}

func recordEvents(bus *eventbus.LocalBus) *eventRecorder {
	rec := &eventRecorder{}
	for _, name := range []string{
		eventbus.ServiceAdded, eventbus.ServiceUpdated, eventbus.ServiceRemoved,
		eventbus.ClientConnected, eventbus.ClientUpdated, eventbus.ClientDisconnected,
	} {
		name := name
		bus.On(name, func(_ context.Context, payload any) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.events = append(rec.events, name)
			if info, ok := payload.(*types.ServiceInfo); ok {
				rec.ids = append(rec.ids, info.ID)
			}
		})
	}
	return rec
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *store.MemoryStore, *eventRecorder) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := eventbus.NewLocalBus(nil)
	rec := recordEvents(bus)
	return New(st, bus, nil, opts...), st, rec
}

func TestRegister_CanonicalizesAndStores(t *testing.T) {
	reg, st, rec := newTestRegistry(t)
	ctx := context.Background()
	caller := types.Context{Workspace: "default", ClientID: "root"}

	record, err := reg.Register(ctx, &types.ServiceInfo{ID: "calc", Name: "Calculator"}, nil, caller)
	require.NoError(t, err)
	assert.Equal(t, "default/root:calc", record.ID)
	assert.Equal(t, "default", record.Config.Workspace)
	assert.Equal(t, types.VisibilityProtected, record.Config.Visibility)
	assert.Equal(t, "*", record.AppID)

	keys, err := st.Keys(ctx, "services:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "services:protected:default/root:calc@*", keys[0])

	fields, err := st.HGetAll(ctx, keys[0])
	require.NoError(t, err)
	stored, err := types.ServiceInfoFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, "Calculator", stored.Name)

	assert.Equal(t, []string{eventbus.ServiceAdded}, rec.names())
}

func TestRegister_SecondWriteIsUpdate(t *testing.T) {
	reg, st, rec := newTestRegistry(t)
	ctx := context.Background()
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(ctx, &types.ServiceInfo{ID: "calc"}, nil, caller)
	require.NoError(t, err)
	_, err = reg.Register(ctx, &types.ServiceInfo{ID: "calc"}, nil, caller)
	require.NoError(t, err)

	assert.Equal(t, []string{eventbus.ServiceAdded, eventbus.ServiceUpdated}, rec.names())

	keys, err := st.Keys(ctx, "services:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "re-registration overwrites in place")
}

func TestRegister_VisibilityChangeReplacesRecord(t *testing.T) {
	reg, st, rec := newTestRegistry(t)
	ctx := context.Background()
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(ctx, &types.ServiceInfo{ID: "calc"}, nil, caller)
	require.NoError(t, err)
	_, err = reg.Register(ctx, &types.ServiceInfo{
		ID:     "calc",
		Config: types.ServiceConfig{Visibility: types.VisibilityPublic},
	}, nil, caller)
	require.NoError(t, err)

	keys, err := st.Keys(ctx, "services:*")
	require.NoError(t, err)
	require.Len(t, keys, 1, "the protected record is replaced, not shadowed")
	assert.Equal(t, "services:public:ws-1/alice:calc@*", keys[0])

	assert.Equal(t, []string{eventbus.ServiceAdded, eventbus.ServiceUpdated}, rec.names())
}

func TestRegister_DefaultWorkspaceDenied(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	caller := types.Context{Workspace: "default", ClientID: "ws/bob"}

	_, err := reg.Register(context.Background(), &types.ServiceInfo{ID: "foo"}, nil, caller)
	require.Error(t, err)
	assert.ErrorIs(t, err, hyphaerrors.ErrAccessDenied)
	assert.Empty(t, rec.names(), "denied registration emits nothing")
}

func TestRegister_BuiltInEmitsClientConnected(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(context.Background(), &types.ServiceInfo{ID: "built-in"}, nil, caller)
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), &types.ServiceInfo{ID: "built-in"}, nil, caller)
	require.NoError(t, err)

	assert.Equal(t, []string{eventbus.ClientConnected, eventbus.ClientUpdated}, rec.names())
}

func TestRegister_InvalidVisibility(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(context.Background(), &types.ServiceInfo{
		ID:     "calc",
		Config: types.ServiceConfig{Visibility: "secret"},
	}, nil, caller)
	assert.ErrorIs(t, err, hyphaerrors.ErrInvalidQuery)
}

// setupTransport serves a default service whose setup() may fail a fixed
// number of times before succeeding.
type setupTransport struct {
	mu        sync.Mutex
	failures  int
	calls     int
	succeeded chan struct{}
}

func (s *setupTransport) GetRemoteService(_ context.Context, fullID string, _ time.Duration) (*types.ServiceHandle, error) {
	return &types.ServiceHandle{
		ID: fullID,
		Methods: map[string]types.Method{
			"setup": func(context.Context, ...any) (any, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.calls++
				if s.calls <= s.failures {
					return nil, assert.AnError
				}
				close(s.succeeded)
				return nil, nil
			},
		},
	}, nil
}

func TestRegister_DefaultServiceTriggersSetup(t *testing.T) {
	tr := &setupTransport{failures: 1, succeeded: make(chan struct{})}
	reg, _, _ := newTestRegistry(t, WithTransport(tr))
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(context.Background(), &types.ServiceInfo{ID: "default"}, nil, caller)
	require.NoError(t, err)

	select {
	case <-tr.succeeded:
	case <-time.After(3 * time.Second):
		t.Fatal("setup call never succeeded")
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 2, tr.calls, "first attempt fails, retry succeeds")
}

func TestRegister_SetupOnlyOnFirstRegistration(t *testing.T) {
	tr := &setupTransport{succeeded: make(chan struct{})}
	reg, _, _ := newTestRegistry(t, WithTransport(tr))
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(context.Background(), &types.ServiceInfo{ID: "default"}, nil, caller)
	require.NoError(t, err)
	<-tr.succeeded

	_, err = reg.Register(context.Background(), &types.ServiceInfo{ID: "default"}, nil, caller)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, 1, tr.calls, "re-registration does not re-run setup")
}

func TestUnregister(t *testing.T) {
	reg, st, rec := newTestRegistry(t)
	ctx := context.Background()
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(ctx, &types.ServiceInfo{ID: "calc"}, nil, caller)
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(ctx, "alice:calc", caller))

	keys, err := st.Keys(ctx, "services:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, []string{eventbus.ServiceAdded, eventbus.ServiceRemoved}, rec.names())
}

func TestUnregister_RequiresColon(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	err := reg.Unregister(context.Background(), "calc", types.Context{Workspace: "ws-1", ClientID: "alice"})
	assert.ErrorIs(t, err, hyphaerrors.ErrInvalidIdentifier)
}

func TestUnregister_MissingKeyIsNoOp(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	err := reg.Unregister(context.Background(), "alice:ghost", types.Context{Workspace: "ws-1", ClientID: "alice"})
	assert.NoError(t, err)
	assert.Empty(t, rec.names())
}

func TestUnregister_BuiltInEmitsClientDisconnected(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	_, err := reg.Register(ctx, &types.ServiceInfo{ID: "built-in"}, nil, caller)
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(ctx, "alice:built-in", caller))

	assert.Equal(t, []string{eventbus.ClientConnected, eventbus.ClientDisconnected}, rec.names())
}

func TestRegister_LocalImplementationServable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	caller := types.Context{Workspace: "ws-1", ClientID: "alice"}

	impl := types.LocalImplementation{Methods: map[string]types.Method{
		"add": func(_ context.Context, args ...any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		},
	}}
	record, err := reg.Register(context.Background(), &types.ServiceInfo{ID: "calc"}, impl, caller)
	require.NoError(t, err)

	lb := transport.NewLoopback(reg)
	handle, err := lb.GetRemoteService(context.Background(), record.ID, time.Second)
	require.NoError(t, err)

	sum, err := handle.Call(context.Background(), "add", 20, 22)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}
