package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/oeway/hypha-core/address"
	hyphaerrors "github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/store"
	"github.com/oeway/hypha-core/types"
)

// fakeTransport serves canned handles and simulates timeouts per id.
type fakeTransport struct {
	mu       sync.Mutex
	handles  map[string]*types.ServiceHandle
	timeouts map[string]bool
	fetched  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handles:  make(map[string]*types.ServiceHandle),
		timeouts: make(map[string]bool),
	}
}

func (f *fakeTransport) serve(fullID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[fullID] = &types.ServiceHandle{ID: fullID}
}

func (f *fakeTransport) timeoutOn(fullID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts[fullID] = true
}

func (f *fakeTransport) GetRemoteService(_ context.Context, fullID string, _ time.Duration) (*types.ServiceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, fullID)
	if f.timeouts[fullID] {
		return nil, fmt.Errorf("%w: fetch %s", hyphaerrors.ErrTimeout, fullID)
	}
	if h, ok := f.handles[fullID]; ok {
		copy := *h
		return &copy, nil
	}
	return nil, fmt.Errorf("service %s unavailable", fullID)
}

func (f *fakeTransport) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func seed(t *testing.T, st *store.MemoryStore, visibility, fullID, appID string) {
	t.Helper()
	key := fmt.Sprintf("services:%s:%s@%s", visibility, fullID, appID)
	workspace := strings.SplitN(fullID, "/", 2)[0]
	cfg := fmt.Sprintf(`{"visibility":%q,"workspace":%q}`, visibility, workspace)
	require.NoError(t, st.HSet(context.Background(), key, map[string]string{
		"id":     fullID,
		"config": cfg,
		"app_id": appID,
	}))
}

var alice = types.Context{Workspace: "ws-1", ClientID: "alice"}

func TestGet_DirectFetchForConcreteID(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	tr.serve("ws-2/bob:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "ws-2/bob:calc", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-2", handle.Config.Workspace, "workspace patched onto the handle")
	assert.Equal(t, []string{"ws-2/bob:calc"}, tr.fetchedIDs(), "no pattern search for concrete ids")
}

func TestGet_DirectFetchMissIsNil(t *testing.T) {
	r := New(store.NewMemoryStore(), newFakeTransport(), nil)

	handle, err := r.Get(context.Background(), "ws-2/bob:calc", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	assert.Nil(t, handle)
}

func TestGet_OwnWorkspaceRankedFirst(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	// Lexicographically the aa-ws candidate comes first, but ws-1 is the
	// caller's workspace and must win.
	seed(t, st, "public", "aa-ws/zed:calc", "app")
	seed(t, st, "public", "ws-1/bob:calc", "app")
	tr.serve("aa-ws/zed:calc")
	tr.serve("ws-1/bob:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "calc", address.Query{Workspace: "*"}, GetOptions{}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-1/bob:calc", handle.ID)
	assert.Equal(t, "ws-1", handle.Config.Workspace)
}

func TestGet_DeterministicOrderWithinBucket(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	seed(t, st, "public", "ws-1/carol:calc", "app")
	seed(t, st, "public", "ws-1/bob:calc", "app")
	tr.serve("ws-1/bob:calc")
	tr.serve("ws-1/carol:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "calc", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-1/bob:calc", handle.ID, "default mode picks the lexicographically first candidate")
}

func TestGet_RandomModeStillResolves(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	seed(t, st, "public", "ws-1/bob:calc", "app")
	seed(t, st, "public", "ws-1/carol:calc", "app")
	tr.serve("ws-1/bob:calc")
	tr.serve("ws-1/carol:calc")
	r := New(st, tr, nil, WithRandSource(rand.NewSource(7)))

	handle, err := r.Get(context.Background(), "calc", address.Query{}, GetOptions{Mode: ModeRandom}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Contains(t, []string{"ws-1/bob:calc", "ws-1/carol:calc"}, handle.ID)
}

func TestGet_TimeoutAbortsByDefault(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	seed(t, st, "public", "ws-1/bob:calc", "app")
	seed(t, st, "public", "ws-1/carol:calc", "app")
	tr.timeoutOn("ws-1/bob:calc")
	tr.serve("ws-1/carol:calc")
	r := New(st, tr, nil)

	_, err := r.Get(context.Background(), "calc", address.Query{}, GetOptions{}, alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, hyphaerrors.ErrTimeout)
	assert.Equal(t, []string{"ws-1/bob:calc"}, tr.fetchedIDs(), "abort before trying further candidates")
}

func TestGet_SkipTimeoutContinues(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	seed(t, st, "public", "ws-1/bob:calc", "app")
	seed(t, st, "public", "ws-1/carol:calc", "app")
	tr.timeoutOn("ws-1/bob:calc")
	tr.serve("ws-1/carol:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "calc", address.Query{}, GetOptions{SkipTimeout: true}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-1/carol:calc", handle.ID)
}

func TestGet_FailedCandidateSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	seed(t, st, "public", "ws-1/bob:calc", "app")
	seed(t, st, "public", "ws-1/carol:calc", "app")
	// bob's service is registered but not reachable: plain failure, not timeout
	tr.serve("ws-1/carol:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "calc", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-1/carol:calc", handle.ID)
}

func TestGet_WildcardWorkspaceUnionsOwnProtected(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	// Protected in the caller's own workspace: invisible to the public
	// pattern, found via the workspace-scoped second pattern.
	seed(t, st, "protected", "ws-1/bob:calc", "app")
	tr.serve("ws-1/bob:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "calc", address.Query{Workspace: "*"}, GetOptions{}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-1/bob:calc", handle.ID)
}

func TestGet_WildcardWorkspaceHidesForeignProtected(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	seed(t, st, "protected", "ws-2/bob:calc", "app")
	tr.serve("ws-2/bob:calc")
	r := New(st, tr, nil)

	handle, err := r.Get(context.Background(), "calc", address.Query{Workspace: "*"}, GetOptions{}, alice)
	require.NoError(t, err)
	assert.Nil(t, handle, "protected services in other workspaces stay hidden")
}

func TestGet_MissReturnsNilNotError(t *testing.T) {
	r := New(store.NewMemoryStore(), newFakeTransport(), nil)
	handle, err := r.Get(context.Background(), "nothing", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	assert.Nil(t, handle)
}

// launchingApp simulates an external launcher that brings the instance up.
type launchingApp struct {
	st       *store.MemoryStore
	tr       *fakeTransport
	launches int
}

func (l *launchingApp) Launch(ctx context.Context, workspace, appID string) error {
	l.launches++
	key := fmt.Sprintf("services:public:%s/app-client:calc@%s", workspace, appID)
	if err := l.st.HSet(ctx, key, map[string]string{"id": workspace + "/app-client:calc"}); err != nil {
		return err
	}
	l.tr.serve(workspace + "/app-client:calc")
	return nil
}

func TestGet_FallbackLaunchForExplicitApp(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	launcher := &launchingApp{st: st, tr: tr}
	r := New(st, tr, nil, WithLauncher(launcher), WithLaunchLimit(rate.NewLimiter(rate.Inf, 1)))

	handle, err := r.Get(context.Background(), "calc@app-7", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "ws-1/app-client:calc", handle.ID)
	assert.Equal(t, 1, launcher.launches, "launch happens exactly once")
}

func TestGet_NoLaunchWithoutExplicitApp(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTransport()
	launcher := &launchingApp{st: st, tr: tr}
	r := New(st, tr, nil, WithLauncher(launcher), WithLaunchLimit(rate.NewLimiter(rate.Inf, 1)))

	handle, err := r.Get(context.Background(), "calc", address.Query{}, GetOptions{}, alice)
	require.NoError(t, err)
	assert.Nil(t, handle)
	assert.Zero(t, launcher.launches)
}

func TestList(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st, newFakeTransport(), nil)
	ctx := context.Background()

	seed(t, st, "public", "ws-1/bob:calc", "app-1")
	seed(t, st, "protected", "ws-1/alice:echo", "app-2")
	seed(t, st, "public", "ws-2/carol:calc", "app-3")

	infos, err := r.List(ctx, nil, alice)
	require.NoError(t, err)
	require.Len(t, infos, 2, "defaults to the caller's workspace")
	// Ordered by storage key: "protected" sorts before "public".
	assert.Equal(t, "ws-1/alice:echo", infos[0].ID)
	assert.Equal(t, "ws-1/bob:calc", infos[1].ID)

	infos, err = r.List(ctx, map[string]any{"workspace": "*"}, alice)
	require.NoError(t, err)
	require.Len(t, infos, 2, "cross-workspace listing sees public only")

	infos, err = r.List(ctx, map[string]any{"workspace": "ws-2"}, alice)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "ws-2/carol:calc", infos[0].ID)
}

func TestList_QueryValidation(t *testing.T) {
	r := New(store.NewMemoryStore(), newFakeTransport(), nil)
	ctx := context.Background()

	_, err := r.List(ctx, map[string]any{"bogus": "x"}, alice)
	assert.ErrorIs(t, err, hyphaerrors.ErrInvalidQuery)

	_, err = r.List(ctx, map[string]any{"workspace": 7}, alice)
	assert.ErrorIs(t, err, hyphaerrors.ErrInvalidQuery)

	_, err = r.List(ctx, map[string]any{"workspace": "*", "visibility": "protected"}, alice)
	assert.ErrorIs(t, err, hyphaerrors.ErrInvalidQuery)
}
