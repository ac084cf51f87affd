package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeway/hypha-core/address"
	hyphaerrors "github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/types"
)

func mustNormalize(t *testing.T, rawID string, caller types.Context) *address.Identifier {
	t.Helper()
	id, err := address.NormalizeRegistration(rawID, caller)
	require.NoError(t, err)
	return id
}

func TestCheckRegistration_DefaultWorkspace(t *testing.T) {
	tests := []struct {
		name   string
		rawID  string
		caller types.Context
		denied bool
	}{
		{
			name:   "root client allowed",
			rawID:  "calc",
			caller: types.Context{Workspace: "default", ClientID: "root"},
		},
		{
			name:   "suffixed root allowed",
			rawID:  "calc",
			caller: types.Context{Workspace: "default", ClientID: "anon/root"},
		},
		{
			name:   "built-in allowed for any client",
			rawID:  "built-in",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
		},
		{
			name:   "client-scoped built-in allowed",
			rawID:  "bob:built-in",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
		},
		{
			name:   "own default service allowed",
			rawID:  "default",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
		},
		{
			name:   "matching client default allowed",
			rawID:  "bob:default",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
		},
		{
			name:   "mismatched client default denied",
			rawID:  "alice:default",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
			denied: true,
		},
		{
			name:   "plain service denied for non-root",
			rawID:  "foo",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
			denied: true,
		},
		{
			name:   "full-form foreign default denied",
			rawID:  "default/alice:default",
			caller: types.Context{Workspace: "default", ClientID: "ws-user/alice"},
			denied: true,
		},
		{
			name:   "full-form own default denied",
			rawID:  "default/bob:default",
			caller: types.Context{Workspace: "default", ClientID: "ws/bob"},
			denied: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := mustNormalize(t, tt.rawID, tt.caller)
			err := CheckRegistration(tt.rawID, id, tt.caller)
			if tt.denied {
				require.Error(t, err)
				assert.ErrorIs(t, err, hyphaerrors.ErrAccessDenied)
				assert.Contains(t, err.Error(), "default")
				assert.Contains(t, err.Error(), tt.caller.ClientID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckRegistration_OtherWorkspaceUnrestricted(t *testing.T) {
	caller := types.Context{Workspace: "ws-1", ClientID: "bob"}
	id := mustNormalize(t, "anything", caller)
	assert.NoError(t, CheckRegistration("anything", id, caller))
}

func TestCheckRegistration_NormalizedRewriteStillGuarded(t *testing.T) {
	// A fully-qualified id targeting the default workspace is guarded even
	// though the raw id needed no rewriting.
	caller := types.Context{Workspace: "ws-1", ClientID: "bob"}
	id := mustNormalize(t, "default/bob:calc", caller)
	err := CheckRegistration("default/bob:calc", id, caller)
	assert.ErrorIs(t, err, hyphaerrors.ErrAccessDenied)
}

func TestCheckTokenIssuance(t *testing.T) {
	root := types.Context{Workspace: "default", ClientID: "root"}
	bob := types.Context{Workspace: "ws-1", ClientID: "bob"}

	assert.NoError(t, CheckTokenIssuance("ws-2", root))
	assert.NoError(t, CheckTokenIssuance("ws-1", bob))
	assert.NoError(t, CheckTokenIssuance("", bob))

	err := CheckTokenIssuance("ws-2", bob)
	assert.ErrorIs(t, err, hyphaerrors.ErrAccessDenied)

	// Root client of a non-default workspace holds no cross-workspace power.
	fakeRoot := types.Context{Workspace: "ws-1", ClientID: "root"}
	err = CheckTokenIssuance("ws-2", fakeRoot)
	assert.ErrorIs(t, err, hyphaerrors.ErrAccessDenied)
}

func TestApplyQueryVisibility(t *testing.T) {
	vis, err := ApplyQueryVisibility("ws-1", "protected", false)
	require.NoError(t, err)
	assert.Equal(t, "protected", vis)

	vis, err = ApplyQueryVisibility("*", "protected", false)
	require.NoError(t, err)
	assert.Equal(t, "public", vis)

	vis, err = ApplyQueryVisibility("*", "*", true)
	require.NoError(t, err)
	assert.Equal(t, "public", vis)

	_, err = ApplyQueryVisibility("*", "protected", true)
	assert.ErrorIs(t, err, hyphaerrors.ErrInvalidQuery)
}
