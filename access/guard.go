// Package access evaluates the security rules gating registration into
// the default workspace, cross-workspace token issuance, and query
// visibility. Rules operate on the raw supplied id as well as the
// canonical form so that normalization rewrites cannot widen access.
package access

import (
	"fmt"
	"strings"

	"github.com/oeway/hypha-core/address"
	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/types"
)

// DefaultWorkspace is the shared tenant namespace with restricted
// registration.
const DefaultWorkspace = "default"

// isRootClient reports whether a client id carries root privilege for
// default-workspace registration.
func isRootClient(clientID string) bool {
	return clientID == "root" || strings.HasSuffix(clientID, "/root")
}

// isLegitimateDefault reports whether rawID names the caller's own
// default service: the bare id "default", or "<client>:default" where
// <client> equals the caller's client suffix. The comparison runs on
// the raw pre-colon text as supplied, so a fully qualified id (which
// carries a workspace prefix no client suffix can equal) never passes.
func isLegitimateDefault(rawID string, caller types.Context) bool {
	base, _, _ := strings.Cut(rawID, "@")
	if base == "default" {
		return true
	}
	client, ok := strings.CutSuffix(base, ":default")
	if !ok {
		return false
	}
	return client == caller.ClientSuffix()
}

// CheckRegistration enforces the default-workspace registration rule.
// rawID is the id as supplied by the caller, id its canonical form.
func CheckRegistration(rawID string, id *address.Identifier, caller types.Context) error {
	if id.Workspace != DefaultWorkspace {
		return nil
	}
	if isRootClient(caller.ClientID) {
		return nil
	}
	if address.IsBuiltIn(rawID) {
		return nil
	}
	if isLegitimateDefault(rawID, caller) {
		return nil
	}
	return errors.AccessDenied(id.Workspace, caller.ClientID,
		fmt.Sprintf("registration of %q in the default workspace requires root, a built-in id, or the caller's own default service", rawID))
}

// CheckTokenIssuance enforces the cross-workspace token rule: only the
// root client of the default workspace may mint tokens for a workspace
// other than its own.
func CheckTokenIssuance(targetWorkspace string, caller types.Context) error {
	if targetWorkspace == "" || targetWorkspace == caller.Workspace {
		return nil
	}
	if caller.IsRoot() {
		return nil
	}
	return errors.AccessDenied(targetWorkspace, caller.ClientID,
		"cross-workspace token issuance requires the default workspace root client")
}

// ApplyQueryVisibility enforces the query visibility rule, returning the
// effective visibility. Querying across all workspaces always forces
// public visibility; listing across all workspaces with protected
// visibility is rejected outright.
func ApplyQueryVisibility(workspace, visibility string, listing bool) (string, error) {
	if workspace != address.Wildcard {
		return visibility, nil
	}
	if listing && visibility == string(types.VisibilityProtected) {
		return "", errors.InvalidQuery("cannot list protected services across all workspaces")
	}
	return string(types.VisibilityPublic), nil
}
