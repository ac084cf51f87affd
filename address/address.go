// Package address parses, validates, and canonicalizes composite service
// identifiers of the form <workspace>/<client_id>:<service_id>@<app_id>.
//
// All parsing lives in this package as pure functions; call sites never
// re-derive identifier shape. The wire syntax and the storage key layout
// are bit-exact contracts shared with every other deployment component.
package address

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/types"
)

// Wildcard matches any value in a single identifier dimension.
const Wildcard = "*"

// fieldPattern constrains every normalized identifier field.
var fieldPattern = regexp.MustCompile(`^[a-zA-Z0-9-_/*]+$`)

// Identifier is a fully-qualified service address across the five
// dimensions used for storage keys and discovery patterns.
type Identifier struct {
	Visibility string
	Workspace  string
	ClientID   string
	ServiceID  string
	AppID      string
}

// Query is a structured service query. Zero-valued fields are unset and
// filled from the raw id string or from defaults during parsing.
type Query struct {
	Visibility string
	Workspace  string
	ClientID   string
	ServiceID  string
	AppID      string
}

// String renders the wire form <workspace>/<client_id>:<service_id>@<app_id>.
func (id *Identifier) String() string {
	return fmt.Sprintf("%s/%s:%s@%s", id.Workspace, id.ClientID, id.ServiceID, id.AppID)
}

// FullID renders the transport form <workspace>/<client_id>:<service_id>,
// the identifier handed to the RPC transport for a direct fetch.
func (id *Identifier) FullID() string {
	return fmt.Sprintf("%s/%s:%s", id.Workspace, id.ClientID, id.ServiceID)
}

// StoreKey renders the storage key
// services:<visibility>:<workspace>/<client_id>:<service_id>@<app_id>.
func (id *Identifier) StoreKey() string {
	return fmt.Sprintf("services:%s:%s/%s:%s@%s", id.Visibility, id.Workspace, id.ClientID, id.ServiceID, id.AppID)
}

// IsConcrete reports whether the identifier names exactly one service with
// no app constraint, allowing resolution to bypass the pattern search and
// fetch directly from the transport.
func (id *Identifier) IsConcrete() bool {
	return !strings.Contains(id.Workspace, Wildcard) &&
		!strings.Contains(id.ClientID, Wildcard) &&
		!strings.Contains(id.ServiceID, Wildcard) &&
		id.AppID == Wildcard
}

// validate checks that all five fields are present and within the
// identifier charset.
func (id *Identifier) validate(raw string) error {
	for _, field := range []struct{ name, value string }{
		{"visibility", id.Visibility},
		{"workspace", id.Workspace},
		{"client_id", id.ClientID},
		{"service_id", id.ServiceID},
		{"app_id", id.AppID},
	} {
		if field.value == "" {
			return errors.InvalidIdentifier(raw, fmt.Sprintf("empty %s", field.name))
		}
		if !fieldPattern.MatchString(field.value) {
			return errors.InvalidIdentifier(raw, fmt.Sprintf("%s %q contains illegal characters", field.name, field.value))
		}
	}
	return nil
}

// checkShape rejects ids with repeated structural separators. Each raw id
// carries at most one '/', one ':', and one '@'.
func checkShape(raw string) error {
	if strings.Count(raw, "/") > 1 {
		return errors.InvalidIdentifier(raw, "more than one '/'")
	}
	if strings.Count(raw, ":") > 1 {
		return errors.InvalidIdentifier(raw, "more than one ':'")
	}
	if strings.Count(raw, "@") > 1 {
		return errors.InvalidIdentifier(raw, "more than one '@'")
	}
	return nil
}

// splitApp strips an optional "@app" suffix and reconciles it with an
// app id supplied separately in the query.
func splitApp(raw, queryApp string) (string, string, error) {
	base, app, found := strings.Cut(raw, "@")
	if !found {
		return raw, queryApp, nil
	}
	if app == "" {
		return "", "", errors.InvalidIdentifier(raw, "empty app id after '@'")
	}
	if queryApp != "" && queryApp != app {
		return "", "", errors.InvalidIdentifier(raw,
			fmt.Sprintf("app id %q conflicts with queried app id %q", app, queryApp))
	}
	return base, app, nil
}

// ParseQuery resolves a shorthand service query against the caller's
// current workspace, returning the fully-qualified identifier to search
// for. The shorthand forms, first match wins:
//
//	workspace/client           -> workspace/client:default
//	name                       -> workspace/*:name
//	client:service             -> workspace/client:service
//	workspace/client:service   -> already fully qualified
//
// Any form may carry an "@app" suffix. Conflicts between suffix or
// embedded parts and explicitly queried fields are errors, never silently
// resolved.
func ParseQuery(raw string, q Query, currentWorkspace string) (*Identifier, error) {
	if raw == "" {
		return nil, errors.InvalidIdentifier(raw, "empty id")
	}
	if err := checkShape(raw); err != nil {
		return nil, err
	}
	base, app, err := splitApp(raw, q.AppID)
	if err != nil {
		return nil, err
	}
	if app == "" {
		app = Wildcard
	}

	id := &Identifier{AppID: app, Visibility: q.Visibility}
	if id.Visibility == "" {
		id.Visibility = Wildcard
	}

	hasSlash := strings.Contains(base, "/")
	hasColon := strings.Contains(base, ":")

	switch {
	case hasSlash && !hasColon:
		// workspace/client -> the client's default service
		ws, client, _ := strings.Cut(base, "/")
		if q.ClientID != "" && q.ClientID != client {
			return nil, errors.InvalidIdentifier(raw,
				fmt.Sprintf("client id %q conflicts with queried client id %q", client, q.ClientID))
		}
		id.Workspace = ws
		id.ClientID = client
		id.ServiceID = "default"

	case !hasSlash && !hasColon:
		// bare service name, any client in the target workspace
		id.Workspace = q.Workspace
		if id.Workspace == "" {
			id.Workspace = currentWorkspace
		}
		id.ClientID = q.ClientID
		if id.ClientID == "" {
			id.ClientID = Wildcard
		}
		id.ServiceID = base

	case !hasSlash && hasColon:
		// client:service in the target workspace
		client, service, _ := strings.Cut(base, ":")
		if q.ClientID != "" && q.ClientID != client {
			return nil, errors.InvalidIdentifier(raw,
				fmt.Sprintf("client id %q conflicts with queried client id %q", client, q.ClientID))
		}
		id.Workspace = q.Workspace
		if id.Workspace == "" {
			id.Workspace = currentWorkspace
		}
		id.ClientID = client
		id.ServiceID = service

	default:
		// workspace/client:service, fully qualified
		ws, rest, _ := strings.Cut(base, "/")
		client, service, _ := strings.Cut(rest, ":")
		if q.ClientID != "" && q.ClientID != client {
			return nil, errors.InvalidIdentifier(raw,
				fmt.Sprintf("client id %q conflicts with queried client id %q", client, q.ClientID))
		}
		id.Workspace = ws
		id.ClientID = client
		id.ServiceID = service
	}

	if err := id.validate(raw); err != nil {
		return nil, err
	}
	return id, nil
}

// NormalizeRegistration canonicalizes a service id supplied at
// registration time into its fully-qualified form.
//
// An id already shaped workspace/client:service is reused as-is. A
// client-scoped id (contains ':', no '/') is only accepted for the
// privileged built-in and default services and is prefixed with the
// caller's workspace. A bare id becomes the caller's own service:
// workspace/caller-client:id.
func NormalizeRegistration(rawID string, caller types.Context) (*Identifier, error) {
	if rawID == "" {
		return nil, errors.InvalidIdentifier(rawID, "empty id")
	}
	if err := checkShape(rawID); err != nil {
		return nil, err
	}
	base, app, err := splitApp(rawID, "")
	if err != nil {
		return nil, err
	}
	if app == "" {
		app = Wildcard
	}

	hasSlash := strings.Contains(base, "/")
	hasColon := strings.Contains(base, ":")

	var full string
	switch {
	case hasSlash && hasColon:
		full = base
	case hasSlash:
		return nil, errors.InvalidIdentifier(rawID, "'/' requires the workspace/client:service form")
	case hasColon:
		if !strings.HasSuffix(base, ":built-in") && !strings.HasSuffix(base, ":default") {
			return nil, errors.InvalidIdentifier(rawID,
				"client-scoped ids may only name the built-in or default service")
		}
		full = caller.Workspace + "/" + base
	default:
		full = caller.Workspace + "/" + caller.ClientID + ":" + base
	}

	ws, rest, _ := strings.Cut(full, "/")
	client, service, _ := strings.Cut(rest, ":")
	id := &Identifier{
		Visibility: string(types.VisibilityProtected),
		Workspace:  ws,
		ClientID:   client,
		ServiceID:  service,
		AppID:      app,
	}
	if err := id.validate(rawID); err != nil {
		return nil, err
	}
	if strings.Contains(id.FullID(), Wildcard) {
		return nil, errors.InvalidIdentifier(rawID, "registration ids may not contain wildcards")
	}
	return id, nil
}

// IsBuiltIn reports whether a registration id names a built-in service.
func IsBuiltIn(rawID string) bool {
	base, _, _ := strings.Cut(rawID, "@")
	return base == "built-in" || strings.HasSuffix(base, ":built-in")
}

// ParseStoreKey parses a storage key produced by Identifier.StoreKey.
func ParseStoreKey(key string) (*Identifier, error) {
	rest, ok := strings.CutPrefix(key, "services:")
	if !ok {
		return nil, errors.InvalidIdentifier(key, "missing services: prefix")
	}
	visibility, addr, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, errors.InvalidIdentifier(key, "missing visibility segment")
	}
	ws, rest2, ok := strings.Cut(addr, "/")
	if !ok {
		return nil, errors.InvalidIdentifier(key, "missing workspace segment")
	}
	client, rest3, ok := strings.Cut(rest2, ":")
	if !ok {
		return nil, errors.InvalidIdentifier(key, "missing service segment")
	}
	service, app, ok := strings.Cut(rest3, "@")
	if !ok {
		return nil, errors.InvalidIdentifier(key, "missing app segment")
	}
	id := &Identifier{
		Visibility: visibility,
		Workspace:  ws,
		ClientID:   client,
		ServiceID:  service,
		AppID:      app,
	}
	if err := id.validate(key); err != nil {
		return nil, err
	}
	return id, nil
}

// ClientOf returns the segment of a full service id before the first ':',
// i.e. the workspace/client prefix the readiness handshake keys on.
func ClientOf(fullID string) string {
	client, _, _ := strings.Cut(fullID, ":")
	return client
}
