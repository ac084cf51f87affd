package types

import "strings"

// Context identifies the caller of a registry, resolver, or token
// operation. It is established at connection time and threaded through
// every call; access decisions never consult ambient state.
type Context struct {
	Workspace string   `json:"ws"`
	ClientID  string   `json:"from,omitempty"`
	UserID    string   `json:"user,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// ClientSuffix returns the final path segment of the caller's client id.
// A client id of "ws-user/alice" has suffix "alice".
func (c Context) ClientSuffix() string {
	if i := strings.LastIndex(c.ClientID, "/"); i >= 0 {
		return c.ClientID[i+1:]
	}
	return c.ClientID
}

// IsRoot reports whether the caller is the privileged root client of the
// default workspace.
func (c Context) IsRoot() bool {
	return c.Workspace == "default" && c.ClientID == "root"
}

// ConnectionInfo is the ephemeral record for a launched client connection.
// It lives only in process memory and is discarded on close or timeout.
type ConnectionInfo struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
	Source    string `json:"source,omitempty"`
	Target    string `json:"target,omitempty"`
}
