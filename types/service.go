// Package types defines the shared data model for the hypha-core naming,
// registration, and discovery system.
package types

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Visibility controls cross-workspace discoverability of a service.
type Visibility string

// Supported visibility levels
const (
	// VisibilityPublic makes a service discoverable from any workspace.
	VisibilityPublic Visibility = "public"
	// VisibilityProtected restricts discovery to the owning workspace.
	VisibilityProtected Visibility = "protected"
)

// Valid reports whether v is a recognized visibility level.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityProtected
}

// ServiceConfig holds per-service configuration stored alongside the
// service record and patched with the resolved workspace on discovery.
type ServiceConfig struct {
	Visibility     Visibility `json:"visibility"`
	Workspace      string     `json:"workspace,omitempty"`
	RequireContext bool       `json:"require_context,omitempty"`
}

// ServiceInfo is the registered metadata for a service. It is the payload
// written to the pattern store and carried on lifecycle events.
type ServiceInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Type        string        `json:"type,omitempty"`
	Config      ServiceConfig `json:"config"`
	AppID       string        `json:"app_id,omitempty"`
}

// IsBuiltIn reports whether the service id names a privileged built-in
// service (id "built-in" or suffix ":built-in").
func (s *ServiceInfo) IsBuiltIn() bool {
	return s.ID == "built-in" || strings.HasSuffix(s.ID, ":built-in")
}

// Fields flattens the record into string fields for hash storage.
func (s *ServiceInfo) Fields() (map[string]string, error) {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal service config: %w", err)
	}
	return map[string]string{
		"id":          s.ID,
		"name":        s.Name,
		"description": s.Description,
		"type":        s.Type,
		"config":      string(cfg),
		"app_id":      s.AppID,
	}, nil
}

// ServiceInfoFromFields rebuilds a record from stored hash fields.
func ServiceInfoFromFields(fields map[string]string) (*ServiceInfo, error) {
	info := &ServiceInfo{
		ID:          fields["id"],
		Name:        fields["name"],
		Description: fields["description"],
		Type:        fields["type"],
		AppID:       fields["app_id"],
	}
	if raw, ok := fields["config"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Config); err != nil {
			return nil, fmt.Errorf("unmarshal service config: %w", err)
		}
	}
	return info, nil
}

// Method is a callable exposed by a local service implementation.
type Method func(ctx context.Context, args ...any) (any, error)

// Implementation is the tagged variant describing how a registered service
// is invoked. Exactly one of the concrete types below is supplied at
// registration; the registry never inspects object shape to guess.
type Implementation interface {
	isImplementation()
}

// LocalImplementation exposes a named-callable map served in-process.
type LocalImplementation struct {
	Methods map[string]Method
}

func (LocalImplementation) isImplementation() {}

// RemoteImplementation references a service hosted by another client,
// reachable through the RPC transport.
type RemoteImplementation struct {
	ProviderID string
}

func (RemoteImplementation) isImplementation() {}

// ServiceHandle is a resolved, callable view of a service returned by
// discovery and the readiness handshake.
type ServiceHandle struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Config      ServiceConfig     `json:"config"`
	AppID       string            `json:"app_id,omitempty"`
	Methods     map[string]Method `json:"-"`
}

// Call invokes a named method on the handle.
func (h *ServiceHandle) Call(ctx context.Context, name string, args ...any) (any, error) {
	m, ok := h.Methods[name]
	if !ok {
		return nil, fmt.Errorf("service %s has no method %q", h.ID, name)
	}
	return m(ctx, args...)
}
