// Package hyphacore implements a multi-tenant service naming, registration,
// and discovery core with a readiness handshake for launched clients.
//
// # Model
//
// Every service lives at a composite address:
//
//	<workspace>/<client_id>:<service_id>@<app_id>
//
// Workspaces isolate tenants, clients are connections or launched app
// instances inside a workspace, services are the named callables a client
// exposes, and the app id ties a registration back to the application
// template that produced it. Records are stored under pattern-matchable
// keys prefixed with the service's visibility, so discovery is a glob
// scan over the store.
//
// # Layers
//
//   - address: parsing and canonicalization of ids and queries
//   - access: workspace isolation rules for registration and token issuance
//   - store: the pattern-matchable record store (in-memory or NATS KV)
//   - registry: registration, unregistration, and lifecycle events
//   - resolver: query resolution, ranking, and listing
//   - token: HS256 workspace capability tokens
//   - readiness: bounded event-driven waits for client bring-up
//   - workspace: the assembled manager facade
//
// Components communicate through the in-process event bus; the NATS
// bridge mirrors lifecycle events to interested external consumers.
//
// The cmd/hypha-core binary assembles these into a server with a JSON
// API and optional Prometheus metrics.
package hyphacore
