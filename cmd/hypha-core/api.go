package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oeway/hypha-core/address"
	hyphaerrors "github.com/oeway/hypha-core/errors"
	"github.com/oeway/hypha-core/resolver"
	"github.com/oeway/hypha-core/token"
	"github.com/oeway/hypha-core/types"
	"github.com/oeway/hypha-core/workspace"
)

// api exposes the workspace manager over a small JSON surface. Every
// endpoint except /health requires a bearer token minted by this server.
type api struct {
	manager *workspace.Manager
	logger  *slog.Logger
}

func newAPI(manager *workspace.Manager, logger *slog.Logger) *api {
	return &api{manager: manager, logger: logger}
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /services", a.authed(a.handleRegister))
	mux.HandleFunc("DELETE /services", a.authed(a.handleUnregister))
	mux.HandleFunc("GET /services", a.authed(a.handleList))
	mux.HandleFunc("GET /services/resolve", a.authed(a.handleResolve))
	mux.HandleFunc("POST /token", a.authed(a.handleToken))
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authed validates the bearer token and threads the caller identity
// into the handler.
func (a *api) authed(next func(http.ResponseWriter, *http.Request, types.Context)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.manager.ValidateToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		caller := types.Context{
			Workspace: claims.Workspace,
			ClientID:  claims.ClientID,
			UserID:    claims.Subject,
			Email:     claims.Email,
			Roles:     claims.Roles,
		}
		next(w, r, caller)
	}
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request, caller types.Context) {
	var info types.ServiceInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid service record: "+err.Error())
		return
	}
	// HTTP registrants are remote by definition; calls route back over
	// the registrant's own connection.
	impl := types.RemoteImplementation{ProviderID: caller.Workspace + "/" + caller.ClientID}
	record, err := a.manager.RegisterService(r.Context(), &info, impl, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *api) handleUnregister(w http.ResponseWriter, r *http.Request, caller types.Context) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter is required")
		return
	}
	if err := a.manager.UnregisterService(r.Context(), id, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request, caller types.Context) {
	query := make(map[string]any)
	for _, key := range []string{"visibility", "workspace", "client_id", "service_id", "app_id"} {
		if v := r.URL.Query().Get(key); v != "" {
			query[key] = v
		}
	}
	infos, err := a.manager.ListServices(r.Context(), query, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *api) handleResolve(w http.ResponseWriter, r *http.Request, caller types.Context) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter is required")
		return
	}
	opts := resolver.GetOptions{}
	if r.URL.Query().Get("mode") == "random" {
		opts.Mode = resolver.ModeRandom
	}
	handle, err := a.manager.GetService(r.Context(), id, address.Query{}, opts, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if handle == nil {
		writeError(w, http.StatusNotFound, "no service matches "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     handle.ID,
		"name":   handle.Name,
		"type":   handle.Type,
		"config": handle.Config,
		"app_id": handle.AppID,
	})
}

func (a *api) handleToken(w http.ResponseWriter, r *http.Request, caller types.Context) {
	var req struct {
		Workspace string   `json:"workspace"`
		ClientID  string   `json:"client_id"`
		Scopes    []string `json:"scopes"`
		ExpiresIn int64    `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid token request: "+err.Error())
		return
	}
	opts := token.Options{
		Workspace: req.Workspace,
		ClientID:  req.ClientID,
		Scopes:    req.Scopes,
	}
	if req.ExpiresIn > 0 {
		opts.ExpiresIn = time.Duration(req.ExpiresIn) * time.Second
	}
	tok, err := a.manager.GenerateToken(r.Context(), opts, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch hyphaerrors.Classify(err) {
	case hyphaerrors.ErrorValidation:
		status = http.StatusBadRequest
	case hyphaerrors.ErrorDenied:
		status = http.StatusForbidden
	case hyphaerrors.ErrorTimeout:
		status = http.StatusGatewayTimeout
	case hyphaerrors.ErrorToken:
		status = http.StatusUnauthorized
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}
