/*
Copyright 2024 Gatewarden Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web exposes the authorization read surface and the role
// update operations over HTTP.
package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewarden/gatewarden/api/types"
	"github.com/gatewarden/gatewarden/lib/provider"
	"github.com/gatewarden/gatewarden/lib/repository"
	"github.com/gatewarden/gatewarden/lib/resolver"
)

// Config holds parameters for the Handler.
type Config struct {
	// Repository is the permission store.
	Repository repository.Repository
	// Resolver recomputes permissions on role updates.
	Resolver *resolver.Resolver
	// Providers gates the readiness probe.
	Providers *provider.Registry
	// GetAllEnabled opt-in gates GET /authorize.
	GetAllEnabled bool
	// Logger is the handler's log.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Repository == nil {
		return trace.BadParameter("missing parameter Repository")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Providers == nil {
		return trace.BadParameter("missing parameter Providers")
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "web")
	}
	return nil
}

// Handler routes the HTTP surface.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns a ready Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.GET("/authorize", makeHandler(h.getAllUserPermissions))
	h.GET("/authorize/:id", makeHandler(h.getUserPermission))
	h.GET("/authorize/:id/accounts", makeHandler(h.getAccounts))
	h.GET("/authorize/:id/accounts/:name", makeHandler(h.getAccounts))
	h.GET("/authorize/:id/applications", makeHandler(h.getApplications))
	h.GET("/authorize/:id/applications/:name", makeHandler(h.getApplications))
	h.GET("/authorize/:id/serviceAccounts", makeHandler(h.getServiceAccounts))
	h.GET("/authorize/:id/serviceAccounts/:name", makeHandler(h.getServiceAccounts))

	h.POST("/roles/:id", makeHandler(h.putUserRoles))
	h.PUT("/roles/:id", makeHandler(h.putUserRoles))
	h.DELETE("/roles/:id", makeHandler(h.deleteUser))

	h.GET("/healthz", makeHandler(h.healthz))
	h.GET("/readyz", h.readyz)
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return h, nil
}

func (h *Handler) getAllUserPermissions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if !h.cfg.GetAllEnabled {
		return nil, trace.AccessDenied("listing all user permissions is disabled")
	}
	users, err := h.cfg.Repository.GetAllByID(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]types.UserPermissionView, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}
	return views, nil
}

func (h *Handler) getUserPermission(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	u, err := h.cfg.Repository.Get(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return u.View(), nil
}

func (h *Handler) getAccounts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	u, err := h.cfg.Repository.Get(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return filterResourceViews(u.View().Accounts, p.ByName("name"))
}

func (h *Handler) getApplications(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	u, err := h.cfg.Repository.Get(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return filterResourceViews(u.View().Applications, p.ByName("name"))
}

func (h *Handler) getServiceAccounts(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	u, err := h.cfg.Repository.Get(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := u.View().ServiceAccounts
	name := p.ByName("name")
	if name == "" {
		return views, nil
	}
	for _, v := range views {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	return nil, trace.NotFound("service account %q not found", name)
}

// putUserRoles re-resolves one user and persists the result. PUT carries
// a JSON array of external role names; POST carries none.
func (h *Handler) putUserRoles(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	var externalRoles []types.Role
	if r.Method == http.MethodPut {
		var names []string
		if err := readJSON(r, &names); err != nil {
			return nil, trace.Wrap(err)
		}
		for _, name := range names {
			externalRoles = append(externalRoles, types.Role{
				Name:   name,
				Source: types.RoleSourceExternal,
			})
		}
	}
	u, err := h.cfg.Resolver.ResolveAndMerge(r.Context(), types.ExternalUser{
		ID:            id,
		ExternalRoles: externalRoles,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Repository.Put(r.Context(), u); err != nil {
		return nil, trace.Wrap(err)
	}
	return u.View(), nil
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if err := h.cfg.Repository.Remove(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

// readyz reports ready once every provider's sources loaded recently
// enough.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	status := make(map[string]bool)
	ready := true
	for _, t := range h.cfg.Providers.Health() {
		healthy := t.IsHealthy()
		status[t.Name()] = healthy
		ready = ready && healthy
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	roundtrip.ReplyJSON(w, code, map[string]interface{}{
		"ready":   ready,
		"sources": status,
	})
}

func filterResourceViews(views []types.ResourceView, name string) (interface{}, error) {
	if name == "" {
		return views, nil
	}
	for _, v := range views {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	return nil, trace.NotFound("resource %q not found", name)
}
