package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/usermgmt/apiserver/internal/apierr"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/gate"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/types"
)

const (
	msgUserUpdated  = "User updated successfully"
	msgUserDeleted  = "User deleted successfully"
	msgUsersDeleted = "Users deleted successfully"
)

// UserHandler serves the /users resource. Every route is authenticated.
type UserHandler struct {
	users    *services.UserService
	writeErr gate.ErrorWriter
}

func NewUserHandler(users *services.UserService, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, writeErr: ErrorWriter(logger)}
}

// UserRouter registers /users routes, each behind its own gate chain.
// It fails when a role gate cannot be built.
func UserRouter(r chi.Router, users *services.UserService, verifier gate.Verifier, logger *slog.Logger) error {
	handler := NewUserHandler(users, logger)

	authenticate := gate.Authenticate(verifier, logger)
	adminOnly, err := gate.RequireRole(types.RoleAdmin)
	if err != nil {
		return fmt.Errorf("build create gate: %w", err)
	}
	adminOrOwner, err := gate.RequireRole(types.RoleAdmin, types.RoleOwner)
	if err != nil {
		return fmt.Errorf("build delete gate: %w", err)
	}
	self := gate.RequireSelf(func(r *http.Request) string { return chi.URLParam(r, "id") })

	authenticated := gate.Chain(handler.writeErr, authenticate)
	r.With(authenticated).Get("/", handler.List)
	r.With(authenticated).Get("/{id}", handler.Get)
	r.With(gate.Chain(handler.writeErr, authenticate, adminOnly)).Post("/", handler.Create)
	r.With(gate.Chain(handler.writeErr, authenticate, self)).Patch("/{id}", handler.Update)
	r.With(gate.Chain(handler.writeErr, authenticate, adminOrOwner)).Delete("/{id}", handler.Delete)
	r.With(gate.Chain(handler.writeErr, authenticate, adminOrOwner)).Delete("/", handler.DeleteAll)
	return nil
}

type UserResponse struct {
	Message string     `json:"message"`
	User    types.User `json:"user"`
}

type PurgeResponse struct {
	Message      string `json:"message"`
	DeletedCount int64  `json:"deletedCount"`
	Snapshot     string `json:"snapshot,omitempty"`
}

// List returns every user.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context(), r.URL.RequestURI())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// Get returns a single user.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Create adds a user on behalf of an administrator.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.principal(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	user, err := h.users.Create(r.Context(), actor, body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UserResponse{
		Message: fmt.Sprintf("User created successfully by %s", actor.Role),
		User:    user,
	})
}

// Update changes the caller's own name, email or age.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.principal(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	user, err := h.users.Update(r.Context(), actor, chi.URLParam(r, "id"), body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Message: msgUserUpdated, User: user})
}

// Delete removes one user.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.principal(w, r)
	if !ok {
		return
	}

	user, err := h.users.Delete(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Message: msgUserDeleted, User: user})
}

// DeleteAll removes every user.
func (h *UserHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.principal(w, r)
	if !ok {
		return
	}

	res, err := h.users.DeleteAll(r.Context(), actor)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Message: msgUsersDeleted, DeletedCount: res.Deleted, Snapshot: res.Snapshot})
}

// principal fetches the identity stored by the gate chain. Its absence means
// the route was registered without authentication.
func (h *UserHandler) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		h.writeErr(w, r, apierr.Internal(fmt.Errorf("no principal on %s %s", r.Method, r.URL.Path)))
		return auth.Principal{}, false
	}
	return p, true
}
