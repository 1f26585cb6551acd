package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/usermgmt/apiserver/internal/gate"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/types"
)

const (
	msgRegistered = "User created successfully"
	msgLoggedIn   = "Login successful"
)

// AuthHandler serves registration and login. Its routes are public.
type AuthHandler struct {
	users    *services.UserService
	writeErr gate.ErrorWriter
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(users *services.UserService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{users: users, writeErr: ErrorWriter(logger)}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, users *services.UserService, logger *slog.Logger) {
	handler := NewAuthHandler(users, logger)

	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
}

type RegisterResponse struct {
	Message string     `json:"message"`
	Token   string     `json:"token"`
	User    types.User `json:"user"`
}

type LoginResponse struct {
	Message string        `json:"message"`
	Token   string        `json:"token"`
	User    types.Summary `json:"user"`
}

// Register creates a new user account and returns a token for it.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	res, err := h.users.Register(r.Context(), body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{Message: msgRegistered, Token: res.Token, User: res.User})
}

// Login verifies credentials and returns a token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	res, err := h.users.Login(r.Context(), body)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Message: msgLoggedIn, Token: res.Token, User: res.User.Summary()})
}
