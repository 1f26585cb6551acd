package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/usermgmt/apiserver/internal/apierr"
	"github.com/usermgmt/apiserver/internal/gate"
)

const maxBodyBytes = 1 << 20

const msgBodyTooLarge = "Request body is too large"

// MessageResponse is the body of every error with a single message and of
// simple acknowledgements.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorsResponse carries several validation failures at once.
type ErrorsResponse struct {
	Errors []string `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// ErrorWriter renders err with the status of its kind and logs it. Internal
// faults are logged at error level with their cause and reported with a
// generic message; client errors are logged at warn level.
func ErrorWriter(logger *slog.Logger) gate.ErrorWriter {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		apiErr := apierr.From(err)
		status := apiErr.Kind.Status()

		level := slog.LevelWarn
		msg := "request rejected"
		if apiErr.Kind == apierr.KindInternal {
			level = slog.LevelError
			msg = "request failed"
		}
		logger.Log(r.Context(), level, msg,
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", apiErr.Error(),
		)

		switch {
		case apiErr.Kind == apierr.KindInternal:
			writeJSON(w, status, MessageResponse{Message: apierr.InternalMessage})
		case len(apiErr.Fields) > 1:
			writeJSON(w, status, ErrorsResponse{Errors: apiErr.Fields})
		default:
			writeJSON(w, status, MessageResponse{Message: apiErr.Message})
		}
	}
}

// readBody reads the request body up to maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.Validation(msgBodyTooLarge)
		}
		return nil, apierr.Internal(err)
	}
	return body, nil
}

// Healthz reports that the process is serving.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NotFound answers unknown routes in the API's error format.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, MessageResponse{Message: "Route not found"})
}

// MethodNotAllowed answers known routes hit with an unsupported method.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, MessageResponse{Message: "Method not allowed"})
}
