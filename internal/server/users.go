package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/awerner/docdex-go/internal/logging"
	"github.com/awerner/docdex-go/internal/store"
)

// handleCreateUser handles POST /users/ requests. The password is bcrypt
// hashed before it reaches the store; neither the password nor the hash ever
// appears in a response or a log line.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if s.users == nil {
		http.Error(w, "user management not available", http.StatusServiceUnavailable)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "password is required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("users: hashing failed", slog.Any("error", err))
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.Username, string(hash), req.Admin)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			http.Error(w, "username already taken", http.StatusBadRequest)
			return
		}
		log.Error("users: create failed",
			slog.String("username", req.Username),
			slog.Any("error", err),
		)
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	log.Info("users: created",
		slog.String("username", user.Username),
		slog.Bool("admin", user.Admin),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	resp := createUserResponse{
		ID:       user.ID,
		Username: user.Username,
		Admin:    user.Admin,
		Created:  user.CreatedAt.Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("users: encode response", slog.Any("error", err))
	}
}
