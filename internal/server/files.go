package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/awerner/docdex-go/internal/logging"
)

// handleFiles handles GET /files/ requests. The listing covers every source
// record regardless of owner; uploads are user-scoped but visibility is not.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	// The default owner mirrors uploads and search; the listing itself is
	// unscoped either way.
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = defaultUploadUser
	}

	sources, err := s.index.ListFiles(r.Context(), userID)
	if err != nil {
		log.Error("files: listing failed", slog.Any("error", err))
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}

	entries := make([]fileEntry, 0, len(sources))
	for _, src := range sources {
		entries = append(entries, fileEntry{
			ID:         src.ID,
			Name:       src.Name,
			Path:       src.Path,
			Size:       src.Size,
			User:       src.User,
			Created:    src.CreatedAt.Format(time.RFC3339),
			Note:       src.Note,
			Status:     string(src.Status),
			TokenCount: src.TokenCount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(filesResponse{Files: entries}); err != nil {
		log.Error("files: encode response", slog.Any("error", err))
	}
}
