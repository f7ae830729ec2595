package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/awerner/docdex-go/internal/logging"
)

// defaultTopK is the result count used when the request omits top_k.
const defaultTopK = 5

// handleSearch handles POST /search/ requests. The query is embedded and the
// nearest chunks are returned, scoped to the requesting user when one is
// given.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	query := r.FormValue("query")
	if query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	topK := defaultTopK
	if raw := r.FormValue("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "top_k must be a positive integer", http.StatusBadRequest)
			return
		}
		topK = n
	}

	// Same default owner as uploads: an anonymous search runs against the
	// "api" scope its uploads landed in.
	userID := r.FormValue("user_id")
	if userID == "" {
		userID = defaultUploadUser
	}

	docs, err := s.index.Search(r.Context(), query, topK, userID)
	if err != nil {
		log.Error("search failed",
			slog.String("user", userID),
			slog.Any("error", err),
		)
		s.metrics.searchesTotal.WithLabelValues("error").Inc()
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	results := make([]searchResult, 0, len(docs))
	for _, d := range docs {
		results = append(results, searchResult{
			ID:       d.ID,
			Content:  d.Content,
			FileID:   d.FileID,
			FileName: d.FileName,
			Score:    d.Score,
		})
	}

	s.metrics.searchesTotal.WithLabelValues("ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	resp := searchResponse{Query: query, TopK: topK, Results: results}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("search: encode response", slog.Any("error", err))
	}
}
