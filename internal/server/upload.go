package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/awerner/docdex-go/internal/indexer"
	"github.com/awerner/docdex-go/internal/logging"
	"github.com/awerner/docdex-go/internal/store"
)

// multipartOverhead is the slack added on top of the upload size cap to
// account for multipart boundaries and form fields when bounding the request
// body.
const multipartOverhead = 1 << 20

// defaultUploadUser is the owner recorded when the request carries no user_id.
const defaultUploadUser = "api"

// handleUpload handles POST /upload/ requests. The file is validated, staged
// to the temp dir, recorded (or deduped against an existing record), and a
// background indexing job is scheduled. The response never waits for
// indexing: it reports acceptance, and the indexing outcome lands on the
// record's status field.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	// Bound the body before parsing so an oversized upload is rejected
	// without being spooled anywhere.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes + multipartOverhead); err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "file too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// Strip any client-supplied directory components.
	filename := filepath.Base(header.Filename)
	if filename == "." || filename == "/" || filename == "" {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	// Extension and size are checked before anything touches the disk.
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(s.cfg.AllowedExtensions, ext) {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "unsupported file type", http.StatusBadRequest)
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "file too large", http.StatusBadRequest)
		return
	}

	userID := r.FormValue("user_id")
	if userID == "" {
		userID = defaultUploadUser
	}

	// Each upload stages into its own directory so concurrent uploads sharing
	// a filename never clobber each other's copy. The basename is preserved:
	// it becomes the record's display name.
	tempPath := filepath.Join(s.cfg.TempDir, uuid.NewString(), filename)
	if err := writeTemp(tempPath, file); err != nil {
		log.Error("upload: staging failed", slog.Any("error", err))
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	pipeline, err := s.index.Pipeline(tempPath, userID)
	if err != nil {
		s.removeTemp(tempPath, log)
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, "unsupported file type", http.StatusBadRequest)
		return
	}

	fileID, err := pipeline.StoreFile(r.Context(), tempPath)
	switch {
	case errors.Is(err, store.ErrDuplicateSource):
		// Same content, same user: resolve to the existing record instead of
		// creating a new one. The indexing job still runs so a record whose
		// earlier run failed gets re-indexed; the worker skips records that
		// already indexed cleanly.
		existing, lookupErr := pipeline.IDIfExists(r.Context(), tempPath)
		if lookupErr != nil || existing == "" {
			s.removeTemp(tempPath, log)
			log.Error("upload: dedupe hit but existing record not found",
				slog.String("file", filename),
				slog.Any("error", lookupErr),
			)
			s.metrics.uploadsTotal.WithLabelValues("error").Inc()
			http.Error(w, "failed to resolve duplicate file", http.StatusInternalServerError)
			return
		}
		if err := s.scheduler.Schedule(indexer.Job{
			FileID:   existing,
			TempPath: tempPath,
			UserID:   userID,
		}); err != nil {
			s.removeTemp(tempPath, log)
			log.Error("upload: scheduling failed",
				slog.String("file_id", existing),
				slog.Any("error", err),
			)
			s.metrics.uploadsTotal.WithLabelValues("error").Inc()
			http.Error(w, "failed to schedule indexing", http.StatusInternalServerError)
			return
		}
		log.Info("upload: duplicate content, reusing record",
			slog.String("file", filename),
			slog.String("file_id", existing),
		)
		s.metrics.uploadsTotal.WithLabelValues("deduped").Inc()
		s.writeUploadAccepted(w, log, existing, filename)
		return

	case err != nil:
		s.removeTemp(tempPath, log)
		log.Error("upload: store failed",
			slog.String("file", filename),
			slog.Any("error", err),
		)
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	if err := s.scheduler.Schedule(indexer.Job{
		FileID:   fileID,
		TempPath: tempPath,
		UserID:   userID,
	}); err != nil {
		// The record and content-addressed copy exist but nothing will index
		// them. Surface the failure rather than pretending acceptance.
		log.Error("upload: scheduling failed",
			slog.String("file_id", fileID),
			slog.Any("error", err),
		)
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		http.Error(w, "failed to schedule indexing", http.StatusInternalServerError)
		return
	}

	log.Info("upload: accepted",
		slog.String("file", filename),
		slog.String("file_id", fileID),
		slog.Int64("size", header.Size),
		slog.String("user", userID),
	)
	s.metrics.uploadsTotal.WithLabelValues("accepted").Inc()
	s.metrics.uploadBytes.Observe(float64(header.Size))
	s.writeUploadAccepted(w, log, fileID, filename)
}

// writeUploadAccepted writes the acceptance response. Both fresh and deduped
// uploads answer identically: the caller gets a usable file_id either way.
func (s *Server) writeUploadAccepted(w http.ResponseWriter, log *slog.Logger, fileID, filename string) {
	w.Header().Set("Content-Type", "application/json")
	resp := uploadResponse{Status: "accepted", FileID: fileID, Filename: filename}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("upload: encode response", slog.Any("error", err))
	}
}

// writeTemp copies the upload stream to path, creating the per-upload
// staging directory.
func writeTemp(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

// removeTemp is a best-effort staging cleanup for upload paths that will
// never be indexed. The per-upload staging directory goes with the file.
func (s *Server) removeTemp(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("upload: temp cleanup failed", slog.Any("error", err))
	}
	if dir := filepath.Dir(path); dir != s.cfg.TempDir {
		_ = os.Remove(dir)
	}
}
