package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// handleGetBlob serves URLs presigned by the local blob store.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	if s.localBlobs == nil {
		s.writeErrorReq(w, r, http.StatusNotFound, makeAPIError(http.StatusNotFound, gwerr.CodeNotFound, ErrCodeBlobNotFound, errors.New("blob downloads are not served by this gateway")))
		return
	}

	ref := models.BlobRef{Bucket: r.PathValue("bucket"), Key: r.PathValue("key")}
	query := r.URL.Query()
	if err := s.localBlobs.VerifyPresigned(ref, query.Get("expires"), query.Get("sig"), time.Now().UTC()); err != nil {
		s.writeErrorReq(w, r, http.StatusForbidden, forbidden(err))
		return
	}

	info, err := s.localBlobs.Stat(r.Context(), ref)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}
	body, err := s.localBlobs.Open(r.Context(), ref)
	if err != nil {
		s.writeBlobError(w, r, err)
		return
	}
	defer body.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatUint(info.SizeBytes, 10))
	if info.ContentHash != "" {
		w.Header().Set("ETag", strconv.Quote(info.ContentHash))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log().Debug("stream blob", "blob", ref.String(), "error", err)
	}
}

func (s *Server) writeBlobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, gwerr.ErrNotFound) {
		s.writeErrorReq(w, r, http.StatusNotFound, makeAPIError(http.StatusNotFound, gwerr.CodeNotFound, ErrCodeBlobNotFound, err))
		return
	}
	s.writeServiceError(w, r, err)
}
