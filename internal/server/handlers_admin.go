package server

import (
	"fmt"
	"net/http"

	"dsgate/internal/api"
	"dsgate/internal/coordinator"
)

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !s.acquireLimiter(s.reconcileLimiter, w, r, "reconcile") {
		return
	}
	defer s.releaseLimiter(s.reconcileLimiter)

	var req api.ReconcileRequest
	if !s.decodeOptionalJSONReq(w, r, &req) {
		return
	}
	if req.ScanLimit < 0 {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("scan_limit must be >= 0"), ErrCodeInvalidArgument))
		return
	}

	report, err := s.coordinator.ReconcileWith(r.Context(), coordinator.ReconcileOptions{
		ScanLimit:       req.ScanLimit,
		BlobPageToken:   req.BlobPageToken,
		RecordPageToken: req.RecordPageToken,
		DryRun:          req.DryRun,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
