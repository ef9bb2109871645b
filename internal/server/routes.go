package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /health", s.handleHealth)

	// Entities collection.
	mux.HandleFunc("POST /v1/entities", s.handleCreateEntity)
	mux.HandleFunc("GET /v1/entities", s.handleListEntities)

	// Single entity.
	mux.HandleFunc("GET /v1/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("GET /v1/entities/{id}/content", s.handleGetContent)
	mux.HandleFunc("PATCH /v1/entities/{id}", s.handleUpdateEntity)
	mux.HandleFunc("DELETE /v1/entities/{id}", s.handleDeleteEntity)

	// Admin.
	mux.HandleFunc("POST /v1/admin/reconcile", s.handleReconcile)

	// Presigned downloads for the local blob backend.
	mux.HandleFunc("GET /blobs/{bucket}/{key...}", s.handleGetBlob)

	return mux
}
