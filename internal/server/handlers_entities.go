package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dsgate/internal/api"
	"dsgate/internal/coordinator"
	"dsgate/internal/gwerr"
	"dsgate/internal/pagination"
)

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req api.EntityCreateRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	key := strings.TrimSpace(r.Header.Get(api.IdempotencyKeyHeader))
	bodyKey := strings.TrimSpace(req.IdempotencyKey)
	if key != "" && bodyKey != "" && key != bodyKey {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("idempotency key header and body disagree"), ErrCodeInvalidArgument))
		return
	}
	if key == "" {
		key = bodyKey
	}

	entity, err := s.coordinator.Create(r.Context(), coordinator.CreateInput{
		Class:          req.Class,
		Content:        req.Content,
		ContentType:    req.ContentType,
		Properties:     req.Properties,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toEntityResponse(entity, nil))
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	presign, err := queryBool(r, "presign")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	filter, err := queryFilter(r)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	page, err := s.merger.List(r.Context(), pagination.Request{
		Class:     strings.TrimSpace(r.URL.Query().Get("class")),
		Filter:    filter,
		PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
		Limit:     limit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	handleErrs := make(map[*pagination.Item]error)
	if presign {
		if err := s.merger.ResolveAll(r.Context(), page); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		for _, item := range page.Items {
			if !item.Resolved() {
				continue
			}
			if _, err := item.Handle(r.Context()); err != nil {
				handleErrs[item] = err
			}
		}
	}
	s.writeJSON(w, http.StatusOK, toListResponse(page, handleErrs))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}

	entity, err := s.coordinator.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, gwerr.ErrConflictOrphan) && entity.EntityID != "" {
			s.log().Debug("entity read found orphaned record", "entity_id", id, "error", err)
			s.writeJSON(w, http.StatusConflict, toEntityResponse(entity, err))
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toEntityResponse(entity, nil))
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}

	data, entity, err := s.coordinator.Content(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	contentType := entity.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Entity-Id", entity.EntityID)
	if entity.ContentHash != "" {
		w.Header().Set("ETag", strconv.Quote(entity.ContentHash))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log().Debug("write content response", "entity_id", id, "error", err)
	}
}

func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}
	var req api.EntityUpdateRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	in := coordinator.UpdateInput{
		ContentType: req.ContentType,
		Properties:  req.Properties,
	}
	if req.Content != nil {
		in.ReplaceContent = true
		in.Content = *req.Content
	}

	release, ok := s.lockEntity(w, r, id)
	if !ok {
		return
	}
	defer release()

	entity, err := s.coordinator.Update(r.Context(), id, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toEntityResponse(entity, nil))
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r)
	if !ok {
		return
	}

	release, ok := s.lockEntity(w, r, id)
	if !ok {
		return
	}
	defer release()

	if err := s.coordinator.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lockEntity takes the advisory per-entity lock for the rest of the request.
func (s *Server) lockEntity(w http.ResponseWriter, r *http.Request, id string) (func(), bool) {
	release, err := s.locker.Lock(r.Context(), id)
	if err != nil {
		if gwerr.Code(err) == gwerr.CodeInternal {
			err = gwerr.Unavailable("entity lock", err)
		}
		s.writeServiceError(w, r, err)
		return nil, false
	}
	return release, true
}
