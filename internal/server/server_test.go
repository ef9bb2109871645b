package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"dsgate/internal/api"
	"dsgate/internal/blobstore"
	"dsgate/internal/coordinator"
	"dsgate/internal/gwerr"
	"dsgate/internal/lock"
	"dsgate/internal/models"
	"dsgate/internal/pagination"
	"dsgate/internal/recordstore"
)

const testBucket = "datasets"

type testGateway struct {
	srv     *Server
	handler http.Handler
	blobs   *blobstore.LocalStore
	locker  *lock.LocalLocker
}

func newGatewayForTest(t *testing.T) testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blobs, err := blobstore.NewLocalStore(t.TempDir(), blobstore.LocalOptions{
		BaseURL: "http://gateway.test/blobs",
		Secret:  "test-secret",
	})
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	records := recordstore.NewMemoryStore()
	coord, err := coordinator.New(blobs, records, coordinator.Config{
		Bucket:  testBucket,
		Classes: []string{"Dataset", "Model"},
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	merger := pagination.NewMerger(records, blobs, coord, pagination.Config{Logger: logger})
	locker := lock.NewLocalLocker()
	srv := New("127.0.0.1:0", coord, merger, Options{Locker: locker, LocalBlobs: blobs, Logger: logger})
	return testGateway{srv: srv, handler: srv.Handler(), blobs: blobs, locker: locker}
}

func (g testGateway) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(v)
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, req)
	return w
}

func (g testGateway) create(t *testing.T, req api.EntityCreateRequest) api.EntityResponse {
	t.Helper()
	w := g.do(t, http.MethodPost, "/v1/entities", req, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	return decodeBody[api.EntityResponse](t, w)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, errCode int) api.ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d (%s)", status, w.Code, w.Body.String())
	}
	errResp := decodeBody[api.ErrorResponse](t, w)
	if errResp.ErrorCode != errCode {
		t.Fatalf("expected error_code %d, got %d (%s)", errCode, errResp.ErrorCode, w.Body.String())
	}
	return errResp
}

func TestListenAddrRemoteGuard(t *testing.T) {
	t.Run("allows loopback", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "")
		addr, err := ListenAddr("http://127.0.0.1:7400")
		if err != nil {
			t.Fatalf("expected loopback to be allowed, got error: %v", err)
		}
		if addr != "127.0.0.1:7400" {
			t.Fatalf("unexpected addr: %s", addr)
		}
	})

	t.Run("blocks non-loopback by default", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "")
		_, err := ListenAddr("http://0.0.0.0:7400")
		if err == nil {
			t.Fatal("expected error for non-loopback listen host")
		}
	})

	t.Run("allows non-loopback when explicitly enabled", func(t *testing.T) {
		t.Setenv(allowRemoteEnvKey, "true")
		addr, err := ListenAddr("http://0.0.0.0:7400")
		if err != nil {
			t.Fatalf("expected allow-remote to permit host, got error: %v", err)
		}
		if addr != "0.0.0.0:7400" {
			t.Fatalf("unexpected addr: %s", addr)
		}
	})
}

func TestHealth(t *testing.T) {
	g := newGatewayForTest(t)
	w := g.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeBody[api.HealthResponse](t, w); got.Status != "ok" {
		t.Fatalf("unexpected health status %q", got.Status)
	}
}

func TestEntityLifecycleOverHTTP(t *testing.T) {
	g := newGatewayForTest(t)

	created := g.create(t, api.EntityCreateRequest{
		Content:     []byte("a,b\n1,2\n"),
		ContentType: "text/csv",
		Properties:  map[string]any{"name": "ds1"},
	})
	if created.EntityID == "" || created.Status != models.EntityComplete {
		t.Fatalf("unexpected created entity: %+v", created)
	}

	w := g.do(t, http.MethodGet, "/v1/entities/"+created.EntityID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	shown := decodeBody[api.EntityResponse](t, w)
	if shown.Handle == nil || shown.Handle.AccessURL == "" {
		t.Fatalf("expected presigned handle, got %+v", shown)
	}
	if shown.Properties["name"] != "ds1" {
		t.Fatalf("unexpected properties: %v", shown.Properties)
	}

	// The presigned URL is served by the gateway itself.
	u, err := url.Parse(shown.Handle.AccessURL)
	if err != nil {
		t.Fatalf("parse access url: %v", err)
	}
	w = g.do(t, http.MethodGet, u.RequestURI(), nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != "a,b\n1,2\n" {
		t.Fatalf("presigned download: %d %q", w.Code, w.Body.String())
	}

	w = g.do(t, http.MethodGet, "/v1/entities/"+created.EntityID+"/content", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != "a,b\n1,2\n" {
		t.Fatalf("content: %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %q", ct)
	}

	w = g.do(t, http.MethodPatch, "/v1/entities/"+created.EntityID, map[string]any{
		"properties": map[string]any{"name": nil, "stage": "raw"},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch properties: %d (%s)", w.Code, w.Body.String())
	}
	patched := decodeBody[api.EntityResponse](t, w)
	if _, ok := patched.Properties["name"]; ok || patched.Properties["stage"] != "raw" {
		t.Fatalf("merge patch not applied: %v", patched.Properties)
	}
	if patched.Blob != created.Blob {
		t.Fatalf("property-only update moved the blob: %v -> %v", created.Blob, patched.Blob)
	}

	newContent := []byte("x\n")
	w = g.do(t, http.MethodPatch, "/v1/entities/"+created.EntityID, api.EntityUpdateRequest{Content: &newContent}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch content: %d (%s)", w.Code, w.Body.String())
	}
	replaced := decodeBody[api.EntityResponse](t, w)
	if replaced.Blob == created.Blob || replaced.SizeBytes != 2 {
		t.Fatalf("expected new blob revision, got %+v", replaced)
	}

	w = g.do(t, http.MethodDelete, "/v1/entities/"+created.EntityID, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d (%s)", w.Code, w.Body.String())
	}

	w = g.do(t, http.MethodGet, "/v1/entities/"+created.EntityID, nil, nil)
	expectError(t, w, http.StatusNotFound, ErrCodeEntityNotFound)

	w = g.do(t, http.MethodDelete, "/v1/entities/"+created.EntityID, nil, nil)
	expectError(t, w, http.StatusNotFound, ErrCodeEntityNotFound)
}

func TestCreateEntity_IdempotencyKeyHeader(t *testing.T) {
	g := newGatewayForTest(t)
	req := api.EntityCreateRequest{Content: []byte("payload")}
	headers := map[string]string{api.IdempotencyKeyHeader: "req-1"}

	first := g.do(t, http.MethodPost, "/v1/entities", req, headers)
	second := g.do(t, http.MethodPost, "/v1/entities", req, headers)
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected 201 twice, got %d and %d", first.Code, second.Code)
	}
	a := decodeBody[api.EntityResponse](t, first)
	b := decodeBody[api.EntityResponse](t, second)
	if a.EntityID != b.EntityID {
		t.Fatalf("idempotent replay created a second entity: %s vs %s", a.EntityID, b.EntityID)
	}

	w := g.do(t, http.MethodGet, "/v1/entities", nil, nil)
	if got := decodeBody[api.EntityListResponse](t, w); len(got.Items) != 1 {
		t.Fatalf("expected one listed entity, got %d", len(got.Items))
	}
}

func TestCreateEntity_RejectsBadInput(t *testing.T) {
	g := newGatewayForTest(t)

	t.Run("mismatched idempotency keys", func(t *testing.T) {
		w := g.do(t, http.MethodPost, "/v1/entities",
			api.EntityCreateRequest{Content: []byte("x"), IdempotencyKey: "body"},
			map[string]string{api.IdempotencyKeyHeader: "header"})
		expectError(t, w, http.StatusBadRequest, ErrCodeInvalidArgument)
	})

	t.Run("trailing json", func(t *testing.T) {
		w := g.do(t, http.MethodPost, "/v1/entities", []byte(`{"content":"eA=="}{"content":"eA=="}`), nil)
		expectError(t, w, http.StatusBadRequest, ErrCodeInvalidJSON)
	})

	t.Run("empty body", func(t *testing.T) {
		w := g.do(t, http.MethodPost, "/v1/entities", []byte(``), nil)
		expectError(t, w, http.StatusBadRequest, ErrCodeInvalidJSON)
	})

	t.Run("reserved property", func(t *testing.T) {
		w := g.do(t, http.MethodPost, "/v1/entities", api.EntityCreateRequest{
			Content:    []byte("x"),
			Properties: map[string]any{models.PropEntityID: "forged"},
		}, nil)
		resp := expectError(t, w, http.StatusBadRequest, ErrCodeInvalidArgument)
		if resp.Code != gwerr.CodeValidation {
			t.Fatalf("expected validation code, got %q", resp.Code)
		}
	})

	t.Run("unknown class", func(t *testing.T) {
		w := g.do(t, http.MethodPost, "/v1/entities", api.EntityCreateRequest{Class: "Nope", Content: []byte("x")}, nil)
		expectError(t, w, http.StatusBadRequest, ErrCodeInvalidArgument)
	})

	t.Run("malformed entity id", func(t *testing.T) {
		w := g.do(t, http.MethodGet, "/v1/entities/not-a-uuid", nil, nil)
		expectError(t, w, http.StatusBadRequest, ErrCodeInvalidArgument)
	})
}

func TestGetEntity_OrphanedRecordIsConflict(t *testing.T) {
	g := newGatewayForTest(t)
	created := g.create(t, api.EntityCreateRequest{Content: []byte("gone soon")})

	if err := g.blobs.Delete(context.Background(), created.Blob); err != nil {
		t.Fatalf("delete blob behind the gateway: %v", err)
	}

	w := g.do(t, http.MethodGet, "/v1/entities/"+created.EntityID, nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", w.Code, w.Body.String())
	}
	resp := decodeBody[api.EntityResponse](t, w)
	if resp.Status != models.EntityOrphanedRecord || resp.Code != gwerr.CodeConflictOrphan {
		t.Fatalf("unexpected orphan response: %+v", resp)
	}
	if resp.Handle != nil {
		t.Fatal("orphaned record must not carry a handle")
	}

	w = g.do(t, http.MethodGet, "/v1/entities/"+created.EntityID+"/content", nil, nil)
	expectError(t, w, http.StatusConflict, ErrCodeConflictOrphan)
}

func TestListEntities_FilterPagesAndPresign(t *testing.T) {
	g := newGatewayForTest(t)
	for i := 0; i < 5; i++ {
		year := "2023"
		if i%2 == 0 {
			year = "2024"
		}
		g.create(t, api.EntityCreateRequest{
			Content:    []byte(fmt.Sprintf("row %d", i)),
			Properties: map[string]any{"year": year},
		})
	}

	seen := map[string]bool{}
	token := ""
	for pages := 0; pages < 10; pages++ {
		q := url.Values{"filter.year": {"2024"}, "limit": {"2"}, "presign": {"true"}}
		if token != "" {
			q.Set("page_token", token)
		}
		w := g.do(t, http.MethodGet, "/v1/entities?"+q.Encode(), nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("list: %d (%s)", w.Code, w.Body.String())
		}
		page := decodeBody[api.EntityListResponse](t, w)
		for _, item := range page.Items {
			if item.Properties["year"] != "2024" {
				t.Fatalf("filter leaked item %+v", item)
			}
			if item.Handle == nil {
				t.Fatalf("presign=true item without handle: %+v", item)
			}
			if seen[item.EntityID] {
				t.Fatalf("entity %s listed twice", item.EntityID)
			}
			seen[item.EntityID] = true
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 entities from 2024, got %d", len(seen))
	}

	w := g.do(t, http.MethodGet, "/v1/entities?limit=1", nil, nil)
	page := decodeBody[api.EntityListResponse](t, w)
	if len(page.Items) != 1 || page.Items[0].Handle != nil {
		t.Fatalf("listing without presign must not carry handles: %+v", page.Items)
	}
}

func TestListEntities_RejectsBadQuery(t *testing.T) {
	g := newGatewayForTest(t)

	w := g.do(t, http.MethodGet, "/v1/entities?limit=abc", nil, nil)
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidQuery)

	w = g.do(t, http.MethodGet, "/v1/entities?filter.=x", nil, nil)
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidQuery)

	w = g.do(t, http.MethodGet, "/v1/entities?page_token=%21%21", nil, nil)
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidArgument)
}

func TestReconcileEndpoint(t *testing.T) {
	g := newGatewayForTest(t)
	created := g.create(t, api.EntityCreateRequest{Content: []byte("x")})
	if err := g.blobs.Delete(context.Background(), created.Blob); err != nil {
		t.Fatalf("delete blob: %v", err)
	}

	w := g.do(t, http.MethodPost, "/v1/admin/reconcile", api.ReconcileRequest{DryRun: true}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dry run: %d (%s)", w.Code, w.Body.String())
	}
	report := decodeBody[api.ReconcileResponse](t, w)
	if !report.DryRun || report.OrphansFound != 1 || report.OrphansResolved != 0 {
		t.Fatalf("unexpected dry-run report: %+v", report)
	}

	w = g.do(t, http.MethodPost, "/v1/admin/reconcile", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: %d (%s)", w.Code, w.Body.String())
	}
	report = decodeBody[api.ReconcileResponse](t, w)
	if report.OrphansFound != 1 || report.OrphansResolved != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	w = g.do(t, http.MethodGet, "/v1/entities/"+created.EntityID, nil, nil)
	expectError(t, w, http.StatusNotFound, ErrCodeEntityNotFound)

	w = g.do(t, http.MethodPost, "/v1/admin/reconcile", api.ReconcileRequest{ScanLimit: -1}, nil)
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidArgument)
}

func TestReconcileEndpoint_Limited(t *testing.T) {
	g := newGatewayForTest(t)
	g.srv.reconcileLimiter <- struct{}{}
	defer g.srv.releaseLimiter(g.srv.reconcileLimiter)

	w := g.do(t, http.MethodPost, "/v1/admin/reconcile", nil, nil)
	expectError(t, w, http.StatusTooManyRequests, ErrCodeResourceExhausted)
}

func TestGetBlob_RejectsBadSignature(t *testing.T) {
	g := newGatewayForTest(t)
	created := g.create(t, api.EntityCreateRequest{Content: []byte("secret")})

	target := "/blobs/" + created.Blob.Bucket + "/" + created.Blob.Key + "?expires=" + fmt.Sprint(time.Now().Add(time.Hour).Unix()) + "&sig=deadbeef"
	w := g.do(t, http.MethodGet, target, nil, nil)
	expectError(t, w, http.StatusForbidden, ErrCodeForbidden)
}

func TestUpdateEntity_WaitsForEntityLock(t *testing.T) {
	g := newGatewayForTest(t)
	created := g.create(t, api.EntityCreateRequest{Content: []byte("x")})

	release, err := g.locker.Lock(context.Background(), created.EntityID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		w := g.do(t, http.MethodPatch, "/v1/entities/"+created.EntityID, map[string]any{"properties": map[string]any{"k": "v"}}, nil)
		done <- w.Code
	}()

	select {
	case code := <-done:
		t.Fatalf("update finished while the entity was locked: %d", code)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("expected 200 after release, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update did not finish after lock release")
	}
}

func TestGatewayErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errCode int
	}{
		{"not found", gwerr.NotFound("entity x"), http.StatusNotFound, ErrCodeEntityNotFound},
		{"validation", gwerr.Validation("bad"), http.StatusBadRequest, ErrCodeInvalidArgument},
		{"unavailable", gwerr.Unavailable("record get", errors.New("dial")), http.StatusServiceUnavailable, ErrCodeStoreUnavailable},
		{"quota", fmt.Errorf("put: %w", gwerr.ErrQuotaExceeded), http.StatusInsufficientStorage, ErrCodeQuotaExceeded},
		{"create failed", gwerr.CreateFailed(gwerr.Unavailable("record create", nil)), http.StatusBadGateway, ErrCodeCreateFailed},
		{"orphan", fmt.Errorf("entity: %w", gwerr.ErrConflictOrphan), http.StatusConflict, ErrCodeConflictOrphan},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	srv := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.writeServiceError(w, httptest.NewRequest(http.MethodGet, "/v1/entities/"+uuid.NewString(), nil), tt.err)
			resp := expectError(t, w, tt.status, tt.errCode)
			if tt.status >= 500 && resp.Error == tt.err.Error() {
				t.Fatalf("5xx response leaked backend detail: %q", resp.Error)
			}
		})
	}
}

func TestRequestIDHeader(t *testing.T) {
	g := newGatewayForTest(t)

	w := g.do(t, http.MethodGet, "/v1/entities", nil, nil)
	if got := w.Header().Get(requestIDHeader); got == "" {
		t.Fatalf("expected generated request id")
	}

	w = g.do(t, http.MethodGet, "/v1/entities", nil, map[string]string{requestIDHeader: "req-42"})
	if got := w.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("expected caller request id to be echoed, got %q", got)
	}
}
