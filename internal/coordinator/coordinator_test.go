package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/recordstore"
)

func TestCreateReadDeleteScenario(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()

	entity := mustCreate(t, f.coord, "hello world", map[string]any{"name": "doc1"})
	if entity.Status != models.EntityComplete {
		t.Fatalf("expected COMPLETE, got %s", entity.Status)
	}
	if entity.ContentHash != blobstore.ContentHash([]byte("hello world")) {
		t.Fatalf("unexpected content hash %q", entity.ContentHash)
	}

	got, err := f.coord.Get(ctx, entity.EntityID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.EntityComplete || got.Handle == nil {
		t.Fatalf("expected complete entity with handle, got %#v", got)
	}
	if got.Handle.ContentHash != entity.ContentHash {
		t.Fatalf("handle hash %q does not match %q", got.Handle.ContentHash, entity.ContentHash)
	}
	if got.Properties["name"] != "doc1" {
		t.Fatalf("expected name=doc1, got %#v", got.Properties)
	}

	data, _, err := f.coord.Content(ctx, entity.EntityID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected content %q", string(data))
	}

	if err := f.coord.Delete(ctx, entity.EntityID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.coord.Get(ctx, entity.EntityID); !errors.Is(err, gwerr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 0 {
		t.Fatalf("expected no blobs after delete, got %v", keys)
	}
}

func TestCreateTagsBlobAndRecord(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	entity := mustCreate(t, f.coord, "x", nil)

	if !strings.HasPrefix(entity.Blob.Key, entity.EntityID+"/") {
		t.Fatalf("blob key %q not under entity prefix", entity.Blob.Key)
	}
	info, err := f.mem.Stat(context.Background(), entity.Blob)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.EntityID() != entity.EntityID {
		t.Fatalf("blob tag %q does not match %q", info.EntityID(), entity.EntityID)
	}
	rec, err := f.records.Get(context.Background(), entity.Record)
	if err != nil {
		t.Fatalf("record get: %v", err)
	}
	if rec.StringProperty(models.PropEntityID) != entity.EntityID {
		t.Fatalf("record entityId %q does not match", rec.StringProperty(models.PropEntityID))
	}
}

func TestCreateBlobFailureWritesNothing(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	f.blobs.failPut = 1

	_, err := f.coord.Create(context.Background(), CreateInput{Content: []byte("x")})
	if !errors.Is(err, gwerr.ErrCreateFailed) {
		t.Fatalf("expected create failed, got %v", err)
	}
	if n := f.recordCount(t, "Dataset"); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
}

func TestCreateRecordFailureCompensates(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	f.records.failCreate = 1

	_, err := f.coord.Create(context.Background(), CreateInput{Content: []byte("x")})
	if !errors.Is(err, gwerr.ErrCreateFailed) {
		t.Fatalf("expected create failed, got %v", err)
	}
	if errors.Is(err, gwerr.ErrStoreUnavailable) {
		t.Fatal("record failure must not pass through as store unavailable")
	}
	if keys := f.blobKeys(t); len(keys) != 0 {
		t.Fatalf("expected compensation to remove blob, got %v", keys)
	}
}

func TestCreateFailedCompensationIsReconciled(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	f.records.failCreate = 1
	f.blobs.failDelete = 1

	_, err := f.coord.Create(context.Background(), CreateInput{Content: []byte("x")})
	if !errors.Is(err, gwerr.ErrCreateFailed) {
		t.Fatalf("expected create failed, got %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 1 {
		t.Fatalf("expected orphan blob to remain, got %v", keys)
	}

	report, err := f.coord.Reconcile(context.Background(), 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OrphansFound != 0 || report.PendingSkipped != 1 {
		t.Fatalf("young orphan should be pending, got %+v", report)
	}

	f.advance()
	report, err = f.coord.Reconcile(context.Background(), 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OrphansFound != 1 || report.OrphansResolved != 1 {
		t.Fatalf("expected one resolved orphan, got %+v", report)
	}
	if report.Resolutions[0].Kind != models.EntityOrphanedBlob || report.Resolutions[0].Action != models.ActionDeletedBlob {
		t.Fatalf("unexpected resolution %+v", report.Resolutions[0])
	}
	if keys := f.blobKeys(t); len(keys) != 0 {
		t.Fatalf("expected orphan removed, got %v", keys)
	}
}

func TestCreateCancelledAfterBlobWriteCompensates(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.records.onCreate = func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return gwerr.FromContext("record create", ctx.Err())
	}

	_, err := f.coord.Create(ctx, CreateInput{Content: []byte("x")})
	if !errors.Is(err, gwerr.ErrCreateFailed) {
		t.Fatalf("expected create failed, got %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 0 {
		t.Fatalf("compensation should survive cancellation, got %v", keys)
	}
}

func TestCreateIdempotencyKey(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	in := CreateInput{Content: []byte("x"), IdempotencyKey: "req-1"}

	first, err := f.coord.Create(ctx, in)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := f.coord.Create(ctx, in)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.EntityID != second.EntityID {
		t.Fatalf("expected same entity, got %s and %s", first.EntityID, second.EntityID)
	}
	if n := f.recordCount(t, "Dataset"); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
	if keys := f.blobKeys(t); len(keys) != 1 {
		t.Fatalf("expected one blob, got %v", keys)
	}
}

func TestCreateIdempotencyRaceKeepsEarliest(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	in := CreateInput{Content: []byte("x"), IdempotencyKey: "req-race"}

	var winner models.Entity
	f.records.onCreate = func(ctx context.Context) error {
		f.records.onCreate = nil
		var err error
		winner, err = f.coord.Create(ctx, in)
		return err
	}

	got, err := f.coord.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.EntityID != winner.EntityID {
		t.Fatalf("expected earlier entity %s, got %s", winner.EntityID, got.EntityID)
	}
	if n := f.recordCount(t, "Dataset"); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
	if keys := f.blobKeys(t); len(keys) != 1 || keys[0] != winner.Blob.Key {
		t.Fatalf("expected only the earlier blob, got %v", keys)
	}
}

func TestCreateIdempotencyRaceKeepsDuplicateWhenCleanupFails(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	in := CreateInput{Content: []byte("x"), IdempotencyKey: "req-race"}

	var winner models.Entity
	f.records.onCreate = func(ctx context.Context) error {
		f.records.onCreate = nil
		var err error
		winner, err = f.coord.Create(ctx, in)
		f.records.failDelete = 1
		return err
	}

	got, err := f.coord.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.EntityID == winner.EntityID {
		t.Fatalf("expected own entity when the duplicate cannot be removed")
	}
	if n := f.recordCount(t, "Dataset"); n != 2 {
		t.Fatalf("expected both records, got %d", n)
	}
	if keys := f.blobKeys(t); len(keys) != 2 {
		t.Fatalf("expected both blobs, got %v", keys)
	}
	if _, err := f.coord.Get(ctx, got.EntityID); err != nil {
		t.Fatalf("returned entity must stay readable: %v", err)
	}
}

func TestCreateIdempotencyConcurrent(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	in := CreateInput{Content: []byte("x"), IdempotencyKey: "req-concurrent"}

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = map[string]struct{}{}
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entity, err := f.coord.Create(context.Background(), in)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[entity.EntityID] = struct{}{}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("create errors: %v", errs)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one entity id, got %d", len(ids))
	}
	if n := f.recordCount(t, "Dataset"); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
	if keys := f.blobKeys(t); len(keys) != 1 {
		t.Fatalf("expected one blob, got %v", keys)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"reserved property", CreateInput{Properties: map[string]any{models.PropEntityID: "x"}}},
		{"unknown class", CreateInput{Class: "Nope"}},
		{"empty property name", CreateInput{Properties: map[string]any{" ": 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.coord.Create(ctx, tc.in); !errors.Is(err, gwerr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if f.blobs.puts != 0 {
		t.Fatalf("validation failures must not write blobs, got %d puts", f.blobs.puts)
	}
}

func TestCreateInSecondaryClass(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	entity, err := f.coord.Create(context.Background(), CreateInput{Class: "Model", Content: []byte("w")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := f.coord.Get(context.Background(), entity.EntityID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Record.Class != "Model" {
		t.Fatalf("expected class Model, got %s", got.Record.Class)
	}
}

func TestGetInvalidAndMissing(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	if _, err := f.coord.Get(context.Background(), "not-a-uuid"); !errors.Is(err, gwerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.coord.Get(context.Background(), "1b4e28ba-2fa1-41d2-883f-0016d3cca427"); !errors.Is(err, gwerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetReportsOrphanedRecord(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	entity := mustCreate(t, f.coord, "x", nil)
	if err := f.mem.Delete(context.Background(), entity.Blob); err != nil {
		t.Fatalf("delete blob: %v", err)
	}

	got, err := f.coord.Get(context.Background(), entity.EntityID)
	if !errors.Is(err, gwerr.ErrConflictOrphan) {
		t.Fatalf("expected conflict orphan, got %v", err)
	}
	if got.Status != models.EntityOrphanedRecord || got.Handle != nil {
		t.Fatalf("expected ORPHANED_RECORD without handle, got %#v", got)
	}
	if _, _, err := f.coord.Content(context.Background(), entity.EntityID); !errors.Is(err, gwerr.ErrConflictOrphan) {
		t.Fatalf("expected conflict orphan from content, got %v", err)
	}
}

func TestGetReportsOrphanBehindPresignCache(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	cached, err := blobstore.WithPresignCache(mem, 8)
	if err != nil {
		t.Fatalf("presign cache: %v", err)
	}
	coord, err := New(cached, recordstore.NewMemoryStore(), Config{
		Bucket:  testBucket,
		Classes: []string{"Dataset"},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	entity := mustCreate(t, coord, "x", nil)

	if got, err := coord.Get(ctx, entity.EntityID); err != nil || got.Handle == nil {
		t.Fatalf("first get: %#v, %v", got, err)
	}
	if err := mem.Delete(ctx, entity.Blob); err != nil {
		t.Fatalf("delete blob: %v", err)
	}

	got, err := coord.Get(ctx, entity.EntityID)
	if !errors.Is(err, gwerr.ErrConflictOrphan) {
		t.Fatalf("expected conflict orphan, got %v", err)
	}
	if got.Status != models.EntityOrphanedRecord || got.Handle != nil {
		t.Fatalf("expected ORPHANED_RECORD without handle, got %#v", got)
	}
}

func TestContentHashMismatchIsOrphan(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "original", nil)
	if _, err := f.mem.Put(ctx, entity.Blob.Bucket, entity.Blob.Key, []byte("tampered"), blobstore.PutOptions{}); err != nil {
		t.Fatalf("overwrite blob: %v", err)
	}

	data, got, err := f.coord.Content(ctx, entity.EntityID)
	if !errors.Is(err, gwerr.ErrConflictOrphan) {
		t.Fatalf("expected conflict orphan, got %v", err)
	}
	if data != nil || got.Status != models.EntityOrphanedRecord {
		t.Fatalf("expected ORPHANED_RECORD without data, got %q %#v", data, got)
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch detail, got %v", err)
	}
}

func TestUpdateContentRepoints(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "v1", map[string]any{"name": "doc"})

	updated, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{ReplaceContent: true, Content: []byte("v2")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Blob == entity.Blob {
		t.Fatal("expected a new blob key")
	}
	if updated.ContentType != "text/plain" {
		t.Fatalf("expected content type kept, got %q", updated.ContentType)
	}
	if updated.Properties["name"] != "doc" {
		t.Fatalf("expected properties kept, got %#v", updated.Properties)
	}

	data, _, err := f.coord.Content(ctx, entity.EntityID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected v2, got %q", string(data))
	}
	if keys := f.blobKeys(t); len(keys) != 1 || keys[0] != updated.Blob.Key {
		t.Fatalf("expected only the new revision, got %v", keys)
	}
}

func TestUpdateRepointFailureKeepsPreviousContent(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "v1", nil)
	f.records.failUpdate = 1

	_, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{ReplaceContent: true, Content: []byte("v2")})
	if !errors.Is(err, gwerr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}

	data, got, err := f.coord.Content(ctx, entity.EntityID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(data) != "v1" || got.Blob != entity.Blob {
		t.Fatalf("expected previous content, got %q at %s", string(data), got.Blob)
	}
	if keys := f.blobKeys(t); len(keys) != 1 || keys[0] != entity.Blob.Key {
		t.Fatalf("expected new revision removed, got %v", keys)
	}
}

func TestUpdateRepointCommittedDespiteError(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "v1", nil)
	f.records.failCommitted = 1

	updated, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{ReplaceContent: true, Content: []byte("v2")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Blob == entity.Blob {
		t.Fatalf("expected new blob reference, got %s", updated.Blob)
	}

	data, _, err := f.coord.Content(ctx, entity.EntityID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected new content, got %q", string(data))
	}
	if keys := f.blobKeys(t); len(keys) != 1 || keys[0] != updated.Blob.Key {
		t.Fatalf("expected only the new revision, got %v", keys)
	}
}

func TestUpdateRepointUnknownKeepsNewRevision(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "v1", nil)
	f.records.failUpdate = 1
	f.records.failGet = 1

	_, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{ReplaceContent: true, Content: []byte("v2")})
	if !errors.Is(err, gwerr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 2 {
		t.Fatalf("expected both revisions kept, got %v", keys)
	}
	data, _, err := f.coord.Content(ctx, entity.EntityID)
	if err != nil || string(data) != "v1" {
		t.Fatalf("expected previous content, got %q, %v", string(data), err)
	}
}

func TestUpdateStaleRevisionIsReconciled(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "v1", nil)
	// Repoint succeeds, removal of the old revision does not.
	f.blobs.failDelete = 1

	updated, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{ReplaceContent: true, Content: []byte("v2")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 2 {
		t.Fatalf("expected old revision left behind, got %v", keys)
	}

	f.advance()
	report, err := f.coord.Reconcile(ctx, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OrphansResolved != 1 {
		t.Fatalf("expected stale revision resolved, got %+v", report)
	}
	if keys := f.blobKeys(t); len(keys) != 1 || keys[0] != updated.Blob.Key {
		t.Fatalf("expected only current revision, got %v", keys)
	}
}

func TestUpdatePropertiesOnlyLeavesBlobAlone(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "x", map[string]any{"name": "a", "drop": true})
	puts := f.blobs.puts

	updated, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{Properties: map[string]any{"name": "b", "drop": nil, "new": 1}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.blobs.puts != puts {
		t.Fatalf("property update wrote a blob")
	}
	if updated.Blob != entity.Blob || updated.ContentHash != entity.ContentHash {
		t.Fatalf("blob pointer changed: %#v", updated)
	}
	if updated.Properties["name"] != "b" || updated.Properties["new"] == nil {
		t.Fatalf("unexpected properties %#v", updated.Properties)
	}
	if _, ok := updated.Properties["drop"]; ok {
		t.Fatal("nil patch value should remove the property")
	}
}

func TestUpdateValidation(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	entity := mustCreate(t, f.coord, "x", nil)
	if _, err := f.coord.Update(context.Background(), entity.EntityID, UpdateInput{}); !errors.Is(err, gwerr.ErrValidation) {
		t.Fatalf("expected validation error for empty update, got %v", err)
	}
	_, err := f.coord.Update(context.Background(), entity.EntityID, UpdateInput{Properties: map[string]any{models.PropBlobKey: "evil"}})
	if !errors.Is(err, gwerr.ErrValidation) {
		t.Fatalf("expected validation error for reserved property, got %v", err)
	}
}

func TestDeleteTwice(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	entity := mustCreate(t, f.coord, "x", nil)

	if err := f.coord.Delete(context.Background(), entity.EntityID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	err := f.coord.Delete(context.Background(), entity.EntityID)
	if err != nil && !errors.Is(err, gwerr.ErrNotFound) {
		t.Fatalf("second delete: expected success or not found, got %v", err)
	}
}

func TestDeleteResumesAfterBlobFailure(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	entity := mustCreate(t, f.coord, "x", nil)
	f.blobs.failDelete = 1

	if err := f.coord.Delete(context.Background(), entity.EntityID); !errors.Is(err, gwerr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 1 {
		t.Fatalf("expected blob to remain, got %v", keys)
	}
	if err := f.coord.Delete(context.Background(), entity.EntityID); err != nil {
		t.Fatalf("retried delete: %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 0 {
		t.Fatalf("expected blob removed on retry, got %v", keys)
	}
	if err := f.coord.Delete(context.Background(), entity.EntityID); !errors.Is(err, gwerr.ErrNotFound) {
		t.Fatalf("expected not found once fully deleted, got %v", err)
	}
}

func TestDeleteLeavesDeletingForReconciliation(t *testing.T) {
	f := newCoordinatorForTest(t, Config{})
	ctx := context.Background()
	entity := mustCreate(t, f.coord, "x", nil)
	f.records.failDelete = 1

	if err := f.coord.Delete(ctx, entity.EntityID); err == nil {
		t.Fatal("expected delete to fail")
	}
	got, err := f.coord.Get(ctx, entity.EntityID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.EntityDeleting {
		t.Fatalf("expected DELETING, got %s", got.Status)
	}
	if _, err := f.coord.Update(ctx, entity.EntityID, UpdateInput{Properties: map[string]any{"a": 1}}); !errors.Is(err, gwerr.ErrNotFound) {
		t.Fatalf("expected update of deleting entity to fail with not found, got %v", err)
	}

	f.advance()
	report, err := f.coord.Reconcile(ctx, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OrphansResolved != 1 || report.Resolutions[0].Action != models.ActionFinishedDelete {
		t.Fatalf("expected finished delete, got %+v", report)
	}
	if _, err := f.coord.Get(ctx, entity.EntityID); !errors.Is(err, gwerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if keys := f.blobKeys(t); len(keys) != 0 {
		t.Fatalf("expected blobs removed, got %v", keys)
	}
}

func TestCallTimeoutSurfacesStoreUnavailable(t *testing.T) {
	f := newCoordinatorForTest(t, Config{CallTimeout: 20 * time.Millisecond})
	f.records.block = true

	start := time.Now()
	_, err := f.coord.Get(context.Background(), "1b4e28ba-2fa1-41d2-883f-0016d3cca427")
	if !errors.Is(err, gwerr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("call was not bounded by the timeout")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	mem := blobstore.NewMemoryStore()
	if _, err := New(mem, nil, Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without record store")
	}
	f := newCoordinatorForTest(t, Config{Classes: []string{"Model", "Dataset"}, DefaultClass: "Dataset"})
	if got := f.coord.Classes(); len(got) != 2 || got[0] != "Dataset" {
		t.Fatalf("expected default class first, got %v", got)
	}
}
