package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/recordstore"
)

const testBucket = "datasets"

var errInjected = errors.New("injected failure")

// faultyBlobs fails the next N calls of selected operations.
type faultyBlobs struct {
	blobstore.BlobStore
	mu         sync.Mutex
	failPut    int
	failDelete int
	puts       int
}

func (f *faultyBlobs) Put(ctx context.Context, bucket, key string, data []byte, opts blobstore.PutOptions) (models.BlobRef, error) {
	f.mu.Lock()
	f.puts++
	fail := f.failPut > 0
	if fail {
		f.failPut--
	}
	f.mu.Unlock()
	if fail {
		return models.BlobRef{}, gwerr.Unavailable("blob put", errInjected)
	}
	return f.BlobStore.Put(ctx, bucket, key, data, opts)
}

func (f *faultyBlobs) Delete(ctx context.Context, ref models.BlobRef) error {
	f.mu.Lock()
	fail := f.failDelete > 0
	if fail {
		f.failDelete--
	}
	f.mu.Unlock()
	if fail {
		return gwerr.Unavailable("blob delete", errInjected)
	}
	return f.BlobStore.Delete(ctx, ref)
}

// faultyRecords fails the next N calls of selected operations. onCreate, when
// set, runs before every create and may replace its result.
type faultyRecords struct {
	recordstore.RecordStore
	mu         sync.Mutex
	failCreate int
	failUpdate int
	// failCommitted applies the update, then reports a failure.
	failCommitted int
	failDelete    int
	failGet       int
	block         bool
	onCreate      func(ctx context.Context) error
}

func (f *faultyRecords) take(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (f *faultyRecords) Create(ctx context.Context, class string, props map[string]any, opts recordstore.CreateOptions) (models.RecordRef, error) {
	if f.onCreate != nil {
		if err := f.onCreate(ctx); err != nil {
			return models.RecordRef{}, err
		}
	}
	if f.take(&f.failCreate) {
		return models.RecordRef{}, gwerr.Unavailable("record create", errInjected)
	}
	return f.RecordStore.Create(ctx, class, props, opts)
}

func (f *faultyRecords) Update(ctx context.Context, ref models.RecordRef, props map[string]any) (models.Record, error) {
	if f.take(&f.failUpdate) {
		return models.Record{}, gwerr.Unavailable("record update", errInjected)
	}
	if f.take(&f.failCommitted) {
		if _, err := f.RecordStore.Update(ctx, ref, props); err != nil {
			return models.Record{}, err
		}
		return models.Record{}, gwerr.FromContext("record update", context.DeadlineExceeded)
	}
	return f.RecordStore.Update(ctx, ref, props)
}

func (f *faultyRecords) Get(ctx context.Context, ref models.RecordRef) (models.Record, error) {
	if f.take(&f.failGet) {
		return models.Record{}, gwerr.Unavailable("record get", errInjected)
	}
	return f.RecordStore.Get(ctx, ref)
}

func (f *faultyRecords) Delete(ctx context.Context, ref models.RecordRef) error {
	if f.take(&f.failDelete) {
		return gwerr.Unavailable("record delete", errInjected)
	}
	return f.RecordStore.Delete(ctx, ref)
}

func (f *faultyRecords) QueryByProperty(ctx context.Context, class, key, value string) ([]models.Record, error) {
	if f.block {
		<-ctx.Done()
		return nil, gwerr.FromContext("record query", ctx.Err())
	}
	return f.RecordStore.QueryByProperty(ctx, class, key, value)
}

type coordinatorFixture struct {
	coord   *Coordinator
	blobs   *faultyBlobs
	records *faultyRecords
	mem     *blobstore.MemoryStore
}

func newCoordinatorForTest(t *testing.T, cfg Config) coordinatorFixture {
	t.Helper()
	mem := blobstore.NewMemoryStore()
	blobs := &faultyBlobs{BlobStore: mem}
	records := &faultyRecords{RecordStore: recordstore.NewMemoryStore()}
	if cfg.Bucket == "" {
		cfg.Bucket = testBucket
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = []string{"Dataset", "Model"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	coord, err := New(blobs, records, cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinatorFixture{coord: coord, blobs: blobs, records: records, mem: mem}
}

// advance moves the coordinator clock past the staleness window.
func (f coordinatorFixture) advance() {
	f.coord.now = func() time.Time { return time.Now().Add(f.coord.cfg.StalenessWindow + time.Minute) }
}

func (f coordinatorFixture) blobKeys(t *testing.T) []string {
	t.Helper()
	page, err := f.mem.List(context.Background(), testBucket, blobstore.ListOptions{Limit: blobstore.MaxListLimit})
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	keys := make([]string, 0, len(page.Items))
	for _, ref := range page.Items {
		keys = append(keys, ref.Key)
	}
	return keys
}

func (f coordinatorFixture) recordCount(t *testing.T, class string) int {
	t.Helper()
	page, err := f.records.QueryByClass(context.Background(), class, recordstore.QueryOptions{Limit: recordstore.MaxQueryLimit})
	if err != nil {
		t.Fatalf("query records: %v", err)
	}
	return len(page.Items)
}

func mustCreate(t *testing.T, c *Coordinator, content string, props map[string]any) models.Entity {
	t.Helper()
	entity, err := c.Create(context.Background(), CreateInput{
		Content:     []byte(content),
		ContentType: "text/plain",
		Properties:  props,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return entity
}
