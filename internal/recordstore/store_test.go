package recordstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// testSQLiteStore creates a temporary SQLite store for testing.
func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// storeFactories returns every implementation that runs without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) RecordStore {
	t.Helper()
	return map[string]func(t *testing.T) RecordStore{
		"memory": func(t *testing.T) RecordStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) RecordStore { return testSQLiteStore(t) },
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, st RecordStore)) {
	t.Helper()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestCreateGetUpdateDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		ref, err := st.Create(ctx, "Dataset", map[string]any{"name": "q3", "rows": 12}, CreateOptions{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if ref.Class != "Dataset" || ref.ID == "" {
			t.Fatalf("unexpected ref: %#v", ref)
		}

		got, err := st.Get(ctx, ref)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.StringProperty("name") != "q3" || got.Int64Property("rows") != 12 {
			t.Fatalf("unexpected properties: %#v", got.Properties)
		}
		if got.CreatedAt.IsZero() {
			t.Fatal("expected created_at")
		}

		updated, err := st.Update(ctx, ref, map[string]any{"name": "q4"})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.StringProperty("name") != "q4" {
			t.Fatalf("expected name q4, got %#v", updated.Properties)
		}
		if _, ok := updated.Properties["rows"]; ok {
			t.Fatal("update should replace properties")
		}

		if err := st.Delete(ctx, ref); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := st.Get(ctx, ref); !errors.Is(err, gwerr.ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		if err := st.Delete(ctx, ref); err != nil {
			t.Fatalf("second delete should be a no-op, got %v", err)
		}
	})
}

func TestCreateWithExplicitIDRejectsDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		if _, err := st.Create(ctx, "Dataset", nil, CreateOptions{ID: "fixed"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err := st.Create(ctx, "Dataset", nil, CreateOptions{ID: "fixed"})
		if !errors.Is(err, gwerr.ErrValidation) {
			t.Fatalf("expected validation error for duplicate id, got %v", err)
		}
		// Same id in another class is fine.
		if _, err := st.Create(ctx, "Model", nil, CreateOptions{ID: "fixed"}); err != nil {
			t.Fatalf("create in other class: %v", err)
		}
	})
}

func TestUpdateMissingRecord(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		_, err := st.Update(context.Background(), models.RecordRef{Class: "Dataset", ID: "nope"}, nil)
		if !errors.Is(err, gwerr.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestInvalidInput(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		if _, err := st.Create(ctx, "", nil, CreateOptions{}); !errors.Is(err, gwerr.ErrValidation) {
			t.Fatalf("expected validation error for empty class, got %v", err)
		}
		if _, err := st.Create(ctx, "9lives", nil, CreateOptions{}); !errors.Is(err, gwerr.ErrValidation) {
			t.Fatalf("expected validation error for bad class, got %v", err)
		}
		if _, err := st.Create(ctx, "Dataset", map[string]any{`a"b`: 1}, CreateOptions{}); !errors.Is(err, gwerr.ErrValidation) {
			t.Fatalf("expected validation error for bad property name, got %v", err)
		}
		if _, err := st.Get(ctx, models.RecordRef{Class: "Dataset"}); !errors.Is(err, gwerr.ErrValidation) {
			t.Fatalf("expected validation error for empty id, got %v", err)
		}
		if _, err := st.QueryByClass(ctx, "Dataset", QueryOptions{PageToken: "%%%"}); !errors.Is(err, gwerr.ErrValidation) {
			t.Fatalf("expected validation error for bad token, got %v", err)
		}
	})
}

func TestQueryByClassPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		var want []string
		for i := 0; i < 7; i++ {
			ref, err := st.Create(ctx, "Dataset", map[string]any{"n": i}, CreateOptions{})
			if err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
			want = append(want, ref.ID)
		}
		if _, err := st.Create(ctx, "Model", nil, CreateOptions{}); err != nil {
			t.Fatalf("create other class: %v", err)
		}

		var got []string
		token := ""
		pages := 0
		for {
			page, err := st.QueryByClass(ctx, "Dataset", QueryOptions{PageToken: token, Limit: 3})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			for _, rec := range page.Items {
				got = append(got, rec.Ref.ID)
			}
			pages++
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
		if pages != 3 {
			t.Fatalf("expected 3 pages, got %d", pages)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("expected insertion order %v, got %v", want, got)
		}
	})
}

func TestQueryByClassTokenStableAcrossCalls(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			if _, err := st.Create(ctx, "Dataset", nil, CreateOptions{}); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		first, err := st.QueryByClass(ctx, "Dataset", QueryOptions{Limit: 2})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		a, err := st.QueryByClass(ctx, "Dataset", QueryOptions{Limit: 2, PageToken: first.NextPageToken})
		if err != nil {
			t.Fatalf("query a: %v", err)
		}
		b, err := st.QueryByClass(ctx, "Dataset", QueryOptions{Limit: 2, PageToken: first.NextPageToken})
		if err != nil {
			t.Fatalf("query b: %v", err)
		}
		if len(a.Items) != 2 || a.Items[0].Ref != b.Items[0].Ref || a.Items[1].Ref != b.Items[1].Ref {
			t.Fatalf("same token returned different pages: %v vs %v", a.Items, b.Items)
		}
		if a.NextPageToken != "" {
			t.Fatalf("expected last page, got token %q", a.NextPageToken)
		}
	})
}

func TestQueryByClassFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		seed := []map[string]any{
			{"team": "ml", "year": 2024, "public": true},
			{"team": "ml", "year": 2023, "public": false},
			{"team": "bi", "year": 2024, "public": true},
		}
		for _, props := range seed {
			if _, err := st.Create(ctx, "Dataset", props, CreateOptions{}); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		tests := []struct {
			filter Filter
			want   int
		}{
			{Filter{"team": "ml"}, 2},
			{Filter{"year": "2024"}, 2},
			{Filter{"team": "ml", "year": "2024"}, 1},
			{Filter{"public": "true"}, 2},
			{Filter{"missing": "x"}, 0},
		}
		for _, tc := range tests {
			page, err := st.QueryByClass(ctx, "Dataset", QueryOptions{Filter: tc.filter})
			if err != nil {
				t.Fatalf("query %v: %v", tc.filter, err)
			}
			if len(page.Items) != tc.want {
				t.Fatalf("filter %v: expected %d items, got %d", tc.filter, tc.want, len(page.Items))
			}
		}
	})
}

func TestQueryByProperty(t *testing.T) {
	forEachStore(t, func(t *testing.T, st RecordStore) {
		ctx := context.Background()
		if _, err := st.Create(ctx, "Dataset", map[string]any{models.PropEntityID: "e-1"}, CreateOptions{}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := st.Create(ctx, "Dataset", map[string]any{models.PropEntityID: "e-2", "idempotencyKey": "k1"}, CreateOptions{}); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := st.QueryByProperty(ctx, "Dataset", models.PropEntityID, "e-2")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0].StringProperty(models.PropEntityID) != "e-2" {
			t.Fatalf("unexpected result: %#v", got)
		}

		got, err = st.QueryByProperty(ctx, "Dataset", "idempotencyKey", "k1")
		if err != nil {
			t.Fatalf("query by key: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected one match, got %d", len(got))
		}

		got, err = st.QueryByProperty(ctx, "Other", models.PropEntityID, "e-1")
		if err != nil {
			t.Fatalf("query other class: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no matches in other class, got %d", len(got))
		}
	})
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Create(ctx, "Dataset", nil, CreateOptions{})
	if !errors.Is(err, gwerr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestSQLiteReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	st, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ref, err := st.Create(context.Background(), "Dataset", map[string]any{"k": "v"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st.Close()

	st, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.StringProperty("k") != "v" {
		t.Fatalf("unexpected properties: %#v", got.Properties)
	}

	var version int
	if err := st.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(sqliteMigrations) {
		t.Fatalf("expected version %d, got %d", len(sqliteMigrations), version)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPageTokenRoundTrip(t *testing.T) {
	seq, err := decodePageToken(encodePageToken(42))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 42 {
		t.Fatalf("expected 42, got %d", seq)
	}
	if seq, err := decodePageToken(""); err != nil || seq != 0 {
		t.Fatalf("empty token: %d, %v", seq, err)
	}
}
