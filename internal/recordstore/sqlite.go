package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute
)

// SQLiteStore is a RecordStore backed by a single SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database at path and applies pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := configureDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runSQLiteMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String(), nil
}

// classifySQLiteError maps driver failures onto the gateway taxonomy.
func classifySQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gwerr.FromContext(op, err)
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return gwerr.Unavailable(op, err)
		case sqlite3.SQLITE_FULL:
			return fmt.Errorf("%s: %w: %v", op, gwerr.ErrQuotaExceeded, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return gwerr.Validation("%s: %v", op, err)
		}
	}
	if strings.Contains(err.Error(), "database is locked") {
		return gwerr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// propertyPath builds the json_extract path for a validated property name.
func propertyPath(key string) string {
	return `$."` + key + `"`
}

// propertyTextExpr renders a JSON property as text so that filters compare
// the same way across backends (true, not 1).
const propertyTextExpr = `CASE json_type(properties, ?)
  WHEN 'true' THEN 'true'
  WHEN 'false' THEN 'false'
  ELSE CAST(json_extract(properties, ?) AS TEXT)
END`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner, class string) (models.Record, int64, error) {
	var (
		seq                int64
		id, props          string
		created, updatedAt string
	)
	if err := row.Scan(&seq, &id, &props, &created, &updatedAt); err != nil {
		return models.Record{}, 0, err
	}
	properties, err := unmarshalProperties([]byte(props))
	if err != nil {
		return models.Record{}, 0, err
	}
	return models.Record{
		Ref:        models.RecordRef{Class: class, ID: id},
		Properties: properties,
		CreatedAt:  parseTime(created),
		UpdatedAt:  parseTime(updatedAt),
	}, seq, nil
}

func (s *SQLiteStore) Create(ctx context.Context, class string, properties map[string]any, opts CreateOptions) (models.RecordRef, error) {
	if err := validateClass(class); err != nil {
		return models.RecordRef{}, err
	}
	raw, err := marshalProperties(properties)
	if err != nil {
		return models.RecordRef{}, err
	}
	id, err := resolveID(opts)
	if err != nil {
		return models.RecordRef{}, err
	}

	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (class, id, properties, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		class, id, string(raw), now, now,
	)
	if err != nil {
		return models.RecordRef{}, classifySQLiteError("record create", err)
	}
	return models.RecordRef{Class: class, ID: id}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, ref models.RecordRef) (models.Record, error) {
	if err := validateRef(ref); err != nil {
		return models.Record{}, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT seq, id, properties, created_at, updated_at FROM records WHERE class = ? AND id = ?",
		ref.Class, ref.ID,
	)
	rec, _, err := scanSQLiteRecord(row, ref.Class)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	if err != nil {
		return models.Record{}, classifySQLiteError("record get", err)
	}
	return rec, nil
}

// Update replaces the record's properties.
func (s *SQLiteStore) Update(ctx context.Context, ref models.RecordRef, properties map[string]any) (models.Record, error) {
	if err := validateRef(ref); err != nil {
		return models.Record{}, err
	}
	raw, err := marshalProperties(properties)
	if err != nil {
		return models.Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Record{}, classifySQLiteError("record update", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE records SET properties = ?, updated_at = ? WHERE class = ? AND id = ?",
		string(raw), formatTime(s.now()), ref.Class, ref.ID,
	)
	if err != nil {
		return models.Record{}, classifySQLiteError("record update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	row := tx.QueryRowContext(ctx,
		"SELECT seq, id, properties, created_at, updated_at FROM records WHERE class = ? AND id = ?",
		ref.Class, ref.ID,
	)
	rec, _, err := scanSQLiteRecord(row, ref.Class)
	if err != nil {
		return models.Record{}, classifySQLiteError("record update", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Record{}, classifySQLiteError("record update", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ref models.RecordRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE class = ? AND id = ?", ref.Class, ref.ID); err != nil {
		return classifySQLiteError("record delete", err)
	}
	return nil
}

func (s *SQLiteStore) QueryByClass(ctx context.Context, class string, opts QueryOptions) (QueryResult, error) {
	if err := validateClass(class); err != nil {
		return QueryResult{}, err
	}
	if err := validateFilter(opts.Filter); err != nil {
		return QueryResult{}, err
	}
	after, err := decodePageToken(opts.PageToken)
	if err != nil {
		return QueryResult{}, err
	}
	limit := normalizeLimit(opts.Limit)

	var b strings.Builder
	args := []any{class, after}
	b.WriteString("SELECT seq, id, properties, created_at, updated_at FROM records WHERE class = ? AND seq > ?")
	for _, key := range sortedKeys(opts.Filter) {
		b.WriteString(" AND ")
		b.WriteString(propertyTextExpr)
		b.WriteString(" = ?")
		args = append(args, propertyPath(key), propertyPath(key), opts.Filter[key])
	}
	b.WriteString(" ORDER BY seq ASC LIMIT ?")
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return QueryResult{}, classifySQLiteError("record query", err)
	}
	defer rows.Close()

	items := make([]models.Record, 0, limit)
	var lastSeq int64
	more := false
	for rows.Next() {
		if len(items) == limit {
			more = true
			break
		}
		rec, seq, err := scanSQLiteRecord(rows, class)
		if err != nil {
			return QueryResult{}, classifySQLiteError("record query", err)
		}
		items = append(items, rec)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, classifySQLiteError("record query", err)
	}

	result := QueryResult{Items: items}
	if more {
		result.NextPageToken = encodePageToken(lastSeq)
	}
	return result, nil
}

func (s *SQLiteStore) QueryByProperty(ctx context.Context, class, key, value string) ([]models.Record, error) {
	if err := validateClass(class); err != nil {
		return nil, err
	}
	if err := validatePropertyKey(key); err != nil {
		return nil, err
	}

	var (
		query string
		args  []any
	)
	if key == models.PropEntityID {
		// Matches the expression index from migration 2.
		query = `SELECT seq, id, properties, created_at, updated_at FROM records
WHERE class = ? AND json_extract(properties, '$."entityId"') = ? ORDER BY seq ASC LIMIT ?`
		args = []any{class, value, maxPropertyMatches}
	} else {
		query = "SELECT seq, id, properties, created_at, updated_at FROM records WHERE class = ? AND " +
			propertyTextExpr + " = ? ORDER BY seq ASC LIMIT ?"
		args = []any{class, propertyPath(key), propertyPath(key), value, maxPropertyMatches}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError("record query", err)
	}
	defer rows.Close()

	out := []models.Record{}
	for rows.Next() {
		rec, _, err := scanSQLiteRecord(rows, class)
		if err != nil {
			return nil, classifySQLiteError("record query", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("record query", err)
	}
	return out, nil
}

var _ RecordStore = (*SQLiteStore)(nil)
