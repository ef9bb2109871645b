package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// PostgresStore is a RecordStore backed by a pooled PostgreSQL connection.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = connMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classifyPostgresError("postgres connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyPostgresError("postgres ping", err)
	}
	if err := runPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases all pooled connections.
func (p *PostgresStore) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gwerr.FromContext(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return gwerr.Validation("%s: %s", op, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return gwerr.Validation("%s: %s", op, pgErr.Message)
		case pgErr.Code == "53100":
			return fmt.Errorf("%s: %w: %s", op, gwerr.ErrQuotaExceeded, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"), pgErr.Code == "40001", pgErr.Code == "40P01":
			return gwerr.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return gwerr.Unavailable(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return gwerr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const postgresColumns = "seq, id, properties, created_at, updated_at"

func scanPostgresRecord(row pgx.Row, class string) (models.Record, int64, error) {
	var (
		seq                int64
		id                 string
		raw                []byte
		created, updatedAt time.Time
	)
	if err := row.Scan(&seq, &id, &raw, &created, &updatedAt); err != nil {
		return models.Record{}, 0, err
	}
	props, err := unmarshalProperties(raw)
	if err != nil {
		return models.Record{}, 0, err
	}
	return models.Record{
		Ref:        models.RecordRef{Class: class, ID: id},
		Properties: props,
		CreatedAt:  created.UTC(),
		UpdatedAt:  updatedAt.UTC(),
	}, seq, nil
}

func (p *PostgresStore) Create(ctx context.Context, class string, properties map[string]any, opts CreateOptions) (models.RecordRef, error) {
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

	now := time.Now().UTC()
	_, err = p.pool.Exec(ctx,
		"INSERT INTO dsgate_records (class, id, properties, created_at, updated_at) VALUES ($1, $2, $3::jsonb, $4, $4)",
		class, id, string(raw), now,
	)
	if err != nil {
		return models.RecordRef{}, classifyPostgresError("record create", err)
	}
	return models.RecordRef{Class: class, ID: id}, nil
}

func (p *PostgresStore) Get(ctx context.Context, ref models.RecordRef) (models.Record, error) {
	if err := validateRef(ref); err != nil {
		return models.Record{}, err
	}
	row := p.pool.QueryRow(ctx,
		"SELECT "+postgresColumns+" FROM dsgate_records WHERE class = $1 AND id = $2",
		ref.Class, ref.ID,
	)
	rec, _, err := scanPostgresRecord(row, ref.Class)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	if err != nil {
		return models.Record{}, classifyPostgresError("record get", err)
	}
	return rec, nil
}

// Update replaces the record's properties.
func (p *PostgresStore) Update(ctx context.Context, ref models.RecordRef, properties map[string]any) (models.Record, error) {
	if err := validateRef(ref); err != nil {
		return models.Record{}, err
	}
	raw, err := marshalProperties(properties)
	if err != nil {
		return models.Record{}, err
	}
	row := p.pool.QueryRow(ctx,
		"UPDATE dsgate_records SET properties = $1::jsonb, updated_at = $2 WHERE class = $3 AND id = $4 RETURNING "+postgresColumns,
		string(raw), time.Now().UTC(), ref.Class, ref.ID,
	)
	rec, _, err := scanPostgresRecord(row, ref.Class)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	if err != nil {
		return models.Record{}, classifyPostgresError("record update", err)
	}
	return rec, nil
}

func (p *PostgresStore) Delete(ctx context.Context, ref models.RecordRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM dsgate_records WHERE class = $1 AND id = $2", ref.Class, ref.ID); err != nil {
		return classifyPostgresError("record delete", err)
	}
	return nil
}

func (p *PostgresStore) QueryByClass(ctx context.Context, class string, opts QueryOptions) (QueryResult, error) {
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
	b.WriteString("SELECT " + postgresColumns + " FROM dsgate_records WHERE class = $1 AND seq > $2")
	for _, key := range sortedKeys(opts.Filter) {
		args = append(args, key, opts.Filter[key])
		n := len(args)
		b.WriteString(" AND properties->>$" + strconv.Itoa(n-1) + " = $" + strconv.Itoa(n))
	}
	args = append(args, limit+1)
	b.WriteString(" ORDER BY seq ASC LIMIT $" + strconv.Itoa(len(args)))

	rows, err := p.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return QueryResult{}, classifyPostgresError("record query", err)
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
		rec, seq, err := scanPostgresRecord(rows, class)
		if err != nil {
			return QueryResult{}, classifyPostgresError("record query", err)
		}
		items = append(items, rec)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, classifyPostgresError("record query", err)
	}

	result := QueryResult{Items: items}
	if more {
		result.NextPageToken = encodePageToken(lastSeq)
	}
	return result, nil
}

func (p *PostgresStore) QueryByProperty(ctx context.Context, class, key, value string) ([]models.Record, error) {
	if err := validateClass(class); err != nil {
		return nil, err
	}
	if err := validatePropertyKey(key); err != nil {
		return nil, err
	}
	query := "SELECT " + postgresColumns + " FROM dsgate_records WHERE class = $1 AND properties->>$2 = $3 ORDER BY seq ASC LIMIT $4"
	args := []any{class, key, value, maxPropertyMatches}
	if key == models.PropEntityID {
		// Literal path so the planner can use idx_dsgate_records_entity_id.
		query = "SELECT " + postgresColumns + " FROM dsgate_records WHERE class = $1 AND properties->>'entityId' = $2 ORDER BY seq ASC LIMIT $3"
		args = []any{class, value, maxPropertyMatches}
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresError("record query", err)
	}
	defer rows.Close()

	out := []models.Record{}
	for rows.Next() {
		rec, _, err := scanPostgresRecord(rows, class)
		if err != nil {
			return nil, classifyPostgresError("record query", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError("record query", err)
	}
	return out, nil
}

var _ RecordStore = (*PostgresStore)(nil)
