package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
)

// DBConfig configures the database polling adapter.
type DBConfig struct {
	URL          string
	CDRTable     string
	CELTable     string
	PollInterval time.Duration
	FetchLimit   int
}

func (c DBConfig) withDefaults() DBConfig {
	if c.CDRTable == "" {
		c.CDRTable = "cdr"
	}
	if c.CELTable == "" {
		c.CELTable = "cel"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 500
	}
	return c
}

// DBFeed polls the PBX's cdr and cel tables for new rows. The cursor is
// (timestamp, id) per table so rows sharing a timestamp are not skipped or
// replayed across polls.
type DBFeed struct {
	pool   *pgxpool.Pool
	cfg    DBConfig
	logger *slog.Logger

	cdrCursor cursor
	celCursor cursor
}

type cursor struct {
	at time.Time
	id int64
}

// NewDBFeed connects to the PBX database.
func NewDBFeed(ctx context.Context, cfg DBConfig, logger *slog.Logger) (*DBFeed, error) {
	cfg = cfg.withDefaults()
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect cdr database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping cdr database: %w", err)
	}
	return &DBFeed{pool: pool, cfg: cfg, logger: logger}, nil
}

func (f *DBFeed) Name() string { return "db" }

// Close releases the connection pool.
func (f *DBFeed) Close() { f.pool.Close() }

// SeedCursor positions both table cursors so that only rows after t are
// fetched. Called with the persisted watermark before Run.
func (f *DBFeed) SeedCursor(t time.Time) {
	f.cdrCursor = cursor{at: t}
	f.celCursor = cursor{at: t}
}

// MaxRecordTime returns the newest timestamp across both tables.
func (f *DBFeed) MaxRecordTime(ctx context.Context) (time.Time, error) {
	query := fmt.Sprintf(
		`SELECT GREATEST(
			COALESCE((SELECT MAX(calldate) FROM %s), 'epoch'::timestamptz),
			COALESCE((SELECT MAX(eventtime) FROM %s), 'epoch'::timestamptz))`,
		f.cfg.CDRTable, f.cfg.CELTable)

	var max time.Time
	if err := f.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return time.Time{}, fmt.Errorf("query max record time: %w", err)
	}
	if max.Unix() <= 0 {
		return time.Time{}, nil
	}
	return max.UTC(), nil
}

// Run polls both tables on the configured interval until cancelled.
func (f *DBFeed) Run(ctx context.Context, out chan<- cdr.RawRecord) error {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := f.poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("database poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *DBFeed) poll(ctx context.Context, out chan<- cdr.RawRecord) error {
	n, err := f.fetch(ctx, out, f.cfg.CDRTable, "calldate", cdr.RawCDR, &f.cdrCursor)
	if err != nil {
		return err
	}
	m, err := f.fetch(ctx, out, f.cfg.CELTable, "eventtime", cdr.RawCEL, &f.celCursor)
	if err != nil {
		return err
	}
	if n+m > 0 {
		f.logger.Debug("fetched records", "cdr", n, "cel", m)
	}
	return nil
}

// fetch pulls rows newer than the cursor and advances it past the last row
// returned.
func (f *DBFeed) fetch(ctx context.Context, out chan<- cdr.RawRecord, table, timeCol string, kind cdr.RawKind, cur *cursor) (int, error) {
	query := fmt.Sprintf(
		`SELECT * FROM %s
		 WHERE %s > $1 OR (%s = $1 AND id > $2)
		 ORDER BY %s, id
		 LIMIT $3`,
		table, timeCol, timeCol, timeCol)

	rows, err := f.pool.Query(ctx, query, cur.at, cur.id, f.cfg.FetchLimit)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	count := 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return count, fmt.Errorf("read %s row: %w", table, err)
		}
		rec := cdr.RawRecord{Kind: kind, Fields: make(map[string]string, len(fields))}
		var rowID int64
		var rowAt time.Time
		for i, fd := range fields {
			s := columnString(vals[i])
			rec.Fields[fd.Name] = s
			switch fd.Name {
			case "id":
				rowID, _ = asInt64(vals[i])
			case timeCol:
				if t, ok := vals[i].(time.Time); ok {
					rowAt = t
				}
			}
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return count, ctx.Err()
		}
		cur.at, cur.id = rowAt, rowID
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("rows %s: %w", table, err)
	}
	return count, nil
}

func columnString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}
