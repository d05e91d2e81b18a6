package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	event_type   TEXT    NOT NULL,
	severity     TEXT    NOT NULL,
	source       TEXT    NOT NULL,
	native_id    INTEGER NOT NULL DEFAULT 0,
	description  TEXT    NOT NULL,
	subject      TEXT,
	stat         TEXT,
	raw_payload  BLOB,
	threat_score INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

-- event_id carries no foreign key: purging events leaves alerts in place.
CREATE TABLE IF NOT EXISTS alerts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        INTEGER NOT NULL,
	alert_type      TEXT    NOT NULL,
	correlation_key TEXT    NOT NULL,
	score           INTEGER NOT NULL,
	message         TEXT    NOT NULL,
	recommendations TEXT,
	triggered_at    INTEGER NOT NULL,
	acknowledged    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at);
CREATE INDEX IF NOT EXISTS idx_alerts_ack ON alerts(acknowledged);

CREATE TABLE IF NOT EXISTS system_stats (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	ts               INTEGER NOT NULL,
	cpu_percent      REAL    NOT NULL,
	memory_percent   REAL    NOT NULL,
	disk_percent     REAL    NOT NULL,
	net_bytes_sent   INTEGER NOT NULL,
	net_bytes_recv   INTEGER NOT NULL,
	connection_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stats_ts ON system_stats(ts);
`

// SQLiteStore is the default EventStore. A single connection serializes
// writes, which matches the single-consumer pipeline and WAL's one-writer
// model; ":memory:" databases live as long as the store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
	}

	// The driver strips the query and applies each _pragma on every new
	// connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("query journal mode: %w", err)
	}
	if !memory && !strings.EqualFold(journalMode, "wal") {
		_ = db.Close()
		return nil, fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	log.Info().
		Str("path", path).
		Str("journal_mode", journalMode).
		Msg("SQLite event store opened")

	return &SQLiteStore{db: db, path: path}, nil
}

// unixNanos clamps t into the storable range; it is used for query and
// purge bounds. Stored timestamps go through storedNanos.
func unixNanos(t time.Time) int64 {
	switch {
	case t.Before(domain.MinEventTime):
		return math.MinInt64
	case t.After(domain.MaxEventTime):
		return math.MaxInt64
	}
	return t.UTC().UnixNano()
}

func storedNanos(t time.Time) (int64, error) {
	if !domain.StorableTime(t) {
		return 0, fmt.Errorf("%w: %s", domain.ErrTimeOutOfRange, t.UTC().Format(time.RFC3339))
	}
	return t.UTC().UnixNano(), nil
}

func fromUnixNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	ts, err := storedNanos(event.Timestamp)
	if err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}
	subject, err := json.Marshal(event.Subject)
	if err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}
	var stat []byte
	if event.Stat != nil {
		if stat, err = json.Marshal(event.Stat); err != nil {
			return 0, domain.NewStorageError("append_event", err)
		}
	}
	var raw []byte
	if len(event.RawPayload) > 0 {
		raw = event.RawPayload
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (ts, event_type, severity, source, native_id, description, subject, stat, raw_payload, threat_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, string(event.Type), string(event.Severity), event.Source,
		event.NativeID, event.Description, string(subject), nullableText(stat), raw, event.ThreatScore,
	)
	if err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}
	return id, nil
}

func nullableText(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

const eventColumns = `id, ts, event_type, severity, source, native_id, description, subject, stat, raw_payload, threat_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		e        domain.Event
		ts       int64
		typ, sev string
		subject  sql.NullString
		stat     sql.NullString
		raw      []byte
	)
	if err := row.Scan(&e.ID, &ts, &typ, &sev, &e.Source, &e.NativeID, &e.Description, &subject, &stat, &raw, &e.ThreatScore); err != nil {
		return nil, err
	}
	e.Timestamp = fromUnixNanos(ts)
	e.Type = domain.EventType(typ)
	e.Severity = domain.Severity(sev)
	if subject.Valid && subject.String != "" {
		if err := json.Unmarshal([]byte(subject.String), &e.Subject); err != nil {
			return nil, fmt.Errorf("decode subject of event %d: %w", e.ID, err)
		}
	}
	if stat.Valid && stat.String != "" {
		e.Stat = &domain.SystemStat{}
		if err := json.Unmarshal([]byte(stat.String), e.Stat); err != nil {
			return nil, fmt.Errorf("decode stat of event %d: %w", e.ID, err)
		}
	}
	if len(raw) > 0 {
		e.RawPayload = json.RawMessage(raw)
	}
	return &e, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("get_event", err)
	}
	return e, nil
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.TypePrefix != "" {
		where = append(where, `event_type LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.TypePrefix)+"%")
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, unixNanos(filter.Since))
	}
	if filter.Keyword != "" {
		kw := "%" + likePattern(filter.Keyword) + "%"
		where = append(where, `(description LIKE ? ESCAPE '\' OR event_type LIKE ? ESCAPE '\')`)
		args = append(args, kw, kw)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("query_events", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, domain.NewStorageError("query_events", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("query_events", err)
	}
	return events, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context) (domain.EventCounts, error) {
	counts := domain.EventCounts{
		BySeverity: make(map[domain.Severity]int64),
		ByType:     make(map[domain.EventType]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, event_type, COUNT(*) FROM events GROUP BY severity, event_type`)
	if err != nil {
		return counts, domain.NewStorageError("count_events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sev, typ string
			n        int64
		)
		if err := rows.Scan(&sev, &typ, &n); err != nil {
			return counts, domain.NewStorageError("count_events", err)
		}
		counts.Total += n
		counts.BySeverity[domain.Severity(sev)] += n
		counts.ByType[domain.EventType(typ)] += n
	}
	if err := rows.Err(); err != nil {
		return counts, domain.NewStorageError("count_events", err)
	}
	return counts, nil
}

func (s *SQLiteStore) PurgeEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, "purge_events", `DELETE FROM events WHERE ts < ?`, cutoff)
}

func (s *SQLiteStore) purge(ctx context.Context, op, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, unixNanos(cutoff))
	if err != nil {
		return 0, domain.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError(op, err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendAlert(ctx context.Context, alert *domain.Alert) (int64, error) {
	ts, err := storedNanos(alert.TriggeredAt)
	if err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}
	recs, err := json.Marshal(alert.Recommendations)
	if err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (event_id, alert_type, correlation_key, score, message, recommendations, triggered_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.EventID, alert.AlertType, alert.CorrelationKey, alert.Score, alert.Message,
		string(recs), ts, alert.Acknowledged,
	)
	if err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}
	return id, nil
}

const alertColumns = `id, event_id, alert_type, correlation_key, score, message, recommendations, triggered_at, acknowledged`

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var (
		a    domain.Alert
		recs sql.NullString
		ts   int64
	)
	if err := row.Scan(&a.ID, &a.EventID, &a.AlertType, &a.CorrelationKey, &a.Score, &a.Message, &recs, &ts, &a.Acknowledged); err != nil {
		return nil, err
	}
	a.TriggeredAt = fromUnixNanos(ts)
	if recs.Valid && recs.String != "" && recs.String != "null" {
		if err := json.Unmarshal([]byte(recs.String), &a.Recommendations); err != nil {
			return nil, fmt.Errorf("decode recommendations of alert %d: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("get_alert", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []any
	if filter.Acknowledged != nil {
		query += " WHERE acknowledged = ?"
		args = append(args, *filter.Acknowledged)
	}
	query += " ORDER BY triggered_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list_alerts", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, domain.NewStorageError("list_alerts", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list_alerts", err)
	}
	return alerts, nil
}

func (s *SQLiteStore) SetEventThreatScore(ctx context.Context, id int64, score int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET threat_score = ? WHERE id = ?`, domain.ClampScore(score), id)
	if err != nil {
		return domain.NewStorageError("set_event_threat_score", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("set_event_threat_score", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return domain.NewStorageError("acknowledge_alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("acknowledge_alert", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, "purge_alerts", `DELETE FROM alerts WHERE triggered_at < ?`, cutoff)
}

func (s *SQLiteStore) AppendStat(ctx context.Context, stat *domain.SystemStat) (int64, error) {
	ts, err := storedNanos(stat.Timestamp)
	if err != nil {
		return 0, domain.NewStorageError("append_stat", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO system_stats (ts, cpu_percent, memory_percent, disk_percent, net_bytes_sent, net_bytes_recv, connection_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, stat.CPUPercent, stat.MemoryPercent, stat.DiskPercent,
		int64(stat.NetBytesSent), int64(stat.NetBytesRecv), stat.ConnectionCount,
	)
	if err != nil {
		return 0, domain.NewStorageError("append_stat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, domain.NewStorageError("append_stat", err)
	}
	return id, nil
}

func (s *SQLiteStore) PurgeStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, "purge_stats", `DELETE FROM system_stats WHERE ts < ?`, cutoff)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
