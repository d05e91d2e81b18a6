package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

var (
	eventsBucket       = []byte("events")
	eventsByTimeBucket = []byte("events_by_time")
	alertsBucket       = []byte("alerts")
	alertsByTimeBucket = []byte("alerts_by_time")
	statsBucket        = []byte("system_stats")
)

var errCorruptIndex = errors.New("time index references a missing record")

type eventRecord struct {
	ID          int64              `msgpack:"id"`
	Timestamp   int64              `msgpack:"ts"`
	Type        string             `msgpack:"type"`
	Severity    string             `msgpack:"sev"`
	Source      string             `msgpack:"src"`
	NativeID    int                `msgpack:"nid,omitempty"`
	Description string             `msgpack:"desc"`
	Subject     domain.Subject     `msgpack:"subj"`
	Stat        *domain.SystemStat `msgpack:"stat,omitempty"`
	RawPayload  []byte             `msgpack:"raw,omitempty"`
	ThreatScore int                `msgpack:"score"`
}

func newEventRecord(e *domain.Event) eventRecord {
	return eventRecord{
		Timestamp:   unixNanos(e.Timestamp),
		Type:        string(e.Type),
		Severity:    string(e.Severity),
		Source:      e.Source,
		NativeID:    e.NativeID,
		Description: e.Description,
		Subject:     e.Subject,
		Stat:        e.Stat,
		RawPayload:  e.RawPayload,
		ThreatScore: e.ThreatScore,
	}
}

func (r *eventRecord) toDomain() *domain.Event {
	e := &domain.Event{
		ID:          r.ID,
		Timestamp:   fromUnixNanos(r.Timestamp),
		Type:        domain.EventType(r.Type),
		Severity:    domain.Severity(r.Severity),
		Source:      r.Source,
		NativeID:    r.NativeID,
		Description: r.Description,
		Subject:     r.Subject,
		Stat:        r.Stat,
		ThreatScore: r.ThreatScore,
	}
	if e.Stat != nil {
		e.Stat.Timestamp = e.Stat.Timestamp.UTC()
	}
	if len(r.RawPayload) > 0 {
		e.RawPayload = r.RawPayload
	}
	return e
}

type alertRecord struct {
	ID              int64    `msgpack:"id"`
	EventID         int64    `msgpack:"event_id"`
	AlertType       string   `msgpack:"type"`
	CorrelationKey  string   `msgpack:"key"`
	Score           int      `msgpack:"score"`
	Message         string   `msgpack:"msg"`
	Recommendations []string `msgpack:"recs,omitempty"`
	TriggeredAt     int64    `msgpack:"at"`
	Acknowledged    bool     `msgpack:"ack"`
}

func newAlertRecord(a *domain.Alert) alertRecord {
	return alertRecord{
		EventID:         a.EventID,
		AlertType:       a.AlertType,
		CorrelationKey:  a.CorrelationKey,
		Score:           a.Score,
		Message:         a.Message,
		Recommendations: a.Recommendations,
		TriggeredAt:     unixNanos(a.TriggeredAt),
		Acknowledged:    a.Acknowledged,
	}
}

func (r *alertRecord) toDomain() *domain.Alert {
	return &domain.Alert{
		ID:              r.ID,
		EventID:         r.EventID,
		AlertType:       r.AlertType,
		CorrelationKey:  r.CorrelationKey,
		Score:           r.Score,
		Message:         r.Message,
		Recommendations: r.Recommendations,
		TriggeredAt:     fromUnixNanos(r.TriggeredAt),
		Acknowledged:    r.Acknowledged,
	}
}

// BoltStore keeps records in id-keyed buckets with msgpack values. Events
// and alerts also have a time index bucket keyed by (timestamp, id), which
// gives newest-first scans and range purges without decoding records.
type BoltStore struct {
	db   *bolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:    time.Second,
		NoGrowSync: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, eventsByTimeBucket, alertsBucket, alertsByTimeBucket, statsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	var events int
	_ = db.View(func(tx *bolt.Tx) error {
		events = tx.Bucket(eventsBucket).Stats().KeyN
		return nil
	})

	log.Info().
		Str("path", path).
		Int("events", events).
		Msg("Bolt event store opened")

	return &BoltStore{db: db, path: path}, nil
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// timeKey orders by timestamp, then id. The sign bit is flipped so
// pre-epoch timestamps still sort first.
func timeKey(ts int64, id uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(ts)^(1<<63))
	binary.BigEndian.PutUint64(k[8:], id)
	return k
}

func timeFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[:8]) ^ (1 << 63))
}

func (s *BoltStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}
	if _, err := storedNanos(event.Timestamp); err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := newEventRecord(event)
		rec.ID = int64(seq)

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(seq), data); err != nil {
			return err
		}
		if err := tx.Bucket(eventsByTimeBucket).Put(timeKey(rec.Timestamp, seq), []byte{}); err != nil {
			return err
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, domain.NewStorageError("append_event", err)
	}
	return int64(id), nil
}

func (s *BoltStore) SetEventThreatScore(ctx context.Context, id int64, score int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		key := idKey(uint64(id))
		data := b.Get(key)
		if data == nil {
			return domain.ErrNotFound
		}
		var rec eventRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.ThreatScore = domain.ClampScore(score)
		updated, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		return domain.NewStorageError("set_event_threat_score", err)
	}
	return nil
}

func decodeEvent(data []byte) (*domain.Event, error) {
	var rec eventRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec.toDomain(), nil
}

func (s *BoltStore) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	var event *domain.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(eventsBucket).Get(idKey(uint64(id)))
		if data == nil {
			return domain.ErrNotFound
		}
		var err error
		event, err = decodeEvent(data)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.NewStorageError("get_event", err)
	}
	return event, nil
}

func matchesEvent(e *domain.Event, filter domain.EventFilter) bool {
	if filter.Severity != "" && e.Severity != filter.Severity {
		return false
	}
	if filter.TypePrefix != "" && !strings.HasPrefix(strings.ToLower(string(e.Type)), strings.ToLower(filter.TypePrefix)) {
		return false
	}
	if filter.Keyword != "" {
		kw := strings.ToLower(filter.Keyword)
		if !strings.Contains(strings.ToLower(e.Description), kw) && !strings.Contains(strings.ToLower(string(e.Type)), kw) {
			return false
		}
	}
	return true
}

func (s *BoltStore) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	var events []*domain.Event
	var since int64
	if !filter.Since.IsZero() {
		since = unixNanos(filter.Since)
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(eventsBucket)
		c := tx.Bucket(eventsByTimeBucket).Cursor()

		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !filter.Since.IsZero() && timeFromKey(k) < since {
				break
			}
			data := records.Get(k[8:])
			if data == nil {
				return errCorruptIndex
			}
			e, err := decodeEvent(data)
			if err != nil {
				return err
			}
			if !matchesEvent(e, filter) {
				continue
			}
			events = append(events, e)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("query_events", err)
	}
	return events, nil
}

func (s *BoltStore) CountEvents(ctx context.Context) (domain.EventCounts, error) {
	counts := domain.EventCounts{
		BySeverity: make(map[domain.Severity]int64),
		ByType:     make(map[domain.EventType]int64),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, data []byte) error {
			var rec eventRecord
			if err := msgpack.Unmarshal(data, &rec); err != nil {
				return err
			}
			counts.Total++
			counts.BySeverity[domain.Severity(rec.Severity)]++
			counts.ByType[domain.EventType(rec.Type)]++
			return nil
		})
	})
	if err != nil {
		return counts, domain.NewStorageError("count_events", err)
	}
	return counts, nil
}

// purgeIndexed removes every record whose time index key is before cutoff.
// Keys are collected first: deleting under a live cursor skips entries.
func (s *BoltStore) purgeIndexed(ctx context.Context, op string, records, index []byte, cutoff time.Time) (int64, error) {
	limit := unixNanos(cutoff)
	var n int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(index)
		var expired [][]byte
		c := idx.Cursor()
		for k, _ := c.First(); k != nil && timeFromKey(k) < limit; k, _ = c.Next() {
			expired = append(expired, append([]byte(nil), k...))
		}

		var rb *bolt.Bucket
		if records != nil {
			rb = tx.Bucket(records)
		}
		for _, k := range expired {
			if err := idx.Delete(k); err != nil {
				return err
			}
			if rb != nil {
				if err := rb.Delete(k[8:]); err != nil {
					return err
				}
			}
		}
		n = int64(len(expired))
		return ctx.Err()
	})
	if err != nil {
		return 0, domain.NewStorageError(op, err)
	}
	return n, nil
}

func (s *BoltStore) PurgeEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeIndexed(ctx, "purge_events", eventsBucket, eventsByTimeBucket, cutoff)
}

func (s *BoltStore) AppendAlert(ctx context.Context, alert *domain.Alert) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}
	if _, err := storedNanos(alert.TriggeredAt); err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := newAlertRecord(alert)
		rec.ID = int64(seq)

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(seq), data); err != nil {
			return err
		}
		if err := tx.Bucket(alertsByTimeBucket).Put(timeKey(rec.TriggeredAt, seq), []byte{}); err != nil {
			return err
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, domain.NewStorageError("append_alert", err)
	}
	return int64(id), nil
}

func decodeAlert(data []byte) (*alertRecord, error) {
	var rec alertRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	var alert *domain.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(alertsBucket).Get(idKey(uint64(id)))
		if data == nil {
			return domain.ErrNotFound
		}
		rec, err := decodeAlert(data)
		if err != nil {
			return err
		}
		alert = rec.toDomain()
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.NewStorageError("get_alert", err)
	}
	return alert, nil
}

func (s *BoltStore) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var alerts []*domain.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(alertsBucket)
		c := tx.Bucket(alertsByTimeBucket).Cursor()

		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			data := records.Get(k[8:])
			if data == nil {
				return errCorruptIndex
			}
			rec, err := decodeAlert(data)
			if err != nil {
				return err
			}
			if filter.Acknowledged != nil && rec.Acknowledged != *filter.Acknowledged {
				continue
			}
			alerts = append(alerts, rec.toDomain())
			if filter.Limit > 0 && len(alerts) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("list_alerts", err)
	}
	return alerts, nil
}

func (s *BoltStore) AcknowledgeAlert(ctx context.Context, id int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)
		key := idKey(uint64(id))
		data := b.Get(key)
		if data == nil {
			return domain.ErrNotFound
		}
		rec, err := decodeAlert(data)
		if err != nil {
			return err
		}
		if rec.Acknowledged {
			return nil
		}
		rec.Acknowledged = true
		updated, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		return domain.NewStorageError("acknowledge_alert", err)
	}
	return nil
}

func (s *BoltStore) PurgeAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeIndexed(ctx, "purge_alerts", alertsBucket, alertsByTimeBucket, cutoff)
}

// Stats are only ever appended and purged, so their records live directly
// under the time key.
func (s *BoltStore) AppendStat(ctx context.Context, stat *domain.SystemStat) (int64, error) {
	if _, err := storedNanos(stat.Timestamp); err != nil {
		return 0, domain.NewStorageError("append_stat", err)
	}
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := *stat
		rec.ID = int64(seq)
		rec.Timestamp = rec.Timestamp.UTC()

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		id = seq
		return b.Put(timeKey(unixNanos(rec.Timestamp), seq), data)
	})
	if err != nil {
		return 0, domain.NewStorageError("append_stat", err)
	}
	return int64(id), nil
}

func (s *BoltStore) PurgeStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeIndexed(ctx, "purge_stats", nil, statsBucket, cutoff)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
