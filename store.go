package fieldsync

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// Schema
// ============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	region       TEXT NOT NULL,
	category     TEXT NOT NULL,
	threat_level TEXT NOT NULL,
	fetched_at   INTEGER NOT NULL,
	payload      TEXT,
	cached_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_region   ON events(region);
CREATE INDEX IF NOT EXISTS idx_events_threat   ON events(threat_level);
CREATE INDEX IF NOT EXISTS idx_events_fetched  ON events(fetched_at);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);

CREATE TABLE IF NOT EXISTS reports (
	id           TEXT PRIMARY KEY,
	region       TEXT NOT NULL,
	report_type  TEXT NOT NULL,
	generated_at INTEGER NOT NULL,
	payload      TEXT,
	cached_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_generated ON reports(generated_at);
CREATE INDEX IF NOT EXISTS idx_reports_region    ON reports(region);

CREATE TABLE IF NOT EXISTS alerts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	payload         TEXT,
	timestamp       INTEGER NOT NULL,
	acknowledged    INTEGER NOT NULL DEFAULT 0,
	acknowledged_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
CREATE INDEX IF NOT EXISTS idx_alerts_acked     ON alerts(acknowledged);

CREATE TABLE IF NOT EXISTS sync_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	client_ref TEXT NOT NULL UNIQUE,
	type       TEXT NOT NULL,
	payload    TEXT,
	timestamp  INTEGER NOT NULL,
	retries    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_timestamp ON sync_queue(timestamp);
CREATE INDEX IF NOT EXISTS idx_queue_type      ON sync_queue(type);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cached_regions (
	region    TEXT PRIMARY KEY,
	cached_at INTEGER NOT NULL
);
`

// Collection names, used for Count and Clear.
const (
	CollectionEvents        = "events"
	CollectionReports       = "reports"
	CollectionAlerts        = "alerts"
	CollectionSyncQueue     = "sync_queue"
	CollectionSettings      = "settings"
	CollectionCachedRegions = "cached_regions"
)

var collections = map[string]bool{
	CollectionEvents:        true,
	CollectionReports:       true,
	CollectionAlerts:        true,
	CollectionSyncQueue:     true,
	CollectionSettings:      true,
	CollectionCachedRegions: true,
}

// ============================================================================
// Store
// ============================================================================

// Store is the persistent local database backing every other component.
// One Store instance is constructed at startup and passed by reference;
// there is no process-wide singleton. Records survive restarts.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewStore creates a Store for the SQLite database at path. The database
// is not touched until Open is called.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Open opens the database and creates the schema on first-ever open. It is
// idempotent: if the store is already open it returns immediately without
// re-initializing. Returns ErrStorageUnavailable when the host cannot
// provide persistent storage at the configured path.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// The store has one writer process; a single connection keeps writes
	// applied strictly in the order issued.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.db = db
	return nil
}

// Close releases the underlying database. The store can be re-opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStorageUnavailable
	}
	return s.db, nil
}

// ============================================================================
// Events
// ============================================================================

// PutEvents upserts events by ID (last write wins) and stamps CachedAt.
// Each record's durability is independent: a failure on one record does not
// roll back the ones already written.
func (s *Store) PutEvents(events ...CachedEvent) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionEvents, "put", err)
	}
	now := time.Now().UTC()
	for _, ev := range events {
		_, err := db.Exec(`
			INSERT INTO events (id, region, category, threat_level, fetched_at, payload, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				region       = excluded.region,
				category     = excluded.category,
				threat_level = excluded.threat_level,
				fetched_at   = excluded.fetched_at,
				payload      = excluded.payload,
				cached_at    = excluded.cached_at`,
			ev.ID, ev.Region, ev.Category, ev.ThreatLevel,
			ev.FetchedAt.UTC().UnixMilli(), string(ev.Payload), now.UnixMilli())
		if err != nil {
			return storageErr(CollectionEvents, "put", err)
		}
	}
	return nil
}

// Events returns cached events matching the filter, ordered by fetched_at
// descending. The result is a fresh in-memory slice, not a live view.
func (s *Store) Events(filter EventFilter) ([]CachedEvent, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionEvents, "getAll", err)
	}

	q := `SELECT id, region, category, threat_level, fetched_at, payload, cached_at FROM events`
	var (
		where []string
		args  []any
	)
	if filter.Region != "" {
		where = append(where, "region = ?")
		args = append(args, filter.Region)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.ThreatLevel != "" {
		where = append(where, "threat_level = ?")
		args = append(args, filter.ThreatLevel)
	}
	if filter.Contains != "" {
		where = append(where, "payload LIKE '%' || ? || '%'")
		args = append(args, filter.Contains)
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY fetched_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, storageErr(CollectionEvents, "getAll", err)
	}
	defer rows.Close()

	out := []CachedEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr(CollectionEvents, "getAll", err)
		}
		out = append(out, ev)
	}
	return out, storageErr(CollectionEvents, "getAll", rows.Err())
}

// EventsBefore returns events with fetched_at strictly before the cutoff,
// via the fetched_at index.
func (s *Store) EventsBefore(cutoff time.Time) ([]CachedEvent, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionEvents, "getByIndex", err)
	}
	rows, err := db.Query(`
		SELECT id, region, category, threat_level, fetched_at, payload, cached_at
		FROM events WHERE fetched_at < ? ORDER BY fetched_at DESC`,
		cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, storageErr(CollectionEvents, "getByIndex", err)
	}
	defer rows.Close()

	out := []CachedEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr(CollectionEvents, "getByIndex", err)
		}
		out = append(out, ev)
	}
	return out, storageErr(CollectionEvents, "getByIndex", rows.Err())
}

// DeleteEventsBefore removes events older than the cutoff and reports how
// many were deleted.
func (s *Store) DeleteEventsBefore(cutoff time.Time) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, storageErr(CollectionEvents, "delete", err)
	}
	res, err := db.Exec(`DELETE FROM events WHERE fetched_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, storageErr(CollectionEvents, "delete", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteEvent removes one event. Deleting a missing ID is not an error.
func (s *Store) DeleteEvent(id string) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionEvents, "delete", err)
	}
	_, err = db.Exec(`DELETE FROM events WHERE id = ?`, id)
	return storageErr(CollectionEvents, "delete", err)
}

func scanEvent(rows *sql.Rows) (CachedEvent, error) {
	var (
		ev                 CachedEvent
		payload            sql.NullString
		fetchedMs, cacheMs int64
	)
	if err := rows.Scan(&ev.ID, &ev.Region, &ev.Category, &ev.ThreatLevel, &fetchedMs, &payload, &cacheMs); err != nil {
		return CachedEvent{}, err
	}
	ev.FetchedAt = time.UnixMilli(fetchedMs).UTC()
	ev.CachedAt = time.UnixMilli(cacheMs).UTC()
	if payload.Valid && payload.String != "" {
		ev.Payload = []byte(payload.String)
	}
	return ev, nil
}

// ============================================================================
// Reports
// ============================================================================

// PutReports upserts reports by ID (last write wins) and stamps CachedAt.
func (s *Store) PutReports(reports ...CachedReport) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionReports, "put", err)
	}
	now := time.Now().UTC()
	for _, r := range reports {
		_, err := db.Exec(`
			INSERT INTO reports (id, region, report_type, generated_at, payload, cached_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				region       = excluded.region,
				report_type  = excluded.report_type,
				generated_at = excluded.generated_at,
				payload      = excluded.payload,
				cached_at    = excluded.cached_at`,
			r.ID, r.Region, r.ReportType, r.GeneratedAt.UTC().UnixMilli(),
			string(r.Payload), now.UnixMilli())
		if err != nil {
			return storageErr(CollectionReports, "put", err)
		}
	}
	return nil
}

// Reports returns cached reports ordered by generated_at descending.
func (s *Store) Reports(limit int) ([]CachedReport, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionReports, "getAll", err)
	}
	q := `SELECT id, region, report_type, generated_at, payload, cached_at
		FROM reports ORDER BY generated_at DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, storageErr(CollectionReports, "getAll", err)
	}
	defer rows.Close()

	out := []CachedReport{}
	for rows.Next() {
		var (
			r               CachedReport
			payload         sql.NullString
			genMs, cachedMs int64
		)
		if err := rows.Scan(&r.ID, &r.Region, &r.ReportType, &genMs, &payload, &cachedMs); err != nil {
			return nil, storageErr(CollectionReports, "getAll", err)
		}
		r.GeneratedAt = time.UnixMilli(genMs).UTC()
		r.CachedAt = time.UnixMilli(cachedMs).UTC()
		if payload.Valid && payload.String != "" {
			r.Payload = []byte(payload.String)
		}
		out = append(out, r)
	}
	return out, storageErr(CollectionReports, "getAll", rows.Err())
}

// ============================================================================
// Alerts
// ============================================================================

// InsertAlert appends a delivered alert. The store assigns the sequential
// key and the timestamp; the record starts unacknowledged.
func (s *Store) InsertAlert(payload []byte) (*AlertRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionAlerts, "put", err)
	}
	now := time.Now().UTC()
	res, err := db.Exec(`INSERT INTO alerts (payload, timestamp, acknowledged) VALUES (?, ?, 0)`,
		string(payload), now.UnixMilli())
	if err != nil {
		return nil, storageErr(CollectionAlerts, "put", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr(CollectionAlerts, "put", err)
	}
	return &AlertRecord{ID: id, Payload: payload, Timestamp: now}, nil
}

// AcknowledgeAlert marks one alert acknowledged and stamps AcknowledgedAt.
// Acknowledging a missing or already-acknowledged alert is a no-op.
func (s *Store) AcknowledgeAlert(id int64) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionAlerts, "update", err)
	}
	_, err = db.Exec(`UPDATE alerts SET acknowledged = 1, acknowledged_at = ? WHERE id = ? AND acknowledged = 0`,
		time.Now().UTC().UnixMilli(), id)
	return storageErr(CollectionAlerts, "update", err)
}

// UnacknowledgedAlerts returns pending alerts via the acknowledged index,
// newest first.
func (s *Store) UnacknowledgedAlerts() ([]AlertRecord, error) {
	return s.queryAlerts(`SELECT id, payload, timestamp, acknowledged, acknowledged_at
		FROM alerts WHERE acknowledged = 0 ORDER BY timestamp DESC`)
}

// Alerts returns delivered alerts, newest first.
func (s *Store) Alerts(limit int) ([]AlertRecord, error) {
	q := `SELECT id, payload, timestamp, acknowledged, acknowledged_at
		FROM alerts ORDER BY timestamp DESC`
	if limit > 0 {
		return s.queryAlerts(q+" LIMIT ?", limit)
	}
	return s.queryAlerts(q)
}

func (s *Store) queryAlerts(q string, args ...any) ([]AlertRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionAlerts, "getAll", err)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, storageErr(CollectionAlerts, "getAll", err)
	}
	defer rows.Close()

	out := []AlertRecord{}
	for rows.Next() {
		var (
			a       AlertRecord
			payload sql.NullString
			tsMs    int64
			acked   int
			ackedMs sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &payload, &tsMs, &acked, &ackedMs); err != nil {
			return nil, storageErr(CollectionAlerts, "getAll", err)
		}
		a.Timestamp = time.UnixMilli(tsMs).UTC()
		a.Acknowledged = acked != 0
		if ackedMs.Valid {
			t := time.UnixMilli(ackedMs.Int64).UTC()
			a.AcknowledgedAt = &t
		}
		if payload.Valid && payload.String != "" {
			a.Payload = []byte(payload.String)
		}
		out = append(out, a)
	}
	return out, storageErr(CollectionAlerts, "getAll", rows.Err())
}

// ============================================================================
// Sync Queue
// ============================================================================

// EnqueueAction appends a queued action and returns its assigned key.
// The store assigns the timestamp and a client reference the server can use
// to deduplicate replays; retries start at zero.
func (s *Store) EnqueueAction(actionType ActionType, payload []byte) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, storageErr(CollectionSyncQueue, "put", err)
	}
	res, err := db.Exec(`INSERT INTO sync_queue (client_ref, type, payload, timestamp, retries) VALUES (?, ?, ?, ?, 0)`,
		uuid.NewString(), string(actionType), string(payload), time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, storageErr(CollectionSyncQueue, "put", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr(CollectionSyncQueue, "put", err)
	}
	return id, nil
}

// PendingActions returns every queued action in insertion order.
func (s *Store) PendingActions() ([]QueuedAction, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionSyncQueue, "getAll", err)
	}
	rows, err := db.Query(`SELECT id, client_ref, type, payload, timestamp, retries FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr(CollectionSyncQueue, "getAll", err)
	}
	defer rows.Close()

	out := []QueuedAction{}
	for rows.Next() {
		var (
			a       QueuedAction
			typ     string
			payload sql.NullString
			tsMs    int64
		)
		if err := rows.Scan(&a.ID, &a.ClientRef, &typ, &payload, &tsMs, &a.Retries); err != nil {
			return nil, storageErr(CollectionSyncQueue, "getAll", err)
		}
		a.Type = ActionType(typ)
		a.Timestamp = time.UnixMilli(tsMs).UTC()
		if payload.Valid && payload.String != "" {
			a.Payload = []byte(payload.String)
		}
		out = append(out, a)
	}
	return out, storageErr(CollectionSyncQueue, "getAll", rows.Err())
}

// DeleteAction removes one queued action. Missing IDs fail silently.
func (s *Store) DeleteAction(id int64) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionSyncQueue, "delete", err)
	}
	_, err = db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	return storageErr(CollectionSyncQueue, "delete", err)
}

// BumpActionRetry increments the retry counter of one queued action.
func (s *Store) BumpActionRetry(id int64) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionSyncQueue, "update", err)
	}
	_, err = db.Exec(`UPDATE sync_queue SET retries = retries + 1 WHERE id = ?`, id)
	return storageErr(CollectionSyncQueue, "update", err)
}

// ============================================================================
// Settings
// ============================================================================

// SetSetting upserts a key/value pair and stamps UpdatedAt.
func (s *Store) SetSetting(key, value string) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionSettings, "put", err)
	}
	_, err = db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().UnixMilli())
	return storageErr(CollectionSettings, "put", err)
}

// Setting returns one setting, or nil if the key is absent.
func (s *Store) Setting(key string) (*Setting, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionSettings, "get", err)
	}
	var (
		st   Setting
		upMs int64
	)
	err = db.QueryRow(`SELECT key, value, updated_at FROM settings WHERE key = ?`, key).
		Scan(&st.Key, &st.Value, &upMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(CollectionSettings, "get", err)
	}
	st.UpdatedAt = time.UnixMilli(upMs).UTC()
	return &st, nil
}

// ============================================================================
// Cached Regions
// ============================================================================

// MarkRegionCached records that a region has locally cached data.
func (s *Store) MarkRegionCached(region string) error {
	db, err := s.handle()
	if err != nil {
		return storageErr(CollectionCachedRegions, "put", err)
	}
	_, err = db.Exec(`
		INSERT INTO cached_regions (region, cached_at) VALUES (?, ?)
		ON CONFLICT(region) DO UPDATE SET cached_at = excluded.cached_at`,
		region, time.Now().UTC().UnixMilli())
	return storageErr(CollectionCachedRegions, "put", err)
}

// CachedRegions lists regions with locally cached data.
func (s *Store) CachedRegions() ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, storageErr(CollectionCachedRegions, "getAll", err)
	}
	rows, err := db.Query(`SELECT region FROM cached_regions ORDER BY region ASC`)
	if err != nil {
		return nil, storageErr(CollectionCachedRegions, "getAll", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, storageErr(CollectionCachedRegions, "getAll", err)
		}
		out = append(out, r)
	}
	return out, storageErr(CollectionCachedRegions, "getAll", rows.Err())
}

// ============================================================================
// Generic collection operations
// ============================================================================

// Count returns the cardinality of a collection. It never fails: any error,
// including an unknown collection or a closed store, yields zero.
func (s *Store) Count(collection string) int {
	if !collections[collection] {
		return 0
	}
	db, err := s.handle()
	if err != nil {
		return 0
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + collection).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Clear removes every record in a collection. Clearing an empty collection
// succeeds as a no-op.
func (s *Store) Clear(collection string) error {
	if !collections[collection] {
		return storageErr(collection, "clear", fmt.Errorf("unknown collection"))
	}
	db, err := s.handle()
	if err != nil {
		return storageErr(collection, "clear", err)
	}
	_, err = db.Exec(`DELETE FROM ` + collection)
	return storageErr(collection, "clear", err)
}
