// Package store persists dimension definitions, sync statistics, and
// discovered tag keys in a local SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/catherinevee/vtagger/internal/dimension"
	"github.com/catherinevee/vtagger/pkg/models"
)

// MaxSampleValues bounds the sample list kept per discovered tag key.
const MaxSampleValues = 10

// DimensionRecord is a stored dimension definition plus its bookkeeping.
type DimensionRecord struct {
	ID             int64     `json:"id"`
	VtagName       string    `json:"vtag_name"`
	IndexNumber    int       `json:"index_number"`
	Kind           string    `json:"kind"`
	DefaultValue   string    `json:"default_value"`
	Content        string    `json:"content"`
	StatementCount int       `json:"statement_count"`
	Checksum       string    `json:"checksum"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HistoryEntry is one change to a dimension definition.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	VtagName  string    `json:"vtag_name"`
	Action    string    `json:"action"`
	Checksum  string    `json:"checksum"`
	Content   string    `json:"content"`
	ChangedAt time.Time `json:"changed_at"`
}

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dimensions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vtag_name TEXT NOT NULL UNIQUE,
		index_number INTEGER NOT NULL DEFAULT 0,
		kind TEXT,
		default_value TEXT,
		content TEXT NOT NULL,
		statement_count INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dimensions_index ON dimensions(index_number);

	CREATE TABLE IF NOT EXISTS dimension_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vtag_name TEXT NOT NULL,
		action TEXT NOT NULL,
		checksum TEXT,
		content TEXT,
		changed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_name ON dimension_history(vtag_name);

	CREATE TABLE IF NOT EXISTS daily_stats (
		stat_date TEXT PRIMARY KEY,
		total_statements INTEGER NOT NULL DEFAULT 0,
		tagged_statements INTEGER NOT NULL DEFAULT 0,
		dimension_matches INTEGER NOT NULL DEFAULT 0,
		unmatched_statements INTEGER NOT NULL DEFAULT 0,
		match_rate REAL NOT NULL DEFAULT 0,
		api_calls INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS discovered_tags (
		tag_key TEXT PRIMARY KEY,
		occurrence_count INTEGER NOT NULL DEFAULT 0,
		sample_values TEXT NOT NULL DEFAULT '[]',
		first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Dimension operations

// SaveDimension inserts or updates a dimension from its JSON definition. The
// checksum is computed over the canonical form; an unchanged checksum is a
// no-op. Every insert, update, and delete is mirrored to dimension_history.
func (s *Store) SaveDimension(content dimension.Content, raw []byte) (*DimensionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checksum, err := dimension.Checksum(content)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum dimension %q: %w", content.VtagName, err)
	}

	var existing string
	err = s.conn.QueryRow(`SELECT checksum FROM dimensions WHERE vtag_name = ?`, content.VtagName).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.conn.Exec(`
			INSERT INTO dimensions
			(vtag_name, index_number, kind, default_value, content, statement_count, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			content.VtagName, content.Index, content.Kind, content.DefaultValue,
			string(raw), len(content.Statements), checksum)
		if err != nil {
			return nil, err
		}
		s.recordHistory(content.VtagName, "created", checksum, string(raw))
	case err != nil:
		return nil, err
	case existing == checksum:
		// Definition unchanged.
	default:
		_, err = s.conn.Exec(`
			UPDATE dimensions
			SET index_number = ?, kind = ?, default_value = ?, content = ?,
			    statement_count = ?, checksum = ?, updated_at = CURRENT_TIMESTAMP
			WHERE vtag_name = ?`,
			content.Index, content.Kind, content.DefaultValue, string(raw),
			len(content.Statements), checksum, content.VtagName)
		if err != nil {
			return nil, err
		}
		s.recordHistory(content.VtagName, "updated", checksum, string(raw))
	}

	return s.getDimensionLocked(content.VtagName)
}

// GetDimension returns the stored record for one dimension name.
func (s *Store) GetDimension(name string) (*DimensionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDimensionLocked(name)
}

func (s *Store) getDimensionLocked(name string) (*DimensionRecord, error) {
	row := s.conn.QueryRow(`
		SELECT id, vtag_name, index_number, kind, default_value, content,
		       statement_count, checksum, created_at, updated_at
		FROM dimensions WHERE vtag_name = ?`, name)
	return scanDimension(row)
}

// ListDimensions returns all stored dimensions ordered by index number.
func (s *Store) ListDimensions() ([]DimensionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(`
		SELECT id, vtag_name, index_number, kind, default_value, content,
		       statement_count, checksum, created_at, updated_at
		FROM dimensions ORDER BY index_number, vtag_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DimensionRecord
	for rows.Next() {
		rec, err := scanDimension(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DeleteDimension removes a dimension. Returns false when no row matched.
func (s *Store) DeleteDimension(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(`DELETE FROM dimensions WHERE vtag_name = ?`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.recordHistory(name, "deleted", "", "")
	}
	return n > 0, nil
}

// History returns the change log for one dimension, newest first.
func (s *Store) History(name string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(`
		SELECT id, vtag_name, action, checksum, content, changed_at
		FROM dimension_history WHERE vtag_name = ?
		ORDER BY id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var checksum, content sql.NullString
		if err := rows.Scan(&e.ID, &e.VtagName, &e.Action, &checksum, &content, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.Checksum = checksum.String
		e.Content = content.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) recordHistory(name, action, checksum, content string) {
	// History is best-effort; a failed insert must not fail the main write.
	s.conn.Exec(`
		INSERT INTO dimension_history (vtag_name, action, checksum, content)
		VALUES (?, ?, ?, ?)`, name, action, checksum, content)
}

// Daily stats

// RecordRun folds one sync run into the day's row. api_calls counts runs;
// errors counts runs that ended in status "error". Counts accumulate and the
// match rate (a percentage) is recomputed from the accumulated totals.
func (s *Store) RecordRun(statDate string, result models.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errInc := 0
	if result.Status == "error" {
		errInc = 1
	}
	_, err := s.conn.Exec(`
		INSERT INTO daily_stats (stat_date, total_statements, tagged_statements,
			dimension_matches, unmatched_statements, match_rate, api_calls, errors)
		VALUES (?, ?, ?, ?, ?,
			CASE WHEN ? > 0 THEN ? * 100.0 / ? ELSE 0 END, 1, ?)
		ON CONFLICT(stat_date) DO UPDATE SET
			total_statements = total_statements + excluded.total_statements,
			tagged_statements = tagged_statements + excluded.tagged_statements,
			dimension_matches = dimension_matches + excluded.dimension_matches,
			unmatched_statements = unmatched_statements + excluded.unmatched_statements,
			match_rate = CASE WHEN total_statements + excluded.total_statements > 0
				THEN (tagged_statements + excluded.tagged_statements) * 100.0 /
				     (total_statements + excluded.total_statements)
				ELSE 0 END,
			api_calls = api_calls + 1,
			errors = errors + excluded.errors,
			updated_at = CURRENT_TIMESTAMP`,
		statDate, result.TotalAssets, result.MatchedAssets,
		result.DimensionMatches, result.UnmatchedAssets,
		result.TotalAssets, result.MatchedAssets, result.TotalAssets, errInc)
	return err
}

// DailyStats returns up to days rows, newest first.
func (s *Store) DailyStats(days int) ([]models.DailyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if days <= 0 {
		days = 30
	}
	rows, err := s.conn.Query(`
		SELECT stat_date, total_statements, tagged_statements, dimension_matches,
		       unmatched_statements, match_rate, api_calls, errors, updated_at
		FROM daily_stats ORDER BY stat_date DESC LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.DailyStat
	for rows.Next() {
		var st models.DailyStat
		if err := rows.Scan(&st.StatDate, &st.TotalStatements, &st.TaggedStatements,
			&st.DimensionMatches, &st.UnmatchedStatements,
			&st.MatchRate, &st.APICalls, &st.Errors, &st.UpdatedAt); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// PruneDailyStats drops rows older than retentionDays.
func (s *Store) PruneDailyStats(retentionDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	_, err := s.conn.Exec(`DELETE FROM daily_stats WHERE stat_date < ?`, cutoff)
	return err
}

// Discovered tags

// RecordDiscoveredTags merges a batch of observed tag key/value pairs.
// Occurrence counts accumulate; each key keeps at most MaxSampleValues
// distinct sample values.
func (s *Store) RecordDiscoveredTags(observed map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, values := range observed {
		if key == "" {
			continue
		}

		var samplesJSON string
		err := tx.QueryRow(`SELECT sample_values FROM discovered_tags WHERE tag_key = ?`, key).
			Scan(&samplesJSON)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		var samples []string
		if samplesJSON != "" {
			json.Unmarshal([]byte(samplesJSON), &samples)
		}
		samples = mergeSamples(samples, values)
		merged, _ := json.Marshal(samples)

		_, err = tx.Exec(`
			INSERT INTO discovered_tags (tag_key, occurrence_count, sample_values)
			VALUES (?, ?, ?)
			ON CONFLICT(tag_key) DO UPDATE SET
				occurrence_count = occurrence_count + excluded.occurrence_count,
				sample_values = excluded.sample_values,
				last_seen = CURRENT_TIMESTAMP`,
			key, int64(len(values)), string(merged))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DiscoveredTags returns all known tag keys ordered by occurrence count.
func (s *Store) DiscoveredTags() ([]models.DiscoveredTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(`
		SELECT tag_key, occurrence_count, sample_values, first_seen, last_seen
		FROM discovered_tags ORDER BY occurrence_count DESC, tag_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []models.DiscoveredTag
	for rows.Next() {
		var dt models.DiscoveredTag
		var samplesJSON string
		if err := rows.Scan(&dt.TagKey, &dt.OccurrenceCount, &samplesJSON, &dt.FirstSeenAt, &dt.LastSeenAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(samplesJSON), &dt.SampleValues)
		tags = append(tags, dt)
	}
	return tags, rows.Err()
}

func mergeSamples(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range incoming {
		if len(existing) >= MaxSampleValues {
			break
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		existing = append(existing, v)
	}
	return existing
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDimension(row rowScanner) (*DimensionRecord, error) {
	var rec DimensionRecord
	var kind, defaultValue sql.NullString
	err := row.Scan(&rec.ID, &rec.VtagName, &rec.IndexNumber, &kind, &defaultValue,
		&rec.Content, &rec.StatementCount, &rec.Checksum, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = kind.String
	rec.DefaultValue = defaultValue.String
	return &rec, nil
}
