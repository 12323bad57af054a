package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattledger/wattledger/pkg/types"

	_ "modernc.org/sqlite"
)

// SQLiteProvider implements the Database interface using a local SQLite file.
// It is intended for single-host deployments where running against Firestore
// is overkill, and for the one-shot import binary.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	json TEXT NOT NULL,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stat_meta (
	statistic_id TEXT PRIMARY KEY,
	json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stat_hourly (
	statistic_id TEXT NOT NULL,
	hour_start INTEGER NOT NULL,
	json TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (statistic_id, hour_start)
);
`

// configuredSQLite builds the SQLite provider and registers its flags.
func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "wattledger.db", "Path to the SQLite database file (sqlite provider)")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// Validate checks the provider configuration.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return fmt.Errorf("sqlite path cannot be empty")
	}
	return nil
}

// Init opens the database file and creates the schema if needed. Call it
// before any other method.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping sqlite database %s: %w", s.path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database handle.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings retrieves the dynamic configuration.
func (s *SQLiteProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var jsonStr string
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT json, version FROM settings WHERE id = 1").Scan(&jsonStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		// no settings written yet means defaults
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings row: %w", err)
	}

	var settings types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &settings); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return settings, version, nil
}

// SetSettings saves the dynamic configuration.
func (s *SQLiteProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings (id, json, version) VALUES (1, ?, ?)",
		string(jsonBytes), version,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// ImportStatistics upserts the series metadata and every hourly record inside
// one transaction. Records are keyed by (statistic_id, hour_start) so
// re-importing an overlapping range overwrites the existing buckets.
func (s *SQLiteProvider) ImportStatistics(ctx context.Context, meta types.StatMetadata, records []types.StatRecord, version int) error {
	if meta.StatisticID == "" {
		return fmt.Errorf("statisticID cannot be empty")
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO stat_meta (statistic_id, json) VALUES (?, ?)",
		meta.StatisticID, string(metaBytes),
	); err != nil {
		return fmt.Errorf("failed to save statistic metadata for %s: %w", meta.StatisticID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO stat_hourly (statistic_id, hour_start, json, version) VALUES (?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare statistic insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.Start.IsZero() {
			return fmt.Errorf("statistic record missing start")
		}
		jsonBytes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal statistic record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, meta.StatisticID, r.Start.UTC().Unix(), string(jsonBytes), version); err != nil {
			return fmt.Errorf("failed to insert statistic record at %s: %w", r.Start, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import transaction: %w", err)
	}
	return nil
}

// QueryStatistics retrieves hourly records within the specified time range,
// ascending.
func (s *SQLiteProvider) QueryStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatRecord, error) {
	if statisticID == "" {
		return nil, fmt.Errorf("statisticID cannot be empty")
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT json FROM stat_hourly WHERE statistic_id = ? AND hour_start >= ? AND hour_start < ? ORDER BY hour_start ASC",
		statisticID, start.UTC().Unix(), end.UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics for %s: %w", statisticID, err)
	}
	defer rows.Close()

	var records []types.StatRecord
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan statistic row: %w", err)
		}
		var r types.StatRecord
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal statistic record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistic rows: %w", err)
	}
	return records, nil
}

// QueryRecentSums retrieves the stored records for each statistic ID within
// [start, end). IDs with no records in the window are absent from the result.
func (s *SQLiteProvider) QueryRecentSums(ctx context.Context, statisticIDs []string, start, end time.Time) (map[string][]types.StatRecord, error) {
	result := make(map[string][]types.StatRecord)
	for _, id := range statisticIDs {
		records, err := s.QueryStatistics(ctx, id, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to query recent sums for %s: %w", id, err)
		}
		if len(records) > 0 {
			result[id] = records
		}
	}
	return result, nil
}

// GetLatestStatisticTime retrieves the timestamp of the newest stored record
// for a statistic.
func (s *SQLiteProvider) GetLatestStatisticTime(ctx context.Context, statisticID string) (time.Time, int, error) {
	if statisticID == "" {
		return time.Time{}, 0, fmt.Errorf("statisticID cannot be empty")
	}
	var hourStart int64
	var version int
	err := s.db.QueryRowContext(ctx,
		"SELECT hour_start, version FROM stat_hourly WHERE statistic_id = ? ORDER BY hour_start DESC LIMIT 1",
		statisticID,
	).Scan(&hourStart, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get latest statistic row: %w", err)
	}
	return time.Unix(hourStart, 0).UTC(), version, nil
}

// ListStatistics retrieves the metadata of every stored statistic series.
func (s *SQLiteProvider) ListStatistics(ctx context.Context) ([]types.StatMetadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT json FROM stat_meta ORDER BY statistic_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics metadata: %w", err)
	}
	defer rows.Close()

	var metas []types.StatMetadata
	for rows.Next() {
		var jsonStr string
		if err := rows.Scan(&jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan statistic metadata row: %w", err)
		}
		var m types.StatMetadata
		if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal statistic metadata: %w", err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistic metadata rows: %w", err)
	}
	return metas, nil
}
