package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattledger/wattledger/pkg/types"
)

// Database defines the interface for persisting settings and statistics.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Statistics
	// ImportStatistics upserts the series metadata and every record. Records
	// are keyed by (statisticID, Start) so re-importing an overlapping range
	// overwrites rather than duplicates.
	ImportStatistics(ctx context.Context, meta types.StatMetadata, records []types.StatRecord, version int) error
	QueryStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatRecord, error)
	// QueryRecentSums returns the stored records for each of the given
	// statistic IDs within [start, end), ascending. IDs with no records in
	// the window are absent from the result.
	QueryRecentSums(ctx context.Context, statisticIDs []string, start, end time.Time) (map[string][]types.StatRecord, error)
	GetLatestStatisticTime(ctx context.Context, statisticID string) (time.Time, int, error)
	ListStatistics(ctx context.Context) ([]types.StatMetadata, error)

	// Lifecycle
	Close() error
}

// Configured returns the Database selected by the storage-provider flag.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
