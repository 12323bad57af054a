package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists settings, statistic metadata, and hourly records to
// Firestore collections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore builds the Firestore provider and registers its flags.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// the client only picks up the emulator through this env var
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks the provider configuration.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is fine, Init can infer it from the environment
	return nil
}

// Init connects the Firestore client. Call it before any other method.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close releases the Firestore client.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) statDoc(statisticID string) (*firestore.DocumentRef, error) {
	if statisticID == "" {
		return nil, fmt.Errorf("statisticID cannot be empty")
	}
	return f.client.Collection("stats").Doc(statisticID), nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// no settings written yet means defaults
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// a missing version means 0
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc missing json")
		return types.Settings{}, 0, fmt.Errorf("settings document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "settings doc json not string")
		return types.Settings{}, 0, fmt.Errorf("settings 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// ImportStatistics upserts the series metadata document and every hourly
// record. Records use the RFC3339 timestamp of Start as document ID so that
// re-importing an overlapping range overwrites the existing buckets, and so
// range queries can filter on document ID alone.
func (f *FirestoreProvider) ImportStatistics(ctx context.Context, meta types.StatMetadata, records []types.StatRecord, version int) error {
	statDoc, err := f.statDoc(meta.StatisticID)
	if err != nil {
		return err
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal statistic metadata: %w", err)
	}
	if _, err := statDoc.Set(ctx, map[string]interface{}{
		"json": string(metaBytes),
	}); err != nil {
		return fmt.Errorf("failed to save statistic metadata for %s: %w", meta.StatisticID, err)
	}

	// A single import can carry thousands of hourly buckets (a year's worth
	// per series), so batch the writes instead of one round trip per record.
	coll := statDoc.Collection("hourly")
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, r := range records {
		if r.Start.IsZero() {
			return fmt.Errorf("statistic record missing start")
		}
		jsonBytes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal statistic record: %w", err)
		}
		docID := r.Start.UTC().Format(time.RFC3339)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": r.Start,
			"version":   version,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue statistic record %s: %w", docID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to import statistics for %s: %w", meta.StatisticID, err)
		}
	}
	return nil
}

// QueryStatistics retrieves hourly records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) QueryStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatRecord, error) {
	statDoc, err := f.statDoc(statisticID)
	if err != nil {
		return nil, err
	}
	coll := statDoc.Collection("hourly")

	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []types.StatRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "statistic doc missing json", slog.String("docID", doc.Ref.ID), slog.String("statisticID", statisticID), slog.Any("err", err))
			return nil, fmt.Errorf("statistic document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "statistic doc json not string", slog.String("docID", doc.Ref.ID), slog.String("statisticID", statisticID))
			return nil, fmt.Errorf("statistic document %s 'json' field is not string", doc.Ref.ID)
		}

		var r types.StatRecord
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal statistic record", slog.String("docID", doc.Ref.ID), slog.String("statisticID", statisticID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal statistic record (id=%s): %w", doc.Ref.ID, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// QueryRecentSums retrieves the stored records for each statistic ID within
// [start, end). IDs with no records in the window are absent from the result.
func (f *FirestoreProvider) QueryRecentSums(ctx context.Context, statisticIDs []string, start, end time.Time) (map[string][]types.StatRecord, error) {
	result := make(map[string][]types.StatRecord)
	for _, id := range statisticIDs {
		records, err := f.QueryStatistics(ctx, id, start, end)
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
func (f *FirestoreProvider) GetLatestStatisticTime(ctx context.Context, statisticID string) (time.Time, int, error) {
	statDoc, err := f.statDoc(statisticID)
	if err != nil {
		return time.Time{}, 0, err
	}

	// top-level fields like timestamp are indexed automatically
	iter := statDoc.Collection("hourly").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get latest statistic doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid statistic doc id %s: %w", doc.Ref.ID, err)
	}

	// a missing version means 0
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	return ts, version, nil
}

// ListStatistics retrieves the metadata of every stored statistic series.
func (f *FirestoreProvider) ListStatistics(ctx context.Context) ([]types.StatMetadata, error) {
	iter := f.client.Collection("stats").Documents(ctx)
	defer iter.Stop()

	var metas []types.StatMetadata
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating statistics metadata: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "statistic meta doc missing json", slog.String("statisticID", doc.Ref.ID))
			// malformed docs are skipped, not fatal
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "statistic meta doc json not string", slog.String("statisticID", doc.Ref.ID))
			continue
		}

		var m types.StatMetadata
		if err := json.Unmarshal([]byte(jsonStr), &m); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal statistic metadata", slog.String("statisticID", doc.Ref.ID), slog.Any("err", err))
			// Skip malformed JSON
			continue
		}
		metas = append(metas, m)
	}
	return metas, nil
}
