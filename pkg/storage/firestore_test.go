package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattledger/wattledger/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	// these tests only run against a local emulator
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")

	projectID := "test-project-id"

	// a random database per run keeps tests isolated
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: projectID,
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("Settings", func(t *testing.T) {
		settings := types.Settings{
			ESS:           "hanchu",
			DeviceSN:      "SN123",
			BatterySN:     "BAT9",
			Timezone:      "America/Chicago",
			MaxImportDays: 90,
		}
		// Pass version 1
		require.NoError(t, f.SetSettings(ctx, settings, 1))

		gotSettings, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, version)
		assert.Equal(t, settings.DeviceSN, gotSettings.DeviceSN)
		assert.Equal(t, settings.BatterySN, gotSettings.BatterySN)
		assert.Equal(t, settings.Timezone, gotSettings.Timezone)
		assert.Equal(t, settings.MaxImportDays, gotSettings.MaxImportDays)
	})

	t.Run("EmptyStatisticID", func(t *testing.T) {
		_, err := f.QueryStatistics(ctx, "", time.Now().Add(-time.Hour), time.Now())
		assert.ErrorContains(t, err, "statisticID cannot be empty")
	})

	statID := "wattledger:SN123:solar_energy_today"
	meta := types.StatMetadata{
		StatisticID: statID,
		Name:        "Solar Energy Today",
		Unit:        "kWh",
		HasSum:      true,
	}
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]types.StatRecord, 0, 24)
	for h := 0; h < 24; h++ {
		records = append(records, types.StatRecord{
			Start: day.Add(time.Duration(h) * time.Hour),
			State: 1.0,
			Sum:   float64(h + 1),
		})
	}

	t.Run("ImportStatistics", func(t *testing.T) {
		require.NoError(t, f.ImportStatistics(ctx, meta, records, 1))

		got, err := f.QueryStatistics(ctx, statID, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, got, 24)
		assert.True(t, got[0].Start.Equal(day), "records should come back ascending")
		assert.Equal(t, 1.0, got[0].State)
		assert.Equal(t, 24.0, got[23].Sum)

		t.Run("Overwrite", func(t *testing.T) {
			updated := []types.StatRecord{{Start: day, State: 5.0, Sum: 5.0}}
			require.NoError(t, f.ImportStatistics(ctx, meta, updated, 1))

			got, err := f.QueryStatistics(ctx, statID, day, day.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 5.0, got[0].State, "re-importing the same bucket should overwrite")

			// put the original bucket back for the subtests below
			require.NoError(t, f.ImportStatistics(ctx, meta, records, 1))
		})

		t.Run("RangeFiltering", func(t *testing.T) {
			got, err := f.QueryStatistics(ctx, statID, day.Add(6*time.Hour), day.Add(12*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 6)
			assert.True(t, got[0].Start.Equal(day.Add(6*time.Hour)))
		})
	})

	t.Run("QueryRecentSums", func(t *testing.T) {
		sums, err := f.QueryRecentSums(ctx,
			[]string{statID, "wattledger:SN123:load_energy_today"},
			day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Contains(t, sums, statID)
		assert.NotContains(t, sums, "wattledger:SN123:load_energy_today")
		got := sums[statID]
		require.NotEmpty(t, got)
		assert.Equal(t, 24.0, got[len(got)-1].Sum)
	})

	t.Run("GetLatestStatisticTime", func(t *testing.T) {
		latest, version, err := f.GetLatestStatisticTime(ctx, statID)
		require.NoError(t, err)
		assert.Equal(t, day.Add(23*time.Hour), latest)
		assert.Equal(t, 1, version)

		t.Run("Unknown", func(t *testing.T) {
			latest, version, err := f.GetLatestStatisticTime(ctx, "wattledger:SN123:nope")
			require.NoError(t, err)
			assert.True(t, latest.IsZero())
			assert.Equal(t, 0, version)
		})
	})

	t.Run("ListStatistics", func(t *testing.T) {
		meta2 := types.StatMetadata{
			StatisticID: "wattledger:BAT9:rack_power",
			Name:        "Battery Power",
			Unit:        "kW",
			HasMean:     true,
		}
		require.NoError(t, f.ImportStatistics(ctx, meta2, nil, 1))

		metas, err := f.ListStatistics(ctx)
		require.NoError(t, err)

		foundSolar := false
		foundBattery := false
		for _, m := range metas {
			if m.StatisticID == statID {
				foundSolar = true
			}
			if m.StatisticID == meta2.StatisticID {
				foundBattery = true
				assert.Equal(t, "kW", m.Unit)
			}
		}
		assert.True(t, foundSolar, "ListStatistics did not return the solar series")
		assert.True(t, foundBattery, "ListStatistics did not return the battery series")
	})
}
