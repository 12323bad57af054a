package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/wattledger/wattledger/pkg/storage"
	"github.com/wattledger/wattledger/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// zero values unless the test set expectations
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) ImportStatistics(ctx context.Context, meta types.StatMetadata, records []types.StatRecord, version int) error {
	args := m.Called(ctx, meta, records, version)
	return args.Error(0)
}

func (m *MockDatabase) QueryStatistics(ctx context.Context, statisticID string, start, end time.Time) ([]types.StatRecord, error) {
	args := m.Called(ctx, statisticID, start, end)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.([]types.StatRecord), args.Error(1)
}

func (m *MockDatabase) QueryRecentSums(ctx context.Context, statisticIDs []string, start, end time.Time) (map[string][]types.StatRecord, error) {
	args := m.Called(ctx, statisticIDs, start, end)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(map[string][]types.StatRecord), args.Error(1)
}

func (m *MockDatabase) GetLatestStatisticTime(ctx context.Context, statisticID string) (time.Time, int, error) {
	args := m.Called(ctx, statisticID)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Int(1), args.Error(2)
	}
	return time.Time{}, 0, nil
}

func (m *MockDatabase) ListStatistics(ctx context.Context) ([]types.StatMetadata, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.([]types.StatMetadata), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
