package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattledger/wattledger/pkg/ess"
	"github.com/wattledger/wattledger/pkg/storage"
	"github.com/wattledger/wattledger/pkg/types"
)

type mockSystem struct {
	mock.Mock
}

var _ ess.System = (*mockSystem)(nil)

func (m *mockSystem) ApplySettings(ctx context.Context, settings types.Settings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

func (m *mockSystem) Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error) {
	args := m.Called(ctx, creds)
	if len(args) > 0 {
		return args.Get(0).(types.Credentials), args.Bool(1), args.Error(2)
	}
	return creds, false, nil
}

func (m *mockSystem) Location(ctx context.Context) (*time.Location, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(*time.Location), args.Error(1)
	}
	return time.UTC, nil
}

func (m *mockSystem) GetDailyTotals(ctx context.Context, day time.Time) (types.DailyTotals, error) {
	args := m.Called(ctx, day)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(types.DailyTotals), args.Error(1)
}

func (m *mockSystem) GetMinuteSamples(ctx context.Context, start, end time.Time) ([]types.MinuteSample, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.MinuteSample), args.Error(1)
}

func (m *mockSystem) GetStatus(ctx context.Context) (types.SystemStatus, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.SystemStatus), args.Error(1)
	}
	return types.SystemStatus{}, nil
}

func (m *mockSystem) GetBatteryStatus(ctx context.Context) (types.BatteryStatus, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.BatteryStatus), args.Error(1)
	}
	return types.BatteryStatus{}, nil
}

func (m *mockSystem) SetWorkMode(ctx context.Context, mode types.WorkMode) error {
	args := m.Called(ctx, mode)
	return args.Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, title, message string) error {
	args := m.Called(ctx, title, message)
	return args.Error(0)
}

const testEncryptionKey = "01234567890123456789012345678901"

// newTestServer builds a Server around the given mocks with auth bypassed.
// Tests that exercise authentication flip bypassAuth off and install
// verifiers themselves.
func newTestServer(db storage.Database, sys ess.System) *Server {
	m := ess.NewMap()
	m.SetSystem("mock", sys)
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return &Server{
		ess:           m,
		storage:       db,
		notifier:      n,
		encryptionKey: testEncryptionKey,
		bypassAuth:    true,
	}
}

// insecureKeySet decodes JWT payloads without verifying signatures, which is
// all the token tests need.
type insecureKeySet struct{}

func (insecureKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const testIssuer = "https://issuer.test"

func testVerifier(audience string) tokenVerifier {
	return oidc.NewVerifier(testIssuer, insecureKeySet{}, &oidc.Config{
		ClientID: audience,
	}).Verify
}

func makeToken(t *testing.T, email, audience string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"iss":   testIssuer,
		"aud":   audience,
		"sub":   email,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	})
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".unverified"
}
