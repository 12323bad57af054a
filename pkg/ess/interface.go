package ess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wattledger/wattledger/pkg/types"
)

// System defines the interface for interacting with an inverter/battery cloud
// (like Hanchu IESS).
type System interface {
	// ApplySettings installs the stored settings (serials, timezone) on the
	// system. Call it before any of the other methods.
	ApplySettings(ctx context.Context, settings types.Settings) error

	// Authenticate validates creds against the cloud and returns them, possibly
	// updated with a refreshed token, along with whether they changed. Nothing
	// may be cached off creds until they validate.
	Authenticate(ctx context.Context, creds types.Credentials) (types.Credentials, bool, error)

	// Location returns the timezone daily totals are aligned to.
	Location(ctx context.Context) (*time.Location, error)

	// GetDailyTotals returns the energy totals for the local day containing day.
	GetDailyTotals(ctx context.Context, day time.Time) (types.DailyTotals, error)

	// GetMinuteSamples returns minute-resolution power samples for the device
	// between start and end inclusive.
	GetMinuteSamples(ctx context.Context, start, end time.Time) ([]types.MinuteSample, error)

	// GetStatus returns a live snapshot of the system's power flows.
	GetStatus(ctx context.Context) (types.SystemStatus, error)

	// GetBatteryStatus returns details for the configured battery rack.
	GetBatteryStatus(ctx context.Context) (types.BatteryStatus, error)

	// SetWorkMode changes the inverter's operating mode.
	SetWorkMode(ctx context.Context, mode types.WorkMode) error
}

// Configured sets up the system provider Map with the known providers.
func Configured() *Map {
	m := NewMap()
	m.SetSystem("hanchu", newHanchu())
	m.SetSystem("mock", NewMock())
	return m
}

// Map manages the available systems by provider name.
type Map struct {
	mu      sync.Mutex
	systems map[string]System
}

// NewMap creates a new empty Map.
func NewMap() *Map {
	return &Map{
		systems: make(map[string]System),
	}
}

// System returns the provider named by settings.ESS after applying the
// settings to it. An empty name defaults to hanchu.
func (m *Map) System(ctx context.Context, settings types.Settings) (System, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := settings.ESS
	if name == "" {
		name = "hanchu"
	}
	sys, ok := m.systems[name]
	if !ok {
		return nil, fmt.Errorf("unknown ess provider: %s", name)
	}
	if err := sys.ApplySettings(ctx, settings); err != nil {
		return nil, err
	}
	return sys, nil
}

// SetSystem sets the system for a provider name. This is primarily used for testing.
func (m *Map) SetSystem(name string, sys System) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systems[name] = sys
}
