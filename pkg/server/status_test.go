package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wattledger/wattledger/pkg/storage/storagemock"
	"github.com/wattledger/wattledger/pkg/types"
)

func TestSystemStatus(t *testing.T) {
	baseSettings := types.Settings{ESS: "mock", DeviceSN: "SN1", BatterySN: "BAT1", MaxImportDays: 366}

	setup := func(settings types.Settings) (*mockSystem, *Server) {
		db := &storagemock.MockDatabase{}
		sys := &mockSystem{}
		db.On("GetSettings", mock.Anything).Return(settings, types.CurrentSettingsVersion, nil)
		sys.On("ApplySettings", mock.Anything, mock.Anything).Return(nil)
		sys.On("Authenticate", mock.Anything, mock.Anything).Return(types.Credentials{}, false, nil)
		return sys, newTestServer(db, sys)
	}

	getStatus := func(srv *Server) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/status", nil)
		w := httptest.NewRecorder()
		srv.handleSystemStatus(w, req)
		return w
	}

	t.Run("Success With Battery", func(t *testing.T) {
		sys, srv := setup(baseSettings)
		sys.On("GetStatus", mock.Anything).Return(types.SystemStatus{
			Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			SolarW:     3200,
			LoadW:      1100,
			BatterySOC: 88,
			WorkMode:   types.WorkModeSelfConsumption,
		}, nil)
		sys.On("GetBatteryStatus", mock.Anything).Return(types.BatteryStatus{
			SerialNumber: "BAT1",
			SOC:          88,
			PowerKW:      1.5,
			CycleCount:   42,
		}, nil)

		w := getStatus(srv)
		require.Equal(t, http.StatusOK, w.Result().StatusCode, w.Body.String())
		assert.Equal(t, "no-store", w.Result().Header.Get("Cache-Control"))
		assert.Contains(t, w.Body.String(), `"solarW":3200`)
		assert.Contains(t, w.Body.String(), `"serialNumber":"BAT1"`)
		assert.Contains(t, w.Body.String(), `"cycleCount":42`)
	})

	t.Run("Battery Failure Omits Rack", func(t *testing.T) {
		sys, srv := setup(baseSettings)
		sys.On("GetStatus", mock.Anything).Return(types.SystemStatus{SolarW: 500}, nil)
		sys.On("GetBatteryStatus", mock.Anything).Return(types.BatteryStatus{}, assert.AnError)

		w := getStatus(srv)
		require.Equal(t, http.StatusOK, w.Result().StatusCode, w.Body.String())
		assert.Contains(t, w.Body.String(), `"solarW":500`)
		assert.NotContains(t, w.Body.String(), `"battery":`)
	})

	t.Run("No Battery Serial", func(t *testing.T) {
		s := baseSettings
		s.BatterySN = ""
		sys, srv := setup(s)
		sys.On("GetStatus", mock.Anything).Return(types.SystemStatus{}, nil)

		w := getStatus(srv)
		require.Equal(t, http.StatusOK, w.Result().StatusCode, w.Body.String())
		sys.AssertNotCalled(t, "GetBatteryStatus", mock.Anything)
	})

	t.Run("Status Failure", func(t *testing.T) {
		sys, srv := setup(baseSettings)
		sys.On("GetStatus", mock.Anything).Return(types.SystemStatus{}, assert.AnError)

		w := getStatus(srv)
		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	})

	t.Run("Authentication Failure", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		sys := &mockSystem{}
		db.On("GetSettings", mock.Anything).Return(baseSettings, types.CurrentSettingsVersion, nil)
		sys.On("ApplySettings", mock.Anything, mock.Anything).Return(nil)
		sys.On("Authenticate", mock.Anything, mock.Anything).Return(types.Credentials{}, false, assert.AnError)
		srv := newTestServer(db, sys)

		w := getStatus(srv)
		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	})
}
