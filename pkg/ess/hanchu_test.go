package ess

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattledger/wattledger/pkg/types"
)

// decryptPayload reverses the request-body encryption so the fake cloud can
// inspect what the client sent.
func decryptPayload(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	ct, err := base64.StdEncoding.DecodeString(string(raw))
	require.NoError(t, err)
	require.True(t, len(ct) > 0 && len(ct)%aes.BlockSize == 0, "ciphertext must be block aligned")

	block, err := aes.NewCipher([]byte(hanchuAESKey))
	require.NoError(t, err)
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, []byte(hanchuAESKey)).CryptBlocks(plain, ct)

	pad := int(plain[len(plain)-1])
	require.True(t, pad > 0 && pad <= aes.BlockSize, "invalid padding")
	plain = plain[:len(plain)-pad]

	var m map[string]any
	require.NoError(t, json.NewDecoder(bytes.NewReader(plain)).Decode(&m))
	return m
}

// testJWT builds an unsigned JWT carrying only an exp claim.
func testJWT(exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString(fmt.Appendf(nil, `{"exp":%d}`, exp.Unix()))
	return header + "." + payload + ".sig"
}

func writeEnvelope(w http.ResponseWriter, data any) {
	json.NewEncoder(w).Encode(map[string]any{
		"code":    200,
		"msg":     "",
		"success": true,
		"data":    data,
	})
}

func TestHanchu(t *testing.T) {
	ctx := context.Background()

	t.Run("Login Flow", func(t *testing.T) {
		token := testJWT(time.Now().Add(72 * time.Hour))
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
			assert.Equal(t, "iess", r.Header.Get("Appplat"))
			if r.URL.Path == "/gateway/identify/auth/login/account" {
				payload := decryptPayload(t, r)
				assert.Equal(t, "user@example.com", payload["account"])
				// the password is RSA encrypted, we can only check it's there
				pwd, _ := payload["pwd"].(string)
				assert.NotEmpty(t, pwd)
				assert.NotEqual(t, "hunter2", pwd)
				writeEnvelope(w, token)
				return
			}
			if r.URL.Path == "/gateway/platform/pcs/parallelPowerChart" {
				assert.Equal(t, token, r.Header.Get("access-token"))
				writeEnvelope(w, map[string]any{"mainPower": map[string]any{"pvTtPwr": 100.0}})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:   ts.Client(),
			baseURL:  ts.URL,
			settings: types.Settings{DeviceSN: "SN123"},
		}

		creds, changed, err := h.Authenticate(ctx, types.Credentials{
			Hanchu: &types.HanchuCredentials{Account: "user@example.com", Password: "hunter2"},
		})
		require.NoError(t, err, "authenticate should succeed")
		assert.True(t, changed, "credentials should be updated with the new token")
		assert.Equal(t, token, creds.Hanchu.Token)
	})

	t.Run("Authenticate Restores Cached Token", func(t *testing.T) {
		token := testJWT(time.Now().Add(72 * time.Hour))
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/identify/auth/login/account" {
				t.Error("should not login when a valid token is cached")
				return
			}
			if r.URL.Path == "/gateway/platform/pcs/parallelPowerChart" {
				assert.Equal(t, token, r.Header.Get("access-token"))
				writeEnvelope(w, map[string]any{"mainPower": map[string]any{}})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:   ts.Client(),
			baseURL:  ts.URL,
			settings: types.Settings{DeviceSN: "SN123"},
		}

		creds, changed, err := h.Authenticate(ctx, types.Credentials{
			Hanchu: &types.HanchuCredentials{Account: "u", Password: "p", Token: token},
		})
		require.NoError(t, err)
		assert.False(t, changed, "cached token should be reused as-is")
		assert.Equal(t, token, creds.Hanchu.Token)
	})

	t.Run("Authenticate Refreshes Stale Token", func(t *testing.T) {
		// token expires in less than a day, so it must be refreshed
		stale := testJWT(time.Now().Add(time.Hour))
		fresh := testJWT(time.Now().Add(96 * time.Hour))
		var logins int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/identify/auth/login/account" {
				logins++
				writeEnvelope(w, fresh)
				return
			}
			if r.URL.Path == "/gateway/platform/pcs/parallelPowerChart" {
				writeEnvelope(w, map[string]any{"mainPower": map[string]any{}})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:   ts.Client(),
			baseURL:  ts.URL,
			settings: types.Settings{DeviceSN: "SN123"},
		}

		creds, changed, err := h.Authenticate(ctx, types.Credentials{
			Hanchu: &types.HanchuCredentials{Account: "u", Password: "p", Token: stale},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, logins)
		assert.True(t, changed)
		assert.Equal(t, fresh, creds.Hanchu.Token)
	})

	t.Run("Retry After Token Rejected", func(t *testing.T) {
		var logins, chartCalls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/identify/auth/login/account" {
				logins++
				writeEnvelope(w, testJWT(time.Now().Add(72*time.Hour)))
				return
			}
			if r.URL.Path == "/gateway/platform/pcs/parallelPowerChart" {
				chartCalls++
				if chartCalls == 1 {
					json.NewEncoder(w).Encode(map[string]any{
						"code": 401, "msg": "token expired", "success": false,
					})
					return
				}
				writeEnvelope(w, map[string]any{"mainPower": map[string]any{"pvTtPwr": 5.0}})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "old-token",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		status, err := h.GetStatus(ctx)
		require.NoError(t, err, "GetStatus should succeed after re-login")
		assert.Equal(t, 5.0, status.SolarW)
		assert.Equal(t, 1, logins)
		assert.Equal(t, 2, chartCalls)
	})

	t.Run("GetStatus", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/platform/pcs/parallelPowerChart" {
				payload := decryptPayload(t, r)
				assert.Equal(t, "SN123", payload["sn"])
				writeEnvelope(w, map[string]any{
					"mainPower": map[string]any{
						"pvTtPwr":      2500.0,
						"loadPwr":      "1800",
						"pwrGridSum":   -700.0,
						"batP":         0.0,
						"pwrL1Grid":    -700.0,
						"batSoc":       0.885,
						"pvDge":        12.3,
						"gridTdEe":     1.1,
						"gridTdFe":     4.4,
						"batTdChg":     5.5,
						"batTdDschg":   2.2,
						"loadTdEe":     9.9,
						"bmsDesignCap": 10.0,
						"workMode":     1.0,
					},
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		status, err := h.GetStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2500.0, status.SolarW)
		assert.Equal(t, 1800.0, status.LoadW, "string numbers should be coerced")
		assert.Equal(t, -700.0, status.GridW)
		assert.InDelta(t, 88.5, status.BatterySOC, 1e-9, "batSoc should be scaled to percent")
		assert.Equal(t, 10.0, status.BatteryCapacityKWH)
		assert.Equal(t, 12.3, status.SolarTodayKWH)
		assert.Equal(t, types.WorkModeSelfConsumption, status.WorkMode)
	})

	t.Run("GetDailyTotals", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/strategy/energy/flow" {
				payload := decryptPayload(t, r)
				assert.Equal(t, "SN123", payload["devId"])
				assert.Equal(t, false, payload["detail"])
				assert.Equal(t, "2024-05-01", payload["date"])
				writeEnvelope(w, map[string]any{
					"sumData": map[string]any{
						"pv":           10.5,
						"load":         "8.25",
						"batCharge":    3.0,
						"batDisCharge": 2.0,
						"gridImport":   1.5,
						"gridExport":   0.5,
					},
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		totals, err := h.GetDailyTotals(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, 10.5, totals[types.FlowSolar])
		assert.Equal(t, 8.25, totals[types.FlowLoad], "string numbers should be coerced")
		assert.Equal(t, 3.0, totals[types.FlowBatteryCharge])
		assert.Equal(t, 2.0, totals[types.FlowBatteryDischarge])
		assert.Equal(t, 1.5, totals[types.FlowGridImport])
		assert.Equal(t, 0.5, totals[types.FlowGridExport])
	})

	t.Run("GetMinuteSamples", func(t *testing.T) {
		start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1).Add(-time.Millisecond)

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/platform/pcs/powerMinuteChart" {
				payload := decryptPayload(t, r)
				assert.Equal(t, "SN123", payload["sn"])
				assert.Equal(t, "2", payload["devType"])
				assert.Equal(t, float64(1440), payload["maxCount"])
				assert.Equal(t, float64(start.UnixMilli()), payload["dataTimeTsStart"])
				assert.Equal(t, float64(end.UnixMilli()), payload["dataTimeTsEnd"])
				assert.Equal(t, true, payload["masterSum"])
				writeEnvelope(w, []map[string]any{
					{
						"dataTimeTs": float64(start.UnixMilli()),
						"pvTtPwr":    100.0,
						"batP":       -50.0,
						"meterPPwr":  "25",
						"loadEpsPwr": 75.0,
					},
					// missing timestamp, should be skipped
					{"pvTtPwr": 1.0},
					{
						"dataTimeTs": float64(start.Add(time.Minute).UnixMilli()),
						"pvTtPwr":    110.0,
						"batP":       0.0,
						"meterPPwr":  -35.0,
						"loadEpsPwr": 75.0,
					},
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		samples, err := h.GetMinuteSamples(ctx, start, end)
		require.NoError(t, err)
		require.Len(t, samples, 2, "point without dataTimeTs should be dropped")
		assert.Equal(t, start.UnixMilli(), samples[0].Time.UnixMilli())
		assert.Equal(t, 100.0, samples[0].Solar)
		assert.Equal(t, -50.0, samples[0].Battery)
		assert.Equal(t, 25.0, samples[0].Grid, "string numbers should be coerced")
		assert.Equal(t, 75.0, samples[0].Load)
		assert.Equal(t, -35.0, samples[1].Grid)
	})

	t.Run("GetMinuteSamples Wrapped List", func(t *testing.T) {
		start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/platform/pcs/powerMinuteChart" {
				writeEnvelope(w, map[string]any{
					"data": []map[string]any{
						{"dataTimeTs": float64(start.UnixMilli()), "pvTtPwr": 42.0},
					},
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		samples, err := h.GetMinuteSamples(ctx, start, start.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, samples, 1)
		assert.Equal(t, 42.0, samples[0].Solar)
		assert.True(t, math.IsNaN(samples[0].Battery), "fields the point lacks should be NaN")
	})

	t.Run("GetBatteryStatus", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/platform/rack/queryRackDataDivisions" {
				payload := decryptPayload(t, r)
				assert.Equal(t, "BAT9", payload["sn"])
				writeEnvelope(w, map[string]any{
					"rackSoc":            77.5,
					"rackPwr":            -1500.0,
					"rackTotalV":         409.6,
					"rackTotalA":         -3.7,
					"rackCapRemain":      76.0,
					"rackCapacity":       10.2,
					"rackTotalCharge":    1234.5,
					"rackTotalDischarge": 1200.1,
					"maxT":               29.0,
					"minT":               25.5,
					"rackTotalLoopNum":   321.0,
				})
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123", BatterySN: "BAT9"},
		}

		bat, err := h.GetBatteryStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, "BAT9", bat.SerialNumber)
		assert.Equal(t, 77.5, bat.SOC)
		assert.Equal(t, -1.5, bat.PowerKW, "rackPwr should be converted W to kW")
		assert.Equal(t, 409.6, bat.VoltageV)
		assert.Equal(t, 321, bat.CycleCount)
	})

	t.Run("SetWorkMode", func(t *testing.T) {
		var called bool
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gateway/strategy/workMode/update" {
				called = true
				payload := decryptPayload(t, r)
				assert.Equal(t, "SN123", payload["sn"])
				assert.Equal(t, float64(3), payload["workMode"])
				writeEnvelope(w, nil)
				return
			}
			http.Error(w, "not found: "+r.URL.Path, 404)
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		require.NoError(t, h.SetWorkMode(ctx, types.WorkModeOffGrid))
		assert.True(t, called)

		err := h.SetWorkMode(ctx, types.WorkMode(9))
		assert.ErrorContains(t, err, "unknown work mode")
	})

	t.Run("API Error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"code": 500, "msg": "device offline", "success": false,
			})
		}))
		defer ts.Close()

		h := &Hanchu{
			client:      ts.Client(),
			baseURL:     ts.URL,
			account:     "u",
			password:    "p",
			tokenStr:    "tok",
			tokenExpiry: time.Now().Add(48 * time.Hour),
			settings:    types.Settings{DeviceSN: "SN123"},
		}

		_, err := h.GetStatus(ctx)
		assert.ErrorContains(t, err, "device offline")
	})
}

func TestFieldFloat(t *testing.T) {
	data := map[string]any{
		"num":    1.5,
		"str":    "2.25",
		"badstr": "n/a",
		"null":   nil,
		"bool":   true,
	}
	assert.Equal(t, 1.5, fieldFloat(data, "num", 0))
	assert.Equal(t, 2.25, fieldFloat(data, "str", 0))
	assert.Equal(t, 9.0, fieldFloat(data, "badstr", 9))
	assert.Equal(t, 9.0, fieldFloat(data, "null", 9))
	assert.Equal(t, 9.0, fieldFloat(data, "bool", 9))
	assert.Equal(t, 9.0, fieldFloat(data, "missing", 9))
}

func TestJWTExpiry(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	got, err := jwtExpiry(testJWT(exp))
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))

	_, err = jwtExpiry("garbage")
	assert.Error(t, err)

	_, err = jwtExpiry("a.b.c")
	assert.Error(t, err)
}

func TestTokenValidAt(t *testing.T) {
	now := time.Now()
	assert.False(t, tokenValidAt(time.Time{}, now), "zero expiry is never valid")
	assert.False(t, tokenValidAt(now.Add(time.Hour), now), "less than a day left is stale")
	assert.True(t, tokenValidAt(now.Add(25*time.Hour), now))
}
