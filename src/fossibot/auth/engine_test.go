package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/fossibot-bridge/src/cache"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/signer"
)

type vendorStub struct {
	server   *httptest.Server
	calls    atomic.Int64
	loginJWT string
	mqttJWT  string
	failWith int // when nonzero, every call answers this HTTP status
}

func signJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": "u1",
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func newVendorStub(t *testing.T) *vendorStub {
	t.Helper()
	v := &vendorStub{
		loginJWT: signJWT(t, time.Now().Add(14*365*24*time.Hour)),
		mqttJWT:  signJWT(t, time.Now().Add(72*time.Hour)),
	}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.calls.Add(1)
		if v.failWith != 0 {
			w.WriteHeader(v.failWith)
			return
		}
		if r.Header.Get("x-serverless-sign") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var env struct {
			Method string `json:"method"`
			Params string `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &env))

		switch {
		case env.Method == signer.MethodAuthorize:
			fmt.Fprintf(w, `{"data":{"accessToken":"anon-token","accessTokenExpired":%d}}`,
				time.Now().Add(10*time.Minute).UnixMilli())
		default:
			var params struct {
				FunctionArgs struct {
					URL string `json:"$url"`
				} `json:"functionArgs"`
			}
			require.NoError(t, json.Unmarshal([]byte(env.Params), &params))
			switch params.FunctionArgs.URL {
			case "user/pub/login":
				fmt.Fprintf(w, `{"data":{"token":"%s"}}`, v.loginJWT)
			case "common/emqx.getAccessToken":
				fmt.Fprintf(w, `{"data":{"access_token":"%s"}}`, v.mqttJWT)
			case "client/device/kh/getList":
				fmt.Fprint(w, `{"data":{"rows":[
					{"device_id":"7C:2C:67:AB:5F:0E","device_name":"Garage","model":"F2400"},
					{"device_id":"bogus","device_name":"Broken","model":"?"}
				]}}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func newTestEngine(t *testing.T, v *vendorStub) (*Engine, *cache.TokenCache) {
	t.Helper()
	store := cache.NewMemoryStore()
	tokens := cache.NewTokenCache(store, 300*time.Second, 24*time.Hour)
	devices := cache.NewDeviceCache(store, 24*time.Hour)
	return New("john@example.com", "pw", v.server.URL, tokens, devices), tokens
}

func TestColdStartRunsThreeStages(t *testing.T) {
	v := newVendorStub(t)
	engine, _ := newTestEngine(t, v)

	set, err := engine.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anon-token", set.Anonymous)
	assert.Equal(t, v.loginJWT, set.Login)
	assert.Equal(t, v.mqttJWT, set.MQTT)
	assert.EqualValues(t, 3, v.calls.Load())
}

func TestWarmRestartUsesCacheOnly(t *testing.T) {
	v := newVendorStub(t)
	engine, _ := newTestEngine(t, v)

	_, err := engine.Tokens(context.Background())
	require.NoError(t, err)
	v.calls.Store(0)

	set, err := engine.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v.mqttJWT, set.MQTT)
	assert.EqualValues(t, 0, v.calls.Load(), "warm restart must not call the API")
}

func TestMQTTPurgeRefetchesStagesOneAndThree(t *testing.T) {
	v := newVendorStub(t)
	engine, tokens := newTestEngine(t, v)

	_, err := engine.Tokens(context.Background())
	require.NoError(t, err)

	// Simulate the anonymous token aging out and a CONNACK-5 invalidation.
	require.NoError(t, tokens.Purge("john@example.com", cache.StageAnonymous))
	engine.PurgeMQTT()
	v.calls.Store(0)

	_, err = engine.Tokens(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.calls.Load(), "only stages 1 and 3 should run")
}

func TestLoginTokenCapHonored(t *testing.T) {
	v := newVendorStub(t)
	engine, tokens := newTestEngine(t, v)

	_, err := engine.Tokens(context.Background())
	require.NoError(t, err)

	entry, ok := tokens.Get("john@example.com", cache.StageLogin)
	require.True(t, ok)
	assert.True(t, entry.Capped)
	assert.Equal(t, 24*time.Hour, entry.ExpiresAt.Sub(entry.CachedAt))
}

func TestRejectionPurgesAndRetries(t *testing.T) {
	v := newVendorStub(t)
	engine, tokens := newTestEngine(t, v)

	_, err := engine.Tokens(context.Background())
	require.NoError(t, err)

	// Corrupt the cached mqtt token so it looks valid but the next refetch
	// path hits a 403; the engine must purge everything and retry once.
	require.NoError(t, tokens.Purge("john@example.com", cache.StageMQTT))
	v.failWith = http.StatusForbidden
	_, err = engine.Tokens(context.Background())
	require.ErrorIs(t, err, ErrRejected)

	_, ok := tokens.Get("john@example.com", cache.StageLogin)
	assert.False(t, ok, "rejection must purge the login stage too")

	// Cloud recovers: the next call performs the full three-stage handshake.
	v.failWith = 0
	v.calls.Store(0)
	_, err = engine.Tokens(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, v.calls.Load())
}

func TestDeviceDiscoveryNormalizesAndCaches(t *testing.T) {
	v := newVendorStub(t)
	engine, _ := newTestEngine(t, v)

	devices, err := engine.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1, "invalid device ids are skipped")
	assert.Equal(t, cache.Device{MAC: "7C2C67AB5F0E", Name: "Garage", Model: "F2400"}, devices[0])

	v.calls.Store(0)
	again, err := engine.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, devices, again)
	assert.EqualValues(t, 0, v.calls.Load(), "second discovery must come from cache")
}

func TestTokenExpiryExtraction(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	assert.Equal(t, exp.Unix(), tokenExpiry(signJWT(t, exp)).Unix())
	assert.True(t, tokenExpiry("not-a-jwt").IsZero())
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j***n@example.com", MaskEmail("john@example.com"))
	assert.Equal(t, "***@x.y", MaskEmail("a@x.y"))
	assert.Equal(t, "***", MaskEmail(""))
}

func TestNormalizeMAC(t *testing.T) {
	mac, err := NormalizeMAC("7c:2c:67:ab:5f:0e")
	require.NoError(t, err)
	assert.Equal(t, "7C2C67AB5F0E", mac)

	_, err = NormalizeMAC("nope")
	assert.Error(t, err)
}
