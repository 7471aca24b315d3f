// Package auth drives the three-stage signed handshake against the Fossibot
// cloud (anonymous authorize, user login, MQTT token) and the device
// discovery call. All stages are cache-first: a warm restart with valid
// cached tokens performs zero HTTP calls.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/sandrolain/fossibot-bridge/src/cache"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/signer"
)

// ErrRejected marks authentication failures that must purge cached state
// before any retry: HTTP 401/403, missing data, empty tokens.
var ErrRejected = errors.New("auth: rejected by cloud")

const (
	stageTimeout     = 10 * time.Second
	handshakeTimeout = 30 * time.Second

	urlLogin     = "user/pub/login"
	urlMQTTToken = "common/emqx.getAccessToken"
	urlDevices   = "client/device/kh/getList"
)

// Fallbacks for tokens whose JWT carries no exp claim. The cache applies the
// max_token_ttl cap on top of these.
var stageDefaultTTL = map[cache.Stage]time.Duration{
	cache.StageAnonymous: 10 * time.Minute,
	cache.StageLogin:     24 * time.Hour,
	cache.StageMQTT:      72 * time.Hour,
}

// TokenSet carries the three live tokens of one account.
type TokenSet struct {
	Anonymous string
	Login     string
	MQTT      string
}

// Engine performs the handshake for a single account.
type Engine struct {
	email    string
	password string
	endpoint string
	tokens   *cache.TokenCache
	devices  *cache.DeviceCache
	client   *fasthttp.Client
	log      *slog.Logger
}

// New creates an engine bound to the shared caches. endpoint overrides the
// vendor API URL when non-empty (tests point it at a local server).
func New(email, password, endpoint string, tokens *cache.TokenCache, devices *cache.DeviceCache) *Engine {
	if endpoint == "" {
		endpoint = signer.APIEndpoint
	}
	return &Engine{
		email:    email,
		password: password,
		endpoint: endpoint,
		tokens:   tokens,
		devices:  devices,
		client:   &fasthttp.Client{ReadTimeout: stageTimeout, WriteTimeout: stageTimeout},
		log:      slog.Default().With("context", "AuthEngine", "account", MaskEmail(email)),
	}
}

// Tokens returns a usable TokenSet, fetching only the stages whose cached
// entries are missing or expired. Any stage rejection purges the whole
// account cache and retries the full handshake once from stage 1.
func (e *Engine) Tokens(ctx context.Context) (TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	set, err := e.tokensOnce(ctx)
	if err == nil {
		return set, nil
	}
	if !errors.Is(err, ErrRejected) {
		return TokenSet{}, err
	}

	e.log.Warn("handshake rejected, purging cache and retrying from stage 1", "error", err)
	if purgeErr := e.tokens.Purge(e.email); purgeErr != nil {
		e.log.Warn("token cache purge failed", "error", purgeErr)
	}
	return e.tokensOnce(ctx)
}

func (e *Engine) tokensOnce(ctx context.Context) (TokenSet, error) {
	var set TokenSet

	if entry, ok := e.tokens.Get(e.email, cache.StageAnonymous); ok {
		set.Anonymous = entry.Token
	} else {
		token, err := e.anonymousAuthorize(ctx)
		if err != nil {
			return set, err
		}
		set.Anonymous = token
	}

	if entry, ok := e.tokens.Get(e.email, cache.StageLogin); ok {
		set.Login = entry.Token
	} else {
		token, err := e.login(ctx, set.Anonymous)
		if err != nil {
			return set, err
		}
		set.Login = token
	}

	if entry, ok := e.tokens.Get(e.email, cache.StageMQTT); ok {
		set.MQTT = entry.Token
	} else {
		token, err := e.mqttToken(ctx, set.Anonymous, set.Login)
		if err != nil {
			return set, err
		}
		set.MQTT = token
	}

	return set, nil
}

// PurgeMQTT drops the cached MQTT token (tier-2 reconnect, first rung).
func (e *Engine) PurgeMQTT() {
	if err := e.tokens.Purge(e.email, cache.StageMQTT); err != nil {
		e.log.Warn("mqtt token purge failed", "error", err)
	}
}

// PurgeLogin drops the cached login and MQTT tokens (tier-2, second rung).
func (e *Engine) PurgeLogin() {
	if err := e.tokens.Purge(e.email, cache.StageLogin, cache.StageMQTT); err != nil {
		e.log.Warn("login token purge failed", "error", err)
	}
}

// PurgeAll drops every cached token of the account (tier-2, last rung).
func (e *Engine) PurgeAll() {
	if err := e.tokens.Purge(e.email); err != nil {
		e.log.Warn("token cache purge failed", "error", err)
	}
}

// Stage 1: anonymous authorize. The returned access token is the bearer for
// stages 2 and 3.
func (e *Engine) anonymousAuthorize(ctx context.Context) (string, error) {
	env := signer.NewEnvelope(signer.MethodAuthorize, "{}", "")
	data, err := e.call(ctx, env)
	if err != nil {
		return "", fmt.Errorf("stage 1 (anonymous authorize): %w", err)
	}

	var payload struct {
		AccessToken        string `json:"accessToken"`
		AccessTokenExpired int64  `json:"accessTokenExpired"`
	}
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("stage 1 (anonymous authorize): %w: %v", ErrRejected, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("stage 1 (anonymous authorize): %w: empty token", ErrRejected)
	}

	expiry := time.Time{}
	if payload.AccessTokenExpired > 0 {
		expiry = time.UnixMilli(payload.AccessTokenExpired)
	}
	e.cacheToken(cache.StageAnonymous, payload.AccessToken, expiry)
	return payload.AccessToken, nil
}

// Stage 2: user login, bearing the stage-1 token. Returns the long-lived
// login JWT (whose claimed expiry the cache caps).
func (e *Engine) login(ctx context.Context, accessToken string) (string, error) {
	params, err := signer.InvokeParams(urlLogin, map[string]any{
		"locale":   "en",
		"username": e.email,
		"password": e.password,
	}, "")
	if err != nil {
		return "", fmt.Errorf("stage 2 (login): %w", err)
	}
	data, err := e.call(ctx, signer.NewEnvelope(signer.MethodInvoke, params, accessToken))
	if err != nil {
		return "", fmt.Errorf("stage 2 (login): %w", err)
	}

	var payload struct {
		Token        string `json:"token"`
		TokenExpired int64  `json:"tokenExpired"`
	}
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("stage 2 (login): %w: %v", ErrRejected, err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("stage 2 (login): %w: empty token", ErrRejected)
	}

	expiry := tokenExpiry(payload.Token)
	if expiry.IsZero() && payload.TokenExpired > 0 {
		expiry = time.UnixMilli(payload.TokenExpired)
	}
	e.cacheToken(cache.StageLogin, payload.Token, expiry)
	return payload.Token, nil
}

// Stage 3: MQTT token, bearing the stage-1 token and the stage-2 login token
// as uniIdToken.
func (e *Engine) mqttToken(ctx context.Context, accessToken, loginToken string) (string, error) {
	params, err := signer.InvokeParams(urlMQTTToken, map[string]any{"locale": "en"}, loginToken)
	if err != nil {
		return "", fmt.Errorf("stage 3 (mqtt token): %w", err)
	}
	data, err := e.call(ctx, signer.NewEnvelope(signer.MethodInvoke, params, accessToken))
	if err != nil {
		return "", fmt.Errorf("stage 3 (mqtt token): %w", err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("stage 3 (mqtt token): %w: %v", ErrRejected, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("stage 3 (mqtt token): %w: empty token", ErrRejected)
	}

	e.cacheToken(cache.StageMQTT, payload.AccessToken, tokenExpiry(payload.AccessToken))
	return payload.AccessToken, nil
}

func (e *Engine) cacheToken(stage cache.Stage, token string, claimed time.Time) {
	if claimed.IsZero() {
		ttl, ok := stageDefaultTTL[stage]
		if !ok {
			ttl = time.Hour
		}
		claimed = time.Now().Add(ttl)
	}
	if _, err := e.tokens.Put(e.email, stage, token, claimed); err != nil {
		e.log.Warn("failed to cache token", "stage", stage, "error", err)
	}
}

// call POSTs a signed envelope and returns the raw "data" member. A response
// without data, or a 401/403, is an ErrRejected. Transport errors are
// retried a couple of times before surfacing.
func (e *Engine) call(ctx context.Context, env signer.Envelope) ([]byte, error) {
	body, sig, err := env.SignedBody()
	if err != nil {
		return nil, err
	}

	var status int
	var respBody []byte
	r := retrier.New(retrier.ConstantBackoff(2, time.Second), nil)
	err = r.RunCtx(ctx, func(ctx context.Context) error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(e.endpoint)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.SetContentType("application/json")
		req.Header.Set("x-serverless-sign", sig)
		req.SetBody(body)

		if err := e.client.DoTimeout(req, resp, stageTimeout); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		status = resp.StatusCode()
		respBody = append(respBody[:0], resp.Body()...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRejected, status)
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", status)
	}

	var outer struct {
		Data json.RawMessage `json:"data"`
	}
	if err := sonic.Unmarshal(respBody, &outer); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRejected, err)
	}
	if len(outer.Data) == 0 {
		return nil, fmt.Errorf("%w: response without data", ErrRejected)
	}
	return outer.Data, nil
}

// tokenExpiry extracts the exp claim of a JWT without verifying it (the
// vendor's signing keys are not ours to hold). Zero when absent.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// MaskEmail hides the local part except its first and last character:
// "john@example.com" becomes "j***n@example.com".
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***" + email[max(at, 0):]
	}
	local := email[:at]
	return local[:1] + "***" + local[len(local)-1:] + email[at:]
}

var macPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// NormalizeMAC strips separators and uppercases a device identifier,
// validating the canonical 12-hex form.
func NormalizeMAC(raw string) (string, error) {
	mac := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(raw)))
	if !macPattern.MatchString(mac) {
		return "", fmt.Errorf("invalid device MAC %q", raw)
	}
	return mac, nil
}

// Devices returns the account's device inventory, serving it from the
// DeviceCache when fresh and otherwise running the signed discovery call.
func (e *Engine) Devices(ctx context.Context) ([]cache.Device, error) {
	if devices, ok := e.devices.Get(e.email); ok {
		return devices, nil
	}

	set, err := e.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	params, err := signer.InvokeParams(urlDevices, map[string]any{"locale": "en"}, set.Login)
	if err != nil {
		return nil, fmt.Errorf("device discovery: %w", err)
	}
	data, err := e.call(ctx, signer.NewEnvelope(signer.MethodInvoke, params, set.Anonymous))
	if err != nil {
		return nil, fmt.Errorf("device discovery: %w", err)
	}

	var payload struct {
		Rows []struct {
			DeviceID   string `json:"device_id"`
			DeviceName string `json:"device_name"`
			Model      string `json:"model"`
		} `json:"rows"`
	}
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("device discovery: malformed response: %w", err)
	}

	devices := make([]cache.Device, 0, len(payload.Rows))
	for _, row := range payload.Rows {
		mac, err := NormalizeMAC(row.DeviceID)
		if err != nil {
			e.log.Warn("skipping device with invalid id", "id", row.DeviceID)
			continue
		}
		devices = append(devices, cache.Device{MAC: mac, Name: row.DeviceName, Model: row.Model})
	}

	if err := e.devices.Put(e.email, devices); err != nil {
		e.log.Warn("failed to cache device list", "error", err)
	}
	e.log.Info("discovered devices", "count", len(devices))
	return devices, nil
}

// InvalidateDevices drops the cached inventory ahead of a scheduled refresh.
func (e *Engine) InvalidateDevices() {
	if err := e.devices.Invalidate(e.email); err != nil {
		e.log.Warn("device cache invalidation failed", "error", err)
	}
}
