// Package signer builds and signs the HTTP requests the Fossibot cloud
// expects: an HMAC-MD5 signature over the canonical form of the envelope
// fields, plus the device-info payload that impersonates the mobile client.
package signer

import (
	"crypto/hmac"
	"crypto/md5" // #nosec G501 - HMAC-MD5 is mandated by the vendor API
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Vendor constants. These identify the official mobile application against
// the uni-cloud serverless backend; the bridge presents itself as that app.
const (
	APIEndpoint  = "https://api.next.bspapp.com/client"
	SpaceID      = "MAIiT2Z8bxENNSP"
	ClientSecret = "5rCEdl/nx7IgViBe4QYRiQ=="

	MQTTHost = "mqtt.sydpower.com"
	MQTTPort = 8083
	// MQTTPassword is the fixed password of the cloud MQTT listener; the
	// username is the per-account MQTT token.
	MQTTPassword = "helloyou"

	MethodInvoke    = "serverless.function.runtime.invoke"
	MethodAuthorize = "serverless.auth.user.anonymousAuthorize"
)

// Sign computes the hex HMAC-MD5 signature of fields under secret. The
// canonical form sorts keys lexicographically, drops empty values and joins
// "k=v" pairs with "&". Key order and empty-valued keys therefore never
// change the signature.
func Sign(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	deviceIDOnce sync.Once
	deviceID     string
)

// DeviceID returns the 32-hex mobile device identifier. It is generated once
// per process; rotating it per request trips the vendor's anomaly detection.
func DeviceID() string {
	deviceIDOnce.Do(func() {
		deviceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	})
	return deviceID
}

// ClientInfo is the fixed payload describing the impersonated mobile client.
type ClientInfo struct {
	Platform string `json:"PLATFORM"`
	OS       string `json:"OS"`
	APPID    string `json:"APPID"`
	DeviceID string `json:"DEVICEID"`
	UserID   string `json:"scene,omitempty"`
	UA       string `json:"ua"`
	Locale   string `json:"locale"`
}

// NewClientInfo builds the device-info payload with the process device id.
func NewClientInfo() ClientInfo {
	return ClientInfo{
		Platform: "app",
		OS:       "android",
		APPID:    "__UNI__55F5E7F",
		DeviceID: DeviceID(),
		UA:       "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Mobile Safari/537.36",
		Locale:   "en",
	}
}

// Envelope is the outer request object sent to the serverless endpoint.
// Params carries a serialized JSON object when Method is MethodInvoke; the
// signature and the server both assume the string form.
type Envelope struct {
	Method    string `json:"method"`
	Params    string `json:"params"`
	SpaceID   string `json:"spaceId"`
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

// NewEnvelope builds an envelope for method with the given params string and
// optional bearer token, timestamped now.
func NewEnvelope(method, params, token string) Envelope {
	return Envelope{
		Method:    method,
		Params:    params,
		SpaceID:   SpaceID,
		Timestamp: time.Now().UnixMilli(),
		Token:     token,
	}
}

// SignedBody serializes the envelope and returns the body together with its
// x-serverless-sign header value.
func (e Envelope) SignedBody() ([]byte, string, error) {
	body, err := sonic.Marshal(e)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	sig := Sign(map[string]string{
		"method":    e.Method,
		"params":    e.Params,
		"spaceId":   e.SpaceID,
		"timestamp": fmt.Sprint(e.Timestamp),
		"token":     e.Token,
	}, ClientSecret)
	return body, sig, nil
}

// InvokeParams builds the params string of a runtime.invoke call routed to
// functionTarget "router" with the given $url and data payload.
func InvokeParams(url string, data map[string]any, uniIDToken string) (string, error) {
	args := map[string]any{
		"$url":       url,
		"data":       data,
		"clientInfo": NewClientInfo(),
	}
	if uniIDToken != "" {
		args["uniIdToken"] = uniIDToken
	}
	params, err := sonic.Marshal(map[string]any{
		"functionTarget": "router",
		"functionArgs":   args,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode invoke params: %w", err)
	}
	return string(params), nil
}
