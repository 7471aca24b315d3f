package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-jwt/jwt/v5"
	mmqtt "github.com/mochi-mqtt/server/v2"
	mochiauth "github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/fossibot-bridge/src/config"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/auth"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/cloud"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/modbus"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/signer"
	"github.com/sandrolain/fossibot-bridge/src/state"
)

const testMAC = "7C2C67AB5F0E"

// startMochi starts an in-process mochi-mqtt broker on an ephemeral port.
func startMochi(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := mmqtt.New(nil)
	require.NoError(t, server.AddHook(new(mochiauth.AllowHook), nil))

	port := addr[strings.LastIndex(addr, ":")+1:]
	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: ":" + port})
	require.NoError(t, server.AddListener(tcp))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("broker error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)
	t.Cleanup(func() { _ = server.Close() })
	return addr
}

// vendorStub serves the three-stage handshake plus device discovery. The
// device inventory can be swapped mid-test to simulate removals.
type vendorStub struct {
	*httptest.Server

	mu   sync.Mutex
	rows string
}

func (v *vendorStub) setDeviceRows(rows string) {
	v.mu.Lock()
	v.rows = rows
	v.mu.Unlock()
}

func (v *vendorStub) deviceRows() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rows
}

func startVendorStub(t *testing.T) *vendorStub {
	t.Helper()
	signToken := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
		s, err := tok.SignedString([]byte("stub"))
		require.NoError(t, err)
		return s
	}

	stub := &vendorStub{
		rows: `[{"device_id":"7C:2C:67:AB:5F:0E","device_name":"Garage","model":"F2400"}]`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Method string `json:"method"`
			Params string `json:"params"`
		}
		require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&env))

		if env.Method == signer.MethodAuthorize {
			fmt.Fprintf(w, `{"data":{"accessToken":"anon","accessTokenExpired":%d}}`,
				time.Now().Add(10*time.Minute).UnixMilli())
			return
		}
		var params struct {
			FunctionArgs struct {
				URL string `json:"$url"`
			} `json:"functionArgs"`
		}
		require.NoError(t, sonic.UnmarshalString(env.Params, &params))
		switch params.FunctionArgs.URL {
		case "user/pub/login":
			fmt.Fprintf(w, `{"data":{"token":"%s"}}`, signToken(time.Now().Add(2*time.Hour)))
		case "common/emqx.getAccessToken":
			fmt.Fprintf(w, `{"data":{"access_token":"%s"}}`, signToken(time.Now().Add(2*time.Hour)))
		case "client/device/kh/getList":
			fmt.Fprintf(w, `{"data":{"rows":%s}}`, stub.deviceRows())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	stub.Server = server
	return stub
}

type fakePublish struct {
	topic   string
	payload []byte
	at      time.Time
}

// fakeCloud satisfies cloudConn, reporting connected immediately and
// recording everything published toward the cloud.
type fakeCloud struct {
	cfg cloud.Config

	mu        sync.Mutex
	connected bool
	subs      []string
	published []fakePublish
}

func (f *fakeCloud) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.cfg.Handlers.OnConnect != nil {
		go f.cfg.Handlers.OnConnect()
	}
	return nil
}

func (f *fakeCloud) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topic)
	return nil
}

func (f *fakeCloud) Publish(topic string, payload []byte, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{
		topic:   topic,
		payload: append([]byte(nil), payload...),
		at:      time.Now(),
	})
	return nil
}

func (f *fakeCloud) Shutdown(context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeCloud) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCloud) deliver(topic string, payload []byte) {
	if f.cfg.Handlers.OnMessage != nil {
		f.cfg.Handlers.OnMessage(topic, payload)
	}
}

func (f *fakeCloud) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// writeFrames returns the recorded function-6 frames.
func (f *fakeCloud) writeFrames() []fakePublish {
	return f.frames(modbus.FuncWriteRegister)
}

// readFrames returns the recorded function-3 poll frames.
func (f *fakeCloud) readFrames() []fakePublish {
	return f.frames(modbus.FuncReadRegisters)
}

func (f *fakeCloud) frames(fn byte) []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakePublish
	for _, p := range f.published {
		if len(p.payload) > 1 && p.payload[1] == fn {
			out = append(out, p)
		}
	}
	return out
}

type cloudHolder struct {
	mu sync.Mutex
	fc *fakeCloud
}

func (h *cloudHolder) get() *fakeCloud {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fc
}

// startTestBridge spins up the full harness. tweaks run after New and
// before Run, so tests can shrink timing constants race-free.
func startTestBridge(t *testing.T, tweaks ...func(*Bridge)) (*Bridge, *cloudHolder, *vendorStub, mqtt.Client) {
	t.Helper()
	brokerAddr := startMochi(t)
	vendor := startVendorStub(t)

	host := brokerAddr[:strings.LastIndex(brokerAddr, ":")]
	var port int
	_, err := fmt.Sscanf(brokerAddr[strings.LastIndex(brokerAddr, ":")+1:], "%d", &port)
	require.NoError(t, err)

	enabled := true
	cfg := &config.Config{
		Accounts: []config.AccountConfig{
			{Email: "john@example.com", Password: "pw", Enabled: &enabled},
		},
		Mosquitto: config.MosquittoConfig{Host: host, Port: port, ClientID: "bridge-under-test"},
		Bridge: config.BridgeConfig{
			StatusPublishInterval: 60,
			DevicePollInterval:    30,
			ReconnectDelayMin:     5,
			ReconnectDelayMax:     60,
			OutputHoldWindow:      35,
		},
		Cache: config.CacheConfig{
			Directory:             t.TempDir(),
			TokenTTLSafetyMargin:  300,
			MaxTokenTTL:           86400,
			DeviceListTTL:         86400,
			DeviceRefreshInterval: 86400,
		},
	}

	b, err := New(cfg, "test")
	require.NoError(t, err)
	b.authEndpoint = vendor.URL
	for _, tweak := range tweaks {
		tweak(b)
	}

	holder := &cloudHolder{}
	b.newCloud = func(c cloud.Config, _ *auth.Engine) cloudConn {
		fc := &fakeCloud{cfg: c}
		holder.mu.Lock()
		holder.fc = fc
		holder.mu.Unlock()
		return fc
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := b.Run(ctx); err != nil {
			t.Logf("bridge run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(10 * time.Second):
			t.Log("bridge did not stop in time")
		}
	})

	waitFor(t, 10*time.Second, func() bool {
		fc := holder.get()
		return fc != nil && fc.Connected() && fc.subCount() == 3
	}, "cloud session never came up")

	// Observer client on the local broker.
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + brokerAddr).
		SetClientID("test-observer")
	observer := mqtt.NewClient(opts)
	token := observer.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { observer.Disconnect(100) })

	return b, holder, vendor, observer
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func subscribeCollect(t *testing.T, c mqtt.Client, filter string) func() []mqtt.Message {
	t.Helper()
	var mu sync.Mutex
	var msgs []mqtt.Message
	token := c.Subscribe(filter, 1, func(_ mqtt.Client, m mqtt.Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	return func() []mqtt.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]mqtt.Message(nil), msgs...)
	}
}

func publishCommand(t *testing.T, c mqtt.Client, mac, payload string) {
	t.Helper()
	token := c.Publish("fossibot/"+mac+"/command", 1, false, payload)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}

func TestUSBTurnOnRoundTrip(t *testing.T) {
	_, holder, _, observer := startTestBridge(t)
	fc := holder.get()

	states := subscribeCollect(t, observer, "fossibot/"+testMAC+"/state")

	publishCommand(t, observer, testMAC, `{"action":"usb_on"}`)

	// The write frame: slave 0x11, fc 6, register 24, value 1, CRC high-first.
	want := []byte{0x11, 0x06, 0x00, 0x18, 0x00, 0x01, 0x9D, 0xCA}
	waitFor(t, 5*time.Second, func() bool {
		for _, p := range fc.writeFrames() {
			if p.topic == testMAC+"/client/request/data" && assert.ObjectsAreEqual(want, p.payload) {
				return true
			}
		}
		return false
	}, "usb_on write frame never reached the cloud")

	// Device answers on /client/04 with register 41 = 640 (USB on).
	resp := modbus.AppendCRC([]byte{0x11, 0x03, 0x00, byte(state.RegOutputBits), 0x00, 0x01, 0x02, 0x80})
	fc.deliver(testMAC+"/device/response/client/04", resp)

	waitFor(t, 5*time.Second, func() bool {
		for _, m := range states() {
			var st state.DeviceState
			if err := sonic.Unmarshal(m.Payload(), &st); err == nil && st.USBOutput {
				return true
			}
		}
		return false
	}, "state with usbOutput=true never published")
}

func TestSettingsCommandWriteAndInvalidDrops(t *testing.T) {
	_, holder, _, observer := startTestBridge(t)
	fc := holder.get()

	publishCommand(t, observer, testMAC, `{"action":"set_max_charging_current","value":15}`)

	waitFor(t, 5*time.Second, func() bool {
		for _, p := range fc.writeFrames() {
			if len(p.payload) == 8 && p.payload[3] == byte(state.RegMaxChargingCurrent) && p.payload[5] == 15 {
				return true
			}
		}
		return false
	}, "settings write never reached the cloud")
	baseline := len(fc.writeFrames())

	// The safety gate and validation drop these without any cloud traffic.
	publishCommand(t, observer, testMAC, `{"action":"set_sleep_time","value":0}`)
	publishCommand(t, observer, testMAC, `{"action":"set_max_charging_current","value":99}`)
	publishCommand(t, observer, "AABBCCDDEEFF", `{"action":"usb_on"}`)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, baseline, len(fc.writeFrames()), "invalid commands must not produce writes")
}

func TestStatusAndAvailabilityPublished(t *testing.T) {
	_, _, _, observer := startTestBridge(t)

	statuses := subscribeCollect(t, observer, statusTopic)
	avail := subscribeCollect(t, observer, "fossibot/"+testMAC+"/availability")

	// Both are retained, so the late subscriber still receives them.
	waitFor(t, 5*time.Second, func() bool {
		return len(statuses()) > 0 && len(avail()) > 0
	}, "retained status/availability not delivered")

	assert.Equal(t, "online", string(avail()[0].Payload()))

	var report bridgeStatus
	require.NoError(t, sonic.Unmarshal(statuses()[0].Payload(), &report))
	assert.Equal(t, "online", report.Status)
	assert.Equal(t, "test", report.Version)
	require.Len(t, report.Accounts, 1)
	assert.Equal(t, "j***n@example.com", report.Accounts[0].Email)
	assert.Equal(t, 1, report.Accounts[0].DeviceCount)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, testMAC, report.Devices[0].ID)
	assert.Equal(t, "F2400", report.Devices[0].Model)
}

func TestPollRequestOnCloudConnect(t *testing.T) {
	_, holder, _, _ := startTestBridge(t)
	fc := holder.get()

	// OnConnect triggers an immediate poll of every device.
	want := modbus.BuildReadRequest(pollReadStart, pollReadCount)
	waitFor(t, 5*time.Second, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		for _, p := range fc.published {
			if p.topic == testMAC+"/client/request/data" && assert.ObjectsAreEqual(want, p.payload) {
				return true
			}
		}
		return false
	}, "initial poll request missing")
}

func TestStalePollHeldAfterCommandResponse(t *testing.T) {
	_, holder, _, observer := startTestBridge(t)
	fc := holder.get()
	states := subscribeCollect(t, observer, "fossibot/"+testMAC+"/state")

	// Command response: USB+AC+DC on (0x0E84 = 3716).
	resp04 := modbus.AppendCRC([]byte{0x11, 0x03, 0x00, byte(state.RegOutputBits), 0x00, 0x01, 0x0E, 0x84})
	fc.deliver(testMAC+"/device/response/client/04", resp04)

	// Stale poll response right after: all off. Must be held.
	respData := modbus.AppendCRC([]byte{0x11, 0x03, 0x00, byte(state.RegOutputBits), 0x00, 0x01, 0x00, 0x00})
	fc.deliver(testMAC+"/device/response/client/data", respData)

	waitFor(t, 5*time.Second, func() bool {
		return len(states()) >= 2
	}, "state updates not published")

	all := states()
	var st state.DeviceState
	require.NoError(t, sonic.Unmarshal(all[len(all)-1].Payload(), &st))
	assert.True(t, st.USBOutput, "poll inside the hold window must not clear outputs")
	assert.True(t, st.ACOutput)
	assert.True(t, st.DCOutput)
}

func TestSettingsCommandsSerializedWithSpacing(t *testing.T) {
	gap := 300 * time.Millisecond
	_, holder, _, observer := startTestBridge(t, func(b *Bridge) {
		b.settingsGap = gap
		b.settingsRefresh = 200 * time.Millisecond
	})
	fc := holder.get()

	// Three settings commands in quick succession; the device silently
	// drops writes arriving faster than the gap, so the bridge must
	// serialize them.
	publishCommand(t, observer, testMAC, `{"action":"set_charging_current","value":8}`)
	publishCommand(t, observer, testMAC, `{"action":"set_discharge_limit","value":25}`)
	publishCommand(t, observer, testMAC, `{"action":"set_ac_charging_limit","value":80}`)

	waitFor(t, 5*time.Second, func() bool {
		return len(fc.writeFrames()) >= 3
	}, "settings writes never drained")

	frames := fc.writeFrames()
	require.Len(t, frames, 3)

	registers := map[byte]bool{}
	for _, p := range frames {
		require.Len(t, p.payload, 8)
		registers[p.payload[3]] = true
	}
	assert.True(t, registers[byte(state.RegMaxChargingCurrent)])
	assert.True(t, registers[byte(state.RegDischargeLowLimit)])
	assert.True(t, registers[byte(state.RegACChargingUpLimit)])

	for i := 1; i < len(frames); i++ {
		assert.GreaterOrEqual(t, frames[i].at.Sub(frames[i-1].at), gap,
			"settings writes must be spaced apart")
	}

	// Each settings write schedules a delayed refresh poll, on top of the
	// initial poll at connect.
	waitFor(t, 5*time.Second, func() bool {
		return len(fc.readFrames()) >= 4
	}, "delayed refresh polls missing")
}

func TestVanishedDeviceStopsCommandRouting(t *testing.T) {
	b, holder, vendor, observer := startTestBridge(t)
	fc := holder.get()

	publishCommand(t, observer, testMAC, `{"action":"usb_on"}`)
	waitFor(t, 5*time.Second, func() bool {
		return len(fc.writeFrames()) == 1
	}, "command for known device never sent")

	// The device disappears from the vendor inventory on the next refresh.
	vendor.setDeviceRows(`[]`)
	b.refreshAllDevices(context.Background())

	publishCommand(t, observer, testMAC, `{"action":"usb_off"}`)
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, fc.writeFrames(), 1, "vanished device must not route commands")
}

func TestConnectedAccountsForHealth(t *testing.T) {
	b, holder, _, _ := startTestBridge(t)
	total, online := b.ConnectedAccounts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, online)

	require.NoError(t, holder.get().Shutdown(context.Background()))
	_, online = b.ConnectedAccounts()
	assert.Equal(t, 0, online)
}
