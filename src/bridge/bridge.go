// Package bridge wires the vendor cloud sessions to the local MQTT broker:
// binary telemetry in, JSON state out, JSON commands in, register writes
// out. One Bridge serves every configured account.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sandrolain/fossibot-bridge/src/cache"
	"github.com/sandrolain/fossibot-bridge/src/config"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/auth"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/cloud"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/modbus"
	"github.com/sandrolain/fossibot-bridge/src/state"
)

const (
	statusTopic   = "fossibot/bridge/status"
	commandFilter = "fossibot/+/command"

	// commandQuietWindow suppresses polls right after a command so the poll
	// response cannot collide with the in-flight command response.
	commandQuietWindow = 2 * time.Second
	// settingsSpacing is the minimum gap between settings writes to one
	// device; faster writes are silently dropped by the firmware.
	settingsSpacing = 2 * time.Second
	// settingsRefreshDelay schedules a poll after a settings write, which
	// produces no immediate command response.
	settingsRefreshDelay = 5 * time.Second

	pollReadStart = 0
	pollReadCount = 80

	shutdownGrace = 5 * time.Second
)

// cloudConn is the slice of the cloud client the bridge drives. Tests plug
// in a fake.
type cloudConn interface {
	Connect(ctx context.Context) error
	Subscribe(topic string) error
	Publish(topic string, payload []byte, qos byte) error
	Shutdown(ctx context.Context) error
	Connected() bool
}

type cloudFactory func(cfg cloud.Config, engine *auth.Engine) cloudConn

type settingsWrite struct {
	mac   string
	frame []byte
}

type account struct {
	email  string
	engine *auth.Engine
	cloud  cloudConn
	queue  chan settingsWrite

	mu      sync.Mutex
	devices []cache.Device
}

func (a *account) deviceList() []cache.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]cache.Device(nil), a.devices...)
}

// Bridge owns all account sessions, the local broker connection and the
// scheduler timers.
type Bridge struct {
	cfg     *config.Config
	version string
	log     *slog.Logger

	store    *state.Store
	tokens   *cache.TokenCache
	devcache *cache.DeviceCache
	newCloud cloudFactory
	// authEndpoint overrides the vendor API URL; empty selects production.
	authEndpoint string

	// settingsGap and settingsRefresh default to the firmware constants;
	// tests shrink them.
	settingsGap     time.Duration
	settingsRefresh time.Duration

	local     mqtt.Client
	startedAt time.Time

	mu          sync.Mutex
	accounts    []*account
	deviceOwner map[string]*account
	lastSeen    map[string]time.Time
	lastCommand map[string]time.Time
}

// New builds a Bridge from configuration. The cache directory is created
// on demand.
func New(cfg *config.Config, version string) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	store, err := cache.NewFileStore(cfg.Cache.Directory)
	if err != nil {
		return nil, fmt.Errorf("cache store init: %w", err)
	}

	b := &Bridge{
		cfg:         cfg,
		version:     version,
		log:         slog.Default().With("context", "Bridge"),
		store:       state.NewStore(cfg.Bridge.OutputHold()),
		tokens:      cache.NewTokenCache(store, cfg.Cache.SafetyMargin(), cfg.Cache.TokenTTL()),
		devcache:    cache.NewDeviceCache(store, cfg.Cache.DeviceTTL()),
		deviceOwner: map[string]*account{},
		lastSeen:    map[string]time.Time{},
		lastCommand: map[string]time.Time{},

		settingsGap:     settingsSpacing,
		settingsRefresh: settingsRefreshDelay,
	}
	b.newCloud = func(c cloud.Config, engine *auth.Engine) cloudConn {
		return cloud.NewClient(c, engine)
	}
	return b, nil
}

// Run connects everything and blocks until ctx is cancelled, then performs
// the ordered shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	b.startedAt = time.Now()

	if err := b.connectLocal(); err != nil {
		return err
	}

	for _, acct := range b.cfg.Accounts {
		if !acct.IsEnabled() {
			b.log.Info("account disabled, skipping", "account", auth.MaskEmail(acct.Email))
			continue
		}
		b.startAccount(ctx, acct.Email, acct.Password)
	}

	b.publishStatus()
	go b.runTimers(ctx)

	<-ctx.Done()
	b.shutdown()
	return nil
}

func (b *Bridge) connectLocal() error {
	m := b.cfg.Mosquitto
	tlsCfg, err := m.TLS.BuildClientConfig()
	if err != nil {
		return fmt.Errorf("broker TLS: %w", err)
	}
	scheme := "tcp"
	if tlsCfg != nil {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)).
		SetClientID(m.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetBinaryWill(statusTopic, []byte(`{"status":"offline"}`), 1, true)
	if m.Username != "" {
		opts.SetUsername(m.Username).SetPassword(m.Password)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// Runs on every (re)connect, restoring the command subscription.
		if token := c.Subscribe(commandFilter, 1, b.handleLocalCommand); token.Wait() && token.Error() != nil {
			b.log.Error("command subscription failed", "error", token.Error())
		}
	})

	b.local = mqtt.NewClient(opts)
	if token := b.local.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("broker connect: %w", token.Error())
	}
	b.log.Info("local broker connected", "host", m.Host, "port", m.Port)
	return nil
}

// startAccount sets up one cloud session. Failures are logged and never
// block the other accounts.
func (b *Bridge) startAccount(ctx context.Context, email, password string) {
	engine := auth.New(email, password, b.authEndpoint, b.tokens, b.devcache)
	acct := &account{
		email:  email,
		engine: engine,
		queue:  make(chan settingsWrite, 32),
	}

	tlsCfg, err := b.cfg.Bridge.CloudTLS.BuildClientConfig()
	if err != nil {
		b.log.Error("cloud TLS config invalid, using defaults", "error", err)
	}
	acct.cloud = b.newCloud(cloud.Config{
		Email:        email,
		TLS:          tlsCfg,
		ReconnectMin: b.cfg.Bridge.ReconnectMin(),
		ReconnectMax: b.cfg.Bridge.ReconnectMax(),
		Handlers: cloud.Handlers{
			OnConnect:    func() { b.onCloudConnect(acct) },
			OnMessage:    func(topic string, payload []byte) { b.handleCloudMessage(acct, topic, payload) },
			OnDisconnect: func(err error) { b.onCloudDisconnect(acct, err) },
			OnError: func(err error) {
				b.log.Error("cloud session error", "account", auth.MaskEmail(email), "error", err)
			},
		},
	}, engine)

	b.mu.Lock()
	b.accounts = append(b.accounts, acct)
	b.mu.Unlock()

	b.refreshAccountDevices(ctx, acct)

	if err := acct.cloud.Connect(ctx); err != nil {
		b.log.Error("cloud connect failed", "account", auth.MaskEmail(email), "error", err)
	}
	go b.settingsLoop(ctx, acct)
}

// refreshAccountDevices runs discovery and updates subscriptions and
// ownership for the account's devices.
func (b *Bridge) refreshAccountDevices(ctx context.Context, acct *account) {
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	devices, err := acct.engine.Devices(dctx)
	if err != nil {
		b.log.Error("device discovery failed", "account", auth.MaskEmail(acct.email), "error", err)
		return
	}

	acct.mu.Lock()
	acct.devices = devices
	acct.mu.Unlock()

	// Rebuild this account's routing entries so a device removed from the
	// inventory stops accepting commands.
	b.mu.Lock()
	for mac, owner := range b.deviceOwner {
		if owner == acct {
			delete(b.deviceOwner, mac)
		}
	}
	for _, d := range devices {
		b.deviceOwner[d.MAC] = acct
	}
	b.mu.Unlock()

	for _, d := range devices {
		b.store.Track(d.MAC, d.Model)
		for _, topic := range deviceTopics(d.MAC) {
			if err := acct.cloud.Subscribe(topic); err != nil {
				b.log.Warn("cloud subscribe failed", "topic", topic, "error", err)
			}
		}
	}
	b.log.Info("devices discovered", "account", auth.MaskEmail(acct.email), "count", len(devices))
}

func deviceTopics(mac string) []string {
	return []string{
		mac + "/device/response/client/04",
		mac + "/device/response/client/data",
		mac + "/device/response/state",
	}
}

func (b *Bridge) onCloudConnect(acct *account) {
	b.log.Info("cloud connected", "account", auth.MaskEmail(acct.email))
	for _, d := range acct.deviceList() {
		b.publishLocal("fossibot/"+d.MAC+"/availability", []byte("online"), true)
		b.pollDevice(acct, d.MAC)
	}
}

func (b *Bridge) onCloudDisconnect(acct *account, err error) {
	b.log.Warn("cloud disconnected", "account", auth.MaskEmail(acct.email), "error", err)
	for _, d := range acct.deviceList() {
		b.publishLocal("fossibot/"+d.MAC+"/availability", []byte("offline"), true)
	}
}

// handleCloudMessage decodes a device response frame and republishes the
// projected state.
func (b *Bridge) handleCloudMessage(acct *account, topic string, payload []byte) {
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) != 2 {
		return
	}
	mac := parts[0]

	var source state.Source
	switch parts[1] {
	case "device/response/client/04":
		source = state.SourceCommand
	case "device/response/client/data":
		source = state.SourcePoll
	case "device/response/state":
		b.log.Debug("device state event", "mac", mac)
		return
	default:
		b.log.Debug("unhandled cloud topic", "topic", topic)
		return
	}

	resp, err := modbus.ParseResponse(payload)
	if err != nil {
		// The connection stays healthy; only this frame is dropped.
		b.log.Warn("dropping malformed device frame", "mac", mac, "error", err)
		return
	}

	b.mu.Lock()
	b.lastSeen[mac] = time.Now()
	b.mu.Unlock()

	b.store.Apply(mac, resp.Start, resp.Values, source)
	b.publishState(mac)
}

func (b *Bridge) publishState(mac string) {
	data, err := sonic.Marshal(b.store.Project(mac))
	if err != nil {
		b.log.Error("state projection failed", "mac", mac, "error", err)
		return
	}
	b.publishLocal("fossibot/"+mac+"/state", data, true)
}

// handleLocalCommand is the paho callback for fossibot/+/command.
func (b *Bridge) handleLocalCommand(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		return
	}
	mac := parts[1]

	b.mu.Lock()
	acct := b.deviceOwner[mac]
	b.mu.Unlock()
	if acct == nil {
		b.log.Warn("command for unknown device", "mac", mac)
		return
	}

	cmd, err := parseCommand(msg.Payload())
	if err != nil {
		b.log.Warn("dropping invalid command", "mac", mac, "error", err)
		return
	}

	switch cmd.Kind {
	case kindOutput:
		frame := modbus.BuildWriteRequest(uint16(cmd.Register), cmd.Value)
		b.sendFrame(acct, mac, frame)
		b.log.Info("output command sent", "mac", mac, "action", cmd.Action)
	case kindRefresh:
		b.pollDevice(acct, mac)
	case kindSettings:
		frame := modbus.BuildWriteRequest(uint16(cmd.Register), cmd.Value)
		select {
		case acct.queue <- settingsWrite{mac: mac, frame: frame}:
		default:
			b.log.Warn("settings queue full, dropping command", "mac", mac, "action", cmd.Action)
		}
	}
}

// settingsLoop serializes settings writes with the per-device spacing the
// firmware requires, and schedules the delayed refresh poll.
func (b *Bridge) settingsLoop(ctx context.Context, acct *account) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-acct.queue:
			b.sendFrame(acct, w.mac, w.frame)
			b.log.Info("settings command sent", "mac", w.mac)
			time.AfterFunc(b.settingsRefresh, func() {
				b.pollDevice(acct, w.mac)
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.settingsGap):
			}
		}
	}
}

func (b *Bridge) sendFrame(acct *account, mac string, frame []byte) {
	if err := acct.cloud.Publish(mac+"/client/request/data", frame, 1); err != nil {
		b.log.Warn("cloud publish failed", "mac", mac, "error", err)
		return
	}
	b.mu.Lock()
	b.lastCommand[mac] = time.Now()
	b.mu.Unlock()
}

func (b *Bridge) pollDevice(acct *account, mac string) {
	if !acct.cloud.Connected() {
		return
	}
	req := modbus.BuildReadRequest(pollReadStart, pollReadCount)
	if err := acct.cloud.Publish(mac+"/client/request/data", req, 1); err != nil {
		b.log.Debug("poll publish failed", "mac", mac, "error", err)
	}
}

// runTimers drives the poll, status and device-refresh schedules.
func (b *Bridge) runTimers(ctx context.Context) {
	poll := time.NewTicker(b.cfg.Bridge.PollInterval())
	status := time.NewTicker(b.cfg.Bridge.StatusInterval())
	refresh := time.NewTicker(b.cfg.Cache.DeviceRefresh())
	defer poll.Stop()
	defer status.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			b.pollAll()
		case <-status.C:
			b.publishStatus()
		case <-refresh.C:
			b.refreshAllDevices(ctx)
		}
	}
}

func (b *Bridge) pollAll() {
	b.mu.Lock()
	accounts := append([]*account(nil), b.accounts...)
	b.mu.Unlock()

	for _, acct := range accounts {
		for _, d := range acct.deviceList() {
			b.mu.Lock()
			recentCommand := time.Since(b.lastCommand[d.MAC]) < commandQuietWindow && !b.lastCommand[d.MAC].IsZero()
			b.mu.Unlock()
			if recentCommand {
				continue
			}
			b.pollDevice(acct, d.MAC)
		}
	}
}

func (b *Bridge) refreshAllDevices(ctx context.Context) {
	b.mu.Lock()
	accounts := append([]*account(nil), b.accounts...)
	b.mu.Unlock()

	for _, acct := range accounts {
		acct.engine.InvalidateDevices()
		b.refreshAccountDevices(ctx, acct)
	}
}

type accountStatus struct {
	Email       string `json:"email"`
	Connected   bool   `json:"connected"`
	DeviceCount int    `json:"device_count"`
}

type deviceStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	CloudConnected bool   `json:"cloudConnected"`
	LastSeen       string `json:"lastSeen"`
}

type bridgeStatus struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Accounts      []accountStatus `json:"accounts"`
	Devices       []deviceStatus  `json:"devices"`
	Timestamp     string          `json:"timestamp"`
}

func (b *Bridge) statusReport() bridgeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := bridgeStatus{
		Status:        "online",
		Version:       b.version,
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
		Accounts:      []accountStatus{},
		Devices:       []deviceStatus{},
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, acct := range b.accounts {
		connected := acct.cloud.Connected()
		devices := acct.deviceList()
		report.Accounts = append(report.Accounts, accountStatus{
			Email:       auth.MaskEmail(acct.email),
			Connected:   connected,
			DeviceCount: len(devices),
		})
		for _, d := range devices {
			ds := deviceStatus{
				ID:             d.MAC,
				Name:           d.Name,
				Model:          d.Model,
				CloudConnected: connected,
			}
			if seen, ok := b.lastSeen[d.MAC]; ok {
				ds.LastSeen = seen.UTC().Format(time.RFC3339)
			}
			report.Devices = append(report.Devices, ds)
		}
	}
	return report
}

func (b *Bridge) publishStatus() {
	data, err := sonic.Marshal(b.statusReport())
	if err != nil {
		b.log.Error("status marshal failed", "error", err)
		return
	}
	b.publishLocal(statusTopic, data, true)
}

// ConnectedAccounts reports total and cloud-connected account counts, for
// the health endpoint.
func (b *Bridge) ConnectedAccounts() (total, online int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, acct := range b.accounts {
		total++
		if acct.cloud.Connected() {
			online++
		}
	}
	return total, online
}

func (b *Bridge) publishLocal(topic string, payload []byte, retained bool) {
	if b.local == nil || !b.local.IsConnectionOpen() {
		return
	}
	// Fire and forget: the broker's retained messages are the durable
	// record, a lost publish is replaced by the next timer tick.
	b.local.Publish(topic, 1, retained, payload)
}

// shutdown performs the ordered teardown: retained offline markers first,
// then the cloud sessions, then the broker connection.
func (b *Bridge) shutdown() {
	b.log.Info("shutting down")

	b.mu.Lock()
	accounts := append([]*account(nil), b.accounts...)
	b.mu.Unlock()

	if b.local != nil && b.local.IsConnectionOpen() {
		token := b.local.Publish(statusTopic, 1, true, []byte(`{"status":"offline"}`))
		token.WaitTimeout(time.Second)
		for _, acct := range accounts {
			for _, d := range acct.deviceList() {
				b.local.Publish("fossibot/"+d.MAC+"/availability", 1, true, []byte("offline"))
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, acct := range accounts {
		if err := acct.cloud.Shutdown(ctx); err != nil {
			b.log.Warn("cloud shutdown", "account", auth.MaskEmail(acct.email), "error", err)
		}
	}

	if b.local != nil {
		b.local.Disconnect(1000)
	}
}
