package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/events"
	"github.com/volley-project/volley/internal/netgame"
	"github.com/volley-project/volley/internal/network"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic   string
	payload map[string]interface{}
}

// fakeClient records publishes. Methods the handler never calls are left
// to the embedded nil interface.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	disconnected bool
	messages     []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, payload: body})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func testTelemetryConfig() config.TelemetryConfig {
	cfg := config.DefaultConfig().Telemetry
	cfg.Enabled = true
	cfg.IntervalSec = 1
	return cfg
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig().Telemetry, events.NewEventBus(), "test")
	assert.Error(t, err)
}

func TestPublishSkippedWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	h := newHandler(testTelemetryConfig(), events.NewEventBus(), client, nil)

	h.PublishStatus(map[string]int{"players": 1})
	assert.Empty(t, client.published())
}

func TestTopics(t *testing.T) {
	cfg := testTelemetryConfig()
	h := newHandler(cfg, events.NewEventBus(), &fakeClient{}, nil)
	assert.Equal(t, "volley/server/status", h.Topic(TopicStatus))

	cfg.TopicPrefix = ""
	h = newHandler(cfg, events.NewEventBus(), &fakeClient{}, nil)
	assert.Equal(t, "admin", h.Topic(TopicAdmin))
}

func TestStartPublishesEventsAndShutdown(t *testing.T) {
	client := &fakeClient{}
	bus := events.NewEventBus()
	h := newHandler(testTelemetryConfig(), bus, client, map[string]interface{}{"hostname": "box"})
	h.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx, nil) }()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventLevelLoaded) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventPeerConnected,
		Payload: events.SessionPayload{SessionID: "s1", Peer: "10.0.0.1:4000", PlayerID: 5},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventPeerDisconnected,
		Payload: events.SessionPayload{SessionID: "s1", Peer: "10.0.0.1:4000", Stats: &network.Stats{RTT: 30}},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventLevelLoaded,
		Payload: events.LevelPayload{Name: "arena"},
	}))

	cancel()
	require.NoError(t, <-done)

	msgs := client.published()
	require.Len(t, msgs, 4)

	assert.Equal(t, "volley/server/sessions", msgs[0].topic)
	assert.Equal(t, "box", msgs[0].payload["hostname"])
	assert.Equal(t, "2024-01-02T03:04:05Z", msgs[0].payload["timestamp"])
	first := msgs[0].payload["payload"].(map[string]interface{})
	assert.Equal(t, "peer_connected", first["event"])
	assert.Equal(t, "s1", first["session_id"])
	assert.EqualValues(t, 5, first["player_id"])

	second := msgs[1].payload["payload"].(map[string]interface{})
	assert.Equal(t, "peer_disconnected", second["event"])
	assert.Contains(t, second, "stats")

	assert.Equal(t, "volley/server/level", msgs[2].topic)
	assert.Equal(t, "arena", msgs[2].payload["payload"].(map[string]interface{})["level"])

	assert.Equal(t, "volley/admin", msgs[3].topic)
	assert.True(t, client.disconnected)
}

func TestSessionHandlerRejectsWrongPayload(t *testing.T) {
	h := newHandler(testTelemetryConfig(), events.NewEventBus(), &fakeClient{}, nil)
	err := h.onSession(context.Background(), events.Event{Type: events.EventPeerConnected, Payload: "nope"})
	assert.Error(t, err)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	var _ network.Observer = m

	m.PacketSent(100)
	m.PacketSent(50)
	m.PacketReceived(30)
	m.PacketLost()
	m.PacketDropped("version")
	m.PacketDropped("version")
	m.MessageDropped("decode")
	m.RTT(42)

	assert.Equal(t, 2.0, counterValue(t, m.packetsSent))
	assert.Equal(t, 150.0, counterValue(t, m.bytesSent))
	assert.Equal(t, 30.0, counterValue(t, m.bytesReceived))
	assert.Equal(t, 1.0, counterValue(t, m.packetsLost))
	assert.Equal(t, 2.0, counterValue(t, m.packetsDropped.WithLabelValues("version")))
	assert.Equal(t, 1.0, counterValue(t, m.messagesDropped.WithLabelValues("decode")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["volley_net_rtt_milliseconds"])
	assert.True(t, names["volley_net_packets_sent_total"])
}

func TestMetricsObserveServer(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveServer(netgame.Status{Players: 3, DynamicEntities: 7, UpdatesPerSecond: 99.5, NetPerSecond: 30}, 3)

	assert.Equal(t, 3.0, gaugeValue(t, m.peers))
	assert.Equal(t, 3.0, gaugeValue(t, m.players))
	assert.Equal(t, 7.0, gaugeValue(t, m.dynamicEntities))
	assert.Equal(t, 99.5, gaugeValue(t, m.updateRate))
}
