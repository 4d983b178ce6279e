// Package telemetry exports server activity: MQTT publishing of status
// and session events, and Prometheus metrics for the transport.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/events"
	"github.com/volley-project/volley/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus   = "server/status"
	TopicSessions = "server/sessions"
	TopicLevel    = "server/level"
	TopicAdmin    = "admin"
)

// StatusFunc returns the payload of a periodic status report.
type StatusFunc func() interface{}

// MQTTHandler publishes session events and periodic status reports to an
// MQTT broker.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.TelemetryConfig
	eventBus *events.EventBus
	client   mqtt.Client
	now      func() time.Time

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the broker in cfg. It does not
// connect until Start.
func NewMQTTHandler(cfg config.TelemetryConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"os":          sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": version,
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("volley-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	return newHandler(cfg, eventBus, mqtt.NewClient(opts), metadata), nil
}

func newHandler(cfg config.TelemetryConfig, eventBus *events.EventBus, client mqtt.Client, metadata map[string]interface{}) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		now:      time.Now,
		metadata: metadata,
	}
}

// Topic returns the full topic for suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// Start connects to the broker, subscribes to bus events and publishes
// status every configured interval until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context, status StatusFunc) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	interval := h.cfg.Interval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			if status != nil {
				h.PublishStatus(status())
			}
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventPeerConnected, "mqtt.peerConnected", h.onSession)
	h.eventBus.Subscribe(events.EventPeerDisconnected, "mqtt.peerDisconnected", h.onSession)
	h.eventBus.Subscribe(events.EventLevelLoaded, "mqtt.levelLoaded", h.onLevelLoaded)
}

// PublishStatus publishes a status report.
func (h *MQTTHandler) PublishStatus(payload interface{}) {
	h.publish(h.Topic(TopicStatus), payload)
}

// PublishShutdown sends a shutdown message to the broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(TopicAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}

// publish sends a JSON message with QoS 1. It is a no-op while
// disconnected.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onSession(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SessionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}

	body := map[string]interface{}{
		"event":      string(event.Type),
		"session_id": p.SessionID,
		"peer":       p.Peer,
	}
	if p.PlayerID != 0 {
		body["player_id"] = p.PlayerID
	}
	if p.Stats != nil {
		body["stats"] = p.Stats
	}
	h.publish(h.Topic(TopicSessions), body)
	return nil
}

func (h *MQTTHandler) onLevelLoaded(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.LevelPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	h.publish(h.Topic(TopicLevel), map[string]interface{}{
		"event": string(event.Type),
		"level": p.Name,
	})
	return nil
}
