// Package telemetry publishes session telemetry to an MQTT broker: state
// transitions, session start and end, and throttled network stats.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/netplay/internal/config"
	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/session"
	"github.com/energizer-project/netplay/internal/util"
)

// Topic suffixes, published under the configured prefix.
const (
	TopicStatus  = "status"
	TopicState   = "session/state"
	TopicSession = "session/lifecycle"
	TopicStats   = "session/stats"
)

const defaultStatsInterval = 5 * time.Second

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher forwards session lifecycle and stats to MQTT. It implements
// session.Observer and session.Recorder. Publishing never blocks the caller.
type MQTTPublisher struct {
	mu sync.Mutex

	cfg           config.MQTTConfig
	client        client
	prefix        string
	statsInterval time.Duration
	lastStats     time.Time
	now           func() time.Time
	logger        zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTPublisher creates a publisher for the configured broker. playerID
// identifies this client in every message.
func NewMQTTPublisher(cfg config.MQTTConfig, playerID string) (*MQTTPublisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is empty")
	}

	sysInfo := util.GetSystemInfo()
	logger := util.ComponentLogger("telemetry")

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("netplay-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	p := newPublisher(cfg, mqtt.NewClient(opts), time.Now)
	p.logger = logger
	p.metadata = map[string]interface{}{
		"player_id":    playerID,
		"hostname":     sysInfo.Hostname,
		"platform":     sysInfo.Platform,
		"os":           sysInfo.OS,
		"architecture": sysInfo.Architecture,
		"cpu_cores":    sysInfo.CPUCores,
		"app_version":  util.Version,
	}
	return p, nil
}

func newPublisher(cfg config.MQTTConfig, c client, now func() time.Time) *MQTTPublisher {
	interval := time.Duration(cfg.StatsIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "netplay"
	}
	return &MQTTPublisher{
		cfg:           cfg,
		client:        c,
		prefix:        prefix,
		statsInterval: interval,
		now:           now,
		logger:        util.ComponentLogger("telemetry"),
		metadata:      map[string]interface{}{},
	}
}

// Start connects to the broker and holds the connection until ctx is done.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	p.logger.Info().
		Str("broker", p.cfg.BrokerURL).
		Int("port", p.cfg.Port).
		Msg("connecting to MQTT broker")

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}
	p.publish(TopicStatus, map[string]interface{}{"event": "online"})

	<-ctx.Done()

	p.PublishShutdown()
	p.client.Disconnect(250)
	p.logger.Info().Msg("MQTT disconnected")
	return nil
}

// StateChanged publishes a lifecycle transition.
func (p *MQTTPublisher) StateChanged(from, to session.State) {
	p.publish(TopicState, map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// StatsUpdated publishes network stats at most once per stats interval.
func (p *MQTTPublisher) StatsUpdated(stats network.NetworkStats) {
	p.mu.Lock()
	now := p.now()
	if !p.lastStats.IsZero() && now.Sub(p.lastStats) < p.statsInterval {
		p.mu.Unlock()
		return
	}
	p.lastStats = now
	p.mu.Unlock()

	p.publish(TopicStats, stats)
}

// SessionStarted publishes the established target.
func (p *MQTTPublisher) SessionStarted(rec session.Record) {
	p.publish(TopicSession, map[string]interface{}{
		"event":   "session_started",
		"session": rec,
	})
}

// SessionEnded publishes the session outcome and resets stats throttling.
func (p *MQTTPublisher) SessionEnded(rec session.Record) {
	p.mu.Lock()
	p.lastStats = time.Time{}
	p.mu.Unlock()

	p.publish(TopicSession, map[string]interface{}{
		"event":       "session_ended",
		"session":     rec,
		"duration_ms": rec.EndedAt.Sub(rec.StartedAt).Milliseconds(),
	})
}

// PublishShutdown announces that this client is going away.
func (p *MQTTPublisher) PublishShutdown() {
	p.publish(TopicStatus, map[string]interface{}{"event": "shutdown"})
}

func (p *MQTTPublisher) topic(name string) string {
	return p.prefix + "/" + name
}

// publish sends a JSON message with QoS 1. Delivery failures are logged
// from a separate goroutine.
func (p *MQTTPublisher) publish(name string, payload interface{}) {
	if !p.client.IsConnected() {
		return
	}

	topic := p.topic(name)
	data, err := json.Marshal(p.buildMessage(payload))
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := p.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the payload.
func (p *MQTTPublisher) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(p.metadata)+2)
	for k, v := range p.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = p.now().UTC().Format(time.RFC3339)
	return msg
}
