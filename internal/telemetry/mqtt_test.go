package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/netplay/internal/config"
	"github.com/energizer-project/netplay/internal/network"
	"github.com/energizer-project/netplay/internal/session"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	Topic   string
	Message map[string]interface{}
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	messages   []published
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectErr == nil
	return doneToken{err: f.connectErr}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var msg map[string]interface{}
	if err := json.Unmarshal(payload.([]byte), &msg); err != nil {
		return doneToken{err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, msg})
	return doneToken{}
}

func (f *fakeClient) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestPublisher(cfg config.MQTTConfig) (*MQTTPublisher, *fakeClient, *fakeClock) {
	fc := &fakeClient{connected: true}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	p := newPublisher(cfg, fc, clock.Now)
	p.metadata["player_id"] = "p1"
	return p, fc, clock
}

func TestNewMQTTPublisherRequiresEnabled(t *testing.T) {
	_, err := NewMQTTPublisher(config.MQTTConfig{Enabled: false, BrokerURL: "localhost"}, "p1")
	assert.Error(t, err)

	_, err = NewMQTTPublisher(config.MQTTConfig{Enabled: true}, "p1")
	assert.Error(t, err)

	p, err := NewMQTTPublisher(config.MQTTConfig{Enabled: true, BrokerURL: "localhost", Port: 1883}, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.metadata["player_id"])
}

func TestStateChangedMessage(t *testing.T) {
	p, fc, _ := newTestPublisher(config.MQTTConfig{TopicPrefix: "/lan/"})

	p.StateChanged(session.StateLobby, session.StateTransitioning)

	msgs := fc.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lan/session/state", msgs[0].Topic)
	assert.Equal(t, "p1", msgs[0].Message["player_id"])
	assert.Equal(t, "2024-05-01T12:00:00Z", msgs[0].Message["timestamp"])
	assert.Equal(t, map[string]interface{}{"from": "lobby", "to": "transitioning"}, msgs[0].Message["payload"])
}

func TestStatsAreThrottled(t *testing.T) {
	p, fc, clock := newTestPublisher(config.MQTTConfig{StatsIntervalMS: 1000})
	stats := network.NetworkStats{Delay: 2, PingMS: 40}

	p.StatsUpdated(stats)
	clock.t = clock.t.Add(500 * time.Millisecond)
	p.StatsUpdated(stats)
	assert.Len(t, fc.all(), 1)

	clock.t = clock.t.Add(500 * time.Millisecond)
	p.StatsUpdated(stats)
	msgs := fc.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "netplay/session/stats", msgs[1].Topic)
	payload := msgs[1].Message["payload"].(map[string]interface{})
	assert.EqualValues(t, 40, payload["ping_ms"])
}

func TestSessionLifecycleMessages(t *testing.T) {
	p, fc, _ := newTestPublisher(config.MQTTConfig{})
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := session.Record{
		Target: session.Target{
			Path:         session.PathLAN,
			PeerName:     "bob",
			PeerID:       "200",
			Remote:       netip.MustParseAddrPort("192.168.1.5:7000"),
			PlayerNumber: 1,
		},
		StartedAt: start,
	}

	p.SessionStarted(rec)
	rec.EndedAt = start.Add(90 * time.Second)
	rec.ReachedRunning = true
	rec.Outcome = session.OutcomeCompleted
	p.SessionEnded(rec)

	msgs := fc.all()
	require.Len(t, msgs, 2)
	started := msgs[0].Message["payload"].(map[string]interface{})
	assert.Equal(t, "session_started", started["event"])
	sess := started["session"].(map[string]interface{})
	assert.Equal(t, "lan", sess["path"])
	assert.Equal(t, "192.168.1.5:7000", sess["remote"])

	ended := msgs[1].Message["payload"].(map[string]interface{})
	assert.Equal(t, "session_ended", ended["event"])
	assert.EqualValues(t, 90000, ended["duration_ms"])
	assert.Equal(t, "completed", ended["session"].(map[string]interface{})["outcome"])
}

func TestNothingPublishedWhileDisconnected(t *testing.T) {
	p, fc, _ := newTestPublisher(config.MQTTConfig{})
	fc.connected = false

	p.StateChanged(session.StateIdle, session.StateLobby)
	p.PublishShutdown()
	assert.Empty(t, fc.all())
}

func TestStartConnectFailure(t *testing.T) {
	p, fc, _ := newTestPublisher(config.MQTTConfig{})
	fc.connected = false
	fc.connectErr = errors.New("connection refused")

	assert.Error(t, p.Start(context.Background()))
}
