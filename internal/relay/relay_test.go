package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/eventbus"
	logx "fanout/pkg/logx"
)

type published struct {
	channel string
	body    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
	got  chan struct{}
}

func newFakePublisher() *fakePublisher { return &fakePublisher{got: make(chan struct{}, 16)} }

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	f.mu.Lock()
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		f.msgs = append(f.msgs, published{channel: channel, body: message.([]byte)})
		cmd.SetVal(1)
	}
	f.mu.Unlock()
	select {
	case f.got <- struct{}{}:
	default:
	}
	return cmd
}

func startRelay(t *testing.T, cfg Config, pub Publisher, bus eventbus.Bus) (*Relay, func()) {
	t.Helper()
	r := New(cfg, pub, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	return r, func() {
		cancel()
		<-done
	}
}

func TestRelayForwardsNotificationEvents(t *testing.T) {
	bus := eventbus.New()
	pub := newFakePublisher()
	r, stop := startRelay(t, Config{ChannelPrefix: "school:"}, pub, bus)
	defer stop()

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	// Run subscribes asynchronously; keep publishing until the subscription is live.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "task.started", Time: at})
		bus.Publish(eventbus.Event{Type: "notification.completed", Time: at, Data: map[string]int{"sent": 3}})
		select {
		case <-pub.got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	first := pub.msgs[0]
	pub.mu.Unlock()
	assert.Equal(t, "school:notification.completed", first.channel)

	var msg struct {
		Type string         `json:"type"`
		Time time.Time      `json:"time"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(first.body, &msg))
	assert.Equal(t, "notification.completed", msg.Type)
	assert.True(t, msg.Time.Equal(at))
	assert.Equal(t, 3, msg.Data["sent"])

	sent, failed := r.Stats()
	assert.GreaterOrEqual(t, sent, uint64(1))
	assert.Zero(t, failed)
}

func TestRelayCountsFailures(t *testing.T) {
	bus := eventbus.New()
	pub := newFakePublisher()
	pub.err = errors.New("connection refused")
	r, stop := startRelay(t, Config{}, pub, bus)
	defer stop()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "notification.accepted", Time: time.Now()})
		_, failed := r.Stats()
		return failed > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelAndDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPrefix, cfg.ChannelPrefix)
	assert.Equal(t, "fanout:notification.accepted", Channel(cfg.ChannelPrefix, "notification.accepted"))

	_, err := Encode(eventbus.Event{Type: "notification.completed", Data: func() {}})
	assert.Error(t, err)
}
