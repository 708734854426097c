// Package relay forwards notification lifecycle events from the in-process
// bus to Redis pub/sub so other services can react to completions without
// polling the record store.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"fanout/internal/eventbus"
	logx "fanout/pkg/logx"
)

const (
	DefaultPrefix       = "fanout"
	DefaultEventPrefix  = "notification."
	defaultBuffer       = 256
	defaultPublishLimit = 3 * time.Second
)

// Publisher is the part of a Redis client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	Addr     string
	Password string
	DB       int
	// ChannelPrefix is prepended to the event type: "<prefix>:<type>".
	ChannelPrefix string
	// PublishTimeout bounds a single PUBLISH.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.ChannelPrefix = strings.TrimRight(strings.TrimSpace(c.ChannelPrefix), ":")
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = DefaultPrefix
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishLimit
	}
	return c
}

// NewClient opens a go-redis client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Message is the JSON body published for each event.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Channel names the Redis channel for an event type.
func Channel(prefix, eventType string) string {
	return prefix + ":" + eventType
}

// Encode renders an event as a relay message.
func Encode(e eventbus.Event) ([]byte, error) {
	b, err := json.Marshal(Message{Type: e.Type, Time: e.Time.UTC(), Data: e.Data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return b, nil
}

type Relay struct {
	pub Publisher
	bus eventbus.Bus
	cfg Config
	log logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, pub Publisher, bus eventbus.Bus, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{
		pub: pub,
		bus: bus,
		cfg: cfg.withDefaults(),
		log: log.With(logx.Component("relay")),
	}
}

// Stats returns the number of published and failed messages.
func (r *Relay) Stats() (published, failed uint64) {
	return r.published.Load(), r.failed.Load()
}

// Run forwards events until ctx is canceled. Publish failures are logged and
// the event is lost; the bus itself never waits on Redis.
func (r *Relay) Run(ctx context.Context) error {
	ch, unsubscribe := r.bus.Subscribe(defaultBuffer, DefaultEventPrefix)
	defer unsubscribe()

	r.log.Info("relay started", logx.String("prefix", r.cfg.ChannelPrefix))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.forward(ctx, e); err != nil {
				r.failed.Add(1)
				r.log.Warn("relay publish failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			r.published.Add(1)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e eventbus.Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	return r.pub.Publish(pctx, Channel(r.cfg.ChannelPrefix, e.Type), body).Err()
}
