package pushgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

type Config struct {
	// GatewayURL switches to gateway mode when set.
	GatewayURL string
	AuthToken  string
	// RatePerSec caps outgoing calls across all batches. 0 disables limiting.
	RatePerSec int
	// Timeout is the HTTP client ceiling; callers usually pass a shorter deadline.
	Timeout   time.Duration
	TTL       time.Duration
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = "fanoutd/1"
	}
	c.GatewayURL = strings.TrimRight(strings.TrimSpace(c.GatewayURL), "/")
	return c
}

// StatusError is a non-2xx answer from the push service.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "push service returned " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

type Client struct {
	http *http.Client
	log  logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Client {
	c := &Client{log: log.With(logx.Component("pushgw"))}
	c.Apply(cfg)
	return c
}

// Apply swaps config and rate limit at runtime.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		// Burst = rate per sec so short spikes don't block too hard.
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = lim
	c.http = &http.Client{Timeout: cfg.Timeout}
	c.mu.Unlock()
}

func (c *Client) snapshot() (Config, *rate.Limiter, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.limiter, c.http
}

type envelope struct {
	Endpoint string                   `json:"endpoint"`
	Keys     envelopeKeys             `json:"keys"`
	TTL      int                      `json:"ttl"`
	Urgency  string                   `json:"urgency"`
	Topic    string                   `json:"topic"`
	Payload  notification.PushPayload `json:"payload"`
}

type envelopeKeys struct {
	P256dh string `json:"p256dh,omitempty"`
	Auth   string `json:"auth,omitempty"`
}

// SendPush delivers p to ep. 2xx is ok. Talking to the endpoint directly,
// 404 and 410 mean the endpoint is gone. Through a gateway only 410 does: a
// 404 there is the gateway's own route, not the subscription. Anything else,
// including a rate-limit wait cut short by ctx, is an error.
func (c *Client) SendPush(ctx context.Context, ep notification.SubscriptionEndpoint, p notification.PushPayload) (bool, bool, error) {
	cfg, lim, hc := c.snapshot()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return false, false, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	urgency := Urgency(p.Priority)
	topic := Topic(p.Tag)
	if strings.TrimSpace(ep.Address) == "" {
		return false, true, errors.New("endpoint has no address")
	}

	gateway := cfg.GatewayURL != ""
	var (
		target string
		body   []byte
		err    error
	)
	if gateway {
		target = cfg.GatewayURL + "/v1/send"
		body, err = json.Marshal(envelope{
			Endpoint: ep.Address,
			Keys:     envelopeKeys{P256dh: ep.P256dh, Auth: ep.Auth},
			TTL:      int(cfg.TTL.Seconds()),
			Urgency:  urgency,
			Topic:    topic,
			Payload:  p,
		})
	} else {
		target = ep.Address
		body, err = json.Marshal(p)
	}
	if err != nil {
		return false, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		// A malformed endpoint address will never work; a malformed gateway
		// URL is a config problem.
		return false, !gateway, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("TTL", strconv.Itoa(int(cfg.TTL.Seconds())))
	req.Header.Set("Urgency", urgency)
	req.Header.Set("Topic", topic)
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, false, nil
	case resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusNotFound && !gateway:
		return false, true, &StatusError{Code: resp.StatusCode}
	default:
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra > 0 {
			serr.RetryAfter = time.Duration(ra) * time.Second
		}
		return false, false, serr
	}
}

// Urgency maps notification priority onto the Web Push Urgency header.
func Urgency(p notification.Priority) string {
	switch p {
	case notification.PriorityUrgent, notification.PriorityHigh:
		return "high"
	case notification.PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Topic derives a header-safe collapse key (at most 32 url-safe chars) from tag.
func Topic(tag string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	return strconv.FormatUint(h.Sum64(), 16)
}
