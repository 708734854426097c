package pushgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

func payload() notification.PushPayload {
	return notification.PushPayload{NotificationID: "n1", Title: "Hi", Tag: "notification-n1", Priority: notification.PriorityUrgent, RequireInteraction: true}
}

func TestSendPushDirect(t *testing.T) {
	var got notification.PushPayload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{}, logx.Nop())
	ok, invalid, err := c.SendPush(context.Background(), notification.SubscriptionEndpoint{ID: "e1", Address: srv.URL}, payload())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, invalid)
	assert.Equal(t, "Hi", got.Title)
	assert.True(t, got.RequireInteraction)
	assert.Equal(t, "high", headers.Get("Urgency"))
	assert.Equal(t, "86400", headers.Get("TTL"))
	assert.LessOrEqual(t, len(headers.Get("Topic")), 32)
}

func TestSendPushGatewayEnvelope(t *testing.T) {
	var env envelope
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&env)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{GatewayURL: srv.URL + "/", AuthToken: "tok"}, logx.Nop())
	ep := notification.SubscriptionEndpoint{ID: "e1", Address: "https://fcm.example/abc", P256dh: "pk", Auth: "as"}
	ok, _, err := c.SendPush(context.Background(), ep, payload())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/v1/send", path)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "https://fcm.example/abc", env.Endpoint)
	assert.Equal(t, "pk", env.Keys.P256dh)
	assert.Equal(t, "n1", env.Payload.NotificationID)
}

func TestSendPushStatusMapping(t *testing.T) {
	tests := []struct {
		code        int
		wantOK      bool
		wantInvalid bool
		wantErr     bool
	}{
		{http.StatusOK, true, false, false},
		{http.StatusAccepted, true, false, false},
		{http.StatusNotFound, false, true, true},
		{http.StatusGone, false, true, true},
		{http.StatusTooManyRequests, false, false, true},
		{http.StatusInternalServerError, false, false, true},
		{http.StatusBadRequest, false, false, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			c := New(Config{}, logx.Nop())
			ok, invalid, err := c.SendPush(context.Background(), notification.SubscriptionEndpoint{ID: "e", Address: srv.URL}, payload())
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantInvalid, invalid)
			assert.Equal(t, tt.wantErr, err != nil)
			if tt.code == http.StatusTooManyRequests {
				var serr *StatusError
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, 3*time.Second, serr.RetryAfter)
			}
		})
	}
}

func TestSendPushHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok, invalid, err := c.SendPush(ctx, notification.SubscriptionEndpoint{ID: "e", Address: srv.URL}, payload())
	assert.False(t, ok)
	assert.False(t, invalid)
	assert.Error(t, err)
}

func TestUrgencyAndTopic(t *testing.T) {
	assert.Equal(t, "low", Urgency(notification.PriorityLow))
	assert.Equal(t, "normal", Urgency(notification.PriorityMedium))
	assert.Equal(t, "normal", Urgency(""))
	assert.Equal(t, "high", Urgency(notification.PriorityHigh))
	assert.Equal(t, Topic("a"), Topic("a"))
	assert.NotEqual(t, Topic("a"), Topic("b"))
}

func TestSendPushGatewayStatusMapping(t *testing.T) {
	tests := []struct {
		code        int
		wantInvalid bool
	}{
		{http.StatusNotFound, false},
		{http.StatusGone, true},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			c := New(Config{GatewayURL: srv.URL}, logx.Nop())
			ep := notification.SubscriptionEndpoint{ID: "e", Address: "https://fcm.example/abc"}
			ok, invalid, err := c.SendPush(context.Background(), ep, payload())
			assert.False(t, ok)
			assert.Equal(t, tt.wantInvalid, invalid)
			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.code, serr.Code)
		})
	}
}

func TestSendPushBadGatewayURLKeepsEndpoint(t *testing.T) {
	c := New(Config{GatewayURL: "://gateway"}, logx.Nop())
	ep := notification.SubscriptionEndpoint{ID: "e", Address: "https://fcm.example/abc"}
	ok, invalid, err := c.SendPush(context.Background(), ep, payload())
	assert.False(t, ok)
	assert.False(t, invalid)
	assert.Error(t, err)
}

func TestSendPushMissingAddressIsInvalid(t *testing.T) {
	for _, gw := range []string{"", "https://gateway.example"} {
		c := New(Config{GatewayURL: gw}, logx.Nop())
		ok, invalid, err := c.SendPush(context.Background(), notification.SubscriptionEndpoint{ID: "e"}, payload())
		assert.False(t, ok)
		assert.True(t, invalid, "gateway=%q", gw)
		assert.Error(t, err)
	}
}
