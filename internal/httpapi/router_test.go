package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/fanout"
	"fanout/internal/notification"
	"fanout/internal/storage"
	logx "fanout/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

// storeDispatcher validates and persists like the coordinator but does not fan out.
type storeDispatcher struct {
	store storage.Store
	err   error
}

func (d *storeDispatcher) Dispatch(ctx context.Context, req notification.Request) (notification.Record, error) {
	if err := req.Validate(); err != nil {
		return notification.Record{}, err
	}
	rec, err := d.store.CreateNotificationRecord(ctx, req)
	if err != nil {
		return notification.Record{}, err
	}
	if d.err != nil {
		return rec, d.err
	}
	return rec, nil
}

type apiHarness struct {
	store  storage.Store
	disp   *storeDispatcher
	router *gin.Engine
}

func newHarness(t *testing.T, token string) *apiHarness {
	t.Helper()
	st := storage.NewMemory(storage.Config{})
	t.Cleanup(func() { _ = st.Close() })
	d := &storeDispatcher{store: st}
	r := NewRouter(Deps{
		Dispatcher:    d,
		Records:       st,
		Subscriptions: st,
		Directory:     st,
		Health:        func() any { return map[string]int{"workers": 2} },
		Token:         token,
		Log:           logx.Nop(),
	})
	return &apiHarness{store: st, disp: d, router: r}
}

func (h *apiHarness) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

const validBody = `{"title":"Snow day","body":"No classes","priority":"high","selectors":[{"kind":"all_parents"}],"push_enabled":true}`

func TestCreateNotificationAccepted(t *testing.T) {
	h := newHarness(t, "")

	w := h.do(http.MethodPost, "/v1/notifications", validBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var rec notification.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, notification.StatusProcessing, rec.Status)
	assert.Equal(t, "/v1/notifications/"+rec.ID, w.Header().Get("Location"))

	w = h.do(http.MethodGet, "/v1/notifications/"+rec.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got notification.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Snow day", got.Request.Title)
}

func TestCreateNotificationErrors(t *testing.T) {
	h := newHarness(t, "")

	w := h.do(http.MethodPost, "/v1/notifications", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/v1/notifications", `{"title":"x","selectors":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"selectors"`)

	h.disp.err = fmt.Errorf("%w: queue full", fanout.ErrNotScheduled)
	w = h.do(http.MethodPost, "/v1/notifications", validBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"record"`)
}

func TestGetNotificationNotFound(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/v1/notifications/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/v1/notifications/nope/deliveries", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDeliveriesFiltersByChannel(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	rec, err := h.store.CreateNotificationRecord(ctx, notification.Request{Title: "t", Selectors: []notification.RecipientSelector{{Kind: notification.SelectAllUsers}}})
	require.NoError(t, err)
	require.NoError(t, h.store.AppendDeliveryOutcomes(ctx, []notification.DeliveryOutcome{
		{NotificationID: rec.ID, RecipientID: "u1", Channel: notification.ChannelInApp, Status: notification.OutcomeSent},
		{NotificationID: rec.ID, RecipientID: "u1", Channel: notification.ChannelPush, Status: notification.OutcomeFailed, Error: "gone"},
	}))

	w := h.do(http.MethodGet, "/v1/notifications/"+rec.ID+"/deliveries?channel=push", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Deliveries []notification.DeliveryOutcome `json:"deliveries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Deliveries, 1)
	assert.Equal(t, notification.OutcomeFailed, body.Deliveries[0].Status)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	w := h.do(http.MethodPost, "/v1/subscriptions", `{"recipient_id":"u1","endpoint":"https://push.example/abc","keys":{"p256dh":"k","auth":"a"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ep notification.SubscriptionEndpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ep))
	assert.True(t, ep.Active)

	eps, err := h.store.GetActiveEndpoints(ctx, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, eps, 1)

	w = h.do(http.MethodDelete, "/v1/subscriptions/u1/"+ep.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	eps, err = h.store.GetActiveEndpoints(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, eps)

	w = h.do(http.MethodDelete, "/v1/subscriptions/u2/"+ep.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/v1/subscriptions", `{"recipient_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDirectoryRoutes(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	w := h.do(http.MethodPut, "/v1/recipients/p1", `{"role":"parent","name":"Ana"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = h.do(http.MethodPut, "/v1/groups/class-3b/members/p1", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	members, err := h.store.ListGroupMembers(ctx, "class-3b")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, notification.RoleParent, members[0].Role)
}

func TestBearerAuthAndHealth(t *testing.T) {
	h := newHarness(t, "s3cret")

	w := h.do(http.MethodGet, "/v1/notifications/x", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/v1/notifications/x", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workers":2`)
}

func TestFailMapsUnknownErrorsTo500(t *testing.T) {
	h := newHarness(t, "")
	h.disp.err = errors.New("disk on fire")
	w := h.do(http.MethodPost, "/v1/notifications", validBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
