package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fanout/internal/fanout"
	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

type errorBody struct {
	Error  string               `json:"error"`
	Field  string               `json:"field,omitempty"`
	Record *notification.Record `json:"record,omitempty"`
}

// fail maps domain errors to status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	var (
		verr   *notification.ValidationError
		status int
		body   = errorBody{Error: err.Error()}
	)
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Field = verr.Field
	case errors.Is(err, notification.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fanout.ErrNotScheduled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		h.log.Error("request error", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, body)
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.deps.Health != nil {
		body["engine"] = h.deps.Health()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) createNotification(c *gin.Context) {
	var req notification.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}
	rec, err := h.deps.Dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, fanout.ErrNotScheduled) && rec.ID != "" {
			c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error(), Record: &rec})
			return
		}
		h.fail(c, err)
		return
	}
	c.Header("Location", "/v1/notifications/"+rec.ID)
	c.JSON(http.StatusAccepted, rec)
}

func (h *handlers) getNotification(c *gin.Context) {
	rec, err := h.deps.Records.GetNotificationRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) listDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.deps.Records.GetNotificationRecord(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	outcomes, err := h.deps.Records.ListDeliveryOutcomes(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ch := notification.Channel(c.Query("channel")); ch != "" {
		filtered := outcomes[:0]
		for _, o := range outcomes {
			if o.Channel == ch {
				filtered = append(filtered, o)
			}
		}
		outcomes = filtered
	}
	if outcomes == nil {
		outcomes = []notification.DeliveryOutcome{}
	}
	c.JSON(http.StatusOK, gin.H{"notification_id": id, "deliveries": outcomes})
}

type subscriptionRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Endpoint    string `json:"endpoint" binding:"required"`
	Keys        struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *handlers) putSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	ep, err := h.deps.Subscriptions.PutEndpoint(c.Request.Context(), notification.SubscriptionEndpoint{
		RecipientID: strings.TrimSpace(req.RecipientID),
		Address:     strings.TrimSpace(req.Endpoint),
		P256dh:      req.Keys.P256dh,
		Auth:        req.Keys.Auth,
		Active:      true,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ep)
}

func (h *handlers) deleteSubscription(c *gin.Context) {
	if err := h.deps.Subscriptions.DeactivateEndpoint(c.Request.Context(), c.Param("recipient"), c.Param("endpoint")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type recipientRequest struct {
	Role  notification.Role `json:"role" binding:"required"`
	Name  string            `json:"name"`
	Email string            `json:"email"`
	Phone string            `json:"phone"`
}

func (h *handlers) putRecipient(c *gin.Context) {
	var req recipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	r := notification.Recipient{ID: c.Param("id"), Role: req.Role, Name: req.Name, Email: req.Email, Phone: req.Phone}
	if err := h.deps.Directory.PutRecipient(c.Request.Context(), r); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) addGroupMember(c *gin.Context) {
	if err := h.deps.Directory.AddGroupMember(c.Request.Context(), c.Param("group"), c.Param("recipient")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
