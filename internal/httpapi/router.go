// Package httpapi exposes notification intake and read endpoints over HTTP.
//
// POST /v1/notifications answers 202 with a record in status "processing":
// the fan-out runs in the background and the record (and the
// notification.completed event) carry the final counts.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fanout/internal/notification"
	"fanout/internal/observability/pprof"
	logx "fanout/pkg/logx"
)

// Dispatcher accepts notification requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notification.Request) (notification.Record, error)
}

// Records reads stored notifications.
type Records interface {
	GetNotificationRecord(ctx context.Context, id string) (notification.Record, error)
	ListDeliveryOutcomes(ctx context.Context, notificationID string) ([]notification.DeliveryOutcome, error)
}

// Subscriptions registers and retires push endpoints.
type Subscriptions interface {
	PutEndpoint(ctx context.Context, ep notification.SubscriptionEndpoint) (notification.SubscriptionEndpoint, error)
	DeactivateEndpoint(ctx context.Context, recipientID, endpointID string) error
}

// Directory registers recipients and groups.
type Directory interface {
	PutRecipient(ctx context.Context, r notification.Recipient) error
	AddGroupMember(ctx context.Context, groupID, recipientID string) error
}

type Deps struct {
	Dispatcher    Dispatcher
	Records       Records
	Subscriptions Subscriptions
	Directory     Directory
	// Health returns a JSON-able snapshot for /healthz. Optional.
	Health func() any
	// Token enables bearer auth on /v1 and /debug when non-empty.
	Token string
	// Pprof mounts the profiler under /debug/pprof.
	Pprof bool
	Log   logx.Logger
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

// NewRouter builds the gin engine with all routes.
func NewRouter(deps Deps) *gin.Engine {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("http"))
	h := &handlers{deps: deps, log: log}

	r := gin.New()
	r.Use(recovery(log), requestLog(log))

	r.GET("/healthz", h.health)

	var auth []gin.HandlerFunc
	if tok := strings.TrimSpace(deps.Token); tok != "" {
		auth = append(auth, bearerAuth(tok))
	}
	if deps.Pprof {
		pprof.Mount(r.Group("/debug/pprof", auth...))
	}

	v1 := r.Group("/v1", auth...)
	{
		n := v1.Group("/notifications")
		n.POST("", h.createNotification)
		n.GET("/:id", h.getNotification)
		n.GET("/:id/deliveries", h.listDeliveries)

		s := v1.Group("/subscriptions")
		s.POST("", h.putSubscription)
		s.DELETE("/:recipient/:endpoint", h.deleteSubscription)

		v1.PUT("/recipients/:id", h.putRecipient)
		v1.PUT("/groups/:group/members/:recipient", h.addGroupMember)
	}
	return r
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			log.Warn("request failed", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
