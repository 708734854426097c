package fanout

import (
	"context"

	"fanout/internal/notification"
	"fanout/internal/task/engine"
)

// Resolver expands selectors into recipients.
type Resolver interface {
	ResolveRecipients(ctx context.Context, selectors []notification.RecipientSelector) ([]notification.Recipient, error)
}

// SubscriptionGateway looks up push endpoints. Callers never pass more than
// QueryLimit ids to GetActiveEndpoints.
type SubscriptionGateway interface {
	GetActiveEndpoints(ctx context.Context, recipientIDs []string) ([]notification.SubscriptionEndpoint, error)
	QueryLimit() int
	DeactivateEndpoint(ctx context.Context, recipientID, endpointID string) error
}

// PushTransport sends one payload to one endpoint.
type PushTransport interface {
	SendPush(ctx context.Context, ep notification.SubscriptionEndpoint, p notification.PushPayload) (ok, endpointInvalid bool, err error)
}

// RecordSink persists notification records and delivery rows. It must accept
// concurrent AppendDeliveryOutcomes calls.
type RecordSink interface {
	CreateNotificationRecord(ctx context.Context, req notification.Request) (notification.Record, error)
	FinalizeNotificationRecord(ctx context.Context, id string, stats notification.DeliveryStats, errs []string) error
	AppendDeliveryOutcomes(ctx context.Context, outcomes []notification.DeliveryOutcome) error
}

// ChannelDispatcher delivers a batch on one channel. Per-recipient failures
// are outcomes; the returned errors are batch-level problems.
type ChannelDispatcher interface {
	Channel() notification.Channel
	DispatchBatch(ctx context.Context, rec notification.Record, recipients []notification.Recipient) ([]notification.DeliveryOutcome, []error)
}

// Runner accepts background work. *engine.Service implements it.
type Runner interface {
	Submit(ctx context.Context, t engine.Task) error
}
