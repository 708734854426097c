package storage

import (
	"context"
	"errors"
	"time"

	"fanout/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrQueryLimit is returned when an endpoint lookup carries more ids than QueryLimit.
	ErrQueryLimit = errors.New("endpoint query exceeds id limit")
)

// DefaultQueryLimit mirrors the "in" ceiling of common document stores.
const DefaultQueryLimit = 10

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence across restarts
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// QueryLimit caps ids per GetActiveEndpoints call. 0 means DefaultQueryLimit.
	QueryLimit int
}

// RecordFilter narrows ListRecords. Zero fields match everything.
// Results are ordered by (created_at, id).
type RecordFilter struct {
	Status        notification.Status
	CreatedBefore time.Time
	// After resumes a listing strictly past this record.
	After *RecordCursor
	Limit int
}

// RecordCursor is a keyset position in a record listing.
type RecordCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position just past rec.
func CursorOf(rec notification.Record) *RecordCursor {
	return &RecordCursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
}

func (c *RecordCursor) before(rec notification.Record) bool {
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(rec.CreatedAt)
	}
	return c.ID < rec.ID
}

// RecordStore holds notification records and their delivery rows.
type RecordStore interface {
	CreateNotificationRecord(ctx context.Context, req notification.Request) (notification.Record, error)
	FinalizeNotificationRecord(ctx context.Context, id string, stats notification.DeliveryStats, errs []string) error
	AppendDeliveryOutcomes(ctx context.Context, outcomes []notification.DeliveryOutcome) error
	GetNotificationRecord(ctx context.Context, id string) (notification.Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]notification.Record, error)
	ListDeliveryOutcomes(ctx context.Context, notificationID string) ([]notification.DeliveryOutcome, error)
}

// SubscriptionStore holds push endpoints.
type SubscriptionStore interface {
	// PutEndpoint registers an endpoint. Registering an existing
	// (recipient, address) pair reactivates it and refreshes its secrets.
	PutEndpoint(ctx context.Context, ep notification.SubscriptionEndpoint) (notification.SubscriptionEndpoint, error)
	GetActiveEndpoints(ctx context.Context, recipientIDs []string) ([]notification.SubscriptionEndpoint, error)
	QueryLimit() int
	DeactivateEndpoint(ctx context.Context, recipientID, endpointID string) error
}

// Directory holds recipients and group membership.
type Directory interface {
	PutRecipient(ctx context.Context, r notification.Recipient) error
	AddGroupMember(ctx context.Context, groupID, recipientID string) error
	// ListByRoles returns recipients with any of roles, or everyone when roles is empty.
	ListByRoles(ctx context.Context, roles ...notification.Role) ([]notification.Recipient, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]notification.Recipient, error)
	GetRecipients(ctx context.Context, ids []string) ([]notification.Recipient, error)
}

type Store interface {
	RecordStore
	SubscriptionStore
	Directory
	Close() error
}

func queryLimit(cfg Config) int {
	if cfg.QueryLimit > 0 {
		return cfg.QueryLimit
	}
	return DefaultQueryLimit
}
