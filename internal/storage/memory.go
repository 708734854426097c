package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fanout/internal/notification"
)

// memoryStore keeps everything in maps guarded by one RWMutex.
type memoryStore struct {
	limit int

	mu        sync.RWMutex
	records   map[string]notification.Record
	outcomes  map[string][]notification.DeliveryOutcome
	endpoints map[string]notification.SubscriptionEndpoint
	people    map[string]notification.Recipient
	groups    map[string]map[string]struct{}
}

// NewMemory returns a process-local Store.
func NewMemory(cfg Config) Store {
	return &memoryStore{
		limit:     queryLimit(cfg),
		records:   map[string]notification.Record{},
		outcomes:  map[string][]notification.DeliveryOutcome{},
		endpoints: map[string]notification.SubscriptionEndpoint{},
		people:    map[string]notification.Recipient{},
		groups:    map[string]map[string]struct{}{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CreateNotificationRecord(ctx context.Context, req notification.Request) (notification.Record, error) {
	if err := ctx.Err(); err != nil {
		return notification.Record{}, err
	}
	rec := notification.Record{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    notification.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return cloneRecord(rec), nil
}

func (m *memoryStore) FinalizeNotificationRecord(ctx context.Context, id string, stats notification.DeliveryStats, errs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	if !rec.Status.CanAdvance(notification.StatusCompleted) {
		return fmt.Errorf("notification %s is %s: %w", id, rec.Status, notification.ErrStatusRegression)
	}
	now := time.Now().UTC()
	rec.Status = notification.StatusCompleted
	rec.Stats = stats
	rec.Errors = append([]string(nil), errs...)
	rec.CompletedAt = &now
	m.records[id] = rec
	return nil
}

func (m *memoryStore) AppendDeliveryOutcomes(ctx context.Context, outcomes []notification.DeliveryOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range outcomes {
		m.outcomes[o.NotificationID] = append(m.outcomes[o.NotificationID], o)
	}
	return nil
}

func (m *memoryStore) GetNotificationRecord(ctx context.Context, id string) (notification.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return notification.Record{}, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *memoryStore) ListRecords(ctx context.Context, f RecordFilter) ([]notification.Record, error) {
	m.mu.RLock()
	out := make([]notification.Record, 0, len(m.records))
	for _, rec := range m.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if !f.CreatedBefore.IsZero() && !rec.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		if f.After != nil && !f.After.before(rec) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryStore) ListDeliveryOutcomes(ctx context.Context, notificationID string) ([]notification.DeliveryOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]notification.DeliveryOutcome(nil), m.outcomes[notificationID]...), nil
}

func (m *memoryStore) PutEndpoint(ctx context.Context, ep notification.SubscriptionEndpoint) (notification.SubscriptionEndpoint, error) {
	if ep.RecipientID == "" || ep.Address == "" {
		return notification.SubscriptionEndpoint{}, fmt.Errorf("endpoint requires recipient_id and address")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cur := range m.endpoints {
		if cur.RecipientID == ep.RecipientID && cur.Address == ep.Address {
			cur.P256dh, cur.Auth, cur.Active = ep.P256dh, ep.Auth, true
			m.endpoints[id] = cur
			return cur, nil
		}
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	ep.Active = true
	m.endpoints[ep.ID] = ep
	return ep, nil
}

func (m *memoryStore) QueryLimit() int { return m.limit }

func (m *memoryStore) GetActiveEndpoints(ctx context.Context, recipientIDs []string) ([]notification.SubscriptionEndpoint, error) {
	if len(recipientIDs) > m.limit {
		return nil, fmt.Errorf("%d ids (limit %d): %w", len(recipientIDs), m.limit, ErrQueryLimit)
	}
	want := make(map[string]struct{}, len(recipientIDs))
	for _, id := range recipientIDs {
		want[id] = struct{}{}
	}
	m.mu.RLock()
	var out []notification.SubscriptionEndpoint
	for _, ep := range m.endpoints {
		if _, ok := want[ep.RecipientID]; ok && ep.Active {
			out = append(out, ep)
		}
	}
	m.mu.RUnlock()
	sortEndpoints(out)
	return out, nil
}

func (m *memoryStore) DeactivateEndpoint(ctx context.Context, recipientID, endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[endpointID]
	if !ok || ep.RecipientID != recipientID {
		return fmt.Errorf("endpoint %s/%s: %w", recipientID, endpointID, notification.ErrNotFound)
	}
	ep.Active = false
	m.endpoints[endpointID] = ep
	return nil
}

func (m *memoryStore) PutRecipient(ctx context.Context, r notification.Recipient) error {
	if r.ID == "" {
		return fmt.Errorf("recipient id is required")
	}
	m.mu.Lock()
	m.people[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) AddGroupMember(ctx context.Context, groupID, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.people[recipientID]; !ok {
		return fmt.Errorf("recipient %s: %w", recipientID, notification.ErrNotFound)
	}
	g := m.groups[groupID]
	if g == nil {
		g = map[string]struct{}{}
		m.groups[groupID] = g
	}
	g[recipientID] = struct{}{}
	return nil
}

func (m *memoryStore) ListByRoles(ctx context.Context, roles ...notification.Role) ([]notification.Recipient, error) {
	want := make(map[notification.Role]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}
	m.mu.RLock()
	var out []notification.Recipient
	for _, p := range m.people {
		if _, ok := want[p.Role]; len(want) == 0 || ok {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sortRecipients(out)
	return out, nil
}

func (m *memoryStore) ListGroupMembers(ctx context.Context, groupID string) ([]notification.Recipient, error) {
	m.mu.RLock()
	var out []notification.Recipient
	for id := range m.groups[groupID] {
		if p, ok := m.people[id]; ok {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sortRecipients(out)
	return out, nil
}

func (m *memoryStore) GetRecipients(ctx context.Context, ids []string) ([]notification.Recipient, error) {
	m.mu.RLock()
	var out []notification.Recipient
	for _, id := range ids {
		if p, ok := m.people[id]; ok {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sortRecipients(out)
	return out, nil
}

func cloneRecord(r notification.Record) notification.Record {
	r.Request.Selectors = append([]notification.RecipientSelector(nil), r.Request.Selectors...)
	r.Errors = append([]string(nil), r.Errors...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

func sortRecipients(rs []notification.Recipient) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}

func sortEndpoints(eps []notification.SubscriptionEndpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].RecipientID != eps[j].RecipientID {
			return eps[i].RecipientID < eps[j].RecipientID
		}
		return eps[i].ID < eps[j].ID
	})
}
