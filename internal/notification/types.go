package notification

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// SelectorKind names a recipient group.
type SelectorKind string

const (
	SelectAllUsers   SelectorKind = "all_users"
	SelectAllAdmins  SelectorKind = "all_admins"
	SelectAllStaff   SelectorKind = "all_staff"
	SelectAllParents SelectorKind = "all_parents"
	SelectGroup      SelectorKind = "group"
	SelectUser       SelectorKind = "user"
)

// RecipientSelector picks a set of recipients. ID is required for group and user.
type RecipientSelector struct {
	Kind SelectorKind `json:"kind"`
	ID   string       `json:"id,omitempty"`
}

func (s RecipientSelector) String() string {
	if s.ID == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ID
}

// ParseSelector accepts "all_users", "group:<id>" or "user:<id>".
func ParseSelector(raw string) (RecipientSelector, error) {
	raw = strings.TrimSpace(raw)
	kind, id, _ := strings.Cut(raw, ":")
	sel := RecipientSelector{Kind: SelectorKind(strings.TrimSpace(kind)), ID: strings.TrimSpace(id)}
	if err := sel.Validate(); err != nil {
		return RecipientSelector{}, err
	}
	return sel, nil
}

func (s RecipientSelector) Validate() error {
	switch s.Kind {
	case SelectAllUsers, SelectAllAdmins, SelectAllStaff, SelectAllParents:
		return nil
	case SelectGroup, SelectUser:
		if s.ID == "" {
			return fmt.Errorf("selector %q requires an id", s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown selector kind %q", s.Kind)
	}
}

// PushOverrides replace title/body/click target for the push channel only.
type PushOverrides struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	ClickURL string `json:"click_url,omitempty"`
}

// Request is one logical notification. It is treated as immutable once dispatched.
type Request struct {
	Title       string              `json:"title"`
	Body        string              `json:"body,omitempty"`
	Priority    Priority            `json:"priority,omitempty"`
	Selectors   []RecipientSelector `json:"selectors"`
	PushEnabled bool                `json:"push_enabled"`
	Push        PushOverrides       `json:"push,omitempty"`
	CreatedBy   string              `json:"created_by,omitempty"`
}

// Validate enforces the only preconditions checked at intake:
// a non-empty title and at least one selector.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if len(r.Selectors) == 0 {
		return &ValidationError{Field: "selectors", Reason: "must not be empty"}
	}
	return nil
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleParent Role = "parent"
	RoleMember Role = "member"
)

type Recipient struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// SubscriptionEndpoint is a registered push address. Address and the two
// secrets are opaque to the engine.
type SubscriptionEndpoint struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Address     string    `json:"address"`
	P256dh      string    `json:"p256dh,omitempty"`
	Auth        string    `json:"auth,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// CanAdvance reports whether a record may move from s to next.
// Status only moves forward and never repeats.
func (s Status) CanAdvance(next Status) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// DeliveryStats are the aggregate counters written once on finalization.
//
// Sent and Failed combine channels: Sent counts push and in-app successes,
// Failed counts push failures. Delivered mirrors push successes.
type DeliveryStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Read      int `json:"read"`

	PushSent    int `json:"push_sent"`
	PushFailed  int `json:"push_failed"`
	InAppSent   int `json:"in_app_sent"`
	InAppFailed int `json:"in_app_failed"`
}

// Record is the persisted notification with its lifecycle state.
type Record struct {
	ID          string        `json:"id"`
	Request     Request       `json:"request"`
	Status      Status        `json:"status"`
	Stats       DeliveryStats `json:"stats"`
	Errors      []string      `json:"errors,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

type OutcomeStatus string

const (
	OutcomeSent   OutcomeStatus = "sent"
	OutcomeFailed OutcomeStatus = "failed"
)

// DeliveryOutcome is one recipient's result on one channel.
type DeliveryOutcome struct {
	NotificationID string        `json:"notification_id"`
	RecipientID    string        `json:"recipient_id"`
	Channel        Channel       `json:"channel"`
	Status         OutcomeStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	// Endpoints is the number of push endpoints attempted. Zero for in-app.
	Endpoints int       `json:"endpoints,omitempty"`
	At        time.Time `json:"at"`
}

// UniqueRecipients drops repeated ids, keeping the first occurrence and order.
func UniqueRecipients(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		if r.ID == "" {
			continue
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
