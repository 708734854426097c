package notification

// PushPayload is what the push transport delivers to one endpoint.
type PushPayload struct {
	NotificationID     string   `json:"notification_id"`
	Title              string   `json:"title"`
	Body               string   `json:"body,omitempty"`
	Icon               string   `json:"icon,omitempty"`
	ClickURL           string   `json:"click_url,omitempty"`
	Tag                string   `json:"tag"`
	Priority           Priority `json:"priority"`
	RequireInteraction bool     `json:"require_interaction"`
}

// PayloadDefaults fill fields the request leaves empty.
type PayloadDefaults struct {
	Icon     string
	ClickURL string
}

// BuildPushPayload applies push overrides, falling back to title and body.
// The notification id doubles as the dedup tag so a device collapses repeats.
func BuildPushPayload(rec Record, def PayloadDefaults) PushPayload {
	req := rec.Request
	p := PushPayload{
		NotificationID:     rec.ID,
		Title:              req.Title,
		Body:               req.Body,
		Icon:               def.Icon,
		ClickURL:           def.ClickURL,
		Tag:                "notification-" + rec.ID,
		Priority:           req.Priority,
		RequireInteraction: req.Priority == PriorityUrgent,
	}
	if req.Push.Title != "" {
		p.Title = req.Push.Title
	}
	if req.Push.Body != "" {
		p.Body = req.Push.Body
	}
	if req.Push.ClickURL != "" {
		p.ClickURL = req.Push.ClickURL
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	return p
}
