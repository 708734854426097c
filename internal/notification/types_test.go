package notification

import (
	"testing"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"ok", Request{Title: "Hi", Selectors: []RecipientSelector{{Kind: SelectAllUsers}}}, false},
		{"blank title", Request{Title: "  ", Selectors: []RecipientSelector{{Kind: SelectAllUsers}}}, true},
		{"no selectors", Request{Title: "Hi"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector("group:g-7")
	if err != nil || sel.Kind != SelectGroup || sel.ID != "g-7" {
		t.Fatalf("ParseSelector group: %+v %v", sel, err)
	}
	if _, err := ParseSelector("user"); err == nil {
		t.Fatalf("user selector without id should fail")
	}
	if _, err := ParseSelector("everyone"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
	if sel, _ := ParseSelector("all_staff"); sel.String() != "all_staff" {
		t.Fatalf("String()=%q", sel.String())
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	if !StatusPending.CanAdvance(StatusProcessing) || !StatusProcessing.CanAdvance(StatusCompleted) {
		t.Fatalf("forward transitions must be allowed")
	}
	if StatusCompleted.CanAdvance(StatusProcessing) || StatusProcessing.CanAdvance(StatusProcessing) {
		t.Fatalf("backward or repeated transitions must be rejected")
	}
}

func TestUniqueRecipientsKeepsFirst(t *testing.T) {
	in := []Recipient{{ID: "a", Name: "first"}, {ID: "b"}, {ID: "a", Name: "second"}, {ID: ""}}
	out := UniqueRecipients(in)
	if len(out) != 2 || out[0].Name != "first" || out[1].ID != "b" {
		t.Fatalf("unexpected %+v", out)
	}
	if again := UniqueRecipients(out); len(again) != len(out) {
		t.Fatalf("dedup should be idempotent")
	}
}

func TestBuildPushPayload(t *testing.T) {
	rec := Record{ID: "n1", Request: Request{
		Title:    "Fire drill",
		Body:     "Assemble at the field",
		Priority: PriorityUrgent,
		Push:     PushOverrides{Title: "Drill now", ClickURL: "/n/n1"},
	}}
	p := BuildPushPayload(rec, PayloadDefaults{Icon: "/icon.png", ClickURL: "/"})
	if p.Title != "Drill now" || p.Body != "Assemble at the field" {
		t.Fatalf("override fallback wrong: %+v", p)
	}
	if p.ClickURL != "/n/n1" || p.Icon != "/icon.png" || p.Tag != "notification-n1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if !p.RequireInteraction {
		t.Fatalf("urgent priority must require interaction")
	}

	rec.Request.Priority = ""
	if p := BuildPushPayload(rec, PayloadDefaults{}); p.RequireInteraction || p.Priority != PriorityMedium {
		t.Fatalf("default priority payload: %+v", p)
	}
}
