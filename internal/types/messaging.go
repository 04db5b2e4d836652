package types

import "time"

// SignupEvent is the account-created trigger payload. Delivery is
// at-least-once; the provisioner's idempotency absorbs duplicates.
type SignupEvent struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Name        string   `json:"name,omitempty"`
	InitialPlan PlanTier `json:"initial_plan,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`
}

// CrossingMessage is enqueued when a tier crossing in the depleting direction
// is detected. The email worker consumes it and runs the escalation pipeline.
// Tier is the deepest tier crossed; intermediate tiers are not messaged.
type CrossingMessage struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	PreviousTier QuotaTier `json:"previous_tier"`
	Tier         QuotaTier `json:"tier"`
	Remaining    int       `json:"remaining"`
	ScansUsed    int       `json:"scans_used"`
	Allotment    int       `json:"allotment"`
	UpdatedAt    time.Time `json:"updated_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// EmailAddress pairs an address with an optional display name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// SendInput carries pre-rendered email content to an EmailProvider.
type SendInput struct {
	From     EmailAddress `json:"from"`
	To       EmailAddress `json:"to"`
	Subject  string       `json:"subject"`
	HTMLBody string       `json:"html_body"`
	TextBody string       `json:"text_body"`
}
