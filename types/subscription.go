package types

import (
	"fmt"
	"time"
)

// Subscription is an inbound WebSub subscription owned by this hub: a
// subscriber's callback registered against a topic.
type Subscription struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Callback     string    `json:"callback"`
	Secret       string    `json:"secret,omitempty"`
	LeaseSeconds int       `json:"leaseSeconds"`
	Created      time.Time `json:"created"`
	Expires      time.Time `json:"expires"`
	Verified     bool      `json:"verified"`

	// Pending verification state. Cleared once the subscription is verified.
	VerificationToken   string    `json:"verificationToken,omitempty"`
	VerificationExpires time.Time `json:"verificationExpires,omitempty"`

	// UnsubscribeToken tracks a pending unsubscribe so a verified row keeps
	// its verificationToken empty.
	UnsubscribeToken string `json:"unsubscribeToken,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// String implements the Stringer interface and renders the subscription
// as its (topic, callback) pair.
func (s Subscription) String() string {
	return fmt.Sprintf("Subscription: %s -> %s", s.Topic, s.Callback)
}

// Expired returns true if the subscription's lease has lapsed.
func (s Subscription) Expired(now time.Time) bool {
	return now.After(s.Expires)
}

// VerificationExpired returns true if the pending verification token can no
// longer be redeemed.
func (s Subscription) VerificationExpired(now time.Time) bool {
	return !s.VerificationExpires.IsZero() && now.After(s.VerificationExpires)
}
