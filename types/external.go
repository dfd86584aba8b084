package types

import (
	"fmt"
	"time"
)

// ExternalSubscription is an outbound subscription: this process acting as a
// WebSub subscriber against an upstream hub. When no upstream hub exists the
// subscription falls back to polling and UsingFallback is set.
type ExternalSubscription struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	Hub          string `json:"hub,omitempty"`
	CallbackPath string `json:"callbackPath"`
	Secret       string `json:"secret,omitempty"`
	LeaseSeconds int    `json:"leaseSeconds"`

	Created     time.Time `json:"created"`
	Expires     time.Time `json:"expires"`
	Verified    bool      `json:"verified"`
	LastRenewed time.Time `json:"lastRenewed,omitempty"`

	UsingFallback   bool   `json:"usingFallback"`
	UserCallbackURL string `json:"userCallbackUrl,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// String implements the Stringer interface.
func (e ExternalSubscription) String() string {
	return fmt.Sprintf("ExternalSubscription: %s via %s", e.Topic, e.Hub)
}

// NeedsRenewal returns true if the subscription is verified and will expire
// within the given window.
func (e ExternalSubscription) NeedsRenewal(now time.Time, window time.Duration) bool {
	return e.Verified && !e.Expires.After(now.Add(window))
}

// UserCallback is an external URL that wants content for a topic forwarded to
// it. It must prove ownership by echoing a verification token before any
// content is relayed.
type UserCallback struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	CallbackURL string `json:"callbackUrl"`

	Verified            bool      `json:"verified"`
	VerificationToken   string    `json:"verificationToken,omitempty"`
	VerificationExpires time.Time `json:"verificationExpires,omitempty"`

	LastUsed      time.Time `json:"lastUsed,omitempty"`
	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// String implements the Stringer interface.
func (u UserCallback) String() string {
	return fmt.Sprintf("UserCallback: %s -> %s", u.Topic, u.CallbackURL)
}

// VerificationExpired returns true if the pending verification token has
// lapsed and the row is a candidate for the cleanup sweep.
func (u UserCallback) VerificationExpired(now time.Time) bool {
	return !u.Verified && now.After(u.VerificationExpires)
}
