package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags the payload union of a queue message.
type Type string

// Message types recognized by the dispatch loop.
const (
	TypePollFeed          Type = "poll_feed"
	TypeDistribute        Type = "distribute"
	TypeVerify            Type = "verify"
	TypeRenew             Type = "renew"
	TypeRelayUserCallback Type = "relay_user_callback"
)

// PollFeed triggers a poll of a single feed.
type PollFeed struct {
	FeedID string `json:"feedId"`
}

// Distribute delivers one content payload to one subscriber.
type Distribute struct {
	SubscriptionID string `json:"subscriptionId"`
	ContentType    string `json:"contentType"`
	Body           []byte `json:"body"`
	SignatureKey   string `json:"signatureKey,omitempty"`
}

// Verify executes a verification GET against a subscriber's callback.
type Verify struct {
	SubscriptionID string `json:"subscriptionId"`
	Mode           string `json:"mode"`
	Challenge      string `json:"challenge"`
	Token          string `json:"token"`
	Topic          string `json:"topic"`
	LeaseSeconds   int    `json:"leaseSeconds,omitempty"`
}

// Renew refreshes an outbound subscription.
type Renew struct {
	ExternalSubscriptionID string `json:"externalSubscriptionId"`
}

// RelayUserCallback forwards external content to a user-provided URL.
type RelayUserCallback struct {
	UserCallbackID string `json:"userCallbackId"`
	ContentType    string `json:"contentType"`
	Body           []byte `json:"body"`
}

// Message is one durable queue record. A message is attempted once per
// backoff entry; the delay before attempt n+1 is Backoff[n-1]. After the
// final failed attempt it moves to the dead-letter keyspace.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Key       string          `json:"key,omitempty"`
	Attempts  int             `json:"attempts"`
	NotBefore time.Time       `json:"notBefore"`
	Enqueued  time.Time       `json:"enqueued"`
	Backoff   []time.Duration `json:"backoff,omitempty"`
}

// String implements the Stringer interface.
func (m Message) String() string {
	return fmt.Sprintf("Message: %s %s (attempt %d)", m.Type, m.ID, m.Attempts)
}

// NewMessage builds a message of the given type with a JSON-encoded payload.
func NewMessage(t Type, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("error encoding %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("error decoding %s payload: %w", m.Type, err)
	}
	return nil
}
