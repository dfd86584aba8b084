package internal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/superduperfeeder/feeder/internal/queue"
	"github.com/superduperfeeder/feeder/internal/store"
	"github.com/superduperfeeder/feeder/types"
)

const (
	maxSecretLength = 200
	maxContentSize  = 10 << 20
)

var (
	// ErrInvalidMode is returned for hub.mode values other than subscribe,
	// unsubscribe and publish.
	ErrInvalidMode = errors.New("error: invalid hub.mode")

	// ErrInvalidTopic is returned for missing or non-absolute hub.topic values.
	ErrInvalidTopic = errors.New("error: invalid hub.topic")

	// ErrInvalidCallback is returned for missing or non-absolute hub.callback values.
	ErrInvalidCallback = errors.New("error: invalid hub.callback")

	// ErrInvalidLease is returned for unparsable or out-of-range
	// hub.lease_seconds values.
	ErrInvalidLease = errors.New("error: invalid hub.lease_seconds")

	// ErrSecretTooLong is returned for hub.secret values over maxSecretLength bytes.
	ErrSecretTooLong = errors.New("error: hub.secret too long")
)

// SubscriptionResult reports the acceptance of a subscription request.
// Accepted means queued for verification, not verified.
type SubscriptionResult struct {
	Accepted       bool   `json:"accepted"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// Hub implements the WebSub hub: subscription intake, asynchronous callback
// verification and fan-out of published content.
type Hub struct {
	config *Config
	store  *store.Store
	queue  *queue.Queue

	// client talks to subscriber callbacks, fetcher pulls published topics.
	client  *http.Client
	fetcher *http.Client
}

// NewHub creates the hub service and registers its queue handlers.
func NewHub(config *Config, s *store.Store, q *queue.Queue) *Hub {
	h := &Hub{
		config:  config,
		store:   s,
		queue:   q,
		client:  &http.Client{Timeout: config.WebhookTimeout},
		fetcher: &http.Client{Timeout: config.FetchTimeout},
	}
	q.Handle(queue.TypeVerify, h.HandleVerify)
	q.Handle(queue.TypeDistribute, h.HandleDistribute)
	return h
}

// ProcessSubscriptionRequest accepts a subscribe or unsubscribe request and
// queues the verification of intent. The subscriber gets its 202 before any
// verification traffic happens.
func (h *Hub) ProcessSubscriptionRequest(mode, topic, callback, secret string, leaseSeconds int) (*SubscriptionResult, error) {
	if mode != "subscribe" && mode != "unsubscribe" {
		return nil, ErrInvalidMode
	}
	if topic == "" || ValidateHTTPURL(topic) != nil {
		return nil, ErrInvalidTopic
	}
	if callback == "" || ValidateHTTPURL(callback) != nil {
		return nil, ErrInvalidCallback
	}
	if len(secret) > maxSecretLength {
		return nil, ErrSecretTooLong
	}

	if leaseSeconds == 0 {
		leaseSeconds = h.config.DefaultLeaseSeconds
	} else if leaseSeconds < 1 || leaseSeconds > h.config.MaxLeaseSeconds {
		return nil, ErrInvalidLease
	}

	now := time.Now().UTC()

	sub, err := h.store.GetSubscriptionByTopicCallback(topic, callback)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if mode == "unsubscribe" && sub == nil {
		// Nothing to remove, but the protocol still wants a 202.
		return &SubscriptionResult{Accepted: true}, nil
	}

	token := uuid.New().String()
	challenge := GenerateRandomToken()

	err = h.store.Atomically(func(tx *store.Tx) error {
		if sub == nil {
			sub = &types.Subscription{Topic: topic, Callback: callback}
		}
		if mode == "subscribe" {
			sub.Secret = secret
			sub.LeaseSeconds = leaseSeconds
			sub.VerificationToken = token
			sub.VerificationExpires = now.Add(h.config.VerificationWindow)
			sub.UnsubscribeToken = ""
		} else {
			// A verified row never carries a verificationToken, so the
			// unsubscribe intent tracks its own token.
			sub.UnsubscribeToken = token
		}

		if sub.ID == "" {
			if err := h.store.TxCreateSubscription(tx, sub); err != nil {
				return err
			}
		} else if err := h.store.TxPutSubscription(tx, sub); err != nil {
			return err
		}

		msg, err := queue.NewMessage(queue.TypeVerify, queue.Verify{
			SubscriptionID: sub.ID,
			Mode:           mode,
			Challenge:      challenge,
			Token:          token,
			Topic:          topic,
			LeaseSeconds:   leaseSeconds,
		})
		if err != nil {
			return err
		}
		return h.queue.TxEnqueue(tx, &msg)
	})
	if err != nil {
		return nil, err
	}

	log.Infof("accepted %s request for %s", mode, sub)
	return &SubscriptionResult{Accepted: true, SubscriptionID: sub.ID}, nil
}

// ProcessPublishRequest handles hub.mode=publish: it fetches the topic and
// fans the current content out to subscribers. Returns the number of
// deliveries queued.
func (h *Hub) ProcessPublishRequest(ctx context.Context, topic string) (int, error) {
	if topic == "" || ValidateHTTPURL(topic) != nil {
		return 0, ErrInvalidTopic
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", h.config.UserAgent())

	res, err := h.fetcher.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error fetching published topic %s: %w", topic, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return 0, fmt.Errorf("error fetching published topic %s: %s", topic, res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxContentSize))
	if err != nil {
		return 0, fmt.Errorf("error reading published topic %s: %w", topic, err)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/rss+xml"
	}

	publishCounter.Inc()
	return h.ProcessContentNotification(topic, contentType, body)
}

// ProcessContentNotification fans one content payload out to every verified
// subscriber and user callback registered for the topic. Each recipient gets
// its own durable queue message so one slow endpoint never blocks another.
func (h *Hub) ProcessContentNotification(topic, contentType string, body []byte) (int, error) {
	subs, err := h.store.SubscriptionsForTopic(topic)
	if err != nil {
		return 0, err
	}
	callbacks, err := h.store.UserCallbacksForTopic(topic)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, sub := range subs {
		msg, err := queue.NewMessage(queue.TypeDistribute, queue.Distribute{
			SubscriptionID: sub.ID,
			ContentType:    contentType,
			Body:           body,
			SignatureKey:   sub.Secret,
		})
		if err != nil {
			return queued, err
		}
		if err := h.queue.Enqueue(msg); err != nil {
			return queued, err
		}
		queued++
	}

	// Relays get the configured retry budget instead of the full schedule.
	relayBackoff := queue.DefaultBackoff
	if n := h.config.WebhookRetries; n > 0 && n < len(relayBackoff) {
		relayBackoff = relayBackoff[:n]
	}

	for _, cb := range callbacks {
		msg, err := queue.NewMessage(queue.TypeRelayUserCallback, queue.RelayUserCallback{
			UserCallbackID: cb.ID,
			ContentType:    contentType,
			Body:           body,
		})
		if err != nil {
			return queued, err
		}
		if err := h.queue.Enqueue(msg, queue.WithBackoff(relayBackoff)); err != nil {
			return queued, err
		}
		queued++
	}

	log.Infof("queued %d deliveries for topic %s", queued, topic)
	return queued, nil
}

// HandleVerify performs the verification of intent GET against a
// subscriber's callback and applies the outcome.
func (h *Hub) HandleVerify(ctx context.Context, msg *queue.Message) error {
	var payload queue.Verify
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	sub, err := h.store.GetSubscription(payload.SubscriptionID)
	if err != nil {
		if err == store.ErrNotFound {
			// Subscription superseded or removed, nothing to verify.
			return nil
		}
		return err
	}

	now := time.Now().UTC()

	// A newer request for the same pair replaces the token; a stale attempt
	// must not touch the row.
	if payload.Mode == "unsubscribe" {
		if sub.UnsubscribeToken != payload.Token {
			log.Debugf("dropping stale verification for %s", sub)
			return nil
		}
	} else {
		if sub.VerificationToken != payload.Token {
			log.Debugf("dropping stale verification for %s", sub)
			return nil
		}
		if sub.VerificationExpired(now) {
			log.Debugf("dropping expired verification for %s", sub)
			return nil
		}
	}

	status, echoed, err := h.verifyCallback(ctx, sub.Callback, payload)
	success := err == nil && status >= 200 && status <= 299 && strings.TrimSpace(echoed) == payload.Challenge

	if success {
		verificationCounter.WithLabelValues(payload.Mode, "success").Inc()
		if payload.Mode == "unsubscribe" {
			log.Infof("unsubscribe verified, removing %s", sub)
			return h.store.DeleteSubscription(sub.ID)
		}
		log.Infof("subscribe verified for %s", sub)
		return h.store.MutateSubscription(sub.ID, func(sub *types.Subscription) error {
			sub.Verified = true
			sub.LeaseSeconds = payload.LeaseSeconds
			sub.Expires = now.Add(time.Duration(payload.LeaseSeconds) * time.Second)
			sub.VerificationToken = ""
			sub.VerificationExpires = time.Time{}
			sub.UnsubscribeToken = ""
			sub.ErrorCount = 0
			sub.LastError = ""
			return nil
		})
	}

	verificationCounter.WithLabelValues(payload.Mode, "failure").Inc()

	if payload.Mode == "unsubscribe" {
		// Denied or unreachable unsubscribe still removes the registration.
		log.Infof("unsubscribe verification failed, removing %s anyway", sub)
		return h.store.DeleteSubscription(sub.ID)
	}

	if err == nil && status >= 200 && status <= 299 {
		// The callback answered but echoed the wrong challenge. That is a
		// refusal, not an outage: record it and stop retrying.
		log.Warnf("challenge mismatch verifying %s", sub)
		return h.store.MutateSubscription(sub.ID, func(sub *types.Subscription) error {
			sub.ErrorCount++
			sub.LastError = "challenge mismatch"
			sub.LastErrorTime = now
			return nil
		})
	}

	if err == nil {
		err = fmt.Errorf("error verifying %s: callback returned %d", sub, status)
	}
	if merr := h.store.MutateSubscription(sub.ID, func(sub *types.Subscription) error {
		sub.ErrorCount++
		sub.LastError = err.Error()
		sub.LastErrorTime = now
		return nil
	}); merr != nil {
		return merr
	}
	return err
}

// verifyCallback issues the hub.challenge GET and returns the status code
// and the response body.
func (h *Hub) verifyCallback(ctx context.Context, callback string, payload queue.Verify) (int, string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return 0, "", err
	}

	q := u.Query()
	q.Set("hub.mode", payload.Mode)
	q.Set("hub.topic", payload.Topic)
	q.Set("hub.challenge", payload.Challenge)
	if payload.Mode == "subscribe" {
		q.Set("hub.lease_seconds", fmt.Sprintf("%d", payload.LeaseSeconds))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", h.config.UserAgent())

	res, err := h.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxContentSize))
	if err != nil {
		return res.StatusCode, "", err
	}
	return res.StatusCode, string(body), nil
}

// HandleDistribute POSTs one content payload to one subscriber callback.
func (h *Hub) HandleDistribute(ctx context.Context, msg *queue.Message) error {
	var payload queue.Distribute
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	sub, err := h.store.GetSubscription(payload.SubscriptionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if !sub.Verified {
		log.Debugf("dropping delivery to unverified %s", sub)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(payload.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", payload.ContentType)
	req.Header.Set("User-Agent", h.config.UserAgent())
	req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="self", <%s>; rel="hub"`, sub.Topic, h.config.HubURL))
	if payload.SignatureKey != "" {
		mac := hmac.New(sha1.New, []byte(payload.SignatureKey))
		mac.Write(payload.Body)
		req.Header.Set("X-Hub-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
	}

	res, err := h.client.Do(req)
	if err == nil {
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxContentSize))
		if res.StatusCode < 200 || res.StatusCode > 299 {
			err = fmt.Errorf("error delivering to %s: %s", sub.Callback, res.Status)
		}
	}

	if err != nil {
		deliveryCounter.WithLabelValues("failure").Inc()
		now := time.Now().UTC()
		if merr := h.store.MutateSubscription(sub.ID, func(sub *types.Subscription) error {
			sub.ErrorCount++
			sub.LastError = err.Error()
			sub.LastErrorTime = now
			return nil
		}); merr != nil {
			return merr
		}
		return err
	}

	deliveryCounter.WithLabelValues("success").Inc()
	if sub.ErrorCount > 0 {
		return h.store.MutateSubscription(sub.ID, func(sub *types.Subscription) error {
			sub.ErrorCount = 0
			sub.LastError = ""
			return nil
		})
	}
	return nil
}

// ClearExpiredSubscriptions removes subscriptions whose lease lapsed past the
// grace period and pending subscriptions that never completed verification.
func (h *Hub) ClearExpiredSubscriptions() error {
	subs, err := h.store.ListSubscriptions()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, sub := range subs {
		var stale bool
		if sub.Verified {
			stale = !sub.Expires.IsZero() && now.After(sub.Expires.Add(h.config.SubscriptionGrace))
		} else {
			stale = sub.VerificationExpired(now.Add(-h.config.SubscriptionGrace))
		}
		if !stale {
			continue
		}
		log.Infof("sweeping expired %s", sub)
		if err := h.store.DeleteSubscription(sub.ID); err != nil {
			return err
		}
	}
	return nil
}
