package internal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/superduperfeeder/feeder/internal/indieweb"
	"github.com/superduperfeeder/feeder/internal/queue"
	"github.com/superduperfeeder/feeder/internal/store"
	"github.com/superduperfeeder/feeder/types"
)

// WebhookResult is the JSON response to a webhook registration request.
type WebhookResult struct {
	Success             bool   `json:"success"`
	Message             string `json:"message,omitempty"`
	PendingVerification bool   `json:"pendingVerification,omitempty"`
	Topic               string `json:"topic,omitempty"`
	UsingFallback       bool   `json:"usingFallback,omitempty"`
}

// ExternalClient subscribes this process to upstream feeds, acting as a
// WebSub subscriber when the feed advertises a hub and falling back to the
// polling engine when it does not. Content that arrives either way is relayed
// to the user's callback URL.
type ExternalClient struct {
	config    *Config
	store     *store.Store
	queue     *queue.Queue
	hub       *Hub
	discovery *indieweb.Discovery
	client    *http.Client
}

// NewExternalClient creates the client and registers its queue handlers.
func NewExternalClient(config *Config, s *store.Store, q *queue.Queue, hub *Hub) *ExternalClient {
	c := &ExternalClient{
		config:    config,
		store:     s,
		queue:     q,
		hub:       hub,
		discovery: indieweb.NewDiscovery(config.UserAgent(), config.FetchTimeout),
		client:    &http.Client{Timeout: config.WebhookTimeout},
	}
	q.Handle(queue.TypeRenew, c.HandleRenew)
	q.Handle(queue.TypeRelayUserCallback, c.HandleRelay)
	return c
}

// SubscribeToFeed registers an external feed subscription, optionally with
// a user callback that forwarded content goes to. Discovery runs first so
// the stored topic is the canonical feed URL; the upstream subscription is
// then made through the feed's hub, or through our own polling engine when
// it has none.
func (c *ExternalClient) SubscribeToFeed(ctx context.Context, target, callbackURL string) (*WebhookResult, error) {
	if err := ValidateHTTPURL(target); err != nil {
		return &WebhookResult{Success: false, Message: err.Error()}, err
	}
	if callbackURL != "" {
		if err := ValidateHTTPURL(callbackURL); err != nil {
			return &WebhookResult{Success: false, Message: err.Error()}, err
		}
	}

	if norm, err := NormalizeURL(target); err == nil {
		target = norm
	}

	endpoints, err := c.discovery.Discover(ctx, target)
	if err != nil {
		return &WebhookResult{Success: false, Message: err.Error()}, err
	}

	topic := target
	if endpoints.Feed != "" {
		topic = endpoints.Feed
	}

	var pending bool
	if callbackURL != "" {
		if _, pending, err = c.ensureUserCallback(ctx, topic, callbackURL); err != nil {
			return &WebhookResult{Success: false, Message: err.Error()}, err
		}
	}

	// One upstream subscription per topic, shared by every callback.
	esub, err := c.store.GetExternalSubscriptionByTopic(topic)
	if err != nil && err != store.ErrNotFound {
		return &WebhookResult{Success: false, Message: err.Error()}, err
	}
	if esub == nil {
		if endpoints.Hub != "" {
			esub, err = c.subscribeToExternalHub(ctx, topic, endpoints.Hub, callbackURL)
		} else {
			esub, err = c.subscribeToOwnHub(topic, callbackURL)
		}
		if err != nil {
			return &WebhookResult{Success: false, Message: err.Error()}, err
		}
	}

	log.Infof("registered subscription to %s (fallback=%t, pending=%t)", topic, esub.UsingFallback, pending)
	return &WebhookResult{
		Success:             true,
		PendingVerification: pending,
		Topic:               topic,
		UsingFallback:       esub.UsingFallback,
	}, nil
}

// ensureUserCallback finds or creates the callback registration and runs the
// ownership check: the callback must echo a token handed to it over a GET.
// Unreachable callbacks stay pending and can redeem the token later via the
// verification endpoint.
func (c *ExternalClient) ensureUserCallback(ctx context.Context, topic, callbackURL string) (*types.UserCallback, bool, error) {
	cb, err := c.store.GetUserCallbackByTopicURL(topic, callbackURL)
	if err != nil && err != store.ErrNotFound {
		return nil, false, err
	}
	if cb != nil && cb.Verified {
		return cb, false, nil
	}

	now := time.Now().UTC()
	token := GenerateRandomToken()

	if cb == nil {
		cb = &types.UserCallback{Topic: topic, CallbackURL: callbackURL}
	}
	cb.VerificationToken = token
	cb.VerificationExpires = now.Add(c.config.UserCallbackTokenTTL)

	if cb.ID == "" {
		err = c.store.CreateUserCallback(cb)
	} else {
		err = c.store.MutateUserCallback(cb.ID, func(row *types.UserCallback) error {
			row.VerificationToken = cb.VerificationToken
			row.VerificationExpires = cb.VerificationExpires
			return nil
		})
	}
	if err != nil {
		return nil, false, err
	}

	if c.challengeUserCallback(ctx, callbackURL, token) {
		if err := c.store.MutateUserCallback(cb.ID, func(row *types.UserCallback) error {
			row.Verified = true
			row.VerificationToken = ""
			row.VerificationExpires = time.Time{}
			return nil
		}); err != nil {
			return nil, false, err
		}
		cb.Verified = true
		return cb, false, nil
	}

	return cb, true, nil
}

// challengeUserCallback GETs the callback with the token and expects it
// echoed back.
func (c *ExternalClient) challengeUserCallback(ctx context.Context, callbackURL, token string) bool {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return false
	}
	q := u.Query()
	q.Set("mode", "verify")
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.config.UserAgent())

	res, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Debugf("user callback %s unreachable for verification", callbackURL)
		return false
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxContentSize))
	if err != nil {
		return false
	}
	return res.StatusCode >= 200 && res.StatusCode <= 299 && strings.TrimSpace(string(body)) == token
}

// subscribeToExternalHub creates the outbound subscription row and POSTs the
// subscribe request to the upstream hub. If the hub refuses, the
// subscription falls back to polling.
func (c *ExternalClient) subscribeToExternalHub(ctx context.Context, topic, hub, userCallbackURL string) (*types.ExternalSubscription, error) {
	esub := &types.ExternalSubscription{
		Topic:           topic,
		Hub:             hub,
		CallbackPath:    "/callback/" + uuid.New().String(),
		Secret:          GenerateRandomToken(),
		LeaseSeconds:    c.config.DefaultLeaseSeconds,
		UserCallbackURL: userCallbackURL,
	}
	if err := c.store.CreateExternalSubscription(esub); err != nil {
		return nil, err
	}

	if err := c.postSubscription(ctx, esub, "subscribe"); err != nil {
		log.WithError(err).Warnf("hub %s refused subscribe for %s, falling back to polling", hub, topic)
		return c.fallbackToPolling(esub)
	}

	// Accepted: verification arrives asynchronously on the callback path.
	return esub, nil
}

// subscribeToOwnHub registers the topic with the polling engine. The
// subscription is live immediately, there is no upstream verification.
func (c *ExternalClient) subscribeToOwnHub(topic, userCallbackURL string) (*types.ExternalSubscription, error) {
	if _, err := c.ensureFeed(topic); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	esub := &types.ExternalSubscription{
		Topic:           topic,
		CallbackPath:    "/callback/" + uuid.New().String(),
		LeaseSeconds:    c.config.DefaultLeaseSeconds,
		Expires:         now.Add(time.Duration(c.config.DefaultLeaseSeconds) * time.Second),
		Verified:        true,
		UsingFallback:   true,
		UserCallbackURL: userCallbackURL,
	}
	if err := c.store.CreateExternalSubscription(esub); err != nil {
		return nil, err
	}

	feed, err := c.store.GetFeedByURL(topic)
	if err != nil {
		return nil, err
	}
	msg, err := queue.NewMessage(queue.TypePollFeed, queue.PollFeed{FeedID: feed.ID})
	if err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(msg, queue.WithKey("poll_feed/"+feed.ID)); err != nil {
		return nil, err
	}
	return esub, nil
}

// ensureFeed registers the topic with the polling engine if it is not
// already known.
func (c *ExternalClient) ensureFeed(topic string) (*types.Feed, error) {
	feed, err := c.store.GetFeedByURL(topic)
	if err == nil {
		if !feed.Active {
			if err := c.store.MutateFeed(feed.ID, func(feed *types.Feed) error {
				feed.Active = true
				return nil
			}); err != nil {
				return nil, err
			}
		}
		return feed, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	feed = &types.Feed{
		URL:                    topic,
		PollingIntervalMinutes: c.config.DefaultPollingIntervalMinutes,
		Active:                 true,
	}
	if err := c.store.CreateFeed(feed); err != nil {
		return nil, err
	}
	return feed, nil
}

// fallbackToPolling converts an external-hub subscription into a polled one.
func (c *ExternalClient) fallbackToPolling(esub *types.ExternalSubscription) (*types.ExternalSubscription, error) {
	feed, err := c.ensureFeed(esub.Topic)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := c.store.MutateExternalSubscription(esub.ID, func(row *types.ExternalSubscription) error {
		row.UsingFallback = true
		row.Verified = true
		row.Expires = now.Add(time.Duration(row.LeaseSeconds) * time.Second)
		return nil
	}); err != nil {
		return nil, err
	}
	esub.UsingFallback = true
	esub.Verified = true

	msg, err := queue.NewMessage(queue.TypePollFeed, queue.PollFeed{FeedID: feed.ID})
	if err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(msg, queue.WithKey("poll_feed/"+feed.ID)); err != nil {
		return nil, err
	}
	return esub, nil
}

// postSubscription sends a hub.mode=subscribe or unsubscribe form POST to
// the upstream hub.
func (c *ExternalClient) postSubscription(ctx context.Context, esub *types.ExternalSubscription, mode string) error {
	form := url.Values{}
	form.Set("hub.mode", mode)
	form.Set("hub.topic", esub.Topic)
	form.Set("hub.callback", c.config.URLForPath(esub.CallbackPath))
	if mode == "subscribe" {
		form.Set("hub.lease_seconds", strconv.Itoa(esub.LeaseSeconds))
		form.Set("hub.secret", esub.Secret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, esub.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.config.UserAgent())

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error reaching hub %s: %w", esub.Hub, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxContentSize))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("error: hub %s returned %s for %s", esub.Hub, res.Status, mode)
	}
	return nil
}

// HandleCallback answers an upstream hub's verification GET on one of our
// callback paths. It returns the challenge to echo, or an error that maps to
// a 404.
func (c *ExternalClient) HandleCallback(callbackPath, mode, topic, challenge string, leaseSeconds int) (string, error) {
	esub, err := c.store.GetExternalSubscriptionByCallbackPath(callbackPath)
	if err != nil {
		return "", err
	}
	if topic != esub.Topic {
		return "", fmt.Errorf("error: topic mismatch on %s", esub)
	}

	now := time.Now().UTC()
	switch mode {
	case "subscribe":
		if leaseSeconds <= 0 {
			leaseSeconds = esub.LeaseSeconds
		}
		if err := c.store.MutateExternalSubscription(esub.ID, func(row *types.ExternalSubscription) error {
			row.Verified = true
			row.LeaseSeconds = leaseSeconds
			row.Expires = now.Add(time.Duration(leaseSeconds) * time.Second)
			row.ErrorCount = 0
			row.LastError = ""
			return nil
		}); err != nil {
			return "", err
		}
		log.Infof("upstream hub verified %s", esub)
		return challenge, nil
	case "unsubscribe":
		if err := c.store.DeleteExternalSubscription(esub.ID); err != nil {
			return "", err
		}
		log.Infof("upstream hub confirmed unsubscribe for %s", esub)
		return challenge, nil
	default:
		return "", fmt.Errorf("error: invalid mode %q on %s", mode, esub)
	}
}

// HandleContent accepts a content POST from an upstream hub and fans it out
// through the hub engine. The signature is checked when a secret was agreed.
func (c *ExternalClient) HandleContent(callbackPath, contentType, signature string, body []byte) error {
	esub, err := c.store.GetExternalSubscriptionByCallbackPath(callbackPath)
	if err != nil {
		return err
	}
	if !esub.Verified {
		return fmt.Errorf("error: content for unverified %s", esub)
	}

	if esub.Secret != "" && !validSignature(esub.Secret, signature, body) {
		return fmt.Errorf("error: bad signature on content for %s", esub)
	}

	if _, err := c.hub.ProcessContentNotification(esub.Topic, contentType, body); err != nil {
		return err
	}
	return nil
}

func validSignature(secret, signature string, body []byte) bool {
	if !strings.HasPrefix(signature, "sha1=") {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(signature, "sha1=")))
}

// HandleRelay forwards one content payload to a user callback URL.
func (c *ExternalClient) HandleRelay(ctx context.Context, msg *queue.Message) error {
	var payload queue.RelayUserCallback
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	cb, err := c.store.GetUserCallback(payload.UserCallbackID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if !cb.Verified {
		log.Debugf("dropping relay to unverified %s", cb)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.CallbackURL, bytes.NewReader(payload.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", payload.ContentType)
	req.Header.Set("User-Agent", c.config.UserAgent())
	req.Header.Set("X-SuperDuperFeeder-Topic", cb.Topic)

	res, err := c.client.Do(req)
	if err == nil {
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxContentSize))
		if res.StatusCode < 200 || res.StatusCode > 299 {
			err = fmt.Errorf("error relaying to %s: %s", cb.CallbackURL, res.Status)
		}
	}

	now := time.Now().UTC()
	if err != nil {
		if merr := c.store.MutateUserCallback(cb.ID, func(row *types.UserCallback) error {
			row.ErrorCount++
			row.LastError = err.Error()
			row.LastErrorTime = now
			return nil
		}); merr != nil {
			return merr
		}
		return err
	}

	return c.store.MutateUserCallback(cb.ID, func(row *types.UserCallback) error {
		row.LastUsed = now
		row.ErrorCount = 0
		row.LastError = ""
		return nil
	})
}

// HandleRenew refreshes one outbound subscription before its lease lapses.
func (c *ExternalClient) HandleRenew(ctx context.Context, msg *queue.Message) error {
	var payload queue.Renew
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	esub, err := c.store.GetExternalSubscription(payload.ExternalSubscriptionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	now := time.Now().UTC()

	if esub.UsingFallback {
		// Polled subscriptions have no upstream to talk to, the lease just
		// rolls forward.
		return c.store.MutateExternalSubscription(esub.ID, func(row *types.ExternalSubscription) error {
			row.Expires = now.Add(time.Duration(row.LeaseSeconds) * time.Second)
			row.LastRenewed = now
			return nil
		})
	}

	if err := c.postSubscription(ctx, esub, "subscribe"); err != nil {
		if merr := c.store.MutateExternalSubscription(esub.ID, func(row *types.ExternalSubscription) error {
			row.ErrorCount++
			row.LastError = err.Error()
			row.LastErrorTime = now
			return nil
		}); merr != nil {
			return merr
		}
		return err
	}

	log.Infof("renewal accepted for %s", esub)
	return c.store.MutateExternalSubscription(esub.ID, func(row *types.ExternalSubscription) error {
		row.LastRenewed = now
		row.ErrorCount = 0
		row.LastError = ""
		return nil
	})
}

// RenewSubscriptions queues a renewal for every subscription nearing expiry
// and demotes subscriptions whose upstream verification never arrived to
// polling.
func (c *ExternalClient) RenewSubscriptions() error {
	esubs, err := c.store.ListExternalSubscriptions()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, esub := range esubs {
		if esub.NeedsRenewal(now, c.config.RenewalWindow) {
			msg, err := queue.NewMessage(queue.TypeRenew, queue.Renew{ExternalSubscriptionID: esub.ID})
			if err != nil {
				return err
			}
			if err := c.queue.Enqueue(msg, queue.WithKey("renew/"+esub.ID)); err != nil {
				return err
			}
			continue
		}

		// The hub took our subscribe but its verification never landed.
		// Demote to polling so the user still gets content.
		if !esub.Verified && !esub.UsingFallback && now.Sub(esub.Created) > c.config.VerificationWindow {
			log.Warnf("verification never arrived for %s, demoting to polling", esub)
			if _, err := c.fallbackToPolling(esub); err != nil {
				log.WithError(err).Errorf("error demoting %s to polling", esub)
			}
		}
	}
	return nil
}

// CleanupExpiredVerifications removes user callbacks whose ownership token
// lapsed unredeemed.
func (c *ExternalClient) CleanupExpiredVerifications() error {
	cbs, err := c.store.ListUserCallbacks()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, cb := range cbs {
		if !cb.VerificationExpired(now) {
			continue
		}
		log.Infof("sweeping unverified %s", cb)
		if err := c.store.DeleteUserCallback(cb.ID); err != nil {
			return err
		}
	}
	return nil
}

// VerifyUserCallbackToken redeems a pending verification token out of band:
// the callback owner fetches the verification URL themselves instead of
// echoing the challenge.
func (c *ExternalClient) VerifyUserCallbackToken(token string) (*types.UserCallback, error) {
	cbs, err := c.store.ListUserCallbacks()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, cb := range cbs {
		if cb.Verified || cb.VerificationToken == "" || cb.VerificationToken != token {
			continue
		}
		if cb.VerificationExpired(now) {
			return nil, fmt.Errorf("error: verification token expired")
		}
		if err := c.store.MutateUserCallback(cb.ID, func(row *types.UserCallback) error {
			row.Verified = true
			row.VerificationToken = ""
			row.VerificationExpires = time.Time{}
			return nil
		}); err != nil {
			return nil, err
		}
		cb.Verified = true
		log.Infof("token redeemed for %s", cb)
		return cb, nil
	}
	return nil, store.ErrNotFound
}
