package internal

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superduperfeeder/feeder/internal/queue"
	"github.com/superduperfeeder/feeder/internal/store"
	"github.com/superduperfeeder/feeder/types"
)

type testEnv struct {
	config *Config
	store  *store.Store
	queue  *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir, err := os.MkdirTemp("", "*-feeder-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	config := NewConfig()
	config.BaseURL = "http://hub.localtest"
	require.NoError(t, config.Validate())

	db, err := store.Open(fmt.Sprintf("bitcask://%s/test.db", dir))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &testEnv{
		config: config,
		store:  db,
		queue:  queue.New(db),
	}
}

// drain runs queue messages until the queue is empty or stops making
// progress. Handler errors are swallowed so failing retries do not loop
// forever, but retried messages with delays stay parked.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		processed, err := env.queue.DispatchOnce(context.Background())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
}

func echoChallengeServer(t *testing.T, gotLease *int) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotLease != nil {
			fmt.Sscanf(r.URL.Query().Get("hub.lease_seconds"), "%d", gotLease)
		}
		fmt.Fprint(w, r.URL.Query().Get("hub.challenge"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestProcessSubscriptionRequestValidation(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	_, err := hub.ProcessSubscriptionRequest("dance", "https://t.example/feed", "https://cb.example/", "", 0)
	assert.ErrorIs(err, ErrInvalidMode)

	_, err = hub.ProcessSubscriptionRequest("subscribe", "not-a-url", "https://cb.example/", "", 0)
	assert.ErrorIs(err, ErrInvalidTopic)

	_, err = hub.ProcessSubscriptionRequest("subscribe", "https://t.example/feed", "", "", 0)
	assert.ErrorIs(err, ErrInvalidCallback)

	long := make([]byte, maxSecretLength+1)
	_, err = hub.ProcessSubscriptionRequest("subscribe", "https://t.example/feed", "https://cb.example/", string(long), 0)
	assert.ErrorIs(err, ErrSecretTooLong)
}

func TestSubscribeVerifiesAsynchronously(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	var gotLease int
	cb := echoChallengeServer(t, &gotLease)

	topic := "https://t.example/feed.xml"
	result, err := hub.ProcessSubscriptionRequest("subscribe", topic, cb.URL, "s3cret", 0)
	assert.NoError(err)
	assert.True(result.Accepted)

	// Accepted, not yet verified.
	sub, err := env.store.GetSubscription(result.SubscriptionID)
	assert.NoError(err)
	assert.False(sub.Verified)

	env.drain(t)

	sub, err = env.store.GetSubscription(result.SubscriptionID)
	assert.NoError(err)
	assert.True(sub.Verified)
	assert.Equal(env.config.DefaultLeaseSeconds, sub.LeaseSeconds)
	assert.Equal(env.config.DefaultLeaseSeconds, gotLease)
	assert.False(sub.Expires.IsZero())
	assert.Empty(sub.VerificationToken)
}

func TestSubscribeLeaseOutOfRange(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	_, err := hub.ProcessSubscriptionRequest("subscribe", "https://t.example/feed.xml", "https://cb.example/", "", env.config.MaxLeaseSeconds*10)
	assert.ErrorIs(err, ErrInvalidLease)

	_, err = hub.ProcessSubscriptionRequest("subscribe", "https://t.example/feed.xml", "https://cb.example/", "", -5)
	assert.ErrorIs(err, ErrInvalidLease)
}

func TestSubscribeLeaseHonored(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	var gotLease int
	cb := echoChallengeServer(t, &gotLease)

	result, err := hub.ProcessSubscriptionRequest("subscribe", "https://t.example/feed.xml", cb.URL, "", 12345)
	assert.NoError(err)

	env.drain(t)

	sub, err := env.store.GetSubscription(result.SubscriptionID)
	assert.NoError(err)
	assert.Equal(12345, sub.LeaseSeconds)
	assert.Equal(12345, gotLease)
}

func TestSubscribeChallengeMismatch(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "wrong-answer")
	}))
	defer ts.Close()

	result, err := hub.ProcessSubscriptionRequest("subscribe", "https://t.example/feed.xml", ts.URL, "", 0)
	assert.NoError(err)

	env.drain(t)

	// A wrong echo is a refusal: the subscription stays unverified and the
	// attempt is not retried.
	sub, err := env.store.GetSubscription(result.SubscriptionID)
	assert.NoError(err)
	assert.False(sub.Verified)
	assert.Equal(1, sub.ErrorCount)
	assert.Equal("challenge mismatch", sub.LastError)
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	cb := echoChallengeServer(t, nil)
	topic := "https://t.example/feed.xml"

	result, err := hub.ProcessSubscriptionRequest("subscribe", topic, cb.URL, "", 0)
	assert.NoError(err)
	env.drain(t)

	_, err = hub.ProcessSubscriptionRequest("unsubscribe", topic, cb.URL, "", 0)
	assert.NoError(err)
	env.drain(t)

	_, err = env.store.GetSubscription(result.SubscriptionID)
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestUnsubscribeDeadCallbackStillRemoved(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	var dead bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dead {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, r.URL.Query().Get("hub.challenge"))
	}))
	defer ts.Close()

	topic := "https://t.example/feed.xml"
	result, err := hub.ProcessSubscriptionRequest("subscribe", topic, ts.URL, "", 0)
	assert.NoError(err)
	env.drain(t)

	// The callback dies before the unsubscribe verification; the
	// registration is removed anyway.
	dead = true
	_, err = hub.ProcessSubscriptionRequest("unsubscribe", topic, ts.URL, "", 0)
	assert.NoError(err)
	env.drain(t)

	_, err = env.store.GetSubscription(result.SubscriptionID)
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestUnsubscribeKeepsVerifiedTokenClear(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	cb := echoChallengeServer(t, nil)
	topic := "https://t.example/feed.xml"

	result, err := hub.ProcessSubscriptionRequest("subscribe", topic, cb.URL, "", 0)
	assert.NoError(err)
	env.drain(t)

	_, err = hub.ProcessSubscriptionRequest("unsubscribe", topic, cb.URL, "", 0)
	assert.NoError(err)

	// While the unsubscribe is pending the row stays verified and its
	// verificationToken stays empty.
	sub, err := env.store.GetSubscription(result.SubscriptionID)
	assert.NoError(err)
	assert.True(sub.Verified)
	assert.Empty(sub.VerificationToken)
	assert.NotEmpty(sub.UnsubscribeToken)

	env.drain(t)

	_, err = env.store.GetSubscription(result.SubscriptionID)
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestUnsubscribeUnknownPairStillAccepted(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	result, err := hub.ProcessSubscriptionRequest("unsubscribe", "https://t.example/feed.xml", "https://cb.example/", "", 0)
	assert.NoError(err)
	assert.True(result.Accepted)
	assert.Empty(result.SubscriptionID)
}

func TestDistributeSignsContent(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	var (
		gotBody      []byte
		gotSignature string
		gotLink      string
		gotType      string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, r.URL.Query().Get("hub.challenge"))
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Hub-Signature")
		gotLink = r.Header.Get("Link")
		gotType = r.Header.Get("Content-Type")
	}))
	defer ts.Close()

	topic := "https://t.example/feed.xml"
	secret := "s3cret"
	_, err := hub.ProcessSubscriptionRequest("subscribe", topic, ts.URL, secret, 0)
	assert.NoError(err)
	env.drain(t)

	body := []byte("<rss>fresh content</rss>")
	count, err := hub.ProcessContentNotification(topic, "application/rss+xml", body)
	assert.NoError(err)
	assert.Equal(1, count)

	env.drain(t)

	assert.Equal(body, gotBody)
	assert.Equal("application/rss+xml", gotType)
	assert.Contains(gotLink, fmt.Sprintf(`<%s>; rel="self"`, topic))
	assert.Contains(gotLink, `rel="hub"`)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	assert.Equal("sha1="+hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestContentNotificationSkipsUnverified(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	topic := "https://t.example/feed.xml"
	assert.NoError(env.store.CreateSubscription(&types.Subscription{
		Topic:    topic,
		Callback: "https://cb.example/hook",
	}))

	count, err := hub.ProcessContentNotification(topic, "application/rss+xml", []byte("x"))
	assert.NoError(err)
	assert.Equal(0, count)
}

func TestHubClientTimeouts(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	// Callback traffic gets the webhook timeout, topic fetches the longer
	// feed fetch timeout.
	assert.Equal(env.config.WebhookTimeout, hub.client.Timeout)
	assert.Equal(env.config.FetchTimeout, hub.fetcher.Timeout)
}

func TestClearExpiredSubscriptions(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)

	now := time.Now().UTC()

	expired := &types.Subscription{
		Topic:    "https://t.example/feed.xml",
		Callback: "https://old.example/hook",
		Verified: true,
		Expires:  now.Add(-env.config.SubscriptionGrace - time.Hour),
	}
	live := &types.Subscription{
		Topic:    "https://t.example/feed.xml",
		Callback: "https://live.example/hook",
		Verified: true,
		Expires:  now.Add(time.Hour),
	}
	stalePending := &types.Subscription{
		Topic:               "https://t.example/feed.xml",
		Callback:            "https://pending.example/hook",
		VerificationToken:   "tok",
		VerificationExpires: now.Add(-env.config.SubscriptionGrace - time.Hour),
	}

	assert.NoError(env.store.CreateSubscription(expired))
	assert.NoError(env.store.CreateSubscription(live))
	assert.NoError(env.store.CreateSubscription(stalePending))

	assert.NoError(hub.ClearExpiredSubscriptions())

	_, err := env.store.GetSubscription(expired.ID)
	assert.ErrorIs(err, store.ErrNotFound)
	_, err = env.store.GetSubscription(stalePending.ID)
	assert.ErrorIs(err, store.ErrNotFound)
	_, err = env.store.GetSubscription(live.ID)
	assert.NoError(err)
}
