package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/superduperfeeder/feeder/internal/queue"
	"github.com/superduperfeeder/feeder/types"
)

const testRSSTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Poll Test</title>
    <link>https://example.com/</link>
    <description>polling</description>
    %s
  </channel>
</rss>`

const testRSSItems = `
    <item>
      <title>Second</title>
      <guid>entry-2</guid>
      <link>https://example.com/2</link>
      <pubDate>Tue, 02 Feb 2021 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>First</title>
      <guid>entry-1</guid>
      <link>https://example.com/1</link>
      <pubDate>Mon, 01 Feb 2021 10:00:00 GMT</pubDate>
    </item>`

func newTestPoller(t *testing.T) (*testEnv, *Poller, *Hub) {
	t.Helper()
	env := newTestEnv(t)
	hub := NewHub(env.config, env.store, env.queue)
	poller := NewPoller(env.config, env.store, env.queue, hub)
	return env, poller, hub
}

func TestPollFeedRecordsItems(t *testing.T) {
	assert := assert.New(t)
	env, poller, _ := newTestPoller(t)

	requests := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, testRSSTemplate, testRSSItems)
	}))
	defer ts.Close()

	feed := &types.Feed{URL: ts.URL, Active: true, PollingIntervalMinutes: 60}
	assert.NoError(env.store.CreateFeed(feed))

	assert.NoError(poller.PollFeed(context.Background(), feed.ID, false))

	items, err := env.store.ListFeedItems(feed.ID)
	assert.NoError(err)
	assert.Len(items, 2)

	got, err := env.store.GetFeed(feed.ID)
	assert.NoError(err)
	assert.Equal("Poll Test", got.Title)
	assert.Equal(`"v1"`, got.ETag)
	assert.Equal("entry-2", got.LastProcessedEntryID)
	assert.False(got.LastFetched.IsZero())
	assert.False(got.LastUpdated.IsZero())
	assert.Equal(0, got.ErrorCount)

	// Second poll is conditional and gets a 304: nothing changes but the
	// fetch time.
	assert.NoError(poller.PollFeed(context.Background(), feed.ID, false))
	assert.Equal(2, requests)

	items, err = env.store.ListFeedItems(feed.ID)
	assert.NoError(err)
	assert.Len(items, 2)
}

func TestPollFeedShortCircuitsAtLastProcessed(t *testing.T) {
	assert := assert.New(t)
	env, poller, _ := newTestPoller(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, testRSSTemplate, testRSSItems)
	}))
	defer ts.Close()

	feed := &types.Feed{
		URL:                    ts.URL,
		Active:                 true,
		PollingIntervalMinutes: 60,
		LastProcessedEntryID:   "entry-2",
	}
	assert.NoError(env.store.CreateFeed(feed))

	assert.NoError(poller.PollFeed(context.Background(), feed.ID, false))

	items, err := env.store.ListFeedItems(feed.ID)
	assert.NoError(err)
	assert.Len(items, 0)
}

func TestPollFeedUpgradesToWebSub(t *testing.T) {
	assert := assert.New(t)
	env, poller, _ := newTestPoller(t)

	withHub := `<atom:link rel="hub" href="https://hub.example.com/"/>` + testRSSItems
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, testRSSTemplate, withHub)
	}))
	defer ts.Close()

	feed := &types.Feed{URL: ts.URL, Active: true, PollingIntervalMinutes: 60}
	assert.NoError(env.store.CreateFeed(feed))

	assert.NoError(poller.PollFeed(context.Background(), feed.ID, false))

	got, err := env.store.GetFeed(feed.ID)
	assert.NoError(err)
	assert.True(got.SupportsWebSub)
	assert.Equal("https://hub.example.com/", got.WebSubHub)

	// Hub-backed feeds leave the due-set for good.
	assert.False(got.Due(time.Now().Add(24*time.Hour)))
}

func TestPollFeedRecordsErrors(t *testing.T) {
	assert := assert.New(t)
	env, poller, _ := newTestPoller(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	feed := &types.Feed{URL: ts.URL, Active: true, PollingIntervalMinutes: 60}
	assert.NoError(env.store.CreateFeed(feed))

	assert.Error(poller.PollFeed(context.Background(), feed.ID, false))

	got, err := env.store.GetFeed(feed.ID)
	assert.NoError(err)
	assert.Equal(1, got.ErrorCount)
	assert.NotEmpty(got.LastError)
	assert.False(got.LastFetched.IsZero())
}

func TestPollFeedNotifiesSubscribers(t *testing.T) {
	assert := assert.New(t)
	env, poller, hub := newTestPoller(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, testRSSTemplate, testRSSItems)
	}))
	defer ts.Close()

	delivered := 0
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, r.URL.Query().Get("hub.challenge"))
			return
		}
		delivered++
	}))
	defer cb.Close()

	_, err := hub.ProcessSubscriptionRequest("subscribe", ts.URL, cb.URL, "", 0)
	assert.NoError(err)
	env.drain(t)

	feed := &types.Feed{URL: ts.URL, Active: true, PollingIntervalMinutes: 60}
	assert.NoError(env.store.CreateFeed(feed))
	assert.NoError(poller.PollFeed(context.Background(), feed.ID, false))
	env.drain(t)

	assert.Equal(1, delivered)
}

func TestEnqueueDueFeeds(t *testing.T) {
	assert := assert.New(t)
	env, poller, _ := newTestPoller(t)

	var polled []string
	env.queue.Handle(queue.TypePollFeed, func(_ context.Context, msg *queue.Message) error {
		var p queue.PollFeed
		if err := msg.Decode(&p); err != nil {
			return err
		}
		polled = append(polled, p.FeedID)
		return nil
	})

	due := &types.Feed{URL: "https://due.example/feed.xml", Active: true, PollingIntervalMinutes: 60}
	pushed := &types.Feed{URL: "https://pushed.example/feed.xml", Active: true, PollingIntervalMinutes: 60, SupportsWebSub: true}
	inactive := &types.Feed{URL: "https://off.example/feed.xml", PollingIntervalMinutes: 60}
	fresh := &types.Feed{URL: "https://fresh.example/feed.xml", Active: true, PollingIntervalMinutes: 60, LastFetched: time.Now().UTC()}

	for _, feed := range []*types.Feed{due, pushed, inactive, fresh} {
		assert.NoError(env.store.CreateFeed(feed))
	}

	assert.NoError(poller.EnqueueDueFeeds())
	env.drain(t)

	assert.Equal([]string{due.ID}, polled)
}
