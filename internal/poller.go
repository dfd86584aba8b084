package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"

	"github.com/superduperfeeder/feeder/internal/indieweb"
	"github.com/superduperfeeder/feeder/internal/queue"
	"github.com/superduperfeeder/feeder/internal/store"
	"github.com/superduperfeeder/feeder/types"
)

const (
	pollJitter   = 5 * time.Minute
	pollLeaseTTL = 5 * time.Minute
	maxFeedSize  = 10 << 20
)

// Poller is the fallback polling engine for feeds without a WebSub hub.
type Poller struct {
	config *Config
	store  *store.Store
	queue  *queue.Queue
	hub    *Hub
	client *http.Client
}

// NewPoller creates the polling engine and registers its queue handler.
func NewPoller(config *Config, s *store.Store, q *queue.Queue, hub *Hub) *Poller {
	p := &Poller{
		config: config,
		store:  s,
		queue:  q,
		hub:    hub,
		client: &http.Client{Timeout: config.FetchTimeout},
	}
	q.Handle(queue.TypePollFeed, p.HandlePollFeed)
	return p
}

// EnqueueDueFeeds queues a poll for every feed whose interval has elapsed.
// Each feed gets a random 0-5 minute head start so polls spread out instead
// of stampeding on the tick.
func (p *Poller) EnqueueDueFeeds() error {
	feeds, err := p.store.ListFeeds()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	queued := 0
	for _, feed := range feeds {
		jittered := *feed
		jittered.LastFetched = feed.LastFetched.Add(-time.Duration(rand.Int63n(int64(pollJitter))))
		if !jittered.Due(now) {
			continue
		}

		msg, err := queue.NewMessage(queue.TypePollFeed, queue.PollFeed{FeedID: feed.ID})
		if err != nil {
			return err
		}
		if err := p.queue.Enqueue(msg, queue.WithKey("poll_feed/"+feed.ID)); err != nil {
			return err
		}
		queued++
	}

	if queued > 0 {
		log.Debugf("queued %d due feed polls", queued)
	}
	return nil
}

// HandlePollFeed processes one queued feed poll.
func (p *Poller) HandlePollFeed(ctx context.Context, msg *queue.Message) error {
	var payload queue.PollFeed
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	return p.PollFeed(ctx, payload.FeedID, false)
}

// PollFeed fetches a feed, records new entries and fans new content out to
// the hub's subscribers. With force set the conditional GET headers are
// omitted so the feed is re-read even when unchanged.
func (p *Poller) PollFeed(ctx context.Context, feedID string, force bool) error {
	feed, err := p.store.GetFeed(feedID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if !feed.Active || (feed.SupportsWebSub && !force) {
		return nil
	}

	acquired, err := p.store.TryAcquireFeedLease(feed.ID, pollLeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		log.Debugf("skipping %s, poll already in flight", feed)
		return nil
	}
	defer func() {
		if err := p.store.ReleaseFeedLease(feed.ID); err != nil {
			log.WithError(err).Warnf("error releasing poll lease for %s", feed)
		}
	}()

	now := time.Now().UTC()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.config.UserAgent())
	if !force {
		if feed.ETag != "" {
			req.Header.Set("If-None-Match", feed.ETag)
		}
		if feed.LastModified != "" {
			req.Header.Set("If-Modified-Since", feed.LastModified)
		}
	}

	res, err := p.client.Do(req)
	if err != nil {
		feedPollCounter.WithLabelValues("error").Inc()
		return p.recordPollError(feed.ID, now, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		feedPollCounter.WithLabelValues("not_modified").Inc()
		return p.store.MutateFeed(feed.ID, func(feed *types.Feed) error {
			feed.LastFetched = now
			return nil
		})
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		feedPollCounter.WithLabelValues("error").Inc()
		return p.recordPollError(feed.ID, now, fmt.Errorf("error fetching %s: %s", feed, res.Status))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxFeedSize))
	if err != nil {
		feedPollCounter.WithLabelValues("error").Inc()
		return p.recordPollError(feed.ID, now, err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		feedPollCounter.WithLabelValues("error").Inc()
		return p.recordPollError(feed.ID, now, fmt.Errorf("error parsing %s: %w", feed, err))
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/rss+xml"
	}

	newItems, err := p.processEntries(feed, parsed, now)
	if err != nil {
		return err
	}

	hub := indieweb.FindFeedLink(body, "hub")

	err = p.store.MutateFeed(feed.ID, func(f *types.Feed) error {
		f.LastFetched = now
		f.ETag = res.Header.Get("ETag")
		f.LastModified = res.Header.Get("Last-Modified")
		f.ErrorCount = 0
		f.LastError = ""

		if parsed.Title != "" {
			f.Title = parsed.Title
		}
		if parsed.Description != "" {
			f.Description = parsed.Description
		}
		if newItems > 0 {
			f.LastUpdated = now
		}
		if latest := latestEntryGUID(parsed); latest != "" {
			f.LastProcessedEntryID = latest
		}

		// A feed that advertises a hub leaves the polling due-set: the hub
		// pushes from here on.
		if hub != "" {
			f.SupportsWebSub = true
			f.WebSubHub = hub
			log.Infof("%s advertises hub %s, dropping from polling", feed, hub)
		}
		return nil
	})
	if err != nil {
		return err
	}

	feedPollCounter.WithLabelValues("success").Inc()

	if newItems > 0 {
		log.Infof("poll of %s found %d new items", feed, newItems)
		if _, err := p.hub.ProcessContentNotification(feed.URL, contentType, body); err != nil {
			return err
		}
	}
	return nil
}

// processEntries walks the parsed entries in feed order and persists the new
// ones. The walk short-circuits at the last entry processed on a previous
// poll. Returns the number of items not seen before.
func (p *Poller) processEntries(feed *types.Feed, parsed *gofeed.Feed, now time.Time) (int, error) {
	newItems := 0
	for _, entry := range parsed.Items {
		guid := entryGUID(entry)
		if guid == "" {
			continue
		}
		if guid == feed.LastProcessedEntryID {
			break
		}

		item := normalizeItem(feed.ID, guid, entry)

		existing, err := p.store.GetFeedItemByGUID(feed.ID, guid)
		if err != nil && err != store.ErrNotFound {
			return newItems, err
		}
		if existing == nil {
			if err := p.store.CreateFeedItem(item); err != nil && err != store.ErrKeyExists {
				return newItems, err
			}
			newItems++
			continue
		}
		// Re-observed entry: overwrite only when the update is strictly newer.
		if item.Updated.After(existing.Updated) {
			item.ID = existing.ID
			if err := p.store.UpdateFeedItem(item); err != nil {
				return newItems, err
			}
		}
	}
	return newItems, nil
}

func (p *Poller) recordPollError(feedID string, now time.Time, cause error) error {
	log.WithError(cause).Warnf("error polling feed %s", feedID)
	if err := p.store.MutateFeed(feedID, func(feed *types.Feed) error {
		feed.LastFetched = now
		feed.ErrorCount++
		feed.LastError = cause.Error()
		feed.LastErrorTime = now
		return nil
	}); err != nil {
		return err
	}
	return cause
}

// entryGUID picks the dedupe key for an entry: its GUID, falling back to its
// link.
func entryGUID(entry *gofeed.Item) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	return entry.Link
}

// latestEntryGUID returns the guid of the most recent entry by update time.
func latestEntryGUID(parsed *gofeed.Feed) string {
	entries := append([]*gofeed.Item(nil), parsed.Items...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entryTime(entries[i]).After(entryTime(entries[j]))
	})
	for _, entry := range entries {
		if guid := entryGUID(entry); guid != "" {
			return guid
		}
	}
	return ""
}

func entryTime(entry *gofeed.Item) time.Time {
	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed
	}
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed
	}
	return time.Time{}
}

func normalizeItem(feedID, guid string, entry *gofeed.Item) *types.FeedItem {
	item := &types.FeedItem{
		FeedID:     feedID,
		GUID:       guid,
		URL:        entry.Link,
		Title:      entry.Title,
		Categories: entry.Categories,
	}
	if entry.Author != nil {
		item.Author = entry.Author.Name
	}
	if entry.PublishedParsed != nil {
		item.Published = entry.PublishedParsed.UTC()
	}
	if entry.UpdatedParsed != nil {
		item.Updated = entry.UpdatedParsed.UTC()
	} else {
		item.Updated = item.Published
	}
	return item
}
