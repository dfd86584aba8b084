package types

import (
	"fmt"
	"time"
)

// Feed is a polled source of record. Feeds that advertise a WebSub hub are
// permanently excluded from the polling due-set.
type Feed struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	LastFetched  time.Time `json:"lastFetched,omitempty"`
	LastUpdated  time.Time `json:"lastUpdated,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`

	PollingIntervalMinutes int  `json:"pollingIntervalMinutes"`
	Active                 bool `json:"active"`

	SupportsWebSub bool   `json:"supportsWebSub"`
	WebSubHub      string `json:"webSubHub,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`

	LastProcessedEntryID string `json:"lastProcessedEntryId,omitempty"`
}

// String implements the Stringer interface.
func (f Feed) String() string { return fmt.Sprintf("Feed: %s", f.URL) }

// Due returns true if the feed is eligible for polling at `now`.
// A feed that advertises a hub is never due.
func (f Feed) Due(now time.Time) bool {
	if !f.Active || f.SupportsWebSub {
		return false
	}
	if f.LastFetched.IsZero() {
		return true
	}
	interval := time.Duration(f.PollingIntervalMinutes) * time.Minute
	return !f.LastFetched.Add(interval).After(now)
}

// FeedItem is a single entry observed on a feed. The (FeedID, GUID) pair is
// unique; re-observing an entry with a newer Updated timestamp overwrites it.
type FeedItem struct {
	ID         string    `json:"id"`
	FeedID     string    `json:"feedId"`
	GUID       string    `json:"guid"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Author     string    `json:"author,omitempty"`
	Published  time.Time `json:"published,omitempty"`
	Updated    time.Time `json:"updated,omitempty"`
	Categories []string  `json:"categories,omitempty"`
}

// String implements the Stringer interface.
func (i FeedItem) String() string {
	return fmt.Sprintf("FeedItem: %s (%s)", i.GUID, i.Title)
}
