package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/superduperfeeder/feeder/types"
)

// TxPutFeed writes a feed row and its url index inside an open transaction.
func (s *Store) TxPutFeed(tx *Tx, feed *types.Feed) error {
	if err := tx.Put(Key(keyFeeds, feed.ID), feed); err != nil {
		return err
	}
	tx.PutRaw(Key(keyFeedsByURL, feed.URL), []byte(feed.ID))
	return nil
}

// CreateFeed persists a new feed, failing with ErrKeyExists if the url is
// already registered.
func (s *Store) CreateFeed(feed *types.Feed) error {
	return s.Atomically(func(tx *Tx) error {
		if feed.ID == "" {
			feed.ID = uuid.New().String()
		}
		tx.EnsureAbsent(Key(keyFeedsByURL, feed.URL))
		return s.TxPutFeed(tx, feed)
	})
}

// GetFeed loads a feed by id.
func (s *Store) GetFeed(id string) (*types.Feed, error) {
	var feed types.Feed
	if err := s.Get(Key(keyFeeds, id), &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

// GetFeedByURL resolves the unique url index.
func (s *Store) GetFeedByURL(url string) (*types.Feed, error) {
	id, err := s.lookupID(Key(keyFeedsByURL, url))
	if err != nil {
		return nil, err
	}
	return s.GetFeed(id)
}

// MutateFeed applies fn to the feed row under the commit lock and writes the
// result back.
func (s *Store) MutateFeed(id string, fn func(feed *types.Feed) error) error {
	return s.Atomically(func(tx *Tx) error {
		feed, err := s.GetFeed(id)
		if err != nil {
			return err
		}
		if err := fn(feed); err != nil {
			return err
		}
		return s.TxPutFeed(tx, feed)
	})
}

// DeleteFeed removes the feed row and its url index.
func (s *Store) DeleteFeed(id string) error {
	return s.Atomically(func(tx *Tx) error {
		feed, err := s.GetFeed(id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		tx.Delete(Key(keyFeeds, feed.ID))
		tx.Delete(Key(keyFeedsByURL, feed.URL))
		return nil
	})
}

// ListFeeds returns every feed row.
func (s *Store) ListFeeds() ([]*types.Feed, error) {
	var feeds []*types.Feed
	err := s.ForEach(Prefix(keyFeeds), func(key []byte) error {
		var feed types.Feed
		if err := s.Get(key, &feed); err != nil {
			return err
		}
		feeds = append(feeds, &feed)
		return nil
	})
	return feeds, err
}

// CreateFeedItem persists a new feed item, failing with ErrKeyExists if the
// (feedId, guid) pair is already taken.
func (s *Store) CreateFeedItem(item *types.FeedItem) error {
	return s.Atomically(func(tx *Tx) error {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		tx.EnsureAbsent(Key(keyFeedItemsByFeedGUID, item.FeedID, item.GUID))
		return s.TxPutFeedItem(tx, item)
	})
}

// TxPutFeedItem writes a feed item row and its (feedId, guid) index inside
// an open transaction.
func (s *Store) TxPutFeedItem(tx *Tx, item *types.FeedItem) error {
	if err := tx.Put(Key(keyFeedItems, item.ID), item); err != nil {
		return err
	}
	tx.PutRaw(Key(keyFeedItemsByFeedGUID, item.FeedID, item.GUID), []byte(item.ID))
	return nil
}

// UpdateFeedItem overwrites an existing feed item row.
func (s *Store) UpdateFeedItem(item *types.FeedItem) error {
	return s.Atomically(func(tx *Tx) error {
		return s.TxPutFeedItem(tx, item)
	})
}

// GetFeedItem loads a feed item by id.
func (s *Store) GetFeedItem(id string) (*types.FeedItem, error) {
	var item types.FeedItem
	if err := s.Get(Key(keyFeedItems, id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetFeedItemByGUID resolves the unique (feedId, guid) index.
func (s *Store) GetFeedItemByGUID(feedID, guid string) (*types.FeedItem, error) {
	id, err := s.lookupID(Key(keyFeedItemsByFeedGUID, feedID, guid))
	if err != nil {
		return nil, err
	}
	return s.GetFeedItem(id)
}

// ListFeedItems returns every item belonging to a feed.
func (s *Store) ListFeedItems(feedID string) ([]*types.FeedItem, error) {
	var items []*types.FeedItem
	err := s.ForEach(Prefix(keyFeedItemsByFeedGUID, feedID), func(key []byte) error {
		id, err := s.lookupID(key)
		if err != nil {
			return err
		}
		item, err := s.GetFeedItem(id)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// feedLease is the short-lived per-feed poll lease. It prevents two
// concurrent polls of the same feed across workers.
type feedLease struct {
	Expires time.Time `json:"expires"`
}

// TryAcquireFeedLease claims the poll lease for a feed. It returns false if
// another worker holds a live lease.
func (s *Store) TryAcquireFeedLease(feedID string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.Atomically(func(tx *Tx) error {
		var lease feedLease
		err := s.Get(Key(keyFeedLeases, feedID), &lease)
		if err == nil && time.Now().Before(lease.Expires) {
			return nil
		}
		if err != nil && err != ErrNotFound {
			return err
		}
		acquired = true
		return tx.Put(Key(keyFeedLeases, feedID), feedLease{Expires: time.Now().Add(ttl)})
	})
	return acquired, err
}

// ReleaseFeedLease drops the poll lease for a feed.
func (s *Store) ReleaseFeedLease(feedID string) error {
	return s.Atomically(func(tx *Tx) error {
		tx.Delete(Key(keyFeedLeases, feedID))
		return nil
	})
}
