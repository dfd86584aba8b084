package store

import "strings"

// Keyspaces. Rows live at <keyspace>/<id>; secondary indexes map
// <keyspace>/<tuple> to the primary id, with tuple parts joined by NUL.
const (
	keySubscriptions            = "subscriptions"
	keySubscriptionsByTopicCb   = "subscriptions_by_topic_callback"
	keyFeeds                    = "feeds"
	keyFeedsByURL               = "feeds_by_url"
	keyFeedItems                = "feed_items"
	keyFeedItemsByFeedGUID      = "feed_items_by_feed_guid"
	keyExternalSubscriptions    = "external_subscriptions"
	keyExternalSubsByTopic      = "external_subscriptions_by_topic"
	keyExternalSubsByCallback   = "external_subscriptions_by_callback"
	keyUserCallbacks            = "user_callbacks"
	keyUserCallbacksByTopicURL  = "user_callbacks_by_topic_url"
	keyFeedLeases               = "feed_polls"
)

const tupleSep = "\x00"

// Key builds a tuple key under a keyspace.
func Key(keyspace string, parts ...string) []byte {
	return []byte(keyspace + "/" + strings.Join(parts, tupleSep))
}

// Prefix returns the scan prefix covering every key in a keyspace.
func Prefix(keyspace string, parts ...string) []byte {
	if len(parts) == 0 {
		return []byte(keyspace + "/")
	}
	return []byte(keyspace + "/" + strings.Join(parts, tupleSep) + tupleSep)
}
