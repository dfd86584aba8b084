package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/superduperfeeder/feeder/types"
)

// TxPutSubscription writes a subscription row and its (topic, callback)
// index inside an open transaction.
func (s *Store) TxPutSubscription(tx *Tx, sub *types.Subscription) error {
	if err := tx.Put(Key(keySubscriptions, sub.ID), sub); err != nil {
		return err
	}
	tx.PutRaw(Key(keySubscriptionsByTopicCb, sub.Topic, sub.Callback), []byte(sub.ID))
	return nil
}

// TxCreateSubscription assigns an id and creation time if missing and
// writes the row, failing with ErrKeyExists if the (topic, callback) pair is
// already taken.
func (s *Store) TxCreateSubscription(tx *Tx, sub *types.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Created.IsZero() {
		sub.Created = time.Now().UTC()
	}
	tx.EnsureAbsent(Key(keySubscriptionsByTopicCb, sub.Topic, sub.Callback))
	return s.TxPutSubscription(tx, sub)
}

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(sub *types.Subscription) error {
	return s.Atomically(func(tx *Tx) error {
		return s.TxCreateSubscription(tx, sub)
	})
}

// GetSubscription loads a subscription by id.
func (s *Store) GetSubscription(id string) (*types.Subscription, error) {
	var sub types.Subscription
	if err := s.Get(Key(keySubscriptions, id), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionByTopicCallback resolves the unique (topic, callback) index.
func (s *Store) GetSubscriptionByTopicCallback(topic, callback string) (*types.Subscription, error) {
	id, err := s.lookupID(Key(keySubscriptionsByTopicCb, topic, callback))
	if err != nil {
		return nil, err
	}
	return s.GetSubscription(id)
}

// MutateSubscription applies fn to the subscription row under the commit
// lock and writes the result back.
func (s *Store) MutateSubscription(id string, fn func(sub *types.Subscription) error) error {
	return s.Atomically(func(tx *Tx) error {
		sub, err := s.GetSubscription(id)
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		return s.TxPutSubscription(tx, sub)
	})
}

// DeleteSubscription removes the row and every index pointing at it.
func (s *Store) DeleteSubscription(id string) error {
	return s.Atomically(func(tx *Tx) error {
		sub, err := s.GetSubscription(id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		tx.Delete(Key(keySubscriptions, sub.ID))
		tx.Delete(Key(keySubscriptionsByTopicCb, sub.Topic, sub.Callback))
		return nil
	})
}

// ListSubscriptions returns every subscription row.
func (s *Store) ListSubscriptions() ([]*types.Subscription, error) {
	var subs []*types.Subscription
	err := s.ForEach(Prefix(keySubscriptions), func(key []byte) error {
		var sub types.Subscription
		if err := s.Get(key, &sub); err != nil {
			return err
		}
		subs = append(subs, &sub)
		return nil
	})
	return subs, err
}

// SubscriptionsForTopic returns all verified subscriptions for a topic.
func (s *Store) SubscriptionsForTopic(topic string) ([]*types.Subscription, error) {
	subs, err := s.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	var matched []*types.Subscription
	for _, sub := range subs {
		if sub.Topic == topic && sub.Verified {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}
