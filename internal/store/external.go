package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/superduperfeeder/feeder/types"
)

// TxPutExternalSubscription writes an external subscription row and its
// topic and callback-path indexes inside an open transaction.
func (s *Store) TxPutExternalSubscription(tx *Tx, esub *types.ExternalSubscription) error {
	if err := tx.Put(Key(keyExternalSubscriptions, esub.ID), esub); err != nil {
		return err
	}
	tx.PutRaw(Key(keyExternalSubsByTopic, esub.Topic), []byte(esub.ID))
	tx.PutRaw(Key(keyExternalSubsByCallback, esub.CallbackPath), []byte(esub.ID))
	return nil
}

// CreateExternalSubscription persists a new external subscription.
func (s *Store) CreateExternalSubscription(esub *types.ExternalSubscription) error {
	return s.Atomically(func(tx *Tx) error {
		if esub.ID == "" {
			esub.ID = uuid.New().String()
		}
		if esub.Created.IsZero() {
			esub.Created = time.Now().UTC()
		}
		tx.EnsureAbsent(Key(keyExternalSubsByTopic, esub.Topic))
		return s.TxPutExternalSubscription(tx, esub)
	})
}

// GetExternalSubscription loads an external subscription by id.
func (s *Store) GetExternalSubscription(id string) (*types.ExternalSubscription, error) {
	var esub types.ExternalSubscription
	if err := s.Get(Key(keyExternalSubscriptions, id), &esub); err != nil {
		return nil, err
	}
	return &esub, nil
}

// GetExternalSubscriptionByTopic resolves the topic index.
func (s *Store) GetExternalSubscriptionByTopic(topic string) (*types.ExternalSubscription, error) {
	id, err := s.lookupID(Key(keyExternalSubsByTopic, topic))
	if err != nil {
		return nil, err
	}
	return s.GetExternalSubscription(id)
}

// GetExternalSubscriptionByCallbackPath resolves the callback-path index.
func (s *Store) GetExternalSubscriptionByCallbackPath(path string) (*types.ExternalSubscription, error) {
	id, err := s.lookupID(Key(keyExternalSubsByCallback, path))
	if err != nil {
		return nil, err
	}
	return s.GetExternalSubscription(id)
}

// MutateExternalSubscription applies fn to the row under the commit lock and
// writes the result back.
func (s *Store) MutateExternalSubscription(id string, fn func(esub *types.ExternalSubscription) error) error {
	return s.Atomically(func(tx *Tx) error {
		esub, err := s.GetExternalSubscription(id)
		if err != nil {
			return err
		}
		if err := fn(esub); err != nil {
			return err
		}
		return s.TxPutExternalSubscription(tx, esub)
	})
}

// DeleteExternalSubscription removes the row and every index pointing at it.
func (s *Store) DeleteExternalSubscription(id string) error {
	return s.Atomically(func(tx *Tx) error {
		esub, err := s.GetExternalSubscription(id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		tx.Delete(Key(keyExternalSubscriptions, esub.ID))
		tx.Delete(Key(keyExternalSubsByTopic, esub.Topic))
		tx.Delete(Key(keyExternalSubsByCallback, esub.CallbackPath))
		return nil
	})
}

// ListExternalSubscriptions returns every external subscription row.
func (s *Store) ListExternalSubscriptions() ([]*types.ExternalSubscription, error) {
	var esubs []*types.ExternalSubscription
	err := s.ForEach(Prefix(keyExternalSubscriptions), func(key []byte) error {
		var esub types.ExternalSubscription
		if err := s.Get(key, &esub); err != nil {
			return err
		}
		esubs = append(esubs, &esub)
		return nil
	})
	return esubs, err
}

// TxPutUserCallback writes a user callback row and its (topic, url) index
// inside an open transaction.
func (s *Store) TxPutUserCallback(tx *Tx, cb *types.UserCallback) error {
	if err := tx.Put(Key(keyUserCallbacks, cb.ID), cb); err != nil {
		return err
	}
	tx.PutRaw(Key(keyUserCallbacksByTopicURL, cb.Topic, cb.CallbackURL), []byte(cb.ID))
	return nil
}

// CreateUserCallback persists a new user callback, failing with ErrKeyExists
// if the (topic, url) pair is already registered.
func (s *Store) CreateUserCallback(cb *types.UserCallback) error {
	return s.Atomically(func(tx *Tx) error {
		if cb.ID == "" {
			cb.ID = uuid.New().String()
		}
		tx.EnsureAbsent(Key(keyUserCallbacksByTopicURL, cb.Topic, cb.CallbackURL))
		return s.TxPutUserCallback(tx, cb)
	})
}

// GetUserCallback loads a user callback by id.
func (s *Store) GetUserCallback(id string) (*types.UserCallback, error) {
	var cb types.UserCallback
	if err := s.Get(Key(keyUserCallbacks, id), &cb); err != nil {
		return nil, err
	}
	return &cb, nil
}

// GetUserCallbackByTopicURL resolves the unique (topic, url) index.
func (s *Store) GetUserCallbackByTopicURL(topic, url string) (*types.UserCallback, error) {
	id, err := s.lookupID(Key(keyUserCallbacksByTopicURL, topic, url))
	if err != nil {
		return nil, err
	}
	return s.GetUserCallback(id)
}

// MutateUserCallback applies fn to the row under the commit lock and writes
// the result back.
func (s *Store) MutateUserCallback(id string, fn func(cb *types.UserCallback) error) error {
	return s.Atomically(func(tx *Tx) error {
		cb, err := s.GetUserCallback(id)
		if err != nil {
			return err
		}
		if err := fn(cb); err != nil {
			return err
		}
		return s.TxPutUserCallback(tx, cb)
	})
}

// DeleteUserCallback removes the row and its (topic, url) index.
func (s *Store) DeleteUserCallback(id string) error {
	return s.Atomically(func(tx *Tx) error {
		cb, err := s.GetUserCallback(id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		tx.Delete(Key(keyUserCallbacks, cb.ID))
		tx.Delete(Key(keyUserCallbacksByTopicURL, cb.Topic, cb.CallbackURL))
		return nil
	})
}

// ListUserCallbacks returns every user callback row.
func (s *Store) ListUserCallbacks() ([]*types.UserCallback, error) {
	var cbs []*types.UserCallback
	err := s.ForEach(Prefix(keyUserCallbacks), func(key []byte) error {
		var cb types.UserCallback
		if err := s.Get(key, &cb); err != nil {
			return err
		}
		cbs = append(cbs, &cb)
		return nil
	})
	return cbs, err
}

// UserCallbacksForTopic returns all verified user callbacks for a topic.
func (s *Store) UserCallbacksForTopic(topic string) ([]*types.UserCallback, error) {
	cbs, err := s.ListUserCallbacks()
	if err != nil {
		return nil, err
	}
	var matched []*types.UserCallback
	for _, cb := range cbs {
		if cb.Topic == topic && cb.Verified {
			matched = append(matched, cb)
		}
	}
	return matched, nil
}
