// Package queue implements a durable at-least-once task queue on top of the
// bitcask store. Messages survive restarts, are redelivered when a worker
// dies mid-handling (visibility timeout) and move to a dead-letter keyspace
// once their backoff schedule is exhausted.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/superduperfeeder/feeder/internal/store"
)

const (
	keyReady    = "queue"
	keyInflight = "queue_inflight"
	keyDead     = "queue_dead"
	keyDedupe   = "queue_keys"

	defaultWorkers    = 4
	defaultVisibility = 2 * time.Minute
	dispatchTick      = time.Second
)

// DefaultBackoff is the retry schedule used when a message carries none.
var DefaultBackoff = []time.Duration{time.Second, 10 * time.Second, time.Minute, 10 * time.Minute}

// Handler processes one message. A non-nil error requeues the message per
// its backoff schedule.
type Handler func(ctx context.Context, msg *Message) error

// Queue is the durable queue. Handlers are registered per message type
// before Start; the dispatch loop routes by tag.
type Queue struct {
	mu       sync.RWMutex
	handlers map[Type]Handler

	store      *store.Store
	workers    int
	visibility time.Duration

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Option configures a Queue.
type Option func(q *Queue)

// WithWorkers sets the number of concurrent dispatch workers.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithVisibility sets the visibility timeout for in-flight messages.
func WithVisibility(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// New creates a queue backed by the given store.
func New(s *store.Store, options ...Option) *Queue {
	q := &Queue{
		handlers:   make(map[Type]Handler),
		store:      s,
		workers:    defaultWorkers,
		visibility: defaultVisibility,
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// Handle registers the handler for a message type.
func (q *Queue) Handle(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[t] = h
}

func (q *Queue) handler(t Type) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.handlers[t]
}

// EnqueueOption configures a single enqueue.
type EnqueueOption func(msg *Message)

// WithDelay makes the message invisible until now+d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(msg *Message) { msg.NotBefore = time.Now().UTC().Add(d) }
}

// WithBackoff sets the per-attempt retry schedule.
func WithBackoff(schedule []time.Duration) EnqueueOption {
	return func(msg *Message) { msg.Backoff = schedule }
}

// WithKey sets a dedupe key: while a message with the same key is pending,
// further enqueues are dropped.
func WithKey(key string) EnqueueOption {
	return func(msg *Message) { msg.Key = key }
}

// Enqueue commits a message durably. The message is visible to workers once
// its NotBefore has passed.
func (q *Queue) Enqueue(msg Message, options ...EnqueueOption) error {
	return q.store.Atomically(func(tx *store.Tx) error {
		return q.TxEnqueue(tx, &msg, options...)
	})
}

// TxEnqueue adds a message to an open store transaction so that it commits
// atomically with the caller's row mutations.
func (q *Queue) TxEnqueue(tx *store.Tx, msg *Message, options ...EnqueueOption) error {
	for _, opt := range options {
		opt(msg)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Enqueued.IsZero() {
		msg.Enqueued = time.Now().UTC()
	}
	if msg.NotBefore.IsZero() {
		msg.NotBefore = msg.Enqueued
	}
	if len(msg.Backoff) == 0 {
		msg.Backoff = DefaultBackoff
	}

	if msg.Key != "" {
		if q.store.Has(store.Key(keyDedupe, msg.Key)) {
			log.Debugf("dropping duplicate %s message for key %s", msg.Type, msg.Key)
			return nil
		}
		tx.PutRaw(store.Key(keyDedupe, msg.Key), []byte(msg.ID))
	}

	return tx.Put(readyKey(msg), msg)
}

func readyKey(msg *Message) []byte {
	return store.Key(keyReady, fmt.Sprintf("%020d", msg.NotBefore.UnixNano()), msg.ID)
}

// Start launches the dispatch workers.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	eg, ctx := errgroup.WithContext(ctx)
	q.eg = eg

	for i := 0; i < q.workers; i++ {
		eg.Go(func() error {
			ticker := time.NewTicker(dispatchTick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				for {
					processed, err := q.DispatchOnce(ctx)
					if err != nil {
						log.WithError(err).Error("error dispatching queue message")
						break
					}
					if !processed {
						break
					}
				}
			}
		})
	}

	eg.Go(func() error {
		ticker := time.NewTicker(q.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := q.reapExpired(); err != nil {
					log.WithError(err).Error("error reaping expired in-flight messages")
				}
			}
		}
	})
}

// Stop cancels intake and waits up to grace for in-flight handlers to drain.
func (q *Queue) Stop(grace time.Duration) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()

	done := make(chan error, 1)
	go func() { done <- q.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		log.Warn("abandoning in-flight queue handlers after grace period")
		return nil
	}
}

type inflight struct {
	Message  Message   `json:"message"`
	Deadline time.Time `json:"deadline"`
}

// DispatchOnce claims and processes at most one ready message. It returns
// true if a message was handled (successfully or not).
func (q *Queue) DispatchOnce(ctx context.Context) (bool, error) {
	msg, err := q.claim()
	if err != nil || msg == nil {
		return false, err
	}

	handlerErr := q.run(ctx, msg)
	if handlerErr == nil {
		return true, q.store.Atomically(func(tx *store.Tx) error {
			tx.Delete(store.Key(keyInflight, msg.ID))
			return nil
		})
	}

	log.WithError(handlerErr).Errorf("error handling %s message %s (attempt %d)", msg.Type, msg.ID, msg.Attempts)
	return true, q.retry(msg)
}

// claim atomically moves the earliest ready message into the in-flight
// keyspace and releases its dedupe key.
func (q *Queue) claim() (*Message, error) {
	var claimed *Message

	err := q.store.Atomically(func(tx *store.Tx) error {
		now := time.Now().UTC()

		var (
			best    *Message
			bestKey []byte
		)
		err := q.store.ForEach(store.Prefix(keyReady), func(key []byte) error {
			var msg Message
			if err := q.store.Get(key, &msg); err != nil {
				return err
			}
			if msg.NotBefore.After(now) {
				return nil
			}
			if best == nil || msg.NotBefore.Before(best.NotBefore) {
				best = &msg
				bestKey = append([]byte(nil), key...)
			}
			return nil
		})
		if err != nil || best == nil {
			return err
		}

		tx.Delete(bestKey)
		if best.Key != "" {
			tx.Delete(store.Key(keyDedupe, best.Key))
		}
		if err := tx.Put(store.Key(keyInflight, best.ID), inflight{
			Message:  *best,
			Deadline: now.Add(q.visibility),
		}); err != nil {
			return err
		}

		claimed = best
		return nil
	})

	return claimed, err
}

// run invokes the handler for a message, converting panics into errors so a
// poison message burns through its retry budget instead of killing a worker.
func (q *Queue) run(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler for %s message %s panicked: %v\n%s", msg.Type, msg.ID, r, debug.Stack())
			err = fmt.Errorf("panic in %s handler: %v", msg.Type, r)
		}
	}()

	msg.Attempts++

	h := q.handler(msg.Type)
	if h == nil {
		return fmt.Errorf("no handler registered for message type %q", msg.Type)
	}
	return h(ctx, msg)
}

// retry requeues a failed message per its backoff schedule, or moves it to
// the dead-letter keyspace when the schedule is exhausted.
func (q *Queue) retry(msg *Message) error {
	return q.store.Atomically(func(tx *store.Tx) error {
		tx.Delete(store.Key(keyInflight, msg.ID))

		if msg.Attempts >= len(msg.Backoff) {
			log.Errorf("giving up on %s message %s after %d attempts", msg.Type, msg.ID, msg.Attempts)
			return tx.Put(store.Key(keyDead, msg.ID), msg)
		}

		msg.NotBefore = time.Now().UTC().Add(msg.Backoff[msg.Attempts-1])
		return tx.Put(readyKey(msg), msg)
	})
}

// reapExpired requeues in-flight messages whose visibility deadline has
// passed. The attempt that died still counts against the budget.
func (q *Queue) reapExpired() error {
	return q.store.Atomically(func(tx *store.Tx) error {
		now := time.Now().UTC()
		return q.store.ForEach(store.Prefix(keyInflight), func(key []byte) error {
			var inf inflight
			if err := q.store.Get(key, &inf); err != nil {
				return err
			}
			if inf.Deadline.After(now) {
				return nil
			}
			log.Warnf("redelivering expired in-flight %s message %s", inf.Message.Type, inf.Message.ID)
			tx.Delete(append([]byte(nil), key...))
			inf.Message.NotBefore = now
			return tx.Put(readyKey(&inf.Message), &inf.Message)
		})
	})
}

// DeadLetters returns the messages parked in the dead-letter keyspace.
func (q *Queue) DeadLetters() ([]*Message, error) {
	var msgs []*Message
	err := q.store.ForEach(store.Prefix(keyDead), func(key []byte) error {
		var msg Message
		if err := q.store.Get(key, &msg); err != nil {
			return err
		}
		msgs = append(msgs, &msg)
		return nil
	})
	return msgs, err
}
