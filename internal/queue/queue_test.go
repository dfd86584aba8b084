package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superduperfeeder/feeder/internal/store"
)

func newTestQueue(t *testing.T, options ...Option) *Queue {
	t.Helper()

	dir, err := os.MkdirTemp("", "*-feeder-queue-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := store.Open(fmt.Sprintf("bitcask://%s/test.db", dir))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s, options...)
}

type ping struct {
	Value string `json:"value"`
}

func TestEnqueueDispatch(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	var got []string
	q.Handle(TypePollFeed, func(_ context.Context, msg *Message) error {
		var p ping
		if err := msg.Decode(&p); err != nil {
			return err
		}
		got = append(got, p.Value)
		return nil
	})

	msg, err := NewMessage(TypePollFeed, ping{Value: "one"})
	assert.NoError(err)
	assert.NoError(q.Enqueue(msg))

	processed, err := q.DispatchOnce(context.Background())
	assert.NoError(err)
	assert.True(processed)
	assert.Equal([]string{"one"}, got)

	// Nothing left.
	processed, err = q.DispatchOnce(context.Background())
	assert.NoError(err)
	assert.False(processed)
}

func TestDispatchOrdersByNotBefore(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	var got []string
	q.Handle(TypePollFeed, func(_ context.Context, msg *Message) error {
		var p ping
		if err := msg.Decode(&p); err != nil {
			return err
		}
		got = append(got, p.Value)
		return nil
	})

	later, err := NewMessage(TypePollFeed, ping{Value: "later"})
	assert.NoError(err)
	later.NotBefore = time.Now().UTC().Add(-time.Minute)
	assert.NoError(q.Enqueue(later))

	earlier, err := NewMessage(TypePollFeed, ping{Value: "earlier"})
	assert.NoError(err)
	earlier.NotBefore = time.Now().UTC().Add(-time.Hour)
	assert.NoError(q.Enqueue(earlier))

	for {
		processed, err := q.DispatchOnce(context.Background())
		assert.NoError(err)
		if !processed {
			break
		}
	}
	assert.Equal([]string{"earlier", "later"}, got)
}

func TestDelayedMessageIsInvisible(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	q.Handle(TypePollFeed, func(_ context.Context, _ *Message) error { return nil })

	msg, err := NewMessage(TypePollFeed, ping{Value: "later"})
	assert.NoError(err)
	assert.NoError(q.Enqueue(msg, WithDelay(time.Hour)))

	processed, err := q.DispatchOnce(context.Background())
	assert.NoError(err)
	assert.False(processed)
}

func TestDedupeKeyDropsDuplicates(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	count := 0
	q.Handle(TypePollFeed, func(_ context.Context, _ *Message) error {
		count++
		return nil
	})

	for i := 0; i < 3; i++ {
		msg, err := NewMessage(TypePollFeed, ping{Value: "dup"})
		assert.NoError(err)
		assert.NoError(q.Enqueue(msg, WithKey("poll_feed/abc")))
	}

	for {
		processed, err := q.DispatchOnce(context.Background())
		assert.NoError(err)
		if !processed {
			break
		}
	}
	assert.Equal(1, count)

	// Once claimed the key is free again.
	msg, err := NewMessage(TypePollFeed, ping{Value: "dup"})
	assert.NoError(err)
	assert.NoError(q.Enqueue(msg, WithKey("poll_feed/abc")))

	processed, err := q.DispatchOnce(context.Background())
	assert.NoError(err)
	assert.True(processed)
	assert.Equal(2, count)
}

func TestRetryThenDeadLetter(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	attempts := 0
	q.Handle(TypePollFeed, func(_ context.Context, _ *Message) error {
		attempts++
		return fmt.Errorf("boom")
	})

	msg, err := NewMessage(TypePollFeed, ping{Value: "poison"})
	assert.NoError(err)
	// Two attempts, both immediate.
	assert.NoError(q.Enqueue(msg, WithBackoff([]time.Duration{0, 0})))

	for i := 0; i < 5; i++ {
		if _, err := q.DispatchOnce(context.Background()); err != nil {
			break
		}
	}

	assert.Equal(2, attempts)

	dead, err := q.DeadLetters()
	assert.NoError(err)
	assert.Len(dead, 1)
	assert.Equal(2, dead[0].Attempts)
}

func TestPanickingHandlerDeadLetters(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	q.Handle(TypePollFeed, func(_ context.Context, _ *Message) error {
		panic("kaboom")
	})

	msg, err := NewMessage(TypePollFeed, ping{Value: "poison"})
	assert.NoError(err)
	assert.NoError(q.Enqueue(msg, WithBackoff([]time.Duration{0})))

	processed, err := q.DispatchOnce(context.Background())
	assert.NoError(err)
	assert.True(processed)

	dead, err := q.DeadLetters()
	assert.NoError(err)
	assert.Len(dead, 1)
}

func TestUnhandledTypeDeadLetters(t *testing.T) {
	assert := assert.New(t)
	q := newTestQueue(t)

	msg, err := NewMessage(Type("unknown"), ping{Value: "?"})
	assert.NoError(err)
	assert.NoError(q.Enqueue(msg, WithBackoff([]time.Duration{0})))

	processed, err := q.DispatchOnce(context.Background())
	assert.NoError(err)
	assert.True(processed)

	dead, err := q.DeadLetters()
	assert.NoError(err)
	assert.Len(dead, 1)
}
