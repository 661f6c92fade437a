package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.committed))
	for _, m := range r.committed {
		out = append(out, key(m))
	}
	return out
}

func key(m kafka.Message) string { return fmt.Sprintf("p%d/%d", m.Partition, m.Offset) }

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "order.created", Partition: partition, Offset: offset}
}

type attempts struct {
	mu sync.Mutex
	n  map[string]int
}

func (a *attempts) inc(m kafka.Message) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n[key(m)]++
	return a.n[key(m)]
}

func (a *attempts) get(k string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n[k]
}

func startConsumer(t *testing.T, r *fakeReader, workers int, h Handler) (stop func()) {
	t.Helper()
	c := newConsumer(r, workers, nil)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestConsumer_RetriesFailedMessageBeforeCommittingLaterOnes(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{msg(0, 0), msg(0, 1), msg(1, 0), msg(0, 2)}}
	seen := &attempts{n: map[string]int{}}
	stop := startConsumer(t, r, 2, func(_ context.Context, m kafka.Message) error {
		if seen.inc(m) <= 2 && key(m) == "p0/1" {
			return errors.New("broker unavailable")
		}
		return nil
	})

	assert.Eventually(t, func() bool { return len(r.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	stop()

	var p0 []string
	for _, k := range r.commits() {
		if k[:2] == "p0" {
			p0 = append(p0, k)
		}
	}
	assert.Equal(t, []string{"p0/0", "p0/1", "p0/2"}, p0)
	assert.Equal(t, 3, seen.get("p0/1"))
	assert.True(t, r.closed)
}

func TestConsumer_PoisonMessageIsCommittedOnce(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{msg(0, 0), msg(0, 1)}}
	seen := &attempts{n: map[string]int{}}
	stop := startConsumer(t, r, 1, func(_ context.Context, m kafka.Message) error {
		seen.inc(m)
		if m.Offset == 0 {
			return Poison(errors.New("undecodable"))
		}
		return nil
	})

	assert.Eventually(t, func() bool { return len(r.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"p0/0", "p0/1"}, r.commits())
	assert.Equal(t, 1, seen.get("p0/0"))
}

func TestConsumer_ShutdownLeavesFailingPartitionUncommitted(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{msg(0, 0), msg(0, 1), msg(1, 0)}}
	seen := &attempts{n: map[string]int{}}
	stop := startConsumer(t, r, 2, func(_ context.Context, m kafka.Message) error {
		seen.inc(m)
		if m.Partition == 0 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	assert.Eventually(t, func() bool {
		return seen.get("p0/0") >= 3 && len(r.commits()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"p1/0"}, r.commits())
	assert.Zero(t, seen.get("p0/1"), "nothing behind a failing message is handled")
}
