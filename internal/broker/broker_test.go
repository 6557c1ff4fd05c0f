package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/metrics"
)

func testMessage(seq int, sys, kind uint8) domain.Message {
	return domain.NewMessage(1, domain.Header{Sequence: uint8(seq), SystemID: sys, ComponentID: 1, Kind: kind},
		"TEST", []domain.Field{{Name: "n", Value: uint32(seq)}}, []byte{byte(seq)}, time.Now())
}

func seqOf(t *testing.T, msg domain.Message) int {
	t.Helper()
	v, ok := msg.Uint("n")
	require.True(t, ok)

	return int(v)
}

func TestLossySubscriberSeesLastCapacityInOrder(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub, err := b.Subscribe(LossyPolicy(5), Filter{})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(context.Background(), testMessage(i, 1, 1)))
	}

	var got []int
	for {
		msg, ok := sub.TryRecv()
		if !ok {
			break
		}
		got = append(got, seqOf(t, msg))
	}
	assert.Equal(t, []int{45, 46, 47, 48, 49}, got)
	assert.Equal(t, uint64(45), sub.Stats().Dropped)
}

func TestLosslessSubscriberGetsEverythingUnderSlowConsumer(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub, err := b.Subscribe(LosslessPolicy(4, time.Second), Filter{})
	require.NoError(t, err)

	const n = 300
	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(got) < n {
			msg, err := sub.Recv(context.Background())
			if err != nil {
				return
			}
			if len(got)%50 == 0 {
				time.Sleep(2 * time.Millisecond)
			}
			got = append(got, seqOf(t, msg))
		}
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), testMessage(i, 1, 1)))
	}
	wg.Wait()

	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestFilterSelectsMessages(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub, err := b.Subscribe(LossyPolicy(10), Filter{Systems: []uint8{7}, Kinds: []uint8{2, 3}})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testMessage(0, 5, 2)))
	require.NoError(t, b.Publish(context.Background(), testMessage(1, 7, 1)))
	require.NoError(t, b.Publish(context.Background(), testMessage(2, 7, 3)))

	msg, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 2, seqOf(t, msg))
	_, ok = sub.TryRecv()
	assert.False(t, ok)
}

func TestStalledLosslessSubscriberIsReportedWithoutDropping(t *testing.T) {
	eventBus := bus.New(nil)
	defer eventBus.Close()
	stalls := eventBus.Subscribe(events.TopicSubscriberStalled)

	var reports []StallReport
	var mu sync.Mutex
	b := New(Options{Events: eventBus, OnStall: func(r StallReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}})
	defer b.Close()

	sub, err := b.Subscribe(LosslessPolicy(2, 20*time.Millisecond), Filter{}, WithName("recorder"))
	require.NoError(t, err)
	live, err := b.Subscribe(LossyPolicy(1), Filter{})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), testMessage(0, 1, 1)))
	require.NoError(t, b.Publish(context.Background(), testMessage(1, 1, 1)))

	published := make(chan error, 1)
	go func() { published <- b.Publish(context.Background(), testMessage(2, 1, 1)) }()

	select {
	case ev := <-stalls:
		stalled, ok := ev.(events.SubscriberStalled)
		require.True(t, ok)
		assert.Equal(t, "recorder", stalled.Name)
		assert.Equal(t, 2, stalled.Depth)
	case <-time.After(2 * time.Second):
		t.Fatalf("no stall event")
	}

	msg, ok := live.TryRecv()
	require.True(t, ok, "lossy subscriber served before the stalled one")
	assert.Equal(t, 2, seqOf(t, msg))

	select {
	case err := <-published:
		t.Fatalf("publish completed while subscriber was full: %v", err)
	default:
	}

	for want := 0; want < 3; want++ {
		msg, err := sub.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, seqOf(t, msg))
	}
	require.NoError(t, <-published)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.Equal(t, sub.ID(), reports[0].SubscriberID)
}

func TestUnsubscribeWakesBlockedPublisher(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub, err := b.Subscribe(LosslessPolicy(1, time.Hour), Filter{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), testMessage(0, 1, 1)))

	published := make(chan error, 1)
	go func() { published <- b.Publish(context.Background(), testMessage(1, 1, 1)) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Unsubscribe(sub.ID()))
	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("publisher still blocked after unsubscribe")
	}

	msg, err := sub.Recv(context.Background())
	require.NoError(t, err, "queued message is drained")
	assert.Equal(t, 0, seqOf(t, msg))
	_, err = sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)

	assert.ErrorIs(t, b.Unsubscribe(sub.ID()), ErrUnknownSubscriber)
	assert.Zero(t, b.Subscribers())
}

func TestPublishHonoursCancellation(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	_, err := b.Subscribe(LosslessPolicy(1, time.Hour), Filter{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), testMessage(0, 1, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, testMessage(1, 1, 1))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRunPublishesUntilInputCloses(t *testing.T) {
	b := New(Options{})
	sub, err := b.Subscribe(LosslessPolicy(16, time.Second), Filter{})
	require.NoError(t, err)

	in := make(chan domain.Message, 3)
	for i := 0; i < 3; i++ {
		in <- testMessage(i, 1, 1)
	}
	close(in)

	require.NoError(t, b.Run(context.Background(), in))
	b.Close()

	for i := 0; i < 3; i++ {
		msg, err := sub.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, seqOf(t, msg))
	}
	_, err = sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)

	_, err = b.Subscribe(LossyPolicy(1), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), testMessage(9, 1, 1)), ErrClosed)
}

func TestUnsubscribeKeepsMetricsOfSameNamedSubscriber(t *testing.T) {
	m := metrics.New()
	b := New(Options{Metrics: m})
	defer b.Close()

	first, err := b.Subscribe(LossyPolicy(1), Filter{}, WithName("ws 10.0.0.1"))
	require.NoError(t, err)
	second, err := b.Subscribe(LossyPolicy(1), Filter{}, WithName("ws 10.0.0.1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), testMessage(i, 1, 1)))
	}

	const evictions = "groundlink_bus_lossy_evictions_total"
	count, err := testutil.GatherAndCount(m.Registry(), evictions)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, b.Unsubscribe(first.ID()))
	count, err = testutil.GatherAndCount(m.Registry(), evictions)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, b.Unsubscribe(second.ID()))
	count, err = testutil.GatherAndCount(m.Registry(), evictions)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
