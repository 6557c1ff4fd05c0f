package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/groundlink/internal/domain"
)

func seqsOf(t *testing.T, msgs []domain.Message) []int {
	t.Helper()
	out := make([]int, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, seqOf(t, m))
	}

	return out
}

func TestHistoryEvictsOldestPerKind(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 10; i++ {
		h.Record(testMessage(i, 1, 110))
	}
	h.Record(testMessage(100, 1, 111))

	assert.Equal(t, []int{7, 8, 9}, seqsOf(t, h.Latest([]uint8{110}, 0)))
	// The chatty kind did not push out the rare one.
	assert.Equal(t, []int{100}, seqsOf(t, h.Latest([]uint8{111}, 0)))
	assert.Equal(t, []uint8{110, 111}, h.Kinds())
}

func TestHistoryMergesKindsInReceiptOrder(t *testing.T) {
	h := NewHistory(10)
	kinds := []uint8{110, 111, 110, 112, 111, 110}
	for i, k := range kinds {
		h.Record(testMessage(i, 1, k))
	}

	assert.Equal(t, []int{0, 1, 2, 4, 5}, seqsOf(t, h.Latest([]uint8{111, 110}, 0)))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, seqsOf(t, h.Latest(nil, 0)))
	assert.Equal(t, []int{4, 5}, seqsOf(t, h.Latest([]uint8{110, 111, 110}, 2)))
	assert.Empty(t, h.Latest([]uint8{200}, 0))
}

func TestHistoryRunRecordsPublishedMessages(t *testing.T) {
	b := New(Options{})
	h := NewHistory(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, b) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 8; i++ {
		require.NoError(t, b.Publish(ctx, testMessage(i, 1, 110)))
	}
	require.Eventually(t, func() bool { return len(h.Latest(nil, 0)) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{3, 4, 5, 6, 7}, seqsOf(t, h.Latest(nil, 0)))

	b.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("history did not stop after the bus closed")
	}
}
