package telecommand

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/mavlink"
)

const (
	kindCommand    = 2   // COMMAND_TC
	kindServoAngle = 10  // SET_SERVO_ANGLE_TC
	kindAck        = 100 // ACK_TM
	kindNack       = 101 // NACK_TM
)

type sentFrame struct {
	conn  domain.ConnectionID
	frame []byte
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentFrame
	err    error
	anyVia domain.ConnectionID
}

func (s *fakeSender) Send(_ context.Context, id domain.ConnectionID, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentFrame{conn: id, frame: frame})

	return nil
}

func (s *fakeSender) SendAny(ctx context.Context, frame []byte) (domain.ConnectionID, error) {
	if err := s.Send(ctx, s.anyVia, frame); err != nil {
		return 0, err
	}

	return s.anyVia, nil
}

func (s *fakeSender) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sentFrame(nil), s.sent...)
}

type historySpy struct {
	mu   sync.Mutex
	rows []domain.PendingCommand
}

func (h *historySpy) Upsert(_ context.Context, session string, c domain.PendingCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session == "" {
		return errors.New("empty session")
	}
	h.rows = append(h.rows, c)

	return nil
}

func (h *historySpy) ListSession(context.Context, string) ([]domain.CommandRecord, error) {
	return nil, nil
}

func (h *historySpy) statuses(id domain.CommandID) []domain.CommandStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.CommandStatus
	for _, c := range h.rows {
		if c.ID == id {
			out = append(out, c.Status)
		}
	}

	return out
}

// fakeClock is advanced by hand; the tracker only reads it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	return c.now
}

func newTracker(t *testing.T, opts Options) (*Tracker, *fakeSender, *fakeClock) {
	t.Helper()
	sender := &fakeSender{anyVia: 7}
	if opts.Sender == nil {
		opts.Sender = sender
	}
	tr := NewTracker(opts)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr.now = clock.Now

	return tr, sender, clock
}

func reply(t *testing.T, kind uint8, sys, comp uint8, ackedKind uint8) domain.Message {
	t.Helper()
	profile := mavlink.DefaultProfile()
	frame, err := mavlink.EncodeFrame(profile, domain.Header{SystemID: sys, ComponentID: comp, Kind: kind},
		map[string]any{"recv_msgid": ackedKind})
	require.NoError(t, err)
	msg, err := mavlink.DecodeFrame(profile, frame, 7, time.Now())
	require.NoError(t, err)

	return msg
}

func TestSubmitEncodesAndSends(t *testing.T) {
	tr, sender, clock := newTracker(t, Options{})

	id, err := tr.Submit(context.Background(), Command{
		TargetSystem: 1, TargetComponent: 2, KindName: "set_servo_angle_tc",
		Payload: map[string]any{"servo_id": 3, "angle": 45.5},
	})
	require.NoError(t, err)

	frames := sender.frames()
	require.Len(t, frames, 1)
	msg, err := mavlink.DecodeFrame(mavlink.DefaultProfile(), frames[0].frame, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint8(DefaultSystemID), msg.SystemID())
	assert.Equal(t, uint8(DefaultComponentID), msg.ComponentID())
	assert.Equal(t, uint8(kindServoAngle), msg.Kind())
	angle, ok := msg.Float("angle")
	require.True(t, ok)
	assert.InDelta(t, 45.5, angle, 1e-6)

	cmd, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusPending, cmd.Status)
	assert.Equal(t, "SET_SERVO_ANGLE_TC", cmd.KindName)
	assert.Equal(t, domain.ConnectionID(7), cmd.ConnectionID, "SendAny reports the link used")
	assert.Equal(t, clock.Now(), cmd.SentAt)
	assert.Equal(t, DefaultTimeout, cmd.Timeout)
	assert.Len(t, tr.Pending(), 1)
}

func TestSubmitUsesChosenConnection(t *testing.T) {
	tr, sender, _ := newTracker(t, Options{SystemID: 200, ComponentID: 1})

	_, err := tr.Submit(context.Background(), Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand, ConnectionID: 4})
	require.NoError(t, err)

	frames := sender.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, domain.ConnectionID(4), frames[0].conn)
	assert.Equal(t, byte(200), frames[0].frame[3])
}

func TestSubmitRejectsInvalidCommands(t *testing.T) {
	tr, sender, _ := newTracker(t, Options{})

	_, err := tr.Submit(context.Background(), Command{Kind: 250})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = tr.Submit(context.Background(), Command{KindName: "NO_SUCH_TC"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = tr.Submit(context.Background(), Command{Kind: kindAck})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = tr.Submit(context.Background(), Command{Kind: kindCommand, Payload: map[string]any{"bogus": 1}})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = tr.Submit(context.Background(), Command{Kind: kindServoAngle, KindName: "COMMAND_TC"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	assert.Empty(t, sender.frames())
	assert.Empty(t, tr.History())
}

func TestReplyResolvesMatchingCommand(t *testing.T) {
	tr, _, clock := newTracker(t, Options{})

	id, err := tr.Submit(context.Background(), Command{TargetSystem: 1, TargetComponent: 2, Kind: kindCommand})
	require.NoError(t, err)

	_, ok := tr.HandleReply(reply(t, kindAck, 9, 2, kindCommand))
	assert.False(t, ok, "reply from another system")
	_, ok = tr.HandleReply(reply(t, kindAck, 1, 2, kindServoAngle))
	assert.False(t, ok, "reply for another kind")

	clock.Advance(120 * time.Millisecond)
	cmd, ok := tr.HandleReply(reply(t, kindAck, 1, 2, kindCommand))
	require.True(t, ok)
	assert.Equal(t, id, cmd.ID)
	assert.Equal(t, domain.CommandStatusAcked, cmd.Status)
	assert.Equal(t, domain.CommandOutcomeAck, cmd.Outcome)
	require.NotNil(t, cmd.Reply)
	assert.Equal(t, uint8(kindAck), cmd.Reply.Kind())
	assert.Equal(t, 120*time.Millisecond, cmd.ResolvedAt.Sub(cmd.SentAt))
	assert.Empty(t, tr.Pending())

	_, ok = tr.HandleReply(reply(t, kindAck, 1, 2, kindCommand))
	assert.False(t, ok, "a command is resolved once")
}

func TestNackResolvesWithOutcome(t *testing.T) {
	tr, _, _ := newTracker(t, Options{})

	_, err := tr.Submit(context.Background(), Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand})
	require.NoError(t, err)

	cmd, ok := tr.HandleReply(reply(t, kindNack, 1, 1, kindCommand))
	require.True(t, ok)
	assert.Equal(t, domain.CommandStatusAcked, cmd.Status)
	assert.Equal(t, domain.CommandOutcomeNack, cmd.Outcome)
}

func TestSubmitSupersedesPendingCommandForSameKey(t *testing.T) {
	tr, _, _ := newTracker(t, Options{})
	ctx := context.Background()

	first, err := tr.Submit(ctx, Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand})
	require.NoError(t, err)
	other, err := tr.Submit(ctx, Command{TargetSystem: 2, TargetComponent: 1, Kind: kindCommand})
	require.NoError(t, err)
	second, err := tr.Submit(ctx, Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand})
	require.NoError(t, err)
	require.Greater(t, second, first)

	old, err := tr.Get(first)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusTimedOut, old.Status)
	assert.True(t, old.Superseded)

	pending := tr.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, other, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)

	cmd, ok := tr.HandleReply(reply(t, kindAck, 1, 1, kindCommand))
	require.True(t, ok)
	assert.Equal(t, second, cmd.ID)

	history := tr.History()
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.Less(t, history[i-1].ID, history[i].ID)
	}
}

func TestSweepNeverTimesOutEarly(t *testing.T) {
	tr, _, clock := newTracker(t, Options{})

	id, err := tr.Submit(context.Background(), Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand,
		Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	sentAt := clock.Now()

	assert.Empty(t, tr.Sweep(sentAt.Add(499*time.Millisecond)))
	assert.Empty(t, tr.Sweep(sentAt.Add(500*time.Millisecond-time.Nanosecond)))
	cmd, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusPending, cmd.Status)

	expired := tr.Sweep(sentAt.Add(500 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)
	assert.Equal(t, domain.CommandStatusTimedOut, expired[0].Status)
	assert.False(t, expired[0].Superseded)

	_, ok := tr.HandleReply(reply(t, kindAck, 1, 1, kindCommand))
	assert.False(t, ok, "late reply")
}

func TestSendFailureIsReturnedAndRecorded(t *testing.T) {
	history := &historySpy{}
	tr, sender, _ := newTracker(t, Options{History: history})
	sender.err = errors.New("not connected")

	id, err := tr.Submit(context.Background(), Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand})
	require.Error(t, err)
	assert.ErrorIs(t, err, sender.err)
	require.NotZero(t, id)

	cmd, getErr := tr.Get(id)
	require.NoError(t, getErr)
	assert.Equal(t, domain.CommandStatusTimedOut, cmd.Status)
	assert.Equal(t, "not connected", cmd.Error)
	assert.Empty(t, tr.Pending())
	assert.Equal(t, []domain.CommandStatus{domain.CommandStatusPending, domain.CommandStatusTimedOut}, history.statuses(id))
}

func TestGetUnknownCommand(t *testing.T) {
	tr, _, _ := newTracker(t, Options{})
	_, err := tr.Get(42)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestTransitionsArePublished(t *testing.T) {
	eventBus := bus.New(nil)
	defer eventBus.Close()
	updates := eventBus.Subscribe(events.TopicCommandUpdate)

	tr, _, _ := newTracker(t, Options{Events: eventBus})
	_, err := tr.Submit(context.Background(), Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand})
	require.NoError(t, err)
	tr.HandleReply(reply(t, kindAck, 1, 1, kindCommand))

	var got []domain.CommandStatus
	for len(got) < 2 {
		select {
		case raw := <-updates:
			got = append(got, raw.(events.CommandUpdate).Command.Status)
		case <-time.After(time.Second):
			t.Fatalf("got %v updates, want 2", got)
		}
	}
	assert.Equal(t, []domain.CommandStatus{domain.CommandStatusPending, domain.CommandStatusAcked}, got)
}

func TestRunConsumesRepliesAndSweeps(t *testing.T) {
	b := broker.New(broker.Options{})
	defer b.Close()

	tr := NewTracker(Options{Sender: &fakeSender{anyVia: 1}, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, b) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	acked, err := tr.Submit(ctx, Command{TargetSystem: 1, TargetComponent: 1, Kind: kindCommand, Timeout: time.Minute})
	require.NoError(t, err)
	expiring, err := tr.Submit(ctx, Command{TargetSystem: 1, TargetComponent: 1, Kind: kindServoAngle,
		Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, reply(t, kindAck, 1, 1, kindCommand)))

	require.Eventually(t, func() bool {
		a, _ := tr.Get(acked)
		e, _ := tr.Get(expiring)
		return a.Status == domain.CommandStatusAcked && e.Status == domain.CommandStatusTimedOut
	}, 2*time.Second, 5*time.Millisecond)

	e, err := tr.Get(expiring)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.ResolvedAt.Sub(e.SentAt), 30*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
