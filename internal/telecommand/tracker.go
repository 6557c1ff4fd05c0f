// Package telecommand sends commands to remote systems and correlates their ACK/NACK/WACK replies.
//
// Replies carry no command id, so correlation is by (target system, target component, kind):
// a reply from the target whose reply field names the command kind resolves the one command
// pending under that key. Submitting a second command for a key supersedes the first.
package telecommand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/persistence"
)

const (
	DefaultTimeout       = 3 * time.Second
	DefaultSweepInterval = 100 * time.Millisecond

	// DefaultSystemID and DefaultComponentID identify the ground station on the link.
	DefaultSystemID    = 255
	DefaultComponentID = 190
)

var (
	ErrUnknownKind    = errors.New("unknown command kind")
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnknownCommand = errors.New("unknown command")
)

// Sender is the outbound side of the connection manager.
type Sender interface {
	Send(ctx context.Context, id domain.ConnectionID, frame []byte) error
	SendAny(ctx context.Context, frame []byte) (domain.ConnectionID, error)
}

// Command is a telecommand request. Kind may be given by id or by KindName.
// A zero ConnectionID sends through the first connected link.
type Command struct {
	TargetSystem    uint8               `json:"target_system"`
	TargetComponent uint8               `json:"target_component"`
	Kind            uint8               `json:"kind,omitempty"`
	KindName        string              `json:"kind_name,omitempty"`
	Payload         map[string]any      `json:"payload,omitempty"`
	Timeout         time.Duration       `json:"timeout,omitempty"`
	ConnectionID    domain.ConnectionID `json:"connection_id,omitempty"`
}

type Options struct {
	Profile       *mavlink.Profile
	Sender        Sender
	SystemID      uint8
	ComponentID   uint8
	Timeout       time.Duration
	SweepInterval time.Duration

	Logger  *slog.Logger
	Events  bus.EventBus
	Metrics *metrics.Metrics
	History domain.CommandRepository
	Writer  *persistence.WriterQueue
	// Session keys persisted history; a fresh one is generated when empty.
	Session string
}

type Tracker struct {
	profile       *mavlink.Profile
	encoder       *mavlink.Encoder
	sender        Sender
	timeout       time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	events        bus.EventBus
	metrics       *metrics.Metrics
	history       domain.CommandRepository
	writer        *persistence.WriterQueue
	session       string
	now           func() time.Time

	mu       sync.Mutex
	nextID   domain.CommandID
	commands map[domain.CommandID]domain.PendingCommand
	pending  map[domain.CommandKey]domain.CommandID
}

func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "telecommand")
	}
	profile := opts.Profile
	if profile == nil {
		profile = mavlink.DefaultProfile()
	}
	sysID, compID := opts.SystemID, opts.ComponentID
	if sysID == 0 {
		sysID = DefaultSystemID
	}
	if compID == 0 {
		compID = DefaultComponentID
	}

	t := &Tracker{
		profile:       profile,
		encoder:       mavlink.NewEncoder(profile, sysID, compID),
		sender:        opts.Sender,
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
		logger:        logger,
		events:        opts.Events,
		metrics:       opts.Metrics,
		history:       opts.History,
		writer:        opts.Writer,
		session:       opts.Session,
		now:           time.Now,
		commands:      make(map[domain.CommandID]domain.PendingCommand),
		pending:       make(map[domain.CommandKey]domain.CommandID),
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if t.sweepInterval <= 0 {
		t.sweepInterval = DefaultSweepInterval
	}
	if t.session == "" {
		t.session = uuid.NewString()
	}

	return t
}

func (t *Tracker) Session() string { return t.session }

// Submit encodes and sends cmd and starts tracking it. A send failure is returned and the
// command is recorded as timed out with the send error.
func (t *Tracker) Submit(ctx context.Context, cmd Command) (domain.CommandID, error) {
	def, err := t.resolveKind(cmd)
	if err != nil {
		return 0, err
	}
	if t.sender == nil {
		return 0, errors.New("telecommand sender is not configured")
	}
	frame, err := t.encoder.Encode(def.ID, cmd.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, def.Name, err)
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}

	payload := make(map[string]any, len(cmd.Payload))
	for k, v := range cmd.Payload {
		payload[k] = v
	}
	entry := domain.PendingCommand{
		TargetSystem:    cmd.TargetSystem,
		TargetComponent: cmd.TargetComponent,
		Kind:            def.ID,
		KindName:        def.Name,
		Payload:         payload,
		ConnectionID:    cmd.ConnectionID,
		Timeout:         timeout,
		Status:          domain.CommandStatusPending,
	}

	var changed []domain.PendingCommand
	t.mu.Lock()
	now := t.now()
	if prevID, ok := t.pending[entry.Key()]; ok {
		prev := t.commands[prevID]
		prev.Status = domain.CommandStatusTimedOut
		prev.Superseded = true
		prev.ResolvedAt = now
		t.commands[prevID] = prev
		changed = append(changed, prev)
	}
	t.nextID++
	entry.ID = t.nextID
	entry.SentAt = now
	t.commands[entry.ID] = entry
	t.pending[entry.Key()] = entry.ID
	changed = append(changed, entry)
	t.mu.Unlock()

	t.metrics.CommandSubmitted()
	t.publish(changed...)
	t.logger.Info("command submitted", "id", entry.ID, "kind", def.Name,
		"target_system", entry.TargetSystem, "target_component", entry.TargetComponent)

	sendErr := t.send(ctx, &entry, frame)
	if sendErr == nil {
		return entry.ID, nil
	}

	t.mu.Lock()
	current := t.commands[entry.ID]
	failed := current.Status == domain.CommandStatusPending
	if failed {
		current.Status = domain.CommandStatusTimedOut
		current.Error = sendErr.Error()
		current.ResolvedAt = t.now()
		t.commands[entry.ID] = current
		delete(t.pending, current.Key())
	}
	t.mu.Unlock()
	if failed {
		t.publish(current)
	}
	t.logger.Warn("command send failed", "id", entry.ID, "kind", def.Name, "error", sendErr)

	return entry.ID, fmt.Errorf("send command %d: %w", entry.ID, sendErr)
}

func (t *Tracker) send(ctx context.Context, entry *domain.PendingCommand, frame []byte) error {
	if entry.ConnectionID != 0 {
		return t.sender.Send(ctx, entry.ConnectionID, frame)
	}

	via, err := t.sender.SendAny(ctx, frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if current, ok := t.commands[entry.ID]; ok {
		current.ConnectionID = via
		t.commands[entry.ID] = current
	}
	t.mu.Unlock()

	return nil
}

func (t *Tracker) resolveKind(cmd Command) (*mavlink.MessageDef, error) {
	var (
		def *mavlink.MessageDef
		ok  bool
	)
	if cmd.KindName != "" {
		def, ok = t.profile.MessageByName(cmd.KindName)
		if ok && cmd.Kind != 0 && cmd.Kind != def.ID {
			return nil, fmt.Errorf("%w: kind %d does not match %s", ErrInvalidCommand, cmd.Kind, cmd.KindName)
		}
	} else {
		def, ok = t.profile.Message(cmd.Kind)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d %q", ErrUnknownKind, cmd.Kind, cmd.KindName)
	}
	if def.Reply != domain.CommandOutcomeNone {
		return nil, fmt.Errorf("%w: %s is a reply", ErrInvalidCommand, def.Name)
	}

	return def, nil
}

// HandleReply resolves the pending command msg acknowledges, if any.
func (t *Tracker) HandleReply(msg domain.Message) (domain.PendingCommand, bool) {
	def, ok := t.profile.Message(msg.Kind())
	if !ok || def.Reply == domain.CommandOutcomeNone {
		return domain.PendingCommand{}, false
	}
	acked, ok := msg.Uint(t.profile.ReplyField())
	if !ok || acked > 0xFF {
		t.logger.Debug("reply without acknowledged kind", "kind", def.Name)
		return domain.PendingCommand{}, false
	}
	key := domain.CommandKey{
		TargetSystem:    msg.SystemID(),
		TargetComponent: msg.ComponentID(),
		Kind:            uint8(acked),
	}

	t.mu.Lock()
	id, ok := t.pending[key]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("unmatched reply", "kind", def.Name, "system_id", key.TargetSystem,
			"component_id", key.TargetComponent, "acked_kind", key.Kind)
		return domain.PendingCommand{}, false
	}
	reply := msg
	cmd := t.commands[id]
	cmd.Status = domain.CommandStatusAcked
	cmd.Outcome = def.Reply
	cmd.Reply = &reply
	cmd.ResolvedAt = t.now()
	t.commands[id] = cmd
	delete(t.pending, key)
	t.mu.Unlock()

	t.logger.Info("command acknowledged", "id", id, "kind", cmd.KindName, "outcome", cmd.Outcome,
		"latency", cmd.ResolvedAt.Sub(cmd.SentAt))
	t.publish(cmd)

	return cmd, true
}

// Sweep times out every pending command whose deadline is at or before now.
func (t *Tracker) Sweep(now time.Time) []domain.PendingCommand {
	var expired []domain.PendingCommand
	t.mu.Lock()
	for key, id := range t.pending {
		cmd := t.commands[id]
		if now.Before(cmd.Deadline()) {
			continue
		}
		cmd.Status = domain.CommandStatusTimedOut
		cmd.ResolvedAt = now
		t.commands[id] = cmd
		delete(t.pending, key)
		expired = append(expired, cmd)
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	for _, cmd := range expired {
		t.logger.Info("command timed out", "id", cmd.ID, "kind", cmd.KindName, "timeout", cmd.Timeout)
	}
	t.publish(expired...)

	return expired
}

// Run consumes replies from b and sweeps for timeouts until ctx ends.
func (t *Tracker) Run(ctx context.Context, b *broker.Bus) error {
	sub, err := b.Subscribe(broker.LosslessPolicy(0, 0), broker.Filter{Kinds: t.profile.ReplyKinds()},
		broker.WithName("telecommand"))
	if err != nil {
		return fmt.Errorf("subscribe telecommand tracker: %w", err)
	}
	defer func() { _ = b.Unsubscribe(sub.ID()) }()

	replies := make(chan domain.Message)
	go func() {
		defer close(replies)
		for {
			msg, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			select {
			case replies <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-replies:
			if !ok {
				return nil
			}
			t.HandleReply(msg)
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

func (t *Tracker) Get(id domain.CommandID) (domain.PendingCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[id]
	if !ok {
		return domain.PendingCommand{}, fmt.Errorf("%w: %d", ErrUnknownCommand, id)
	}

	return cmd, nil
}

// History returns every tracked command ordered by id.
func (t *Tracker) History() []domain.PendingCommand {
	t.mu.Lock()
	out := make([]domain.PendingCommand, 0, len(t.commands))
	for _, cmd := range t.commands {
		out = append(out, cmd)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Pending returns the commands still awaiting a reply, ordered by id.
func (t *Tracker) Pending() []domain.PendingCommand {
	t.mu.Lock()
	out := make([]domain.PendingCommand, 0, len(t.pending))
	for _, id := range t.pending {
		out = append(out, t.commands[id])
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (t *Tracker) publish(cmds ...domain.PendingCommand) {
	for _, cmd := range cmds {
		if cmd.IsTerminal() {
			t.metrics.CommandResolved(cmd)
		}
		t.persist(cmd)
		if t.events != nil {
			t.events.Publish(events.TopicCommandUpdate, events.CommandUpdate{Command: cmd})
		}
	}
}

func (t *Tracker) persist(cmd domain.PendingCommand) {
	if t.history == nil {
		return
	}
	save := func(ctx context.Context) error { return t.history.Upsert(ctx, t.session, cmd) }
	if t.writer != nil {
		t.writer.Enqueue(fmt.Sprintf("command %d", cmd.ID), save)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := save(ctx); err != nil {
		t.logger.Warn("persist command failed", "id", cmd.ID, "error", err)
	}
}
