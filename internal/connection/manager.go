// Package connection runs data sources and merges their decoded messages into one stream.
//
// The Manager is the only writer of the connection set. Each source runs on its own goroutine,
// so a slow or failing link never stalls another. Messages of one connection keep their
// receipt order in the merged stream; across connections the order is arrival order.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/retry"
)

const DefaultIngressBuffer = 1024

type Options struct {
	Logger        *slog.Logger
	Events        bus.EventBus
	Metrics       *metrics.Metrics
	Profile       *mavlink.Profile
	Backoff       retry.Config
	IngressBuffer int

	// Factories maps a kind name to its Source constructor. Serial and UDP default to
	// LinkFactory; replay has no default.
	Factories map[string]Factory
}

type Manager struct {
	logger    *slog.Logger
	events    bus.EventBus
	metrics   *metrics.Metrics
	env       Env
	factories map[string]Factory

	ctx     context.Context
	cancel  context.CancelFunc
	ingress chan domain.Message
	wg      sync.WaitGroup

	mu      sync.RWMutex
	nextID  domain.ConnectionID
	entries map[domain.ConnectionID]*entry
	closed  bool
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connection")
	}
	profile := opts.Profile
	if profile == nil {
		profile = mavlink.DefaultProfile()
	}
	buffer := opts.IngressBuffer
	if buffer <= 0 {
		buffer = DefaultIngressBuffer
	}

	factories := map[string]Factory{
		domain.SerialKind{}.KindName(): LinkFactory,
		domain.UDPKind{}.KindName():    LinkFactory,
	}
	for name, f := range opts.Factories {
		factories[name] = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:    logger,
		events:    opts.Events,
		metrics:   opts.Metrics,
		factories: factories,
		env: Env{
			Logger:  logger,
			Events:  opts.Events,
			Metrics: opts.Metrics,
			Profile: profile,
			Backoff: opts.Backoff,
		},
		ctx:     ctx,
		cancel:  cancel,
		ingress: make(chan domain.Message, buffer),
		entries: make(map[domain.ConnectionID]*entry),
	}
}

// Messages is the merged stream of every connection. It is closed by Close.
func (m *Manager) Messages() <-chan domain.Message {
	return m.ingress
}

// Add validates kind, starts a source for it and returns its id. Ids are never reused.
func (m *Manager) Add(kind domain.ConnectionKind) (domain.ConnectionID, error) {
	kind, err := Validate(kind)
	if err != nil {
		return 0, err
	}
	factory, ok := m.factories[kind.KindName()]
	if !ok {
		return 0, invalid("no source registered for %s connections", kind.KindName())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	m.nextID++
	id := m.nextID
	src, err := factory(id, kind, m.env)
	if err != nil {
		return 0, fmt.Errorf("create %s source: %w", kind.KindName(), err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		manager: m,
		id:      id,
		kind:    kind,
		source:  src,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  domain.ConnectionStatus{State: domain.ConnectionStateConnecting, Since: time.Now()},
	}
	m.entries[id] = e
	m.wg.Add(1)
	go m.run(ctx, e)

	m.logger.Info("connection added", "connection", uint64(id), "kind", kind.KindName(), "target", kind.Target())

	return id, nil
}

func (m *Manager) run(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)

	err := e.source.Run(ctx, e)
	if err != nil && ctx.Err() == nil {
		e.SetStatus(domain.ConnectionStateFailed, err)
		return
	}
	e.SetStatus(domain.ConnectionStateDisconnected, nil)
}

// Remove stops a connection and waits for its loop to exit, interrupting any backoff sleep
// or blocked read. No message from it is emitted after Remove returns.
func (m *Manager) Remove(id domain.ConnectionID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}

	e.cancel()
	<-e.done
	m.metrics.ForgetConnection(id)
	if m.events != nil {
		m.events.Publish(events.TopicConnectionRemoved, events.ConnectionRemoved{ConnectionID: id, At: time.Now()})
	}
	m.logger.Info("connection removed", "connection", uint64(id))

	return nil
}

// List returns snapshots of every connection sorted by id.
func (m *Manager) List() []domain.ConnectionSnapshot {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.ConnectionSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Get returns the snapshot of one connection.
func (m *Manager) Get(id domain.ConnectionID) (domain.ConnectionSnapshot, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return domain.ConnectionSnapshot{}, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}

	return e.snapshot(), nil
}

// Send writes frame through connection id.
func (m *Manager) Send(ctx context.Context, id domain.ConnectionID, frame []byte) error {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	if e.state() != domain.ConnectionStateConnected {
		return fmt.Errorf("%w: %d", ErrNotConnected, id)
	}
	if err := e.source.Send(ctx, frame); err != nil {
		return fmt.Errorf("send via connection %d: %w", id, err)
	}

	return nil
}

// SendAny writes frame through the lowest-id connected link and returns its id.
func (m *Manager) SendAny(ctx context.Context, frame []byte) (domain.ConnectionID, error) {
	for _, snap := range m.List() {
		if snap.Status.State != domain.ConnectionStateConnected {
			continue
		}
		err := m.Send(ctx, snap.ID, frame)
		if err == nil {
			return snap.ID, nil
		}
		if ctx.Err() != nil {
			return 0, err
		}
		m.logger.Debug("send attempt failed", "connection", uint64(snap.ID), "error", err)
	}

	return 0, ErrNotConnected
}

// Run blocks until ctx ends and then closes the manager.
func (m *Manager) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
	m.Close()

	return nil
}

// Close stops every connection, waits for them and closes the merged stream.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	close(m.ingress)
}

// entry is the Manager's record of one connection and the Sink its source writes to.
type entry struct {
	manager *Manager
	id      domain.ConnectionID
	kind    domain.ConnectionKind
	source  Source
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.Mutex
	status       domain.ConnectionStatus
	lastActivity time.Time
	reception    reception
}

func (e *entry) SetStatus(state domain.ConnectionState, reason error) {
	status := domain.ConnectionStatus{State: state, Since: time.Now()}
	if reason != nil {
		status.Reason = reason.Error()
	}

	e.mu.Lock()
	changed := e.status.State != status.State || e.status.Reason != status.Reason
	e.status = status
	e.mu.Unlock()
	if !changed {
		return
	}

	m := e.manager
	m.metrics.ConnectionState(e.id, state)
	if m.events != nil {
		m.events.Publish(events.TopicConnectionStatus, events.ConnectionStatus{
			ConnectionID: e.id,
			Kind:         e.kind.KindName(),
			Target:       e.kind.Target(),
			Status:       status,
		})
	}
	m.logger.Debug("connection status", "connection", uint64(e.id), "status", status.String())
}

func (e *entry) Emit(ctx context.Context, msg domain.Message) error {
	now := time.Now()
	e.mu.Lock()
	e.lastActivity = now
	e.reception.observe(now)
	e.mu.Unlock()
	e.manager.metrics.MessageReceived(e.id)

	select {
	case e.manager.ingress <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) state() domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status.State
}

func (e *entry) snapshot() domain.ConnectionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return domain.ConnectionSnapshot{
		ID:           e.id,
		Kind:         e.kind,
		KindName:     e.kind.KindName(),
		Target:       e.kind.Target(),
		Status:       e.status,
		LastActivity: e.lastActivity,
		Reception:    e.reception.snapshot(time.Now()),
	}
}
