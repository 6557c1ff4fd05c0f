package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skobkin/groundlink/internal/api"
	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/config"
	"github.com/skobkin/groundlink/internal/connection"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/logging"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/metrics"
	"github.com/skobkin/groundlink/internal/msglog"
	"github.com/skobkin/groundlink/internal/persistence"
	"github.com/skobkin/groundlink/internal/replay"
	"github.com/skobkin/groundlink/internal/retry"
	"github.com/skobkin/groundlink/internal/telecommand"
)

// subscriberWait bounds how long Run waits for the recorder and tracker to attach before
// messages start flowing.
const subscriberWait = 2 * time.Second

// Options tweak Initialize. Zero values resolve paths and load the config file.
type Options struct {
	// Paths overrides ResolvePaths.
	Paths *Paths
	// ConfigPath overrides Paths.ConfigFile.
	ConfigPath string
	// Config replaces the file-based config entirely.
	Config *config.AppConfig
	// ExtraSources are appended to the configured sources.
	ExtraSources []config.SourceConfig

	DisableAPI      bool
	DisableRecorder bool
	LogOutput       io.Writer

	// Listen overrides the API listen address.
	Listen string
}

// Runtime wires the core pipeline: connections feed the broker, which fans out to the
// recorder, the telecommand tracker and the API's live streams.
type Runtime struct {
	Paths   Paths
	Config  config.AppConfig
	Session string

	LogManager *logging.Manager
	Events     *bus.PubSubBus
	Metrics    *metrics.Metrics
	Profile    *mavlink.Profile

	DB          *sql.DB
	SegmentRepo *persistence.SegmentRepo
	CommandRepo *persistence.CommandRepo
	WriterQueue *persistence.WriterQueue

	Manager  *connection.Manager
	Broker   *broker.Bus
	History  *broker.History
	Recorder *msglog.Recorder
	Tracker  *telecommand.Tracker
	API      *api.Server

	logger *slog.Logger

	connStatusMu sync.RWMutex
	connStatus   map[domain.ConnectionID]events.ConnectionStatus

	closeOnce sync.Once
}

func Initialize(ctx context.Context, opts Options) (*Runtime, error) {
	var paths Paths
	if opts.Paths != nil {
		paths = *opts.Paths
	} else {
		resolved, err := ResolvePaths()
		if err != nil {
			return nil, err
		}
		paths = resolved
	}
	if opts.ConfigPath != "" {
		paths.ConfigFile = opts.ConfigPath
	}

	var cfg config.AppConfig
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := config.Load(paths.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Sources = append(append([]config.SourceConfig(nil), cfg.Sources...), opts.ExtraSources...)
	if opts.DisableAPI {
		cfg.API.Enabled = false
	}
	if opts.DisableRecorder {
		cfg.Recorder.Enabled = false
	}
	if opts.Listen != "" {
		cfg.API.Listen = opts.Listen
	}
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt := &Runtime{
		Paths:      paths,
		Config:     cfg,
		Session:    uuid.NewString(),
		connStatus: make(map[domain.ConnectionID]events.ConnectionStatus),
	}

	logMgr := logging.NewManager()
	if opts.LogOutput != nil {
		logMgr = logging.NewManagerWithOutput(opts.LogOutput)
	}
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	rt.logger = logMgr.Logger("runtime")
	rt.logger.Info("starting groundlink runtime", "version", BuildVersion(), "build_date", BuildDateYMD(),
		"session", rt.Session)

	if err := rt.init(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	return rt, nil
}

func (r *Runtime) init(ctx context.Context) error {
	cfg := r.Config
	r.Events = bus.New(r.LogManager.Logger("events"))
	r.Metrics = metrics.New()

	r.Profile = mavlink.DefaultProfile()
	if cfg.Profile != "" {
		profile, err := mavlink.LoadProfile(cfg.Profile)
		if err != nil {
			return err
		}
		r.Profile = profile
	}
	r.logger.Info("protocol profile", "name", r.Profile.Name(), "version", r.Profile.Version(),
		"messages", len(r.Profile.Messages()))

	db, err := persistence.Open(ctx, r.Paths.DBFile)
	if err != nil {
		return err
	}
	r.DB = db
	r.SegmentRepo = persistence.NewSegmentRepo(db)
	r.CommandRepo = persistence.NewCommandRepo(db)
	r.WriterQueue = persistence.NewWriterQueue(r.LogManager.Logger("persistence"), WriterCapacity)

	r.Manager = connection.NewManager(connection.Options{
		Logger:        r.LogManager.Logger("connection"),
		Events:        r.Events,
		Metrics:       r.Metrics,
		Profile:       r.Profile,
		Backoff:       retry.Reconnect(),
		IngressBuffer: cfg.Bus.IngressBuffer,
		Factories: map[string]connection.Factory{
			domain.ReplayKind{}.KindName(): replay.Factory,
		},
	})
	r.Broker = broker.New(broker.Options{
		Logger:  r.LogManager.Logger("broker"),
		Events:  r.Events,
		Metrics: r.Metrics,
	})
	r.History = broker.NewHistory(cfg.Bus.HistoryDepth)

	if cfg.Recorder.Enabled {
		dir := cfg.Recorder.Dir
		if dir == "" {
			dir = r.Paths.RecordingsDir
		}
		rec, err := msglog.NewRecorder(msglog.Options{
			Dir:           dir,
			FlushInterval: config.Millis(cfg.Recorder.FlushIntervalMS),
			FlushEvery:    cfg.Recorder.FlushEvery,
			Session:       r.Session,
			LockDir:       true,
			Logger:        r.LogManager.Logger("recorder"),
			Events:        r.Events,
			Metrics:       r.Metrics,
			Catalog:       r.SegmentRepo,
			Writer:        r.WriterQueue,
			Policy:        broker.LosslessPolicy(cfg.Bus.LosslessCeiling, config.Millis(cfg.Bus.StallTimeoutMS)),
		})
		if err != nil {
			return fmt.Errorf("initialize recorder: %w", err)
		}
		r.Recorder = rec
	}

	r.Tracker = telecommand.NewTracker(telecommand.Options{
		Profile:       r.Profile,
		Sender:        r.Manager,
		SystemID:      uint8(cfg.Tracker.SystemID),
		ComponentID:   uint8(cfg.Tracker.ComponentID),
		Timeout:       config.Millis(cfg.Tracker.TimeoutMS),
		SweepInterval: config.Millis(cfg.Tracker.SweepIntervalMS),
		Logger:        r.LogManager.Logger("telecommand"),
		Events:        r.Events,
		Metrics:       r.Metrics,
		History:       r.CommandRepo,
		Writer:        r.WriterQueue,
		Session:       r.Session,
	})

	if cfg.API.Enabled {
		r.API = api.NewServer(api.Options{
			Listen:      cfg.API.Listen,
			Version:     BuildVersionWithDate(),
			Logger:      r.LogManager.Logger("api"),
			Connections: r.Manager,
			Commands:    r.Tracker,
			Bus:         r.Broker,
			Profile:     r.Profile,
			Metrics:     r.Metrics,
			Recordings:  r.SegmentRepo,
			Recent:      r.History,
			LiveBuffer:  cfg.Bus.LiveBuffer,
		})
	}

	return nil
}

// Run starts the configured sources and blocks until ctx ends or a component fails. Messages
// already accepted from a connection are still delivered to the recorder on shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = r.WriterQueue.Run(writerCtx)
	}()

	watchSub := r.Events.Subscribe(watchedTopics...)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watchEvents(watchSub)
	}()

	// Consumers outlive ctx until the broker has published the last ingress message.
	consumersCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	g, gctx := errgroup.WithContext(ctx)

	consumers := 2
	g.Go(func() error { return r.Tracker.Run(consumersCtx, r.Broker) })
	g.Go(func() error { return r.History.Run(consumersCtx, r.Broker) })
	if r.Recorder != nil {
		consumers++
		g.Go(func() error {
			err := r.Recorder.Run(consumersCtx, r.Broker)
			if errors.Is(err, msglog.ErrWriteFailure) {
				// Storage exhaustion stops recording only; telemetry keeps flowing.
				r.logger.Error("recorder stopped", "error", err)
				return nil
			}
			return err
		})
	}
	r.waitSubscribers(gctx, consumers)

	g.Go(func() error {
		defer stopConsumers()
		return r.Broker.Run(context.WithoutCancel(gctx), r.Manager.Messages())
	})
	g.Go(func() error { return r.Manager.Run(gctx) })
	if r.API != nil {
		g.Go(func() error { return r.API.Run(gctx) })
	}

	r.addSources()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if r.Recorder != nil {
		if closeErr := r.Recorder.Close(); closeErr != nil {
			r.logger.Warn("close recorder", "error", closeErr)
		}
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if flushErr := r.WriterQueue.Flush(flushCtx); flushErr != nil {
		r.logger.Warn("flush persistence queue", "error", flushErr)
	}
	cancel()
	stopWriter()
	<-writerDone

	r.Events.Unsubscribe(watchSub)
	<-watchDone
	r.logger.Info("runtime stopped")

	return err
}

func (r *Runtime) addSources() {
	for i, src := range r.Config.Sources {
		kind, err := src.Kind()
		if err != nil {
			r.logger.Warn("skip source", "index", i, "error", err)
			continue
		}
		id, err := r.Manager.Add(kind)
		if err != nil {
			r.logger.Warn("add source", "index", i, "kind", kind.KindName(), "target", kind.Target(), "error", err)
			continue
		}
		r.logger.Info("source added", "connection", id, "kind", kind.KindName(), "target", kind.Target())
	}
}

func (r *Runtime) waitSubscribers(ctx context.Context, want int) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(subscriberWait)
	for r.Broker.Subscribers() < want {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			r.logger.Warn("consumers did not attach in time", "want", want, "have", r.Broker.Subscribers())
			return
		case <-ticker.C:
		}
	}
}

var watchedTopics = []string{
	events.TopicConnectionStatus,
	events.TopicConnectionRemoved,
	events.TopicSubscriberStalled,
	events.TopicLoggerFailure,
	events.TopicLoggerSegment,
}

// watchEvents keeps the latest status per connection and logs operator-relevant events. It
// returns when sub is unsubscribed.
func (r *Runtime) watchEvents(sub bus.Subscription) {
	for raw := range sub {
		switch ev := raw.(type) {
		case events.ConnectionStatus:
			r.setConnStatus(ev)
			r.logger.Info("connection status", "connection", ev.ConnectionID, "kind", ev.Kind,
				"target", ev.Target, "status", ev.Status.String())
		case events.ConnectionRemoved:
			r.connStatusMu.Lock()
			delete(r.connStatus, ev.ConnectionID)
			r.connStatusMu.Unlock()
		case events.SubscriberStalled:
			r.logger.Warn("subscriber stalled", "subscriber", ev.Name, "depth", ev.Depth, "waited", ev.Waited)
		case events.LoggerFailure:
			if ev.Fatal {
				r.logger.Error("message logger failed", "segment", ev.Segment, "error", ev.Err)
				continue
			}
			r.logger.Warn("message logger write failed", "segment", ev.Segment, "error", ev.Err)
		case events.LoggerSegment:
			if ev.Opened {
				r.logger.Info("recording segment opened", "path", ev.Path)
				continue
			}
			r.logger.Info("recording segment closed", "path", ev.Path, "entries", ev.Entries)
		}
	}
}

func (r *Runtime) setConnStatus(status events.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus[status.ConnectionID] = status
	r.connStatusMu.Unlock()
}

// ConnStatus returns the last status event seen for id.
func (r *Runtime) ConnStatus(id domain.ConnectionID) (events.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	defer r.connStatusMu.RUnlock()
	status, ok := r.connStatus[id]

	return status, ok
}

// ClearHistory wipes the recording catalog and command history. Segment files stay on disk.
func (r *Runtime) ClearHistory(ctx context.Context) error {
	if r.DB == nil {
		return errors.New("database is not initialized")
	}
	if err := persistence.ClearDatabase(ctx, r.DB); err != nil {
		return err
	}
	r.logger.Info("history cleared")

	return nil
}

// Close releases everything Initialize acquired. The event bus goes last because publishers
// block on it once it is shut down.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.Manager != nil {
			r.Manager.Close()
		}
		if r.Recorder != nil {
			_ = r.Recorder.Close()
		}
		if r.Broker != nil {
			r.Broker.Close()
		}
		if r.DB != nil {
			_ = r.DB.Close()
		}
		if r.Events != nil {
			r.Events.Close()
		}
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})

	return nil
}
