package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/skobkin/groundlink/internal/broker"
	"github.com/skobkin/groundlink/internal/bus"
	"github.com/skobkin/groundlink/internal/config"
	"github.com/skobkin/groundlink/internal/connection"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/events"
	"github.com/skobkin/groundlink/internal/logging"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/replay"
)

type replayOptions struct {
	pacing   bool
	speed    float64
	profile  string
	names    []string
	logLevel string
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a recorded segment through the pipeline and print each message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logMgr := logging.NewManagerWithOutput(cmd.ErrOrStderr())
			if err := logMgr.Configure(config.LoggingConfig{Level: opts.logLevel}, ""); err != nil {
				return err
			}
			defer func() { _ = logMgr.Close() }()

			n, err := replayRecording(cmd.Context(), cmd.OutOrStdout(), logMgr, args[0], opts)
			if err != nil {
				return err
			}
			logMgr.Logger("cli").Info("replay finished", "messages", n)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.pacing, "pacing", false, "honour the recorded inter-message gaps")
	flags.Float64Var(&opts.speed, "speed", 1, "pacing speed multiplier")
	flags.StringVar(&opts.profile, "profile", "", "protocol profile file (default is the built-in profile)")
	flags.StringArrayVar(&opts.names, "name", nil, "only print messages with this name, repeatable")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	return cmd
}

// replayRecording plays path as a replay connection into a message bus and prints what a
// lossless subscriber receives. It returns the number of printed messages.
func replayRecording(ctx context.Context, out io.Writer, logMgr *logging.Manager, path string, opts replayOptions) (int, error) {
	profile, err := loadProfile(opts.profile)
	if err != nil {
		return 0, err
	}
	filter, err := nameFilter(profile, opts.names)
	if err != nil {
		return 0, err
	}

	ev := bus.New(logMgr.Logger("events"))
	defer ev.Close()
	statusSub := ev.Subscribe(events.TopicConnectionStatus)
	defer ev.Unsubscribe(statusSub)

	m := connection.NewManager(connection.Options{
		Logger:    logMgr.Logger("connection"),
		Events:    ev,
		Profile:   profile,
		Factories: map[string]connection.Factory{domain.ReplayKind{}.KindName(): replay.Factory},
	})
	b := broker.New(broker.Options{Logger: logMgr.Logger("broker")})
	sub, err := b.Subscribe(broker.LosslessPolicy(0, 0), filter, broker.WithName("replay-print"))
	if err != nil {
		m.Close()
		return 0, err
	}

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		_ = b.Run(context.Background(), m.Messages())
		b.Close()
	}()

	id, err := m.Add(domain.ReplayKind{Path: path, Pacing: opts.pacing, Speed: opts.speed})
	if err != nil {
		m.Close()
		<-brokerDone
		return 0, err
	}

	failure := make(chan error, 1)
	go func() {
		failure <- awaitReplayEnd(ctx, statusSub, id)
		m.Close()
	}()

	count := 0
	var printErr error
	for {
		msg, err := sub.Recv(context.Background())
		if err != nil {
			break
		}
		if _, err := fmt.Fprintln(out, formatMessage(msg)); err != nil {
			// Keep the bus flowing until the replay stops.
			printErr = err
			_ = b.Unsubscribe(sub.ID())
			break
		}
		count++
	}
	<-brokerDone
	failErr := <-failure

	return count, errors.Join(printErr, failErr)
}

// awaitReplayEnd blocks until connection id stops. A failed replay is returned as an error;
// cancellation is not.
func awaitReplayEnd(ctx context.Context, sub bus.Subscription, id domain.ConnectionID) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub:
			if !ok {
				return nil
			}
			status, ok := raw.(events.ConnectionStatus)
			if !ok || status.ConnectionID != id {
				continue
			}
			switch status.Status.State {
			case domain.ConnectionStateDisconnected:
				return nil
			case domain.ConnectionStateFailed:
				return fmt.Errorf("replay failed: %s", status.Status.Reason)
			}
		}
	}
}

func nameFilter(profile *mavlink.Profile, names []string) (broker.Filter, error) {
	var filter broker.Filter
	for _, name := range names {
		def, ok := profile.MessageByName(name)
		if !ok {
			return broker.Filter{}, fmt.Errorf("unknown message name %q", name)
		}
		filter.Kinds = append(filter.Kinds, def.ID)
	}

	return filter, nil
}

