package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mullr/pglogical/admin"
	"github.com/mullr/pglogical/cfg"
	"github.com/mullr/pglogical/decoder"
	"github.com/mullr/pglogical/publisher"
	"github.com/mullr/pglogical/source"
	"github.com/mullr/pglogical/telemetry"

	// Sink and transformer implementations register themselves on import.
	_ "github.com/mullr/pglogical/publisher/sink"
	_ "github.com/mullr/pglogical/publisher/transformer"
)

const cleanupTimeout = 30 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("slot", cfg.Config.Slot.Name).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("pglogical - Postgres logical decoding change stream")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Construct the change source for the configured mode
	srcCfg := source.Config{
		Slot:           cfg.Config.Slot.Name,
		Plugin:         cfg.Config.Slot.Plugin,
		DropWait:       time.Duration(cfg.Config.Slot.DropWaitMS) * time.Millisecond,
		PollInterval:   time.Duration(cfg.Config.Slot.PollIntervalMS) * time.Millisecond,
		ReceiveTimeout: time.Duration(cfg.Config.Source.ReceiveTimeoutMS) * time.Millisecond,
	}

	log.Info().
		Str("mode", cfg.Config.Source.Mode).
		Str("plugin", cfg.Config.Slot.Plugin).
		Msg("Creating change source")
	src, err := source.New(ctx, source.Mode(cfg.Config.Source.Mode), cfg.Config.Connection.DSN, srcCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create change source")
		return
	}
	// Slot teardown must survive the canceled signal context.
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		src.Cleanup(cctx)
	}()

	dec := decoder.New()

	// Publisher registry (optional)
	var registry *publisher.Registry
	if cfg.Config.Publisher.Enabled {
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			SpoolDir:    cfg.Config.Publisher.SpoolDir,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize publisher")
			return
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publisher")
			return
		}
		defer registry.Stop()
	}

	// Admin HTTP server (optional)
	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(statusProvider(src, dec), slotStateProvider())
		adminServer.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminServer.Stop(sctx)
		}()
	}

	log.Info().Str("slot", cfg.Config.Slot.Name).Msg("pglogical started successfully")

	if err := pump(ctx, src, dec, registry); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Change pump stopped")
	}

	log.Info().Msg("Shutting down")
}

// pump drains the change source, decodes payloads, and hands row changes to
// the publisher. In SQL mode each iterator is a finite batch, so the loop
// re-polls; in walsender mode a timeout ends the iterator and the loop asks
// the still-running stream for a fresh one, while EOF means the stream is
// gone for good.
func pump(ctx context.Context, src source.ChangeSource, dec *decoder.Decoder, registry *publisher.Registry) error {
	opts := pluginOptions()
	sqlMode := cfg.Config.Source.Mode != string(source.ModeWalsender)

	for ctx.Err() == nil {
		it, err := src.Changes(ctx, opts)
		if err != nil {
			return err
		}

		timedOut := false
		for {
			msg, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			var timeoutErr *source.TimeoutError
			if errors.As(err, &timeoutErr) {
				// Quiet server; the iterator is spent but the stream lives on.
				log.Debug().Dur("wait", timeoutErr.Wait).Msg("Receive timeout, requesting a fresh iterator")
				timedOut = true
				break
			}
			if err != nil {
				return err
			}

			event, err := dec.Decode(msg)
			if err != nil {
				log.Error().Err(err).Stringer("position", msg.WALStart).Msg("Undecodable payload")
				continue
			}
			if event == nil {
				continue // Protocol bookkeeping message
			}

			log.Debug().
				Str("op", event.Op.String()).
				Str("schema", event.Schema).
				Str("table", event.Table).
				Stringer("position", event.LSN).
				Msg("Change decoded")

			if registry != nil {
				if ev, ok := publisher.FromChange(event); ok {
					if err := registry.Append([]publisher.Event{ev}); err != nil {
						return fmt.Errorf("spool append: %w", err)
					}
				}
			}
		}

		if sqlMode {
			// A finished batch in SQL mode just means the backlog is drained.
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(cfg.Config.Slot.PollIntervalMS) * time.Millisecond):
			}
			continue
		}
		if timedOut {
			continue
		}
		// The walsender stream is one-shot; EOF means it is gone for good.
		return errors.New("replication stream ended")
	}
	return ctx.Err()
}

// pluginOptions builds the output plugin startup parameters from config.
func pluginOptions() source.Options {
	opts := source.Options{}
	o := cfg.Config.Options
	if o.ExpectedEncoding != "" {
		opts[source.OptExpectedEncoding] = source.String(o.ExpectedEncoding)
	}
	if o.MinProtoVersion != "" {
		opts[source.OptMinProtoVersion] = source.String(o.MinProtoVersion)
	}
	if o.MaxProtoVersion != "" {
		opts[source.OptMaxProtoVersion] = source.String(o.MaxProtoVersion)
	}
	if o.StartupParamsFormat != "" {
		opts[source.OptStartupParamsFormat] = source.String(o.StartupParamsFormat)
	}
	return opts
}

func statusProvider(src source.ChangeSource, dec *decoder.Decoder) admin.StatusProvider {
	type positioned interface {
		Position() pglogrepl.LSN
	}
	return func() admin.Status {
		st := admin.Status{
			Slot: cfg.Config.Slot.Name,
			Mode: cfg.Config.Source.Mode,
		}
		if p, ok := src.(positioned); ok {
			st.Position = p.Position().String()
		}
		st.StartupParams = dec.StartupParams()
		return st
	}
}

// slotStateProvider queries slot state over a short-lived connection so the
// admin surface never contends with the change stream's connection.
func slotStateProvider() admin.SlotStateProvider {
	return func(ctx context.Context) (admin.SlotState, error) {
		conn, err := pgx.Connect(ctx, cfg.Config.Connection.DSN)
		if err != nil {
			return admin.SlotState{}, err
		}
		defer conn.Close(ctx)

		slots := source.NewSlotManager(conn)
		exists, active, err := slots.State(ctx, cfg.Config.Slot.Name)
		if err != nil {
			return admin.SlotState{}, err
		}
		return admin.SlotState{
			Name:   cfg.Config.Slot.Name,
			Exists: exists,
			Active: active,
		}, nil
	}
}
