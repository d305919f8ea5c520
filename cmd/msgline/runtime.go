package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"msgline/internal/adapter/channel"
	"msgline/internal/adapter/envelope"
	"msgline/internal/adapter/feed"
	"msgline/internal/adapter/identity"
	"msgline/internal/adapter/mediacache"
	"msgline/internal/adapter/store"
	"msgline/internal/domain"
	"msgline/internal/infra/config"
	"msgline/internal/infra/logger"
	"msgline/internal/security"
	"msgline/internal/usecase/eventbus"
	"msgline/internal/usecase/inbound"
	"msgline/internal/usecase/scheduling"
)

// runtime holds the long-lived components of "msgline serve".
type runtime struct {
	cfg *config.Config
	log *slog.Logger
	now func() time.Time

	bus       *eventbus.Bus
	cache     mediacache.Cache
	store     *store.SQLiteLastSeenStore // nil when store.path is empty
	builder   *inbound.LineBuilder
	processor *inbound.Processor
	channels  []domain.Channel
	scheduler *scheduling.Scheduler // nil when disabled
	feed      *feed.Server          // nil when disabled
}

// newRuntime wires every component from cfg. Nothing is started yet.
func newRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, log: log, now: time.Now}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	// 1. Event bus
	rt.bus = eventbus.New(log)

	// 2. Recent-media cache
	rt.cache, err = mediacache.New(ctx, cfg.MediaCache)
	if err != nil {
		return nil, fmt.Errorf("media cache: %w", err)
	}

	// 3. Last-seen store
	if cfg.Store.Path != "" {
		rt.store, err = store.NewSQLiteLastSeenStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}

	// 4. Inbound pipeline
	rt.builder = inbound.NewLineBuilder(
		identity.NewResolver(identity.WithLogger(log)),
		rt.cache,
		envelope.NewFormatter(),
		inbound.WithLogger(logger.Component(log, "inbound")),
	)
	procOpts := []inbound.ProcessorOption{
		inbound.WithRecorder(rt.cache),
		inbound.WithBus(rt.bus),
		inbound.WithProcessorLogger(log),
	}
	if rt.store != nil {
		procOpts = append(procOpts, inbound.WithLastSeen(rt.store))
	}
	rt.processor = inbound.NewProcessor(rt.builder, cfg, procOpts...)

	// 5. Channels
	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		downloader := channel.NewMediaDownloader(wa.APIBaseURL, wa.Token, wa.MediaDir, wa.MaxMediaBytes,
			channel.WithMediaLogger(log),
			channel.WithURLGuard(security.NewURLGuard().Check),
		)
		rt.channels = append(rt.channels, channel.NewWhatsAppChannel(wa,
			channel.WithMediaFetcher(downloader),
			channel.WithWhatsAppLogger(log),
		))
	}

	// 6. Scheduler
	if cfg.Scheduler.Enabled {
		rt.scheduler = scheduling.NewScheduler(log)
		rt.scheduler.RegisterAction(scheduling.ActionMediaCacheSweep, rt.sweepMediaCache)
		rt.scheduler.RegisterAction(scheduling.ActionLastSeenPrune, rt.pruneLastSeen)
		if err := rt.scheduler.AddTasks(scheduling.TasksFromConfig(cfg.Scheduler)); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}

	// 7. Line feed
	if cfg.Feed.Enabled {
		auth, err := feed.NewAuthenticator(cfg.Feed.Auth)
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		rt.feed = feed.NewServer(rt.bus, auth, cfg.Feed.Addr, feed.WithLogger(log))
	}

	return rt, nil
}

// Start launches the feed, the scheduler and every channel.
func (rt *runtime) Start(ctx context.Context) error {
	if rt.feed != nil {
		if err := rt.feed.Start(ctx); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
	}
	if rt.scheduler != nil {
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	for _, ch := range rt.channels {
		if err := ch.Start(ctx, rt.processor.Handle); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
	}
	return nil
}

// Close stops components in reverse start order and releases storage.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for _, ch := range rt.channels {
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	if rt.scheduler != nil {
		if err := rt.scheduler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if rt.feed != nil {
		if err := rt.feed.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("feed: %w", err))
		}
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("media cache: %w", err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) sweepMediaCache(ctx context.Context) error {
	n, err := rt.cache.Sweep(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		rt.log.Debug("media cache swept", "removed", n)
	}
	rt.publish(ctx, domain.EventMediaCacheSwept, map[string]int{"removed": n})
	return nil
}

func (rt *runtime) pruneLastSeen(ctx context.Context) error {
	if rt.store == nil || rt.cfg.Store.Retention <= 0 {
		return nil
	}
	n, err := rt.store.Prune(ctx, rt.now().Add(-rt.cfg.Store.Retention))
	if err != nil {
		return err
	}
	rt.publish(ctx, domain.EventLastSeenPruned, map[string]int64{"removed": n})
	return nil
}

func (rt *runtime) publish(ctx context.Context, eventType domain.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		rt.log.Error("failed to marshal event payload", "event", eventType, "error", err)
		return
	}
	rt.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: rt.now(),
		Payload:   raw,
	})
}
