// README: Wires storage, cache, events and module services from config; shared by the API and the CLI.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"workshop/internal/config"
	"workshop/internal/events"
	"workshop/internal/infra"
	"workshop/internal/modules/booking"
	"workshop/internal/modules/stats"
	"workshop/internal/modules/workorder"
)

type App struct {
	Config    config.Config
	WorkOrder *workorder.Service
	Booking   *booking.Service
	Stats     *stats.Service

	closers []func()
}

// Options toggle the optional backends; the CLI runs without cache and events.
type Options struct {
	Cache  bool
	Events bool
}

// New opens the configured store, applies migrations and builds the services.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	loc, err := cfg.Workshop.Location()
	if err != nil {
		return nil, err
	}
	open, closeAt, err := cfg.Workshop.Hours()
	if err != nil {
		return nil, err
	}
	hours := booking.OperatingHours{Open: open, Close: closeAt}

	a := &App{Config: cfg}
	var (
		orderRepo   workorder.Repository
		bookingRepo booking.Repository
	)
	switch cfg.DB.Driver {
	case config.DriverSQLite:
		db, err := infra.NewSQLite(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := infra.MigrateSQLite(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		orderRepo, bookingRepo = workorder.NewSQLiteStore(db), booking.NewSQLiteStore(db)
	default:
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := infra.MigratePostgres(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		orderRepo, bookingRepo = workorder.NewPGStore(pool), booking.NewPGStore(pool)
	}

	var publisher events.Publisher = events.Nop{}
	if opts.Events && len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, 256)
		kp.Start()
		a.closers = append(a.closers, func() {
			kp.Close()
			kp.WaitClosed()
		})
		publisher = kp
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("event publishing enabled")
	}

	orderOpts := []workorder.Option{
		workorder.WithPublisher(publisher),
		workorder.WithBatchSize(cfg.Workshop.RecomputeBatchSize),
	}
	if opts.Cache && cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			// the cache is optional; run against the store alone
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, cache disabled")
		} else {
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			orderOpts = append(orderOpts, workorder.WithCache(workorder.NewRedisCache(rdb, cfg.Redis.CacheTTL)))
		}
	}

	a.WorkOrder = workorder.NewService(orderRepo, orderOpts...)
	a.Booking = booking.NewService(bookingRepo, a.WorkOrder, hours, booking.WithPublisher(publisher))
	a.Stats = stats.NewService(orderRepo, a.Booking, hours, loc, time.Now)
	return a, nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
