// Package reconcile brings persisted-active sessions back after a restart.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"wamator/internal/metrics"
	"wamator/internal/model"
	"wamator/internal/session"
)

type Store interface {
	ListActiveSessions(ctx context.Context) ([]model.SessionRecord, error)
}

type Sessions interface {
	Restore(ctx context.Context, rec model.SessionRecord) error
	Live(key string) bool
}

// Settler waits for restored sessions to leave their startup states.
type Settler interface {
	AwaitSettled(ctx context.Context, keys []string) error
}

type Options struct {
	Store    Store
	Sessions Sessions
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// Stagger separates two consecutive restores.
	Stagger  time.Duration
	Attempts int
	Backoff  time.Duration
}

type Reconciler struct {
	store    Store
	sessions Sessions
	log      zerolog.Logger
	metrics  *metrics.Metrics
	stagger  time.Duration
	attempts int
	backoff  time.Duration

	// sleep waits out the stagger; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	running sync.Mutex
}

func New(opts Options) *Reconciler {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	return &Reconciler{
		store:    opts.Store,
		sessions: opts.Sessions,
		log:      opts.Logger.With().Str("component", "reconcile").Logger(),
		metrics:  opts.Metrics,
		stagger:  opts.Stagger,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run restores every persisted-active record without a live session, one at a
// time. It returns the keys whose transport initialized, for the readiness barrier.
// A record that keeps failing is left active and logged.
func (r *Reconciler) Run(ctx context.Context) ([]string, error) {
	r.running.Lock()
	defer r.running.Unlock()
	return r.run(ctx)
}

func (r *Reconciler) run(ctx context.Context) ([]string, error) {
	records, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	r.log.Info().Int("records", len(records)).Msg("reconciling sessions")

	var restored []string
	launched := 0
	for _, rec := range records {
		key := model.SessionKey(rec.TenantID, rec.UserID, rec.Address)
		if r.sessions.Live(key) {
			r.metrics.Restore("skipped")
			continue
		}
		if launched > 0 {
			if err := r.sleep(ctx, r.stagger); err != nil {
				return restored, err
			}
		}
		launched++

		err := r.restore(ctx, rec)
		switch {
		case err == nil:
			restored = append(restored, key)
			r.metrics.Restore("ok")
			r.log.Info().Str("session", key).Msg("session restored")
		case errors.Is(err, session.ErrShuttingDown), ctx.Err() != nil:
			return restored, err
		case errors.Is(err, session.ErrAlreadyInitializing):
			r.metrics.Restore("skipped")
		default:
			r.metrics.Restore("failed")
			r.log.Error().Err(err).Str("session", key).Int("attempts", r.attempts).Msg("session restore failed")
		}
	}
	return restored, nil
}

// Boot runs the startup pass, then waits at most settle for the restored
// sessions to become READY or terminal. Failures are logged; callers go on either way.
func (r *Reconciler) Boot(ctx context.Context, s Settler, settle time.Duration) []string {
	restored, err := r.Run(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("startup reconciliation")
	}
	settleCtx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	if err := s.AwaitSettled(settleCtx, restored); err != nil {
		r.log.Warn().Err(err).Int("sessions", len(restored)).Msg("restored sessions not settled")
	}
	return restored
}

func (r *Reconciler) restore(ctx context.Context, rec model.SessionRecord) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.sessions.Restore(ctx, rec)
		if errors.Is(err, session.ErrAlreadyInitializing) || errors.Is(err, session.ErrShuttingDown) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.backoff)),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn().Err(err).Int64("user_id", rec.UserID).Int("attempt", attempt).Dur("retry_in", next).Msg("restore attempt failed")
		}),
	)
	return err
}

// Schedule re-runs reconciliation on a cron schedule until ctx ends. An empty schedule disables it.
func (r *Reconciler) Schedule(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(schedule, func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("parse reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	r.log.Info().Str("schedule", schedule).Msg("reconcile sweep scheduled")
	return nil
}

func (r *Reconciler) sweep(ctx context.Context) {
	if !r.running.TryLock() {
		r.log.Debug().Msg("reconcile already running, sweep skipped")
		return
	}
	defer r.running.Unlock()
	if _, err := r.run(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Msg("reconcile sweep")
	}
}
