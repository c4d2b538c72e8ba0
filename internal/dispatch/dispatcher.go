// Package dispatch turns queued jobs into sends on live sessions and records
// their outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wamator/internal/events"
	"wamator/internal/metrics"
	"wamator/internal/model"
	"wamator/internal/queue"
	"wamator/internal/store"
	"wamator/internal/transport"
)

const (
	writeTimeout = 10 * time.Second
	sendTimeout  = 2 * time.Minute
)

type Store interface {
	JobStatus(ctx context.Context, batchID, recipient string) (model.JobStatus, error)
	ActiveSessionForUser(ctx context.Context, userID int64) (model.SessionRecord, error)
	MarkDelivered(ctx context.Context, batchID, recipient string) (bool, error)
	MarkFailed(ctx context.Context, batchID, recipient, reason string) (bool, error)
}

// Sessions resolves a session key to its transport once that session is READY.
type Sessions interface {
	ReadyClient(key string) (transport.Client, bool)
}

type MediaFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Options struct {
	Store         Store
	Sessions      Sessions
	Fetcher       MediaFetcher
	Events        events.Emitter
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	DefaultRegion string
	// SendRate caps sends per second on one session; zero disables the cap.
	SendRate float64
	Now      func() time.Time
}

type Dispatcher struct {
	store    Store
	sessions Sessions
	fetcher  MediaFetcher
	events   events.Emitter
	metrics  *metrics.Metrics
	log      zerolog.Logger
	region   string
	sendRate float64
	now      func() time.Time

	limitersMu sync.Mutex
	limiters   map[string]sessionLimiter
}

// sessionLimiter belongs to one session instance; a reconnect under the same key starts fresh.
type sessionLimiter struct {
	client  transport.Client
	limiter *rate.Limiter
}

func New(opts Options) *Dispatcher {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = "NG"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:    opts.Store,
		sessions: opts.Sessions,
		fetcher:  opts.Fetcher,
		events:   opts.Events,
		metrics:  opts.Metrics,
		log:      opts.Logger.With().Str("component", "dispatch").Logger(),
		region:   opts.DefaultRegion,
		sendRate: opts.SendRate,
		now:      opts.Now,
		limiters: make(map[string]sessionLimiter),
	}
}

// rejection is a failure that redelivery cannot fix; the job is failed and acked.
type rejection struct{ reason string }

func (r rejection) Error() string { return r.reason }

func reject(reason string) error { return rejection{reason: reason} }

var errSessionNotReady = errors.New("session not ready")

// Handle processes one delivery and settles it exactly once.
func (d *Dispatcher) Handle(ctx context.Context, del queue.Delivery) {
	start := d.now()

	job, err := decodeJob(del.Body())
	if err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed job")
		if job.BatchID != "" && job.Number != "" {
			d.markFailed(ctx, job, err.Error())
		}
		d.settle(del, true)
		d.metrics.JobOutcome("malformed", d.now().Sub(start))
		return
	}
	log := d.log.With().Str("batch_id", job.BatchID).Str("number", job.Number).Str("type", string(job.Type)).Logger()

	if status, err := d.store.JobStatus(ctx, job.BatchID, job.Number); err == nil && status.Terminal() {
		log.Info().Str("status", string(status)).Bool("redelivered", del.Redelivered()).Msg("job already settled, skipping")
		d.settle(del, true)
		d.metrics.JobOutcome("duplicate", d.now().Sub(start))
		return
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("read job status")
	}

	log.Info().Msg("processing job")
	sendErr := d.deliver(ctx, job)
	took := d.now().Sub(start)

	if sendErr == nil {
		d.markDelivered(ctx, job)
		d.settle(del, true)
		d.metrics.JobOutcome("delivered", took)
		d.emit(ctx, job, model.JobDelivered, "")
		log.Info().Dur("took", took).Msg("job delivered")
		return
	}

	reason := sendErr.Error()
	d.markFailed(ctx, job, reason)
	var rej rejection
	if errors.As(sendErr, &rej) {
		d.settle(del, true)
		d.metrics.JobOutcome("rejected", took)
		log.Warn().Str("reason", reason).Msg("job rejected")
	} else {
		d.settle(del, false)
		d.metrics.JobOutcome("failed", took)
		log.Error().Err(sendErr).Msg("job failed")
	}
	d.emit(ctx, job, model.JobFailed, reason)
}

func (d *Dispatcher) deliver(ctx context.Context, job model.Job) error {
	userID := int64(job.UserID)
	rec, err := d.store.ActiveSessionForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no active session for user %d", userID)
	}
	if err != nil {
		return fmt.Errorf("lookup active session: %w", err)
	}

	client, ok := d.sessions.ReadyClient(rec.SessionKey)
	if !ok {
		return errSessionNotReady
	}

	addr, err := NormalizeAddress(job.Number, d.region)
	if err != nil {
		return reject(err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	registered, err := client.IsRegisteredRecipient(sendCtx, addr)
	if err != nil {
		return fmt.Errorf("check recipient: %w", err)
	}
	if !registered {
		return reject("not on network")
	}

	if !job.Type.IsMedia() {
		if err := d.wait(sendCtx, rec.SessionKey, client); err != nil {
			return err
		}
		return client.SendText(sendCtx, addr, job.Message)
	}

	if job.MediaURL == "" || job.MediaFilename == "" {
		return reject("Missing media_url or media_filename for media message")
	}
	data, err := d.fetcher.Fetch(sendCtx, job.MediaURL)
	if err != nil {
		return fmt.Errorf("fetch media from %s: %w", job.MediaURL, err)
	}
	if err := d.wait(sendCtx, rec.SessionKey, client); err != nil {
		return err
	}
	return client.SendMedia(sendCtx, addr, transport.Media{
		Data:     data,
		MimeType: job.Type.DefaultMime(),
		FileName: job.MediaFilename,
	}, job.Message)
}

// wait blocks until the session's send budget allows one more message.
func (d *Dispatcher) wait(ctx context.Context, sessionKey string, client transport.Client) error {
	if d.sendRate <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	l, ok := d.limiters[sessionKey]
	if !ok || l.client != client {
		d.pruneLimiters()
		burst := int(d.sendRate)
		if burst < 1 {
			burst = 1
		}
		l = sessionLimiter{client: client, limiter: rate.NewLimiter(rate.Limit(d.sendRate), burst)}
		d.limiters[sessionKey] = l
	}
	d.limitersMu.Unlock()
	return l.limiter.Wait(ctx)
}

// pruneLimiters drops the limiters of sessions that are no longer READY.
// Callers hold limitersMu.
func (d *Dispatcher) pruneLimiters() {
	for key, l := range d.limiters {
		if c, ok := d.sessions.ReadyClient(key); !ok || c != l.client {
			delete(d.limiters, key)
		}
	}
}

func (d *Dispatcher) markDelivered(ctx context.Context, job model.Job) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := d.store.MarkDelivered(wctx, job.BatchID, job.Number); err != nil {
		d.log.Error().Err(err).Str("batch_id", job.BatchID).Msg("record delivery")
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, job model.Job, reason string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if _, err := d.store.MarkFailed(wctx, job.BatchID, job.Number, reason); err != nil {
		d.log.Error().Err(err).Str("batch_id", job.BatchID).Msg("record failure")
	}
}

func (d *Dispatcher) settle(del queue.Delivery, ack bool) {
	var err error
	if ack {
		err = del.Ack()
	} else {
		err = del.Nack()
	}
	if err != nil {
		d.log.Error().Err(err).Bool("ack", ack).Msg("settle delivery")
	}
}

func (d *Dispatcher) emit(ctx context.Context, job model.Job, status model.JobStatus, reason string) {
	_ = d.events.Emit(ctx, events.JobOutcome{
		BatchID:    job.BatchID,
		Recipient:  job.Number,
		TenantID:   int64(job.APIConsumerID),
		UserID:     int64(job.UserID),
		Type:       job.Type,
		Status:     status,
		Error:      reason,
		OccurredAt: d.now().UnixMilli(),
	})
}
