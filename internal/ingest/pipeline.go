// Package ingest accepts log entries from any number of goroutines and applies
// them, in arrival order, to storage from a single worker goroutine.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/devicelog/internal/codec"
	"github.com/wolfeidau/devicelog/internal/telemetry"
)

// Storage is the mutating side of the codec. The worker is its only caller.
type Storage interface {
	Init() error
	Initialized() bool
	Append(rec codec.Record) error
	Flush() error
	Close() error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock used to timestamp entries.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithInitBackOff sets the policy pacing storage init attempts while the
// configuration is unusable.
func WithInitBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pipeline) {
		p.newBackOff = fn
	}
}

// Pipeline is the ingestion queue and its storage worker.
type Pipeline struct {
	store      Storage
	queue      *actionQueue
	now        func() time.Time
	newBackOff func() backoff.BackOff
	metrics    *telemetry.Metrics

	quitting   atomic.Bool
	flushFirst atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New creates a pipeline writing to store and starts its worker.
func New(store Storage, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		queue:      newActionQueue(),
		now:        time.Now,
		newBackOff: defaultInitBackOff,
		metrics:    telemetry.GetMetrics(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.run()

	return p
}

func defaultInitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

// Write enqueues content of the given type. Empty content is ignored.
func (p *Pipeline) Write(content string, typ int) {
	p.WriteContext(context.Background(), content, typ)
}

// WriteContext is Write with the thread name taken from ctx, see WithThreadName.
func (p *Pipeline) WriteContext(ctx context.Context, content string, typ int) {
	if content == "" {
		return
	}

	p.enqueue(Action{Kind: ActionWrite, Entry: NewLogEntry(ctx, content, typ, p.now())})
	p.metrics.EntriesEnqueuedTotal.Add(context.Background(), 1)
}

// Flush enqueues a flush of everything written before it.
func (p *Pipeline) Flush() {
	p.enqueue(Action{Kind: ActionFlush})
}

func (p *Pipeline) enqueue(act Action) {
	p.queue.push(act)
	p.metrics.QueueDepth.Add(context.Background(), 1)
}

// Pending returns the number of actions waiting for the worker.
func (p *Pipeline) Pending() int {
	return p.queue.len()
}

// Quit stops the worker once it has drained the actions already queued and
// waits for it to exit or for ctx to end. With flushFirst the worker flushes
// storage before closing it; otherwise unflushed records stay in the cache
// buffer until the next Init. Actions enqueued after Quit may never be applied.
//
// Only the first call decides flushFirst.
func (p *Pipeline) Quit(ctx context.Context, flushFirst bool) error {
	p.stopOnce.Do(func() {
		p.flushFirst.Store(flushFirst)
		p.quitting.Store(true)
		close(p.stopCh)
	})

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the worker has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.doneCh
}

// run is the worker goroutine.
func (p *Pipeline) run() {
	defer close(p.doneCh)

	bo := p.newBackOff()
	initFailures := 0

	log.Debug().Msg("Ingestion worker started")

	for {
		if !p.store.Initialized() {
			if err := p.store.Init(); err != nil {
				initFailures++
				p.metrics.StorageInitFailuresTotal.Add(context.Background(), 1)

				// queued actions stay in the queue when storage never came up
				if p.quitting.Load() {
					log.Warn().
						Err(err).
						Int("pending", p.queue.len()).
						Msg("Storage unavailable at quit, leaving actions queued")
					p.shutdown()
					return
				}

				wait := bo.NextBackOff()
				if wait == backoff.Stop {
					wait = 30 * time.Second
				}

				ev := log.Debug()
				if initFailures == 1 {
					ev = log.Warn()
				}
				ev.Err(err).
					Int("attempt", initFailures).
					Int("pending", p.queue.len()).
					Dur("next_retry", wait).
					Msg("Storage init failed, will retry")

				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-p.stopCh:
					timer.Stop()
				}
				continue
			}

			if initFailures > 0 {
				log.Info().Int("attempts", initFailures+1).Msg("Storage initialized after retry")
			}
			initFailures = 0
			bo.Reset()
		}

		act, ok := p.queue.pop()
		if !ok {
			if p.quitting.Load() {
				p.shutdown()
				return
			}

			select {
			case <-p.queue.signal:
			case <-p.stopCh:
			}
			continue
		}

		p.dispatch(act)
	}
}

// dispatch applies a single action. Failures are logged and the action dropped.
func (p *Pipeline) dispatch(act Action) {
	ctx := context.Background()
	p.metrics.QueueDepth.Add(ctx, -1)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("action", act.Kind.String()).
				Msg("Recovered from panic applying action")
			if act.Kind == ActionWrite {
				p.metrics.EntriesDroppedTotal.Add(ctx, 1)
			}
		}
	}()

	switch act.Kind {
	case ActionWrite:
		if err := p.store.Append(act.Entry.Record()); err != nil {
			p.metrics.EntriesDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", dropReason(err))))
			log.Warn().
				Err(err).
				Int("type", act.Entry.Type()).
				Int64("timestamp", act.Entry.Timestamp()).
				Msg("Failed to persist log entry, dropping")
			return
		}
		p.metrics.EntriesPersistedTotal.Add(ctx, 1)

	case ActionFlush:
		p.metrics.FlushesTotal.Add(ctx, 1)
		if err := p.store.Flush(); err != nil {
			p.metrics.FlushErrorsTotal.Add(ctx, 1)
			log.Error().Err(err).Msg("Failed to flush log storage")
		}
	}
}

func (p *Pipeline) shutdown() {
	if p.flushFirst.Load() && p.store.Initialized() {
		p.metrics.FlushesTotal.Add(context.Background(), 1)
		if err := p.store.Flush(); err != nil {
			p.metrics.FlushErrorsTotal.Add(context.Background(), 1)
			log.Error().Err(err).Msg("Final flush failed")
		}
	}

	if err := p.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close log storage")
	}

	log.Debug().
		Bool("flushed", p.flushFirst.Load()).
		Int("pending", p.queue.len()).
		Msg("Ingestion worker stopped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrInsufficientSpace):
		return "insufficient_space"
	case errors.Is(err, codec.ErrNotInitialized), errors.Is(err, codec.ErrClosed):
		return "not_initialized"
	default:
		return "io"
	}
}
