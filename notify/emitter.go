// Package notify hands change events off the request path and fans them
// out to sinks: pub/sub, the event queue and the subscriber dispatcher.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"subscription-proxy/domain"
)

// Sink consumes change events.
type Sink interface {
	Handle(ctx context.Context, ev *domain.ChangeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *domain.ChangeEvent) error

func (f SinkFunc) Handle(ctx context.Context, ev *domain.ChangeEvent) error { return f(ctx, ev) }

// Sinks delivers to every sink in order and joins their errors.
type Sinks []Sink

func (s Sinks) Handle(ctx context.Context, ev *domain.ChangeEvent) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type EmitterConfig struct {
	Workers         int
	Buffer          int
	HandoffTimeout  time.Duration
	DeliveryTimeout time.Duration
}

func (c EmitterConfig) withDefaults() EmitterConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	return c
}

// Stats counts handoff outcomes since the emitter started.
type Stats struct {
	Accepted int64
	Dropped  int64
	Failed   int64
}

// Emitter queues events on bounded per-shard channels. Events with the same
// key always land on the same shard, so one worker handles them in
// submission order.
type Emitter struct {
	shards   []chan *domain.ChangeEvent
	sink     Sink
	handoff  time.Duration
	delivery time.Duration
	logger   *log.Logger
	wg       sync.WaitGroup
	once     sync.Once

	accepted atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func NewEmitter(cfg EmitterConfig, sink Sink, logger *log.Logger) *Emitter {
	if logger == nil {
		panic("Logger is not initialized")
	}
	cfg = cfg.withDefaults()
	e := &Emitter{
		shards:   make([]chan *domain.ChangeEvent, cfg.Workers),
		sink:     sink,
		handoff:  cfg.HandoffTimeout,
		delivery: cfg.DeliveryTimeout,
		logger:   logger,
	}
	for i := range e.shards {
		e.shards[i] = make(chan *domain.ChangeEvent, cfg.Buffer)
		e.wg.Add(1)
		go e.worker(i, e.shards[i])
	}
	logger.Infof("event emitter started, workers: %d, buffer: %d, handoff: %v, delivery timeout: %v", cfg.Workers, cfg.Buffer, cfg.HandoffTimeout, cfg.DeliveryTimeout)
	return e
}

func (e *Emitter) shard(key string) chan *domain.ChangeEvent {
	return e.shards[xxhash.Sum64String(key)%uint64(len(e.shards))]
}

// Emit hands ev to its shard without waiting for delivery. It waits at most
// the handoff timeout for queue space and reports false when the event was
// dropped.
func (e *Emitter) Emit(ev *domain.ChangeEvent) bool {
	ch := e.shard(ev.Key())
	if ok, closed := trySendNonBlocking(ch, ev); ok {
		e.accepted.Add(1)
		return true
	} else if !closed && e.handoff > 0 {
		timer := time.NewTimer(e.handoff)
		defer timer.Stop()
		if ok, _ := sendWithTimer(ch, ev, timer.C); ok {
			e.accepted.Add(1)
			return true
		}
	}
	e.dropped.Add(1)
	e.logger.WithFields(log.Fields{"event_id": ev.ID, "key": ev.Key(), "verb": ev.Verb}).Warn("notify.event.dropped")
	return false
}

func (e *Emitter) worker(id int, ch <-chan *domain.ChangeEvent) {
	defer e.wg.Done()
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), e.delivery)
		err := e.sink.Handle(ctx, ev)
		cancel()
		if err != nil {
			e.failed.Add(1)
			e.logger.WithError(err).WithFields(log.Fields{"event_id": ev.ID, "key": ev.Key(), "worker": id}).Error("notify.delivery.failed")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (e *Emitter) Close() {
	e.once.Do(func() {
		for _, ch := range e.shards {
			close(ch)
		}
	})
	e.wg.Wait()
}

func (e *Emitter) Stats() Stats {
	return Stats{Accepted: e.accepted.Load(), Dropped: e.dropped.Load(), Failed: e.failed.Load()}
}

func trySendNonBlocking(ch chan *domain.ChangeEvent, ev *domain.ChangeEvent) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- ev:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan *domain.ChangeEvent, ev *domain.ChangeEvent, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- ev:
		return true, false
	case <-timer:
		return false, false
	}
}
