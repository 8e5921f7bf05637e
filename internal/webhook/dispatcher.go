package webhook

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandeepkv93/keygate/internal/observability"
)

// Dispatcher delivers events in the background. Emit never blocks: when the
// buffer is full the event is dropped and counted.
type Dispatcher struct {
	sink      Sink
	logger    *slog.Logger
	timeout   time.Duration
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

type DispatcherConfig struct {
	Buffer  int
	Workers int
	Timeout time.Duration
}

func NewDispatcher(cfg DispatcherConfig, sink Sink, logger *slog.Logger) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if sink == nil {
		sink = NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: cfg.Timeout,
		ch:      make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	observability.RecordWebhookQueueDepth(ctx, -1)
	if err := d.sink.Deliver(ctx, event); err != nil {
		d.failed.Add(1)
		observability.RecordWebhookDelivery(ctx, event.Name, "failure")
		d.logger.Warn("webhook delivery failed",
			"event", event.Name,
			"keysystem_id", event.KeysystemID,
			"error", err,
		)
		return
	}
	d.delivered.Add(1)
	observability.RecordWebhookDelivery(ctx, event.Name, "success")
}

// Emit queues event for delivery. Events without a target are ignored.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() || strings.TrimSpace(event.Target) == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case d.ch <- event:
		observability.RecordWebhookQueueDepth(ctx, 1)
	case <-d.done:
	default:
		d.dropped.Add(1)
		observability.RecordWebhookDelivery(ctx, event.Name, "dropped")
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}

func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
