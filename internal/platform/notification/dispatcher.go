package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/careflow/internal/platform/telemetry"
)

const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 4
	DefaultSendTimeout = 10 * time.Second
)

// Options configures a Dispatcher. Zero values fall back to the defaults.
type Options struct {
	QueueSize   int
	Workers     int
	OutboxLimit int
	SendTimeout time.Duration
	Rules       []Rule
	Metrics     *telemetry.Metrics
}

// DispatchResult reports what happened to the messages one event produced.
// Messages whose target could not be resolved count as matched only.
type DispatchResult struct {
	Matched int `json:"matched"`
	Queued  int `json:"queued"`
	Dropped int `json:"dropped"`
}

// Dispatcher turns events into messages and delivers them on a bounded queue
// served by a fixed worker pool. Dispatch never blocks on delivery.
type Dispatcher struct {
	rules       []Rule
	transport   Transport
	outbox      *Outbox
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan string
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool. Call Close to drain it.
func NewDispatcher(transport Transport, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}

	d := &Dispatcher{
		rules:       opts.Rules,
		transport:   transport,
		outbox:      NewOutbox(opts.OutboxLimit),
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "notification").Logger(),
		now:         time.Now,
		sendTimeout: opts.SendTimeout,
		queue:       make(chan string, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch matches evt against the rules and queues one message per match.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) DispatchResult {
	var res DispatchResult

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, rule := range d.rules {
		if !rule.matches(evt) {
			continue
		}
		res.Matched++

		kind, targetID, ok := rule.resolve(evt)
		if !ok {
			d.logger.Debug().
				Str("instance_id", evt.InstanceID).
				Str("to_step", evt.ToStep).
				Str("target_source", string(rule.Target.Source)).
				Str("target_value", rule.Target.Value).
				Msg("notification target not resolvable, skipping")
			continue
		}

		now := d.now().UTC()
		msg := Message{
			ID:         uuid.New().String(),
			TargetKind: kind,
			TargetID:   targetID,
			Title:      render(rule.Title, templateData(evt)),
			Body:       rule.body(evt),
			Category:   rule.Category,
			Priority:   priorityFor(rule, evt),
			Actions:    rule.Actions,
			InstanceID: evt.InstanceID,
			EntityID:   evt.EntityID,
			CreatedAt:  now,
		}
		d.outbox.add(msg, StatusPending, now)

		if d.closed {
			d.drop(msg, "dispatcher closed")
			res.Dropped++
			continue
		}
		select {
		case d.queue <- msg.ID:
			res.Queued++
		default:
			d.drop(msg, "queue full")
			res.Dropped++
		}
	}
	return res
}

func (d *Dispatcher) drop(msg Message, reason string) {
	d.outbox.markDropped(msg.ID, d.now().UTC())
	d.metrics.ObserveDropped()
	d.logger.Warn().
		Str("notification_id", msg.ID).
		Str("target_kind", string(msg.TargetKind)).
		Str("target_id", msg.TargetID).
		Str("instance_id", msg.InstanceID).
		Str("reason", reason).
		Msg("notification dropped")
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for id := range d.queue {
		d.deliver(context.Background(), id, false)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, id string, retry bool) error {
	msg, err := d.outbox.markStarted(id, retry, d.now().UTC())
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sendErr := d.transport.Send(sctx, msg.TargetKind, msg.TargetID, msg)
	cancel()

	d.outbox.markResult(id, sendErr, d.now().UTC())
	if sendErr != nil {
		d.metrics.ObserveNotification(StatusFailed)
		d.logger.Error().Err(sendErr).
			Str("notification_id", id).
			Str("target_kind", string(msg.TargetKind)).
			Str("target_id", msg.TargetID).
			Bool("retry", retry).
			Msg("notification delivery failed")
		return sendErr
	}
	d.metrics.ObserveNotification(StatusSent)
	return nil
}

// Retry re-sends a failed or dropped message synchronously and returns the
// updated record.
func (d *Dispatcher) Retry(ctx context.Context, id string) (Record, error) {
	d.metrics.ObserveNotification("retried")
	err := d.deliver(ctx, id, true)
	rec, ok := d.outbox.Get(id)
	if !ok {
		return Record{}, err
	}
	return rec, err
}

func (d *Dispatcher) Get(id string) (Record, bool) {
	return d.outbox.Get(id)
}

func (d *Dispatcher) ListByTarget(kind TargetKind, targetID string, limit, offset int) ([]Record, int) {
	return d.outbox.ListByTarget(kind, targetID, limit, offset)
}

func (d *Dispatcher) Stats() map[string]int {
	return d.outbox.Stats()
}

// Close stops accepting events and waits for queued messages to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
