package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"enviroguard-backend/internal/engine"
	"enviroguard-backend/internal/metrics"
	"enviroguard-backend/internal/telemetry"
)

// ErrQueueFull signals backpressure. Producers should retry later; the
// HTTP surface maps it to 429.
var ErrQueueFull = errors.New("ingest queue full")

// PointStore persists accepted telemetry points.
type PointStore interface {
	InsertPoint(ctx context.Context, point telemetry.Point) error
}

// Evaluator turns an accepted point into zero or more firing events.
type Evaluator interface {
	Evaluate(ctx context.Context, point telemetry.Point) ([]engine.Event, error)
}

// AlertSink consumes firing events and clear cycles.
type AlertSink interface {
	Handle(ctx context.Context, event engine.Event) (engine.Alert, bool, error)
	AutoResolve(ctx context.Context, key telemetry.Key, fired map[string]bool)
}

type Options struct {
	// QueueSize is the buffer per worker shard.
	QueueSize    int
	Workers      int
	PointTimeout time.Duration
	ClockSkew    time.Duration
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PointTimeout <= 0 {
		o.PointTimeout = 5 * time.Second
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = telemetry.DefaultClockSkew
	}
}

// Pipeline is the ingestion path: validate, enqueue, then per point
// persist, evaluate rules and drive the alert lifecycle. Points are
// sharded onto per-worker queues by key so readings of one metric
// stream are processed in arrival order; bounded queues decouple
// producers from evaluation latency.
type Pipeline struct {
	opts      Options
	queues    []chan telemetry.Point
	store     PointStore
	evaluator Evaluator
	alerts    AlertSink
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(store PointStore, evaluator Evaluator, alerts AlertSink, opts Options, logger *slog.Logger) *Pipeline {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	queues := make([]chan telemetry.Point, opts.Workers)
	for i := range queues {
		queues[i] = make(chan telemetry.Point, opts.QueueSize)
	}
	return &Pipeline{
		opts:      opts,
		queues:    queues,
		store:     store,
		evaluator: evaluator,
		alerts:    alerts,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches one worker per queue shard.
func (p *Pipeline) Start() {
	for _, queue := range p.queues {
		p.wg.Add(1)
		go p.worker(queue)
	}
}

// Stop cancels in-flight work and waits for the workers. Points still
// queued at shutdown are dropped.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Submit validates a point and enqueues it. Validation failures come
// back as *telemetry.ValidationError; a full queue comes back as
// ErrQueueFull.
func (p *Pipeline) Submit(point telemetry.Point) error {
	if err := point.Validate(p.now(), p.opts.ClockSkew); err != nil {
		var verr *telemetry.ValidationError
		if errors.As(err, &verr) {
			metrics.PointsRejected.WithLabelValues(verr.Field).Inc()
		}
		return err
	}
	queue := p.queues[p.shard(point.Key())]
	select {
	case queue <- point:
		metrics.IngestQueueDepth.Set(float64(p.depth()))
		return nil
	default:
		metrics.PointsRejected.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// shard maps a key deterministically onto one worker queue, keeping
// per-key arrival order.
func (p *Pipeline) shard(key telemetry.Key) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) depth() int {
	total := 0
	for _, queue := range p.queues {
		total += len(queue)
	}
	return total
}

// HandleMessage is the NATS intake entry point: one JSON point per
// message. Bad payloads are counted and dropped, never retried.
func (p *Pipeline) HandleMessage(data []byte) {
	var point telemetry.Point
	if err := json.Unmarshal(data, &point); err != nil {
		metrics.PointsRejected.WithLabelValues("malformed").Inc()
		p.logger.Warn("malformed telemetry message", slog.String("error", err.Error()))
		return
	}
	if err := p.Submit(point); err != nil {
		p.logger.Warn("telemetry point rejected",
			slog.String("key", point.Key().String()),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) worker(queue <-chan telemetry.Point) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case point := <-queue:
			metrics.IngestQueueDepth.Set(float64(p.depth()))
			p.process(point)
		}
	}
}

func (p *Pipeline) process(point telemetry.Point) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.PointTimeout)
	defer cancel()

	// A storage hiccup must not silence alerting: evaluation proceeds
	// on the in-memory baseline regardless.
	if err := p.store.InsertPoint(ctx, point); err != nil {
		p.logger.Error("point persistence failed",
			slog.String("key", point.Key().String()),
			slog.String("error", err.Error()))
	}

	events, err := p.evaluator.Evaluate(ctx, point)
	if err != nil {
		p.logger.Error("evaluation failed",
			slog.String("key", point.Key().String()),
			slog.String("error", err.Error()))
		return
	}

	fired := make(map[string]bool, len(events))
	for _, event := range events {
		fired[event.RuleID] = true
		if _, _, err := p.alerts.Handle(ctx, event); err != nil {
			p.logger.Error("alert handling failed",
				slog.String("rule_id", event.RuleID),
				slog.String("error", err.Error()))
		}
	}
	p.alerts.AutoResolve(ctx, point.Key(), fired)
	metrics.PointsIngested.Inc()
}
