package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fanout/internal/eventbus"
	"fanout/internal/notification"
	"fanout/internal/task/engine"
	logx "fanout/pkg/logx"
)

// ErrNotScheduled is returned by Dispatch when the record was persisted but
// the background pool refused the work. The record is finalized with the
// reason before Dispatch returns.
var ErrNotScheduled = errors.New("dispatch not scheduled")

const (
	EventAccepted  = "notification.accepted"
	EventCompleted = "notification.completed"

	// NoteNoRecipients is written to the error list when selectors resolve to nobody.
	NoteNoRecipients = "no recipients resolved"
)

type Config struct {
	BatchSize     int
	MaxConcurrent int
	// FinalizeTimeout bounds the final record write. It runs detached from
	// shutdown cancellation so an interrupted dispatch still completes.
	FinalizeTimeout time.Duration
	// DispatchTimeout bounds the whole background run. 0 means no limit.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	return c
}

// CompletedEvent is published once per dispatch after the final write.
type CompletedEvent struct {
	ID       string                     `json:"id"`
	Stats    notification.DeliveryStats `json:"stats"`
	Errors   []string                   `json:"errors,omitempty"`
	Duration time.Duration              `json:"duration"`
	Stored   bool                       `json:"stored"`
}

type Deps struct {
	Resolver    Resolver
	Sink        RecordSink
	Runner      Runner
	Dispatchers []ChannelDispatcher
	Bus         eventbus.Bus
	Log         logx.Logger
}

type Coordinator struct {
	resolver    Resolver
	sink        RecordSink
	runner      Runner
	dispatchers []ChannelDispatcher
	bus         eventbus.Bus
	log         logx.Logger

	mu  sync.RWMutex
	cfg Config

	fmu      sync.Mutex
	inflight map[string]time.Time
}

func New(cfg Config, deps Deps) *Coordinator {
	return &Coordinator{
		resolver:    deps.Resolver,
		sink:        deps.Sink,
		runner:      deps.Runner,
		dispatchers: deps.Dispatchers,
		bus:         deps.Bus,
		log:         deps.Log.With(logx.Component("fanout")),
		cfg:         cfg.withDefaults(),
		inflight:    map[string]time.Time{},
	}
}

// Apply swaps tuning for dispatches that start after the call.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Coordinator) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Dispatch validates req, persists a processing record and schedules the
// fan-out. It returns as soon as the work is queued; the returned record's
// stats are not final. Submit blocks while the pool's queue is full, bounded
// by ctx.
func (c *Coordinator) Dispatch(ctx context.Context, req notification.Request) (notification.Record, error) {
	if err := req.Validate(); err != nil {
		return notification.Record{}, err
	}
	if req.Priority == "" {
		req.Priority = notification.PriorityMedium
	}
	req.Selectors = append([]notification.RecipientSelector(nil), req.Selectors...)

	rec, err := c.sink.CreateNotificationRecord(ctx, req)
	if err != nil {
		return notification.Record{}, &notification.PersistenceError{Err: err}
	}
	c.track(rec.ID)
	c.publish(EventAccepted, rec)

	log := c.log.With(logx.String("notification", rec.ID))
	task := engine.Task{
		ID:      "dispatch-" + rec.ID,
		Name:    "notification.dispatch",
		Timeout: c.config().DispatchTimeout,
		Run: func(ctx context.Context) error {
			return c.process(ctx, rec, log)
		},
		OnDrop: func(err error) {
			c.finalize(context.Background(), rec.ID, time.Now(), notification.DeliveryStats{}, []string{"dispatch dropped: " + err.Error()}, log)
		},
	}
	if err := c.runner.Submit(ctx, task); err != nil {
		log.Warn("dispatch not scheduled", logx.Err(err))
		c.finalize(ctx, rec.ID, time.Now(), notification.DeliveryStats{}, []string{fmt.Sprintf("%s: %v", ErrNotScheduled, err)}, log)
		return rec, fmt.Errorf("%w: %w", ErrNotScheduled, err)
	}

	log.Info("notification accepted", logx.Int("selectors", len(req.Selectors)), logx.Bool("push", req.PushEnabled), logx.String("priority", string(req.Priority)))
	return rec, nil
}

// process is the background half of a dispatch. Every path ends in exactly one finalization.
func (c *Coordinator) process(ctx context.Context, rec notification.Record, log logx.Logger) error {
	start := time.Now()
	var (
		total int
		tally Tally
		errs  []string
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("dispatch panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
				errs = append(errs, fmt.Sprintf("panic: %v", r))
			}
		}()

		recipients, err := c.resolver.ResolveRecipients(ctx, rec.Request.Selectors)
		if err != nil {
			rerr := &notification.ResolutionError{Err: err}
			log.Warn("recipient resolution failed", logx.Err(rerr))
			errs = append(errs, rerr.Error())
			return
		}
		recipients = notification.UniqueRecipients(recipients)
		total = len(recipients)
		if total == 0 {
			log.Info(NoteNoRecipients)
			errs = append(errs, NoteNoRecipients)
			return
		}

		cfg := c.config()
		agg := RunBatches(ctx, recipients, cfg.BatchSize, cfg.MaxConcurrent, c.batchWork(rec, log))
		tally = agg.Tally
		errs = append(errs, errorStrings(agg.Errors)...)
		log.Debug("batches joined", logx.Int("batches", agg.Batches), logx.Int("recipients", total), logx.Int("errors", len(agg.Errors)))
	}()

	return c.finalize(ctx, rec.ID, start, tally.Stats(total), errs, log)
}

// batchWork runs every channel dispatcher over the batch in parallel.
func (c *Coordinator) batchWork(rec notification.Record, log logx.Logger) WorkFunc {
	return func(ctx context.Context, b Batch) BatchResult {
		type channelResult struct {
			outcomes []notification.DeliveryOutcome
			errs     []error
		}
		results := make([]channelResult, len(c.dispatchers))
		var wg sync.WaitGroup
		for i, d := range c.dispatchers {
			wg.Add(1)
			go func(i int, d ChannelDispatcher) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = channelResult{errs: []error{fmt.Errorf("%s dispatcher panicked: %v", d.Channel(), r)}}
					}
				}()
				outs, errs := d.DispatchBatch(ctx, rec, b.Recipients)
				results[i] = channelResult{outcomes: outs, errs: errs}
			}(i, d)
		}
		wg.Wait()

		res := BatchResult{Index: b.Index}
		for _, r := range results {
			res.Tally = res.Tally.Merge(TallyOutcomes(r.outcomes))
			for _, err := range r.errs {
				res.Errors = append(res.Errors, fmt.Errorf("batch %d: %w", b.Index, err))
			}
		}
		if len(res.Errors) > 0 {
			log.Warn("batch finished with errors", logx.Int("batch", b.Index), logx.Int("errors", len(res.Errors)))
		}
		return res
	}
}

// finalize writes the completed status once per record id. Later calls for
// the same id are ignored.
func (c *Coordinator) finalize(ctx context.Context, id string, start time.Time, stats notification.DeliveryStats, errs []string, log logx.Logger) error {
	if !c.claim(id) {
		return nil
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config().FinalizeTimeout)
	defer cancel()

	err := c.sink.FinalizeNotificationRecord(fctx, id, stats, errs)
	ev := CompletedEvent{ID: id, Stats: stats, Errors: errs, Duration: time.Since(start), Stored: err == nil}
	c.publish(EventCompleted, ev)
	if err != nil {
		werr := &notification.SinkWriteError{Op: "finalize notification", Err: err}
		log.Error("finalize failed", logx.Err(werr), logx.Any("stats", stats))
		return werr
	}
	log.Info("notification completed",
		logx.Int("total", stats.Total),
		logx.Int("sent", stats.Sent),
		logx.Int("failed", stats.Failed),
		logx.Int("errors", len(errs)),
		logx.Duration("dur", ev.Duration),
	)
	return nil
}

func (c *Coordinator) track(id string) {
	c.fmu.Lock()
	c.inflight[id] = time.Now()
	c.fmu.Unlock()
}

func (c *Coordinator) claim(id string) bool {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	if _, ok := c.inflight[id]; !ok {
		return false
	}
	delete(c.inflight, id)
	return true
}

// InFlight reports whether id is being processed by this coordinator.
func (c *Coordinator) InFlight(id string) bool {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// Pending returns the number of dispatches accepted but not yet finalized.
func (c *Coordinator) Pending() int {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
