package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fanout/internal/eventbus"
	rtsup "fanout/internal/runtime/supervisor"
	logx "fanout/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	pool     *workerPool
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     atomic.Uint64
	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

// workerPool is one generation of queue and workers. A resize retires the
// current generation and starts a new one.
type workerPool struct {
	gen    uint64
	q      chan queuedTask
	retire chan struct{}
	// senders counts enqueuers and handoffs that may still write to q.
	senders sync.WaitGroup
}

func newWorkerPool(gen uint64, size int) *workerPool {
	return &workerPool{gen: gen, q: make(chan queuedTask, size), retire: make(chan struct{})}
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.Component("taskengine")),
		bus: bus,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the pool's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply updates the config. A change of Workers or QueueSize resizes the
// running pool without cancelling anything: retired workers finish their
// current task and queued tasks move to the new queue.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.resize(cfg)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	var gen uint64
	if s.pool != nil {
		gen = s.pool.gen + 1
	}
	s.pool = newWorkerPool(gen, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	stopCh, pool, sup := s.stopCh, s.pool, s.sup
	s.mu.Unlock()

	s.spawn(sup, stopCh, pool, cfg.Workers)
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (s *Service) spawn(sup *rtsup.Supervisor, stopCh chan struct{}, p *workerPool, workers int) {
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d.%d", p.gen, i), func(c context.Context) error {
			s.worker(c, stopCh, p.retire, p.q)
			select {
			case <-stopCh:
				return context.Canceled
			case <-p.retire:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// resize retires the current pool generation and starts a new one sized by
// cfg. Running tasks keep their context.
func (s *Service) resize(cfg Config) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	old := s.pool
	next := newWorkerPool(old.gen+1, cfg.QueueSize)
	// The handoff writes into next until old has no senders left.
	next.senders.Add(1)
	s.pool = next
	stopCh, sup := s.stopCh, s.sup
	s.mu.Unlock()

	close(old.retire)
	s.spawn(sup, stopCh, next, cfg.Workers)
	sup.Go0(fmt.Sprintf("queue.handoff.%d", next.gen), func(context.Context) {
		s.handoff(stopCh, old, next)
	})
	s.log.Info("task engine resized", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("moved", len(old.q)))
}

// handoff moves tasks from a retired queue into its successor until no
// sender can write to the retired queue anymore. On stop the leftovers are
// dropped.
func (s *Service) handoff(stopCh <-chan struct{}, old, next *workerPool) {
	defer next.senders.Done()
	idle := make(chan struct{})
	go func() {
		old.senders.Wait()
		close(idle)
	}()

	abort := func() {
		<-idle
		s.drain(old.q)
	}
	forward := func(qt queuedTask) bool {
		select {
		case next.q <- qt:
			return true
		case <-stopCh:
			s.drop(qt, ErrStopped)
			return false
		}
	}

	for {
		select {
		case qt := <-old.q:
			if !forward(qt) {
				abort()
				return
			}
		case <-idle:
			for {
				select {
				case qt := <-old.q:
					if !forward(qt) {
						s.drain(old.q)
						return
					}
				default:
					return
				}
			}
		case <-stopCh:
			abort()
			return
		}
	}
}

// Stop cancels the workers and waits for them until ctx expires.
// Running tasks observe cancellation through their context.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, pool := s.sup, s.pool
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		pool.senders.Wait()
		s.drain(pool.q)
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain discards tasks left in a queue after its workers exited.
func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.drop(qt, ErrStopped)
		default:
			return
		}
	}
}

func (s *Service) drop(qt queuedTask, reason error) {
	s.dropped.Add(1)
	s.publish("task.dropped", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now(), Error: "stopped"})
	if qt.task.OnDrop != nil {
		qt.task.OnDrop(reason)
	}
}

// Enqueue adds a task without blocking and returns ErrQueueFull when the queue is at capacity.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	for {
		s.mu.Lock()
		cfg := s.cfg
		pool := s.pool
		stopCh := s.stopCh
		stopping := s.stopDone != nil
		ok := cfg.Enabled && pool != nil && stopCh != nil && !stopping
		if ok {
			pool.senders.Add(1)
		}
		s.mu.Unlock()

		switch {
		case !cfg.Enabled:
			return ErrDisabled
		case pool == nil || stopCh == nil:
			return ErrStopped
		case stopping:
			return ErrStopping
		}

		timeout := t.Timeout
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}
		qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout}

		if !block {
			select {
			case pool.q <- qt:
				pool.senders.Done()
				return nil
			default:
				pool.senders.Done()
				s.onQueueFull(now, t, pool.q)
				return ErrQueueFull
			}
		}

		select {
		case pool.q <- qt:
			pool.senders.Done()
			return nil
		case <-ctx.Done():
			pool.senders.Done()
			return ctx.Err()
		case <-stopCh:
			pool.senders.Done()
			return ErrStopping
		case <-pool.retire:
			// Resized while waiting; retry against the new queue.
			pool.senders.Done()
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	pool := s.pool
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        running,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Dropped:        s.dropped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if running && pool != nil {
		snap.QueueLen = len(pool.q)
		snap.QueueCap = cap(pool.q)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.dropped.Add(1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
