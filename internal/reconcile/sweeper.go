// Package reconcile finalizes notification records that were left in
// processing by a dispatch that never completed, typically because the
// process died mid fan-out.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fanout/internal/fanout"
	"fanout/internal/notification"
	"fanout/internal/storage"
	logx "fanout/pkg/logx"
)

const (
	DefaultSchedule   = "@every 5m"
	DefaultStaleAfter = 30 * time.Minute
	DefaultPageSize   = 100

	// AbandonedError is appended to the error list of swept records.
	AbandonedError = "abandoned: processing did not complete"
)

// Store is the slice of the record store the sweep needs.
type Store interface {
	ListRecords(ctx context.Context, f storage.RecordFilter) ([]notification.Record, error)
	ListDeliveryOutcomes(ctx context.Context, notificationID string) ([]notification.DeliveryOutcome, error)
	FinalizeNotificationRecord(ctx context.Context, id string, stats notification.DeliveryStats, errs []string) error
}

// Tracker reports dispatches that are still running in this process.
type Tracker interface {
	InFlight(id string) bool
}

type Config struct {
	Enabled bool
	// Schedule is a cron expression, a descriptor ("@hourly", "@every 5m")
	// or a bare Go duration ("5m").
	Schedule   string
	StaleAfter time.Duration
	PageSize   int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	return c
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts anything Config.Schedule does.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("schedule required")
	}
	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("invalid schedule %q: interval must be >= 1s", raw)
		}
		return cron.Every(d), nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, nil
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	store   Store
	tracker Tracker
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	running bool

	// sweepMu keeps scheduled and manual sweeps from overlapping.
	sweepMu sync.Mutex
}

func New(cfg Config, store Store, tracker Tracker, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{
		store:   store,
		tracker: tracker,
		log:     log.With(logx.Component("reconcile")),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
}

// Start schedules the sweep. It is a no-op when disabled. ctx bounds every run.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		return nil
	}
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	s.c = cron.New(cron.WithParser(parser))
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.runScheduled(ctx) }))
	s.c.Start()
	s.running = true
	s.log.Info("reconcile sweep scheduled", logx.String("schedule", s.cfg.Schedule), logx.Duration("stale_after", s.cfg.StaleAfter))
	return nil
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Warn("reconcile sweep failed", logx.Int("finalized", n), logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("reconcile sweep finalized abandoned records", logx.Int("finalized", n))
	}
}

// Stop unschedules the sweep and waits for a running pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Apply swaps config and reschedules when the schedule or enablement changed.
func (s *Sweeper) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning && (prev.Schedule != cfg.Schedule || !cfg.Enabled) {
		s.Stop()
		wasRunning = false
	}
	if !wasRunning && cfg.Enabled {
		return s.Start(ctx)
	}
	return nil
}

func (s *Sweeper) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Sweep finalizes every processing record older than StaleAfter that is not
// in flight here, paging through the whole backlog. Stats are rebuilt from the delivery rows that were
// persisted before the dispatch stopped. It returns how many records it
// finalized.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cfg := s.config()
	cutoff := s.now().Add(-cfg.StaleAfter)

	var (
		n     int
		errs  []error
		after *storage.RecordCursor
	)
	for {
		recs, err := s.store.ListRecords(ctx, storage.RecordFilter{
			Status:        notification.StatusProcessing,
			CreatedBefore: cutoff,
			After:         after,
			Limit:         cfg.PageSize,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list stale records: %w", err))
			break
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return n, errors.Join(append(errs, ctx.Err())...)
			}
			if s.tracker != nil && s.tracker.InFlight(rec.ID) {
				continue
			}
			if err := s.finalize(ctx, rec); err != nil {
				if errors.Is(err, notification.ErrStatusRegression) {
					// completed concurrently
					continue
				}
				errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
				continue
			}
			n++
			s.log.Info("abandoned record finalized", logx.String("id", rec.ID), logx.Time("created_at", rec.CreatedAt))
		}
		if len(recs) < cfg.PageSize {
			break
		}
		after = storage.CursorOf(recs[len(recs)-1])
	}
	return n, errors.Join(errs...)
}

func (s *Sweeper) finalize(ctx context.Context, rec notification.Record) error {
	outcomes, err := s.store.ListDeliveryOutcomes(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("list outcomes: %w", err)
	}
	seen := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		seen[o.RecipientID] = struct{}{}
	}
	stats := fanout.TallyOutcomes(outcomes).Stats(len(seen))

	errs := append(append([]string(nil), rec.Errors...), AbandonedError)
	return s.store.FinalizeNotificationRecord(ctx, rec.ID, stats, errs)
}
