// Package maintenance runs the periodic background jobs a long-lived
// Database needs: chiefly, emitting a compacted snapshot on a schedule.
// Grounded on the teacher's internal/storage Scheduler, trimmed to the one
// job kind this domain needs and with the catalog-backed job table dropped
// in favor of a single configured target.
package maintenance

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Snapshotter is the subset of Database's surface the scheduler depends on,
// kept as an interface so this package never imports the root package.
type Snapshotter interface {
	Snapshot(targetPath string) error
}

// Scheduler periodically emits a snapshot of a Database to a target path on
// a CRON schedule, refusing to start a new run while the previous one is
// still in flight (no_overlap, per the teacher's job semantics).
type Scheduler struct {
	db         Snapshotter
	cronExpr   string
	targetPath func() string
	cron       *cron.Cron
	logger     *log.Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default logger used for run diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a Scheduler that snapshots db to the path returned by
// targetPath (called fresh on every run, so callers can timestamp the
// destination) on the given standard five-field CRON expression or a
// descriptor such as "@every 1h".
func New(db Snapshotter, cronExpr string, targetPath func() string, opts ...Option) (*Scheduler, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("maintenance: invalid cron expression %q: %w", cronExpr, err)
	}
	s := &Scheduler{
		db:         db,
		cronExpr:   cronExpr,
		targetPath: targetPath,
		cron:       cron.New(),
		logger:     log.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start registers the snapshot job and begins the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cronExpr, s.runOnce); err != nil {
		return fmt.Errorf("maintenance: schedule snapshot job: %w", err)
	}
	s.cron.Start()
	s.logger.Printf("maintenance: snapshot scheduler started (%s)", s.cronExpr)
	return nil
}

// Stop waits for any in-flight run to finish and halts the cron loop.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Printf("maintenance: snapshot scheduler stopped")
}

// RunNow triggers an immediate snapshot, independent of the cron schedule,
// respecting the same no-overlap guard as a scheduled run.
func (s *Scheduler) RunNow() error {
	s.runOnce()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastRun reports when the most recent snapshot run started and whether it
// succeeded.
func (s *Scheduler) LastRun() (at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Printf("maintenance: snapshot already running, skipping this tick")
		return
	}
	s.running = true
	s.lastRun = time.Now()
	s.mu.Unlock()

	target := s.targetPath()
	err := s.db.Snapshot(target)

	s.mu.Lock()
	s.running = false
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("maintenance: snapshot to %s failed: %v", target, err)
		return
	}
	s.logger.Printf("maintenance: snapshot written to %s", target)
}
