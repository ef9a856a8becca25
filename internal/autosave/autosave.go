// Package autosave periodically snapshots every registered computer.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"consolevm/internal/computer"
	"consolevm/pkg/logger"
)

// DefaultSchedule saves every five minutes.
const DefaultSchedule = "@every 5m"

// saveTimeout bounds one computer's save.
const saveTimeout = 2 * time.Minute

var ErrAlreadyRunning = errors.New("autosave: already running")

// Saver is a computer that can snapshot itself.
type Saver interface {
	Hostname() string
	Save(ctx context.Context, store computer.SnapshotStore) error
}

var _ Saver = (*computer.Computer)(nil)

// Result summarizes one save run.
type Result struct {
	Started  time.Time
	Duration time.Duration
	Saved    int
	Failed   map[string]error
}

// Scheduler runs a save of every registered computer on a cron schedule.
// A run that starts while the previous one is still saving is skipped.
type Scheduler struct {
	cron     *cron.Cron
	schedule string
	store    computer.SnapshotStore
	log      zerolog.Logger

	mu      sync.Mutex
	savers  []Saver
	running bool
	entry   cron.EntryID
	last    *Result

	wg        sync.WaitGroup
	executing atomic.Bool
	skipped   atomic.Int64
}

// NewScheduler validates schedule and returns a stopped scheduler. Both
// descriptors ("@every 5m", "@hourly") and standard five-field expressions
// are accepted; six-field expressions carry seconds.
func NewScheduler(store computer.SnapshotStore, schedule string) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	schedule = withSeconds(schedule)
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("autosave: invalid schedule %q: %w", schedule, err)
	}

	log := logger.Component("autosave")
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger{log}),
		),
		schedule: schedule,
		store:    store,
		log:      log,
	}, nil
}

// withSeconds prefixes a five-field expression with a zero seconds field.
func withSeconds(schedule string) string {
	if strings.HasPrefix(schedule, "@") {
		return schedule
	}
	if len(strings.Fields(schedule)) == 5 {
		return "0 " + schedule
	}
	return schedule
}

// Register adds s to every future run.
func (s *Scheduler) Register(sv Saver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savers = append(s.savers, sv)
}

// Unregister removes s.
func (s *Scheduler) Unregister(sv Saver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savers = slices.DeleteFunc(s.savers, func(x Saver) bool { return x == sv })
}

// Start begins running on the schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	id, err := s.cron.AddFunc(s.schedule, s.scheduled)
	if err != nil {
		return fmt.Errorf("autosave: add cron entry: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true
	s.log.Info().Str("schedule", s.schedule).Int("computers", len(s.savers)).Msg("autosave started")
	return nil
}

// Stop ends the schedule and waits for a save in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.cron.Remove(s.entry)
	s.running = false
	s.mu.Unlock()

	<-ctx.Done()
	s.wg.Wait()
	s.log.Info().Int64("skipped", s.skipped.Load()).Msg("autosave stopped")
}

// Next returns the time of the next scheduled run.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}, false
	}
	e := s.cron.Entry(s.entry)
	return e.Next, e.ID != 0
}

// Last returns the result of the most recent completed run.
func (s *Scheduler) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Skipped counts runs dropped because the previous one was still saving.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) scheduled() {
	if _, err := s.RunNow(context.Background()); errors.Is(err, ErrAlreadyRunning) {
		s.skipped.Add(1)
		s.log.Warn().Msg("skipping overlapping autosave, previous run still active")
	}
}

// RunNow saves every registered computer immediately. It fails with
// ErrAlreadyRunning when a save is in progress.
func (s *Scheduler) RunNow(ctx context.Context) (*Result, error) {
	if !s.executing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.executing.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	savers := slices.Clone(s.savers)
	s.mu.Unlock()

	res := &Result{Started: time.Now(), Failed: make(map[string]error)}
	for _, sv := range savers {
		sctx, cancel := context.WithTimeout(ctx, saveTimeout)
		err := sv.Save(sctx, s.store)
		cancel()
		if err != nil {
			res.Failed[sv.Hostname()] = err
			s.log.Error().Err(err).Str("host", sv.Hostname()).Msg("autosave failed")
			continue
		}
		res.Saved++
	}
	res.Duration = time.Since(res.Started)

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	s.log.Debug().Int("saved", res.Saved).Int("failed", len(res.Failed)).Dur("elapsed", res.Duration).Msg("autosave run")
	return res, nil
}

// cronLogger routes robfig/cron's own messages to zerolog.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
