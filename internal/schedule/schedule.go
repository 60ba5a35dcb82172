// Package schedule runs named periodic jobs on a shared clock.
//
// A Scheduler is shared by every component of a relay. Production code
// uses clock.New(); tests drive time with clock.NewMock().
package schedule

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Job is a handle to a scheduled periodic task
type Job interface {
	// Stop cancels the job. No new run starts after Stop returns, but a run
	// already in progress is not waited for.
	Stop()
}

// Scheduler owns the goroutines behind every periodic job
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[*job]struct{}
	wg     sync.WaitGroup
	closed bool
}

type job struct {
	name   string
	s      *Scheduler
	stop   chan struct{}
	once   sync.Once
	ticker *clock.Ticker
}

// New creates a scheduler on top of clk
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("schedule"),
		jobs:   make(map[*job]struct{}),
	}
}

// Every calls fn every interval until the returned job is stopped.
// Runs never overlap: a tick that arrives while fn is running is dropped.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) Job {
	j := &job{
		name: name,
		s:    s,
		stop: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		j.once.Do(func() { close(j.stop) })
		return j
	}
	j.ticker = s.clock.Ticker(interval)
	s.jobs[j] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("job scheduled", zap.String("job", name), zap.Duration("interval", interval))

	go j.run(fn)
	return j
}

func (j *job) run(fn func()) {
	defer j.s.wg.Done()
	defer j.ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-j.ticker.C:
		}

		// Stop may have raced the tick
		select {
		case <-j.stop:
			return
		default:
		}
		fn()
	}
}

func (j *job) Stop() {
	j.once.Do(func() {
		close(j.stop)
		j.s.mu.Lock()
		delete(j.s.jobs, j)
		j.s.mu.Unlock()
		j.s.logger.Debug("job stopped", zap.String("job", j.name))
	})
}

// Len returns the number of jobs that have not been stopped
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops every job and waits for their goroutines to exit.
// Jobs scheduled after Close never run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	jobs := make([]*job, 0, len(s.jobs))
	for j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		j.Stop()
	}
	s.wg.Wait()
}
