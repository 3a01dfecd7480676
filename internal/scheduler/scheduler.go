// Package scheduler runs named periodic tasks. Each task has its own loop,
// so a slow or failing task never delays or stops the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownTask    = errors.New("scheduler: unknown task")
	ErrDuplicateTask  = errors.New("scheduler: duplicate task")
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Task is one periodic job. Interval is consulted before every wait, so it
// may return a different delay each time.
type Task struct {
	Name     string
	Interval func() time.Duration
	Run      func(ctx context.Context) error
}

// Every returns a fixed interval.
func Every(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// Observer is told the outcome of every tick.
type Observer func(task string, err error)

type Scheduler struct {
	clock    Clock
	log      zerolog.Logger
	observer Observer

	mu      sync.Mutex
	tasks   []Task
	states  map[string]State
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

func New(log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  RealClock{},
		log:    log,
		states: make(map[string]State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers t. Tasks added while the scheduler runs start immediately.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil || t.Interval == nil {
		return fmt.Errorf("scheduler: task %q is incomplete", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	s.tasks = append(s.tasks, t)
	s.states[t.Name] = Stopped
	if s.running {
		s.launch(t)
	}
	return nil
}

// Start moves every task to Running. The tasks stop when ctx is cancelled
// or Stop is called; either way the scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		if s.ctx.Err() == nil {
			return ErrAlreadyRunning
		}
		// The previous parent context was cancelled. Let its loops finish
		// before relaunching so they cannot overwrite the new states.
		s.running = false
		s.cancel()
		s.mu.Unlock()
		s.wg.Wait()
		s.mu.Lock()
		if s.running {
			return ErrAlreadyRunning
		}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, t := range s.tasks {
		s.launch(t)
	}
	s.log.Debug().Int("tasks", len(s.tasks)).Msg("scheduler started")
	return nil
}

// Stop cancels every task and waits for in-flight ticks to return. It is
// safe to call on a stopped scheduler. It must not be called from a task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for name := range s.states {
		s.states[name] = Stopped
	}
	s.mu.Unlock()
	s.log.Debug().Msg("scheduler stopped")
}

func (s *Scheduler) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// RunNow runs one tick of the named task on the calling goroutine, with the
// same failure isolation as a timed tick.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var task *Task
	for i := range s.tasks {
		if s.tasks[i].Name == name {
			task = &s.tasks[i]
			break
		}
	}
	s.mu.Unlock()
	if task == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.invoke(ctx, *task)
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(t Task) {
	s.states[t.Name] = Running
	s.wg.Add(1)
	go s.loop(s.ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer func() {
		s.mu.Lock()
		s.states[t.Name] = Stopped
		s.mu.Unlock()
		s.wg.Done()
	}()
	for {
		timer := s.clock.NewTimer(t.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		s.invoke(ctx, t)
	}
}

func (s *Scheduler) invoke(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("task", t.Name).Msg("task tick failed")
		}
		if s.observer != nil {
			s.observer(t.Name, err)
		}
	}()
	return t.Run(ctx)
}
