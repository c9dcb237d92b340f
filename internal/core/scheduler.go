package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrScheduleNotFound is returned for operations on a task id with no schedule.
var ErrScheduleNotFound = errors.New("schedule not found")

const (
	defaultPollInterval     = time.Second
	defaultSchedulerJoinFor = 5 * time.Second
)

// Schedule is a trigger rule attached to a task id.
type Schedule struct {
	TaskID    string
	Kind      TriggerKind
	Config    TriggerConfig
	Enabled   bool
	NextRun   *time.Time
	CreatedAt time.Time
	LastFired *time.Time
	FireCount int
	LastError string
}

func (s *Schedule) clone() Schedule {
	c := *s
	c.NextRun = copyTime(s.NextRun)
	c.LastFired = copyTime(s.LastFired)
	return c
}

// TriggerFunc is invoked with the task id of a due schedule.
type TriggerFunc func(taskID string)

// NextRunFunc observes every change of a schedule's NextRun. next is nil when
// the schedule is removed or has nothing pending.
type NextRunFunc func(taskID string, next *time.Time)

// Scheduler polls its schedules and fires the due ones through the trigger
// callback. It never touches tasks directly.
type Scheduler struct {
	logger       *slog.Logger
	location     *time.Location
	now          func() time.Time
	pollInterval time.Duration
	joinTimeout  time.Duration

	mu        sync.Mutex
	schedules map[string]*Schedule
	onTrigger TriggerFunc
	onNextRun NextRunFunc

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLocation evaluates daily, weekly and cron triggers in loc.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithPollInterval sets the loop cadence.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSchedulerClock replaces time.Now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJoinTimeout bounds how long Stop waits for the loop to exit.
func WithJoinTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.joinTimeout = d
		}
	}
}

// NewScheduler constructs an idle scheduler. Call Start to begin polling.
func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:       logger,
		location:     time.Local,
		now:          time.Now,
		pollInterval: defaultPollInterval,
		joinTimeout:  defaultSchedulerJoinFor,
		schedules:    make(map[string]*Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTrigger registers the callback for due schedules, replacing any previous one.
func (s *Scheduler) OnTrigger(fn TriggerFunc) {
	s.mu.Lock()
	s.onTrigger = fn
	s.mu.Unlock()
}

// OnNextRun registers an observer for NextRun changes.
func (s *Scheduler) OnNextRun(fn NextRunFunc) {
	s.mu.Lock()
	s.onNextRun = fn
	s.mu.Unlock()
}

func (s *Scheduler) clock() time.Time {
	return s.now().In(s.location)
}

// AddOption adjusts a schedule as AddSchedule creates it.
type AddOption func(*Schedule)

// StartDisabled creates the schedule disabled. NextRun is still computed so a
// later EnableSchedule keeps the original timing.
func StartDisabled() AddOption {
	return func(sc *Schedule) { sc.Enabled = false }
}

// AddSchedule creates or replaces the schedule for taskID. The schedule starts
// enabled with NextRun computed from now.
func (s *Scheduler) AddSchedule(taskID string, kind TriggerKind, cfg TriggerConfig, opts ...AddOption) (Schedule, error) {
	if taskID == "" {
		return Schedule{}, fmt.Errorf("task id is required")
	}
	if err := ValidateTrigger(kind, cfg); err != nil {
		return Schedule{}, err
	}
	now := s.clock()
	next, err := NextRun(kind, cfg, now)
	if err != nil {
		return Schedule{}, err
	}
	sc := &Schedule{
		TaskID:    taskID,
		Kind:      kind,
		Config:    cfg,
		Enabled:   true,
		NextRun:   next,
		CreatedAt: now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	s.mu.Lock()
	s.schedules[taskID] = sc
	out := sc.clone()
	notify := s.onNextRun
	s.mu.Unlock()

	s.logger.Info("schedule added", "task_id", taskID, "kind", kind, "enabled", sc.Enabled, "next_run", formatNext(next))
	if notify != nil {
		notify(taskID, copyTime(next))
	}
	return out, nil
}

// RemoveSchedule drops the schedule for taskID.
func (s *Scheduler) RemoveSchedule(taskID string) bool {
	s.mu.Lock()
	_, ok := s.schedules[taskID]
	delete(s.schedules, taskID)
	notify := s.onNextRun
	s.mu.Unlock()
	if ok && notify != nil {
		notify(taskID, nil)
	}
	return ok
}

// EnableSchedule sets the enabled flag. NextRun is left as is; call Recompute
// for fresh timing.
func (s *Scheduler) EnableSchedule(taskID string) error {
	return s.setEnabled(taskID, true)
}

// DisableSchedule clears the enabled flag without touching NextRun.
func (s *Scheduler) DisableSchedule(taskID string) error {
	return s.setEnabled(taskID, false)
}

func (s *Scheduler) setEnabled(taskID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[taskID]
	if !ok {
		return ErrScheduleNotFound
	}
	sc.Enabled = enabled
	return nil
}

// Recompute rearms the schedule relative to now and clears LastError.
func (s *Scheduler) Recompute(taskID string) (*time.Time, error) {
	s.mu.Lock()
	sc, ok := s.schedules[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrScheduleNotFound
	}
	next, err := NextRun(sc.Kind, sc.Config, s.clock())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sc.NextRun = next
	sc.LastError = ""
	notify := s.onNextRun
	s.mu.Unlock()
	if notify != nil {
		notify(taskID, copyTime(next))
	}
	return copyTime(next), nil
}

// GetNextRun returns the pending fire time, nil when there is none.
func (s *Scheduler) GetNextRun(taskID string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schedules[taskID]; ok {
		return copyTime(sc.NextRun)
	}
	return nil
}

// GetSchedule returns a copy of the schedule for taskID.
func (s *Scheduler) GetSchedule(taskID string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[taskID]
	if !ok {
		return Schedule{}, false
	}
	return sc.clone(), true
}

// GetAllSchedules returns copies of every schedule ordered by task id.
func (s *Scheduler) GetAllSchedules() []Schedule {
	s.mu.Lock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// TriggerEvent arms an event schedule to fire on the next poll. It reports
// false, changing nothing, for unknown ids and other trigger kinds.
func (s *Scheduler) TriggerEvent(taskID string) bool {
	s.mu.Lock()
	sc, ok := s.schedules[taskID]
	if !ok || sc.Kind != TriggerEvent {
		s.mu.Unlock()
		return false
	}
	now := s.clock()
	sc.NextRun = &now
	notify := s.onNextRun
	s.mu.Unlock()
	s.logger.Debug("event triggered", "task_id", taskID)
	if notify != nil {
		notify(taskID, copyTime(&now))
	}
	return true
}

// Start launches the polling loop. Calling it on a running scheduler is a no-op,
// and so is calling it while a loop abandoned by a timed-out Stop is still
// inside a callback.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.logger.Warn("scheduler not started: previous loop still running")
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.loop(ctx, done)
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)
}

// Stop ends the loop and waits for it up to the join timeout. It returns false
// when the loop did not exit in time, typically because a trigger callback
// is blocked.
func (s *Scheduler) Stop() bool {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()
	if done == nil {
		return true
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return true
	case <-time.After(s.joinTimeout):
		s.logger.Warn("scheduler loop did not exit within timeout", "timeout", s.joinTimeout)
		return false
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one poll: every enabled schedule whose NextRun has elapsed fires,
// in task id order, then rearms.
func (s *Scheduler) Tick() {
	now := s.clock()
	for _, sc := range s.due(now) {
		s.fire(sc, now)
	}
}

func (s *Scheduler) due(now time.Time) []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sc := range s.schedules {
		if sc.Enabled && sc.NextRun != nil && !sc.NextRun.After(now) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// fire runs the callback for sc unless an earlier callback of the same tick,
// or a concurrent caller, disabled, disarmed or replaced it since due().
func (s *Scheduler) fire(sc *Schedule, now time.Time) {
	s.mu.Lock()
	if s.schedules[sc.TaskID] != sc || !sc.Enabled || sc.NextRun == nil || sc.NextRun.After(now) {
		s.mu.Unlock()
		return
	}
	fn := s.onTrigger
	s.mu.Unlock()

	s.logger.Info("schedule fired", "task_id", sc.TaskID, "kind", sc.Kind)
	if fn != nil {
		s.invoke(fn, sc.TaskID)
	}

	s.mu.Lock()
	if s.schedules[sc.TaskID] != sc {
		// removed or replaced by the callback
		s.mu.Unlock()
		return
	}
	err := s.advance(sc, s.clock())
	next := copyTime(sc.NextRun)
	notify := s.onNextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("recompute next run", "task_id", sc.TaskID, "kind", sc.Kind, "err", err)
	}
	if notify != nil {
		notify(sc.TaskID, next)
	}
}

func (s *Scheduler) invoke(fn TriggerFunc, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("trigger callback panicked", "task_id", taskID, "panic", r)
		}
	}()
	fn(taskID)
}

// advance records a fire and rearms sc. Callers hold s.mu.
func (s *Scheduler) advance(sc *Schedule, now time.Time) (err error) {
	fired := now
	sc.LastFired = &fired
	sc.FireCount++
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			sc.Enabled = false
			sc.NextRun = nil
			sc.LastError = err.Error()
		}
	}()
	switch sc.Kind {
	case TriggerImmediate:
		sc.Enabled = false
		sc.NextRun = nil
		return nil
	case TriggerEvent:
		sc.NextRun = nil
		return nil
	}
	next, err := NextRun(sc.Kind, sc.Config, now)
	if err != nil {
		return err
	}
	sc.NextRun = next
	sc.LastError = ""
	return nil
}

func formatNext(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
