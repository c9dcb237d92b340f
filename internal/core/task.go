package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"taskhub/internal/eventbus"
)

// Behavior is the kind-specific work plugged into a Task.
type Behavior interface {
	// Validate checks the configuration before any execution starts.
	Validate() error
	// Execute performs one run. A nil error means success. Long-running
	// implementations must poll ctrl to honour pause and stop requests.
	Execute(ctrl Control) error
}

// Control is the view of a running Task handed to its Behavior.
type Control interface {
	// Context is cancelled when the task is stopped.
	Context() context.Context
	IsStopped() bool
	IsPaused() bool
	// WaitIfPaused blocks while the task is paused. It returns false when the
	// task was stopped, in which case the behavior should return promptly.
	WaitIfPaused() bool
	UpdateProgress(value float64)
	Log(message string, level LogLevel)
}

const (
	defaultStopTimeout = 5 * time.Second
	defaultPausePoll   = 100 * time.Millisecond
)

// ErrTaskRunning is returned for operations that need an idle execution slot.
var ErrTaskRunning = errors.New("task is running")

// Task owns one unit of work: its lifecycle, control signals and observable
// state. All exported methods are safe for concurrent use.
type Task struct {
	id        string
	kind      string
	createdAt time.Time

	bus         eventbus.Bus
	logger      *slog.Logger
	now         func() time.Time
	stopTimeout time.Duration
	pausePoll   time.Duration

	mu           sync.RWMutex
	name         string
	config       map[string]any
	behavior     Behavior
	priority     Priority
	status       Status
	progress     float64
	errMsg       string
	startedAt    *time.Time
	completedAt  *time.Time
	lastRun      *time.Time
	nextRun      *time.Time
	runCount     int
	successCount int
	failCount    int

	// execution slot; done is closed when the goroutine exits.
	executing bool
	done      chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc

	stopped atomic.Bool
	paused  atomic.Bool
	live    atomic.Int32
}

// Option customizes a Task at construction.
type Option func(*Task)

// WithBus publishes the task's events on a shared bus.
func WithBus(b eventbus.Bus) Option {
	return func(t *Task) {
		if b != nil {
			t.bus = b
		}
	}
}

// WithLogger sets the logger used for lifecycle diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Task) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the execution goroutine.
func WithStopTimeout(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.stopTimeout = d
		}
	}
}

// WithPriority sets the advisory priority.
func WithPriority(p Priority) Option {
	return func(t *Task) {
		if p.Valid() {
			t.priority = p
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Task) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTask creates an idle task bound to behavior b.
func NewTask(name, kind string, config map[string]any, b Behavior, opts ...Option) *Task {
	t := &Task{
		id:          NewID(),
		kind:        kind,
		name:        name,
		config:      cloneConfig(config),
		behavior:    b,
		priority:    PriorityNormal,
		status:      StatusIdle,
		now:         time.Now,
		stopTimeout: defaultStopTimeout,
		pausePoll:   defaultPausePoll,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.bus == nil {
		t.bus = eventbus.New()
	}
	t.createdAt = t.now()
	return t
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Kind() string { return t.kind }

func (t *Task) CreatedAt() time.Time { return t.createdAt }

func (t *Task) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) ErrorMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errMsg
}

func (t *Task) Priority() Priority {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

// Config returns a copy of the configuration payload.
func (t *Task) Config() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneConfig(t.config)
}

// Counts returns run, success and failure counters.
func (t *Task) Counts() (runs, successes, failures int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runCount, t.successCount, t.failCount
}

func (t *Task) NextRun() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTime(t.nextRun)
}

func (t *Task) LastRun() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTime(t.lastRun)
}

// Executing reports whether an execution goroutine is alive. It can stay true
// after Stop when the behavior ignored the stop request.
func (t *Task) Executing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.executing
}

// Subscribe observes this task's bus. With a shared bus the channel also
// carries other tasks' events; filter on the payload TaskID.
func (t *Task) Subscribe(buffer int, types ...string) (<-chan eventbus.Event, func()) {
	return t.bus.Subscribe(buffer, types...)
}

func (t *Task) SetName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

func (t *Task) SetPriority(p Priority) {
	if !p.Valid() {
		return
	}
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
}

// SetNextRun records the next fire time computed by a scheduler.
func (t *Task) SetNextRun(next *time.Time) {
	t.mu.Lock()
	t.nextRun = copyTime(next)
	t.mu.Unlock()
}

// Reconfigure swaps configuration and behavior. It is refused while an
// execution goroutine is alive.
func (t *Task) Reconfigure(config map[string]any, b Behavior) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.executing {
		return ErrTaskRunning
	}
	t.config = cloneConfig(config)
	t.behavior = b
	return nil
}

// Start launches one execution. It is a no-op while running, resumes a paused
// task, and fails the task without spawning anything when validation fails.
func (t *Task) Start() {
	t.mu.Lock()
	switch {
	case t.status == StatusPaused:
		t.mu.Unlock()
		t.Resume()
		return
	case t.status == StatusRunning || t.executing:
		t.mu.Unlock()
		t.Log("Task already running", LevelWarning)
		return
	}
	b := t.behavior
	t.mu.Unlock()

	if b == nil {
		t.fail(errors.New("task has no behavior"))
		return
	}
	if err := b.Validate(); err != nil {
		t.Log(fmt.Sprintf("Validation failed: %v", err), LevelError)
		t.fail(err)
		return
	}

	t.mu.Lock()
	if t.status == StatusRunning || t.executing {
		// lost a race with a concurrent Start
		t.mu.Unlock()
		t.Log("Task already running", LevelWarning)
		return
	}
	t.stopped.Store(false)
	t.paused.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.executing = true
	t.done = done
	t.runCtx = ctx
	t.cancelRun = cancel
	t.live.Add(1)
	t.mu.Unlock()

	go t.run(b, done)
}

func (t *Task) run(b Behavior, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.executing = false
		if t.cancelRun != nil {
			t.cancelRun()
		}
		t.mu.Unlock()
		t.live.Add(-1)
		close(done)
	}()

	started := t.now()
	t.transition(StatusRunning, func() {
		t.startedAt = &started
		t.lastRun = copyTime(&started)
		t.completedAt = nil
		t.runCount++
		t.errMsg = ""
		t.progress = 0
	})
	t.Log(fmt.Sprintf("Task started: %s", t.Name()), LevelInfo)

	err := t.execute(b)

	switch {
	case t.stopped.Load():
		t.transition(StatusStopped, nil)
		t.Log("Task stopped by user", LevelWarning)
	case err == nil:
		finished := t.now()
		t.transition(StatusCompleted, func() {
			t.completedAt = &finished
			t.successCount++
			t.progress = 100
		})
		t.publish(EventProgress, ProgressUpdate{TaskID: t.id, Progress: 100})
		t.Log("Task completed successfully", LevelSuccess)
	default:
		t.transition(StatusFailed, func() {
			t.failCount++
			t.errMsg = err.Error()
		})
		t.Log(fmt.Sprintf("Task failed: %v", err), LevelError)
	}
}

// execute runs the behavior and converts a panic into an error.
func (t *Task) execute(b Behavior) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			t.logger.Error("task behavior panicked", "task_id", t.id, "panic", r)
		}
	}()
	return b.Execute(t)
}

// Pause signals a running task to block at its next checkpoint.
func (t *Task) Pause() {
	if t.transitionIf(StatusRunning, StatusPaused, func() { t.paused.Store(true) }) {
		t.Log("Task paused", LevelInfo)
	}
}

// Resume releases a paused task.
func (t *Task) Resume() {
	if t.transitionIf(StatusPaused, StatusRunning, func() { t.paused.Store(false) }) {
		t.Log("Task resumed", LevelInfo)
	}
}

// Stop requests cancellation, waits up to the stop timeout for the execution
// goroutine to exit, then reports Stopped whether or not it did.
func (t *Task) Stop() {
	t.stopped.Store(true)
	t.paused.Store(false)

	t.mu.RLock()
	done := t.done
	cancel := t.cancelRun
	executing := t.executing
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if executing && done != nil {
		select {
		case <-done:
		case <-time.After(t.stopTimeout):
			t.logger.Warn("task did not exit within stop timeout", "task_id", t.id, "timeout", t.stopTimeout)
		}
	}
	t.transition(StatusStopped, nil)
	t.Log("Task stopped", LevelWarning)
}

// Reset returns an idle or finished task to Idle and clears per-run state.
// It is refused while an execution goroutine is alive, paused ones included.
func (t *Task) Reset() {
	t.mu.Lock()
	if t.status == StatusRunning || t.status == StatusPaused || t.executing {
		t.mu.Unlock()
		t.Log("Cannot reset running task", LevelWarning)
		return
	}
	from := t.status
	t.status = StatusIdle
	t.progress = 0
	t.errMsg = ""
	t.startedAt = nil
	t.completedAt = nil
	change := StatusChange{TaskID: t.id, TaskName: t.name, From: from, To: StatusIdle}
	t.mu.Unlock()
	if from != StatusIdle {
		t.publish(EventStatus, change)
	}
	t.Log("Task reset", LevelInfo)
}

// Wait blocks until the current execution goroutine exits or timeout passes.
// It returns true when nothing is executing anymore.
func (t *Task) Wait(timeout time.Duration) bool {
	t.mu.RLock()
	done := t.done
	t.mu.RUnlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Context implements Control.
func (t *Task) Context() context.Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.runCtx == nil {
		return context.Background()
	}
	return t.runCtx
}

// IsStopped implements Control.
func (t *Task) IsStopped() bool { return t.stopped.Load() }

// IsPaused implements Control.
func (t *Task) IsPaused() bool { return t.paused.Load() }

// WaitIfPaused implements Control.
func (t *Task) WaitIfPaused() bool {
	ctx := t.Context()
	for t.IsPaused() && !t.IsStopped() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(t.pausePoll):
		}
	}
	return !t.IsStopped()
}

// UpdateProgress clamps value to [0,100] and notifies observers.
func (t *Task) UpdateProgress(value float64) {
	value = clampProgress(value)
	t.mu.Lock()
	t.progress = value
	t.mu.Unlock()
	t.publish(EventProgress, ProgressUpdate{TaskID: t.id, Progress: value})
}

// Log forwards a message to observers. The task does not keep it.
func (t *Task) Log(message string, level LogLevel) {
	if level == "" {
		level = LevelInfo
	}
	t.publish(EventLog, LogEntry{
		Time:     t.now(),
		TaskID:   t.id,
		TaskName: t.Name(),
		Level:    level,
		Message:  message,
	})
}

func (t *Task) fail(err error) {
	t.transition(StatusFailed, func() {
		t.errMsg = err.Error()
	})
}

// transition moves to status `to`, applying mutate under the lock first, and
// publishes a StatusChange when the status actually changed.
func (t *Task) transition(to Status, mutate func()) {
	t.mu.Lock()
	from := t.status
	if mutate != nil {
		mutate()
	}
	t.status = to
	change := StatusChange{TaskID: t.id, TaskName: t.name, From: from, To: to, Error: t.errMsg, Progress: t.progress}
	t.mu.Unlock()
	if from != to {
		t.publish(EventStatus, change)
	}
}

func (t *Task) transitionIf(from, to Status, mutate func()) bool {
	t.mu.Lock()
	if t.status != from {
		t.mu.Unlock()
		return false
	}
	if mutate != nil {
		mutate()
	}
	t.status = to
	change := StatusChange{TaskID: t.id, TaskName: t.name, From: from, To: to, Error: t.errMsg, Progress: t.progress}
	t.mu.Unlock()
	t.publish(EventStatus, change)
	return true
}

func (t *Task) publish(eventType string, data any) {
	t.bus.Publish(eventbus.Event{Type: eventType, Time: t.now(), Data: data})
}

func clampProgress(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return maps.Clone(cfg)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
