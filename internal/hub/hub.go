// Package hub is the host around the task core. It owns the registry, the
// scheduler and persistence, and is the single entry point used by the HTTP
// API and the MCP server.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskhub/internal/behavior"
	"taskhub/internal/core"
	"taskhub/internal/eventbus"
	"taskhub/internal/logging"
	"taskhub/internal/notify"
	"taskhub/internal/store"
)

// Options wires a Host. Store is required; nil collaborators otherwise get
// defaults.
type Options struct {
	Logger    *slog.Logger
	Store     *store.Store
	Bus       eventbus.Bus
	Registry  *core.Registry
	Scheduler *core.Scheduler
	Journal   *logging.Journal
	Notifier  notify.Notifier
	Behaviors behavior.Deps

	// NotifySuccess also reports Completed runs, not only failures.
	NotifySuccess bool
	StopTimeout   time.Duration
	Location      *time.Location
}

// Host runs tasks on behalf of the outer surfaces.
type Host struct {
	logger        *slog.Logger
	store         *store.Store
	bus           eventbus.Bus
	registry      *core.Registry
	scheduler     *core.Scheduler
	journal       *logging.Journal
	notifier      notify.Notifier
	deps          behavior.Deps
	notifySuccess bool
	stopTimeout   time.Duration
	location      *time.Location
	now           func() time.Time

	// runs maps task id to the id of its open run row.
	runsMu sync.Mutex
	runs   map[string]string

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds a host and registers its scheduler callbacks.
func New(opts Options) (*Host, error) {
	if opts.Store == nil {
		return nil, errors.New("hub: store is required")
	}
	h := &Host{
		logger:        opts.Logger,
		store:         opts.Store,
		bus:           opts.Bus,
		registry:      opts.Registry,
		scheduler:     opts.Scheduler,
		journal:       opts.Journal,
		notifier:      opts.Notifier,
		deps:          opts.Behaviors,
		notifySuccess: opts.NotifySuccess,
		stopTimeout:   opts.StopTimeout,
		location:      opts.Location,
		now:           time.Now,
		runs:          make(map[string]string),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.bus == nil {
		h.bus = eventbus.New()
	}
	if h.registry == nil {
		h.registry = core.NewRegistry()
	}
	if h.location == nil {
		h.location = time.Local
	}
	if h.scheduler == nil {
		h.scheduler = core.NewScheduler(h.logger, core.WithLocation(h.location))
	}
	if h.journal == nil {
		h.journal = logging.NewJournal(logging.DefaultJournalSize, h.logger)
	}
	if h.notifier == nil {
		h.notifier = &notify.NoOpNotifier{}
	}
	h.scheduler.OnTrigger(h.trigger)
	h.scheduler.OnNextRun(h.nextRunChanged)
	return h, nil
}

// Bus exposes the event bus for streaming subscribers.
func (h *Host) Bus() eventbus.Bus { return h.bus }

// DroppedEvents counts bus deliveries skipped because a subscriber lagged.
func (h *Host) DroppedEvents() uint64 { return eventbus.Dropped(h.bus) }

// Journal exposes the in-memory task log.
func (h *Host) Journal() *logging.Journal { return h.journal }

// Location is the zone triggers are evaluated in.
func (h *Host) Location() *time.Location { return h.location }

// Load restores tasks and schedule definitions from the store. Runs left open
// by a previous process are closed as stopped.
func (h *Host) Load(ctx context.Context) error {
	if n, err := h.store.MarkInterruptedRuns(ctx, h.now()); err != nil {
		return err
	} else if n > 0 {
		h.logger.Warn("closed interrupted runs", "count", n)
	}

	snaps, err := h.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, snap := range snaps {
		if _, ok := h.registry.Get(snap.ID); ok {
			continue
		}
		task, err := core.RestoreTask(snap, h.buildBehavior(snap.Type, snap.Config), h.taskOptions(core.Priority(snap.Priority))...)
		if err != nil {
			h.logger.Error("restore task", "task_id", snap.ID, "err", err)
			continue
		}
		if err := h.registry.Add(task); err != nil {
			return err
		}
	}

	recs, err := h.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, rec := range recs {
		if _, ok := h.registry.Get(rec.TaskID); !ok {
			continue
		}
		var opts []core.AddOption
		if !rec.Enabled {
			opts = append(opts, core.StartDisabled())
		}
		if _, err := h.scheduler.AddSchedule(rec.TaskID, rec.Kind, rec.Config, opts...); err != nil {
			h.logger.Error("restore schedule", "task_id", rec.TaskID, "err", err)
		}
	}
	h.logger.Info("state loaded", "tasks", h.registry.Len(), "schedules", len(recs))
	return nil
}

// Start subscribes the journal and run recorder to the bus and starts the
// scheduler loop. Shutdown undoes it.
func (h *Host) Start(ctx context.Context) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	// subscribe before returning so no event is missed
	logs, unsubscribeLogs := h.bus.Subscribe(1024, core.EventLog)
	statuses, unsubscribe := h.bus.Subscribe(1024, core.EventStatus)
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		defer unsubscribeLogs()
		h.journal.Consume(ctx, logs)
	}()
	go func() {
		defer h.wg.Done()
		defer unsubscribe()
		h.record(ctx, statuses)
	}()
	h.scheduler.Start(ctx)
}

// Shutdown stops the scheduler, then every running task, then the
// background consumers.
func (h *Host) Shutdown(ctx context.Context) error {
	h.lifecycleMu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.lifecycleMu.Unlock()

	h.scheduler.Stop()
	stopped, err := h.StopAll()
	if stopped > 0 {
		h.logger.Info("stopped running tasks", "count", stopped)
	}
	if err != nil {
		h.logger.Warn("stop running tasks", "err", err)
	}
	if dropped := h.DroppedEvents(); dropped > 0 {
		h.logger.Warn("events dropped for slow subscribers", "count", dropped)
	}
	if cancel == nil {
		return nil
	}
	// give the recorder a moment to drain the final status events
	drain := time.NewTimer(100 * time.Millisecond)
	select {
	case <-drain.C:
	case <-ctx.Done():
		drain.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) taskOptions(p core.Priority) []core.Option {
	return []core.Option{
		core.WithBus(h.bus),
		core.WithLogger(h.logger),
		core.WithStopTimeout(h.stopTimeout),
		core.WithPriority(p),
	}
}

// buildBehavior resolves kind, falling back to a behavior that fails
// validation so a stored task with a bad definition is still listed.
func (h *Host) buildBehavior(kind string, cfg map[string]any) core.Behavior {
	b, err := behavior.New(kind, cfg, h.deps)
	if err != nil {
		return invalidBehavior{err: err}
	}
	return b
}

type invalidBehavior struct{ err error }

func (b invalidBehavior) Validate() error { return b.err }
func (b invalidBehavior) Execute(core.Control) error { return b.err }

// trigger is the scheduler callback.
func (h *Host) trigger(taskID string) {
	task, ok := h.registry.Get(taskID)
	if !ok {
		h.logger.Warn("scheduled task no longer exists", "task_id", taskID)
		return
	}
	task.Log("Triggering scheduled task", core.LevelInfo)
	task.Start()
}

func (h *Host) nextRunChanged(taskID string, next *time.Time) {
	task, ok := h.registry.Get(taskID)
	if !ok {
		return
	}
	task.SetNextRun(next)
	// one-shot and broken schedules disable themselves; keep the stored flag in step
	if sc, ok := h.scheduler.GetSchedule(taskID); ok && !sc.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.SetScheduleEnabled(ctx, taskID, false); err != nil {
			h.logger.Error("persist schedule state", "task_id", taskID, "err", err)
		}
	}
}

func (h *Host) persist(ctx context.Context, task *core.Task) {
	if err := h.store.SaveTask(ctx, task.Snapshot()); err != nil {
		h.logger.Error("persist task", "task_id", task.ID(), "err", err)
	}
}
