package core

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *fireRecorder) record(taskID string) {
	r.mu.Lock()
	r.fired = append(r.fired, taskID)
	r.mu.Unlock()
}

func (r *fireRecorder) count(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.fired {
		if id == taskID {
			n++
		}
	}
	return n
}

// Monday 2024-01-01 10:00 UTC.
var schedulerBase = time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)

func newTestScheduler(clock *fakeClock) (*Scheduler, *fireRecorder) {
	s := NewScheduler(discardLogger(), WithLocation(time.UTC), WithSchedulerClock(clock.Now))
	rec := &fireRecorder{}
	s.OnTrigger(rec.record)
	return s, rec
}

func mustNextRun(t *testing.T, s *Scheduler, taskID string) time.Time {
	t.Helper()
	next := s.GetNextRun(taskID)
	if next == nil {
		t.Fatalf("GetNextRun(%q) = nil", taskID)
	}
	return *next
}

func TestIntervalRecomputesFromNow(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)

	if _, err := s.AddSchedule("t1", TriggerInterval, TriggerConfig{Seconds: 5}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if got, want := mustNextRun(t, s, "t1"), schedulerBase.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}

	s.Tick()
	if rec.count("t1") != 0 {
		t.Fatal("fired before NextRun")
	}

	clock.Advance(5 * time.Second)
	s.Tick()
	if rec.count("t1") != 1 {
		t.Fatalf("fires = %d, want 1", rec.count("t1"))
	}
	if got, want := mustNextRun(t, s, "t1"), schedulerBase.Add(10*time.Second); !got.Equal(want) {
		t.Fatalf("NextRun after fire = %v, want %v", got, want)
	}

	// a late poll delays the following fire instead of catching up
	clock.Advance(7 * time.Second)
	s.Tick()
	if got, want := mustNextRun(t, s, "t1"), schedulerBase.Add(17*time.Second); !got.Equal(want) {
		t.Fatalf("NextRun after late fire = %v, want %v", got, want)
	}
	if rec.count("t1") != 2 {
		t.Fatalf("fires = %d, want 2", rec.count("t1"))
	}
}

func TestDailyNextRun(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		time string
		want time.Time
	}{
		{name: "passed today", time: "09:00", want: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)},
		{name: "exactly now", time: "10:00", want: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)},
		{name: "later today", time: "11:30", want: time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC)},
		{name: "with seconds", time: "10:00:30", want: time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestScheduler(newFakeClock(schedulerBase))
			if _, err := s.AddSchedule("d", TriggerDaily, TriggerConfig{Time: tc.time}); err != nil {
				t.Fatalf("AddSchedule: %v", err)
			}
			if got := mustNextRun(t, s, "d"); !got.Equal(tc.want) {
				t.Fatalf("NextRun = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWeeklyNextRun(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		day  int
		time string
		want time.Time
	}{
		{name: "today passed", day: 0, time: "09:00", want: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)},
		{name: "today pending", day: 0, time: "11:00", want: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{name: "wednesday", day: 2, time: "08:00", want: time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)},
		{name: "sunday", day: 6, time: "23:59", want: time.Date(2024, 1, 7, 23, 59, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestScheduler(newFakeClock(schedulerBase))
			if _, err := s.AddSchedule("w", TriggerWeekly, TriggerConfig{Day: tc.day, Time: tc.time}); err != nil {
				t.Fatalf("AddSchedule: %v", err)
			}
			if got := mustNextRun(t, s, "w"); !got.Equal(tc.want) {
				t.Fatalf("NextRun = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWeeklyRearmsSevenDaysOut(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	if _, err := s.AddSchedule("w", TriggerWeekly, TriggerConfig{Day: 0, Time: "10:00:05"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	clock.Advance(5 * time.Second)
	s.Tick()
	if rec.count("w") != 1 {
		t.Fatalf("fires = %d, want 1", rec.count("w"))
	}
	want := time.Date(2024, 1, 8, 10, 0, 5, 0, time.UTC)
	if got := mustNextRun(t, s, "w"); !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestCronNextRun(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, _ := newTestScheduler(clock)
	if _, err := s.AddSchedule("c", TriggerCron, TriggerConfig{Expression: "30 12 * * *"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	want := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	if got := mustNextRun(t, s, "c"); !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestEventScheduleFiresOnlyWhenTriggered(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	if _, err := s.AddSchedule("e", TriggerEvent, TriggerConfig{EventType: "deploy"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if next := s.GetNextRun("e"); next != nil {
		t.Fatalf("NextRun = %v, want nil", next)
	}
	clock.Advance(48 * time.Hour)
	s.Tick()
	if rec.count("e") != 0 {
		t.Fatal("event schedule fired without TriggerEvent")
	}

	if !s.TriggerEvent("e") {
		t.Fatal("TriggerEvent = false, want true")
	}
	s.Tick()
	if rec.count("e") != 1 {
		t.Fatalf("fires = %d, want 1", rec.count("e"))
	}
	if next := s.GetNextRun("e"); next != nil {
		t.Fatalf("NextRun after fire = %v, want nil", next)
	}
	clock.Advance(time.Hour)
	s.Tick()
	if rec.count("e") != 1 {
		t.Fatalf("event schedule re-armed itself: fires = %d", rec.count("e"))
	}
	sc, _ := s.GetSchedule("e")
	if !sc.Enabled {
		t.Fatal("event schedule disabled after firing")
	}
}

func TestTriggerEventIgnoresOtherKinds(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, _ := newTestScheduler(clock)
	if _, err := s.AddSchedule("i", TriggerInterval, TriggerConfig{Minutes: 1}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	before := mustNextRun(t, s, "i")
	if s.TriggerEvent("i") {
		t.Fatal("TriggerEvent on interval schedule = true")
	}
	if s.TriggerEvent("missing") {
		t.Fatal("TriggerEvent on unknown id = true")
	}
	if got := mustNextRun(t, s, "i"); !got.Equal(before) {
		t.Fatalf("NextRun changed to %v", got)
	}
}

func TestImmediateFiresOnce(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	if _, err := s.AddSchedule("now", TriggerImmediate, TriggerConfig{}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if got := mustNextRun(t, s, "now"); !got.Equal(schedulerBase) {
		t.Fatalf("NextRun = %v, want %v", got, schedulerBase)
	}
	s.Tick()
	clock.Advance(time.Minute)
	s.Tick()
	if rec.count("now") != 1 {
		t.Fatalf("fires = %d, want 1", rec.count("now"))
	}
	sc, ok := s.GetSchedule("now")
	if !ok {
		t.Fatal("schedule removed after firing")
	}
	if sc.Enabled || sc.NextRun != nil {
		t.Fatalf("schedule = %+v, want disabled with nil NextRun", sc)
	}
	if sc.FireCount != 1 || sc.LastFired == nil {
		t.Fatalf("FireCount=%d LastFired=%v", sc.FireCount, sc.LastFired)
	}
}

func TestDisablePreservesNextRun(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	if _, err := s.AddSchedule("i", TriggerInterval, TriggerConfig{Seconds: 30}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	before := mustNextRun(t, s, "i")
	if err := s.DisableSchedule("i"); err != nil {
		t.Fatalf("DisableSchedule: %v", err)
	}
	if got := mustNextRun(t, s, "i"); !got.Equal(before) {
		t.Fatalf("NextRun changed on disable: %v", got)
	}
	clock.Advance(time.Minute)
	s.Tick()
	if rec.count("i") != 0 {
		t.Fatal("disabled schedule fired")
	}

	if err := s.EnableSchedule("i"); err != nil {
		t.Fatalf("EnableSchedule: %v", err)
	}
	if got := mustNextRun(t, s, "i"); !got.Equal(before) {
		t.Fatalf("NextRun changed on enable: %v", got)
	}
	s.Tick()
	if rec.count("i") != 1 {
		t.Fatalf("fires = %d, want 1", rec.count("i"))
	}

	if err := s.EnableSchedule("missing"); err != ErrScheduleNotFound {
		t.Fatalf("EnableSchedule(missing) = %v, want %v", err, ErrScheduleNotFound)
	}
}

func TestRecompute(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, _ := newTestScheduler(clock)
	if _, err := s.AddSchedule("i", TriggerInterval, TriggerConfig{Minutes: 10}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	clock.Advance(time.Hour)
	next, err := s.Recompute("i")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if want := schedulerBase.Add(70 * time.Minute); !next.Equal(want) {
		t.Fatalf("Recompute = %v, want %v", next, want)
	}
	if _, err := s.Recompute("missing"); err != ErrScheduleNotFound {
		t.Fatalf("Recompute(missing) = %v, want %v", err, ErrScheduleNotFound)
	}
}

func TestAddScheduleRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kind TriggerKind
		cfg  TriggerConfig
	}{
		{name: "zero interval", kind: TriggerInterval},
		{name: "negative interval", kind: TriggerInterval, cfg: TriggerConfig{Minutes: 5, Seconds: -1}},
		{name: "daily missing time", kind: TriggerDaily},
		{name: "daily bad hour", kind: TriggerDaily, cfg: TriggerConfig{Time: "24:00"}},
		{name: "weekly bad day", kind: TriggerWeekly, cfg: TriggerConfig{Day: 7, Time: "09:00"}},
		{name: "cron garbage", kind: TriggerCron, cfg: TriggerConfig{Expression: "not a cron"}},
		{name: "unknown kind", kind: TriggerKind("monthly")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestScheduler(newFakeClock(schedulerBase))
			if _, err := s.AddSchedule("x", tc.kind, tc.cfg); err == nil {
				t.Fatal("AddSchedule succeeded, want error")
			}
			if _, ok := s.GetSchedule("x"); ok {
				t.Fatal("rejected schedule was stored")
			}
		})
	}
}

func TestBadScheduleDoesNotStarveOthers(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	if _, err := s.AddSchedule("good", TriggerInterval, TriggerConfig{Seconds: 1}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	past := schedulerBase
	s.schedules["bad"] = &Schedule{TaskID: "bad", Kind: TriggerInterval, Enabled: true, NextRun: &past}

	clock.Advance(time.Second)
	s.Tick()
	if rec.count("good") != 1 || rec.count("bad") != 1 {
		t.Fatalf("fires good=%d bad=%d, want 1 and 1", rec.count("good"), rec.count("bad"))
	}
	bad, _ := s.GetSchedule("bad")
	if bad.Enabled || bad.NextRun != nil || bad.LastError == "" {
		t.Fatalf("bad schedule = %+v, want disabled with LastError", bad)
	}

	clock.Advance(time.Second)
	s.Tick()
	if rec.count("good") != 2 || rec.count("bad") != 1 {
		t.Fatalf("fires good=%d bad=%d, want 2 and 1", rec.count("good"), rec.count("bad"))
	}
}

func TestPanickingCallbackKeepsFiring(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s := NewScheduler(discardLogger(), WithLocation(time.UTC), WithSchedulerClock(clock.Now))
	rec := &fireRecorder{}
	s.OnTrigger(func(taskID string) {
		rec.record(taskID)
		if taskID == "a" {
			panic("callback exploded")
		}
	})
	for _, id := range []string{"a", "b"} {
		if _, err := s.AddSchedule(id, TriggerInterval, TriggerConfig{Seconds: 1}); err != nil {
			t.Fatalf("AddSchedule(%s): %v", id, err)
		}
	}
	clock.Advance(time.Second)
	s.Tick()
	if rec.count("a") != 1 || rec.count("b") != 1 {
		t.Fatalf("fires a=%d b=%d, want 1 and 1", rec.count("a"), rec.count("b"))
	}
	if got, want := mustNextRun(t, s, "a"), schedulerBase.Add(2*time.Second); !got.Equal(want) {
		t.Fatalf("NextRun(a) = %v, want %v", got, want)
	}
}

func TestCallbackRemovingItsSchedule(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s := NewScheduler(discardLogger(), WithLocation(time.UTC), WithSchedulerClock(clock.Now))
	s.OnTrigger(func(taskID string) { s.RemoveSchedule(taskID) })
	if _, err := s.AddSchedule("gone", TriggerInterval, TriggerConfig{Seconds: 1}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	clock.Advance(time.Second)
	s.Tick()
	if _, ok := s.GetSchedule("gone"); ok {
		t.Fatal("schedule resurrected after callback removed it")
	}
}

func TestCallbackDisablingLaterScheduleInSameTick(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	s.OnTrigger(func(taskID string) {
		rec.record(taskID)
		if taskID == "a" {
			if err := s.DisableSchedule("b"); err != nil {
				t.Errorf("DisableSchedule(b): %v", err)
			}
		}
	})
	for _, id := range []string{"a", "b"} {
		if _, err := s.AddSchedule(id, TriggerInterval, TriggerConfig{Seconds: 1}); err != nil {
			t.Fatalf("AddSchedule(%s): %v", id, err)
		}
	}
	clock.Advance(time.Second)
	s.Tick()

	if got := rec.count("a"); got != 1 {
		t.Fatalf("a fired %d times, want 1", got)
	}
	if got := rec.count("b"); got != 0 {
		t.Fatalf("disabled b fired %d times", got)
	}
	sc, _ := s.GetSchedule("b")
	if sc.FireCount != 0 || sc.Enabled {
		t.Fatalf("b = %+v, want disabled and never fired", sc)
	}
}

func TestCallbackReplacingLaterScheduleInSameTick(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	s.OnTrigger(func(taskID string) {
		rec.record(taskID)
		if taskID == "a" {
			if _, err := s.AddSchedule("b", TriggerEvent, TriggerConfig{EventType: "upload"}); err != nil {
				t.Errorf("AddSchedule(b): %v", err)
			}
		}
	})
	for _, id := range []string{"a", "b"} {
		if _, err := s.AddSchedule(id, TriggerInterval, TriggerConfig{Seconds: 1}); err != nil {
			t.Fatalf("AddSchedule(%s): %v", id, err)
		}
	}
	clock.Advance(time.Second)
	s.Tick()

	if got := rec.count("b"); got != 0 {
		t.Fatalf("untriggered event schedule b fired %d times", got)
	}
	sc, ok := s.GetSchedule("b")
	if !ok || sc.Kind != TriggerEvent || sc.NextRun != nil || sc.FireCount != 0 {
		t.Fatalf("b = %+v, want the unarmed event schedule", sc)
	}
}

func TestAddScheduleDisabled(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, rec := newTestScheduler(clock)
	sc, err := s.AddSchedule("now", TriggerImmediate, TriggerConfig{}, StartDisabled())
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if sc.Enabled || sc.NextRun == nil {
		t.Fatalf("schedule = %+v, want disabled with NextRun kept", sc)
	}
	s.Tick()
	if got := rec.count("now"); got != 0 {
		t.Fatalf("disabled immediate schedule fired %d times", got)
	}
	if err := s.EnableSchedule("now"); err != nil {
		t.Fatalf("EnableSchedule: %v", err)
	}
	s.Tick()
	if got := rec.count("now"); got != 1 {
		t.Fatalf("fired %d times after enable, want 1", got)
	}
}

func TestNextRunObserver(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, _ := newTestScheduler(clock)

	var mu sync.Mutex
	seen := map[string]*time.Time{}
	s.OnNextRun(func(taskID string, next *time.Time) {
		mu.Lock()
		seen[taskID] = next
		mu.Unlock()
	})

	if _, err := s.AddSchedule("i", TriggerInterval, TriggerConfig{Seconds: 5}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	clock.Advance(5 * time.Second)
	s.Tick()
	mu.Lock()
	got := seen["i"]
	mu.Unlock()
	if want := schedulerBase.Add(10 * time.Second); got == nil || !got.Equal(want) {
		t.Fatalf("observed NextRun = %v, want %v", got, want)
	}

	s.RemoveSchedule("i")
	mu.Lock()
	got, ok := seen["i"]
	mu.Unlock()
	if !ok || got != nil {
		t.Fatalf("observed NextRun after remove = %v, want nil", got)
	}
}

func TestGetAllSchedulesSortedCopies(t *testing.T) {
	clock := newFakeClock(schedulerBase)
	s, _ := newTestScheduler(clock)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := s.AddSchedule(id, TriggerInterval, TriggerConfig{Hours: 1}); err != nil {
			t.Fatalf("AddSchedule: %v", err)
		}
	}
	all := s.GetAllSchedules()
	if len(all) != 3 || all[0].TaskID != "a" || all[2].TaskID != "c" {
		t.Fatalf("GetAllSchedules order = %+v", all)
	}
	*all[0].NextRun = time.Time{}
	if mustNextRun(t, s, "a").IsZero() {
		t.Fatal("GetAllSchedules leaked internal NextRun")
	}
}

func TestSchedulerLoopStartStop(t *testing.T) {
	s := NewScheduler(discardLogger(), WithPollInterval(10*time.Millisecond), WithJoinTimeout(time.Second))
	fired := make(chan string, 1)
	s.OnTrigger(func(taskID string) {
		select {
		case fired <- taskID:
		default:
		}
	})
	if _, err := s.AddSchedule("now", TriggerImmediate, TriggerConfig{}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	s.Start(t.Context())
	s.Start(t.Context())
	select {
	case id := <-fired:
		if id != "now" {
			t.Fatalf("fired %q, want now", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop never fired")
	}
	if !s.Stop() {
		t.Fatal("Stop did not join the loop")
	}
	if s.Running() {
		t.Fatal("Running = true after Stop")
	}
	if !s.Stop() {
		t.Fatal("second Stop = false")
	}
}

func TestStartRefusedWhileAbandonedLoopIsBusy(t *testing.T) {
	s := NewScheduler(discardLogger(), WithPollInterval(10*time.Millisecond), WithJoinTimeout(50*time.Millisecond))
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	s.OnTrigger(func(string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	if _, err := s.AddSchedule("now", TriggerImmediate, TriggerConfig{}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	s.Start(t.Context())
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never entered")
	}
	if s.Stop() {
		t.Fatal("Stop joined a loop blocked in its callback")
	}
	s.Start(t.Context())
	if s.Running() {
		t.Fatal("second loop started beside the blocked one")
	}

	close(release)
	if !s.Stop() {
		t.Fatal("Stop did not join the released loop")
	}
	s.Start(t.Context())
	if !s.Running() {
		t.Fatal("Start refused after the old loop exited")
	}
	if !s.Stop() {
		t.Fatal("final Stop did not join")
	}
}

func TestPreviewRuns(t *testing.T) {
	t.Parallel()

	got, err := PreviewRuns(TriggerInterval, TriggerConfig{Minutes: 15}, schedulerBase, 3)
	if err != nil {
		t.Fatalf("PreviewRuns: %v", err)
	}
	want := []time.Time{
		schedulerBase.Add(15 * time.Minute),
		schedulerBase.Add(30 * time.Minute),
		schedulerBase.Add(45 * time.Minute),
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("run %d = %v, want %v", i, got[i], want[i])
		}
	}

	daily, err := PreviewRuns(TriggerDaily, TriggerConfig{Time: "09:00"}, schedulerBase, 2)
	if err != nil {
		t.Fatalf("PreviewRuns daily: %v", err)
	}
	if !daily[1].Equal(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("second daily run = %v", daily[1])
	}

	events, err := PreviewRuns(TriggerEvent, TriggerConfig{}, schedulerBase, 5)
	if err != nil || len(events) != 0 {
		t.Fatalf("event preview = %v, %v", events, err)
	}
}
