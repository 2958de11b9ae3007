package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTickRunsDueTasks(t *testing.T) {
	s := New()

	var ran atomic.Int32
	s.Add("counter", time.Millisecond, func() {
		ran.Add(1)
	})

	s.tick(time.Now())
	// Give the goroutine a moment
	deadline := time.Now().Add(time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ran.Load() != 1 {
		t.Fatalf("Expected the task to run once, ran %d times", ran.Load())
	}
}

func TestTaskDoesNotOverlapItself(t *testing.T) {
	s := New()

	var running atomic.Int32
	var overlapped atomic.Bool
	release := make(chan struct{})

	s.Add("slow", time.Millisecond, func() {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		<-release
		running.Add(-1)
	})

	s.tick(time.Now())
	time.Sleep(10 * time.Millisecond)
	// The task is still running; further ticks must not start it again
	s.tick(time.Now().Add(time.Second))
	s.tick(time.Now().Add(2 * time.Second))
	time.Sleep(10 * time.Millisecond)
	close(release)
	time.Sleep(10 * time.Millisecond)

	if overlapped.Load() {
		t.Error("Task overlapped itself")
	}
}

func TestTaskNotDueBeforePeriod(t *testing.T) {
	s := New()

	var ran atomic.Int32
	s.Add("hourly", time.Hour, func() {
		ran.Add(1)
	})

	now := time.Now()
	s.tick(now)
	deadline := time.Now().Add(time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ran.Load() != 1 {
		t.Fatalf("Expected the first tick to run the task, ran %d", ran.Load())
	}

	// Wait until the runner has cleared the running flag
	time.Sleep(20 * time.Millisecond)
	s.tick(time.Now())
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 1 {
		t.Errorf("Task ran again before its period elapsed (%d runs)", ran.Load())
	}
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	s := New()

	var after atomic.Bool
	s.Add("panicky", time.Millisecond, func() {
		panic("boom")
	})
	s.Add("fine", time.Millisecond, func() {
		after.Store(true)
	})

	s.tick(time.Now())
	deadline := time.Now().Add(time.Second)
	for !after.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !after.Load() {
		t.Error("A panicking task must not take the supervisor down")
	}
}
