package taskrt

import (
	"context"
	"testing"
	"time"
)

func TestSpawnRunsCleanupOnExit(t *testing.T) {
	g := NewGroup()
	ran := make(chan struct{})
	task := g.Spawn(context.Background(), 0, func(t *Task) {
		t.Cleanup.Add(func() { close(ran) })
	})

	if err := task.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Error("cleanup did not run before task finished")
	}
}

func TestInterruptCancelsTaskContext(t *testing.T) {
	g := NewGroup()
	started := make(chan struct{})
	observed := make(chan error, 1)
	task := g.Spawn(context.Background(), 0, func(t *Task) {
		close(started)
		<-t.Context().Done()
		observed <- t.Context().Err()
	})

	<-started
	task.Interrupt(WillExit)

	select {
	case err := <-observed:
		if err == nil {
			t.Error("expected context to be done after Interrupt")
		}
	case <-time.After(time.Second):
		t.Fatal("task did not observe interrupt")
	}
	if task.Reason() != WillExit {
		t.Errorf("Reason() = %v, want WillExit", task.Reason())
	}
}

func TestInterruptDisabledIsIgnored(t *testing.T) {
	g := NewGroup()
	started := make(chan struct{})
	task := g.Spawn(context.Background(), 0, func(t *Task) {
		t.SetInterruptsDisabled(true)
		close(started)
		<-t.Context().Done()
	})
	<-started

	task.Interrupt(WillExit)
	select {
	case <-task.Context().Done():
		t.Fatal("context should not be cancelled while interrupts are disabled")
	case <-time.After(50 * time.Millisecond):
	}

	task.SetInterruptsDisabled(false)
	task.Interrupt(WillExit)
	if err := task.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestGroupCountTracksActiveTasks(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})
	task := g.Spawn(context.Background(), 0, func(t *Task) {
		<-release
	})
	if g.Count() != 1 {
		t.Errorf("Count() = %d, want 1", g.Count())
	}
	close(release)
	if err := task.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if g.Count() != 0 {
		t.Errorf("Count() = %d after task exit, want 0", g.Count())
	}
}

func TestInterruptAllReachesEveryTask(t *testing.T) {
	g := NewGroup()
	const n = 3
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		g.Spawn(context.Background(), 0, func(t *Task) {
			started <- struct{}{}
			<-t.Context().Done()
		})
	}
	for i := 0; i < n; i++ {
		<-started
	}

	g.InterruptAll(WillExit)

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSpawnRecoversPanic(t *testing.T) {
	g := NewGroup()
	task := g.Spawn(context.Background(), 0, func(t *Task) {
		panic("boom")
	})
	if err := task.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
}
