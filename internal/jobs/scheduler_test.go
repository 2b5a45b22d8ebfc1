package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

type blockingJob struct {
	name    string
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (j *blockingJob) Name() string     { return j.name }
func (j *blockingJob) Schedule() string { return "@every 1h" }
func (j *blockingJob) Run(ctx context.Context) error {
	j.calls.Add(1)
	if j.started != nil {
		close(j.started)
		<-j.release
	}
	return nil
}

type countingReconciler struct{ n int }

func (c *countingReconciler) Reconcile(context.Context) error {
	c.n++
	return nil
}

func newScheduler() *Scheduler {
	return NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := newScheduler()
	if err := s.Register(&blockingJob{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(&blockingJob{name: "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newScheduler()
	if err := s.Register(NewReconcileJob(&countingReconciler{}, "every now and then")); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartAcceptsDescriptors(t *testing.T) {
	s := newScheduler()
	if err := s.Register(NewReconcileJob(&countingReconciler{}, "")); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	s := newScheduler()
	job := &blockingJob{name: "slow", started: make(chan struct{}), release: make(chan struct{})}
	if err := s.Register(job); err != nil {
		t.Fatal(err)
	}
	tick := s.tick(context.Background(), job)

	done := make(chan struct{})
	go func() {
		tick()
		close(done)
	}()
	<-job.started
	tick()
	close(job.release)
	<-done

	if got := job.calls.Load(); got != 1 {
		t.Fatalf("expected the overlapping tick to be skipped, got %d runs", got)
	}
}

func TestReconcileJobRuns(t *testing.T) {
	r := &countingReconciler{}
	j := NewReconcileJob(r, "")
	if j.Schedule() != DefaultReconcileSchedule {
		t.Fatalf("schedule %q", j.Schedule())
	}
	if err := j.Run(context.Background()); err != nil || r.n != 1 {
		t.Fatalf("run: %v, calls %d", err, r.n)
	}
}

type failingJob struct{ blockingJob }

func (f *failingJob) Run(context.Context) error { panic(errors.New("boom")) }

func TestTickRecoversPanics(t *testing.T) {
	s := newScheduler()
	job := &failingJob{blockingJob{name: "panics"}}
	if err := s.Register(job); err != nil {
		t.Fatal(err)
	}
	s.tick(context.Background(), job)()
	// The lock must be released after a panic.
	if !s.locks["panics"].TryLock() {
		t.Fatal("lock still held after panic")
	}
}
