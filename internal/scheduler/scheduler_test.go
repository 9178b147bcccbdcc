package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/orchestrator"
)

type fakeEngine struct {
	mu        sync.Mutex
	expireAt  []time.Time
	expired   int
	resumed   []uuid.UUID
	resumeErr map[uuid.UUID]error
}

func (e *fakeEngine) ExpireRuns(_ context.Context, now time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireAt = append(e.expireAt, now)
	return e.expired, nil
}

func (e *fakeEngine) ResumeAfterTimeout(_ context.Context, runID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.resumeErr[runID]; err != nil {
		return err
	}
	e.resumed = append(e.resumed, runID)
	return nil
}

type fakeLister struct {
	runs  []*domain.FlowRun
	limit int
}

func (l *fakeLister) ListTimedOutRuns(_ context.Context, _ time.Time, limit int) ([]*domain.FlowRun, error) {
	l.limit = limit
	return l.runs, nil
}

type fakeLeader struct {
	ok  bool
	err error
}

func (l fakeLeader) TryLead(context.Context) (bool, error) { return l.ok, l.err }

func newTestSweeper(engine Engine, runs TimeoutLister, leader Leader) *Sweeper {
	return New(Config{
		Engine: engine,
		Runs:   runs,
		Leader: leader,
		Clock:  func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestTick_ResumesTimedOutRuns(t *testing.T) {
	a := &domain.FlowRun{ID: uuid.New(), ContactID: uuid.New()}
	b := &domain.FlowRun{ID: uuid.New(), ContactID: uuid.New()}
	c := &domain.FlowRun{ID: uuid.New(), ContactID: uuid.New()}

	engine := &fakeEngine{
		expired: 2,
		resumeErr: map[uuid.UUID]error{
			b.ID: fmt.Errorf("%w: %s", orchestrator.ErrRunNotActive, b.ID),
		},
	}
	lister := &fakeLister{runs: []*domain.FlowRun{a, b, c}}

	s := newTestSweeper(engine, lister, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(engine.expireAt) != 1 {
		t.Fatalf("expected 1 expire call, got %d", len(engine.expireAt))
	}
	if lister.limit != 100 {
		t.Errorf("expected default batch 100, got %d", lister.limit)
	}
	if len(engine.resumed) != 2 || engine.resumed[0] != a.ID || engine.resumed[1] != c.ID {
		t.Errorf("expected runs a and c resumed, got %v", engine.resumed)
	}
}

func TestTick_ResumeFailureIsIsolated(t *testing.T) {
	a := &domain.FlowRun{ID: uuid.New()}
	b := &domain.FlowRun{ID: uuid.New()}

	engine := &fakeEngine{resumeErr: map[uuid.UUID]error{a.ID: errors.New("boom")}}
	s := newTestSweeper(engine, &fakeLister{runs: []*domain.FlowRun{a, b}}, nil)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(engine.resumed) != 1 || engine.resumed[0] != b.ID {
		t.Errorf("expected only b resumed, got %v", engine.resumed)
	}
}

func TestTick_NotLeader(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestSweeper(engine, &fakeLister{}, fakeLeader{ok: false})

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(engine.expireAt) != 0 {
		t.Errorf("follower should not expire runs, got %d calls", len(engine.expireAt))
	}
}

func TestTick_LeaderError(t *testing.T) {
	s := newTestSweeper(&fakeEngine{}, &fakeLister{}, fakeLeader{err: errors.New("db down")})
	if err := s.Tick(context.Background()); err == nil {
		t.Error("expected error when leadership check fails")
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(Config{
		Engine:   &fakeEngine{},
		Runs:     &fakeLister{},
		Schedule: "not a schedule",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartStop(t *testing.T) {
	s := newTestSweeper(&fakeEngine{}, &fakeLister{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error on second start")
	}
	s.Stop()
	s.Stop()
}

func TestNextSweep(t *testing.T) {
	from := time.Date(2024, 3, 15, 10, 0, 30, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/1 * * * *", time.Date(2024, 3, 15, 10, 1, 0, 0, time.UTC)},
		{"*/5 * * * *", time.Date(2024, 3, 15, 10, 5, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := NextSweep(tt.expr, from)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if err := ValidateSchedule("61 * * * *"); err == nil {
		t.Error("expected error for minute 61")
	}
}
