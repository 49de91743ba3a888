package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/idempotency"
	"github.com/CivicPress/civicpress-sub002/internal/lock"
	"github.com/CivicPress/civicpress-sub002/internal/saga"
	"github.com/CivicPress/civicpress-sub002/internal/store"
	"github.com/CivicPress/civicpress-sub002/pkg/snowflake"
)

type fixture struct {
	store   *store.MemoryStore
	locks   *lock.MemoryLockManager
	exec    *saga.Executor
	manager *Manager
	comps   *[]string
	fail    *bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var comps []string
	fail := false

	registry := saga.NewRegistry()
	registry.MustRegister(&saga.Definition{
		Name: "PublishDraft",
		Steps: []saga.Step{
			{
				Name: "write",
				Run: func(context.Context, *saga.Context, json.RawMessage) (json.RawMessage, error) {
					return json.RawMessage(`{"path":"records/rec-1.md"}`), nil
				},
				Compensate: func(context.Context, *saga.Context, json.RawMessage) error {
					if fail {
						return errors.New("restore failed")
					}
					comps = append(comps, "write")
					return nil
				},
			},
			{
				Name: "commit",
				Run: func(context.Context, *saga.Context, json.RawMessage) (json.RawMessage, error) {
					return json.RawMessage(`{"commit":"abc"}`), nil
				},
			},
		},
	})

	ids, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake.New: %v", err)
	}
	st := store.NewMemoryStore()
	locks := lock.NewMemoryLockManager(time.Hour)
	exec := saga.NewExecutor(registry, st, idempotency.NewMemoryManager(), locks, nil, ids, nil, saga.Options{})
	manager := NewManager(st, locks, exec, nil, nil, 5*time.Minute)

	return &fixture{store: st, locks: locks, exec: exec, manager: manager, comps: &comps, fail: &fail}
}

func seedStuck(t *testing.T, f *fixture, sagaID int64, age time.Duration) *saga.State {
	t.Helper()
	updated := time.Now().Add(-age).UnixMilli()
	state := &saga.State{
		SagaID:        sagaID,
		SagaType:      "PublishDraft",
		CorrelationID: "corr-stuck",
		Status:        saga.StatusExecuting,
		CurrentStep:   1,
		CompletedSteps: []saga.CompletedStep{
			{Name: "write", Result: json.RawMessage(`{"path":"records/rec-1.md"}`)},
		},
		Context:     saga.Context{CorrelationID: "corr-stuck"},
		CreatedAtMs: updated,
		UpdatedAtMs: updated,
	}
	if err := f.store.Create(context.Background(), state); err != nil {
		t.Fatalf("seed stuck saga: %v", err)
	}
	return state
}

func TestRecoverStuckSagas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedStuck(t, f, 42, 10*time.Minute)

	report, err := f.manager.RecoverStuckSagas(ctx)
	if err != nil {
		t.Fatalf("recover stuck: %v", err)
	}
	if report.Scanned != 1 || report.Compensated != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(*f.comps) != 1 || (*f.comps)[0] != "write" {
		t.Fatalf("expected write compensated, got %v", *f.comps)
	}

	recovered, err := f.store.GetByID(ctx, 42)
	if err != nil {
		t.Fatalf("get recovered: %v", err)
	}
	if recovered.Status != saga.StatusCompensated {
		t.Fatalf("expected compensated, got %s", recovered.Status)
	}
}

func TestRecoverStuckSagasIgnoresFresh(t *testing.T) {
	f := newFixture(t)
	seedStuck(t, f, 43, time.Minute) // 未超过 5 分钟阈值

	report, err := f.manager.RecoverStuckSagas(context.Background())
	if err != nil {
		t.Fatalf("recover stuck: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("expected no stuck sagas scanned, got %+v", report)
	}

	state, _ := f.store.GetByID(context.Background(), 43)
	if state.Status != saga.StatusExecuting {
		t.Fatalf("expected fresh saga untouched, got %s", state.Status)
	}
}

func TestRecoverFailedSagasPromotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 第一次补偿失败，产生 failed 状态
	*f.fail = true
	state := seedStuck(t, f, 44, 10*time.Minute)
	if _, err := f.exec.CompensateState(ctx, state); err == nil {
		t.Fatal("expected compensation failure")
	}
	persisted, _ := f.store.GetByID(ctx, 44)
	if persisted.Status != saga.StatusFailed {
		t.Fatalf("setup: expected failed, got %s", persisted.Status)
	}

	// 故障修复后重试补偿，幂等重放晋升为 compensated
	*f.fail = false
	report, err := f.manager.RecoverFailedSagas(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if report.Scanned != 1 || report.Compensated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	persisted, _ = f.store.GetByID(ctx, 44)
	if persisted.Status != saga.StatusCompensated {
		t.Fatalf("expected promoted to compensated, got %s", persisted.Status)
	}
}

func TestGetRecoveryStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedStuck(t, f, 45, 10*time.Minute)
	done := seedStuck(t, f, 46, time.Minute)
	done.Status = saga.StatusCompleted
	if err := f.store.Update(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	stats, err := f.manager.GetRecoveryStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Stuck != 1 {
		t.Fatalf("expected 1 stuck, got %d", stats.Stuck)
	}
	if stats.ByStatus[saga.StatusExecuting] != 1 || stats.ByStatus[saga.StatusCompleted] != 1 {
		t.Fatalf("unexpected counts %+v", stats.ByStatus)
	}
}
