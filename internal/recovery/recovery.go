// Package recovery 把崩溃或挂起后未到终态的 saga 驱动到终态
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
	"github.com/CivicPress/civicpress-sub002/pkg/logger"
)

// Compensator 对一个持久化 saga 重放补偿，由执行器实现
type Compensator interface {
	CompensateState(ctx context.Context, state *saga.State) (saga.Status, error)
}

// RecoveryMetrics 恢复结果计数
type RecoveryMetrics interface {
	IncRecovered(outcome saga.Status)
}

type nopRecoveryMetrics struct{}

func (nopRecoveryMetrics) IncRecovered(saga.Status) {}

// Report 一轮恢复的结果
type Report struct {
	Scanned     int `json:"scanned"`
	Compensated int `json:"compensated"`
	Failed      int `json:"failed"`
	Errors      int `json:"errors"`
}

// Stats 健康上报用的状态计数
type Stats struct {
	Stuck    int64                 `json:"stuck"`
	ByStatus map[saga.Status]int64 `json:"byStatus"`
}

// Manager 扫描状态存储并恢复非终态 saga。
// 只碰状态存储、锁和执行器的补偿路径，从不直接调用步骤动作。
type Manager struct {
	store     saga.StateStore
	locks     saga.LockManager
	comp      Compensator
	metrics   RecoveryMetrics
	log       *logger.Logger
	staleness time.Duration
	batchSize int
}

func NewManager(store saga.StateStore, locks saga.LockManager, comp Compensator, metrics RecoveryMetrics, log *logger.Logger, staleness time.Duration) *Manager {
	if metrics == nil {
		metrics = nopRecoveryMetrics{}
	}
	if log == nil {
		log = logger.New("saga-recovery", nil)
	}
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &Manager{
		store:     store,
		locks:     locks,
		comp:      comp,
		metrics:   metrics,
		log:       log,
		staleness: staleness,
		batchSize: 100,
	}
}

// RecoverStuckSagas 处理停留在 executing 超过陈旧阈值的 saga：
// 先打破崩溃持有者留下的锁，再按失败处理补偿其已完成步骤。
func (m *Manager) RecoverStuckSagas(ctx context.Context) (*Report, error) {
	report := &Report{}

	released, err := m.locks.ForceReleaseStale(ctx, m.staleness)
	if err != nil {
		return report, fmt.Errorf("force release stale locks: %w", err)
	}
	if released > 0 {
		m.log.Infof("released stale locks", map[string]interface{}{"count": released})
	}

	stuck, err := m.store.ListStuck(ctx, m.staleness, m.batchSize)
	if err != nil {
		return report, fmt.Errorf("list stuck sagas: %w", err)
	}
	report.Scanned = len(stuck)

	for _, state := range stuck {
		m.recoverOne(ctx, state, report)
	}
	return report, nil
}

// RecoverFailedSagas 对 failed 状态的 saga 再试一次补偿。
// 补偿是幂等的，重放安全；补上后晋升为 compensated，
// 仍然失败的留给人工处理。
func (m *Manager) RecoverFailedSagas(ctx context.Context) (*Report, error) {
	report := &Report{}
	failed, err := m.store.ListByStatus(ctx, saga.StatusFailed, m.batchSize)
	if err != nil {
		return report, fmt.Errorf("list failed sagas: %w", err)
	}
	report.Scanned = len(failed)

	for _, state := range failed {
		m.recoverOne(ctx, state, report)
	}
	return report, nil
}

func (m *Manager) recoverOne(ctx context.Context, state *saga.State, report *Report) {
	status, err := m.comp.CompensateState(ctx, state)
	if err != nil && status != saga.StatusFailed && status != saga.StatusCompensated {
		// 补偿没跑起来（定义缺失、存储故障），不算终态结果
		report.Errors++
		m.log.WithError(err).Errorf("recover saga failed", map[string]interface{}{
			"sagaId":   state.SagaID,
			"sagaType": state.SagaType,
		})
		return
	}
	m.metrics.IncRecovered(status)
	switch status {
	case saga.StatusCompensated:
		report.Compensated++
		m.log.Infof("saga recovered", map[string]interface{}{
			"sagaId":   state.SagaID,
			"sagaType": state.SagaType,
		})
	case saga.StatusFailed:
		report.Failed++
		m.log.WithError(err).Errorf("saga remains failed after recovery attempt", map[string]interface{}{
			"sagaId":   state.SagaID,
			"sagaType": state.SagaType,
		})
	}
}

// GetRecoveryStats 返回卡死与各状态计数
func (m *Manager) GetRecoveryStats(ctx context.Context) (*Stats, error) {
	stuck, err := m.store.ListStuck(ctx, m.staleness, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list stuck sagas: %w", err)
	}
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sagas: %w", err)
	}
	return &Stats{Stuck: int64(len(stuck)), ByStatus: counts}, nil
}
