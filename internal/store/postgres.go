// Package store saga 状态持久化层
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
)

// PostgresStore 基于 record_lifecycle.sagas 表的状态存储。
// 所有写入都是单行 upsert，不做跨行事务。
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sagaColumns = `saga_id, saga_type, correlation_id, status, current_step,
		completed_steps, result, error, context, created_at_ms, updated_at_ms`

// Create 插入新的 saga 状态行
func (s *PostgresStore) Create(ctx context.Context, state *saga.State) error {
	completedSteps, result, errJSON, sagaCtx, err := marshalState(state)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO record_lifecycle.sagas
			(saga_id, saga_type, correlation_id, status, current_step,
			 completed_steps, result, error, context, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		state.SagaID, state.SagaType, state.CorrelationID, string(state.Status),
		state.CurrentStep, completedSteps, result, errJSON, sagaCtx,
		state.CreatedAtMs, state.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert saga state: %w", err)
	}
	return nil
}

// Update 按 saga_id 整行更新，是每步之后的持久化检查点
func (s *PostgresStore) Update(ctx context.Context, state *saga.State) error {
	completedSteps, result, errJSON, sagaCtx, err := marshalState(state)
	if err != nil {
		return err
	}
	query := `
		UPDATE record_lifecycle.sagas
		SET status = $2, current_step = $3, completed_steps = $4,
		    result = $5, error = $6, context = $7, updated_at_ms = $8
		WHERE saga_id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		state.SagaID, string(state.Status), state.CurrentStep, completedSteps,
		result, errJSON, sagaCtx, state.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga state rows affected: %w", err)
	}
	if affected == 0 {
		return saga.ErrStateNotFound
	}
	return nil
}

// GetByID 按 saga_id 查询
func (s *PostgresStore) GetByID(ctx context.Context, sagaID int64) (*saga.State, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM record_lifecycle.sagas
		WHERE saga_id = $1
	`
	state, err := scanState(s.db.QueryRowContext(ctx, query, sagaID))
	if err == sql.ErrNoRows {
		return nil, saga.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query saga state: %w", err)
	}
	return state, nil
}

// GetByCorrelationID 按关联 ID 查询（一个操作的全部尝试）
func (s *PostgresStore) GetByCorrelationID(ctx context.Context, correlationID string) ([]*saga.State, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM record_lifecycle.sagas
		WHERE correlation_id = $1
		ORDER BY created_at_ms
	`
	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query sagas by correlation: %w", err)
	}
	return collectStates(rows)
}

// ListByStatus 按状态列出，updated_at_ms 倒序
func (s *PostgresStore) ListByStatus(ctx context.Context, status saga.Status, limit int) ([]*saga.State, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + sagaColumns + `
		FROM record_lifecycle.sagas
		WHERE status = $1
		ORDER BY updated_at_ms DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query sagas by status: %w", err)
	}
	return collectStates(rows)
}

// ListStuck 返回 executing 且超过陈旧阈值未更新的 saga（崩溃信号）
func (s *PostgresStore) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.State, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	query := `
		SELECT ` + sagaColumns + `
		FROM record_lifecycle.sagas
		WHERE status = $1 AND updated_at_ms < $2
		ORDER BY updated_at_ms
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, string(saga.StatusExecuting), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck sagas: %w", err)
	}
	return collectStates(rows)
}

// CountByStatus 各状态的 saga 数量，用于恢复统计与健康上报
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM record_lifecycle.sagas
		GROUP BY status
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count sagas by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[saga.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan saga count: %w", err)
		}
		counts[saga.Status(status)] = count
	}
	return counts, rows.Err()
}

func marshalState(state *saga.State) (completedSteps, result, errJSON, sagaCtx []byte, err error) {
	completedSteps, err = json.Marshal(state.CompletedSteps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	if state.Result != nil {
		result = state.Result
	}
	if state.Error != nil {
		errJSON, err = json.Marshal(state.Error)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal saga error: %w", err)
		}
	}
	sagaCtx, err = json.Marshal(state.Context)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal saga context: %w", err)
	}
	return completedSteps, result, errJSON, sagaCtx, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*saga.State, error) {
	var state saga.State
	var status string
	var completedSteps, result, errJSON, sagaCtx []byte
	err := row.Scan(
		&state.SagaID, &state.SagaType, &state.CorrelationID, &status,
		&state.CurrentStep, &completedSteps, &result, &errJSON, &sagaCtx,
		&state.CreatedAtMs, &state.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	state.Status = saga.Status(status)
	if err := json.Unmarshal(completedSteps, &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if len(result) > 0 {
		state.Result = json.RawMessage(result)
	}
	if len(errJSON) > 0 {
		var execErr saga.ExecutionError
		if err := json.Unmarshal(errJSON, &execErr); err != nil {
			return nil, fmt.Errorf("unmarshal saga error: %w", err)
		}
		state.Error = &execErr
	}
	if err := json.Unmarshal(sagaCtx, &state.Context); err != nil {
		return nil, fmt.Errorf("unmarshal saga context: %w", err)
	}
	return &state, nil
}

func collectStates(rows *sql.Rows) ([]*saga.State, error) {
	defer rows.Close()
	var states []*saga.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
