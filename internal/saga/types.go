// Package saga 记录生命周期操作的 saga 编排核心
//
// 每个 saga 是一组有序步骤，每步可携带补偿动作。任一步失败时，
// 已完成的步骤按相反顺序补偿。进度在每步之后持久化，崩溃后可恢复。
package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Status saga 状态机状态
type Status string

const (
	StatusPending      Status = "pending"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// Terminal 是否终态。终态记录不再原地变更，重试产生新的 saga。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// User 操作者身份，步骤内用于审计与授权判断
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Context 一次 saga 调用的输入，执行开始后不可变
type Context struct {
	CorrelationID  string            `json:"correlationId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	User           User              `json:"user"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Meta 读取 metadata 键，缺失返回空串
func (c *Context) Meta(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// CompletedStep 已成功执行的步骤及其正向结果，补偿时回传
type CompletedStep struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ExecutionError 持久化的失败详情
type ExecutionError struct {
	Step              string `json:"step"`
	Message           string `json:"message"`
	Compensated       bool   `json:"compensated"`
	CompensationError string `json:"compensationError,omitempty"`
	TimestampMs       int64  `json:"timestampMs"`
}

// State 一次 saga 执行的持久化记录，按 SagaID 唯一
type State struct {
	SagaID         int64           `json:"sagaId"`
	SagaType       string          `json:"sagaType"`
	CorrelationID  string          `json:"correlationId"`
	Status         Status          `json:"status"`
	CurrentStep    int             `json:"currentStep"`
	CompletedSteps []CompletedStep `json:"completedSteps"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
	Context        Context         `json:"context"`
	CreatedAtMs    int64           `json:"createdAtMs"`
	UpdatedAtMs    int64           `json:"updatedAtMs"`
}

// Step 单个 saga 步骤：正向动作 + 可选补偿
//
// Run 接收上一步的结果（首步为 nil），返回本步结果。
// Compensate 仅在本步正向成功后才会被调用，入参是当时的正向结果；
// 补偿必须写成防御式、可重复执行的（先检查后动作）。
type Step struct {
	Name       string
	Run        func(ctx context.Context, sc *Context, prior json.RawMessage) (json.RawMessage, error)
	Compensate func(ctx context.Context, sc *Context, result json.RawMessage) error
	Timeout    time.Duration // 0 表示使用执行器默认值
}

// Definition 一类操作的有序步骤序列，启动时构造一次，执行期只读
type Definition struct {
	Name  string
	Steps []Step
	// Resources 返回本次执行需要互斥的资源键（如 record:<id>），可为 nil
	Resources func(sc *Context) []string
}

func (d *Definition) step(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Result 成功执行的返回值
type Result struct {
	SagaID  int64           `json:"sagaId"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"result,omitempty"`
}

// StateStore saga 状态持久化。所有写入都是单行 upsert。
type StateStore interface {
	Create(ctx context.Context, state *State) error
	// Update 每次状态迁移后必须调用，是崩溃恢复依赖的持久化检查点
	Update(ctx context.Context, state *State) error
	GetByID(ctx context.Context, sagaID int64) (*State, error)
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*State, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*State, error)
	// ListStuck 返回 executing 状态且 updatedAt 早于 now-olderThan 的 saga
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*State, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// IdempotencyRecord 幂等键到终态结果的映射
type IdempotencyRecord struct {
	Key         string          `json:"key"`
	SagaID      int64           `json:"sagaId"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	CompletedAt int64           `json:"completedAtMs"`
}

// IdempotencyManager 基于键的去重，带有限保留期。
// 键只在终态写入；两个携带相同键的并发调用在都未终结前可能同时
// 通过检查，真正的并发闸门是资源锁。
type IdempotencyManager interface {
	Check(ctx context.Context, key string) (*IdempotencyRecord, bool, error)
	Store(ctx context.Context, record *IdempotencyRecord, ttl time.Duration) error
	ExpireOld(ctx context.Context) (int, error)
}

// LockManager 按逻辑资源互斥。单持有者、不可重入、争用时快速失败。
type LockManager interface {
	TryAcquire(ctx context.Context, resourceKey string, sagaID int64, wait time.Duration) (bool, error)
	// Refresh 给 sagaID 持有的锁续期，防止慢 saga 执行中途锁过期；
	// 非持有者调用不生效
	Refresh(ctx context.Context, resourceKey string, sagaID int64) error
	Release(ctx context.Context, resourceKey string, sagaID int64) error
	// ForceReleaseStale 释放持有超过 olderThan 的锁，供恢复器打破崩溃持有者
	ForceReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// MetricsSink 执行器在每个终态上报一次，对 saga 正确性无影响
type MetricsSink interface {
	ObserveExecution(sagaType string, status Status, duration time.Duration)
	ObserveStep(sagaType, step string, duration time.Duration, success bool)
}

// NopMetrics 测试与单进程场景用的空实现
type NopMetrics struct{}

func (NopMetrics) ObserveExecution(string, Status, time.Duration) {}
func (NopMetrics) ObserveStep(string, string, time.Duration, bool) {}
