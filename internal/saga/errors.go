package saga

import (
	"errors"
	"fmt"
	"time"
)

// 支持 errors.Is 的哨兵错误
var (
	ErrResourceLocked       = errors.New("resource locked")
	ErrStepFailed           = errors.New("saga step failed")
	ErrCompensationFailed   = errors.New("saga compensation failed")
	ErrSagaTimeout          = errors.New("saga timeout")
	ErrUnknownSagaType      = errors.New("unknown saga type")
	ErrStateNotFound        = errors.New("saga state not found")
	ErrMissingCorrelationID = errors.New("correlation id required")
)

// ResourceLockedError 目标资源被其他 saga 持有。没有任何步骤执行过，
// 调用方稍后重试即可，不算 saga 失败。
type ResourceLockedError struct {
	SagaType    string
	ResourceKey string
}

func (e *ResourceLockedError) Error() string {
	return fmt.Sprintf("saga %s: resource %s locked by another saga", e.SagaType, e.ResourceKey)
}

func (e *ResourceLockedError) Is(target error) bool {
	return target == ErrResourceLocked
}

// StepError 正向步骤失败且全部补偿成功，系统状态一致
type StepError struct {
	SagaType string
	Step     string
	Cause    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %v", e.SagaType, e.Step, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

func (e *StepError) Is(target error) bool {
	return target == ErrStepFailed
}

// CompensationError 正向步骤失败且至少一个补偿也失败，
// 系统状态可能不一致，需要运维介入
type CompensationError struct {
	SagaType         string
	Step             string
	Cause            error // 触发补偿的原始失败
	CompensationErrs error // 补偿自身的失败（可能聚合多个）
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed and compensation incomplete: %v (original: %v)",
		e.SagaType, e.Step, e.CompensationErrs, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.CompensationErrs }

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// TimeoutError 步骤超出配给时间，按步骤失败处理并触发补偿
type TimeoutError struct {
	SagaType string
	Step     string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("saga %s: step %s exceeded timeout %s", e.SagaType, e.Step, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrSagaTimeout
}

// UnknownSagaTypeError 注册表中不存在的 saga 类型
type UnknownSagaTypeError struct {
	SagaType string
}

func (e *UnknownSagaTypeError) Error() string {
	return fmt.Sprintf("unknown saga type %q", e.SagaType)
}

func (e *UnknownSagaTypeError) Is(target error) bool {
	return target == ErrUnknownSagaType
}

func newExecutionError(step string, cause error, compensated bool, compErr error) *ExecutionError {
	ee := &ExecutionError{
		Step:        step,
		Message:     cause.Error(),
		Compensated: compensated,
		TimestampMs: time.Now().UnixMilli(),
	}
	if compErr != nil {
		ee.CompensationError = compErr.Error()
	}
	return ee
}

// errorFromRecord 将幂等缓存中的终态失败还原为当初返回给调用方的错误类型
func errorFromRecord(sagaType string, rec *IdempotencyRecord) error {
	if rec.Error == nil {
		return &StepError{SagaType: sagaType, Step: "", Cause: errors.New("saga failed")}
	}
	cause := errors.New(rec.Error.Message)
	if rec.Status == StatusFailed {
		return &CompensationError{
			SagaType:         sagaType,
			Step:             rec.Error.Step,
			Cause:            cause,
			CompensationErrs: errors.New(rec.Error.CompensationError),
		}
	}
	return &StepError{SagaType: sagaType, Step: rec.Error.Step, Cause: cause}
}
