package saga

import "time"

// ExecutionEvents 执行过程的可观测回调，全部可选。
// 回调同步调用但包裹 panic 恢复，回调异常不影响 saga 流程。
type ExecutionEvents struct {
	OnSagaStart    func(sagaID int64, sagaType string)
	OnSagaComplete func(sagaID int64, sagaType string, duration time.Duration)
	OnSagaFailed   func(sagaID int64, sagaType string, err error)

	OnStepStart    func(sagaType, step string)
	OnStepComplete func(sagaType, step string, duration time.Duration)
	OnStepFailed   func(sagaType, step string, err error)

	OnCompensationStart    func(sagaType, step string)
	OnCompensationComplete func(sagaType, step string)
	OnCompensationFailed   func(sagaType, step string, err error)
}

func emit(handler func()) {
	if handler == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	handler()
}
