package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CivicPress/civicpress-sub002/pkg/logger"
	"github.com/CivicPress/civicpress-sub002/pkg/snowflake"
	"github.com/CivicPress/civicpress-sub002/pkg/tracing"
)

const (
	defaultStepTimeout = 30 * time.Second
	defaultLockWait    = 5 * time.Second
	defaultIdemTTL     = 24 * time.Hour
)

// Options 执行器可调参数，零值使用默认
type Options struct {
	StepTimeout    time.Duration // 单步默认超时
	LockWait       time.Duration // 锁获取等待上限
	IdempotencyTTL time.Duration
	Events         *ExecutionEvents
}

// Executor 按定义顺序执行步骤，每步之后持久化进度，
// 失败时按相反顺序补偿已完成步骤
type Executor struct {
	registry *Registry
	store    StateStore
	idem     IdempotencyManager
	locks    LockManager
	metrics  MetricsSink
	ids      *snowflake.Generator
	log      *logger.Logger

	stepTimeout time.Duration
	lockWait    time.Duration
	idemTTL     time.Duration
	events      *ExecutionEvents
}

func NewExecutor(
	registry *Registry,
	store StateStore,
	idem IdempotencyManager,
	locks LockManager,
	metrics MetricsSink,
	ids *snowflake.Generator,
	log *logger.Logger,
	opts Options,
) *Executor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if log == nil {
		log = logger.New("saga-executor", nil)
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdemTTL
	}
	return &Executor{
		registry:    registry,
		store:       store,
		idem:        idem,
		locks:       locks,
		metrics:     metrics,
		ids:         ids,
		log:         log,
		stepTimeout: opts.StepTimeout,
		lockWait:    opts.LockWait,
		idemTTL:     opts.IdempotencyTTL,
		events:      opts.Events,
	}
}

// Execute 运行一次 saga 调用直到终态。
//
// 顺序：幂等检查 → 资源锁 → 建状态行 → 按序执行步骤（每步后落检查点）
// → 成功写幂等缓存，失败反序补偿。跨出 saga 边界的只有分类后的错误
// （ResourceLockedError / StepError / CompensationError）。
func (e *Executor) Execute(ctx context.Context, sagaType string, sc *Context) (*Result, error) {
	if sc == nil || sc.CorrelationID == "" {
		return nil, ErrMissingCorrelationID
	}
	def, err := e.registry.Get(sagaType)
	if err != nil {
		return nil, err
	}
	if sc.StartedAt.IsZero() {
		sc.StartedAt = time.Now()
	}

	ctx = logger.ContextWithCorrelationID(ctx, sc.CorrelationID)
	ctx, span := tracing.StartSpan(ctx, "saga."+sagaType)
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.type", sagaType),
		attribute.String("saga.correlation_id", sc.CorrelationID),
	)

	// 幂等命中直接返回缓存的终态，不跑任何步骤、不拿锁
	if sc.IdempotencyKey != "" {
		rec, hit, cerr := e.idem.Check(ctx, sc.IdempotencyKey)
		if cerr != nil {
			e.log.WithContext(ctx).WithError(cerr).Warn("idempotency check failed, proceeding without cache")
		} else if hit {
			if rec.Status == StatusCompleted {
				return &Result{SagaID: rec.SagaID, Status: StatusCompleted, Payload: rec.Result}, nil
			}
			return nil, errorFromRecord(sagaType, rec)
		}
	}

	// 一旦开始执行就必须跑到终态：调用方断开或取消不能中断步骤，
	// 也不能波及补偿。此后执行只受单步超时约束。
	ctx = context.WithoutCancel(ctx)

	sagaID, err := e.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate saga id: %w", err)
	}
	ctx = logger.ContextWithSagaID(ctx, strconv.FormatInt(sagaID, 10))
	log := e.log.WithContext(ctx)

	var resources []string
	if def.Resources != nil {
		resources = def.Resources(sc)
	}
	acquired := make([]string, 0, len(resources))
	for _, key := range resources {
		ok, lerr := e.locks.TryAcquire(ctx, key, sagaID, e.lockWait)
		if lerr != nil {
			e.releaseLocks(ctx, acquired, sagaID)
			return nil, fmt.Errorf("acquire lock %s: %w", key, lerr)
		}
		if !ok {
			e.releaseLocks(ctx, acquired, sagaID)
			log.Warnf("saga rejected, resource locked", map[string]interface{}{
				"sagaType": sagaType,
				"resource": key,
			})
			return nil, &ResourceLockedError{SagaType: sagaType, ResourceKey: key}
		}
		acquired = append(acquired, key)
	}
	defer e.releaseLocks(ctx, acquired, sagaID)

	now := time.Now().UnixMilli()
	state := &State{
		SagaID:         sagaID,
		SagaType:       sagaType,
		CorrelationID:  sc.CorrelationID,
		Status:         StatusExecuting,
		CompletedSteps: []CompletedStep{},
		Context:        *sc,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}
	if err := e.store.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("create saga state: %w", err)
	}

	started := time.Now()
	if e.events != nil && e.events.OnSagaStart != nil {
		emit(func() { e.events.OnSagaStart(sagaID, sagaType) })
	}
	log.Infof("saga started", map[string]interface{}{
		"sagaType": sagaType,
		"steps":    len(def.Steps),
	})

	var prior json.RawMessage
	for i := range def.Steps {
		step := def.Steps[i]
		state.CurrentStep = i
		if e.events != nil && e.events.OnStepStart != nil {
			emit(func() { e.events.OnStepStart(sagaType, step.Name) })
		}

		stepStart := time.Now()
		res, serr := e.runStep(ctx, sagaType, step, sc, prior)
		e.metrics.ObserveStep(sagaType, step.Name, time.Since(stepStart), serr == nil)

		if serr != nil {
			if e.events != nil && e.events.OnStepFailed != nil {
				emit(func() { e.events.OnStepFailed(sagaType, step.Name, serr) })
			}
			tracing.SetError(ctx, serr)
			log.WithError(serr).Errorf("saga step failed, compensating", map[string]interface{}{
				"sagaType": sagaType,
				"step":     step.Name,
			})
			return nil, e.compensateAndFinish(ctx, def, state, acquired, step.Name, serr, started)
		}

		if e.events != nil && e.events.OnStepComplete != nil {
			emit(func() { e.events.OnStepComplete(sagaType, step.Name, time.Since(stepStart)) })
		}
		tracing.AddEvent(ctx, "step completed", attribute.String("saga.step", step.Name))

		state.CompletedSteps = append(state.CompletedSteps, CompletedStep{Name: step.Name, Result: res})
		state.CurrentStep = i + 1
		state.Result = res
		prior = res

		// 检查点必须在下一步的副作用之前落盘
		if uerr := e.checkpoint(ctx, state); uerr != nil {
			cerr := fmt.Errorf("persist checkpoint after step %s: %w", step.Name, uerr)
			tracing.SetError(ctx, cerr)
			return nil, e.compensateAndFinish(ctx, def, state, acquired, step.Name, cerr, started)
		}
		// 检查点之后给资源锁续期，慢 saga 不能因锁过期被并发者插入
		e.refreshLocks(ctx, acquired, sagaID)
	}

	state.Status = StatusCompleted
	state.Error = nil
	if err := e.checkpoint(ctx, state); err != nil {
		log.WithError(err).Error("persist completed state failed")
	}
	e.storeIdempotency(ctx, state)
	e.metrics.ObserveExecution(sagaType, StatusCompleted, time.Since(started))
	if e.events != nil && e.events.OnSagaComplete != nil {
		emit(func() { e.events.OnSagaComplete(sagaID, sagaType, time.Since(started)) })
	}
	log.Infof("saga completed", map[string]interface{}{
		"sagaType":   sagaType,
		"durationMs": time.Since(started).Milliseconds(),
	})
	return &Result{SagaID: sagaID, Status: StatusCompleted, Payload: state.Result}, nil
}

// CompensateState 对一个非终态的持久化 saga 补偿其已完成步骤，
// 恢复器对卡死/失败的 saga 复用此路径。补偿是幂等的，重复调用安全。
func (e *Executor) CompensateState(ctx context.Context, state *State) (Status, error) {
	def, err := e.registry.Get(state.SagaType)
	if err != nil {
		return state.Status, err
	}
	ctx = logger.ContextWithCorrelationID(ctx, state.CorrelationID)
	ctx = logger.ContextWithSagaID(ctx, strconv.FormatInt(state.SagaID, 10))

	failedStep := ""
	cause := errors.New("saga did not reach a terminal state")
	if state.Error != nil {
		failedStep = state.Error.Step
		cause = errors.New(state.Error.Message)
	} else if state.CurrentStep < len(def.Steps) {
		failedStep = def.Steps[state.CurrentStep].Name
	} else if n := len(state.CompletedSteps); n > 0 {
		failedStep = state.CompletedSteps[n-1].Name
	}

	state.Status = StatusCompensating
	if uerr := e.checkpoint(ctx, state); uerr != nil {
		return state.Status, fmt.Errorf("persist compensating state: %w", uerr)
	}

	compErr := e.compensate(ctx, def, state)
	if compErr == nil {
		state.Status = StatusCompensated
		state.Error = newExecutionError(failedStep, cause, true, nil)
	} else {
		state.Status = StatusFailed
		state.Error = newExecutionError(failedStep, cause, false, compErr)
	}
	if uerr := e.checkpoint(ctx, state); uerr != nil {
		e.log.WithContext(ctx).WithError(uerr).Error("persist recovered state failed")
	}
	return state.Status, compErr
}

func (e *Executor) compensateAndFinish(ctx context.Context, def *Definition, state *State, held []string, failedStep string, cause error, started time.Time) error {
	state.Status = StatusCompensating
	state.Error = newExecutionError(failedStep, cause, false, nil)
	if uerr := e.checkpoint(ctx, state); uerr != nil {
		// 补偿照常进行，状态行留给恢复器兜底
		e.log.WithContext(ctx).WithError(uerr).Error("persist compensating state failed")
	}
	e.refreshLocks(ctx, held, state.SagaID)

	compErr := e.compensate(ctx, def, state)

	var final error
	if compErr == nil {
		state.Status = StatusCompensated
		state.Error = newExecutionError(failedStep, cause, true, nil)
		final = &StepError{SagaType: def.Name, Step: failedStep, Cause: cause}
	} else {
		state.Status = StatusFailed
		state.Error = newExecutionError(failedStep, cause, false, compErr)
		final = &CompensationError{SagaType: def.Name, Step: failedStep, Cause: cause, CompensationErrs: compErr}
	}
	if uerr := e.checkpoint(ctx, state); uerr != nil {
		e.log.WithContext(ctx).WithError(uerr).Error("persist terminal state failed")
	}
	e.storeIdempotency(ctx, state)
	e.metrics.ObserveExecution(def.Name, state.Status, time.Since(started))
	if e.events != nil && e.events.OnSagaFailed != nil {
		emit(func() { e.events.OnSagaFailed(state.SagaID, def.Name, final) })
	}
	e.log.WithContext(ctx).Errorf("saga finished in failure", map[string]interface{}{
		"sagaType":    def.Name,
		"status":      string(state.Status),
		"failedStep":  failedStep,
		"compensated": compErr == nil,
	})
	return final
}

// compensate 按完成顺序的逆序执行补偿，单个补偿失败不中断其余补偿
func (e *Executor) compensate(ctx context.Context, def *Definition, state *State) error {
	var result *multierror.Error
	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		cs := state.CompletedSteps[i]
		step := def.step(cs.Name)
		if step == nil || step.Compensate == nil {
			continue
		}
		if e.events != nil && e.events.OnCompensationStart != nil {
			emit(func() { e.events.OnCompensationStart(def.Name, cs.Name) })
		}
		if cerr := e.runCompensation(ctx, step, &state.Context, cs.Result); cerr != nil {
			if e.events != nil && e.events.OnCompensationFailed != nil {
				emit(func() { e.events.OnCompensationFailed(def.Name, cs.Name, cerr) })
			}
			result = multierror.Append(result, fmt.Errorf("compensate %s: %w", cs.Name, cerr))
			continue
		}
		if e.events != nil && e.events.OnCompensationComplete != nil {
			emit(func() { e.events.OnCompensationComplete(def.Name, cs.Name) })
		}
	}
	return result.ErrorOrNil()
}

func (e *Executor) runStep(ctx context.Context, sagaType string, step Step, sc *Context, prior json.RawMessage) (json.RawMessage, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := step.Run(stepCtx, sc, prior)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-stepCtx.Done():
		// ctx 已与调用方取消解耦，Done 只会由单步超时触发
		return nil, &TimeoutError{SagaType: sagaType, Step: step.Name, Timeout: timeout}
	}
}

func (e *Executor) runCompensation(ctx context.Context, step *Step, sc *Context, result json.RawMessage) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	compCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step.Compensate(compCtx, sc, result)
	}()

	select {
	case err := <-done:
		return err
	case <-compCtx.Done():
		return fmt.Errorf("compensation %s exceeded timeout %s", step.Name, timeout)
	}
}

func (e *Executor) checkpoint(ctx context.Context, state *State) error {
	state.UpdatedAtMs = time.Now().UnixMilli()
	return e.store.Update(ctx, state)
}

// storeIdempotency 终态（成功或失败）都写入幂等缓存：TTL 窗口内
// 携带相同键的重试拿到原始终态结果，不会重新执行
func (e *Executor) storeIdempotency(ctx context.Context, state *State) {
	key := state.Context.IdempotencyKey
	if key == "" {
		return
	}
	rec := &IdempotencyRecord{
		Key:         key,
		SagaID:      state.SagaID,
		Status:      state.Status,
		Result:      state.Result,
		Error:       state.Error,
		CompletedAt: time.Now().UnixMilli(),
	}
	if err := e.idem.Store(ctx, rec, e.idemTTL); err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("store idempotency record failed")
	}
}

func (e *Executor) refreshLocks(ctx context.Context, keys []string, sagaID int64) {
	for _, key := range keys {
		if err := e.locks.Refresh(ctx, key, sagaID); err != nil {
			e.log.WithContext(ctx).WithError(err).Warnf("refresh lock failed", map[string]interface{}{
				"resource": key,
				"sagaId":   sagaID,
			})
		}
	}
}

func (e *Executor) releaseLocks(ctx context.Context, keys []string, sagaID int64) {
	for _, key := range keys {
		if err := e.locks.Release(ctx, key, sagaID); err != nil {
			e.log.WithError(err).Warnf("release lock failed", map[string]interface{}{
				"resource": key,
				"sagaId":   sagaID,
			})
		}
	}
}
