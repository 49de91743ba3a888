package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/CivicPress/civicpress-sub002/internal/config"
	"github.com/CivicPress/civicpress-sub002/internal/idempotency"
	"github.com/CivicPress/civicpress-sub002/internal/lifecycle"
	"github.com/CivicPress/civicpress-sub002/internal/lock"
	"github.com/CivicPress/civicpress-sub002/internal/metrics"
	"github.com/CivicPress/civicpress-sub002/internal/recovery"
	"github.com/CivicPress/civicpress-sub002/internal/saga"
	"github.com/CivicPress/civicpress-sub002/internal/store"
	commonerrors "github.com/CivicPress/civicpress-sub002/pkg/errors"
	"github.com/CivicPress/civicpress-sub002/pkg/health"
	commonresp "github.com/CivicPress/civicpress-sub002/pkg/response"
	"github.com/CivicPress/civicpress-sub002/pkg/snowflake"
	"github.com/CivicPress/civicpress-sub002/pkg/tracing"
)

type redisHealthClient struct {
	client *redis.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	// 链路追踪
	tracingShutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracingShutdown(shutdownCtx)
	}()

	// 版本仓库与协作者
	vcs, err := lifecycle.NewGitVersionControl(cfg.RepoDir)
	if err != nil {
		log.Fatalf("Failed to open record repo: %v", err)
	}
	records := lifecycle.NewFileRecordStore(nil, cfg.RepoDir)
	indexStore := lifecycle.NewPostgresIndexStore(db)
	searchIndex := lifecycle.NewRedisSearchIndex(redisClient)
	hookBus := lifecycle.NewRedisHookBus(redisClient, cfg.HookChannel)

	// saga 注册与执行器
	registry := saga.NewRegistry()
	defs := lifecycle.NewDefinitions(records, indexStore, vcs, searchIndex, hookBus)
	if err := defs.RegisterAll(registry); err != nil {
		log.Fatalf("Failed to register saga definitions: %v", err)
	}

	stateStore := store.NewPostgresStore(db)
	idemManager := idempotency.NewRedisManager(redisClient)
	lockManager := lock.NewRedisLockManager(redisClient, cfg.LockTTL)
	metricsCollector := metrics.NewDefault()

	executor := saga.NewExecutor(registry, stateStore, idemManager, lockManager,
		metricsCollector, ids, nil, saga.Options{
			StepTimeout:    cfg.StepTimeout,
			LockWait:       cfg.LockWait,
			IdempotencyTTL: cfg.IdempotencyTTL,
		})

	recoveryManager := recovery.NewManager(stateStore, lockManager, executor,
		metricsCollector, nil, cfg.StalenessThreshold)

	// 后台恢复循环
	var recoveryLoop health.LoopMonitor
	recoveryLoop.Tick()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recoveryLoop.SetError(fmt.Errorf("panic: %v", r))
				log.Printf("recovery loop panic: %v\n%s", r, string(debug.Stack()))
			}
		}()
		runRecoveryLoop(ctx, recoveryManager, cfg.RecoveryInterval, &recoveryLoop)
	}()

	// 幂等缓存清扫（内存实现需要；Redis 实现为空操作）
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := idemManager.ExpireOld(ctx); err != nil {
					log.Printf("Idempotency sweep error: %v", err)
				} else if removed > 0 {
					log.Printf("Idempotency sweep removed %d entries", removed)
				}
			}
		}
	}()

	// 健康检查
	healthSrv := health.New()
	healthSrv.Register(health.NewPostgresChecker(db))
	healthSrv.Register(health.NewRedisChecker(redisHealthClient{client: redisClient}))
	healthSrv.Register(&health.LoopChecker{
		LoopName: "recoveryLoop",
		Monitor:  &recoveryLoop,
		MaxAge:   3 * cfg.RecoveryInterval,
	})
	healthSrv.SetReady(true)

	// HTTP 服务
	mux := http.NewServeMux()
	requireInternalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != cfg.InternalToken {
				commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			next(w, r)
		}
	}
	metricsHandler := metricsCollector.Handler()
	if token := cfg.MetricsToken; token != "" {
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, token) {
				commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			metricsCollector.Handler().ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/live", healthSrv.LiveHandler())
	mux.HandleFunc("/ready", healthSrv.ReadyHandler())
	mux.HandleFunc("/health", healthSrv.HealthHandler())

	// 执行 saga
	mux.HandleFunc("/internal/saga/execute", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request")
			return
		}
		if req.SagaType == "" {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "sagaType required")
			return
		}
		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = commonresp.RequestIDFromRequest(r)
		}

		result, err := executor.Execute(r.Context(), req.SagaType, &saga.Context{
			CorrelationID:  correlationID,
			IdempotencyKey: req.IdempotencyKey,
			User:           req.User,
			Metadata:       req.Metadata,
		})
		if err != nil {
			writeSagaError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, map[string]interface{}{
			"status": "ok",
			"sagaId": strconv.FormatInt(result.SagaID, 10),
			"result": result.Payload,
		})
	}))

	// 查询 saga 状态
	mux.HandleFunc("/v1/sagas", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if correlationID := strings.TrimSpace(r.URL.Query().Get("correlationId")); correlationID != "" {
			states, err := stateStore.GetByCorrelationID(r.Context(), correlationID)
			if err != nil {
				writeInternalError(w, r, err)
				return
			}
			commonresp.WriteJSON(w, toSagaResponses(states))
			return
		}
		status := saga.Status(strings.TrimSpace(r.URL.Query().Get("status")))
		if status == "" {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "status or correlationId required")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		if limit > 1000 {
			limit = 1000
		}
		states, err := stateStore.ListByStatus(r.Context(), status, limit)
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, toSagaResponses(states))
	}))

	mux.HandleFunc("/v1/sagas/", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimPrefix(r.URL.Path, "/v1/sagas/")
		sagaID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || sagaID <= 0 {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid saga id")
			return
		}
		state, err := stateStore.GetByID(r.Context(), sagaID)
		if errors.Is(err, saga.ErrStateNotFound) {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeSagaNotFound, "saga not found")
			return
		}
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, toSagaResponse(state))
	}))

	// 恢复统计
	mux.HandleFunc("/v1/recovery/stats", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		stats, err := recoveryManager.GetRecoveryStats(r.Context())
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		commonresp.WriteJSON(w, stats)
	}))

	handler := limitBodyMiddleware(maxBodyBytes, mux)
	handler = tracing.HTTPMiddleware(handler)
	handler = commonresp.RequestIDMiddleware(handler)
	handler = commonresp.RecoveryMiddleware(handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * cfg.StepTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	healthSrv.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	log.Println("Shutdown complete")
}

type executeRequest struct {
	SagaType       string            `json:"sagaType"`
	CorrelationID  string            `json:"correlationId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	User           saga.User         `json:"user"`
	Metadata       map[string]string `json:"metadata"`
}

type sagaResponse struct {
	SagaID         string               `json:"sagaId"`
	SagaType       string               `json:"sagaType"`
	CorrelationID  string               `json:"correlationId"`
	Status         saga.Status          `json:"status"`
	CurrentStep    int                  `json:"currentStep"`
	CompletedSteps []string             `json:"completedSteps"`
	Result         json.RawMessage      `json:"result,omitempty"`
	Error          *saga.ExecutionError `json:"error,omitempty"`
	CreatedAtMs    int64                `json:"createdAtMs"`
	UpdatedAtMs    int64                `json:"updatedAtMs"`
}

func toSagaResponse(state *saga.State) *sagaResponse {
	steps := make([]string, 0, len(state.CompletedSteps))
	for _, step := range state.CompletedSteps {
		steps = append(steps, step.Name)
	}
	return &sagaResponse{
		SagaID:         strconv.FormatInt(state.SagaID, 10),
		SagaType:       state.SagaType,
		CorrelationID:  state.CorrelationID,
		Status:         state.Status,
		CurrentStep:    state.CurrentStep,
		CompletedSteps: steps,
		Result:         state.Result,
		Error:          state.Error,
		CreatedAtMs:    state.CreatedAtMs,
		UpdatedAtMs:    state.UpdatedAtMs,
	}
}

func toSagaResponses(states []*saga.State) []*sagaResponse {
	resp := make([]*sagaResponse, 0, len(states))
	for _, state := range states {
		if state == nil {
			continue
		}
		resp = append(resp, toSagaResponse(state))
	}
	return resp
}

type sagaErrorResponse struct {
	Status      string            `json:"status"`
	Code        commonerrors.Code `json:"code"`
	Message     string            `json:"message"`
	Step        string            `json:"step,omitempty"`
	Compensated bool              `json:"compensated"`
	RequestID   string            `json:"requestId,omitempty"`
}

// writeSagaError 把执行器的分类错误翻译成对外的错误码。
// 步骤抛出的业务错误（如 DRAFT_NOT_FOUND）优先于 saga 层的包装。
func writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	resp := sagaErrorResponse{
		Status:    "error",
		RequestID: commonresp.RequestIDFromRequest(r),
	}

	var stepErr *saga.StepError
	if errors.As(err, &stepErr) {
		resp.Step = stepErr.Step
		resp.Compensated = true
	}
	var compErr *saga.CompensationError
	if errors.As(err, &compErr) {
		resp.Step = compErr.Step
		resp.Compensated = false
	}

	var appErr *commonerrors.Error
	switch {
	case errors.As(err, new(*saga.ResourceLockedError)):
		resp.Code = commonerrors.CodeResourceLocked
	case errors.Is(err, saga.ErrCompensationFailed):
		resp.Code = commonerrors.CodeCompensationFailed
	case errors.Is(err, saga.ErrSagaTimeout):
		resp.Code = commonerrors.CodeSagaTimeout
	case errors.As(err, &appErr):
		resp.Code = appErr.Code
	case errors.Is(err, saga.ErrUnknownSagaType):
		resp.Code = commonerrors.CodeUnknownSagaType
	case errors.Is(err, saga.ErrMissingCorrelationID):
		resp.Code = commonerrors.CodeCorrelationMissing
	case errors.Is(err, saga.ErrStepFailed):
		resp.Code = commonerrors.CodeSagaStepFailed
	default:
		resp.Code = commonerrors.CodeInternal
	}
	resp.Message = err.Error()

	status := commonerrors.NewWithDefault(resp.Code, "").HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("internal error: %v", err)
	commonresp.WriteErrorCode(w, r, commonerrors.CodeInternal, "internal error")
}

func runRecoveryLoop(ctx context.Context, mgr *recovery.Manager, interval time.Duration, loop *health.LoopMonitor) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loop.Tick()
			report, err := mgr.RecoverStuckSagas(ctx)
			if err != nil {
				loop.SetError(err)
				log.Printf("Recovery pass error: %v", err)
				continue
			}
			if report.Scanned > 0 {
				log.Printf("Recovery pass: scanned=%d compensated=%d failed=%d errors=%d",
					report.Scanned, report.Compensated, report.Failed, report.Errors)
			}
		}
	}
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}

const maxBodyBytes int64 = 4 << 20

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
