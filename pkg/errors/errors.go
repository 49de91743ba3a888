// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	// Saga 执行 (2xxx)
	CodeUnknownSagaType    Code = "UNKNOWN_SAGA_TYPE"
	CodeResourceLocked     Code = "RESOURCE_LOCKED"
	CodeSagaStepFailed     Code = "SAGA_STEP_FAILED"
	CodeCompensationFailed Code = "COMPENSATION_FAILED"
	CodeSagaTimeout        Code = "SAGA_TIMEOUT"
	CodeSagaNotFound       Code = "SAGA_NOT_FOUND"
	CodeCorrelationMissing Code = "CORRELATION_ID_MISSING"

	// 记录 (3xxx)
	CodeRecordNotFound  Code = "RECORD_NOT_FOUND"
	CodeRecordExists    Code = "RECORD_EXISTS"
	CodeRecordArchived  Code = "RECORD_ARCHIVED"
	CodeDraftNotFound   Code = "DRAFT_NOT_FOUND"
	CodeInvalidRecordID Code = "INVALID_RECORD_ID"

	// 系统 (9xxx)
	CodeSystemBusy      Code = "SYSTEM_BUSY"
	CodeMaintenanceMode Code = "MAINTENANCE_MODE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault 创建错误，message 为空时使用错误码默认描述
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeResourceLocked, CodeSystemBusy, CodeTimeout,
		CodeSagaTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidRecordID,
		CodeCorrelationMissing, CodeUnknownSagaType:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound, CodeRecordNotFound, CodeDraftNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeRecordExists, CodeResourceLocked:
		return http.StatusConflict
	case CodeRecordArchived:
		return http.StatusGone
	case CodeSagaStepFailed, CodeCompensationFailed:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeMaintenanceMode:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeSagaTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrUnauthenticated  = New(CodeUnauthenticated, "unauthenticated")
	ErrPermissionDenied = New(CodePermissionDenied, "permission denied")
	ErrResourceLocked   = New(CodeResourceLocked, "resource locked by another operation")
	ErrSagaNotFound     = New(CodeSagaNotFound, "saga not found")
	ErrRecordNotFound   = New(CodeRecordNotFound, "record not found")
	ErrSystemBusy       = New(CodeSystemBusy, "system busy, please retry")
)
