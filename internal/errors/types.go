package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 配置错误：缺少凭证或API密钥，任何网络调用之前就应中止
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// 外部服务错误
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeEmbeddingProvider ErrorCode = "EMBEDDING_PROVIDER_ERROR"
	ErrCodeVectorStore       ErrorCode = "VECTOR_STORE_ERROR"
	ErrCodeChatProvider      ErrorCode = "CHAT_PROVIDER_ERROR"

	// 业务逻辑错误
	ErrCodeEmptyInput       ErrorCode = "EMPTY_INPUT"
	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeOperationFailed  ErrorCode = "OPERATION_FAILED"

	// 数据库错误
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// AppError 应用错误结构体
type AppError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Type    ErrorType   `json:"type"`
	Details interface{} `json:"details,omitempty"`
	Cause   error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// 错误构造函数

// NewConfigurationError 创建配置错误（缺少凭证等，整个运行中止）
func NewConfigurationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConfiguration,
		Message: message,
		Type:    ErrorTypeSystem,
	}
}

// NewRateLimitedError 创建限流错误（内部重试耗尽后向上抛出）
func NewRateLimitedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeRateLimited,
		Message: message,
		Type:    ErrorTypeExternal,
	}
}

// NewProviderError 创建不可重试的上游服务错误
func NewProviderError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Type:    ErrorTypeExternal,
	}
}

// NewEmptyInputError 创建空输入错误（按文档记录，不中止批次）
func NewEmptyInputError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeEmptyInput,
		Message: message,
		Type:    ErrorTypeValidation,
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeResourceNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Type:    ErrorTypeBusiness,
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: message,
		Type:    ErrorTypeValidation,
	}
}

// NewDatabaseError 创建数据库错误
func NewDatabaseError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeDatabaseError,
		Message: message,
		Type:    ErrorTypeSystem,
	}
}

// HasCode 判断错误链中是否包含指定错误码
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRateLimited 判断是否为限流错误
func IsRateLimited(err error) bool {
	return HasCode(err, ErrCodeRateLimited)
}

// IsNotFound 判断是否为资源未找到错误
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeResourceNotFound)
}
