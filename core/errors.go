package core

import (
	"context"
	"errors"
)

// DomainError 是各模块对外返回的错误。调用方按 Code 决定处理方式，不解析 Message：
//   - NOT_FOUND：用户或物品不存在，服务链路上总是软处理
//   - TIMEOUT：依赖超出延迟预算，该路贡献空结果
//   - UNAVAILABLE：索引或存储整体不可达，至多重试一次
//   - MALFORMED / INVALID_INPUT：输入非法，记录后丢弃，不计入熔断
type DomainError struct {
	Code    string
	Message string
	Module  string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

// Is 让 errors.Is 按模块与错误码匹配哨兵错误，例如 errors.Is(err, ErrStoreNotFound)。
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Module == e.Module && t.Code == e.Code
}

func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// GetDomainError 返回错误链上最外层的 DomainError。
func GetDomainError(err error) *DomainError {
	var d *DomainError
	if errors.As(err, &d) {
		return d
	}
	return nil
}

func NewDomainError(module, code, message string) *DomainError {
	return &DomainError{Module: module, Code: code, Message: message}
}

func WrapDomainError(module, code, message string, err error) *DomainError {
	return &DomainError{Module: module, Code: code, Message: message, Err: err}
}

const (
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeNotSupported  = "NOT_SUPPORTED"
	ErrorCodeUnavailable   = "UNAVAILABLE"
	ErrorCodeTimeout       = "TIMEOUT"
	ErrorCodeMalformed     = "MALFORMED"
	ErrorCodeInvalidInput  = "INVALID_INPUT"
	ErrorCodeInternalError = "INTERNAL_ERROR"
)

// 模块名同时用作日志字段、指标标签与熔断器名前缀。
const (
	ModuleStore    = "store"
	ModuleFeature  = "feature"
	ModuleVector   = "vector"
	ModuleService  = "service"
	ModuleSession  = "session"
	ModuleFeedback = "feedback"
	ModuleModel    = "model"
	ModuleRecall   = "recall"
)

// ErrorCode 返回错误链上的错误码，非领域错误返回空串。
func ErrorCode(err error) string {
	if d := GetDomainError(err); d != nil {
		return d.Code
	}
	return ""
}

func IsNotFound(err error) bool     { return ErrorCode(err) == ErrorCodeNotFound }
func IsNotSupported(err error) bool { return ErrorCode(err) == ErrorCodeNotSupported }
func IsUnavailable(err error) bool  { return ErrorCode(err) == ErrorCodeUnavailable }

// IsMalformed 同时匹配 MALFORMED 与 INVALID_INPUT。
func IsMalformed(err error) bool {
	code := ErrorCode(err)
	return code == ErrorCodeMalformed || code == ErrorCodeInvalidInput
}

// IsTimeout 匹配 TIMEOUT 领域错误和未归一的 context.DeadlineExceeded。
func IsTimeout(err error) bool {
	return ErrorCode(err) == ErrorCodeTimeout || errors.Is(err, context.DeadlineExceeded)
}

// AsTimeout 把 context.DeadlineExceeded 归一为 module 的 TIMEOUT，其余错误原样返回。
func AsTimeout(module string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ErrorCode(err) != ErrorCodeTimeout {
		return WrapDomainError(module, ErrorCodeTimeout, module+": deadline exceeded", err)
	}
	return err
}

func Malformed(module, message string) *DomainError {
	return NewDomainError(module, ErrorCodeMalformed, message)
}
