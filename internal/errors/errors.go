// Package errors 定义全系统共用的错误码、错误类别与带上下文的错误类型。
//
// 每个错误码在注册表中绑定一组属性（类别、严重程度、是否告警）；引擎按类别
// 决定步骤的去向：瞬时错误重试，结构错误在创建时拒绝，执行与序列化错误使步骤失败。
package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 是错误码所属的处理类别。
type Class string

const (
	// ClassStructural 表示输入本身不合法，重试不会改变结果。
	ClassStructural Class = "structural"
	// ClassState 表示请求与资源当前状态冲突，例如不存在或已结束。
	ClassState Class = "state"
	// ClassTransient 表示依赖暂时不可用，稍后重试可能成功。
	ClassTransient Class = "transient"
	// ClassExecution 表示执行阶段的终态失败。
	ClassExecution Class = "execution"
	// ClassSerialization 表示数据无法转换为目标格式，需要保留完整上下文排查。
	ClassSerialization Class = "serialization"
	// ClassInternal 表示未分类的内部错误。
	ClassInternal Class = "internal"
)

// Attributes 是错误码的默认属性。
type Attributes struct {
	Message  string
	Class    Class
	Severity Severity
	Alert    bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Class: ClassInternal, Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Class: ClassStructural, Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Class: ClassState, Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Class: ClassState, Severity: SeverityWarning},
		CodeRetriesExhausted:      {Message: "retries exhausted", Class: ClassExecution, Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Class: ClassTransient, Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Class: ClassTransient, Severity: SeverityCritical, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Class: ClassTransient, Severity: SeverityCritical, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Class: ClassTransient, Severity: SeverityWarning},
	}
)

// Register 在包初始化阶段登记错误码；未指定类别时按内部错误处理。
func Register(code Code, attr Attributes) {
	if attr.Class == "" {
		attr.Class = ClassInternal
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、可读信息、原因与排查所需的元数据。
//
// 属性在读取时按错误码查询注册表，因此包级变量中的错误也能得到 init 中注册的属性。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定制新建的错误。
type Option func(*Error)

// WithMetadata 附加一条元数据，例如 pipeline_id、step_id。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建错误；message 为空时使用注册的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 cause 为原因创建错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, ErrXxx) 与具体信息无关。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含原因的可读信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) attributes() Attributes {
	return AttributesOf(e.Code())
}

// Class 返回错误类别。
func (e *Error) Class() Class { return e.attributes().Class }

// Retryable 仅对瞬时类错误成立。
func (e *Error) Retryable() bool { return e.attributes().Class == ClassTransient }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e.attributes().Alert }

// Severity 返回严重程度。
func (e *Error) Severity() Severity { return e.attributes().Severity }

// LogValue 实现 slog.LogValuer，日志中按字段展开错误。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("class", string(e.Class())),
		slog.String("message", e.message),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for k, v := range e.metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// From 在错误链中查找最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码；非 *Error 返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ClassOf 返回错误类别；非 *Error 按内部错误处理。
func ClassOf(err error) Class {
	if e, ok := From(err); ok {
		return e.Class()
	}
	return ClassInternal
}

// RetryableError 判断任意 error 是否属于瞬时类。
func RetryableError(err error) bool {
	return ClassOf(err) == ClassTransient
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回严重程度；非 *Error 按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}
