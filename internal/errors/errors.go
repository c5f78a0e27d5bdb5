package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Code 表示一次施法流程中的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志与通知。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message  string
	Severity Severity
	// Startup 表示错误发生在任何网络调用之前。
	Startup bool
	// ExitCode 是进程退出时使用的状态码。
	ExitCode int
}

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeUsage               Code = "USAGE"
	CodeMissingEnv          Code = "MISSING_ENV"
	CodeInvalidConfig       Code = "INVALID_CONFIG"
	CodeForkProvision       Code = "FORK_PROVISION_FAILURE"
	CodeRPCFailure          Code = "RPC_FAILURE"
	CodeShareFailure        Code = "SHARE_FAILURE"
	CodeTransactionReverted Code = "TRANSACTION_REVERTED"
	CodeIntegrityFailure    Code = "INTEGRITY_FAILURE"
	CodeScheduleFailure     Code = "SCHEDULE_FAILURE"
	CodeNotificationFailure Code = "NOTIFICATION_FAILURE"
)

var registry = map[Code]Attributes{
	CodeUnknown: {
		Message:  "unknown error",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
	CodeUsage: {
		Message:  "invalid usage",
		Severity: SeverityInfo,
		Startup:  true,
		ExitCode: 2,
	},
	CodeMissingEnv: {
		Message:  "missing environment variables",
		Severity: SeverityInfo,
		Startup:  true,
		ExitCode: 2,
	},
	CodeInvalidConfig: {
		Message:  "invalid configuration",
		Severity: SeverityInfo,
		Startup:  true,
		ExitCode: 2,
	},
	CodeForkProvision: {
		Message:  "fork provisioning failed",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
	CodeRPCFailure: {
		Message:  "fork rpc call failed",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
	CodeShareFailure: {
		Message:  "sharing simulation failed",
		Severity: SeverityWarning,
		ExitCode: 1,
	},
	CodeTransactionReverted: {
		Message:  "transaction reverted",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
	CodeIntegrityFailure: {
		Message:  "spell does not have the hat",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
	CodeScheduleFailure: {
		Message:  "spell scheduling failed",
		Severity: SeverityWarning,
		ExitCode: 1,
	},
	CodeNotificationFailure: {
		Message:  "notification failed",
		Severity: SeverityWarning,
		ExitCode: 1,
	},
}

// attributesOf 返回错误码对应的属性，未登记的错误码按 UNKNOWN 处理。
func attributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、说明、原因以及附加字段。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一个键值对，失败时会一并写入日志。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// New 创建错误，message 为空时使用错误码的默认说明。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = attributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 是带原因的 New。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	text := "[" + string(e.code) + "] " + e.message
	if e.cause == nil {
		return text
	}
	return fmt.Sprintf("%s: %v", text, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 成立。
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

// Metadata 返回附加字段的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

func attributesOfErr(err error) Attributes {
	if e, ok := From(err); ok {
		return attributesOf(e.code)
	}
	return registry[CodeUnknown]
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// SeverityOf 返回错误码登记的严重程度，普通错误视为 critical。
func SeverityOf(err error) Severity {
	return attributesOfErr(err).Severity
}

// IsStartup 判断错误是否发生在任何网络调用之前。
func IsStartup(err error) bool {
	if _, ok := From(err); !ok {
		return false
	}
	return attributesOfErr(err).Startup
}

// ExitCode 返回错误对应的进程退出码，nil 返回 0。
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code := attributesOfErr(err).ExitCode; code != 0 {
		return code
	}
	return 1
}
