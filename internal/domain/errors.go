package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve
// the (sentinel, subsystem) pair to a specific monitoring code.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrUnauthorized  = fmt.Errorf("authentication failed")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound   = fmt.Errorf("tool not found")
	ErrToolFailure    = fmt.Errorf("tool execution failed")
	ErrDispatchFailed = fmt.Errorf("pipeline dispatch failed")
	ErrConfigLoad     = fmt.Errorf("failed to load configuration")
	ErrEncryption     = fmt.Errorf("encryption operation failed")
	ErrDecryption     = fmt.Errorf("decryption failed")
	ErrStoreFailure   = fmt.Errorf("run store operation failed")
	ErrAuditWrite     = fmt.Errorf("audit log write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Sequencer.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "devops"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code; subsystem-tagged
// category sentinels may resolve to a more specific code via subSystemCodeMap.
const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure    ErrorCode = "TOOL_FAILURE"
	CodeDispatchFailed ErrorCode = "DISPATCH_FAILED"
	CodeConfigLoad     ErrorCode = "CONFIG_LOAD"
	CodeEncryption     ErrorCode = "ENCRYPTION"
	CodeDecryption     ErrorCode = "DECRYPTION"
	CodeStoreFailure   ErrorCode = "STORE_FAILURE"
	CodeAuditWrite     ErrorCode = "AUDIT_WRITE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeWorkItemNotFound   ErrorCode = "WORK_ITEM_NOT_FOUND"
	CodePipelineNotFound   ErrorCode = "PIPELINE_NOT_FOUND"
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowMaxRunning ErrorCode = "WORKFLOW_MAX_RUNNING"
	CodeWorkflowTimeout    ErrorCode = "WORKFLOW_TIMEOUT"
	CodeWorkflowInvalid    ErrorCode = "WORKFLOW_INVALID_STEP"
	CodeDevOpsUnauthorized ErrorCode = "DEVOPS_UNAUTHORIZED"
	CodeDevOpsRateLimit    ErrorCode = "DEVOPS_RATE_LIMIT"
	CodeDevOpsUnavailable  ErrorCode = "DEVOPS_UNAVAILABLE"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeRateLimit     ErrorCode = "RATE_LIMIT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrUnauthorized:  CodeUnauthorized,
	ErrRateLimit:     CodeRateLimit,
	ErrProviderError: CodeProviderError,

	// Domain sentinels.
	ErrToolNotFound:   CodeToolNotFound,
	ErrToolFailure:    CodeToolFailure,
	ErrDispatchFailed: CodeDispatchFailed,
	ErrConfigLoad:     CodeConfigLoad,
	ErrEncryption:     CodeEncryption,
	ErrDecryption:     CodeDecryption,
	ErrStoreFailure:   CodeStoreFailure,
	ErrAuditWrite:     CodeAuditWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workitem": CodeWorkItemNotFound,
		"pipeline": CodePipelineNotFound,
		"workflow": CodeWorkflowNotFound,
	},
	ErrTimeout: {
		"workflow": CodeWorkflowTimeout,
	},
	ErrLimitReached: {
		"workflow": CodeWorkflowMaxRunning,
	},
	ErrInvalidInput: {
		"workflow": CodeWorkflowInvalid,
	},
	ErrUnauthorized: {
		"devops": CodeDevOpsUnauthorized,
	},
	ErrRateLimit: {
		"devops": CodeDevOpsRateLimit,
	},
	ErrProviderError: {
		"devops": CodeDevOpsUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
