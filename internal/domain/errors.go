package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific
// errors.
var (
	ErrNotFound        = fmt.Errorf("not found")
	ErrInvalidState    = fmt.Errorf("operation not permitted from current state")
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrNoEligibleAgent = fmt.Errorf("no eligible agent")
	ErrSpawnFailure    = fmt.Errorf("process spawn failed")
	ErrLimitReached    = fmt.Errorf("limit reached")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrDuplicate       = fmt.Errorf("duplicate")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Dispatcher.Assign")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "task", "channel"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem so
// ErrorCodeOf can map the sentinel + subsystem pair to a specific code.
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

// ErrorCode is a machine-parseable error category for monitoring and
// REST-layer dispatch.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeNoEligibleAgent ErrorCode = "NO_ELIGIBLE_AGENT"
	CodeSpawnFailure    ErrorCode = "SPAWN_FAILURE"
	CodeLimitReached    ErrorCode = "LIMIT_REACHED"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeDuplicate       ErrorCode = "DUPLICATE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeTaskNotFound      ErrorCode = "TASK_NOT_FOUND"
	CodeProcessNotFound   ErrorCode = "PROCESS_NOT_FOUND"
	CodeChannelNotFound   ErrorCode = "CHANNEL_NOT_FOUND"
	CodeCollabNotFound    ErrorCode = "COLLABORATION_NOT_FOUND"
	CodeTaskInvalidState  ErrorCode = "TASK_INVALID_STATE"
	CodeQueueLimit        ErrorCode = "QUEUE_LIMIT"
	CodeSendRateLimit     ErrorCode = "SEND_RATE_LIMIT"
	CodeRestartsExhausted ErrorCode = "RESTARTS_EXHAUSTED"
)

// errorCodeMap maps sentinel errors to their fallback codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrInvalidState:    CodeInvalidState,
	ErrInvalidInput:    CodeInvalidInput,
	ErrNoEligibleAgent: CodeNoEligibleAgent,
	ErrSpawnFailure:    CodeSpawnFailure,
	ErrLimitReached:    CodeLimitReached,
	ErrTimeout:         CodeTimeout,
	ErrDuplicate:       CodeDuplicate,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":         CodeAgentNotFound,
		"task":          CodeTaskNotFound,
		"process":       CodeProcessNotFound,
		"channel":       CodeChannelNotFound,
		"collaboration": CodeCollabNotFound,
	},
	ErrInvalidState: {
		"task": CodeTaskInvalidState,
	},
	ErrLimitReached: {
		"queue":   CodeQueueLimit,
		"send":    CodeSendRateLimit,
		"restart": CodeRestartsExhausted,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given
// error. It unwraps DomainError and uses errors.Is to match sentinels.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

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

// HTTPStatusOf maps an error to the status a REST caller should return:
// not-found errors to 404, state and validation errors to 400, rate and
// queue limits to 429, spawn failures and everything unknown to 500.
// An exhausted restart budget is a server-side failure, not throttling,
// so it maps to 500 despite carrying the limit sentinel.
func HTTPStatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNoEligibleAgent),
		errors.Is(err, ErrDuplicate):
		return http.StatusBadRequest
	case errors.Is(err, ErrLimitReached):
		if ErrorCodeOf(err) == CodeRestartsExhausted {
			return http.StatusInternalServerError
		}
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
