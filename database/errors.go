package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrorCode identifies a database failure class.
type ErrorCode string

// Connection and server error codes
const (
	CodeAccessDenied    ErrorCode = "ACCESS_DENIED"
	CodeUnknownDatabase ErrorCode = "UNKNOWN_DATABASE"
	CodeHostNotAllowed  ErrorCode = "HOST_NOT_ALLOWED"
	CodeConnRefused     ErrorCode = "CONN_REFUSED"
	CodeConnReset       ErrorCode = "CONN_RESET"
	CodeConnLost        ErrorCode = "CONN_LOST"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeLockWaitTimeout ErrorCode = "LOCK_WAIT_TIMEOUT"
	CodeDeadlock        ErrorCode = "DEADLOCK"
	CodePoolBusy        ErrorCode = "POOL_BUSY"
	CodeResourceBusy    ErrorCode = "RESOURCE_BUSY"
	CodeUnknown         ErrorCode = "UNKNOWN"
)

// Logical errors are programmer mistakes: never retried, surfaced synchronously.
var (
	ErrInvalidTxState    = errors.New("invalid transaction state")
	ErrTxFinished        = errors.New("transaction already finished")
	ErrSavepointNotFound = errors.New("savepoint not found")
	ErrSavepointOrder    = errors.New("savepoint released out of stack order")
	ErrSavepointName     = errors.New("invalid savepoint name")
	ErrManagerDestroyed  = errors.New("connection manager destroyed")
	ErrPoolClosed        = errors.New("connection pool closed")
	ErrMonitorRunning    = errors.New("health monitor already running")
)

// classification is a static lookup keyed by error code. A code present
// here is always acted upon the same way; unknown codes default to
// non-retryable, non-fatal and are surfaced as-is.
type classification struct {
	fatal     bool
	retryable bool
	hint      string
}

var classifications = map[ErrorCode]classification{
	CodeAccessDenied:    {fatal: true, hint: "check database credentials"},
	CodeUnknownDatabase: {fatal: true, hint: "check database name or create the schema"},
	CodeHostNotAllowed:  {fatal: true, hint: "grant access for this host on the server"},
	CodeConnRefused:     {retryable: true, hint: "check that the database server is running"},
	CodeConnReset:       {retryable: true, hint: "server closed the connection, will retry"},
	CodeConnLost:        {retryable: true, hint: "connection dropped mid-operation"},
	CodeTimeout:         {retryable: true, hint: "operation timed out, consider raising timeouts"},
	CodeLockWaitTimeout: {retryable: true, hint: "lock wait exceeded, retry the transaction"},
	CodeDeadlock:        {retryable: true, hint: "deadlock detected, retry the transaction"},
	CodePoolBusy:        {retryable: true, hint: "too many connections, lower pool size or raise server limit"},
	CodeResourceBusy:    {retryable: true, hint: "resource busy, retry shortly"},
}

// ConnError is the structured error surfaced by the resilience layer.
// Fatal and Retryable come from the classification table; retry context
// (Attempts, Elapsed) is attached by the retry executor before rethrow.
type ConnError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Fatal      bool          `json:"fatal"`
	Retryable  bool          `json:"retryable"`
	Hint       string        `json:"hint,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
	Attempts   int           `json:"attempts,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ConnError) Unwrap() error {
	return e.Cause
}

// NewConnError creates a ConnError with flags filled from the
// classification table.
func NewConnError(code ErrorCode, message string) *ConnError {
	c := classifications[code]
	return &ConnError{
		Code:       code,
		Message:    message,
		Fatal:      c.fatal,
		Retryable:  c.retryable,
		Hint:       c.hint,
		OccurredAt: time.Now(),
	}
}

// WithCause adds a cause to the error.
func (e *ConnError) WithCause(cause error) *ConnError {
	e.Cause = cause
	return e
}

// WithRetryContext attaches attempt count and elapsed time.
func (e *ConnError) WithRetryContext(attempts int, elapsed time.Duration) *ConnError {
	e.Attempts = attempts
	e.Elapsed = elapsed
	return e
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error) *ConnError {
	if err == nil {
		return nil
	}

	var ce *ConnError
	if errors.As(err, &ce) {
		return ce
	}

	code := codeFor(err)
	return NewConnError(code, err.Error()).WithCause(err)
}

func codeFor(err error) ErrorCode {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045:
			return CodeAccessDenied
		case 1049:
			return CodeUnknownDatabase
		case 1130:
			return CodeHostNotAllowed
		case 1205:
			return CodeLockWaitTimeout
		case 1213:
			return CodeDeadlock
		case 1040, 1203:
			return CodePoolBusy
		}
		return CodeUnknown
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return CodeConnLost
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	// 字符串兜底匹配，覆盖驱动未结构化的错误（含 SQLite busy/locked）
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"):
		return CodeAccessDenied
	case strings.Contains(msg, "unknown database"):
		return CodeUnknownDatabase
	case strings.Contains(msg, "connection refused"):
		return CodeConnRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return CodeConnReset
	case strings.Contains(msg, "bad connection"), strings.Contains(msg, "invalid connection"):
		return CodeConnLost
	case strings.Contains(msg, "lock wait timeout"):
		return CodeLockWaitTimeout
	case strings.Contains(msg, "deadlock"):
		return CodeDeadlock
	case strings.Contains(msg, "too many connections"):
		return CodePoolBusy
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "resource busy"):
		return CodeResourceBusy
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timeout"):
		return CodeTimeout
	}

	return CodeUnknown
}

// IsRetryable reports whether an error is classified transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	c, ok := classifications[codeFor(err)]
	return ok && c.retryable
}

// IsFatal reports whether an error is classified fatal. Fatal errors are
// never retried regardless of any predicate.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Fatal
	}
	c, ok := classifications[codeFor(err)]
	return ok && c.fatal
}

// CodeOf extracts the error code, or CodeUnknown for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return codeFor(err)
}

// IsLogical reports whether an error is a programmer error from this
// package (invalid state, savepoint misuse, use after destroy).
func IsLogical(err error) bool {
	return errors.Is(err, ErrInvalidTxState) ||
		errors.Is(err, ErrTxFinished) ||
		errors.Is(err, ErrSavepointNotFound) ||
		errors.Is(err, ErrSavepointOrder) ||
		errors.Is(err, ErrSavepointName) ||
		errors.Is(err, ErrManagerDestroyed) ||
		errors.Is(err, ErrPoolClosed)
}
