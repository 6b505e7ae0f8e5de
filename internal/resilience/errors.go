package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError wraps an error that is safe to retry (e.g., connection
// loss, serialization failure, lock timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// TypeMismatchError reports a metric whose declared value type does not
// match the supplied value. It is localized to the offending metric: the
// rest of the bundle proceeds and the mismatch is recorded in the job
// output rather than failing the job.
type TypeMismatchError struct {
	Key      string
	Declared string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return "metric " + e.Key + ": declared type " + e.Declared + ", got " + e.Got
}

// IntegrityViolation wraps a storage-level constraint failure (unique,
// check, foreign key). The surrounding transaction has been rolled back;
// the job is eligible for retry, where idempotent ingestion absorbs it.
type IntegrityViolation struct {
	Constraint string
	Err        error
}

func (e *IntegrityViolation) Error() string {
	if e.Constraint != "" {
		return "integrity violation on " + e.Constraint + ": " + e.Err.Error()
	}
	return "integrity violation: " + e.Err.Error()
}

func (e *IntegrityViolation) Unwrap() error {
	return e.Err
}

// IsIntegrityViolation reports whether the error chain carries a storage
// constraint failure, either wrapped explicitly or as a raw driver error.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	var iv *IntegrityViolation
	if errors.As(err, &iv) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23: integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "23")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "check constraint") ||
		strings.Contains(msg, "foreign key constraint")
}

// WrapIntegrity classifies a raw storage error, wrapping it as an
// IntegrityViolation when it is one and returning it unchanged otherwise.
func WrapIntegrity(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return &IntegrityViolation{Constraint: pgErr.ConstraintName, Err: err}
	}
	return err
}

// ClassifyError categorizes an error as "transient" or "permanent" for
// audit records.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches known transient storage and network
// failure patterns (connection loss, serialization failures, lock
// contention).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001": // serialization_failure
			return true
		case pgErr.Code == "40P01": // deadlock_detected
			return true
		case pgErr.Code == "55P03": // lock_not_available
			return true
		case pgErr.Code == "57014": // query_canceled (statement timeout)
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped driver errors.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"conn closed",
		"connection refused",
		"database is locked",
		"database table is locked",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
