package comments

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrConflict indicates that concurrent root or path allocation exhausted its retry budget.
	ErrConflict = errors.New("comments: allocation conflict retries exhausted")
	// ErrStorage indicates that the backing store failed or is unavailable.
	ErrStorage = errors.New("comments: storage unavailable")
	// ErrNotFound indicates that the requested comment does not exist.
	ErrNotFound = errors.New("comments: comment not found")
	// ErrThreadTooDeep indicates that a reply would exceed the configured thread depth.
	ErrThreadTooDeep = errors.New("comments: thread depth exceeded")
	// ErrRootSentinel indicates an operation that is not valid on a root sentinel.
	ErrRootSentinel = errors.New("comments: operation not allowed on root sentinel")
	// ErrRemoved indicates that the comment was removed and can no longer change.
	ErrRemoved = errors.New("comments: comment removed")
	// ErrEditWindowClosed indicates that the edit cooldown since submission has elapsed.
	ErrEditWindowClosed = errors.New("comments: edit window closed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError with the code operation.reason.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StorageError marks err as a storage failure unless it already carries a domain error.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// IsUniqueViolation reports whether err is a duplicate-key failure from the database.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "sqlstate 23505")
}
