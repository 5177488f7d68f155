package intellimail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
	ErrLeaseLost         = errors.New("lease lost")
	ErrTransientExternal = errors.New("transient external error")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrPermanentContent  = errors.New("permanent content error")
	ErrVersionConflict   = errors.New("version conflict")
)

type VersionConflictError struct {
	MessageID       string
	ContentHash     string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s@%s: expected %d, current %d", e.MessageID, shortHash(e.ContentHash), e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// QuotaError reports that an owner's token bucket could not serve a request
// before the acquire deadline. RetryAfter estimates when a token will exist.
type QuotaError struct {
	OwnerID    string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for owner %s, retry after %s", e.OwnerID, e.RetryAfter)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExhaustedError lists the stages a final attempt could not compute. The
// result is complete but the task has run out of attempts.
type ExhaustedError struct {
	Failures []*StageError
}

func (e *ExhaustedError) Stages() []Stage {
	out := make([]Stage, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Stage)
	}
	return out
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "attempts exhausted: " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientExternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientExternal, err)
}

// Permanent marks err as a content problem that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanentContent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanentContent, err)
}

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindQuota     ErrorKind = "quota"
	KindPermanent ErrorKind = "permanent"
	KindConflict  ErrorKind = "conflict"
	KindCanceled  ErrorKind = "canceled"
)

func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case errors.Is(err, ErrPermanentContent):
		return KindPermanent
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	default:
		return KindTransient
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
