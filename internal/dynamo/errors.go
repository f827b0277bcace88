package dynamo

import (
	"errors"
	"fmt"
)

// Domain errors returned up to the orchestration layer. The core never
// retries; the caller decides how to recover.
var (
	// ErrDomainNotFound indicates a coupling or step referenced an unknown domain.
	ErrDomainNotFound = errors.New("dynamo: domain not found")

	// ErrConvergenceFailure indicates implicit coupling hit max iterations.
	ErrConvergenceFailure = errors.New("dynamo: coupling iteration did not converge")

	// ErrConservationViolation indicates drift that correction could not resolve.
	ErrConservationViolation = errors.New("dynamo: conservation violation")

	// ErrMissingViolationInfo indicates a violation lacked the metadata needed to correct it.
	ErrMissingViolationInfo = errors.New("dynamo: violation is missing required information")

	// ErrSynchronizationFailed indicates temporal synchronization did not converge.
	ErrSynchronizationFailed = errors.New("dynamo: temporal synchronization failed")

	// ErrExtrapolation indicates a state was requested outside recorded history.
	ErrExtrapolation = errors.New("dynamo: extrapolation outside recorded history")

	// ErrInvalidState indicates a state vector with invalid dimensions or values.
	ErrInvalidState = errors.New("dynamo: invalid state (NaN or Inf detected)")

	// ErrTimeMisaligned indicates domains were not at a common time when required.
	ErrTimeMisaligned = errors.New("dynamo: domain times are not aligned")

	// ErrStepRejected is returned by an adaptive integrator whose attempt
	// failed its error test; the suggested step size is still valid.
	ErrStepRejected = errors.New("dynamo: adaptive step rejected")
)

type DomainNotFoundError struct {
	ID      DomainID
	Context string
}

func (e *DomainNotFoundError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%v: %q", ErrDomainNotFound, e.ID)
	}
	return fmt.Sprintf("%v: %q (%s)", ErrDomainNotFound, e.ID, e.Context)
}

func (e *DomainNotFoundError) Unwrap() error { return ErrDomainNotFound }

// ConvergenceError carries the residual trace of a failed implicit step.
type ConvergenceError struct {
	Iterations int
	Tolerance  float64
	Residuals  []float64
}

func (e *ConvergenceError) Error() string {
	last := 0.0
	if n := len(e.Residuals); n > 0 {
		last = e.Residuals[n-1]
	}
	return fmt.Sprintf("%v after %d iterations (residual %.3e > tolerance %.3e)",
		ErrConvergenceFailure, e.Iterations, last, e.Tolerance)
}

func (e *ConvergenceError) Unwrap() error { return ErrConvergenceFailure }

// ConservationViolationError reports the residual a transfer or audit
// could not eliminate.
type ConservationViolationError struct {
	Quantity  string
	Where     string
	Residual  float64
	Tolerance float64
}

func (e *ConservationViolationError) Error() string {
	return fmt.Sprintf("%v: %s at %s (relative residual %.3e > %.3e)",
		ErrConservationViolation, e.Quantity, e.Where, e.Residual, e.Tolerance)
}

func (e *ConservationViolationError) Unwrap() error { return ErrConservationViolation }

type MissingViolationInfoError struct {
	Violation string
	Missing   string
}

func (e *MissingViolationInfoError) Error() string {
	return fmt.Sprintf("%v: %s has no %s", ErrMissingViolationInfo, e.Violation, e.Missing)
}

func (e *MissingViolationInfoError) Unwrap() error { return ErrMissingViolationInfo }

// SyncError reports a synchronization that ended in the Failed phase.
type SyncError struct {
	Target     float64
	Iterations int
	Divergence float64
	Tolerance  float64
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%v at t=%.6g after %d corrections (divergence %.3e > %.3e)",
		ErrSynchronizationFailed, e.Target, e.Iterations, e.Divergence, e.Tolerance)
}

func (e *SyncError) Unwrap() error { return ErrSynchronizationFailed }

// StepError wraps an error with the domain and time it occurred at.
type StepError struct {
	Domain  DomainID
	Time    float64
	Wrapped error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("domain %s (t=%.6g): %v", e.Domain, e.Time, e.Wrapped)
}

func (e *StepError) Unwrap() error { return e.Wrapped }
