package model

import (
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors, matched with errors.Is against the typed errors below.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrEmptySegment     = errors.New("no vehicles in segment")
)

// ValidationError reports a malformed id or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown vehicle, grant or segment.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// PermissionDeniedError is returned when a vehicle lacks priority clearance.
type PermissionDeniedError struct {
	VehicleID string
	Priority  int
	Required  int
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("vehicle %q does not have priority clearance (level %d, need %d)",
		e.VehicleID, e.Priority, e.Required)
}

func (e *PermissionDeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// EmptySegmentError is returned when a road segment has no vehicles to analyze.
type EmptySegmentError struct {
	SegmentID string
}

func (e *EmptySegmentError) Error() string {
	return fmt.Sprintf("no vehicles in segment %q", e.SegmentID)
}

func (e *EmptySegmentError) Unwrap() error {
	return ErrEmptySegment
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound returns true if err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPermissionDenied returns true if err is or wraps a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// IsEmptySegment returns true if err is or wraps an EmptySegmentError.
func IsEmptySegment(err error) bool {
	var es *EmptySegmentError
	return errors.As(err, &es)
}

// ErrorCode maps an error to a short machine-readable code for adapters.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsPermissionDenied(err):
		return "permission_denied"
	case IsEmptySegment(err):
		return "empty_segment"
	default:
		return "internal"
	}
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ValidateID checks that an entity id is 1-64 characters of [A-Za-z0-9_.:-].
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "must not be empty")
	}
	if !idPattern.MatchString(id) {
		return NewValidationError(field, fmt.Sprintf("%q must be 1-64 characters of [A-Za-z0-9_.:-]", id))
	}
	return nil
}
