// Package quiver provides the shared error taxonomy and gRPC status mapping
// for the quiver vector binding layer. The domain packages (vector, engine)
// return these types so callers can branch with errors.As and services can
// surface meaningful status codes.
package quiver

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// Domain-Specific Error Types
// =============================================================================

// ErrNotFound indicates a requested resource does not exist.
type ErrNotFound struct {
	Resource string
	Name     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Name)
}

// ErrAlreadyExists indicates a resource with the same name is already present.
type ErrAlreadyExists struct {
	Resource string
	Name     string
}

func (e *ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.Name)
}

// ErrInvalidArgument indicates invalid input from the caller.
type ErrInvalidArgument struct {
	Field   string
	Message string
}

func (e *ErrInvalidArgument) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid argument for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid argument: %s", e.Message)
}

// ErrTypeMismatch indicates a vector payload with the wrong element or
// column type.
type ErrTypeMismatch struct {
	Expected string
	Actual   string
}

func (e *ErrTypeMismatch) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ErrShape indicates a vector payload with the wrong rank or dimensionality.
type ErrShape struct {
	Field   string
	Message string
}

func (e *ErrShape) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid shape for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid shape: %s", e.Message)
}

// ErrUnsupportedType indicates an input variant the normalizer does not
// recognize.
type ErrUnsupportedType struct {
	Type string
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported vector data %s: must be a fixed size list array, a fixed shape tensor array or a rank-2 tensor", e.Type)
}

// ErrAccuracy indicates an index that failed its recall sanity check.
// Passes and Total are the observed counts after NaN filtering.
type ErrAccuracy struct {
	Passes    int
	Total     int
	Threshold float64
}

func (e *ErrAccuracy) Error() string {
	return fmt.Sprintf("vector index failed sanity check, only %d/%d passed", e.Passes, e.Total)
}

// =============================================================================
// Error Constructors
// =============================================================================

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource, name string) error {
	return &ErrNotFound{Resource: resource, Name: name}
}

// NewAlreadyExistsError creates an already exists error.
func NewAlreadyExistsError(resource, name string) error {
	return &ErrAlreadyExists{Resource: resource, Name: name}
}

// NewInvalidArgumentError creates an invalid argument error.
func NewInvalidArgumentError(field, message string) error {
	return &ErrInvalidArgument{Field: field, Message: message}
}

// NewTypeMismatchError creates a type mismatch error.
func NewTypeMismatchError(expected, actual string) error {
	return &ErrTypeMismatch{Expected: expected, Actual: actual}
}

// NewShapeError creates a shape error.
func NewShapeError(field, message string) error {
	return &ErrShape{Field: field, Message: message}
}

// NewUnsupportedTypeError creates an unsupported type error.
func NewUnsupportedTypeError(typeName string) error {
	return &ErrUnsupportedType{Type: typeName}
}

// NewAccuracyError creates an accuracy error from observed counts.
func NewAccuracyError(passes, total int, threshold float64) error {
	return &ErrAccuracy{Passes: passes, Total: total, Threshold: threshold}
}

// =============================================================================
// gRPC Status Code Mapping
// =============================================================================

// ToGRPCStatus converts a domain error to a gRPC status error with the
// appropriate code so services embedding quiver can return it directly.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		notFoundErr      *ErrNotFound
		alreadyExistsErr *ErrAlreadyExists
		invalidArgErr    *ErrInvalidArgument
		typeMismatchErr  *ErrTypeMismatch
		shapeErr         *ErrShape
		unsupportedErr   *ErrUnsupportedType
		accuracyErr      *ErrAccuracy
	)

	switch {
	case errors.As(err, &notFoundErr):
		return status.Error(codes.NotFound, err.Error())

	case errors.As(err, &alreadyExistsErr):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.As(err, &invalidArgErr):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.As(err, &typeMismatchErr):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.As(err, &shapeErr):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.As(err, &unsupportedErr):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.As(err, &accuracyErr):
		// A failed sanity check means the index no longer reflects its data.
		return status.Error(codes.DataLoss, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// MustToGRPCStatus is like ToGRPCStatus but panics if conversion fails.
// Useful for testing.
func MustToGRPCStatus(err error) error {
	result := ToGRPCStatus(err)
	if result == nil && err != nil {
		panic(fmt.Sprintf("failed to convert error to gRPC status: %v", err))
	}
	return result
}
