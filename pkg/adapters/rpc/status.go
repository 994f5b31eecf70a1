package rpc

import (
	"context"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatus converts a domain error into a gRPC status error
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidTaskType),
		domain.IsValidationError(err):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotAuthorized):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrInvalidTaskState),
		errors.Is(err, domain.ErrInvalidReplicaState):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrNoWorkerServiceMatch):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// FromStatus converts a gRPC status error back into the domain taxonomy
// where a matching sentinel exists
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.Wrap(domain.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return errors.Wrap(domain.ErrInvalidInput, st.Message())
	case codes.PermissionDenied:
		return errors.Wrap(domain.ErrNotAuthorized, st.Message())
	case codes.Canceled:
		return errors.Wrap(context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return errors.Wrap(context.DeadlineExceeded, st.Message())
	}
	return err
}
