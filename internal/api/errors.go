package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/coordinator"
	"github.com/matheus3301/nebula/internal/realtime"
)

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var (
		verrs validator.ValidationErrors
		se    *backend.StatusError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, coordinator.ErrNoUser), errors.Is(err, backend.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, coordinator.ErrNoActiveConversation), errors.Is(err, call.ErrIllegalTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, coordinator.ErrUnknownContact), errors.Is(err, coordinator.ErrUnknownMessage), errors.Is(err, backend.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, coordinator.ErrBlocked):
		code = codes.PermissionDenied
	case errors.Is(err, coordinator.ErrEmptyMessage), errors.As(err, &verrs):
		code = codes.InvalidArgument
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, coordinator.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.As(err, &se) && se.Code >= http.StatusBadRequest && se.Code < http.StatusInternalServerError:
		code = codes.InvalidArgument
	case errors.As(err, &se):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}
