package server

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/flowqueue/internal/registry"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// errorClass maps a domain error to its HTTP status and gRPC code.
func errorClass(err error) (int, codes.Code) {
	switch {
	case errors.Is(err, taskqueue.ErrTaskNotFound), errors.Is(err, registry.ErrWorkerNotFound):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, taskqueue.ErrTaskFinished), errors.Is(err, taskqueue.ErrTaskLocked):
		return http.StatusConflict, codes.FailedPrecondition
	case types.IsValidationError(err), errors.Is(err, registry.ErrEmptyKey), errors.Is(err, types.ErrMalformedWorkerID):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.Is(err, taskqueue.ErrRateLimited):
		return http.StatusTooManyRequests, codes.ResourceExhausted
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, codes.Unauthenticated
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, codes.PermissionDenied
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	_, code := errorClass(err)
	return status.Error(code, err.Error())
}
