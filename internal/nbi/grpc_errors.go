package nbi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/internal/nbi/types"
	"github.com/signalsfoundry/nanoswarm/internal/runner"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, kb.ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, types.ErrDecode),
		errors.Is(err, model.ErrInvalidConfig),
		errors.Is(err, core.ErrInvalidGeometry):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, kb.ErrRunFinished):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, kb.ErrRunExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, runner.ErrComparisonTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
