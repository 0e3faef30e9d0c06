package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// toStatus maps a key-lifecycle error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch kerrors.KindOf(err) {
	case kerrors.KindNotFound:
		code = codes.NotFound
	case kerrors.KindConflict:
		code = codes.FailedPrecondition
		if errors.Is(err, kerrors.ErrAlreadyExists) {
			code = codes.AlreadyExists
		}
	case kerrors.KindIntegrity:
		code = codes.DataLoss
	case kerrors.KindFormat:
		code = codes.InvalidArgument
	case kerrors.KindPolicy, kerrors.KindState:
		code = codes.FailedPrecondition
	case kerrors.KindIO:
		code = codes.Internal
	default:
		switch {
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		default:
			code = codes.Internal
		}
	}
	return status.Error(code, err.Error())
}
