package coord

import (
	"context"
	"errors"

	"github.com/roach88/vend/internal/idempotency"
	"github.com/roach88/vend/internal/lock"
	"github.com/roach88/vend/internal/operation"
	"github.com/roach88/vend/internal/protocol"
	"github.com/roach88/vend/internal/replay"
)

var errForbidden = errors.New("caller is not privileged")

// sentinelCodes maps manager errors to response codes.
var sentinelCodes = []struct {
	err  error
	code protocol.ErrorCode
}{
	{lock.ErrNotFound, protocol.CodeLockNotFound},
	{lock.ErrOwnershipMismatch, protocol.CodeLockOwnershipMismatch},
	{lock.ErrTimeout, protocol.CodeLockTimeout},
	{lock.ErrInvalidArgument, protocol.CodeInvalidArgument},
	{idempotency.ErrInvalidArgument, protocol.CodeInvalidArgument},
	{operation.ErrNotFound, protocol.CodeOperationNotFound},
	{operation.ErrCannotCancel, protocol.CodeOperationCannotCancel},
	{operation.ErrNotCancelable, protocol.CodeOperationCannotCancel},
	{operation.ErrCancelled, protocol.CodeOperationCancelled},
	{operation.ErrInvalidArgument, protocol.CodeInvalidArgument},
	{replay.ErrNotFound, protocol.CodeReplayNotFound},
	{replay.ErrCannotTransition, protocol.CodeReplayCannotTransition},
	{replay.ErrInvalidArgument, protocol.CodeInvalidArgument},
	{errFunctionNotFound, protocol.CodeFunctionNotFound},
	{errForbidden, protocol.CodeForbidden},
}

// classify turns err into a response error. Known sentinels keep their
// meaning; anything else gets fallback.
func classify(err error, fallback protocol.ErrorCode) *protocol.Error {
	if pe, ok := protocol.AsError(err); ok {
		return pe
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return protocol.NewError(sc.code, "%s", err.Error())
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewError(protocol.CodeInternalError, "%s", err.Error())
	}
	return protocol.NewError(fallback, "%s", err.Error())
}

// storageError classifies errors returned by managers. Unknown errors come
// from the store.
func storageError(err error) *protocol.Error {
	return classify(err, protocol.CodeInternalStorageError)
}

// handlerError classifies errors returned by function handlers.
func handlerError(err error) *protocol.Error {
	return classify(err, protocol.CodeFunctionError)
}
