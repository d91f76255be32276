package rpc

import "github.com/descartes-run/descartes/internal/errkind"

// CodeForKind maps a closed errkind.Kind to a JSON-RPC error code in the
// daemon-specific range below -32000, so every RPC handler reports one
// distinct code per error kind instead of collapsing everything to
// CodeServerError. validation uses the JSON-RPC spec's own
// CodeInvalidParams rather than a daemon-range code, since it already
// means exactly that.
func CodeForKind(k errkind.Kind) int {
	switch k {
	case errkind.Validation:
		return CodeInvalidParams
	case errkind.NotFound:
		return CodeNotFound
	case errkind.Conflict:
		return CodeConflict
	case errkind.Exhausted:
		return CodeExhausted
	case errkind.Timeout:
		return CodeTimeout
	case errkind.Cancelled:
		return CodeCancelled
	case errkind.BackendUnavailable:
		return CodeBackendUnavailable
	case errkind.IO:
		return CodeIOError
	default:
		return CodeInternalError
	}
}

// FromError converts any error into an *Error. An error that already is
// an *Error (a handler-constructed protocol error, e.g. bad params)
// passes through unchanged; anything else is translated via its
// errkind.Kind.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return &Error{Code: CodeForKind(errkind.KindOf(err)), Message: err.Error()}
}
