// Package errors provides structured error types for the gpu-broker library.
//
// Errors are categorized by Op (the broker operation in flight) and Kind
// (error category). The Error type includes the resource/context ids involved
// and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.OpTransfer, errors.KindInvalidArgument).
//		Resource(5).
//		Context(2).
//		Detail("stride %d below row length %d", stride, rowLen).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ResourceNotFound(errors.OpDestroy, id)
//	err := errors.InUse(errors.OpDestroy, id, "scanout still bound")
//
// All errors implement the standard error interface and support errors.Is/As.
// Matching with errors.Is compares Kinds, so callers can test against a bare
// &Error{Kind: KindInUse} sentinel regardless of which operation produced it.
//
// KindInvariant and KindAlreadyExists mark broker-internal consistency
// violations; Fatal() distinguishes them from recoverable caller errors.
package errors
