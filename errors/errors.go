package errors

import (
	"fmt"
	"strings"
)

// Op indicates which broker operation the error occurred in
type Op string

const (
	OpCreateResource Op = "create_resource"
	OpCreateBlob     Op = "create_blob"
	OpAttachBacking  Op = "attach_backing"
	OpDetachBacking  Op = "detach_backing"
	OpAttachResource Op = "attach_resource"
	OpDetachResource Op = "detach_resource"
	OpSubmit         Op = "submit"
	OpTransfer       Op = "transfer"
	OpExport         Op = "export"
	OpMap            Op = "map"
	OpFence          Op = "fence"
	OpScanout        Op = "scanout"
	OpCapset         Op = "capset"
	OpContext        Op = "context"
	OpDestroy        Op = "destroy"
	OpLookup         Op = "lookup_resource"
)

// Kind categorizes the error
type Kind string

const (
	// KindNotFound reports an unknown resource or context id.
	KindNotFound Kind = "not_found"

	// KindAlreadyExists reports an id collision. Given monotonic allocation
	// this is unreachable from guest input and classified as an invariant
	// violation when observed.
	KindAlreadyExists Kind = "already_exists"

	// KindUnsupported reports a capset, format or capability the selected
	// backend does not implement.
	KindUnsupported Kind = "unsupported"

	// KindInUse reports a destroy or detach blocked by live references.
	KindInUse Kind = "in_use"

	// KindBackendFailure propagates an error from the underlying renderer.
	// The broker does not retry.
	KindBackendFailure Kind = "backend_failure"

	// KindInvalidArgument reports a malformed descriptor or stride mismatch.
	KindInvalidArgument Kind = "invalid_argument"

	// KindInvariant marks a broker-internal consistency violation. It is
	// surfaced distinctly from operational errors and never swallowed.
	KindInvariant Kind = "invariant_violation"
)

// Error is the structured error type used throughout the broker
type Error struct {
	Cause    error
	Op       Op
	Kind     Kind
	Resource uint32
	Context  uint32
	Detail   string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Op))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Resource != 0 {
		fmt.Fprintf(&b, " resource=%d", e.Resource)
	}
	if e.Context != 0 {
		fmt.Fprintf(&b, " ctx=%d", e.Context)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two errors match when their
// Kinds are equal; an empty target Op matches any Op.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Op != "" && e.Op != t.Op {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether the error invalidates broker consistency.
func (e *Error) Fatal() bool {
	return e.Kind == KindInvariant || e.Kind == KindAlreadyExists
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(op Op, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Op:   op,
			Kind: kind,
		},
	}
}

// Resource sets the resource id involved
func (b *Builder) Resource(id uint32) *Builder {
	b.err.Resource = id
	return b
}

// Context sets the context id involved
func (b *Builder) Context(id uint32) *Builder {
	b.err.Context = id
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// ResourceNotFound creates a not-found error for a resource id
func ResourceNotFound(op Op, id uint32) *Error {
	return &Error{
		Op:       op,
		Kind:     KindNotFound,
		Resource: id,
	}
}

// ContextNotFound creates a not-found error for a context id
func ContextNotFound(op Op, id uint32) *Error {
	return &Error{
		Op:      op,
		Kind:    KindNotFound,
		Context: id,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(op Op, what string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InUse creates an in-use error for a resource with live references
func InUse(op Op, id uint32, detail string) *Error {
	return &Error{
		Op:       op,
		Kind:     KindInUse,
		Resource: id,
		Detail:   detail,
	}
}

// InvalidArgument creates an invalid argument error
func InvalidArgument(op Op, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Op:     op,
		Kind:   KindInvalidArgument,
		Detail: detail,
	}
}

// Backend wraps a renderer error for verbatim propagation
func Backend(op Op, cause error) *Error {
	return &Error{
		Op:    op,
		Kind:  KindBackendFailure,
		Cause: cause,
	}
}

// Invariant creates an internal invariant violation error
func Invariant(op Op, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Op:     op,
		Kind:   KindInvariant,
		Detail: detail,
	}
}

// Duplicate creates an already-exists invariant error for an id collision
func Duplicate(op Op, id uint32) *Error {
	return &Error{
		Op:       op,
		Kind:     KindAlreadyExists,
		Resource: id,
		Detail:   "id collision",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(op Op, kind Kind, cause error, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf extracts the Kind from an error chain, or "" if the chain holds no
// broker error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
