// Package kerrors defines the error taxonomy shared by the key-lifecycle
// packages.
//
// Every failure returned by crypto, keyring, rotation and keystore is an
// *Error carrying a Kind plus the structured fields that identify what
// failed (key id, version, path). The wrapped Err is one of the sentinels
// below, so callers can branch with errors.Is or with KindOf:
//
//	if errors.Is(err, kerrors.ErrChecksumMismatch) {
//	    // prompt for the correct master key, or restore a backup
//	}
//
// Rendering to humans happens at the boundary (CLI, gRPC status).
package kerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindIntegrity
	KindFormat
	KindPolicy
	KindIO
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindFormat:
		return "format"
	case KindPolicy:
		return "policy"
	case KindIO:
		return "io"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Not-found errors.
var (
	ErrKeyNotFound     = errors.New("key ring not found")
	ErrVersionNotFound = errors.New("key version not found")
	ErrFileNotFound    = errors.New("file not found")
)

// Conflict errors.
var (
	ErrAlreadyExists = errors.New("key ring already exists")
	ErrActiveVersion = errors.New("cannot deprecate the active version")
)

// Integrity errors. These always fail closed.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Format errors.
var (
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidFormat = errors.New("invalid format")
)

var (
	// ErrPolicy covers rotation policy violations.
	ErrPolicy = errors.New("policy violation")

	// ErrIO wraps filesystem failures.
	ErrIO = errors.New("i/o failure")

	// ErrMasterKeyNotSet is returned by store operations that need the master key.
	ErrMasterKeyNotSet = errors.New("master key not set")
)

// Error is the structured error returned by the key-lifecycle packages.
type Error struct {
	Kind    Kind
	Op      string
	KeyID   string
	Version uint32
	Path    string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	var fields []string
	if e.KeyID != "" {
		fields = append(fields, "key_id="+e.KeyID)
	}
	if e.Version != 0 {
		fields = append(fields, fmt.Sprintf("version=%d", e.Version))
	}
	if e.Path != "" {
		fields = append(fields, "path="+e.Path)
	}
	if len(fields) > 0 {
		b.WriteString(strings.Join(fields, " "))
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithKey attaches a key id.
func (e *Error) WithKey(keyID string) *Error {
	e.KeyID = keyID
	return e
}

// WithVersion attaches a key version.
func (e *Error) WithVersion(v uint32) *Error {
	e.Version = v
	return e
}

// WithPath attaches a filesystem path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithDetail attaches a short human-readable detail.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// NotFound returns a not-found error for a key ring.
func NotFound(op, keyID string) *Error {
	return New(KindNotFound, op, ErrKeyNotFound).WithKey(keyID)
}

// Integrity returns an integrity error wrapping cause under sentinel.
func Integrity(op string, sentinel error) *Error {
	return New(KindIntegrity, op, sentinel)
}

// Policy returns a policy error with a detail message.
func Policy(op, format string, args ...any) *Error {
	return New(KindPolicy, op, ErrPolicy).WithDetail(format, args...)
}

// IO wraps a filesystem error. The cause is kept in the detail so the
// sentinel stays matchable.
func IO(op, path string, cause error) *Error {
	e := New(KindIO, op, ErrIO).WithPath(path)
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
