package ssh

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures of remote operations.
type ErrorKind string

const (
	// KindAuthentication means the server rejected the credentials
	KindAuthentication ErrorKind = "authentication"

	// KindConnect covers dial, handshake and key parsing failures
	KindConnect ErrorKind = "connect"

	// KindSubsession means the SFTP sub-session could not be opened
	KindSubsession ErrorKind = "subsession"

	// KindList means a directory could not be listed
	KindList ErrorKind = "list"

	// KindTransfer covers file and directory uploads and downloads
	KindTransfer ErrorKind = "transfer"

	// KindMutation covers rename, delete and mkdir
	KindMutation ErrorKind = "mutation"

	// KindPrivilegedCommand means a command run through sudo failed
	KindPrivilegedCommand ErrorKind = "privileged-command"

	// KindNotConnected means the session is not ready
	KindNotConnected ErrorKind = "not-connected"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrConnect           = &Error{Kind: KindConnect}
	ErrSubsession        = &Error{Kind: KindSubsession}
	ErrList              = &Error{Kind: KindList}
	ErrTransfer          = &Error{Kind: KindTransfer}
	ErrMutation          = &Error{Kind: KindMutation}
	ErrPrivilegedCommand = &Error{Kind: KindPrivilegedCommand}
	ErrNotConnected      = &Error{Kind: KindNotConnected}
)

// Error represents a classified failure of a remote operation.
type Error struct {
	// Kind classifies the failure
	Kind ErrorKind

	// Op is the operation that failed (e.g., "connect", "list", "upload")
	Op string

	// Path is the remote path involved, if any
	Path string

	// Err is the underlying error
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// wrap classifies err under kind unless it already carries that kind.
// Errors of another kind (a privileged command failing inside a transfer)
// stay in the chain so both kinds match.
func wrap(kind ErrorKind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return err
	}
	return newError(kind, op, path, err)
}

func errNotConnected(op string) error {
	return newError(KindNotConnected, op, "", fmt.Errorf("session is not connected"))
}
