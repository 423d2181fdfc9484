package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("docgate: not found")
	ErrClosed          = errors.New("docgate: closed")
	ErrInvalidArgument = errors.New("docgate: invalid argument")

	// ErrTableNotFound is the resource-resolution error: table metadata is
	// unknown or stale.
	ErrTableNotFound = errors.New("docgate: table not found")

	// ErrInvalidState and ErrInvalidSession signal misuse of an operation.
	ErrInvalidState   = errors.New("docgate: invalid operation state")
	ErrInvalidSession = errors.New("docgate: invalid session")

	ErrDuplicateKey  = errors.New("docgate: duplicate key")
	ErrWriteConflict = errors.New("docgate: write conflict")
	ErrTxnAborted    = errors.New("docgate: transaction aborted")
)

var codes = []struct {
	code string
	err  error
}{
	// wrappers first: an aborted txn usually wraps its cause
	{"txn_aborted", ErrTxnAborted},
	{"not_found", ErrNotFound},
	{"closed", ErrClosed},
	{"invalid_argument", ErrInvalidArgument},
	{"table_not_found", ErrTableNotFound},
	{"invalid_state", ErrInvalidState},
	{"invalid_session", ErrInvalidSession},
	{"duplicate_key", ErrDuplicateKey},
	{"write_conflict", ErrWriteConflict},
}

// Code names the sentinel wrapped by err for the wire, "" if none.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode restores an error received from another node so that errors.Is
// keeps working across the hop.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return &remoteError{msg: msg, sentinel: c.err}
		}
	}
	return errors.New(msg)
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
