package structsy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCorruptHeader means the file is not a database or its header failed
	// validation. Fatal: Open refuses to proceed.
	ErrCorruptHeader = errors.New("corrupt database header")

	// ErrCorruptLog means a commit log entry failed checksum validation in a
	// way that cannot be attributed to a torn final write. Fatal at open.
	ErrCorruptLog = errors.New("corrupt commit log")

	// ErrDuplicateKey is returned when an insert or update collides with an
	// existing key of a unique index. The transaction remains active.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrRecordNotFound is returned by updates and removes of refs that do
	// not resolve to a live record.
	ErrRecordNotFound = errors.New("record not found")

	// ErrWriteLockTimeout means the commit could not acquire the write lock
	// within Options.LockTimeout. The transaction remains active.
	ErrWriteLockTimeout = errors.New("write lock timeout")

	// ErrDuplicateDefinition is returned when a type is defined twice within
	// one schema.
	ErrDuplicateDefinition = errors.New("type already defined")

	// ErrConflictingDefinition means the declared type or index does not
	// match what the database file has on record.
	ErrConflictingDefinition = errors.New("conflicting type definition")

	// ErrSchemaMismatch means a stored payload cannot be decoded with the
	// current type definition. Local to the record, never fatal to a scan.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrTxDone is returned by mutations and commits on a transaction that
	// has already been committed or rolled back.
	ErrTxDone = errors.New("transaction already finished")

	// ErrDatabaseFailed means an earlier commit failed midway through its
	// apply phase and the in-memory state can no longer be trusted. The
	// database must be reopened (recovery will finish or discard the
	// offending commit).
	ErrDatabaseFailed = errors.New("database failed, reopen required")
)

// DataError decorates a decoding failure with the raw bytes it occurred in.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const headLen = 48
	const tailLen = 16
	n := len(e.Data)
	dump := fmt.Sprintf("%x", e.Data)
	if n > headLen+tailLen {
		dump = fmt.Sprintf("%x..%x", e.Data[:headLen], e.Data[n-tailLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("%s at offset %d: %v: %d bytes %s", e.Msg, e.Off, e.Err, n, dump)
	}
	return fmt.Sprintf("%s at offset %d: %d bytes %s", e.Msg, e.Off, n, dump)
}

// TypeError decorates an error with the type, index and key it concerns.
type TypeError struct {
	Type  *TypeDef
	Index *Index
	Key   []byte
	Msg   string
	Err   error
}

func typeErrf(td *TypeDef, idx *Index, key []byte, err error, format string, args ...any) error {
	return &TypeError{td, idx, key, fmt.Sprintf(format, args...), err}
}

func (e *TypeError) Unwrap() error {
	return e.Err
}

func (e *TypeError) Error() string {
	var buf strings.Builder
	if e.Type != nil {
		buf.WriteString(e.Type.Name())
	}
	if e.Index != nil {
		buf.WriteByte('.')
		buf.WriteString(e.Index.ShortName())
	}
	if e.Key != nil {
		buf.WriteByte('/')
		fmt.Fprintf(&buf, "%x", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func ioErrf(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}
