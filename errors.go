package kvdict

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedKeyType is returned when a key's kind has no
	// order-preserving encoding.
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrCorruptEncoding is returned when stored bytes cannot be decoded.
	ErrCorruptEncoding = errors.New("corrupt encoding")

	// ErrEngineOpen is returned when the store cannot be opened, including
	// invalid or inconsistent options.
	ErrEngineOpen = errors.New("cannot open store")

	ErrPartitionExists   = errors.New("partition already exists")
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrHandleClosed is returned by any operation on a DB, view, partition,
	// cursor or snapshot after the owning DB has been closed.
	ErrHandleClosed = errors.New("store is closed")

	// ErrOperationIncomplete is returned by writes that asked not to wait
	// (WriteOptions.NoSlowdown) when they would have to.
	ErrOperationIncomplete = errors.New("operation incomplete")

	ErrIngest = errors.New("ingestion failed")

	// ErrEngine covers all other engine failures.
	ErrEngine = errors.New("engine error")
)

var errorKinds = []error{
	ErrUnsupportedKeyType,
	ErrCorruptEncoding,
	ErrEngineOpen,
	ErrPartitionExists,
	ErrPartitionNotFound,
	ErrHandleClosed,
	ErrOperationIncomplete,
	ErrIngest,
	ErrEngine,
}

var errReadOnly = errors.New("store is opened read-only")

// DataError describes bytes that could not be decoded.
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

func (e *DataError) Is(target error) bool {
	return target == ErrCorruptEncoding
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// OpError is returned by DB, Dict and Cursor operations. Kind is one of the
// package's sentinel errors; Err is the underlying cause, if any. Both are
// visible to errors.Is and errors.As.
type OpError struct {
	Op        string
	Partition string
	Key       []byte
	Kind      error
	Err       error
}

func opErr(op, part string, key []byte, kind, err error) error {
	return &OpError{Op: op, Partition: part, Key: cloneBytes(key), Kind: kind, Err: err}
}

// wrapErr classifies err into the error taxonomy. Errors that already carry
// a kind keep it; anything else is reported as ErrEngine.
func wrapErr(op, part string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	kind := ErrEngine
	for _, k := range errorKinds {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	if err == kind {
		err = nil
	}
	return &OpError{Op: op, Partition: part, Key: cloneBytes(key), Kind: kind, Err: err}
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *OpError) Error() string {
	var buf strings.Builder
	buf.WriteString("kvdict: ")
	buf.WriteString(e.Op)
	if e.Partition != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Partition)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	buf.WriteString(": ")
	buf.WriteString(e.Kind.Error())
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
