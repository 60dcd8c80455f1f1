package connector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable means the source could not be reached within the
	// connector's retry budget or the caller's deadline.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceAuth means the source rejected our credentials. Never retried.
	ErrSourceAuth = errors.New("source rejected credentials")
	// ErrSourceFormat means the payload could not be parsed into price records.
	ErrSourceFormat = errors.New("source payload malformed")
	// ErrUnknownSource is returned by the registry for unregistered ids.
	ErrUnknownSource = errors.New("unknown source")
)

// SourceError attaches the source and operation to a connector failure.
// errors.Is matches both Kind and the underlying cause.
type SourceError struct {
	Source string
	Op     string
	Kind   error
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Source, e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(source, op string, kind, err error) *SourceError {
	return &SourceError{Source: source, Op: op, Kind: kind, Err: err}
}

// RecordError describes one payload entry that could not become a PriceRecord.
type RecordError struct {
	Index  int
	Reason string
}

// FormatErrors is returned next to the valid records of a partially
// malformed payload. It matches ErrSourceFormat.
type FormatErrors struct {
	Source  string
	Records []RecordError
}

func (e *FormatErrors) Error() string {
	reasons := make([]string, 0, min(len(e.Records), 3))
	for i, r := range e.Records {
		if i == 3 {
			break
		}
		reasons = append(reasons, fmt.Sprintf("#%d %s", r.Index, r.Reason))
	}
	return fmt.Sprintf("%s: %d malformed records (%s)", e.Source, len(e.Records), strings.Join(reasons, "; "))
}

func (e *FormatErrors) Unwrap() error { return ErrSourceFormat }

// Rejected reports the number of malformed records carried by err, if any.
func Rejected(err error) int {
	var fe *FormatErrors
	if errors.As(err, &fe) {
		return len(fe.Records)
	}
	return 0
}

// IsPartial reports whether err only describes record-level format problems,
// meaning the records returned alongside it are usable.
func IsPartial(err error) bool {
	var fe *FormatErrors
	return errors.As(err, &fe)
}

func (e *FormatErrors) add(index int, format string, args ...any) {
	e.Records = append(e.Records, RecordError{Index: index, Reason: fmt.Sprintf(format, args...)})
}

func (e *FormatErrors) orNil() error {
	if e == nil || len(e.Records) == 0 {
		return nil
	}
	return e
}
