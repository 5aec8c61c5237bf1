// Package loaderr defines the failure taxonomy shared by every stage of a load.
//
// Every error that crosses a package boundary in the load path is either a
// *Error carrying a Kind, or an error that a storage dialect can classify into
// one. Reports and journals record the Kind by name so an operator can decide
// how to replay a failed batch without reading driver-specific messages.
package loaderr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown means the error has not been classified.
	KindUnknown Kind = iota

	// KindConfig is a missing or invalid descriptor, job setting or input.
	// It is raised before any destination I/O.
	KindConfig

	// KindSchemaConflict means the destination reported that the table already exists.
	KindSchemaConflict

	// KindConnection is a session open, commit or close failure.
	KindConnection

	// KindInsert is a constraint violation or type mismatch while inserting a batch.
	KindInsert
)

var kindNames = [...]string{
	KindUnknown:        "Unknown",
	KindConfig:         "ConfigError",
	KindSchemaConflict: "SchemaConflict",
	KindConnection:     "ConnectionError",
	KindInsert:         "InsertError",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText renders the kind by name so JSON reports read "InsertError".
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText accepts the names produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	s := string(b)
	for i, n := range kindNames {
		if n == s {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("loaderr: unknown kind %q", s)
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and an operation name. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
