/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import "fmt"

// ErrorKind identifies the class of failure a caller must branch on.
type ErrorKind uint8

const (
	_ ErrorKind = iota
	AlreadySigned
	NotSigned
	UnsupportedAlgorithm
	OutOfRange
	UnsupportedInSignedZone
	InvalidApexOperation
	NoSigningKey
	NoSuccessorKey
	KeyTagCollision
	KeyNotFound
	DuplicatePublish
	InvalidInput
	IOFailure
	TransientConflict
	UnsupportedFormat
)

var errorKindToString = map[ErrorKind]string{
	AlreadySigned:           "AlreadySigned",
	NotSigned:               "NotSigned",
	UnsupportedAlgorithm:    "UnsupportedAlgorithm",
	OutOfRange:              "OutOfRange",
	UnsupportedInSignedZone: "UnsupportedInSignedZone",
	InvalidApexOperation:    "InvalidApexOperation",
	NoSigningKey:            "NoSigningKey",
	NoSuccessorKey:          "NoSuccessorKey",
	KeyTagCollision:         "KeyTagCollision",
	KeyNotFound:             "KeyNotFound",
	DuplicatePublish:        "DuplicatePublish",
	InvalidInput:            "InvalidInput",
	IOFailure:               "IOFailure",
	TransientConflict:       "TransientConflict",
	UnsupportedFormat:       "UnsupportedFormat",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindToString[k]; ok {
		return s
	}
	return "UnknownError"
}

// Error is the sentinel-comparable error type surfaced by the zone package.
// Callers branch on Kind with errors.Is(err, zone.AlreadySigned) etc, since
// ErrorKind itself satisfies the error interface.
type Error struct {
	Kind ErrorKind
	Zone string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Zone != "" {
		return fmt.Sprintf("%s: zone %s: %s", e.Kind, e.Zone, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(ErrorKind)
	if !ok {
		return false
	}
	return e.Kind == t
}

// Error lets ErrorKind itself be compared with errors.Is(err, zone.NoSigningKey).
func (k ErrorKind) Error() string { return k.String() }

func newError(kind ErrorKind, zoneName, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Zone: zoneName, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, zoneName string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Zone: zoneName, Msg: fmt.Sprintf(format, args...), Err: cause}
}
