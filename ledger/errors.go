package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfigValidation
	KindInsufficientFunds
	KindInvalidCount
	KindSequenceConflict
	KindTransferFailure
	KindCollectionFailure
	KindNetworkInfoUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:                "Unknown",
	KindConfigValidation:       "ConfigValidation",
	KindInsufficientFunds:      "InsufficientFunds",
	KindInvalidCount:           "InvalidCount",
	KindSequenceConflict:       "SequenceConflict",
	KindTransferFailure:        "TransferFailure",
	KindCollectionFailure:      "CollectionFailure",
	KindNetworkInfoUnavailable: "NetworkInfoUnavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Severity tells callers whether they may continue after an error.
type Severity uint8

const (
	Recoverable Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// Error is a classified failure. A Fatal error must stop the current phase.
type Error struct {
	Kind     Kind
	Severity Severity
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Severity)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewFatal wraps err as a fatal error of the given kind.
func NewFatal(kind Kind, err error) error {
	return &Error{Kind: kind, Severity: Fatal, Err: err}
}

// NewRecoverable wraps err as a recoverable error of the given kind.
func NewRecoverable(kind Kind, err error) error {
	return &Error{Kind: kind, Severity: Recoverable, Err: err}
}

// Fatalf builds a fatal error with a formatted cause.
func Fatalf(kind Kind, format string, args ...interface{}) error {
	return NewFatal(kind, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err is a classified fatal error.
func IsFatal(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Severity == Fatal
}

// nonce errors reported by geth-compatible nodes
var sequenceConflictHints = []string{
	"nonce too low",
	"nonce too high",
	"already known",
	"transaction already exists",
	"replacement transaction underpriced",
	"invalid nonce",
}

// ClassifySendError tags err as a recoverable SequenceConflict when the node's
// message indicates the sender's nonce is out of step with the ledger, and as a
// recoverable TransferFailure otherwise.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range sequenceConflictHints {
		if strings.Contains(msg, hint) {
			return NewRecoverable(KindSequenceConflict, err)
		}
	}
	return NewRecoverable(KindTransferFailure, err)
}
