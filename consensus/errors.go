package consensus

import "fmt"

// ErrorKind classifies a validation failure for the message processor's
// Accepted/BanPeer/Close/Dropped decision.
type ErrorKind string

const (
	ErrBadFrame            ErrorKind = "BAD_FRAME"
	ErrDeserialization     ErrorKind = "DESERIALIZATION"
	ErrPowInvalid          ErrorKind = "POW_INVALID"
	ErrUnbalancedSums      ErrorKind = "UNBALANCED_SUMS"
	ErrBadSignature        ErrorKind = "BAD_SIGNATURE"
	ErrBadRangeProof       ErrorKind = "BAD_RANGE_PROOF"
	ErrDuplicateInput      ErrorKind = "DUPLICATE_INPUT"
	ErrUnsortedBody        ErrorKind = "UNSORTED_BODY"
	ErrTooManyCoinbase     ErrorKind = "TOO_MANY_COINBASE"
	ErrCapExceeded         ErrorKind = "CAP_EXCEEDED"
	ErrOrphaned            ErrorKind = "ORPHANED"
	ErrMissingTransactions ErrorKind = "MISSING_TRANSACTIONS"
	ErrAlreadyExists       ErrorKind = "ALREADY_EXISTS"
	ErrMissingUTXO         ErrorKind = "MISSING_UTXO"
	ErrLockedOutput        ErrorKind = "LOCKED_OUTPUT"
	ErrImmatureCoinbase    ErrorKind = "IMMATURE_COINBASE"
	ErrRootMismatch        ErrorKind = "ROOT_MISMATCH"
	ErrBadDifficulty       ErrorKind = "BAD_DIFFICULTY"
	ErrBadParent           ErrorKind = "BAD_PARENT"
	ErrArithmeticOverflow  ErrorKind = "ARITHMETIC_OVERFLOW"
)

// ValidationError is the typed result every validator in this package
// returns instead of a bare error, so callers can map it to a ban/close
// decision without string matching.
type ValidationError struct {
	Kind ErrorKind
	Msg  string

	// MissingParent carries the parent hash for ErrOrphaned.
	MissingParent [32]byte
	HasParent     bool

	// MissingShortIDs carries unresolved short ids for ErrMissingTransactions.
	MissingShortIDs [][6]byte
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newErr(kind ErrorKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func orphanedErr(parent [32]byte) *ValidationError {
	return &ValidationError{Kind: ErrOrphaned, MissingParent: parent, HasParent: true, Msg: "parent header not known"}
}

func missingTransactionsErr(ids [][6]byte) *ValidationError {
	return &ValidationError{Kind: ErrMissingTransactions, MissingShortIDs: ids, Msg: "compact block references unknown transactions"}
}

// IsKind reports whether err is a *ValidationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ve, ok := err.(*ValidationError)
	return ok && ve != nil && ve.Kind == kind
}
