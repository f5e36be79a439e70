package match

import "errors"

// Kind classifies a failure by what the caller has to change to succeed.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindState         Kind = "STATE"
	KindAuthorization Kind = "AUTHORIZATION"
	KindTiming        Kind = "TIMING"
	KindConsistency   Kind = "CONSISTENCY"
	KindNotFound      Kind = "NOT_FOUND"
)

// Error is a classified escrow failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidParameters = newError(KindValidation, "INVALID_PARAMETERS", "invalid parameters")
	ErrInvalidFeeConfig  = newError(KindValidation, "INVALID_FEE_CONFIG", "invalid fee configuration")

	ErrNotFound = newError(KindNotFound, "NOT_FOUND", "match not found")

	ErrNotJoinable       = newError(KindState, "NOT_JOINABLE", "match is not joinable")
	ErrNotStarted        = newError(KindState, "NOT_STARTED", "match is not started")
	ErrNotRefundable     = newError(KindState, "NOT_REFUNDABLE", "match is not refundable")
	ErrAlreadyWithdrawn  = newError(KindState, "ALREADY_WITHDRAWN", "stake already withdrawn")
	ErrWithdrawalStarted = newError(KindState, "WITHDRAWAL_STARTED", "timeout withdrawal already started")

	ErrNotInvited      = newError(KindAuthorization, "NOT_INVITED", "caller is not the invited opponent")
	ErrNotParticipant  = newError(KindAuthorization, "NOT_PARTICIPANT", "caller is not a participant")
	ErrNotCreator      = newError(KindAuthorization, "NOT_CREATOR", "caller is not the creator")
	ErrNotAuthorized   = newError(KindAuthorization, "NOT_AUTHORIZED", "caller is not an authorized resolver")
	ErrOwnerOnly       = newError(KindAuthorization, "OWNER_ONLY", "caller is not the owner")
	ErrInvalidWinner   = newError(KindValidation, "INVALID_WINNER", "winner must be a participant")
	ErrWindowClosed    = newError(KindTiming, "WINDOW_CLOSED", "window has closed")
	ErrWindowStillOpen = newError(KindTiming, "WINDOW_STILL_OPEN", "window is still open")

	ErrFeeExceedsCap = newError(KindConsistency, "FEE_EXCEEDS_CAP", "match fee exceeds current cap")
)

// KindOf returns the kind of a classified error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of a classified error, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
