package data

import "errors"

// ErrorKind groups core errors into the categories callers branch on.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindResource   ErrorKind = "resource"
	KindState      ErrorKind = "state"
	KindNotFound   ErrorKind = "not_found"
)

// CoreError is the error type returned by every engine in this module.
// A CoreError without a Code acts as a category sentinel and matches any
// error of the same Kind under errors.Is.
type CoreError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Is reports whether target is the same error or the category of e.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return t == e || (t.Code == "" && t.Kind == e.Kind)
}

func newError(kind ErrorKind, code, msg string) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: msg}
}

// Category sentinels
var (
	ErrValidation = &CoreError{Kind: KindValidation, Message: "validation error"}
	ErrConflict   = &CoreError{Kind: KindConflict, Message: "conflict"}
	ErrResource   = &CoreError{Kind: KindResource, Message: "resource unavailable"}
	ErrState      = &CoreError{Kind: KindState, Message: "invalid state"}
	ErrNotFound   = &CoreError{Kind: KindNotFound, Message: "record not found"}
)

// Validation errors
var (
	ErrEmptyBatch         = newError(KindValidation, "EmptyBatch", "batch contains no transactions")
	ErrEmptyReason        = newError(KindValidation, "EmptyReason", "vote reason must not be empty")
	ErrInvalidParty       = newError(KindValidation, "InvalidParty", "party is not permitted to perform this operation")
	ErrInvalidParticipant = newError(KindValidation, "InvalidParticipant", "invalid participant")
	ErrInvalidTransaction = newError(KindValidation, "InvalidTransaction", "invalid transaction record")
	ErrInvalidStage       = newError(KindValidation, "InvalidStage", "invalid stage update")
	ErrInvalidEvidence    = newError(KindValidation, "InvalidEvidence", "invalid evidence reference")
	ErrInvalidSignature   = newError(KindValidation, "InvalidSignature", "vote signature does not match voter")
	ErrInvalidDistance    = newError(KindValidation, "InvalidDistance", "distance must be positive")
	ErrInvalidSchema      = newError(KindValidation, "InvalidSchema", "unsupported schema envelope")
)

// Conflict errors
var (
	ErrDuplicateVote          = newError(KindConflict, "DuplicateVote", "voter has already voted")
	ErrDuplicateParticipant   = newError(KindConflict, "DuplicateParticipant", "participant already registered")
	ErrConcurrentModification = newError(KindConflict, "ConcurrentModification", "record was modified concurrently")
	ErrDuplicate              = newError(KindConflict, "Duplicate", "duplicate record")
)

// Resource errors
var (
	ErrInsufficientTransporters = newError(KindResource, "InsufficientTransporters", "not enough available transporters")
	ErrNoAvailableArbitrator    = newError(KindResource, "NoAvailableArbitrator", "no arbitrator is available")
	ErrNoEligibleVoters         = newError(KindResource, "NoEligibleVoters", "no eligible voters")
)

// State errors
var (
	ErrVotingClosed     = newError(KindState, "VotingClosed", "voting is closed")
	ErrNotDelivered     = newError(KindState, "NotDelivered", "delivery has not completed")
	ErrOutOfOrderStage  = newError(KindState, "OutOfOrderStage", "stage update out of order")
	ErrAlreadyAssigned  = newError(KindState, "AlreadyAssigned", "already assigned")
	ErrReceiptConfirmed = newError(KindState, "ReceiptConfirmed", "receipt already confirmed")
	ErrNotAssigned      = newError(KindState, "NotAssigned", "no transporters assigned")
)

// Lookup errors
var (
	ErrUnknownBatch           = newError(KindNotFound, "UnknownBatch", "batch not found")
	ErrUnknownShipment        = newError(KindNotFound, "UnknownShipment", "shipment not found")
	ErrUnknownDispute         = newError(KindNotFound, "UnknownDispute", "dispute not found")
	ErrUnknownDeliveryRequest = newError(KindNotFound, "UnknownDeliveryRequest", "delivery request not found")
	ErrUnknownParticipant     = newError(KindNotFound, "UnknownParticipant", "participant not found")
	ErrUnknownProduct         = newError(KindNotFound, "UnknownProduct", "product not found")
)

// KindOf returns the category of err, or "" if err is not a CoreError.
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
