package protocol

import (
	"errors"
	"fmt"
)

// Protocol errors: recoverable, the offending message is rejected and the round continues.
var (
	ErrMalformedPayload    = errors.New("protocol: malformed payload")
	ErrUnknownMessage      = errors.New("protocol: unknown message type")
	ErrUnexpectedMessage   = errors.New("protocol: message not valid in current phase")
	ErrDuplicateSubmission = errors.New("protocol: duplicate submission")
	ErrNotAdmitted         = errors.New("protocol: participant not admitted to round")
	ErrUnknownRound        = errors.New("protocol: unknown round")
	ErrJoinRejected        = errors.New("protocol: join rejected")
	ErrRoundFull           = errors.New("protocol: round is full")
	ErrParticipantDropped  = errors.New("protocol: participant was dropped from round")
)

// Quorum errors: round-fatal.
var (
	ErrQuorumNotMet     = errors.New("protocol: quorum not met")
	ErrDropoutExceeded  = errors.New("protocol: dropout tolerance exceeded")
	ErrRoundTimeout     = errors.New("protocol: phase deadline expired")
	ErrRoundAborted     = errors.New("protocol: round aborted")
	ErrCoordinatorClose = errors.New("protocol: coordinator shutting down")
)

// Recovery errors: round-fatal.
var ErrRecoveryFailed = errors.New("protocol: recovery failed")

// Transport errors: participant-local.
var (
	ErrTransport      = errors.New("protocol: transport failure")
	ErrConnectionLost = errors.New("protocol: connection lost")
)

// Parameter errors: caller-fatal, detected before any state changes.
var (
	ErrInvalidParameters = errors.New("protocol: invalid parameters")
	ErrVectorLength      = errors.New("protocol: vector length mismatch")
	ErrAlreadySubmitted  = errors.New("protocol: vector already submitted")
	ErrInvalidState      = errors.New("protocol: operation not valid in current state")
)

// ErrorCode is the wire representation of an error.
type ErrorCode string

const (
	CodeMalformedPayload    ErrorCode = "malformed_payload"
	CodeUnknownMessage      ErrorCode = "unknown_message"
	CodeUnexpectedMessage   ErrorCode = "unexpected_message"
	CodeDuplicateSubmission ErrorCode = "duplicate_submission"
	CodeNotAdmitted         ErrorCode = "not_admitted"
	CodeUnknownRound        ErrorCode = "unknown_round"
	CodeJoinRejected        ErrorCode = "join_rejected"
	CodeRoundFull           ErrorCode = "round_full"
	CodeParticipantDropped  ErrorCode = "participant_dropped"
	CodeQuorumNotMet        ErrorCode = "quorum_not_met"
	CodeDropoutExceeded     ErrorCode = "dropout_exceeded"
	CodeRecoveryFailed      ErrorCode = "recovery_failed"
	CodeRoundTimeout        ErrorCode = "round_timeout"
	CodeRoundAborted        ErrorCode = "round_aborted"
	CodeCoordinatorShutdown ErrorCode = "coordinator_shutdown"
)

var codeErrors = map[ErrorCode]error{
	CodeMalformedPayload:    ErrMalformedPayload,
	CodeUnknownMessage:      ErrUnknownMessage,
	CodeUnexpectedMessage:   ErrUnexpectedMessage,
	CodeDuplicateSubmission: ErrDuplicateSubmission,
	CodeNotAdmitted:         ErrNotAdmitted,
	CodeUnknownRound:        ErrUnknownRound,
	CodeJoinRejected:        ErrJoinRejected,
	CodeRoundFull:           ErrRoundFull,
	CodeParticipantDropped:  ErrParticipantDropped,
	CodeQuorumNotMet:        ErrQuorumNotMet,
	CodeDropoutExceeded:     ErrDropoutExceeded,
	CodeRecoveryFailed:      ErrRecoveryFailed,
	CodeRoundTimeout:        ErrRoundTimeout,
	CodeRoundAborted:        ErrRoundAborted,
	CodeCoordinatorShutdown: ErrCoordinatorClose,
}

// Sentinel returns the sentinel error for a wire code, or ErrUnknownMessage.
func (c ErrorCode) Sentinel() error {
	if err, ok := codeErrors[c]; ok {
		return err
	}
	return ErrUnknownMessage
}

// CodeOf maps an error to its wire code by walking the sentinel table.
func CodeOf(err error) ErrorCode {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeRoundAborted
}

// Error is a protocol failure tagged with its wire code and the operation it came from.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

// NewError wraps err under code. A nil err uses the code's sentinel.
func NewError(code ErrorCode, op string, err error) *Error {
	if err == nil {
		err = code.Sentinel()
	}
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap exposes both the underlying error and the code's sentinel to errors.Is.
func (e *Error) Unwrap() []error {
	sentinel := e.Code.Sentinel()
	if e.Err == nil {
		return []error{sentinel}
	}
	if errors.Is(e.Err, sentinel) {
		return []error{e.Err}
	}
	return []error{e.Err, sentinel}
}

// ErrorClass groups errors by how they affect a round.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassProtocol
	ClassQuorum
	ClassRecovery
	ClassTransport
	ClassParameter
)

func (c ErrorClass) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassQuorum:
		return "quorum"
	case ClassRecovery:
		return "recovery"
	case ClassTransport:
		return "transport"
	case ClassParameter:
		return "parameter"
	}
	return "unknown"
}

// Classify returns the taxonomy class of err.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrRecoveryFailed):
		return ClassRecovery
	case isAny(err, ErrQuorumNotMet, ErrDropoutExceeded, ErrRoundTimeout, ErrRoundAborted, ErrCoordinatorClose):
		return ClassQuorum
	case isAny(err, ErrTransport, ErrConnectionLost):
		return ClassTransport
	case isAny(err, ErrInvalidParameters, ErrVectorLength, ErrAlreadySubmitted, ErrInvalidState):
		return ClassParameter
	case isAny(err, ErrMalformedPayload, ErrUnknownMessage, ErrUnexpectedMessage, ErrDuplicateSubmission,
		ErrNotAdmitted, ErrUnknownRound, ErrJoinRejected, ErrRoundFull, ErrParticipantDropped):
		return ClassProtocol
	}
	return ClassUnknown
}

// RoundFatal reports whether err ends a round for every participant.
func RoundFatal(err error) bool {
	c := Classify(err)
	return c == ClassQuorum || c == ClassRecovery
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
