package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrBatchClosed means the batch has left the collecting state and no longer accepts responses.
	ErrBatchClosed = errors.New("batch is no longer collecting")
	// ErrAlreadyFinalized means the response already carries an approve/reject verdict.
	ErrAlreadyFinalized = errors.New("response already finalized")
	// ErrLeaseNotHeld means another reviewer holds a live lease on the response.
	ErrLeaseNotHeld = errors.New("review assignment held by another reviewer")
	// ErrNoMatchingRule means the approval rule table does not cover the approval rate.
	ErrNoMatchingRule   = errors.New("no approval rule matches approval rate")
	ErrSampleIncomplete = errors.New("sample review is not complete")
)
