package domain

import (
	"fmt"
	"strings"
	"time"
)

// ResponseStatus is the review state of a survey response.
type ResponseStatus string

const (
	ResponseStatusCollected     ResponseStatus = "collected"
	ResponseStatusPendingReview ResponseStatus = "pending_review"
	ResponseStatusApproved      ResponseStatus = "approved"
	ResponseStatusRejected      ResponseStatus = "rejected"
)

func (s ResponseStatus) String() string { return string(s) }

func (s ResponseStatus) IsValid() bool {
	switch s {
	case ResponseStatusCollected, ResponseStatusPendingReview, ResponseStatusApproved, ResponseStatusRejected:
		return true
	}
	return false
}

// IsFinal reports whether the response carries a verdict.
func (s ResponseStatus) IsFinal() bool {
	return s == ResponseStatusApproved || s == ResponseStatusRejected
}

// Verdict is a reviewer's decision on a response.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

func (v Verdict) String() string { return string(v) }

func (v Verdict) IsValid() bool {
	return v == VerdictApprove || v == VerdictReject
}

// Status returns the response status a verdict produces.
func (v Verdict) Status() ResponseStatus {
	if v == VerdictApprove {
		return ResponseStatusApproved
	}
	return ResponseStatusRejected
}

func ParseVerdictFromString(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return VerdictApprove, nil
	case "reject", "rejected":
		return VerdictReject, nil
	}
	return "", fmt.Errorf("%w: invalid verdict %q", ErrValidation, s)
}

// Response is the QC view of a collected survey response.
type Response struct {
	ID            string
	SurveyID      string
	InterviewerID string
	Mode          string
	Status        ResponseStatus
	QCBatchID     *string

	ReviewerID     *string
	LeaseGrantedAt *time.Time
	LeaseExpiresAt *time.Time

	VerifiedBy   *string
	VerifiedAt   *time.Time
	Feedback     *string
	AutoApproved bool

	CollectedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r *Response) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: response id is required", ErrValidation)
	}
	if strings.TrimSpace(r.SurveyID) == "" {
		return fmt.Errorf("%w: survey id is required", ErrValidation)
	}
	if strings.TrimSpace(r.InterviewerID) == "" {
		return fmt.Errorf("%w: interviewer id is required", ErrValidation)
	}
	if r.Status != "" && !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid response status %q", ErrValidation, r.Status)
	}
	return nil
}

// Lease returns the reviewer lease on the response, if one was ever granted.
func (r *Response) Lease() (ReviewLease, bool) {
	if r.ReviewerID == nil || r.LeaseExpiresAt == nil {
		return ReviewLease{}, false
	}

	lease := ReviewLease{
		ResponseID: r.ID,
		ReviewerID: *r.ReviewerID,
		ExpiresAt:  *r.LeaseExpiresAt,
	}
	if r.LeaseGrantedAt != nil {
		lease.GrantedAt = *r.LeaseGrantedAt
	}
	return lease, true
}

// ReviewLease is a time-bounded exclusive claim on a response.
type ReviewLease struct {
	ResponseID string
	ReviewerID string
	GrantedAt  time.Time
	ExpiresAt  time.Time
}

func (l ReviewLease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// BatchDate returns the batch day key for a collection instant in loc.
func BatchDate(collectedAt time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return collectedAt.In(loc).Format(time.DateOnly)
}

// ReviewFilter narrows the responses a reviewer may be assigned. Empty fields match anything.
type ReviewFilter struct {
	SurveyID      string
	Mode          string
	InterviewerID string
}
