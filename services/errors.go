package services

// Error is a service-level failure with a stable code that route
// handlers map onto HTTP responses.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Sentinel errors for the run/QA lifecycle. Compare with errors.Is.
var (
	// ErrDuplicateRun: a completed run already exists for the same
	// (set, model, software version) triple.
	ErrDuplicateRun = &Error{Code: "duplicate_run", Message: "a completed run already exists for this set, model and software version"}

	// ErrNotFound: the referenced run, QA run, email or transaction does
	// not exist.
	ErrNotFound = &Error{Code: "not_found", Message: "record not found"}

	// ErrAlreadySynthesized: the QA run has already produced a
	// synthesized run.
	ErrAlreadySynthesized = &Error{Code: "already_synthesized", Message: "qa run has already been synthesized"}

	// ErrInvalidTransition: the operation is not legal in the record's
	// current state.
	ErrInvalidTransition = &Error{Code: "invalid_transition", Message: "operation not allowed in current state"}

	// ErrNoEmails: the set contains no emails to extract.
	ErrNoEmails = &Error{Code: "no_emails", Message: "email set is empty"}
)
