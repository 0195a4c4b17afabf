package domain

// Status is the lifecycle state of an offer or request.
type Status string

const (
	StatusOpen    Status = "open"
	StatusMatched Status = "matched"
	StatusClosed  Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusMatched, StatusClosed:
		return true
	}
	return false
}

// AcceptsResponses reports whether a record in this state may be the source of a new response link.
func (s Status) AcceptsResponses() bool {
	return s == StatusOpen || s == StatusMatched
}

// Transition validates from -> to. Re-entering matched is allowed so that
// several responses can land on the same source.
func (s Status) Transition(to Status) error {
	switch s {
	case StatusOpen:
		if to == StatusMatched || to == StatusClosed {
			return nil
		}
	case StatusMatched:
		if to == StatusMatched || to == StatusClosed {
			return nil
		}
	}
	return &StateConflictError{From: string(s), To: string(to)}
}

type AgreementStatus string

const (
	AgreementPending  AgreementStatus = "pending"
	AgreementAccepted AgreementStatus = "accepted"
	AgreementRejected AgreementStatus = "rejected"
)

// Transition validates from -> to for an agreement. Repeating the current
// terminal state is reported as a no-op rather than an error.
func (s AgreementStatus) Transition(to AgreementStatus) (noop bool, err error) {
	if s == to && s != AgreementPending {
		return true, nil
	}
	if s == AgreementPending && (to == AgreementAccepted || to == AgreementRejected) {
		return false, nil
	}
	return false, &StateConflictError{Entity: "agreement", From: string(s), To: string(to)}
}

// Urgency levels a request may carry.
var Urgencies = []string{"low", "normal", "high", "critical"}

func ValidUrgency(u string) bool {
	for _, v := range Urgencies {
		if v == u {
			return true
		}
	}
	return false
}
