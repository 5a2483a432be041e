package models

// CheckStatus is the verdict of a single detector check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "ok"
	StatusWarning  CheckStatus = "warning"
	StatusCritical CheckStatus = "critical"
	// StatusNoData means the check was inconclusive because nothing was
	// recorded for the period. Off-season days look exactly like this, so
	// it never escalates to a threshold breach.
	StatusNoData CheckStatus = "no_data"
	// StatusError marks infrastructure failures (timeouts, bad queries).
	StatusError CheckStatus = "error"
)

var statusRank = map[CheckStatus]int{
	StatusOK:       0,
	StatusWarning:  1,
	StatusCritical: 2,
}

// Comparable reports whether the status participates in severity ordering.
// NoData and Error are terminal, non-comparable verdicts.
func (s CheckStatus) Comparable() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the severity ordering for comparable statuses, -1 otherwise.
func (s CheckStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// WorseOf returns the more severe of two comparable statuses. Non-comparable
// inputs never win over a comparable one.
func WorseOf(a, b CheckStatus) CheckStatus {
	if !a.Comparable() {
		return b
	}
	if !b.Comparable() {
		return a
	}
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Severity classifies outbound alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a check status to the alert severity used when reporting it.
func SeverityFor(s CheckStatus) Severity {
	switch s {
	case StatusCritical:
		return SeverityCritical
	case StatusWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
