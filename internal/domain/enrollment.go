package domain

import (
	"fmt"
	"strings"
	"time"
)

// EnrollmentStatus mirrors the status column of the enrollment service.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusPending   EnrollmentStatus = "PENDING"
	EnrollmentStatusRejected  EnrollmentStatus = "REJECTED"
	EnrollmentStatusSuspended EnrollmentStatus = "SUSPENDED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
)

func (s EnrollmentStatus) String() string { return string(s) }

func (s EnrollmentStatus) IsValid() bool {
	switch s {
	case EnrollmentStatusActive, EnrollmentStatusPending, EnrollmentStatusRejected,
		EnrollmentStatusSuspended, EnrollmentStatusCompleted:
		return true
	}
	return false
}

func (s EnrollmentStatus) IsActive() bool {
	return s == EnrollmentStatusActive
}

func ParseEnrollmentStatusFromString(s string) (EnrollmentStatus, error) {
	st := EnrollmentStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid enrollment status %q", ErrValidation, s)
	}
	return st, nil
}

// Enrollment is the read-only projection of a doctoral enrollment owned by
// the enrollment service.
type Enrollment struct {
	ID                    int64
	DoctorantID           int64
	DoctorantEmail        string
	DirectorEmail         string
	FirstEnrollmentDate   time.Time
	Status                EnrollmentStatus
	OrdinaryDerogation    bool
	ExceptionalDerogation bool
}

// ElapsedMonths returns the number of whole calendar months between the
// calendar dates of from and to. A month is complete once the start
// day-of-month is reached, or the last day of a shorter month.
func ElapsedMonths(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()

	months := (ty-fy)*12 + int(tm) - int(fm)
	if td < fd && td < daysIn(tm, ty) {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FormatMonths renders a month count the way alert bodies show it,
// e.g. "2 mois", "1 an", "2 ans 10 mois".
func FormatMonths(months int) string {
	if months < 0 {
		months = 0
	}
	years, rest := months/12, months%12

	var parts []string
	switch {
	case years == 1:
		parts = append(parts, "1 an")
	case years > 1:
		parts = append(parts, fmt.Sprintf("%d ans", years))
	}
	if rest > 0 || years == 0 {
		parts = append(parts, fmt.Sprintf("%d mois", rest))
	}
	return strings.Join(parts, " ")
}
