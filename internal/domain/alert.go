package domain

import (
	"fmt"
	"strings"
	"time"
)

// AlertType identifies a duration threshold alert.
type AlertType string

const (
	AlertApproaching3Years AlertType = "approaching-3-years"
	AlertApproaching6Years AlertType = "approaching-6-years"
	AlertExceeded6Years    AlertType = "exceeded-6-years"
)

func (t AlertType) String() string { return string(t) }

func (t AlertType) IsValid() bool {
	_, ok := alertRules[t]
	return ok
}

func ParseAlertTypeFromString(s string) (AlertType, error) {
	at := AlertType(strings.ToLower(strings.TrimSpace(s)))
	if !at.IsValid() {
		return "", fmt.Errorf("%w: invalid alert type %q", ErrValidation, s)
	}
	return at, nil
}

// AlertPriority is the priority carried on the alert wire schema.
type AlertPriority string

const (
	AlertPriorityNormal AlertPriority = "normal"
	AlertPriorityHigh   AlertPriority = "high"
	AlertPriorityUrgent AlertPriority = "urgent"
)

func (p AlertPriority) String() string { return string(p) }

func (p AlertPriority) IsValid() bool {
	switch p {
	case AlertPriorityNormal, AlertPriorityHigh, AlertPriorityUrgent:
		return true
	}
	return false
}

// NotificationPriority maps the wire priority to the stored notification priority.
func (p AlertPriority) NotificationPriority() Priority {
	switch p {
	case AlertPriorityHigh:
		return PriorityHaute
	case AlertPriorityUrgent:
		return PriorityUrgente
	default:
		return PriorityNormale
	}
}

type alertRule struct {
	priority         AlertPriority
	notificationType NotificationType
	subject          string
	requiredAction   string
}

var alertRules = map[AlertType]alertRule{
	AlertApproaching3Years: {
		priority:         AlertPriorityNormal,
		notificationType: TypeDurationApproaching3Years,
		subject:          "Inscription doctorale : approche de la limite de 3 ans",
		requiredAction:   "Préparer la demande de dérogation pour une 4e année d'inscription.",
	},
	AlertApproaching6Years: {
		priority:         AlertPriorityHigh,
		notificationType: TypeDurationApproaching6Years,
		subject:          "Inscription doctorale : approche de la limite de 6 ans",
		requiredAction:   "Planifier la soutenance avant la limite ou solliciter une dérogation exceptionnelle.",
	},
	AlertExceeded6Years: {
		priority:         AlertPriorityUrgent,
		notificationType: TypeDurationExceeded6Years,
		subject:          "Inscription doctorale : durée maximale de 6 ans dépassée",
		requiredAction:   "Régulariser la situation administrative auprès du service des études doctorales.",
	},
}

func (t AlertType) Priority() AlertPriority { return alertRules[t].priority }
func (t AlertType) NotificationType() NotificationType { return alertRules[t].notificationType }
func (t AlertType) Subject() string { return alertRules[t].subject }
func (t AlertType) RequiredAction() string { return alertRules[t].requiredAction }

// Thresholds holds the month offsets of the alert windows.
type Thresholds struct {
	Approaching3Months       int
	ThreeYearsMonths         int
	Approaching6Months       int
	SixYearsMonths           int
	OrdinaryDerogationMonths int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Approaching3Months:       33,
		ThreeYearsMonths:         36,
		Approaching6Months:       69,
		SixYearsMonths:           72,
		OrdinaryDerogationMonths: 12,
	}
}

// AlertDecision is one alert that applies to an enrollment at a given date.
type AlertDecision struct {
	Enrollment      Enrollment
	Type            AlertType
	ElapsedMonths   int
	ThresholdMonths int
	// RemainingMonths is nil for AlertExceeded6Years.
	RemainingMonths *int
}

// ClassifyEnrollment returns the alerts that apply to e on now's calendar date.
func ClassifyEnrollment(e Enrollment, now time.Time, th Thresholds) []AlertDecision {
	if !e.Status.IsActive() || e.FirstEnrollmentDate.IsZero() {
		return nil
	}

	elapsed := ElapsedMonths(e.FirstEnrollmentDate, now)
	decisions := make([]AlertDecision, 0, 2)

	window := func(t AlertType, from, limit int) {
		if elapsed >= from && elapsed < limit {
			remaining := limit - elapsed
			decisions = append(decisions, AlertDecision{
				Enrollment:      e,
				Type:            t,
				ElapsedMonths:   elapsed,
				ThresholdMonths: limit,
				RemainingMonths: &remaining,
			})
		}
	}

	window(AlertApproaching3Years, th.Approaching3Months, th.ThreeYearsMonths)

	sixYearLimit := th.SixYearsMonths
	if e.OrdinaryDerogation {
		sixYearLimit += th.OrdinaryDerogationMonths
	}
	window(AlertApproaching6Years, th.Approaching6Months, sixYearLimit)

	if elapsed >= th.SixYearsMonths && !e.ExceptionalDerogation {
		decisions = append(decisions, AlertDecision{
			Enrollment:      e,
			Type:            AlertExceeded6Years,
			ElapsedMonths:   elapsed,
			ThresholdMonths: th.SixYearsMonths,
		})
	}

	return decisions
}

// EvaluateBatch classifies every enrollment; it performs no I/O.
func EvaluateBatch(enrollments []Enrollment, now time.Time, th Thresholds) []AlertDecision {
	var decisions []AlertDecision
	for i := range enrollments {
		decisions = append(decisions, ClassifyEnrollment(enrollments[i], now, th)...)
	}
	return decisions
}

// AlertEventVersion is the current wire schema version of AlertEvent.
const AlertEventVersion = 1

const dateLayout = "2006-01-02"

// AlertEvent is the bus payload emitted once per (enrollment, alert type).
type AlertEvent struct {
	Version             int           `json:"version"`
	Type                AlertType     `json:"type"`
	EnrollmentID        int64         `json:"enrollmentId"`
	DoctorantID         int64         `json:"doctorantId"`
	RecipientEmail      string        `json:"recipientEmail"`
	DirectorEmail       string        `json:"directorEmail"`
	FirstEnrollmentDate string        `json:"firstEnrollmentDate"`
	ElapsedDuration     string        `json:"elapsedDuration"`
	RemainingTime       *string       `json:"remainingTime"`
	Threshold           string        `json:"threshold"`
	RequiredAction      string        `json:"requiredAction"`
	Priority            AlertPriority `json:"priority"`
	EmittedAt           time.Time     `json:"emittedAt"`
}

func (d AlertDecision) Event(emittedAt time.Time) AlertEvent {
	var remaining *string
	if d.RemainingMonths != nil && d.Type != AlertExceeded6Years {
		value := FormatMonths(*d.RemainingMonths)
		remaining = &value
	}

	return AlertEvent{
		Version:             AlertEventVersion,
		Type:                d.Type,
		EnrollmentID:        d.Enrollment.ID,
		DoctorantID:         d.Enrollment.DoctorantID,
		RecipientEmail:      d.Enrollment.DoctorantEmail,
		DirectorEmail:       d.Enrollment.DirectorEmail,
		FirstEnrollmentDate: d.Enrollment.FirstEnrollmentDate.Format(dateLayout),
		ElapsedDuration:     FormatMonths(d.ElapsedMonths),
		RemainingTime:       remaining,
		Threshold:           FormatMonths(d.ThresholdMonths),
		RequiredAction:      d.Type.RequiredAction(),
		Priority:            d.Type.Priority(),
		EmittedAt:           emittedAt.UTC(),
	}
}

func (e AlertEvent) Validate() error {
	if e.Version < 1 || e.Version > AlertEventVersion {
		return fmt.Errorf("%w: unsupported alert event version %d", ErrValidation, e.Version)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid alert type %q", ErrValidation, e.Type)
	}
	if e.EnrollmentID <= 0 {
		return fmt.Errorf("%w: enrollmentId is required", ErrValidation)
	}
	if !e.Priority.IsValid() {
		return fmt.Errorf("%w: invalid alert priority %q", ErrValidation, e.Priority)
	}
	if e.Type == AlertExceeded6Years && e.RemainingTime != nil {
		return fmt.Errorf("%w: remainingTime must be null for %s", ErrValidation, e.Type)
	}
	if strings.TrimSpace(e.RecipientEmail) == "" && strings.TrimSpace(e.DirectorEmail) == "" {
		return fmt.Errorf("%w: alert event has no recipient", ErrValidation)
	}
	return nil
}

// Recipients returns the distinct non-empty addresses of the event.
func (e AlertEvent) Recipients() []string {
	seen := make(map[string]struct{}, 2)
	out := make([]string, 0, 2)
	for _, addr := range []string{e.RecipientEmail, e.DirectorEmail} {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Body renders the plain text body sent for the event.
func (e AlertEvent) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Inscription n°%d (doctorant %d)\n", e.EnrollmentID, e.DoctorantID)
	fmt.Fprintf(&b, "Première inscription : %s\n", e.FirstEnrollmentDate)
	fmt.Fprintf(&b, "Durée écoulée : %s\n", e.ElapsedDuration)
	fmt.Fprintf(&b, "Seuil : %s\n", e.Threshold)
	if e.RemainingTime != nil {
		fmt.Fprintf(&b, "Temps restant : %s\n", *e.RemainingTime)
	}
	fmt.Fprintf(&b, "Action requise : %s\n", e.RequiredAction)
	return b.String()
}
