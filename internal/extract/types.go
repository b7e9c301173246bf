package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome wraps every operation result. Fault is non-nil when the model's
// output could not be used and Result holds the default value instead; it
// always satisfies errors.Is(Fault, ErrMalformedResponse). Dropped lists
// values removed by domain validation.
type Outcome[T any] struct {
	Result  T
	Fault   error
	Dropped []DroppedField
}

// Degraded reports whether Result is a fallback rather than model output.
func (o Outcome[T]) Degraded() bool { return o.Fault != nil }

// DroppedField names one value removed from the model output.
type DroppedField struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// FieldExtraction is the result of single-field extraction from free text.
type FieldExtraction struct {
	Diagnosis         *string  `json:"diagnosis"`
	Symptoms          []string `json:"symptoms"`
	Treatments        []string `json:"treatments"`
	PeriodontalStatus *string  `json:"periodontalStatus"`
	Medications       []string `json:"medications"`
	AffectedTeeth     []int    `json:"affectedTeeth"`
}

// EHRFields is the full electronic health record extraction.
type EHRFields struct {
	Allergies         *string `json:"allergies"`
	MedicalAlerts     *string `json:"medicalAlerts"`
	Diagnosis         *string `json:"diagnosis"`
	XRayFindings      *string `json:"xRayFindings"`
	PeriodontalStatus *string `json:"periodontalStatus"`
	ClinicalNotes     *string `json:"clinicalNotes"`
	Recommendations   *string `json:"recommendations"`
	History           *string `json:"history"`
	Treatments        *string `json:"treatments"`

	Medications   []Medication `json:"medications"`
	Procedures    []Procedure  `json:"procedures"`
	AffectedTeeth []Tooth      `json:"affectedTeeth"`
	XRays         []XRay       `json:"xRays"`
}

type Medication struct {
	Name      *string `json:"name"`
	Dosage    *string `json:"dosage"`
	Frequency *string `json:"frequency"`
	Duration  *string `json:"duration"`
}

type Procedure struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Date        *Date   `json:"date"`
}

// Tooth is one affected tooth in Universal Numbering (1-32).
type Tooth struct {
	ToothNumber int     `json:"toothNumber"`
	Condition   *string `json:"condition"`
	Treatment   *string `json:"treatment"`
}

type XRay struct {
	Type     *string `json:"type"`
	Findings *string `json:"findings"`
	Date     *Date   `json:"date"`
}

const dateLayout = "2006-01-02"

var dateLayouts = []string{
	dateLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// Date is a calendar day. It decodes yyyy-MM-dd or an RFC 3339 timestamp
// and always encodes as yyyy-MM-dd.
type Date struct {
	time.Time
}

// NewDate returns the Date for the given day in UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate accepts any of the supported layouts.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return NewDate(y, m, d), nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
