package extract

// fieldsDocument and ehrDocument are the decoded model output before it
// is shaped into the public results.
type fieldsDocument struct {
	Diagnosis         *string  `json:"diagnosis"`
	Symptoms          []string `json:"symptoms"`
	Treatments        []string `json:"treatments"`
	PeriodontalStatus *string  `json:"periodontalStatus"`
	Medications       []string `json:"medications"`
	AffectedTeeth     []int    `json:"affectedTeeth"`
}

type ehrDocument struct {
	Allergies         *string `json:"allergies"`
	MedicalAlerts     *string `json:"medicalAlerts"`
	Diagnosis         *string `json:"diagnosis"`
	XRayFindings      *string `json:"xRayFindings"`
	PeriodontalStatus *string `json:"periodontalStatus"`
	ClinicalNotes     *string `json:"clinicalNotes"`
	Recommendations   *string `json:"recommendations"`
	History           *string `json:"history"`
	Treatments        *string `json:"treatments"`

	Medications []struct {
		Name      *string `json:"name"`
		Dosage    *string `json:"dosage"`
		Frequency *string `json:"frequency"`
		Duration  *string `json:"duration"`
	} `json:"medications"`
	Procedures []struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Date        *Date   `json:"date"`
	} `json:"procedures"`
	AffectedTeeth []struct {
		ToothNumber int     `json:"toothNumber"`
		Condition   *string `json:"condition"`
		Treatment   *string `json:"treatment"`
	} `json:"affectedTeeth"`
	XRays []struct {
		Type     *string `json:"type"`
		Findings *string `json:"findings"`
		Date     *Date   `json:"date"`
	} `json:"xRays"`
}

// EmptyFieldExtraction is the default result: absent strings, empty lists.
func EmptyFieldExtraction() FieldExtraction {
	return mapFields(fieldsDocument{})
}

// EmptyEHRFields is the default full EHR result.
func EmptyEHRFields() EHRFields {
	return mapEHR(ehrDocument{})
}

func mapFields(d fieldsDocument) FieldExtraction {
	return FieldExtraction{
		Diagnosis:         blankToNil(d.Diagnosis),
		Symptoms:          nonNil(d.Symptoms),
		Treatments:        nonNil(d.Treatments),
		PeriodontalStatus: blankToNil(d.PeriodontalStatus),
		Medications:       nonNil(d.Medications),
		AffectedTeeth:     nonNil(d.AffectedTeeth),
	}
}

// mapEHR copies the nested lists element by element. Tooth numbers are
// passed through as decoded; the domain check happens in the Validator.
func mapEHR(d ehrDocument) EHRFields {
	out := EHRFields{
		Allergies:         blankToNil(d.Allergies),
		MedicalAlerts:     blankToNil(d.MedicalAlerts),
		Diagnosis:         blankToNil(d.Diagnosis),
		XRayFindings:      blankToNil(d.XRayFindings),
		PeriodontalStatus: blankToNil(d.PeriodontalStatus),
		ClinicalNotes:     blankToNil(d.ClinicalNotes),
		Recommendations:   blankToNil(d.Recommendations),
		History:           blankToNil(d.History),
		Treatments:        blankToNil(d.Treatments),

		Medications:   make([]Medication, 0, len(d.Medications)),
		Procedures:    make([]Procedure, 0, len(d.Procedures)),
		AffectedTeeth: make([]Tooth, 0, len(d.AffectedTeeth)),
		XRays:         make([]XRay, 0, len(d.XRays)),
	}

	for _, m := range d.Medications {
		out.Medications = append(out.Medications, Medication{
			Name:      blankToNil(m.Name),
			Dosage:    blankToNil(m.Dosage),
			Frequency: blankToNil(m.Frequency),
			Duration:  blankToNil(m.Duration),
		})
	}
	for _, p := range d.Procedures {
		out.Procedures = append(out.Procedures, Procedure{
			Name:        blankToNil(p.Name),
			Description: blankToNil(p.Description),
			Date:        p.Date,
		})
	}
	for _, t := range d.AffectedTeeth {
		out.AffectedTeeth = append(out.AffectedTeeth, Tooth{
			ToothNumber: t.ToothNumber,
			Condition:   blankToNil(t.Condition),
			Treatment:   blankToNil(t.Treatment),
		})
	}
	for _, x := range d.XRays {
		out.XRays = append(out.XRays, XRay{
			Type:     blankToNil(x.Type),
			Findings: blankToNil(x.Findings),
			Date:     x.Date,
		})
	}
	return out
}

// blankToNil treats the literal "null" some models emit inside a string,
// and empty strings, as absent.
func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	switch *s {
	case "", "null", "NULL", "None":
		return nil
	}
	return s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
