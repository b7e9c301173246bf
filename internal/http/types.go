package http

import "clinicalai/internal/extract"

// ErrorResponse is the failure envelope for every /api/ai route.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type AutoCompleteRequest struct {
	PartialText string `json:"partialText"`
	Context     string `json:"context"`
}

type TerminologyRequest struct {
	PartialTerm string `json:"partialTerm"`
}

type GenerateNotesRequest struct {
	BulletPoints   string `json:"bulletPoints"`
	PatientContext string `json:"patientContext"`
}

type TreatmentSuggestionRequest struct {
	Diagnosis      string `json:"diagnosis"`
	PatientHistory string `json:"patientHistory"`
}

type ExtractDataRequest struct {
	FreeText string `json:"freeText"`
}

// ParseEHRRequest carries a doctor's full notes for EHR extraction.
type ParseEHRRequest struct {
	LargeText      string `json:"largeText"`
	PatientContext string `json:"patientContext"`
}

type SuggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}

type GenerateNotesResponse struct {
	GeneratedNotes string `json:"generatedNotes"`
}

type TreatmentsResponse struct {
	Treatments []string `json:"treatments"`
}

// ParseEHRResponse wraps the extracted fields. DroppedFields lists model
// values removed because they were out of domain.
type ParseEHRResponse struct {
	Success         bool                   `json:"success"`
	Message         string                 `json:"message"`
	ExtractedFields *extract.EHRFields     `json:"extractedFields"`
	DroppedFields   []extract.DroppedField `json:"droppedFields,omitempty"`
}

// HealthResponse is returned by /healthz. Component fields are only set
// for deep checks.
type HealthResponse struct {
	Status      string `json:"status"`
	LLM         string `json:"llm,omitempty"`
	ModelLoaded *bool  `json:"modelLoaded,omitempty"`
	Redis       string `json:"redis,omitempty"`
	DB          string `json:"db,omitempty"`
}
