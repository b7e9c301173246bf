package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"clinicalai/internal/extract"
	"clinicalai/internal/logging"
)

const degradedHeader = "X-Extraction-Degraded"

type aiHandlers struct {
	svc    Extractor
	strict bool
	logger zerolog.Logger
}

func (h *aiHandlers) autoComplete(c *fiber.Ctx) error {
	var req AutoCompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return badJSON(c)
	}
	out, err := h.svc.AutoComplete(c.UserContext(), req.PartialText, req.Context)
	if err != nil {
		return h.fail(c, "Auto-complete failed", err)
	}
	if done, err := h.degraded(c, out.Fault); done {
		return err
	}
	return c.JSON(SuggestionsResponse{Suggestions: out.Result})
}

func (h *aiHandlers) terminology(c *fiber.Ctx) error {
	var req TerminologyRequest
	if err := c.BodyParser(&req); err != nil {
		return badJSON(c)
	}
	out, err := h.svc.Terminology(c.UserContext(), req.PartialTerm)
	if err != nil {
		return h.fail(c, "Terminology lookup failed", err)
	}
	if done, err := h.degraded(c, out.Fault); done {
		return err
	}
	return c.JSON(SuggestionsResponse{Suggestions: out.Result})
}

func (h *aiHandlers) generateNotes(c *fiber.Ctx) error {
	var req GenerateNotesRequest
	if err := c.BodyParser(&req); err != nil {
		return badJSON(c)
	}
	out, err := h.svc.GenerateNotes(c.UserContext(), req.BulletPoints, req.PatientContext)
	if err != nil {
		return h.fail(c, "Note generation failed", err)
	}
	if done, err := h.degraded(c, out.Fault); done {
		return err
	}
	return c.JSON(GenerateNotesResponse{GeneratedNotes: out.Result})
}

func (h *aiHandlers) suggestTreatments(c *fiber.Ctx) error {
	var req TreatmentSuggestionRequest
	if err := c.BodyParser(&req); err != nil {
		return badJSON(c)
	}
	out, err := h.svc.SuggestTreatments(c.UserContext(), req.Diagnosis, req.PatientHistory)
	if err != nil {
		return h.fail(c, "Treatment suggestion failed", err)
	}
	if done, err := h.degraded(c, out.Fault); done {
		return err
	}
	return c.JSON(TreatmentsResponse{Treatments: out.Result})
}

func (h *aiHandlers) extractClinicalData(c *fiber.Ctx) error {
	var req ExtractDataRequest
	if err := c.BodyParser(&req); err != nil {
		return badJSON(c)
	}
	out, err := h.svc.ExtractFields(c.UserContext(), req.FreeText)
	if err != nil {
		return h.fail(c, "Data extraction failed", err)
	}
	if done, err := h.degraded(c, out.Fault); done {
		return err
	}
	return c.JSON(out.Result)
}

func (h *aiHandlers) parseToEHR(c *fiber.Ctx) error {
	var req ParseEHRRequest
	if err := c.BodyParser(&req); err != nil {
		return badJSON(c)
	}
	out, err := h.svc.ExtractEHR(c.UserContext(), req.LargeText, req.PatientContext)
	if err != nil {
		return h.fail(c, "EHR parsing failed", err)
	}
	if done, err := h.degraded(c, out.Fault); done {
		return err
	}

	msg := "EHR fields extracted successfully"
	if out.Degraded() {
		msg = "No EHR fields could be extracted"
	}
	fields := out.Result
	return c.JSON(ParseEHRResponse{
		Success:         true,
		Message:         msg,
		ExtractedFields: &fields,
		DroppedFields:   out.Dropped,
	})
}

// fail maps the error taxonomy onto status codes.
func (h *aiHandlers) fail(c *fiber.Ctx, label string, err error) error {
	switch {
	case errors.Is(err, extract.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
	case errors.Is(err, extract.ErrCancelled):
		return c.Status(fiber.StatusRequestTimeout).JSON(ErrorResponse{
			Error:   "Request timeout",
			Message: "the request took too long and was cancelled",
		})
	default:
		logger := logging.FromContext(c.UserContext(), h.logger)
		logger.Error().Err(err).Str("path", c.Path()).Msg(label)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   label,
			Message: err.Error(),
		})
	}
}

// degraded marks a fallback result. In strict mode it answers 502 and
// reports done; otherwise the caller sends the empty result.
func (h *aiHandlers) degraded(c *fiber.Ctx, fault error) (bool, error) {
	if fault == nil {
		return false, nil
	}
	if h.strict {
		return true, c.Status(fiber.StatusBadGateway).JSON(ErrorResponse{
			Error:   "Model returned an unusable response",
			Message: fault.Error(),
		})
	}
	c.Set(degradedHeader, "true")
	return false, nil
}

func badJSON(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "Invalid request",
		Message: "malformed JSON body",
	})
}
