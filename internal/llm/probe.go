package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// ProbeResult describes what the availability probe found.
type ProbeResult struct {
	Reachable   bool     `json:"reachable"`
	ModelLoaded bool     `json:"modelLoaded"`
	Models      []string `json:"models,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// BaseURL strips the generate path from the configured endpoint so that
// sibling API paths can be addressed.
func (c *Client) BaseURL() string {
	base := strings.TrimRight(c.endpoint, "/")
	return strings.TrimSuffix(base, "/api/generate")
}

// Probe checks that the completion service answers and that a model whose
// name starts with the configured model id is installed. A non-nil error
// means the service was not reachable.
func (c *Client) Probe(ctx context.Context) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+"/api/tags", nil)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{}, fmt.Errorf("llm tags request failed with status %d", resp.StatusCode)
	}

	res := ProbeResult{Reachable: true}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		// Reachable, but the model list is unreadable.
		return res, nil
	}

	want := strings.ToLower(c.model)
	for _, m := range tags.Models {
		res.Models = append(res.Models, m.Name)
		if strings.HasPrefix(strings.ToLower(m.Name), want) {
			res.ModelLoaded = true
		}
	}
	return res, nil
}

// LogProbe runs Probe and logs the outcome. It never fails; the process
// keeps starting when the service is down.
func (c *Client) LogProbe(ctx context.Context) ProbeResult {
	c.logger.Info().Str("endpoint", c.BaseURL()).Msg("checking completion service")

	res, err := c.Probe(ctx)
	switch {
	case err != nil:
		c.logger.Error().Err(err).Msg("completion service is not running")
	case !res.ModelLoaded:
		c.logger.Warn().Str("model", c.model).Msgf("model %q not found; pull it with: ollama pull %s", c.model, c.model)
	default:
		c.logger.Info().Str("model", c.model).Msg("model is loaded and ready")
	}
	return res
}
