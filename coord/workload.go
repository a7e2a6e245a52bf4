package coord

import (
	"encoding/json"
	"fmt"
)

// Reference sizes a workload of 1.0 corresponds to.
const (
	baseImagePixels = 512 * 512
	baseTextTokens  = 256
)

type imageParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Steps  int `json:"steps"`
}

type textParams struct {
	MaxTokens int `json:"max_tokens"`
}

// computeWorkload maps request params to an abstract per-slot workload.
// Images scale with pixel count against a 512x512 baseline, text with
// the requested token budget. Missing params mean the baseline job.
func computeWorkload(media string, params json.RawMessage) (float64, error) {
	switch media {
	case "image":
		p := imageParams{Width: 512, Height: 512}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return 0, &ValidationError{Field: "params", Reason: err.Error()}
			}
		}
		if p.Width <= 0 || p.Height <= 0 {
			return 0, &ValidationError{Field: "params", Reason: fmt.Sprintf("bad dimensions %dx%d", p.Width, p.Height)}
		}
		return float64(p.Width*p.Height) / baseImagePixels, nil
	case "text":
		p := textParams{MaxTokens: baseTextTokens}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return 0, &ValidationError{Field: "params", Reason: err.Error()}
			}
		}
		if p.MaxTokens <= 0 {
			return 0, &ValidationError{Field: "params", Reason: "max_tokens must be positive"}
		}
		return float64(p.MaxTokens) / baseTextTokens, nil
	default:
		return 0, &ValidationError{Field: "media", Reason: fmt.Sprintf("unknown media %q", media)}
	}
}

// kudosCost prices one slot of work. The price is what the requester's
// usage meter is charged at submission, per slot.
func kudosCost(workload float64) float64 {
	return 10 * workload
}
