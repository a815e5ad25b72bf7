package pipeline

import (
	"strings"

	"github.com/blueberrycongee/morc/internal/model"
	pkgerrors "github.com/blueberrycongee/morc/pkg/errors"
)

// maxStopSequences bounds how many stop sequences one request may carry.
const maxStopSequences = 8

// validate is stage 1: structural checks that need no model context.
// Failures surface verbatim with the offending field name.
func validate(req *model.Request) error {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Messages) == 0 {
		return pkgerrors.NewBadRequest("", "prompt: empty prompt and no messages")
	}
	c := req.Constraints
	if c.MaxTokens < 0 {
		return pkgerrors.NewBadRequest("", "maxTokens: must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return pkgerrors.NewBadRequest("", "temperature: must be within [0, 2]")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return pkgerrors.NewBadRequest("", "topP: must be within [0, 1]")
	}
	if c.TopK < 0 {
		return pkgerrors.NewBadRequest("", "topK: must not be negative")
	}
	if len(c.StopSequences) > maxStopSequences {
		return pkgerrors.NewBadRequest("", "stopSequences: too many entries")
	}
	if c.Timeout < 0 {
		return pkgerrors.NewBadRequest("", "timeout: must not be negative")
	}
	for i := range req.Ensemble {
		if req.Ensemble[i].ModelID == "" {
			return pkgerrors.NewBadRequest("", "ensemble: member without model id")
		}
	}
	return nil
}

// preprocess is stage 2: chat templating for message-style requests and
// input normalization.
func preprocess(req *model.Request) string {
	if len(req.Messages) == 0 {
		return normalize(req.Prompt)
	}
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(normalize(m.Content))
		sb.WriteString("\n")
	}
	return sb.String()
}

func normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// checkContextLength enforces the chosen model's context window against
// the preprocessed input. Token counting mirrors the reference loaders'
// rune-based accounting.
func checkContextLength(m *model.Model, input string) error {
	limit := m.Params.ContextLength
	if limit <= 0 {
		return nil
	}
	if len([]rune(input)) > limit {
		return pkgerrors.NewBadRequest(m.ID, "prompt: exceeds model context length")
	}
	return nil
}

// postprocess is stage 7: trim at the first stop sequence, finalize token
// counts, and estimate cost from the model's declared per-token price.
func postprocess(res *model.InferenceResult, req *model.Request, m *model.Model) {
	for _, stop := range req.Constraints.StopSequences {
		if stop == "" {
			continue
		}
		if idx := strings.Index(res.Text, stop); idx >= 0 {
			res.Text = res.Text[:idx]
			res.FinishReason = model.FinishStop
		}
	}
	res.Tokens.Total = res.Tokens.Prompt + res.Tokens.Completion
	res.CostEstimate = float64(res.Tokens.Total) * m.Metadata.CostPerToken
}
