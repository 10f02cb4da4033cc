package evaluate

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/api/googleapi"

	"github.com/jonathan/brandpulse/internal/brand"
	"github.com/jonathan/brandpulse/internal/executor"
	"github.com/jonathan/brandpulse/internal/types"
)

//go:embed schema.json
var evaluationSchema string

// maxPromptText caps how much page text is sent per evaluation.
const maxPromptText = 12000

// Evaluator scores pages with the configured LLM client and validates each
// response against the evaluation result schema.
type Evaluator struct {
	client Client
	brand  *brand.Brand
}

// New creates an Evaluator for a brand.
func New(client Client, b *brand.Brand) *Evaluator {
	return &Evaluator{client: client, brand: b}
}

// Evaluate scores one page. A response that does not conform to the
// evaluation schema is reported as executor.ErrBadEvaluation; provider
// failures are classified by HTTP status.
func (e *Evaluator) Evaluate(ctx context.Context, page types.Page) (*types.Evaluation, error) {
	raw, err := e.client.GenerateJSON(ctx, e.buildPrompt(page))
	if err != nil {
		return nil, classifyProviderError(err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(evaluationSchema),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", executor.ErrBadEvaluation, err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", executor.ErrBadEvaluation, strings.Join(details, "; "))
	}

	var ev types.Evaluation
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", executor.ErrBadEvaluation, err)
	}
	return &ev, nil
}

// FocusLine returns the evaluation focus instruction for a task type. It is
// also surfaced in the digest's metadata section.
func FocusLine(taskType string) string {
	if taskType == types.TaskMarketIntelligence {
		return "Focus on market trends, competitor strategies and emerging opportunities in the industry."
	}
	return "Focus on sentiment, customer service issues, product feedback and direct competitor comparisons."
}

// buildPrompt assembles the evaluation prompt from the brand definition and
// the page's task type.
func (e *Evaluator) buildPrompt(page types.Page) string {
	focusLine := FocusLine(page.TaskType)

	text := page.Text
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a content evaluator for the brand %s.\n", e.brand.DisplayName)
	fmt.Fprintf(&sb, "The brand's voice is a %s tone. %s\n", e.brand.Tone.Persona, e.brand.Tone.StyleGuide)
	sb.WriteString(focusLine + "\n")
	fmt.Fprintf(&sb, "Check for these keywords: %s.\n", strings.Join(e.brand.AllKeywords(), ", "))
	fmt.Fprintf(&sb, "Identify any of these banned words: %s.\n", strings.Join(e.brand.BannedWords, ", "))
	sb.WriteString(`
Respond in JSON with exactly these fields:
{
  "categories": [],
  "sentiment": "positive|neutral|negative|mixed",
  "summary": "",
  "relevance_score": 0.0,
  "keywords_present": [],
  "banned_words_found": []
}
---
`)
	sb.WriteString(text)
	sb.WriteString("\n---\n")
	return sb.String()
}

// classifyProviderError maps an LLM provider failure to a retry class.
// Malformed requests and auth failures will not succeed on retry; rate
// limits and server errors will.
func classifyProviderError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return executor.Transient(err)
		case gerr.Code >= 400 && gerr.Code < 500:
			return executor.Terminal(err)
		}
	}
	return executor.Transient(err)
}
