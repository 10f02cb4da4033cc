// Package compose builds the HTML digest email from a run's evaluated items.
// Composition is pure and deterministic: no I/O, no clock, no randomness.
package compose

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/jonathan/brandpulse/internal/types"
)

// ErrEmptyDigest is returned when there are no items to compose. There is no
// point emailing an empty digest; the caller fails the run instead.
var ErrEmptyDigest = errors.New("no evaluated items to compose")

// Options configures digest composition.
type Options struct {
	// BaseURL is the public base URL used to build feedback links.
	BaseURL string
	// BrandName is the display name shown in the digest.
	BrandName string
	// BrandTerms are lowercase terms used to split items into brand-specific
	// versus merely brand-relevant sections.
	BrandTerms []string
	// MaxSummaryLen truncates item summaries. Zero means no truncation.
	MaxSummaryLen int
	// PromptNotes are evaluation prompt descriptions shown in the metadata
	// section, one per configured task type.
	PromptNotes []string
}

// BuildDigest renders the digest message for a run. Items must already carry
// their feedback tokens.
func BuildDigest(runID int64, items []types.ContentItem, meta types.RunMeta, opts Options) (*types.EmailMessage, error) {
	if len(items) == 0 {
		return nil, ErrEmptyDigest
	}

	onBrand, relevant := splitByBrand(items, opts.BrandTerms)

	var b strings.Builder
	b.WriteString("<html><body style='font-family: Arial, sans-serif; line-height:1.4;'>")
	b.WriteString("<h3>Hi there</h3>")

	b.WriteString(fmt.Sprintf("<h3><strong>Links the AI thinks are specific to %s</strong></h3>", html.EscapeString(opts.BrandName)))
	b.WriteString("<ul>")
	writeItems(&b, onBrand, opts, true)
	b.WriteString("</ul>")

	b.WriteString("<h3><strong>Links the AI thinks are brand relevant but not brand specific</strong></h3>")
	b.WriteString("<ul>")
	writeItems(&b, relevant, opts, false)
	b.WriteString("</ul>")

	b.WriteString("<h3>Run Metadata</h3>")
	b.WriteString(fmt.Sprintf("<p><strong>Search Terms:</strong> %s</p>", html.EscapeString(joinOrNA(meta.SearchTerms))))
	b.WriteString(fmt.Sprintf("<p><strong>Number of Search Calls:</strong> %d</p>", len(meta.SearchTerms)))
	b.WriteString(fmt.Sprintf("<p><strong>Searches Run At:</strong> %s</p>", html.EscapeString(joinTimesOrNA(meta.SearchTimes))))
	if len(opts.PromptNotes) > 0 {
		b.WriteString("<p><strong>Evaluation Prompts:</strong></p><ul>")
		for _, note := range opts.PromptNotes {
			b.WriteString(fmt.Sprintf("<li>%s</li>", html.EscapeString(note)))
		}
		b.WriteString("</ul>")
	}
	if len(meta.FetchFailures) > 0 {
		b.WriteString("<p><strong>Targets that failed to fetch:</strong></p><ul>")
		for _, f := range meta.FetchFailures {
			b.WriteString(fmt.Sprintf("<li>%s: %s</li>", html.EscapeString(f.Target), html.EscapeString(f.Reason)))
		}
		b.WriteString("</ul>")
	}

	b.WriteString("<p><strong>Summaries:</strong></p><ul>")
	for _, item := range items {
		b.WriteString(fmt.Sprintf("<li>%s</li>", html.EscapeString(truncate(item.Evaluation.Summary, opts.MaxSummaryLen))))
	}
	b.WriteString("</ul>")

	b.WriteString("</body></html>")

	return &types.EmailMessage{
		Subject:  fmt.Sprintf("%s Agent Digest - Run %d", opts.BrandName, runID),
		HTMLBody: b.String(),
	}, nil
}

// splitByBrand separates items whose snippet mentions a brand term from the
// rest.
func splitByBrand(items []types.ContentItem, brandTerms []string) (onBrand, relevant []types.ContentItem) {
	for _, item := range items {
		snippet := strings.ToLower(item.Snippet)
		matched := false
		for _, term := range brandTerms {
			if term != "" && strings.Contains(snippet, strings.ToLower(term)) {
				matched = true
				break
			}
		}
		if matched {
			onBrand = append(onBrand, item)
		} else {
			relevant = append(relevant, item)
		}
	}
	return onBrand, relevant
}

func writeItems(b *strings.Builder, items []types.ContentItem, opts Options, includeFeedback bool) {
	if len(items) == 0 {
		b.WriteString("<li>No links found.</li>")
		return
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	for _, item := range items {
		headline := item.Evaluation.Summary
		if headline == "" {
			headline = item.SourceURL
		}
		b.WriteString(fmt.Sprintf("<li><a href='%s'>%s</a>",
			html.EscapeString(item.SourceURL), html.EscapeString(truncate(headline, 120))))
		if includeFeedback && item.FeedbackToken != "" {
			b.WriteString(fmt.Sprintf(
				" - <a href='%s/feedback?token=%s&answer=yes'>Yes 👍, it was helpful!</a> | <a href='%s/feedback?token=%s&answer=no'>No 👎, it was not helpful.</a>",
				base, item.FeedbackToken, base, item.FeedbackToken))
		}
		b.WriteString("</li>")
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func joinOrNA(values []string) string {
	if len(values) == 0 {
		return "N/A"
	}
	return strings.Join(values, ", ")
}

func joinTimesOrNA(times []time.Time) string {
	if len(times) == 0 {
		return "N/A"
	}
	formatted := make([]string, len(times))
	for i, t := range times {
		formatted[i] = t.Format(time.RFC3339)
	}
	return strings.Join(formatted, ", ")
}
