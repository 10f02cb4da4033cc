package types

// Task types distinguish what the evaluation should focus on.
const (
	TaskBrandHealth        = "brand_health"
	TaskMarketIntelligence = "market_intelligence"
)

// Target is one configured search target for the fetch stage.
type Target struct {
	Query    string `json:"query"`
	TaskType string `json:"task_type"`
}

// Page is one scraped page returned by the fetch capability.
type Page struct {
	URL      string `json:"url"`
	Text     string `json:"text"`
	TaskType string `json:"task_type"`
}

// Snippet returns a bounded excerpt of the page text suitable for prompts
// and stored results.
func (p Page) Snippet(maxLen int) string {
	if maxLen <= 0 || len(p.Text) <= maxLen {
		return p.Text
	}
	return p.Text[:maxLen]
}

// EmailMessage is the composed digest handed to the send capability.
type EmailMessage struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}
