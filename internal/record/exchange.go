// Package record persists completed exchanges and serves them back for the
// admin and export surfaces.
package record

import "time"

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Exchange is the persisted unit: the request snapshot, the final message
// sequence with the reconstructed assistant turn appended, timing, and
// outcome. Written exactly once per inbound call.
type Exchange struct {
	ID               string
	CreatedAt        time.Time
	Model            string
	MessagesJSON     string
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stream           bool
	FunctionsJSON    string
	FunctionCallJSON string
	ToolsJSON        string
	ToolChoiceJSON   string
	ResponseBody     string
	ToolCallsJSON    string
	ElapsedMS        int64
	Status           string
	StatusCode       int
	ErrorDetail      string
	APIKeyHash       string
	CorrelationID    string
}

func normalizeExchange(in *Exchange) *Exchange {
	row := *in
	now := time.Now().UTC()

	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.Model == "" {
		row.Model = "unknown"
	}
	if row.Status == "" {
		row.Status = StatusOK
	}
	if row.MessagesJSON == "" {
		row.MessagesJSON = "[]"
	}

	return &row
}
